// Session HTTP handlers.
//
//   - POST /auth/token    (mint a session for a user; service role only)
//   - POST /auth/refresh  (rotate a refresh token into a new pair)
//   - POST /auth/signout  (revoke a refresh token)
//
// Token minting is guarded by the service-role key rather than a user token:
// it is called by the identity front end after it has verified the user.
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/parcel-forwarding-backend/internal/auth"
	"github.com/tbourn/parcel-forwarding-backend/internal/http/middleware"
)

// ServiceRoleHeader carries the service-role key on /auth/token.
const ServiceRoleHeader = "X-Service-Role-Key"

// TokenIssuer issues, rotates and revokes sessions. *auth.Issuer satisfies it.
type TokenIssuer interface {
	Issue(userID, email string) (auth.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (auth.Tokens, *auth.Claims, error)
	ParseRefresh(ctx context.Context, token string) (*auth.Claims, error)
	Revoke(ctx context.Context, c *auth.Claims) error
}

// RoleInvalidator drops cached role decisions. *auth.RoleCache satisfies it.
type RoleInvalidator interface {
	Invalidate(userID string)
}

// AuthHandlers groups the session endpoints.
type AuthHandlers struct {
	Issuer         TokenIssuer
	Roles          RoleInvalidator
	ServiceRoleKey string
}

// IssueTokenRequest names the user a session is minted for.
type IssueTokenRequest struct {
	UserID string `json:"user_id" binding:"required,max=128" example:"cust-1"`
	Email  string `json:"email" binding:"omitempty,email,max=255" example:"ada@example.com"`
}

// RefreshRequest carries a refresh token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// tokenFailure maps token errors to 401 responses.
func tokenFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		fail(c, http.StatusUnauthorized, ErrCodeTokenExpired, "refresh token expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "refresh token revoked")
	default:
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid refresh token")
	}
}

// IssueToken godoc
// @ID          issueToken
// @Summary     Mint a session
// @Description Issues an access/refresh pair for a user. Requires the service-role key.
// @Tags        Auth
// @Accept      json
// @Produce     json
//
// @Param       X-Service-Role-Key  header  string                      true  "Service-role key"
// @Param       body                body    handlers.IssueTokenRequest  true  "Subject"
//
// @Success     200  {object}  auth.Tokens
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Bad service-role key"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /auth/token [post]
func (h *AuthHandlers) IssueToken(c *gin.Context) {
	key := c.GetHeader(ServiceRoleHeader)
	if h.ServiceRoleKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.ServiceRoleKey)) != 1 {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "service role required")
		return
	}
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id required")
		return
	}
	uid := strings.TrimSpace(req.UserID)
	if uid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id required")
		return
	}

	tokens, err := h.Issuer.Issue(uid, strings.TrimSpace(req.Email))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	// A fresh session re-reads the role.
	if h.Roles != nil {
		h.Roles.Invalidate(uid)
	}
	ok(c, http.StatusOK, tokens)
}

// RefreshToken godoc
// @ID          refreshToken
// @Summary     Rotate a session
// @Description Exchanges a refresh token for a new pair. The old refresh token is revoked.
// @Tags        Auth
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.RefreshRequest  true  "Refresh token"
//
// @Success     200  {object}  auth.Tokens
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "token_expired or unauthorized"
// @Router      /auth/refresh [post]
func (h *AuthHandlers) RefreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "refresh_token required")
		return
	}
	tokens, claims, err := h.Issuer.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		tokenFailure(c, err)
		return
	}
	middleware.LoggerFrom(c).Debug().Str("user_id", claims.Subject).Msg("session refreshed")
	ok(c, http.StatusOK, tokens)
}

// SignOut godoc
// @ID          signOut
// @Summary     End a session
// @Description Revokes the refresh token. Access tokens stay valid until they expire.
// @Tags        Auth
// @Accept      json
//
// @Param       body  body  handlers.RefreshRequest  true  "Refresh token"
//
// @Success     204  {string}  string "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid refresh token"
// @Router      /auth/signout [post]
func (h *AuthHandlers) SignOut(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "refresh_token required")
		return
	}
	ctx := c.Request.Context()
	claims, err := h.Issuer.ParseRefresh(ctx, req.RefreshToken)
	if err != nil && !errors.Is(err, auth.ErrTokenRevoked) {
		tokenFailure(c, err)
		return
	}
	if claims != nil {
		if err := h.Issuer.Revoke(ctx, claims); err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "sign-out failed")
			return
		}
		if h.Roles != nil {
			h.Roles.Invalidate(claims.Subject)
		}
	}
	noContent(c)
}
