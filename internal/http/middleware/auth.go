package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/parcel-forwarding-backend/internal/auth"
)

// Gin context keys set by Authenticate.
const (
	ctxKeyUserID = "userID"
	ctxKeyEmail  = "email"
	ctxKeyAdmin  = "admin"
)

// TokenParser validates access tokens. *auth.Issuer satisfies it.
type TokenParser interface {
	ParseAccess(token string) (*auth.Claims, error)
}

// AdminLookup reports whether a user holds the staff role.
// *auth.RoleCache satisfies it.
type AdminLookup interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// PolicyEnforcer decides (subject, path, method) requests.
// *casbin.Enforcer satisfies it.
type PolicyEnforcer interface {
	Enforce(rvals ...interface{}) (bool, error)
}

// Authenticate requires a bearer access token. Browsers cannot set headers
// on a WebSocket handshake, so an access_token query parameter is accepted
// as well.
//
// On success the caller's id, email and staff flag are stored in the Gin
// context and the request-scoped logger gains user_id. An expired token is
// answered with 401 token_expired so clients know a refresh may help.
func Authenticate(tokens TokenParser, roles AdminLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing access token")
			return
		}
		claims, err := tokens.ParseAccess(raw)
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			abortJSON(c, http.StatusUnauthorized, "token_expired", "access token expired")
			return
		case err != nil:
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid access token")
			return
		}

		admin := false
		if roles != nil {
			admin, err = roles.IsAdmin(c.Request.Context(), claims.Subject)
			if err != nil {
				LoggerFrom(c).Error().Err(err).Msg("role lookup failed")
				abortJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
				return
			}
		}

		c.Set(ctxKeyUserID, claims.Subject)
		c.Set(ctxKeyEmail, claims.Email)
		c.Set(ctxKeyAdmin, admin)
		WithUserID(c, claims.Subject)
		c.Next()
	}
}

// RequireRBAC checks the caller's role against the policy for the request
// path and method.
func RequireRBAC(e PolicyEnforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := auth.RoleName(IsAdmin(c))
		ok, err := e.Enforce(sub, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			LoggerFrom(c).Error().Err(err).Msg("rbac enforce failed")
			abortJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		if !ok {
			abortJSON(c, http.StatusForbidden, "forbidden", "staff role required")
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated caller, or "" before Authenticate ran.
func UserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// Email returns the authenticated caller's email claim.
func Email(c *gin.Context) string {
	return c.GetString(ctxKeyEmail)
}

// IsAdmin reports whether the authenticated caller holds the staff role.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ctxKeyAdmin)
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return c.Query("access_token")
}

// abortJSON writes the standard error envelope and stops the chain.
func abortJSON(c *gin.Context, status int, code, msg string) {
	rid, _ := c.Get(requestIDKey)
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": asString(rid),
		"code":       code,
		"message":    msg,
	})
}
