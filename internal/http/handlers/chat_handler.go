// Chat HTTP handlers.
//
// This file exposes REST endpoints for chat resources:
//   - GET  /me/chat          (the caller's chat, 404 before the first message)
//   - POST /me/chat          (ensure the caller's chat exists)
//   - GET  /admin/chats      (staff inbox, paginated, ETag support)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/http/middleware"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/rpc"
	"github.com/tbourn/parcel-forwarding-backend/internal/services"
	"github.com/tbourn/parcel-forwarding-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatService defines chat lookup operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ChatService interface {
	// Find returns the chat owned by userID.
	Find(ctx context.Context, userID string) (*domain.Chat, error)
	// Ensure returns the chat of userID, creating it when missing.
	Ensure(ctx context.Context, userID string, contactEmail *string) (*domain.Chat, error)
	// Get returns a chat by id.
	Get(ctx context.Context, chatID string) (*domain.Chat, error)
	// ListPage returns a page of all chats and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Chat, int64, error)
}

// MessageService defines message retrieval, sending and deletion.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type MessageService interface {
	// ListPage returns a keyset page of a chat, oldest first.
	ListPage(ctx context.Context, chatID string, q services.PageQuery) (*services.Page, error)
	// ListForUser pages through the caller's own chat.
	ListForUser(ctx context.Context, userID string, q services.PageQuery) (*services.Page, error)
	// Get returns one message with its attachments.
	Get(ctx context.Context, messageID string) (*domain.Message, error)
	// Send writes a message and its attachments, or nothing.
	Send(ctx context.Context, in services.SendInput) (*domain.Message, error)
	// Delete removes a message and its attachments.
	Delete(ctx context.Context, messageID string) error
}

// OrderFileService defines order and item file operations.
type OrderFileService interface {
	Upload(ctx context.Context, orderKey string, itemNumber *int, f services.FileInput, c services.Caller) (*domain.OrderFile, error)
	List(ctx context.Context, orderKey string, itemNumber *int, c services.Caller) ([]domain.OrderFile, error)
	Delete(ctx context.Context, orderKey, fileID string, c services.Caller) error
}

// Procedures dispatches named procedure calls. *rpc.Registry satisfies it.
type Procedures interface {
	Call(ctx context.Context, c rpc.Caller, name string, args json.RawMessage) (any, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for chats, messages, order files and
// procedures. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	chatSvc ChatService
	msgSvc  MessageService
	fileSvc OrderFileService
	procs   Procedures
	idemTTL time.Duration
}

// New constructs and returns a Handlers instance bound to the given services.
func New(chatSvc ChatService, msgSvc MessageService, fileSvc OrderFileService, procs Procedures) *Handlers {
	return &Handlers{
		chatSvc: chatSvc,
		msgSvc:  msgSvc,
		fileSvc: fileSvc,
		procs:   procs,
		idemTTL: 24 * time.Hour,
	}
}

// SetIdempotencyTTL sets how long a send's Idempotency-Key replays the
// stored message. Non-positive values are ignored.
func (h *Handlers) SetIdempotencyTTL(ttl time.Duration) {
	if ttl > 0 {
		h.idemTTL = ttl
	}
}

// serviceDB returns the database behind the concrete services, used for
// ETag statistics and idempotency records. Nil with fakes.
func (h *Handlers) serviceDB() *gorm.DB {
	if svc, ok := h.msgSvc.(*services.MessageService); ok && svc.DB != nil {
		return svc.DB
	}
	if svc, ok := h.chatSvc.(*services.ChatService); ok {
		return svc.DB
	}
	return nil
}

// caller returns the authenticated principal as seen by procedures.
func caller(c *gin.Context) rpc.Caller {
	return rpc.Caller{
		UserID: middleware.UserID(c),
		Email:  middleware.Email(c),
		Admin:  middleware.IsAdmin(c),
	}
}

// authorizeChat loads chatID and checks the caller owns it or is staff.
// It writes the error response itself and returns nil on failure.
func (h *Handlers) authorizeChat(c *gin.Context, chatID string) *domain.Chat {
	chat, err := h.chatSvc.Get(c.Request.Context(), chatID)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return nil
	}
	if chat.UserID != middleware.UserID(c) && !middleware.IsAdmin(c) {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant of this chat")
		return nil
	}
	return chat
}

//
// DTOs
//

// EnsureChatRequest is the JSON payload for creating the caller's chat.
type EnsureChatRequest struct {
	// ContactEmail overrides the token's email as the reply address.
	ContactEmail string `json:"contact_email" binding:"omitempty,email,max=255" example:"ada@example.com"`
}

// ChatResponse is a chat with the viewer's unread count.
type ChatResponse struct {
	domain.Chat
	Unread int64 `json:"unread"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListChatsResponse wraps a page of chats and pagination information.
type ListChatsResponse struct {
	Chats      []ChatResponse `json:"chats"`
	Pagination Pagination     `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	page, pageSize, _ = utils.PageBounds(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize),
	)
	return
}

// withUnread decorates chats with the unread count for viewerRole. Count
// failures leave the count at zero.
func (h *Handlers) withUnread(ctx context.Context, chats []domain.Chat, viewerRole string) []ChatResponse {
	out := make([]ChatResponse, len(chats))
	db := h.serviceDB()
	for i, ch := range chats {
		out[i].Chat = ch
		if db != nil {
			out[i].Unread, _ = repo.CountUnread(ctx, db, ch.ID, viewerRole)
		}
	}
	return out
}

//
// Handlers
//

// GetMyChat godoc
// @ID          getMyChat
// @Summary     Get the caller's chat
// @Description Returns the caller's support chat with the number of staff messages they have not read.
// @Tags        Chats
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object}  handlers.ChatResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     404  {object}  handlers.ErrorResponse  "No chat yet"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /me/chat [get]
func (h *Handlers) GetMyChat(c *gin.Context) {
	ch, err := h.chatSvc.Find(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, h.withUnread(c.Request.Context(), []domain.Chat{*ch}, domain.RoleContact)[0])
}

// EnsureMyChat godoc
// @ID          ensureMyChat
// @Summary     Create the caller's chat if missing
// @Description Idempotent: returns the existing chat or creates it.
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.EnsureChatRequest  false  "Optional reply address"
//
// @Success     200  {object}  domain.Chat
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /me/chat [post]
func (h *Handlers) EnsureMyChat(c *gin.Context) {
	var req EnsureChatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	email := strings.TrimSpace(req.ContactEmail)
	if email == "" {
		email = middleware.Email(c)
	}

	ch, err := h.chatSvc.Ensure(c.Request.Context(), middleware.UserID(c), &email)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, ch)
}

// ListChats godoc
// @ID          listChats
// @Summary     List chats (staff inbox, paginated)
// @Description Returns a page of all chats, most recently active first, with the staff unread count. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListChatsResponse
// @Header      200  {string} ETag           "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     403  {object} handlers.ErrorResponse "Staff only"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/chats [get]
func (h *Handlers) ListChats(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort). Page coordinates are part of the tag.
	if db := h.serviceDB(); db != nil {
		if st, err := repo.InboxStats(ctx, db); err == nil {
			etag := st.ETag("inbox", strconv.Itoa(page), strconv.Itoa(pageSize))
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.chatSvc.ListPage(ctx, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListChatsResponse{
		Chats: h.withUnread(ctx, items, domain.RoleUser),
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
