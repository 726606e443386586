// Message HTTP handlers.
//
// This file exposes REST endpoints for chat messages:
//   - GET    /me/messages              (page through the caller's own chat)
//   - POST   /me/messages              (send to the caller's own chat)
//   - GET    /chats/{id}/messages      (page through a chat, owner or staff)
//   - POST   /chats/{id}/messages      (send to a chat, owner or staff)
//   - DELETE /admin/messages/{id}      (staff delete)
//
// Pages are keyset based: a page is addressed by the (created_at, id) of the
// oldest message already held, and returned oldest first.
//
// Sends accept JSON for text-only messages and multipart/form-data when files
// are attached.
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// send exists for (user, chat, key), the handler returns that recorded
// message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/http/middleware"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/services"
	"github.com/tbourn/parcel-forwarding-backend/internal/utils"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for a text-only send. Multipart
// sends carry the same fields as form values plus one or more "files" parts.
type PostMessageRequest struct {
	// MessageID is an optional client-generated UUID used for optimistic UI.
	MessageID string `json:"message_id" form:"message_id" binding:"omitempty,uuid" example:"7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab"`
	// Body is the message text. It may be empty when files are attached.
	Body string `json:"body" form:"body" example:"Has my parcel arrived at the warehouse?"`
}

// PostMessageResponse is the JSON envelope for a committed message.
type PostMessageResponse struct {
	Message *domain.Message `json:"message"`
}

//
// Helpers
//

// pageQuery parses limit, before_ts (RFC 3339) and before_id.
func pageQuery(c *gin.Context) (services.PageQuery, error) {
	q := services.PageQuery{
		Limit:    utils.AtoiDefault(c.Query("limit"), 0),
		BeforeID: strings.TrimSpace(c.Query("before_id")),
	}
	if raw := strings.TrimSpace(c.Query("before_ts")); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return q, errors.New("before_ts must be an RFC 3339 timestamp")
		}
		q.BeforeTS = ts.UTC()
	}
	if q.BeforeTS.IsZero() != (q.BeforeID == "") {
		return q, errors.New("before_ts and before_id must be given together")
	}
	return q, nil
}

// bindSend reads a JSON or multipart send. The returned closer releases the
// opened file parts.
func (h *Handlers) bindSend(c *gin.Context) (PostMessageRequest, []services.FileInput, func(), error) {
	var req PostMessageRequest
	noop := func() {}

	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBindJSON(&req); err != nil {
			return req, nil, noop, errors.New("invalid JSON body")
		}
		return req, nil, noop, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return req, nil, noop, errors.New("invalid multipart body")
	}
	if err := c.ShouldBindWith(&req, binding.FormMultipart); err != nil {
		return req, nil, noop, errors.New("invalid form fields")
	}

	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	files := make([]services.FileInput, 0, len(form.File["files"]))
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return req, nil, noop, fmt.Errorf("read file %q: %w", fh.Filename, err)
		}
		opened = append(opened, f)
		files = append(files, services.FileInput{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Body:     f,
		})
	}
	return req, files, closeAll, nil
}

// replay returns the message recorded for the request's Idempotency-Key.
func (h *Handlers) replay(c *gin.Context, key string) *domain.Message {
	db := h.serviceDB()
	if key == "" || db == nil {
		return nil
	}
	ctx := c.Request.Context()
	rec, err := repo.GetIdempotency(ctx, db, middleware.UserID(c), middleware.IdempotencyScope(c), key, time.Now().UTC())
	if err != nil || rec == nil {
		return nil
	}
	prev, err := h.msgSvc.Get(ctx, rec.MessageID)
	if err != nil {
		return nil
	}
	return prev
}

// remember records a committed send for its Idempotency-Key. Best effort.
func (h *Handlers) remember(c *gin.Context, key, messageID string) {
	db := h.serviceDB()
	if key == "" || db == nil {
		return
	}
	_, err := repo.CreateIdempotency(c.Request.Context(), db, middleware.UserID(c), middleware.IdempotencyScope(c), key, messageID, http.StatusCreated, h.idemTTL)
	if err != nil && !errors.Is(err, repo.ErrDuplicate) {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("store idempotency record failed")
	}
}

// send runs one send for in, handling idempotent replays.
func (h *Handlers) send(c *gin.Context, in services.SendInput) {
	key, _ := middleware.GetIdempotencyKey(c)
	if prev := h.replay(c, key); prev != nil {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, PostMessageResponse{Message: prev})
		return
	}

	req, files, closeFiles, err := h.bindSend(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	defer closeFiles()

	in.MessageID = req.MessageID
	in.Body = req.Body
	in.Files = files

	m, err := h.msgSvc.Send(c.Request.Context(), in)
	if err != nil {
		failService(c, err, ErrCodeSendFailed)
		return
	}
	h.remember(c, key, m.ID)
	ok(c, http.StatusCreated, PostMessageResponse{Message: m})
}

// writePage emits a page with a weak ETag derived from the chat's message
// statistics and the requested window. Chats with attachments are never
// tagged: their pages carry freshly signed URLs on every read.
func (h *Handlers) writePage(c *gin.Context, chatID string, q services.PageQuery, load func() (*services.Page, error)) {
	if db := h.serviceDB(); db != nil && chatID != "" {
		if st, err := repo.ChatMessagesStats(c.Request.Context(), db, chatID); err == nil && st.Attachments == 0 {
			var cursor string
			if !q.BeforeTS.IsZero() {
				cursor = q.BeforeTS.Format(time.RFC3339Nano) + "/" + q.BeforeID
			}
			etag := st.ETag("messages:"+chatID, strconv.Itoa(q.Limit), cursor)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, err := load()
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, page)
}

//
// Handlers
//

// ListMyMessages godoc
// @ID          listMyMessages
// @Summary     List messages in the caller's chat
// @Description Returns one keyset page, oldest first. A caller without a chat gets an empty page.
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
//
// @Param       limit      query  int     false "Page size"                              minimum(1) maximum(100) default(30)
// @Param       before_ts  query  string  false "created_at of the oldest held message"  format(date-time)
// @Param       before_id  query  string  false "id of the oldest held message"          format(uuid)
//
// @Success     200  {object} services.Page
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /me/messages [get]
func (h *Handlers) ListMyMessages(c *gin.Context) {
	q, err := pageQuery(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	uid := middleware.UserID(c)
	chatID := ""
	if ch, err := h.chatSvc.Find(c.Request.Context(), uid); err == nil {
		chatID = ch.ID
	}
	h.writePage(c, chatID, q, func() (*services.Page, error) {
		return h.msgSvc.ListForUser(c.Request.Context(), uid, q)
	})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a chat
// @Description Returns one keyset page, oldest first, for a chat the caller owns or staffs. Supports weak ETag via If-None-Match.
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
//
// @Param       id             path    string  true  "Chat ID (UUID)"                         format(uuid)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       limit          query   int     false "Page size"                              minimum(1) maximum(100) default(30)
// @Param       before_ts      query   string  false "created_at of the oldest held message"  format(date-time)
// @Param       before_id      query   string  false "id of the oldest held message"          format(uuid)
//
// @Success     200  {object} services.Page
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	chatID := c.Param("id")
	if _, err := uuid.Parse(chatID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat id must be a UUID")
		return
	}
	q, err := pageQuery(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if h.authorizeChat(c, chatID) == nil {
		return
	}
	h.writePage(c, chatID, q, func() (*services.Page, error) {
		return h.msgSvc.ListPage(c.Request.Context(), chatID, q)
	})
}

// PostMyMessage godoc
// @ID          postMyMessage
// @Summary     Send a message to the caller's chat
// @Description Creates the chat on the first message. Text-only sends may use JSON; attach files with multipart/form-data ("files" parts). Supports idempotency via the Idempotency-Key header.
// @Tags        Messages
// @Accept      json,mpfd
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header    string  false "Idempotency key for safe retries"
// @Param       body             body      handlers.PostMessageRequest  false  "Text-only payload"
// @Param       files            formData  file    false "Attachments (multipart only)"
//
// @Success     201  {object}  handlers.PostMessageResponse  "Committed message"
// @Success     200  {object}  handlers.PostMessageResponse  "Replayed message"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request, empty, too long or files too large"
// @Failure     409  {object}  handlers.ErrorResponse        "Message id already used"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /me/messages [post]
func (h *Handlers) PostMyMessage(c *gin.Context) {
	var email *string
	if e := middleware.Email(c); e != "" {
		email = &e
	}
	h.send(c, services.SendInput{
		SenderID:     middleware.UserID(c),
		SenderRole:   domain.RoleContact,
		ContactEmail: email,
	})
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message to a chat
// @Description The chat owner sends as the contact; staff send as the agent. Same body rules as /me/messages.
// @Tags        Messages
// @Accept      json,mpfd
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header    string  false "Idempotency key for safe retries"
// @Param       id               path      string  true  "Chat ID (UUID)"  format(uuid)
// @Param       body             body      handlers.PostMessageRequest  false  "Text-only payload"
// @Param       files            formData  file    false "Attachments (multipart only)"
//
// @Success     201  {object}  handlers.PostMessageResponse  "Committed message"
// @Success     200  {object}  handlers.PostMessageResponse  "Replayed message"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse        "Not a participant"
// @Failure     404  {object}  handlers.ErrorResponse        "Chat not found"
// @Failure     409  {object}  handlers.ErrorResponse        "Message id already used"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /chats/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	chatID := c.Param("id")
	if _, err := uuid.Parse(chatID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat id must be a UUID")
		return
	}
	chat := h.authorizeChat(c, chatID)
	if chat == nil {
		return
	}
	in := services.SendInput{ChatID: chat.ID, SenderID: middleware.UserID(c)}
	if chat.UserID == in.SenderID {
		in.SenderRole = domain.RoleContact
	} else {
		in.SenderRole = domain.RoleUser
	}
	h.send(c, in)
}

// DeleteMessage godoc
// @ID          deleteMessage
// @Summary     Delete a message (staff)
// @Description Removes the message and its attachment rows, then best-effort removes the stored objects.
// @Tags        Admin
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Message ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Staff only"
// @Failure     404  {object} handlers.ErrorResponse "Message not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/messages/{id} [delete]
func (h *Handlers) DeleteMessage(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}
	if err := h.msgSvc.Delete(c.Request.Context(), id); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
