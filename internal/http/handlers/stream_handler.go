// Streaming and file-serving handlers.
//
//   - GET /chats/{id}/stream  (WebSocket feed of a chat's inserts and deletes)
//   - GET /files/{bucket}/{key}?expires=&sig=  (signed download, local storage only)
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/parcel-forwarding-backend/internal/http/middleware"
	"github.com/tbourn/parcel-forwarding-backend/internal/storage"
)

// ChatStreamer upgrades a request into a chat feed. *realtime.Streamer
// satisfies it.
type ChatStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request, chatID string) error
}

// SignedFileStore verifies signed URLs and streams objects.
// *storage.LocalStore satisfies it.
type SignedFileStore interface {
	Verify(bucket, key, expires, sig string) error
	storage.Opener
}

// StreamChat godoc
// @ID          streamChat
// @Summary     Subscribe to a chat
// @Description Upgrades to a WebSocket and pushes JSON frames ("message", "attachment", "deleted") for the chat. The access token may be passed as access_token since browsers cannot set headers on the handshake.
// @Tags        Messages
// @Security    BearerAuth
//
// @Param       id            path   string  true   "Chat ID"  format(uuid)
// @Param       access_token  query  string  false  "Access token"
//
// @Success     101  {string}  string "Switching Protocols"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a participant"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Router      /chats/{id}/stream [get]
func (h *Handlers) StreamChat(s ChatStreamer) gin.HandlerFunc {
	return func(c *gin.Context) {
		chat := h.authorizeChat(c, c.Param("id"))
		if chat == nil {
			return
		}
		// The upgrader writes its own error response on a bad handshake.
		if err := s.Serve(c.Writer, c.Request, chat.ID); err != nil {
			middleware.LoggerFrom(c).Debug().Err(err).Str("chat_id", chat.ID).Msg("stream ended")
		}
	}
}

// ServeFile godoc
// @ID          serveFile
// @Summary     Download a stored file
// @Description Streams an object addressed by a signed URL issued by the API.
// @Tags        Files
//
// @Param       path     path   string  true  "bucket/key"
// @Param       expires  query  int     true  "Unix expiry"
// @Param       sig      query  string  true  "Signature"
//
// @Success     200  {file}    file
// @Failure     403  {object}  handlers.ErrorResponse  "Invalid or expired signature"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /files/{path} [get]
func ServeFile(store SignedFileStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		bucket, key, found := strings.Cut(strings.TrimPrefix(c.Param("path"), "/"), "/")
		if !found || bucket == "" || key == "" || !storage.ValidKey(key) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "file not found")
			return
		}
		if err := store.Verify(bucket, key, c.Query("expires"), c.Query("sig")); err != nil {
			fail(c, http.StatusForbidden, ErrCodeForbidden, "invalid or expired signature")
			return
		}

		rc, info, err := store.Open(c.Request.Context(), bucket, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fail(c, http.StatusNotFound, ErrCodeNotFound, "file not found")
				return
			}
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
			return
		}
		defer rc.Close()

		c.Header("Content-Type", info.ContentType)
		c.Header("Content-Length", strconv.FormatInt(info.Size, 10))
		c.Header("Cache-Control", "private, max-age=60")
		c.Status(http.StatusOK)
		if _, err := io.Copy(c.Writer, rc); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Str("key", key).Msg("file stream interrupted")
		}
	}
}
