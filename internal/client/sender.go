package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// Send limits.
const (
	DefaultMaxRunes     = 4000
	DefaultMaxFileBytes = 100 << 20
)

// Send validation errors.
var (
	ErrEmptyMessage = errors.New("message needs text or at least one file")
	ErrTextTooLong  = errors.New("message text is too long")
)

// File is an in-memory attachment.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// SendRequest describes a message to send. ChatID may be empty for the
// caller's own chat, which the server creates on the first message.
type SendRequest struct {
	MessageID string
	ChatID    string
	Body      string
	Files     []File
}

// OversizeError lists every file above the per-file limit.
type OversizeError struct {
	Limit int64
	Files []File
}

func (e *OversizeError) Error() string {
	parts := make([]string, len(e.Files))
	for i, f := range e.Files {
		parts[i] = fmt.Sprintf("%s (%d bytes)", f.Name, len(f.Data))
	}
	return fmt.Sprintf("files exceed the %d byte limit: %s", e.Limit, strings.Join(parts, ", "))
}

// Validate checks req locally. It runs before any network call.
func (c *Client) Validate(req SendRequest) error {
	body := strings.TrimSpace(req.Body)
	if body == "" && len(req.Files) == 0 {
		return ErrEmptyMessage
	}
	if len(req.Files) == 0 && utf8.RuneCountInString(body) > c.maxRunes {
		return fmt.Errorf("%w: %d characters, at most %d", ErrTextTooLong, utf8.RuneCountInString(body), c.maxRunes)
	}
	var big []File
	for _, f := range req.Files {
		if int64(len(f.Data)) > c.maxFile {
			big = append(big, f)
		}
	}
	if len(big) > 0 {
		return &OversizeError{Limit: c.maxFile, Files: big}
	}
	return nil
}

func newMessageID() string { return uuid.NewString() }

type sendResponse struct {
	Message *domain.Message `json:"message"`
}

// Send validates req, assigns a message id when missing and posts it. The
// id doubles as the Idempotency-Key, so a guarded retry never sends twice.
// The returned message is the server's committed row.
func (c *Client) Send(ctx context.Context, req SendRequest) (*domain.Message, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		req.MessageID = newMessageID()
	}

	endpoint := c.endpoint(nil, "me", "messages")
	if req.ChatID != "" {
		endpoint = c.endpoint(nil, "chats", req.ChatID, "messages")
	}

	r := request{
		method: http.MethodPost,
		url:    endpoint,
		auth:   true,
		header: http.Header{"Idempotency-Key": {req.MessageID}},
	}
	if len(req.Files) == 0 {
		raw, err := json.Marshal(map[string]string{"message_id": req.MessageID, "body": req.Body})
		if err != nil {
			return nil, err
		}
		r.contentType = "application/json"
		r.newBody = func() (io.Reader, error) { return bytes.NewReader(raw), nil }
	} else {
		raw, contentType, err := multipartBody(req)
		if err != nil {
			return nil, err
		}
		r.contentType = contentType
		r.newBody = func() (io.Reader, error) { return bytes.NewReader(raw), nil }
	}

	var out sendResponse
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, r, &out)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, errors.New("client: empty send response")
	}
	return out.Message, nil
}

func multipartBody(req SendRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("message_id", req.MessageID); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("body", req.Body); err != nil {
		return nil, "", err
	}
	for _, f := range req.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		ct := f.MimeType
		if ct == "" {
			ct = http.DetectContentType(f.Data)
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
