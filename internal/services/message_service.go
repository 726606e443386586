// Package services – MessageService
//
// MessageService owns the message lifecycle: keyset-paginated reads with
// attachment URLs derived per read, multi-step sends (message row, object
// uploads, attachment rows) compensated on failure, and staff deletes.
//
// Every send records a SendIntent before its first write and drops it once
// all steps committed. An intent that survives a crash is compensated later
// by the Reconciler.
//
// Observability: public methods are traced; sends and rollbacks are counted.
package services

import (
	"context"
	"errors"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/observability"
	"github.com/tbourn/parcel-forwarding-backend/internal/realtime"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/storage"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
	signParallelism = 8
	cleanupTimeout  = 30 * time.Second
)

// PageQuery selects a page of messages older than the cursor. A zero
// BeforeTS starts from the newest message.
type PageQuery struct {
	Limit    int
	BeforeTS time.Time
	BeforeID string
}

// Cursor addresses the oldest message of a returned page.
type Cursor struct {
	BeforeTS time.Time `json:"before_ts"`
	BeforeID string    `json:"before_id"`
}

// Page is a slice of messages in ascending (created_at, id) order.
type Page struct {
	Messages   []domain.Message `json:"messages"`
	HasMore    bool             `json:"has_more"`
	NextCursor *Cursor          `json:"next_cursor,omitempty"`
}

// FileInput is one file of a send. Body is read exactly once.
type FileInput struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// SendInput describes a message to send.
//
// Contacts may leave ChatID empty: their chat is resolved, or created on the
// first message. Staff (RoleUser) must name the chat they answer.
type SendInput struct {
	MessageID    string // optional client-generated UUID
	ChatID       string
	SenderID     string
	SenderRole   string
	ContactEmail *string
	Body         string
	Files        []FileInput
}

// MessageService coordinates message persistence and attachment storage.
type MessageService struct {
	DB     *gorm.DB
	Chats  *ChatService
	Store  storage.ObjectStore
	Broker realtime.Broker // optional; receives delete events

	Bucket       string
	URLTTL       time.Duration
	MaxRunes     int
	MaxFileBytes int64

	Now func() time.Time
}

func (s *MessageService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// ListPage returns one page of chatID. It fetches Limit+1 rows newest first
// so HasMore needs no count query, then returns the page oldest first with
// attachments joined and their URLs signed.
func (s *MessageService) ListPage(ctx context.Context, chatID string, q PageQuery) (*Page, error) {
	ctx, span := observability.StartSpan(ctx, "MessageService.ListPage",
		attribute.String("chat.id", chatID),
		attribute.Int("limit", q.Limit),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if _, err = s.Chats.Get(ctx, chatID); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	rows, err := repo.ListMessagesBefore(ctx, s.DB, chatID, repo.Cursor{BeforeTS: q.BeforeTS, BeforeID: q.BeforeID}, limit+1)
	if err != nil {
		return nil, err
	}
	page := &Page{HasMore: len(rows) == limit+1}
	if page.HasMore {
		rows = rows[:limit]
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	if err = s.attach(ctx, rows); err != nil {
		return nil, err
	}
	if page.HasMore && len(rows) > 0 {
		page.NextCursor = &Cursor{BeforeTS: rows[0].CreatedAt, BeforeID: rows[0].ID}
	}
	if rows == nil {
		rows = []domain.Message{}
	}
	page.Messages = rows
	return page, nil
}

// ListForUser pages through the caller's own chat. A user without a chat
// gets an empty page.
func (s *MessageService) ListForUser(ctx context.Context, userID string, q PageQuery) (*Page, error) {
	chat, err := s.Chats.Find(ctx, userID)
	if errors.Is(err, ErrChatNotFound) {
		return &Page{Messages: []domain.Message{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.ListPage(ctx, chat.ID, q)
}

// Get returns one message with its attachments.
func (s *MessageService) Get(ctx context.Context, messageID string) (*domain.Message, error) {
	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	msgs := []domain.Message{*m}
	if err := s.attach(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// attach loads the attachments of msgs and fills missing URLs.
func (s *MessageService) attach(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	atts, err := repo.ListAttachmentsByMessages(ctx, s.DB, ids)
	if err != nil {
		return err
	}
	s.signAll(ctx, atts)

	byMsg := make(map[string][]domain.MessageAttachment, len(msgs))
	for _, a := range atts {
		byMsg[a.MessageID] = append(byMsg[a.MessageID], a)
	}
	for i := range msgs {
		msgs[i].Attachments = byMsg[msgs[i].ID]
		if msgs[i].Attachments == nil {
			msgs[i].Attachments = []domain.MessageAttachment{}
		}
	}
	return nil
}

// signAll derives a signed URL for every attachment without one, in
// parallel. A failed signature leaves that URL empty.
func (s *MessageService) signAll(ctx context.Context, atts []domain.MessageAttachment) {
	if s.Store == nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(signParallelism)
	for i := range atts {
		if atts[i].URL != "" {
			continue
		}
		a := &atts[i]
		g.Go(func() error {
			u, err := s.Store.SignedURL(gctx, s.Bucket, a.StoragePath, s.URLTTL)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("attachment_id", a.ID).Msg("sign attachment url failed")
				return nil
			}
			a.URL = u
			return nil
		})
	}
	_ = g.Wait()
}

// validate checks a send before anything touches the database or storage.
func (s *MessageService) validate(in *SendInput) error {
	in.Body = strings.TrimSpace(in.Body)
	if in.Body == "" && len(in.Files) == 0 {
		return ErrEmptyMessage
	}
	if len(in.Files) > 0 && s.Store == nil {
		return ErrStorageUnavailable
	}
	if len(in.Files) == 0 && s.MaxRunes > 0 && utf8.RuneCountInString(in.Body) > s.MaxRunes {
		return ErrTooLong
	}
	if s.MaxFileBytes > 0 {
		var over []OversizeFile
		for _, f := range in.Files {
			if f.Size > s.MaxFileBytes {
				over = append(over, OversizeFile{Name: f.Name, Size: f.Size})
			}
		}
		if len(over) > 0 {
			return &FilesTooLargeError{Limit: s.MaxFileBytes, Files: over}
		}
	}
	if in.MessageID == "" {
		in.MessageID = uuid.NewString()
	} else if _, err := uuid.Parse(in.MessageID); err != nil {
		return ErrInvalidMessageID
	}
	if in.SenderRole != domain.RoleContact && in.SenderRole != domain.RoleUser {
		return ErrForbidden
	}
	return nil
}

// resolveChat finds the chat a send goes to.
func (s *MessageService) resolveChat(ctx context.Context, in SendInput) (*domain.Chat, error) {
	if in.SenderRole == domain.RoleUser {
		if in.ChatID == "" {
			return nil, ErrChatNotFound
		}
		return s.Chats.Get(ctx, in.ChatID)
	}
	chat, err := s.Chats.Ensure(ctx, in.SenderID, in.ContactEmail)
	if err != nil {
		return nil, err
	}
	if in.ChatID != "" && in.ChatID != chat.ID {
		return nil, ErrForbidden
	}
	return chat, nil
}

// Send validates, writes the message, then uploads each file and inserts its
// attachment row. Any failure after the message row exists removes the
// uploaded objects, the attachment rows and the message. There is no retry.
func (s *MessageService) Send(ctx context.Context, in SendInput) (msg *domain.Message, err error) {
	ctx, span := observability.StartSpan(ctx, "MessageService.Send",
		attribute.String("sender.role", in.SenderRole),
		attribute.Int("files", len(in.Files)),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err = s.validate(&in); err != nil {
		return nil, err
	}
	chat, err := s.resolveChat(ctx, in)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("chat.id", chat.ID), attribute.String("message.id", in.MessageID))

	keys := make([]string, len(in.Files))
	for i, f := range in.Files {
		keys[i] = storage.ChatAttachmentKey(chat.ID, in.MessageID, f.Name)
	}
	if err = repo.CreateSendIntent(ctx, s.DB, in.MessageID, chat.ID, keys); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrDuplicateMessage
		}
		return nil, err
	}

	m := &domain.Message{
		ID:         in.MessageID,
		ChatID:     chat.ID,
		SenderRole: in.SenderRole,
		SenderID:   in.SenderID,
		Body:       in.Body,
		CreatedAt:  s.now().Truncate(time.Microsecond),
	}
	if err = repo.CreateMessage(ctx, s.DB, m); err != nil {
		// Nothing of ours was written; only the intent goes.
		s.dropIntent(ctx, m.ID)
		observability.SendRollbacks.WithLabelValues("message").Inc()
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrDuplicateMessage
		}
		return nil, err
	}

	var uploaded []string
	m.Attachments = make([]domain.MessageAttachment, 0, len(in.Files))
	for i, f := range in.Files {
		ct := contentType(f)
		if err = s.Store.Put(ctx, s.Bucket, keys[i], f.Body, f.Size, ct); err != nil {
			s.compensate(ctx, *m, append(uploaded, keys[i]), "upload")
			return nil, err
		}
		uploaded = append(uploaded, keys[i])

		// Heartbeat; a reconciler that claimed the intent meanwhile owns
		// the rollback.
		if err = repo.TouchSendIntent(ctx, s.DB, m.ID, s.now()); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				err = ErrSendAbandoned
			}
			s.compensate(ctx, *m, uploaded, "heartbeat")
			return nil, err
		}

		a := domain.MessageAttachment{
			ID:          uuid.NewString(),
			MessageID:   m.ID,
			FileName:    f.Name,
			MimeType:    ct,
			Size:        f.Size,
			StoragePath: keys[i],
		}
		if err = repo.CreateAttachment(ctx, s.DB, &a); err != nil {
			s.compensate(ctx, *m, uploaded, "attachment")
			return nil, err
		}
		m.Attachments = append(m.Attachments, a)
	}

	s.dropIntent(ctx, m.ID)
	if terr := repo.TouchChat(ctx, s.DB, chat.ID, m.CreatedAt); terr != nil {
		log.Ctx(ctx).Warn().Err(terr).Str("chat_id", chat.ID).Msg("touch chat failed")
	}
	s.signAll(ctx, m.Attachments)
	observability.MessagesSent.WithLabelValues(m.SenderRole).Inc()
	return m, nil
}

// compensate undoes a partially written send. Every step is best effort and
// runs detached from the request context so a cancelled client still gets
// cleaned up.
func (s *MessageService) compensate(ctx context.Context, m domain.Message, keys []string, step string) {
	observability.SendRollbacks.WithLabelValues(step).Inc()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	rollbackSend(cctx, s.DB, s.Store, s.Broker, s.Bucket, m, keys)
}

func (s *MessageService) dropIntent(ctx context.Context, messageID string) {
	if err := repo.DeleteSendIntent(context.WithoutCancel(ctx), s.DB, messageID); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("message_id", messageID).Msg("drop send intent failed")
	}
}

// rollbackSend removes the objects, attachment rows, message row and intent
// of one send. Errors are logged, never returned.
func rollbackSend(ctx context.Context, db *gorm.DB, store storage.ObjectStore, broker realtime.Broker, bucket string, m domain.Message, keys []string) {
	l := log.Ctx(ctx).With().Str("message_id", m.ID).Logger()
	if len(keys) > 0 && store != nil {
		if err := store.Remove(ctx, bucket, keys...); err != nil {
			l.Warn().Err(err).Msg("rollback: remove objects failed")
		}
	}
	if err := repo.DeleteAttachmentsByMessage(ctx, db, m.ID); err != nil {
		l.Warn().Err(err).Msg("rollback: delete attachment rows failed")
	}
	switch err := repo.DeleteMessage(ctx, db, m.ID); {
	case err == nil:
		realtime.PublishDelete(ctx, broker, m)
	case !errors.Is(err, repo.ErrNotFound):
		l.Warn().Err(err).Msg("rollback: delete message failed")
	}
	if err := repo.DeleteSendIntent(ctx, db, m.ID); err != nil {
		l.Warn().Err(err).Msg("rollback: drop intent failed")
	}
}

// Delete removes a message with its attachment rows, then best-effort
// removes the stored objects.
func (s *MessageService) Delete(ctx context.Context, messageID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "MessageService.Delete", attribute.String("message.id", messageID))
	defer func() { observability.EndSpan(span, err) }()

	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	atts, err := repo.ListAttachmentsByMessages(ctx, s.DB, []string{m.ID})
	if err != nil {
		return err
	}
	if err = repo.DeleteMessage(ctx, s.DB, m.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	if len(atts) > 0 && s.Store != nil {
		keys := make([]string, len(atts))
		for i, a := range atts {
			keys[i] = a.StoragePath
		}
		if rerr := s.Store.Remove(ctx, s.Bucket, keys...); rerr != nil {
			log.Ctx(ctx).Warn().Err(rerr).Str("message_id", m.ID).Msg("remove attachment objects failed")
		}
	}
	realtime.PublishDelete(ctx, s.Broker, *m)
	return nil
}

// contentType returns the declared type, else one guessed from the file
// extension, else application/octet-stream.
func contentType(f FileInput) string {
	if ct := strings.TrimSpace(f.MimeType); ct != "" {
		return ct
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(f.Name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
