package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/observability"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
)

// URLSigner derives a time-limited URL for a stored object.
type URLSigner interface {
	SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Handlers receives the events of one chat. Nil handlers are skipped.
type Handlers struct {
	OnMessage    func(domain.Message)
	OnAttachment func(domain.MessageAttachment)
	OnDelete     func(messageID string)
}

// Subscriber scopes broker events to a single chat.
type Subscriber struct {
	Broker Broker
	DB     *gorm.DB
	Signer URLSigner
	Bucket string
	URLTTL time.Duration
}

// Subscribe delivers new messages and attachments of chatID to the two
// callbacks until the returned teardown is called or ctx ends. Teardown is
// idempotent and waits for the delivery goroutine to stop.
func (s *Subscriber) Subscribe(ctx context.Context, chatID string, onMessage func(domain.Message), onAttachment func(domain.MessageAttachment)) (func(), error) {
	return s.SubscribeHandlers(ctx, chatID, Handlers{OnMessage: onMessage, OnAttachment: onAttachment})
}

// SubscribeHandlers is Subscribe with delete notifications.
func (s *Subscriber) SubscribeHandlers(ctx context.Context, chatID string, h Handlers) (func(), error) {
	if chatID == "" {
		return nil, errors.New("chat id required")
	}
	subCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := s.Broker.Subscribe(subCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	observability.RealtimeSubscriptions.Inc()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			s.dispatch(subCtx, chatID, ev, h)
		}
	}()

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			cancel()
			unsubscribe()
			<-done
			observability.RealtimeSubscriptions.Dec()
		})
	}
	return teardown, nil
}

func (s *Subscriber) dispatch(ctx context.Context, chatID string, ev ChangeEvent, h Handlers) {
	if ctx.Err() != nil {
		return
	}
	switch {
	case ev.Table == TableMessages && ev.Message != nil:
		if ev.Message.ChatID != chatID {
			return
		}
		switch ev.Op {
		case OpInsert:
			if h.OnMessage != nil {
				h.OnMessage(*ev.Message)
			}
		case OpDelete:
			if h.OnDelete != nil {
				h.OnDelete(ev.Message.ID)
			}
		}

	case ev.Table == TableAttachments && ev.Op == OpInsert && ev.Attachment != nil:
		if h.OnAttachment == nil {
			return
		}
		// Attachment rows carry no chat id; confirm through the parent.
		parent, err := repo.GetMessage(ctx, s.DB, ev.Attachment.MessageID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				log.Warn().Err(err).Str("message_id", ev.Attachment.MessageID).Msg("realtime parent lookup failed")
			}
			return
		}
		if parent.ChatID != chatID {
			return
		}
		a := *ev.Attachment
		if a.URL == "" && s.Signer != nil {
			u, err := s.Signer.SignedURL(ctx, s.Bucket, a.StoragePath, s.URLTTL)
			if err != nil {
				log.Warn().Err(err).Str("attachment_id", a.ID).Msg("realtime sign attachment failed")
			} else {
				a.URL = u
			}
		}
		h.OnAttachment(a)
	}
}
