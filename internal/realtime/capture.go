package realtime

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

const publishTimeout = 2 * time.Second

// Capture registers a GORM create callback that publishes an INSERT event
// for every message and attachment row written through db. The callback runs
// after GORM's own transaction handling, so rows created outside an explicit
// transaction are published only once committed.
//
// Deletes are not captured here: a conditional delete does not know which
// rows it removed, so the service layer publishes those itself.
func Capture(db *gorm.DB, b Broker) error {
	return db.Callback().Create().
		After("gorm:commit_or_rollback_transaction").
		Register("realtime:publish_insert", func(tx *gorm.DB) {
			if tx.Error != nil || tx.Statement.Schema == nil {
				return
			}
			events := insertEvents(tx.Statement.Schema.Table, tx.Statement.ReflectValue)
			if len(events) == 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			for _, ev := range events {
				if err := b.Publish(ctx, ev); err != nil {
					log.Warn().Err(err).Str("table", ev.Table).Msg("realtime publish failed")
				}
			}
		})
}

func insertEvents(table string, rv reflect.Value) []ChangeEvent {
	now := time.Now().UTC()
	var out []ChangeEvent
	switch table {
	case TableMessages:
		for _, m := range collect[domain.Message](rv) {
			m.Chat = domain.Chat{}
			m.Attachments = nil
			out = append(out, ChangeEvent{Table: TableMessages, Op: OpInsert, Message: &m, At: now})
		}
	case TableAttachments:
		for _, a := range collect[domain.MessageAttachment](rv) {
			a.Message = domain.Message{}
			out = append(out, ChangeEvent{Table: TableAttachments, Op: OpInsert, Attachment: &a, At: now})
		}
	}
	return out
}

// collect copies the T values out of a struct, pointer or slice value.
func collect[T any](rv reflect.Value) []T {
	rv = reflect.Indirect(rv)
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Struct:
		if v, ok := rv.Interface().(T); ok {
			return []T{v}
		}
	case reflect.Slice, reflect.Array:
		out := make([]T, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if v, ok := reflect.Indirect(rv.Index(i)).Interface().(T); ok {
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}

// PublishDelete announces that a message (and its attachments) is gone.
func PublishDelete(ctx context.Context, b Broker, m domain.Message) {
	if b == nil {
		return
	}
	m.Chat = domain.Chat{}
	m.Attachments = nil
	ev := ChangeEvent{Table: TableMessages, Op: OpDelete, Message: &m, At: time.Now().UTC()}
	if err := b.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("message_id", m.ID).Msg("realtime delete publish failed")
	}
}
