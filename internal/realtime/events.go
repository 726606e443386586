// Package realtime carries row-change notifications for messages and
// attachments from the database layer to live subscribers.
//
// Inserts are captured by GORM callbacks (see Capture) and published on a
// Broker. A Subscriber opens one broker subscription per chat and filters
// events on the consumer side: messages by chat_id, attachments by looking
// up their parent message, because attachment rows do not carry a chat id.
package realtime

import (
	"context"
	"time"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// Tables that produce events.
const (
	TableMessages    = "messages"
	TableAttachments = "message_attachments"
)

// Operations carried by an event.
const (
	OpInsert = "INSERT"
	OpDelete = "DELETE"
)

// ChangeEvent describes one committed row change. Exactly one of Message or
// Attachment is set, matching Table.
type ChangeEvent struct {
	Table      string                    `json:"table"`
	Op         string                    `json:"op"`
	Message    *domain.Message           `json:"message,omitempty"`
	Attachment *domain.MessageAttachment `json:"attachment,omitempty"`
	At         time.Time                 `json:"at"`
}

// Broker fans change events out to every open subscription.
//
// Subscribe returns a channel of events and a cancel function. The channel
// is closed after cancel is called or ctx ends.
type Broker interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	Subscribe(ctx context.Context) (<-chan ChangeEvent, func(), error)
	Close() error
}
