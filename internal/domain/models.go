// Package domain defines the persistence models for chats, messages,
// attachments, orders and staff tooling. These types are mapped with GORM and
// form the core data layer of the parcel-forwarding backend.
package domain

import (
	"time"
)

// Sender roles. A "contact" is the customer owning the chat; "user" is a
// staff member answering on behalf of the company.
const (
	RoleContact = "contact"
	RoleUser    = "user"
)

// Chat represents the single support conversation owned by a customer.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: owner of the chat; unique, so every customer has at most one chat.
//   - ContactEmail: optional address used for staff replies when the
//     customer has no session.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Chat struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID       string    `json:"user_id"       gorm:"type:varchar(64);not null;uniqueIndex:ux_chats_user"`
	ContactEmail *string   `json:"contact_email,omitempty" gorm:"type:varchar(255)"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Message is a single entry in a chat.
//
// Each message carries two independent read-state pairs, one per reader
// direction. Only the pair of the party that did not send the message is
// meaningful; the sender's own pair is set to read on insert.
//
// The (chat_id, created_at, id) index backs keyset pagination.
type Message struct {
	ID              string     `json:"id"         gorm:"type:char(36);primaryKey;index:idx_chat_msgs,priority:3"`
	ChatID          string     `json:"chat_id"    gorm:"type:char(36);not null;index:idx_chat_msgs,priority:1"`
	SenderRole      string     `json:"sender_role" gorm:"type:varchar(16);not null;check:sender_role IN ('contact','user')"`
	SenderID        string     `json:"sender_id"  gorm:"type:varchar(64);not null"`
	Body            string     `json:"body"       gorm:"type:text;not null"`
	ReadByContact   bool       `json:"read_by_contact"   gorm:"not null;default:false"`
	ReadByContactAt *time.Time `json:"read_by_contact_at,omitempty"`
	ReadByAgent     bool       `json:"read_by_agent"     gorm:"not null;default:false"`
	ReadByAgentAt   *time.Time `json:"read_by_agent_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at" gorm:"index:idx_chat_msgs,priority:2"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Attachments are loaded by the service layer, never through a preload.
	Attachments []MessageAttachment `json:"attachments" gorm:"-"`

	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// MarkSenderRead sets the read pair belonging to the sender's own direction.
func (m *Message) MarkSenderRead(at time.Time) {
	switch m.SenderRole {
	case RoleContact:
		m.ReadByContact = true
		m.ReadByContactAt = &at
	case RoleUser:
		m.ReadByAgent = true
		m.ReadByAgentAt = &at
	}
}

// MessageAttachment is a file attached to a message. StoragePath is the
// durable object key; URL is optional and, when empty, is re-derived as a
// short-lived signed URL on every read.
type MessageAttachment struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	MessageID   string    `json:"message_id"   gorm:"type:char(36);not null;index"`
	FileName    string    `json:"file_name"    gorm:"type:varchar(255);not null"`
	MimeType    string    `json:"mime_type"    gorm:"type:varchar(127);not null"`
	Size        int64     `json:"size"         gorm:"not null"`
	StoragePath string    `json:"storage_path" gorm:"type:text;not null"`
	URL         string    `json:"url,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`

	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for MessageAttachment.
func (MessageAttachment) TableName() string { return "message_attachments" }

// SendIntent is an outbox row written before a multi-step send starts and
// removed once every step committed. Rows that outlive a grace period belong
// to a send that crashed midway and are compensated by the reconciler.
type SendIntent struct {
	MessageID string    `gorm:"type:char(36);primaryKey"`
	ChatID    string    `gorm:"type:char(36);not null"`
	Keys      string    `gorm:"type:text;not null;default:''"` // newline separated object keys
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"` // heartbeat while uploads run
}

// TableName returns the database table name for SendIntent.
func (SendIntent) TableName() string { return "send_intents" }
