package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// Stats fingerprints a listing for weak ETags. Any insert, delete or
// read-state flip behind the listing changes at least one field.
type Stats struct {
	Chats       int64      // inbox only
	Messages    int64      // messages behind the listing
	Attachments int64      // message listings only
	LastChange  *time.Time // newest updated_at seen, nil when empty
}

// ETag renders s as a weak validator for scope. window carries the page
// coordinates so two pages of one listing never share a tag.
func (s Stats) ETag(scope string, window ...string) string {
	var ts int64
	if s.LastChange != nil {
		ts = s.LastChange.UnixNano()
	}
	tag := fmt.Sprintf("%s:%d:%d:%d", scope, s.Chats, s.Messages, ts)
	if len(window) > 0 {
		tag += ":" + strings.Join(window, ":")
	}
	return `W/"` + tag + `"`
}

// latest reads the newest updated_at of q. Ordering instead of MAX() keeps
// SQLite from handing the value back as TEXT.
func latest(q *gorm.DB) (*time.Time, error) {
	var row struct{ UpdatedAt time.Time }
	res := q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row)
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, res.Error
	}
	return &row.UpdatedAt, nil
}

func later(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.After(*a)) {
		return b
	}
	return a
}

// InboxStats covers the staff inbox. Unread counts there move with every
// message insert, delete and read flip, so messages count alongside chats.
func InboxStats(ctx context.Context, db *gorm.DB) (Stats, error) {
	var s Stats
	chats := db.WithContext(ctx).Model(&domain.Chat{})
	if err := chats.Count(&s.Chats).Error; err != nil {
		return Stats{}, err
	}
	if s.Chats == 0 {
		return s, nil
	}
	chatTS, err := latest(db.WithContext(ctx).Model(&domain.Chat{}))
	if err != nil {
		return Stats{}, err
	}

	msgs := db.WithContext(ctx).Model(&domain.Message{})
	if err := msgs.Count(&s.Messages).Error; err != nil {
		return Stats{}, err
	}
	msgTS, err := latest(db.WithContext(ctx).Model(&domain.Message{}))
	if err != nil {
		return Stats{}, err
	}
	s.LastChange = later(chatTS, msgTS)
	return s, nil
}

// ChatMessagesStats covers one chat's message history. Read-state flips
// bump updated_at, so marking read or unread changes the result. Attachments
// counts the files behind the chat's messages; pages carrying them embed
// signed URLs and are not tagged.
func ChatMessagesStats(ctx context.Context, db *gorm.DB, chatID string) (Stats, error) {
	var s Stats
	scoped := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.Message{}).Where("chat_id = ?", chatID)
	}
	if err := scoped().Count(&s.Messages).Error; err != nil {
		return Stats{}, err
	}
	if s.Messages == 0 {
		return s, nil
	}
	ts, err := latest(scoped())
	if err != nil {
		return Stats{}, err
	}
	s.LastChange = ts

	err = db.WithContext(ctx).Model(&domain.MessageAttachment{}).
		Joins("JOIN messages ON messages.id = message_attachments.message_id").
		Where("messages.chat_id = ?", chatID).
		Count(&s.Attachments).Error
	if err != nil {
		return Stats{}, err
	}
	return s, nil
}
