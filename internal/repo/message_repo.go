// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message and
// MessageAttachment models.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// Cursor addresses the oldest row of a previously returned page. The zero
// value means "start from the newest message".
type Cursor struct {
	BeforeTS time.Time
	BeforeID string
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool { return c.BeforeTS.IsZero() && c.BeforeID == "" }

// CreateMessage inserts m keeping its ID when the caller generated one.
// CreatedAt defaults to now and the sender's own read direction is set.
// Reusing an existing id returns ErrDuplicate.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.ID == "" {
		return errors.New("message id required")
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	m.MarkSenderRead(m.CreatedAt)
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesBefore returns up to limit messages of chatID strictly older
// than cur in (created_at, id) order, newest first. Ties on created_at are
// broken by id so pages never overlap or skip rows.
func ListMessagesBefore(ctx context.Context, db *gorm.DB, chatID string, cur Cursor, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).Where("chat_id = ?", chatID)
	if !cur.IsZero() {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", cur.BeforeTS, cur.BeforeTS, cur.BeforeID)
	}
	q = q.Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&total).Error
	return total, err
}

// DeleteMessage hard-deletes a message; attachment rows go with it through
// the foreign key cascade and are also removed explicitly for drivers
// running without FK enforcement.
func DeleteMessage(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&domain.MessageAttachment{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Message{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// readColumns returns the read flag and timestamp columns owned by a viewer
// role, and the sender role whose messages that viewer reads.
func readColumns(viewerRole string) (flag, at, otherRole string, ok bool) {
	switch viewerRole {
	case domain.RoleContact:
		return "read_by_contact", "read_by_contact_at", domain.RoleUser, true
	case domain.RoleUser:
		return "read_by_agent", "read_by_agent_at", domain.RoleContact, true
	}
	return "", "", "", false
}

// ErrUnknownRole is returned for a viewer role other than contact or user.
var ErrUnknownRole = errors.New("unknown viewer role")

// MarkChatRead flips the viewer's read direction on every unread message the
// other party sent in chatID. It returns the number of rows changed.
func MarkChatRead(ctx context.Context, db *gorm.DB, chatID, viewerRole string, at time.Time) (int64, error) {
	flag, atCol, other, ok := readColumns(viewerRole)
	if !ok {
		return 0, ErrUnknownRole
	}
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("chat_id = ? AND sender_role = ? AND "+flag+" = ?", chatID, other, false).
		Updates(map[string]any{flag: true, atCol: at})
	return res.RowsAffected, res.Error
}

// MarkChatUnread clears the viewer's read direction on the newest message the
// other party sent in chatID. It returns the number of rows changed (0 when
// the other party never wrote).
func MarkChatUnread(ctx context.Context, db *gorm.DB, chatID, viewerRole string) (int64, error) {
	flag, atCol, other, ok := readColumns(viewerRole)
	if !ok {
		return 0, ErrUnknownRole
	}
	var last domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ? AND sender_role = ?", chatID, other).
		Order("created_at DESC, id DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", last.ID).
		Updates(map[string]any{flag: false, atCol: nil})
	return res.RowsAffected, res.Error
}

// CountUnread returns how many messages from the other party the viewer has
// not read in chatID.
func CountUnread(ctx context.Context, db *gorm.DB, chatID, viewerRole string) (int64, error) {
	flag, _, other, ok := readColumns(viewerRole)
	if !ok {
		return 0, ErrUnknownRole
	}
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("chat_id = ? AND sender_role = ? AND "+flag+" = ?", chatID, other, false).
		Count(&n).Error
	return n, err
}

// CreateAttachment inserts an attachment metadata row.
func CreateAttachment(ctx context.Context, db *gorm.DB, a *domain.MessageAttachment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	return db.WithContext(ctx).Create(a).Error
}

// ListAttachmentsByMessages returns the attachments of the given messages
// ordered by (created_at, id).
func ListAttachmentsByMessages(ctx context.Context, db *gorm.DB, messageIDs []string) ([]domain.MessageAttachment, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var out []domain.MessageAttachment
	err := db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// DeleteAttachmentsByMessage removes every attachment row of a message.
func DeleteAttachmentsByMessage(ctx context.Context, db *gorm.DB, messageID string) error {
	return db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&domain.MessageAttachment{}).Error
}
