package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// CreateSendIntent records that a send for messageID is about to write the
// given object keys. A second intent for the same message returns
// ErrDuplicate.
func CreateSendIntent(ctx context.Context, db *gorm.DB, messageID, chatID string, keys []string) error {
	now := time.Now().UTC()
	in := &domain.SendIntent{
		MessageID: messageID,
		ChatID:    chatID,
		Keys:      strings.Join(keys, "\n"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(in).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// DeleteSendIntent drops the intent once the send has committed or been
// compensated.
func DeleteSendIntent(ctx context.Context, db *gorm.DB, messageID string) error {
	return db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&domain.SendIntent{}).Error
}

// TouchSendIntent records that the send behind messageID is still running.
// It returns ErrNotFound once the intent is gone, i.e. after a reconciler
// claimed it.
func TouchSendIntent(ctx context.Context, db *gorm.DB, messageID string, at time.Time) error {
	res := db.WithContext(ctx).Model(&domain.SendIntent{}).
		Where("message_id = ?", messageID).
		UpdateColumn("updated_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimSendIntent deletes the intent only if it has not been touched since
// cutoff. Exactly one caller wins a claim; a live send that heartbeats
// after cutoff cannot be claimed.
func ClaimSendIntent(ctx context.Context, db *gorm.DB, messageID string, cutoff time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Where("message_id = ? AND updated_at < ?", messageID, cutoff).
		Delete(&domain.SendIntent{})
	return res.RowsAffected == 1, res.Error
}

// ListStaleSendIntents returns intents not touched since cutoff, oldest first.
func ListStaleSendIntents(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.SendIntent, error) {
	var out []domain.SendIntent
	q := db.WithContext(ctx).Where("updated_at < ?", cutoff).Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// IntentKeys splits the stored key list.
func IntentKeys(in domain.SendIntent) []string {
	if in.Keys == "" {
		return nil
	}
	return strings.Split(in.Keys, "\n")
}
