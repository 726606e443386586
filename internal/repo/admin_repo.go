package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// IsAdmin reports whether userID holds the staff role.
func IsAdmin(ctx context.Context, db *gorm.DB, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.AdminUser{}).Where("user_id = ?", userID).Count(&n).Error
	return n > 0, err
}

// GrantAdmin gives userID the staff role; granting twice is a no-op.
func GrantAdmin(ctx context.Context, db *gorm.DB, userID, email string) error {
	row := &domain.AdminUser{UserID: userID, Email: email, CreatedAt: time.Now().UTC()}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

// RevokeAdmin removes the staff role.
func RevokeAdmin(ctx context.Context, db *gorm.DB, userID string) error {
	return db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.AdminUser{}).Error
}

// ListAdminEmails returns the addresses of every staff member with one.
func ListAdminEmails(ctx context.Context, db *gorm.DB) ([]string, error) {
	var out []string
	err := db.WithContext(ctx).Model(&domain.AdminUser{}).
		Where("email <> ''").
		Order("email ASC").
		Pluck("email", &out).Error
	return out, err
}

// CreateTask inserts a staff task.
func CreateTask(ctx context.Context, db *gorm.DB, t *domain.AdminTask) error {
	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt, t.UpdatedAt = now, now
	return db.WithContext(ctx).Create(t).Error
}

// CompleteTask marks a task done. Completing an already done task keeps the
// original completion time.
func CompleteTask(ctx context.Context, db *gorm.DB, id string, at time.Time) (*domain.AdminTask, error) {
	var t domain.AdminTask
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&t).Error; err != nil {
			return err
		}
		if t.Done {
			return nil
		}
		t.Done = true
		t.CompletedAt = &at
		return tx.Model(&t).Updates(map[string]any{"done": true, "completed_at": at}).Error
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns tasks, open ones first, newest first within each group.
// When openOnly is set completed tasks are skipped.
func ListTasks(ctx context.Context, db *gorm.DB, openOnly bool, offset, limit int) ([]domain.AdminTask, error) {
	var out []domain.AdminTask
	q := db.WithContext(ctx)
	if openOnly {
		q = q.Where("done = ?", false)
	}
	err := q.Order("done ASC, created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
