// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chat model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a chat is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - CreateChat returns ErrDuplicate when the user already owns a chat;
//     callers resolve the race by re-reading with GetChatByUser.
//   - Other DB errors are propagated unchanged.
//
// Usage:
//
//	chat, err := repo.CreateChat(ctx, db, userID, nil)
//	if errors.Is(err, repo.ErrDuplicate) {
//	    chat, err = repo.GetChatByUser(ctx, db, userID)
//	}
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateChat inserts the chat owned by userID. The unique index on user_id
// turns a concurrent second insert into ErrDuplicate.
func CreateChat(ctx context.Context, db *gorm.DB, userID string, contactEmail *string) (*domain.Chat, error) {
	now := time.Now().UTC()
	c := &domain.Chat{
		ID:           uuid.NewString(),
		UserID:       userID,
		ContactEmail: contactEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// GetChatByUser returns the chat owned by userID, or ErrNotFound.
func GetChatByUser(ctx context.Context, db *gorm.DB, userID string) (*domain.Chat, error) {
	var c domain.Chat
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChatByID returns a chat by primary key, or ErrNotFound.
func GetChatByID(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error) {
	var c domain.Chat
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CountChats returns the total number of chats.
func CountChats(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Chat{}).Count(&total).Error
	return total, err
}

// ListChatsPage returns chats ordered by last activity (UpdatedAt DESC, ID DESC).
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListChatsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Chat, error) {
	var out []domain.Chat
	err := db.WithContext(ctx).
		Order("updated_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// TouchChat bumps UpdatedAt so staff listings surface the chat with the
// newest activity first. Missing chats return ErrNotFound.
func TouchChat(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
