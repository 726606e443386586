// Package services – ChatService
//
// ChatService resolves the single support chat a customer owns. Chats are
// created lazily on the first message; a concurrent second creation (two
// tabs, a retried request) hits the unique index on user_id and is resolved
// by re-reading the winner's row.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/utils"
)

// ChatRepo defines the repository contract required by ChatService.
type ChatRepo interface {
	// CreateChat inserts the chat of userID, returning repo.ErrDuplicate
	// when one already exists.
	CreateChat(ctx context.Context, db *gorm.DB, userID string, contactEmail *string) (*domain.Chat, error)

	// GetChatByUser returns the chat owned by userID.
	GetChatByUser(ctx context.Context, db *gorm.DB, userID string) (*domain.Chat, error)

	// GetChatByID returns a chat by primary key.
	GetChatByID(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error)

	// CountChats returns the total number of chats.
	CountChats(ctx context.Context, db *gorm.DB) (int64, error)

	// ListChatsPage returns a page of chats, most recently active first.
	ListChatsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Chat, error)
}

// ChatService provides chat lookup and lazy creation.
type ChatService struct {
	DB   *gorm.DB
	Repo ChatRepo
}

// NewChatService constructs a ChatService.
func NewChatService(db *gorm.DB, r ChatRepo) *ChatService {
	return &ChatService{DB: db, Repo: r}
}

// Find returns the chat owned by userID or ErrChatNotFound.
func (s *ChatService) Find(ctx context.Context, userID string) (*domain.Chat, error) {
	c, err := s.Repo.GetChatByUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	return c, err
}

// Get returns a chat by id or ErrChatNotFound.
func (s *ChatService) Get(ctx context.Context, chatID string) (*domain.Chat, error) {
	c, err := s.Repo.GetChatByID(ctx, s.DB, chatID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	return c, err
}

// Ensure returns the chat of userID, creating it when missing. A duplicate
// insert means another request won the race; its row is returned.
func (s *ChatService) Ensure(ctx context.Context, userID string, contactEmail *string) (*domain.Chat, error) {
	if c, err := s.Find(ctx, userID); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrChatNotFound) {
		return nil, err
	}

	if contactEmail != nil {
		e := strings.TrimSpace(*contactEmail)
		if e == "" {
			contactEmail = nil
		} else {
			contactEmail = &e
		}
	}
	c, err := s.Repo.CreateChat(ctx, s.DB, userID, contactEmail)
	if errors.Is(err, repo.ErrDuplicate) {
		return s.Find(ctx, userID)
	}
	return c, err
}

// ListPage returns a page of chats for the staff inbox. It applies defaults
// for invalid page/pageSize and returns the total count.
func (s *ChatService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Chat, int64, error) {
	_, pageSize, offset := utils.PageBounds(page, pageSize)

	total, err := s.Repo.CountChats(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Chat{}, 0, nil
	}
	items, err := s.Repo.ListChatsPage(ctx, s.DB, offset, pageSize)
	return items, total, err
}
