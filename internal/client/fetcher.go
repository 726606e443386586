package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// Cursor addresses the oldest message already held. The next page holds
// rows with created_at < BeforeTS, or created_at = BeforeTS and id < BeforeID.
type Cursor struct {
	BeforeTS time.Time `json:"before_ts"`
	BeforeID string    `json:"before_id"`
}

// Page is one window of a chat, oldest message first.
type Page struct {
	Messages   []domain.Message `json:"messages"`
	HasMore    bool             `json:"has_more"`
	NextCursor *Cursor          `json:"next_cursor,omitempty"`
}

func pageValues(pageSize int, cursor *Cursor) url.Values {
	q := url.Values{}
	if pageSize > 0 {
		q.Set("limit", strconv.Itoa(pageSize))
	}
	if cursor != nil && cursor.BeforeID != "" && !cursor.BeforeTS.IsZero() {
		q.Set("before_ts", cursor.BeforeTS.UTC().Format(time.RFC3339Nano))
		q.Set("before_id", cursor.BeforeID)
	}
	return q
}

func (c *Client) fetch(ctx context.Context, endpoint string) (*Page, error) {
	var p Page
	err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &p)
	if IsNotFound(err) {
		return &Page{Messages: []domain.Message{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Messages == nil {
		p.Messages = []domain.Message{}
	}
	if !p.HasMore {
		p.NextCursor = nil
	}
	return &p, nil
}

// FetchMessages returns up to pageSize messages of chatID older than cursor
// (nil for the newest page). A chat that does not exist yields an empty page.
func (c *Client) FetchMessages(ctx context.Context, chatID string, pageSize int, cursor *Cursor) (*Page, error) {
	return c.fetch(ctx, c.endpoint(pageValues(pageSize, cursor), "chats", chatID, "messages"))
}

// FetchMyMessages pages through the caller's own chat. Before the first
// message there is no chat and the page is empty.
func (c *Client) FetchMyMessages(ctx context.Context, pageSize int, cursor *Cursor) (*Page, error) {
	return c.fetch(ctx, c.endpoint(pageValues(pageSize, cursor), "me", "messages"))
}

// FetchAll walks every page of chatID from newest to oldest and returns the
// messages oldest first.
func (c *Client) FetchAll(ctx context.Context, chatID string, pageSize int) ([]domain.Message, error) {
	var (
		pages  [][]domain.Message
		cursor *Cursor
		total  int
	)
	for {
		p, err := c.FetchMessages(ctx, chatID, pageSize, cursor)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p.Messages)
		total += len(p.Messages)
		if !p.HasMore || p.NextCursor == nil {
			break
		}
		cursor = p.NextCursor
	}
	out := make([]domain.Message, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		out = append(out, pages[i]...)
	}
	return out, nil
}
