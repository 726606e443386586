package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Procedure names used by the read-state updater.
const (
	procMarkChatRead   = "mark_chat_read"
	procMarkChatUnread = "mark_chat_unread"
)

// DefaultReadGap is the minimum spacing between two mark-read calls for a
// chat.
const DefaultReadGap = 1200 * time.Millisecond

// ReadResult is the server's answer to a read-state change.
type ReadResult struct {
	ChatID  string `json:"chat_id"`
	Updated int64  `json:"updated"`
}

// ReadState marks chats read or unread.
//
// MarkRead is gated: it does nothing while Visible reports false, and a
// chat is marked read at most once per Gap. MarkUnread always issues.
type ReadState struct {
	Client  *Client
	Visible func() bool
	Gap     time.Duration
	Now     func() time.Time

	mu    sync.Mutex
	gates map[string]*rate.Limiter
}

// NewReadState returns a ReadState for c with the default gap. visible may
// be nil for an always-visible client.
func NewReadState(c *Client, visible func() bool) *ReadState {
	return &ReadState{Client: c, Visible: visible, Gap: DefaultReadGap}
}

func (r *ReadState) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// allow takes the chat's token. The limiter holds a single token that
// refills after Gap.
func (r *ReadState) allow(chatID string) bool {
	gap := r.Gap
	if gap <= 0 {
		gap = DefaultReadGap
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gates == nil {
		r.gates = make(map[string]*rate.Limiter)
	}
	lim, ok := r.gates[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(gap), 1)
		r.gates[chatID] = lim
	}
	return lim.AllowN(r.now(), 1)
}

// MarkRead marks every unread message of the other party in chatID read.
// It reports whether a call was issued.
func (r *ReadState) MarkRead(ctx context.Context, chatID string) (bool, *ReadResult, error) {
	if r.Visible != nil && !r.Visible() {
		return false, nil, nil
	}
	if !r.allow(chatID) {
		return false, nil, nil
	}
	var out ReadResult
	if err := r.Client.Call(ctx, procMarkChatRead, map[string]string{"chat_id": chatID}, &out); err != nil {
		return true, nil, err
	}
	return true, &out, nil
}

// MarkUnread flags the newest message of the other party in chatID unread.
func (r *ReadState) MarkUnread(ctx context.Context, chatID string) (*ReadResult, error) {
	var out ReadResult
	if err := r.Client.Call(ctx, procMarkChatUnread, map[string]string{"chat_id": chatID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
