package client

import (
	"context"
	"sort"
	"sync"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// Status is the delivery state of a timeline entry.
type Status int

// Statuses, ordered by precedence.
const (
	StatusPending Status = iota
	StatusFailed
	StatusConfirmed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// Entry is one message on a timeline.
type Entry struct {
	Message domain.Message
	Status  Status
}

// Timeline is the local view of one chat. Optimistic sends, fetched pages
// and live events are merged by message id, and the result does not depend
// on the order they arrive in.
//
// Merge rules: a confirmed entry beats a pending or failed one; between two
// entries of the same class the newer UpdatedAt wins; attachments are the
// union by id. Attachments seen before their message are held until it
// arrives. A removed id stays removed: later copies of it are dropped.
type Timeline struct {
	mu      sync.Mutex
	entries map[string]*Entry
	orphans map[string]map[string]domain.MessageAttachment
	removed map[string]struct{}
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		entries: make(map[string]*Entry),
		orphans: make(map[string]map[string]domain.MessageAttachment),
		removed: make(map[string]struct{}),
	}
}

// class folds pending and failed together: both are unconfirmed.
func class(s Status) int {
	if s == StatusConfirmed {
		return 1
	}
	return 0
}

// wins reports whether incoming should replace current.
func wins(cur *Entry, m domain.Message, st Status) bool {
	if class(st) != class(cur.Status) {
		return class(st) > class(cur.Status)
	}
	if !m.UpdatedAt.Equal(cur.Message.UpdatedAt) {
		return m.UpdatedAt.After(cur.Message.UpdatedAt)
	}
	if st != cur.Status {
		return st > cur.Status
	}
	// Equal timestamps break on body so both arrival orders agree.
	return m.Body > cur.Message.Body
}

// Upsert merges m with status st.
func (t *Timeline) Upsert(m domain.Message, st Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, gone := t.removed[m.ID]; gone {
		return
	}

	atts := m.Attachments
	if held, ok := t.orphans[m.ID]; ok {
		for _, a := range held {
			atts = append(atts, a)
		}
		delete(t.orphans, m.ID)
	}

	cur, ok := t.entries[m.ID]
	if !ok {
		m.Attachments = unionAttachments(nil, atts)
		t.entries[m.ID] = &Entry{Message: m, Status: st}
		return
	}
	merged := unionAttachments(cur.Message.Attachments, atts)
	if wins(cur, m, st) {
		cur.Message = m
		cur.Status = st
	}
	cur.Message.Attachments = merged
}

// UpsertAll merges a fetched page as confirmed rows.
func (t *Timeline) UpsertAll(msgs []domain.Message) {
	for _, m := range msgs {
		t.Upsert(m, StatusConfirmed)
	}
}

// AddAttachment attaches a to its message, or holds it until the message
// is merged.
func (t *Timeline) AddAttachment(a domain.MessageAttachment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, gone := t.removed[a.MessageID]; gone {
		return
	}
	if cur, ok := t.entries[a.MessageID]; ok {
		cur.Message.Attachments = unionAttachments(cur.Message.Attachments, []domain.MessageAttachment{a})
		return
	}
	held := t.orphans[a.MessageID]
	if held == nil {
		held = make(map[string]domain.MessageAttachment)
		t.orphans[a.MessageID] = held
	}
	held[a.ID] = a
}

// MarkFailed flags an unconfirmed entry as failed. Confirmed entries are
// left alone. It reports whether the entry changed.
func (t *Timeline) MarkFailed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.entries[id]
	if !ok || cur.Status == StatusConfirmed {
		return false
	}
	cur.Status = StatusFailed
	return true
}

// Remove drops a message, e.g. after a delete event, and remembers the id
// so a stale page fetched before the delete cannot bring it back.
func (t *Timeline) Remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	delete(t.orphans, id)
	t.removed[id] = struct{}{}
	t.mu.Unlock()
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Messages returns a snapshot ordered by (created_at, id).
func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		cp := *e
		cp.Message.Attachments = append([]domain.MessageAttachment(nil), e.Message.Attachments...)
		out = append(out, cp)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Message, out[j].Message
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Handlers returns stream callbacks that feed live events into t.
func (t *Timeline) Handlers() StreamHandlers {
	return StreamHandlers{
		OnMessage:    func(m domain.Message) { t.Upsert(m, StatusConfirmed) },
		OnAttachment: t.AddAttachment,
		OnDelete:     t.Remove,
	}
}

func unionAttachments(a, b []domain.MessageAttachment) []domain.MessageAttachment {
	byID := make(map[string]domain.MessageAttachment, len(a)+len(b))
	for _, x := range a {
		byID[x.ID] = x
	}
	for _, x := range b {
		if prev, ok := byID[x.ID]; ok && x.URL == "" {
			x.URL = prev.URL
		}
		byID[x.ID] = x
	}
	out := make([]domain.MessageAttachment, 0, len(byID))
	for _, x := range byID {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SendTracked shows req on t as pending, sends it, then confirms the entry
// with the server row or marks it failed in place.
func (c *Client) SendTracked(ctx context.Context, t *Timeline, req SendRequest) (*domain.Message, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		req.MessageID = newMessageID()
	}
	now := c.now().UTC()
	t.Upsert(domain.Message{
		ID:        req.MessageID,
		ChatID:    req.ChatID,
		Body:      req.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}, StatusPending)

	m, err := c.Send(ctx, req)
	if err != nil {
		t.MarkFailed(req.MessageID)
		return nil, err
	}
	t.Upsert(*m, StatusConfirmed)
	return m, nil
}
