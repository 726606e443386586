package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 256

// MemoryBroker is an in-process fan-out hub. A subscriber that falls behind
// by more than its buffer loses events rather than blocking publishers.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[chan ChangeEvent]struct{}
	closed bool
}

// NewMemoryBroker returns an empty hub.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[chan ChangeEvent]struct{})}
}

// Publish delivers ev to every current subscriber without blocking.
func (b *MemoryBroker) Publish(_ context.Context, ev ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("table", ev.Table).Msg("realtime subscriber buffer full; event dropped")
		}
	}
	return nil
}

// Subscribe registers a new subscription.
func (b *MemoryBroker) Subscribe(ctx context.Context) (<-chan ChangeEvent, func(), error) {
	ch := make(chan ChangeEvent, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

// Close drops every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}

// Subscribers returns the number of open subscriptions.
func (b *MemoryBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
