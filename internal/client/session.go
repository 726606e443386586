package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Session freshness defaults.
const (
	DefaultMargin            = 90 * time.Second
	DefaultKeepAliveInterval = 45 * time.Second
)

// Guard runs remote calls with a fresh session.
//
// Before a call it refreshes when the access token expires within Margin.
// When the call fails with an auth failure it refreshes once and retries
// once. Refresh errors are logged and swallowed; the caller sees the call's
// own error. Concurrent refreshes collapse into one.
type Guard struct {
	Session *Session
	Refresh func(ctx context.Context) error
	Margin  time.Duration
	Now     func() time.Time

	flight    singleflight.Group
	nudgeOnce sync.Once
	nudge     chan struct{}
}

func (g *Guard) margin() time.Duration {
	if g.Margin > 0 {
		return g.Margin
	}
	return DefaultMargin
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// NeedsRefresh reports whether the token expires within the margin.
func (g *Guard) NeedsRefresh() bool {
	t := g.Session.Tokens()
	if t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Sub(g.now()) < g.margin()
}

// refresh runs one shared refresh and reports whether it succeeded.
func (g *Guard) refresh(ctx context.Context) bool {
	if g.Refresh == nil {
		return false
	}
	_, err, _ := g.flight.Do("refresh", func() (any, error) {
		return nil, g.Refresh(ctx)
	})
	if err != nil {
		log.Warn().Err(err).Msg("session refresh failed")
		return false
	}
	return true
}

// EnsureFresh refreshes the session when it is about to expire.
func (g *Guard) EnsureFresh(ctx context.Context) {
	if g.NeedsRefresh() {
		g.refresh(ctx)
	}
}

// Do runs fn with a fresh session, retrying once after an auth failure.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	g.EnsureFresh(ctx)
	err := fn(ctx)
	if !IsAuthFailure(err) {
		return err
	}
	if !g.refresh(ctx) {
		return err
	}
	return fn(ctx)
}

// Nudge asks a running KeepAlive to check freshness now, as on a window
// focus or visibility change. It never blocks.
func (g *Guard) Nudge() {
	select {
	case g.nudgeCh() <- struct{}{}:
	default:
	}
}

func (g *Guard) nudgeCh() chan struct{} {
	g.nudgeOnce.Do(func() { g.nudge = make(chan struct{}, 1) })
	return g.nudge
}

// KeepAlive checks freshness every interval and on every Nudge until ctx
// ends. A non-positive interval uses DefaultKeepAliveInterval.
func (g *Guard) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	nudge := g.nudgeCh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.EnsureFresh(ctx)
		case <-nudge:
			g.EnsureFresh(ctx)
		}
	}
}
