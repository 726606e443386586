// Package client is a Go SDK for the parcel-forwarding API.
//
// It wraps the REST surface with a session guard that keeps the access token
// fresh, keyset message paging, validated sends with client-generated ids,
// a WebSocket chat subscription, a rate-gated read-state updater and a
// Timeline that merges optimistic and confirmed messages by id.
//
// Every remote call runs through Guard.Do, so callers never see an expired
// session error that a single refresh could have avoided.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Error codes the server uses for session failures.
const (
	CodeUnauthorized = "unauthorized"
	CodeTokenExpired = "token_expired"
)

// APIError is a non-2xx response decoded from the standard error envelope.
type APIError struct {
	Status    int    `json:"-"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsAuthFailure reports whether err is a session failure that a token
// refresh may fix.
func IsAuthFailure(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == http.StatusUnauthorized || ae.Code == CodeTokenExpired
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// Tokens is a session as returned by /auth/token and /auth/refresh.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Session holds the current token pair. It is safe for concurrent use.
type Session struct {
	mu     sync.RWMutex
	tokens Tokens
}

// NewSession returns a session seeded with t.
func NewSession(t Tokens) *Session {
	return &Session{tokens: t}
}

// Tokens returns a copy of the current pair.
func (s *Session) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Set replaces the current pair.
func (s *Session) Set(t Tokens) {
	s.mu.Lock()
	s.tokens = t
	s.mu.Unlock()
}

// Options configures a Client.
type Options struct {
	// BaseURL is the API root including the base path,
	// e.g. "https://api.example.com/api/v1".
	BaseURL string
	// HTTPClient defaults to a client with a 30 s timeout.
	HTTPClient *http.Client
	// Margin is the minimum remaining token validity before a call.
	// Defaults to DefaultMargin.
	Margin time.Duration
	// MaxMessageRunes bounds text-only sends. Defaults to DefaultMaxRunes.
	MaxMessageRunes int
	// MaxFileBytes bounds each attached file. Defaults to DefaultMaxFileBytes.
	MaxFileBytes int64
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Client talks to the API on behalf of one signed-in user.
type Client struct {
	base     *url.URL
	http     *http.Client
	session  *Session
	guard    *Guard
	maxRunes int
	maxFile  int64
	now      func() time.Time
}

// New builds a Client for session.
func New(opts Options, session *Session) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: invalid base URL %q", opts.BaseURL)
	}
	if session == nil {
		return nil, errors.New("client: nil session")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Client{
		base:     base,
		http:     hc,
		session:  session,
		maxRunes: opts.MaxMessageRunes,
		maxFile:  opts.MaxFileBytes,
		now:      now,
	}
	if c.maxRunes <= 0 {
		c.maxRunes = DefaultMaxRunes
	}
	if c.maxFile <= 0 {
		c.maxFile = DefaultMaxFileBytes
	}
	c.guard = &Guard{
		Session: session,
		Refresh: c.refresh,
		Margin:  opts.Margin,
		Now:     now,
	}
	return c, nil
}

// Guard returns the session guard wrapping every call of c.
func (c *Client) Guard() *Guard { return c.guard }

// Session returns the session c authenticates with.
func (c *Client) Session() *Session { return c.session }

// endpoint joins path segments onto the base URL, escaping each segment
// once. Path holds the decoded form and RawPath the escaped one so a
// segment containing '/' stays a single segment.
func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = c.base.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.base.EscapedPath() + "/" + strings.Join(escaped, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// request is one HTTP exchange. Body is rebuilt by newBody on every attempt
// so a guarded retry can resend it.
type request struct {
	method      string
	url         string
	contentType string
	newBody     func() (io.Reader, error)
	header      http.Header
	auth        bool
}

// do sends r and decodes a 2xx JSON body into out (when non-nil).
// Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, r request, out any) (int, error) {
	var body io.Reader
	if r.newBody != nil {
		b, err := r.newBody()
		if err != nil {
			return 0, err
		}
		body = b
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return 0, fmt.Errorf("client: build request: %w", err)
	}
	for k, vv := range r.header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	if r.auth {
		req.Header.Set("Authorization", "Bearer "+c.session.Tokens().AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("client: %s %s: %w", r.method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ae := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, ae) != nil || ae.Code == "" {
			ae.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
			ae.Message = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, ae
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("client: decode %s: %w", req.URL.Path, err)
	}
	return resp.StatusCode, nil
}

// doJSON runs an authenticated JSON exchange through the guard.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	r := request{method: method, url: endpoint, auth: true}
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode body: %w", err)
		}
		r.contentType = "application/json"
		r.newBody = func() (io.Reader, error) { return bytes.NewReader(raw), nil }
	}
	return c.guard.Do(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, r, out)
		return err
	})
}

// refresh rotates the refresh token into a new pair.
func (c *Client) refresh(ctx context.Context) error {
	rt := c.session.Tokens().RefreshToken
	if rt == "" {
		return errors.New("client: no refresh token")
	}
	raw, err := json.Marshal(map[string]string{"refresh_token": rt})
	if err != nil {
		return err
	}
	var t Tokens
	_, err = c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.endpoint(nil, "auth", "refresh"),
		contentType: "application/json",
		newBody:     func() (io.Reader, error) { return bytes.NewReader(raw), nil },
	}, &t)
	if err != nil {
		return err
	}
	c.session.Set(t)
	return nil
}

// SignOut revokes the refresh token. The session is cleared either way.
func (c *Client) SignOut(ctx context.Context) error {
	rt := c.session.Tokens().RefreshToken
	defer c.session.Set(Tokens{})
	if rt == "" {
		return nil
	}
	raw, err := json.Marshal(map[string]string{"refresh_token": rt})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.endpoint(nil, "auth", "signout"),
		contentType: "application/json",
		newBody:     func() (io.Reader, error) { return bytes.NewReader(raw), nil },
	}, nil)
	return err
}

// Call invokes a named server procedure with args and decodes the result
// into out.
func (c *Client) Call(ctx context.Context, name string, args, out any) error {
	if args == nil {
		args = struct{}{}
	}
	return c.doJSON(ctx, http.MethodPost, c.endpoint(nil, "rpc", name), args, out)
}
