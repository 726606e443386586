package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// Stream frame types.
const (
	frameMessage    = "message"
	frameAttachment = "attachment"
	frameDeleted    = "deleted"
)

type frame struct {
	Type       string                    `json:"type"`
	Message    *domain.Message           `json:"message,omitempty"`
	Attachment *domain.MessageAttachment `json:"attachment,omitempty"`
	MessageID  string                    `json:"message_id,omitempty"`
}

// StreamHandlers receives live chat events. Nil callbacks are skipped.
// Callbacks run on the subscription's reader goroutine, one at a time.
type StreamHandlers struct {
	OnMessage    func(domain.Message)
	OnAttachment func(domain.MessageAttachment)
	OnDelete     func(messageID string)
	// OnClose fires once when the stream ends without a teardown call.
	OnClose func(err error)
}

// Subscribe streams new messages and attachments of chatID. The returned
// teardown closes the stream; it is safe to call more than once and must be
// called when the chat changes. Teardown waits for the reader goroutine, so
// it must not be called from inside a callback.
func (c *Client) Subscribe(ctx context.Context, chatID string, onMessage func(domain.Message), onAttachment func(domain.MessageAttachment)) (func(), error) {
	return c.SubscribeHandlers(ctx, chatID, StreamHandlers{OnMessage: onMessage, OnAttachment: onAttachment})
}

// SubscribeHandlers is Subscribe with the full set of callbacks.
func (c *Client) SubscribeHandlers(ctx context.Context, chatID string, h StreamHandlers) (func(), error) {
	c.guard.EnsureFresh(ctx)
	conn, err := c.dialStream(ctx, chatID)
	if IsAuthFailure(err) && c.guard.refresh(ctx) {
		conn, err = c.dialStream(ctx, chatID)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			cancel()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			<-done
		})
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go func() {
		defer close(done)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				if ctx.Err() == nil {
					log.Debug().Err(err).Str("chat_id", chatID).Msg("chat stream closed")
					if h.OnClose != nil {
						h.OnClose(err)
					}
				}
				cancel()
				return
			}
			if ctx.Err() != nil {
				return
			}
			dispatch(chatID, f, h)
		}
	}()

	return teardown, nil
}

// dispatch routes one frame. Messages of other chats are dropped.
func dispatch(chatID string, f frame, h StreamHandlers) {
	switch f.Type {
	case frameMessage:
		if f.Message != nil && f.Message.ChatID == chatID && h.OnMessage != nil {
			h.OnMessage(*f.Message)
		}
	case frameAttachment:
		if f.Attachment != nil && h.OnAttachment != nil {
			h.OnAttachment(*f.Attachment)
		}
	case frameDeleted:
		if f.MessageID != "" && h.OnDelete != nil {
			h.OnDelete(f.MessageID)
		}
	}
}

// dialStream opens the chat WebSocket. The handshake carries the access
// token as a query parameter.
func (c *Client) dialStream(ctx context.Context, chatID string) (*websocket.Conn, error) {
	q := url.Values{"access_token": {c.session.Tokens().AccessToken}}
	u, err := url.Parse(c.endpoint(q, "chats", chatID, "stream"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			ae := &APIError{Status: resp.StatusCode}
			if json.NewDecoder(resp.Body).Decode(ae) != nil || ae.Code == "" {
				ae.Code = http.StatusText(resp.StatusCode)
			}
			return nil, ae
		}
		return nil, fmt.Errorf("client: dial chat stream: %w", err)
	}
	return conn, nil
}
