package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

// Frame types sent to WebSocket clients.
const (
	FrameMessage    = "message"
	FrameAttachment = "attachment"
	FrameDeleted    = "deleted"
)

// Frame is one JSON text message on the chat stream.
type Frame struct {
	Type       string                    `json:"type"`
	Message    *domain.Message           `json:"message,omitempty"`
	Attachment *domain.MessageAttachment `json:"attachment,omitempty"`
	MessageID  string                    `json:"message_id,omitempty"`
}

// Streamer bridges a chat subscription onto a WebSocket connection.
type Streamer struct {
	sub      *Subscriber
	upgrader websocket.Upgrader
}

// NewStreamer builds a Streamer. checkOrigin may be nil to accept any origin.
func NewStreamer(sub *Subscriber, checkOrigin func(*http.Request) bool) *Streamer {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Streamer{
		sub: sub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Serve upgrades the request and streams chatID events until the peer
// disconnects. The caller must have authorized access to the chat.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, chatID string) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	send := make(chan Frame, sendBuffer)
	push := func(f Frame) {
		select {
		case send <- f:
		default:
			log.Warn().Str("chat_id", chatID).Str("type", f.Type).Msg("websocket send buffer full; frame dropped")
		}
	}

	teardown, err := s.sub.SubscribeHandlers(ctx, chatID, Handlers{
		OnMessage:    func(m domain.Message) { push(Frame{Type: FrameMessage, Message: &m}) },
		OnAttachment: func(a domain.MessageAttachment) { push(Frame{Type: FrameAttachment, Attachment: &a}) },
		OnDelete:     func(id string) { push(Frame{Type: FrameDeleted, MessageID: id}) },
	})
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return err
	}
	defer teardown()

	go readPump(conn, cancel)
	writePump(ctx, conn, send)
	return nil
}

// readPump discards inbound messages and cancels ctx when the peer goes away
// or stops answering pings.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, send <-chan Frame) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
