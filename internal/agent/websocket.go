package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sophanos/saga-sub007/internal/chat"
	"github.com/Sophanos/saga-sub007/internal/domain"
)

const (
	defaultWriteTimeout = 10 * time.Second
	maxFrameSize        = 4 << 20
)

// WebSocket streams each turn over a fresh websocket connection. The payload
// is sent as one JSON message; the agent answers with one Frame per message.
type WebSocket struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

var _ chat.Transport = (*WebSocket)(nil)

// NewWebSocket creates a transport for the agent at url. A non-empty userID is
// sent with the handshake.
func NewWebSocket(url, userID string) *WebSocket {
	h := http.Header{}
	if userID != "" {
		h.Set("X-User-ID", userID)
	}
	return &WebSocket{URL: url, Header: h}
}

// Send runs one turn. Cancelling ctx closes the connection.
func (w *WebSocket) Send(ctx context.Context, p chat.Payload, h chat.Handlers) error {
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, w.URL, w.Header)
	if err != nil {
		if ctx.Err() != nil {
			return domain.WrapEngineError(domain.ErrStreamAborted, "dial agent", ctx.Err())
		}
		if resp == nil {
			return domain.WrapEngineError(domain.ErrTransportFailed, "dial "+w.URL, err)
		}
		msg := fmt.Sprintf("dial %s: %s", w.URL, resp.Status)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.NewEngineError(domain.ErrUnauthorized, msg)
		case http.StatusTooManyRequests:
			return domain.NewEngineError(domain.ErrRateLimitExceeded, msg)
		}
		return domain.WrapEngineError(domain.ErrTransportFailed, msg, err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	timeout := w.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteJSON(p); err != nil {
		return connError(ctx, "send payload", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				return domain.NewEngineError(domain.ErrTransportProtocol, "agent closed the stream before done")
			}
			return connError(ctx, "read frame", err)
		}
		f, err := parseFrame(data)
		if err != nil {
			return err
		}
		end, err := dispatch(f, h)
		if !end {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return err
	}
}

func connError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return domain.WrapEngineError(domain.ErrStreamAborted, op, ctx.Err())
	}
	return domain.WrapEngineError(domain.ErrTransportFailed, op, err)
}
