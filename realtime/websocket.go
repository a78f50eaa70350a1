package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

// WebSocketTransport is the default Transport implementation. Each Connect
// dials a fresh connection; a ping/pong heartbeat runs while connected and a
// missed pong surfaces as an unexpected close through the OnClose handler.
type WebSocketTransport struct {
	url    string
	logger types.Logger
	config *types.SyncConfig

	conn      *websocket.Conn
	connMu    sync.RWMutex
	onMessage func(data []byte)
	onClose   func(err error)
	handlerMu sync.RWMutex

	done chan struct{}
	wg   sync.WaitGroup
}

func NewWebSocketTransport(logger types.Logger, config *types.SyncConfig) *WebSocketTransport {
	return &WebSocketTransport{
		url:    config.URL,
		logger: logger,
		config: config,
	}
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial push server")
	}

	pongWait := t.pongWait()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
	t.done = make(chan struct{})
	t.connMu.Unlock()

	t.wg.Add(2)
	go t.readPump(conn)
	go t.pingLoop(conn)

	t.logger.Debug("Transport connected", zap.String("url", t.url))
	return nil
}

func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()

	if conn == nil {
		return types.ErrTransportNotReady
	}

	deadline := time.Now().Add(t.writeWait())
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return types.WrapError(err, "transport send failed")
	}

	return nil
}

func (t *WebSocketTransport) OnMessage(handler func(data []byte)) {
	t.handlerMu.Lock()
	t.onMessage = handler
	t.handlerMu.Unlock()
}

func (t *WebSocketTransport) OnClose(handler func(err error)) {
	t.handlerMu.Lock()
	t.onClose = handler
	t.handlerMu.Unlock()
}

// Close is the caller-initiated shutdown: the close handler fires with a nil
// error so the owner can tell it apart from a transport failure.
func (t *WebSocketTransport) Close() error {
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	if t.done != nil {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
	t.connMu.Unlock()

	if conn == nil {
		return nil
	}

	// Best effort: tell the server this is a normal closure.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second))

	err := conn.Close()
	t.wg.Wait()

	t.notifyClose(nil)
	return types.WrapError(err, "failed to close transport")
}

func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.isCurrent(conn) {
				t.logger.Debug("Transport read failed", zap.Error(err))
				t.detach(conn)
				t.notifyClose(types.WrapError(err, types.ErrTransportClosed.Error()))
			}
			return
		}

		t.handlerMu.RLock()
		handler := t.onMessage
		t.handlerMu.RUnlock()

		if handler != nil {
			handler(data)
		}
	}
}

// pingLoop keeps the connection alive. A peer that stops answering pongs
// trips the read deadline in readPump, which reports an unexpected close.
func (t *WebSocketTransport) pingLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pingInterval())
	defer ticker.Stop()

	t.connMu.RLock()
	done := t.done
	t.connMu.RUnlock()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !t.isCurrent(conn) {
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(t.writeWait()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Debug("Heartbeat ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Timing accessors fall back to working defaults so a hand-built config with
// zero values cannot put deadlines in the past or tick at zero interval.

func (t *WebSocketTransport) pongWait() time.Duration {
	if t.config.PongWait > 0 {
		return t.config.PongWait
	}
	return 60 * time.Second
}

func (t *WebSocketTransport) writeWait() time.Duration {
	if t.config.WriteWait > 0 {
		return t.config.WriteWait
	}
	return 10 * time.Second
}

func (t *WebSocketTransport) pingInterval() time.Duration {
	if t.config.PingInterval > 0 {
		return t.config.PingInterval
	}
	return 54 * time.Second
}

func (t *WebSocketTransport) isCurrent(conn *websocket.Conn) bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.conn == conn
}

// detach clears the connection after an unexpected failure so Sends fail
// fast until the next Connect.
func (t *WebSocketTransport) detach(conn *websocket.Conn) {
	t.connMu.Lock()
	if t.conn == conn {
		t.conn = nil
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
	t.connMu.Unlock()

	_ = conn.Close()
}

func (t *WebSocketTransport) notifyClose(err error) {
	t.handlerMu.RLock()
	handler := t.onClose
	t.handlerMu.RUnlock()

	if handler != nil {
		handler(err)
	}
}
