package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hassconn/go_src/protocol"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// WebSocketDialer dials real WebSocket connections with gorilla/websocket.
// It is the production Dialer; the session tests substitute a fake Dialer
// and Transport, while this package's own tests dial a local test server
// with it.
type WebSocketDialer struct {
	Underlying *websocket.Dialer
	logger     protocol.Logger
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{Underlying: websocket.DefaultDialer, logger: protocol.NopLogger{}}
}

// WithLogger attaches a logger that the dialer's connections use for their
// read loop diagnostics, in place of the package-global logger the teacher
// used directly.
func (d *WebSocketDialer) WithLogger(logger protocol.Logger) *WebSocketDialer {
	if logger != nil {
		d.logger = logger
	}
	return d
}

func (d *WebSocketDialer) Dial(ctx context.Context, wsURL string, headers http.Header) (Transport, error) {
	dialer := d.Underlying
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.logger
	if logger == nil {
		logger = protocol.NopLogger{}
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("websocket dial error to %s (status %s, body %s): %w", wsURL, resp.Status, string(body), err)
		}
		return nil, fmt.Errorf("websocket dial error to %s: %w", wsURL, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	wsConn := &wsConn{
		id:      uuid.NewString(),
		conn:    conn,
		inbound: make(chan Message, 64),
		closed:  make(chan struct{}),
		logger:  logger,
	}
	go wsConn.readLoop()
	return wsConn, nil
}

// wsConn implements Transport over a single *websocket.Conn.
type wsConn struct {
	id      string
	conn    *websocket.Conn
	inbound chan Message
	logger  protocol.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	err       error
	errMu     sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Inbound() <-chan Message { return c.inbound }

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

func (c *wsConn) readLoop() {
	defer close(c.inbound)
	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !isGracefulClose(err) {
				c.setErr(err)
				c.logger.Debugf("transport %s: read loop ending on error: %v", c.id, err)
			}
			return
		}
		var msg Message
		switch kind {
		case websocket.TextMessage:
			msg = Message{Kind: TextMessage, Text: string(data)}
		case websocket.BinaryMessage:
			msg = Message{Kind: BinaryMessage, Binary: data}
		default:
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.closed:
			return
		}
	}
}

func isGracefulClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func (c *wsConn) SendText(ctx context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) Cancel(reason error) {
	c.closeOnce.Do(func() {
		if reason != nil {
			c.setErr(reason)
		}
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	})
}
