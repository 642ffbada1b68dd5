package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const defaultInboundBuffer = 256

type WebSocketOptions struct {
	InboundBuffer int
	// OriginPatterns are the cross-origin hosts Accept lets through.
	// Requests without an Origin header or from the same host always pass.
	OriginPatterns []string
	// Header is sent with the Dial handshake.
	Header http.Header
	Logger Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

// WebSocketConn carries messages as JSON text frames. Inbound frames are read
// by a single goroutine into a FIFO buffer; a full buffer applies
// backpressure to the socket instead of dropping frames.
type WebSocketConn struct {
	conn    *websocket.Conn
	logger  Logger
	inbound chan Message
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	readErr   error
}

func Dial(ctx context.Context, url string, opts WebSocketOptions) (*WebSocketConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: opts.Header})
	if err != nil {
		return nil, err
	}
	return newWebSocketConn(conn, opts), nil
}

func Accept(w http.ResponseWriter, r *http.Request, opts WebSocketOptions) (*WebSocketConn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
	if err != nil {
		return nil, err
	}
	return newWebSocketConn(conn, opts), nil
}

func newWebSocketConn(conn *websocket.Conn, opts WebSocketOptions) *WebSocketConn {
	buffer := opts.InboundBuffer
	if buffer <= 0 {
		buffer = defaultInboundBuffer
	}
	c := &WebSocketConn{
		conn:    conn,
		logger:  opts.Logger,
		inbound: make(chan Message, buffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WebSocketConn) readLoop() {
	defer close(c.inbound)
	ctx := context.Background()
	for {
		var msg Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.logf("websocket read failed: %v", err)
			}
			c.setReadErr(err)
			return
		}
		if msg.Type == "" {
			c.logf("dropping frame without type")
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *WebSocketConn) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-c.inbound:
		if !ok {
			if err := c.getReadErr(); err != nil && websocket.CloseStatus(err) == -1 {
				return Message{}, errors.Join(ErrClosed, err)
			}
			return Message{}, ErrClosed
		}
		return msg, nil
	}
}

func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

func (c *WebSocketConn) setReadErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.readErr = err
}

func (c *WebSocketConn) getReadErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *WebSocketConn) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
