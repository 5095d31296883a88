// Package transport carries protocol messages over websocket connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tendant/simple-renderfarm/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	DefaultQueueLen = 256

	// Clients only send small control messages; servers send images.
	ServerReadLimit = 64 << 10
	ClientReadLimit = 64 << 20
)

var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("send queue full")
)

type Options struct {
	QueueLen  int
	ReadLimit int64
	Logger    *slog.Logger
}

// Conn is a websocket connection with a single writer. Outbound units are
// queued and written by one goroutine, so a header and its payload always
// leave back to back.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	send       chan protocol.Outbound
	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
	readLimit  int64
}

func newConn(ws *websocket.Conn, opts Options, readLimit int64) *Conn {
	if opts.QueueLen <= 0 {
		opts.QueueLen = DefaultQueueLen
	}
	if opts.ReadLimit > 0 {
		readLimit = opts.ReadLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		ws:         ws,
		logger:     logger.With("remote", ws.RemoteAddr().String()),
		send:       make(chan protocol.Outbound, opts.QueueLen),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readLimit:  readLimit,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Upgrade turns an HTTP request into a server side Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newConn(ws, opts, ServerReadLimit), nil
}

// Dial opens a client side Conn to url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(ws, opts, ClientReadLimit), nil
}

// Send queues o without blocking. A peer too slow to drain its queue is
// disconnected.
func (c *Conn) Send(o protocol.Outbound) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- o:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.logger.Warn("send queue full, closing connection", "queue_len", cap(c.send))
		c.Close()
		return ErrQueueFull
	}
}

// Close stops the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection is closing.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Run starts the writer and reads messages into handle, in arrival order,
// until the connection fails or is closed. It returns the read error.
func (c *Conn) Run(handle func(protocol.Message)) error {
	go c.writePump()
	err := c.readPump(handle)
	c.Close()
	<-c.writerDone
	return err
}

// readPump pumps messages from the websocket connection to handle.
func (c *Conn) readPump(handle func(protocol.Message)) error {
	c.ws.SetReadLimit(c.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		switch mt {
		case websocket.TextMessage:
			handle(protocol.Message{Kind: protocol.Text, Data: data})
		case websocket.BinaryMessage:
			handle(protocol.Message{Kind: protocol.Binary, Data: data})
		}
	}
}

// write writes a message with the given message type and payload.
func (c *Conn) write(mt int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump is the only writer of the websocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writerDone)
	}()
	for {
		select {
		case o := <-c.send:
			if err := c.write(websocket.TextMessage, o.Text); err != nil {
				c.logger.Warn("write failed", "err", err)
				c.Close()
				return
			}
			if o.Paired() {
				if err := c.write(websocket.BinaryMessage, o.Payload); err != nil {
					c.logger.Warn("write payload failed", "err", err)
					c.Close()
					return
				}
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.drain()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain writes what is already queued, so a client that closes right after
// sending a command still gets it out.
func (c *Conn) drain() {
	for {
		select {
		case o := <-c.send:
			if c.write(websocket.TextMessage, o.Text) != nil {
				return
			}
			if o.Paired() && c.write(websocket.BinaryMessage, o.Payload) != nil {
				return
			}
		default:
			return
		}
	}
}
