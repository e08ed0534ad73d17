package gateway

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/auth"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/registry"
)

const maxMessageSize = 4 * 1024

var (
	errClientClosed = errors.New("gateway: client closed")
	errSlowClient   = errors.New("gateway: send buffer full")
)

// Compile-time check to ensure Client implements registry.Conn
var _ registry.Conn = (*Client)(nil)

// Client adapts one websocket connection to the registry's Conn interface.
// This is a push-only channel: inbound traffic is limited to keepalive
// frames, everything else is read and discarded.
type Client struct {
	id        string
	conn      net.Conn
	topicID   int64
	principal auth.Principal
	reg       *registry.Registry
	logger    *zap.Logger

	send      chan []byte
	pongs     chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn net.Conn, topicID int64, principal auth.Principal, reg *registry.Registry, logger *zap.Logger) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		topicID:    topicID,
		principal:  principal,
		reg:        reg,
		logger:     logger,
		send:       make(chan []byte, 256),
		pongs:      make(chan []byte, 8),
		closed:     make(chan struct{}),
		writeWait:  5 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

// Start launches the read and write pumps. The read pump owns unsubscription:
// it runs until the connection dies, however that happens.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) ID() string { return c.id }

// Send queues a payload for the write pump. It fails instead of blocking: a
// full buffer means the client cannot keep up, and the registry drops it.
func (c *Client) Send(b []byte) error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	default:
		return errSlowClient
	}
}

// Close signals the write pump to shut the connection down. Safe to call
// multiple times and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) readPump() {
	defer func() {
		c.reg.Unsubscribe(c.topicID, c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			return
		}

		if header.Length > maxMessageSize {
			c.logger.Warn("Inbound frame too big, dropping client",
				zap.String("conn_id", c.id), zap.Int64("size", header.Length))
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			// Keepalive: answer with a pong carrying the same payload.
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
			select {
			case c.pongs <- payload:
			default:
			}
		case ws.OpPong:
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		default:
			// Push-only channel: data frames are ignored.
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			c.conn.Write(ws.CompiledClose)
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				c.Close()
				return
			}

		case payload := <-c.pongs:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPong, payload); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
