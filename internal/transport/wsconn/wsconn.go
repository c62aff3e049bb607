// Package wsconn is a tunnel transport that carries a session over one
// WebSocket connection using binary messages.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/devtunnel/internal/obs"
	"github.com/matst80/devtunnel/internal/proto"
	"github.com/matst80/devtunnel/internal/tunnel"
)

// Config configures the WebSocket transport.
type Config struct {
	URL              string
	Token            string
	HostHeader       string
	HandshakeTimeout time.Duration
}

// Connection dials one WebSocket per tunnel session.
type Connection struct {
	cfg    Config
	dialer websocket.Dialer
}

var _ tunnel.Connection = (*Connection)(nil)

func New(cfg Config) (*Connection, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wsconn: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsconn: unsupported scheme %q", u.Scheme)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	return &Connection{
		cfg: cfg,
		dialer: websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     []string{proto.Subprotocol},
		},
	}, nil
}

func (c *Connection) Open(ctx context.Context, incoming io.Writer, local io.Closer) (tunnel.Channel, error) {
	headers := http.Header{}
	if c.cfg.Token != "" {
		headers.Set(proto.HeaderToken, c.cfg.Token)
	}
	if c.cfg.HostHeader != "" {
		headers.Set("Host", c.cfg.HostHeader)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsconn: dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("wsconn: dial: %w", err)
	}
	ch := &channel{ws: ws, local: local}
	ch.open.Store(true)
	obs.Debug("wsconn.open", obs.Fields{"url": c.cfg.URL})
	go ch.readLoop(incoming)
	return ch, nil
}

type channel struct {
	ws    *websocket.Conn
	local io.Closer

	writeMu sync.Mutex
	open    atomic.Bool
	once    sync.Once
}

func (c *channel) IsOpen() bool { return c.open.Load() }

func (c *channel) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.IsOpen() {
		return 0, websocket.ErrCloseSent
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *channel) readLoop(incoming io.Writer) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.IsOpen() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				obs.Error("wsconn.read", obs.Fields{"err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("ws_read").Inc()
			}
			_ = c.Close()
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if _, err := incoming.Write(data); err != nil {
			_ = c.Close()
			return
		}
	}
}

func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		c.open.Store(false)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			obs.Debug("wsconn.close", obs.Fields{"err": werr.Error()})
		}
		err = c.ws.Close()
		_ = c.local.Close()
	})
	return err
}
