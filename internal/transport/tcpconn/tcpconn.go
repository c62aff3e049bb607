// Package tcpconn is a tunnel transport that dials a TCP address directly.
package tcpconn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/devtunnel/internal/obs"
	"github.com/matst80/devtunnel/internal/tunnel"
)

// Connection opens one TCP connection to Addr per tunnel session.
type Connection struct {
	Addr        string
	DialTimeout time.Duration
}

var _ tunnel.Connection = (*Connection)(nil)

func New(addr string) (*Connection, error) {
	if addr == "" {
		return nil, errors.New("tcpconn: address required")
	}
	return &Connection{Addr: addr, DialTimeout: 10 * time.Second}, nil
}

func (c *Connection) Open(ctx context.Context, incoming io.Writer, local io.Closer) (tunnel.Channel, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	ch := &channel{conn: conn, local: local}
	ch.open.Store(true)
	obs.Debug("tcpconn.open", obs.Fields{"target": c.Addr})
	go func() {
		if _, err := io.Copy(incoming, conn); err != nil && ch.IsOpen() && !errors.Is(err, net.ErrClosed) {
			obs.Error("tcpconn.read", obs.Fields{"target": c.Addr, "err": err.Error()})
		}
		_ = ch.Close()
	}()
	return ch, nil
}

type channel struct {
	conn  net.Conn
	local io.Closer
	open  atomic.Bool
	once  sync.Once
}

func (c *channel) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *channel) IsOpen() bool { return c.open.Load() }

func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		c.open.Store(false)
		err = c.conn.Close()
		_ = c.local.Close()
	})
	return err
}
