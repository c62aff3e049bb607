package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/devtunnel/internal/obs"
	"github.com/matst80/devtunnel/internal/ratelimit"
)

var (
	ErrInvalidListenPort = errors.New("listen port must be greater than or equal to 0")
	ErrNilConnection     = errors.New("tunnel connection must not be nil")
	ErrAlreadyStarted    = errors.New("tunnel client already started")
	ErrStopped           = errors.New("tunnel client stopped")
)

// Lifecycle is the state of a Client.
type Lifecycle int

const (
	// NotStarted is a client on which Start has not been called.
	NotStarted Lifecycle = iota
	// Running is a client whose accept loop is live.
	Running
	// Finished is a client that was stopped or whose accept loop exited on its
	// own. It cannot be started again. The loop's own state is ServerThread.State.
	Finished
)

func (l Lifecycle) String() string {
	switch l {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Finished:
		return "stopped"
	}
	return "unknown"
}

// Option configures a Client.
type Option func(*Client)

// WithListenHost sets the interface the local socket binds to. Default 127.0.0.1.
func WithListenHost(host string) Option {
	return func(c *Client) { c.host = host }
}

// WithAcceptRate throttles accepted local connections to rate per second with
// the given burst. Connections over the limit are closed immediately.
func WithAcceptRate(rate, burst int) Option {
	return func(c *Client) {
		c.acceptRate = rate
		c.acceptBurst = burst
	}
}

// WithOpenTimeout bounds how long the transport may take to open a session.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *Client) { c.openTimeout = d }
}

// Client presents a plain local TCP socket whose traffic is carried by a Connection.
type Client struct {
	listenPort  int
	host        string
	connection  Connection
	acceptRate  int
	acceptBurst int
	openTimeout time.Duration

	listeners listenerRegistry

	mu     sync.Mutex
	state  Lifecycle
	thread *ServerThread
}

// NewClient validates its arguments and returns an unstarted client.
// listenPort 0 binds an ephemeral port.
func NewClient(listenPort int, connection Connection, opts ...Option) (*Client, error) {
	if listenPort < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidListenPort, listenPort)
	}
	if connection == nil {
		return nil, ErrNilConnection
	}
	c := &Client{listenPort: listenPort, host: "127.0.0.1", connection: connection}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start binds the listening socket, launches the accept loop and returns the
// bound port. It may only be called once.
func (c *Client) Start() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.lifecycleLocked() {
	case Running:
		return 0, ErrAlreadyStarted
	case Finished:
		return 0, ErrStopped
	}
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.listenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		obs.Error("tunnel.listen", obs.Fields{"err": err.Error(), "addr": addr})
		return 0, fmt.Errorf("listen %s: %w", addr, err)
	}
	var throttle *ratelimit.TokenBucket
	if c.acceptRate > 0 {
		throttle = ratelimit.NewTokenBucket(c.acceptRate, max(c.acceptBurst, 1))
	}
	c.thread = newServerThread(ln, c.connection, &c.listeners, throttle, c.openTimeout)
	c.state = Running
	go c.thread.run()
	port := ln.Addr().(*net.TCPAddr).Port
	obs.Info("tunnel.listening", obs.Fields{"addr": ln.Addr().String(), "port": port})
	return port, nil
}

// Stop closes the active session, which closes the remote channel before Stop
// returns, and tells the accept loop to stop. It does not wait for the loop to
// exit; use ServerThread().Join for that. Stop is idempotent and does nothing
// on a client that was never started.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return
	}
	c.state = Finished
	t := c.thread
	c.mu.Unlock()
	obs.Info("tunnel.stop", obs.Fields{"addr": t.Addr().String()})
	t.shutdown()
}

// AddListener registers l for sessions opened from now on.
func (c *Client) AddListener(l Listener) {
	if l == nil {
		return
	}
	c.listeners.add(l)
}

// ServerThread returns the accept loop, or nil before Start.
func (c *Client) ServerThread() *ServerThread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thread
}

// State reports the client lifecycle. A client whose accept loop has exited
// reports Finished even if Stop was never called.
func (c *Client) State() Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycleLocked()
}

func (c *Client) lifecycleLocked() Lifecycle {
	if c.state == Running {
		select {
		case <-c.thread.Done():
			return Finished
		default:
		}
	}
	return c.state
}

// Addr returns the bound address, or nil before Start.
func (c *Client) Addr() net.Addr {
	t := c.ServerThread()
	if t == nil {
		return nil
	}
	return t.Addr()
}
