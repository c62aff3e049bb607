package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/devtunnel/internal/obs"
	"github.com/matst80/devtunnel/internal/ratelimit"
)

// State is the lifecycle of an accept loop.
type State int32

const (
	// Accepting is a loop waiting for or serving local connections.
	Accepting State = iota
	// Stopping is a loop whose listener is closed; a running session may still finish.
	Stopping
	// Stopped is a loop that has exited. Client.State then reports Finished.
	Stopped
)

func (s State) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// ServerThread is the accept loop of a Client. It owns the listening socket and
// serves sessions one at a time on its own goroutine.
type ServerThread struct {
	ln          net.Listener
	connection  Connection
	listeners   *listenerRegistry
	throttle    *ratelimit.TokenBucket
	openTimeout time.Duration

	// ctx is cancelled when the owning client stops; it bounds Open calls.
	ctx    context.Context
	cancel context.CancelFunc

	state  atomic.Int32
	done   chan struct{}
	nextID int64

	mu     sync.Mutex
	active *session
}

func newServerThread(ln net.Listener, connection Connection, listeners *listenerRegistry, throttle *ratelimit.TokenBucket, openTimeout time.Duration) *ServerThread {
	ctx, cancel := context.WithCancel(context.Background())
	return &ServerThread{
		ln:          ln,
		connection:  connection,
		listeners:   listeners,
		throttle:    throttle,
		openTimeout: openTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// State reports where the loop is in Accepting -> Stopping -> Stopped.
func (t *ServerThread) State() State { return State(t.state.Load()) }

// Addr is the bound address of the listening socket.
func (t *ServerThread) Addr() net.Addr { return t.ln.Addr() }

func (t *ServerThread) run() {
	defer func() {
		t.state.Store(int32(Stopped))
		close(t.done)
		obs.Info("tunnel.accept.stopped", obs.Fields{"addr": t.ln.Addr().String()})
	}()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.State() != Accepting {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("tunnel.accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			obs.Error("tunnel.accept", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			t.state.Store(int32(Stopping))
			_ = t.ln.Close()
			return
		}
		if t.throttle != nil && !t.throttle.Allow() {
			obs.Error("tunnel.accept.throttled", obs.Fields{"remote": conn.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("throttled").Inc()
			_ = conn.Close()
			continue
		}
		t.serve(conn)
	}
}

// serve runs one session to completion on the accept goroutine.
func (t *ServerThread) serve(conn net.Conn) {
	t.nextID++
	ctx, cancel := t.ctx, context.CancelFunc(func() {})
	if t.openTimeout > 0 {
		ctx, cancel = context.WithTimeout(t.ctx, t.openTimeout)
	}
	s, err := openSession(ctx, t.nextID, conn, t.connection, t.listeners)
	cancel()
	if err != nil {
		obs.Error("tunnel.session.open", obs.Fields{"id": t.nextID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("open_failed").Inc()
		_ = conn.Close()
		return
	}
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		s.close()
		return
	}
	t.active = s
	t.mu.Unlock()

	s.run()

	t.mu.Lock()
	t.active = nil
	t.mu.Unlock()
}

// StopAcceptingConnections stops the loop from accepting new connections by
// closing the listening socket. A session already running is left alone; the
// loop exits once it finishes.
func (t *ServerThread) StopAcceptingConnections() {
	if !t.state.CompareAndSwap(int32(Accepting), int32(Stopping)) {
		return
	}
	obs.Debug("tunnel.accept.stopping", obs.Fields{"addr": t.ln.Addr().String()})
	if err := t.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		obs.Error("tunnel.listener.close", obs.Fields{"err": err.Error()})
	}
}

// closeSession closes the active session, if any.
func (t *ServerThread) closeSession() {
	t.mu.Lock()
	s := t.active
	t.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// shutdown stops accepting, aborts an in-flight Open and closes the active session.
func (t *ServerThread) shutdown() {
	t.cancel()
	t.StopAcceptingConnections()
	t.closeSession()
}

// Done is closed once the loop has exited.
func (t *ServerThread) Done() <-chan struct{} { return t.done }

// Join waits up to timeout for the loop to exit and reports whether it did.
func (t *ServerThread) Join(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// Wait blocks until the loop exits or ctx is done.
func (t *ServerThread) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
