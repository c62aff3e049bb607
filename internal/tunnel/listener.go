package tunnel

import (
	"fmt"
	"net"
	"sync"

	"github.com/matst80/devtunnel/internal/obs"
)

// Listener observes tunnel sessions. Callbacks run synchronously on the
// goroutine that opens or closes the session and should return quickly.
type Listener interface {
	OnOpen(conn net.Conn)
	OnClose(conn net.Conn)
}

// ListenerFuncs adapts a pair of functions to Listener. Nil funcs are skipped.
type ListenerFuncs struct {
	Open  func(conn net.Conn)
	Close func(conn net.Conn)
}

func (l ListenerFuncs) OnOpen(conn net.Conn) {
	if l.Open != nil {
		l.Open(conn)
	}
}

func (l ListenerFuncs) OnClose(conn net.Conn) {
	if l.Close != nil {
		l.Close(conn)
	}
}

// listenerRegistry holds the listeners of one Client in registration order.
type listenerRegistry struct {
	mu        sync.Mutex
	listeners []Listener
}

func (r *listenerRegistry) add(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *listenerRegistry) snapshot() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

func (r *listenerRegistry) fireOpen(conn net.Conn) {
	for _, l := range r.snapshot() {
		notify("open", func() { l.OnOpen(conn) })
	}
}

func (r *listenerRegistry) fireClose(conn net.Conn) {
	for _, l := range r.snapshot() {
		notify("close", func() { l.OnClose(conn) })
	}
}

// notify runs one callback; a panicking listener must not take down the accept loop.
func notify(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("tunnel.listener.panic", obs.Fields{"event": event, "panic": fmt.Sprint(r)})
			obs.ErrorsTotal.WithLabelValues("listener_panic").Inc()
		}
	}()
	fn()
}
