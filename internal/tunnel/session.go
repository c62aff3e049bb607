package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/devtunnel/internal/obs"
)

// session pairs one accepted local connection with one opened remote channel.
type session struct {
	id        int64
	conn      net.Conn
	channel   Channel
	listeners *listenerRegistry
	opened    time.Time

	sent     atomic.Int64
	received atomic.Int64
	closing  atomic.Bool
	notified atomic.Bool
	once     sync.Once
}

// remoteCheckInterval is how often an idle session polls the remote channel's
// IsOpen.
var remoteCheckInterval = 100 * time.Millisecond

// openSession asks the transport for a remote channel and fires OnOpen before
// any byte is relayed.
func openSession(ctx context.Context, id int64, conn net.Conn, connection Connection, listeners *listenerRegistry) (*session, error) {
	s := &session{id: id, conn: conn, listeners: listeners}
	ch, err := connection.Open(ctx, countingWriter{w: conn, n: &s.received}, conn)
	if err != nil {
		return nil, fmt.Errorf("open tunnel: %w", err)
	}
	if ch == nil {
		return nil, errors.New("open tunnel: transport returned no channel")
	}
	s.channel = ch
	s.opened = time.Now()
	obs.SessionsOpenedTotal.Inc()
	obs.ActiveSessions.Inc()
	obs.Info("tunnel.session.open", obs.Fields{"id": id, "remote": conn.RemoteAddr().String()})
	listeners.fireOpen(conn)
	return s, nil
}

// run drives the client->remote direction until it ends, then closes the session.
// Remote->client bytes are pushed into conn by the transport itself.
func (s *session) run() {
	stop := make(chan struct{})
	go s.watchRemote(stop)
	err := relay(s.channel, s.conn, &s.sent)
	close(stop)
	if err != nil {
		if s.closing.Load() || errors.Is(err, net.ErrClosed) {
			obs.Debug("tunnel.session.relay_end", obs.Fields{"id": s.id, "err": err.Error()})
		} else {
			obs.Error("tunnel.session.relay", obs.Fields{"id": s.id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("relay").Inc()
		}
	}
	s.close()
}

// watchRemote closes the session once the remote channel reports it is no
// longer open. relay only sees that after a write, which never comes while the
// local client is idle.
func (s *session) watchRemote(stop <-chan struct{}) {
	t := time.NewTicker(remoteCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if !s.channel.IsOpen() {
				obs.Debug("tunnel.session.remote_closed", obs.Fields{"id": s.id})
				s.close()
				return
			}
		}
	}
}

// close tears the session down exactly once: remote channel first, then the
// local socket. OnClose fires after the teardown and outside the once, so a
// listener may call Client.Stop, which closes this session again.
func (s *session) close() {
	s.once.Do(s.teardown)
	if s.notified.CompareAndSwap(false, true) {
		s.listeners.fireClose(s.conn)
	}
}

func (s *session) teardown() {
	s.closing.Store(true)
	if err := s.channel.Close(); err != nil {
		obs.Debug("tunnel.session.channel_close", obs.Fields{"id": s.id, "err": err.Error()})
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		obs.Debug("tunnel.session.conn_close", obs.Fields{"id": s.id, "err": err.Error()})
	}
	d := time.Since(s.opened)
	obs.ActiveSessions.Dec()
	obs.SessionsClosedTotal.Inc()
	obs.SessionDurationSeconds.Observe(d.Seconds())
	obs.Info("tunnel.session.close", obs.Fields{
		"id":          s.id,
		"sent":        sizestr.ToString(s.sent.Load()),
		"received":    sizestr.ToString(s.received.Load()),
		"duration_ms": d.Milliseconds(),
	})
}
