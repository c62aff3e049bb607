package gateway

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/devtunnel/internal/obs"
	"github.com/matst80/devtunnel/internal/proto"
)

const (
	transportHTTP = "http"
	transportWS   = "ws"

	readChunkSize = 32 * 1024
	maxPollBytes  = 256 * 1024
)

// session is one tunnel on the gateway side: a dialed target connection plus
// the buffers of the HTTP long-poll protocol.
type session struct {
	id        string
	transport string
	remote    string
	target    net.Conn
	created   time.Time
	lastSeen  atomic.Int64

	// http transport only
	fwd       *proto.Forwarder
	out       chan []byte // target->client chunks; closed on target EOF
	pollMu    sync.Mutex
	lastSeq   uint64
	lastChunk []byte

	closed chan struct{}
	once   sync.Once
}

func newSession(id, transport, remote string, target net.Conn, maxQueue int) *session {
	s := &session{
		id:        id,
		transport: transport,
		remote:    remote,
		target:    target,
		created:   time.Now(),
		closed:    make(chan struct{}),
	}
	s.touch()
	if transport == transportHTTP {
		s.fwd = proto.NewForwarder(target, maxQueue)
		s.out = make(chan []byte, 16)
	}
	return s
}

func (s *session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *session) idleSince() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// pumpTarget feeds target output into s.out until the target closes.
func (s *session) pumpTarget() {
	defer close(s.out)
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.target.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.out <- chunk:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				obs.Debug("gateway.target.eof", obs.Fields{"session": s.id, "err": err.Error()})
			}
			return
		}
	}
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.target.Close()
		obs.Info("gateway.session.close", obs.Fields{
			"session":     s.id,
			"transport":   s.transport,
			"duration_ms": time.Since(s.created).Milliseconds(),
		})
	})
}
