// Package gateway is the remote end of the HTTP and WebSocket tunnel
// transports: every session it opens is a TCP connection to a fixed target.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/devtunnel/internal/obs"
	"github.com/matst80/devtunnel/internal/proto"
	"github.com/matst80/devtunnel/internal/ratelimit"
)

// Config configures a gateway.
type Config struct {
	Target      string
	Token       string
	DialTimeout time.Duration
	PollTimeout time.Duration
	IdleTimeout time.Duration
	// MaxQueue bounds out-of-order client payloads held per session.
	MaxQueue    int
	MaxBodySize int64
	// OpenRate and OpenBurst limit session opens per remote IP; 0 disables.
	OpenRate  int
	OpenBurst int
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 16
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 1 << 20
	}
	if c.OpenBurst <= 0 {
		c.OpenBurst = c.OpenRate
	}
}

// Server serves the tunnel protocols over HTTP.
type Server struct {
	cfg      Config
	store    StateStore
	limiter  *ratelimit.KeyedLimiter
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New creates a gateway backed by store.
func New(cfg Config, store StateStore) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:   cfg,
		store: store,
		mux:   http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{proto.Subprotocol},
		},
	}
	if cfg.OpenRate > 0 {
		s.limiter = ratelimit.NewKeyedLimiter(0, cfg.OpenRate, cfg.OpenBurst)
	}
	s.mux.HandleFunc("POST "+proto.TunnelPath, s.handleOpen)
	s.mux.HandleFunc("POST "+proto.TunnelPath+"/{id}", s.handleSend)
	s.mux.HandleFunc("GET "+proto.TunnelPath+"/{id}", s.handlePoll)
	s.mux.HandleFunc("DELETE "+proto.TunnelPath+"/{id}", s.handleDelete)
	s.mux.HandleFunc("GET "+proto.WebSocketPath, s.handleWebSocket)
	store.setReady(true)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.store.isClosing() {
		writeError(w, http.StatusServiceUnavailable, "gateway shutting down")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// Stats returns the current gateway snapshot.
func (s *Server) Stats() Stats { return s.store.getStats() }

// Ready reports whether the gateway accepts new sessions.
func (s *Server) Ready() bool { return s.store.isReady() && !s.store.isClosing() }

// authorize checks the shared token and the open rate for r.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token != "" {
		tok := r.Header.Get(proto.HeaderToken)
		if tok == "" {
			tok = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.cfg.Token)) != 1 {
			obs.Error("gateway.auth.token", obs.Fields{"remote": r.RemoteAddr})
			obs.ErrorsTotal.WithLabelValues("auth_token").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return false
		}
	}
	if s.limiter != nil && !s.limiter.Allow(remoteIP(r)) {
		obs.GatewayThrottledTotal.Inc()
		writeError(w, http.StatusTooManyRequests, "too many sessions")
		return false
	}
	return true
}

func (s *Server) dialTarget(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", s.cfg.Target)
}

// closeSession removes id from the store and closes it.
func (s *Server) closeSession(id string) {
	if sess := s.store.remove(id); sess != nil {
		sess.close()
	}
}

// RunCleanup reaps HTTP sessions that have not been polled within IdleTimeout
// until ctx is done, then closes every remaining session.
func (s *Server) RunCleanup(ctx context.Context, interval time.Duration) {
	if m, ok := s.store.(interface{ startMaintenance(context.Context) }); ok {
		go m.startMaintenance(ctx)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-t.C:
			s.reapIdle()
		}
	}
}

func (s *Server) reapIdle() int {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	reaped := 0
	for _, sess := range s.store.list() {
		if sess.transport != transportHTTP || !sess.idleSince().Before(cutoff) {
			continue
		}
		s.closeSession(sess.id)
		obs.GatewayIdleReapTotal.Inc()
		reaped++
	}
	if reaped > 0 {
		s.store.recordReaped(reaped)
		obs.Info("gateway.reaped", obs.Fields{"count": reaped})
	}
	if s.limiter != nil {
		s.limiter.Cleanup(s.cfg.IdleTimeout)
	}
	return reaped
}

// Close stops accepting sessions and closes the open ones.
func (s *Server) Close() {
	s.store.setClosing(true)
	for _, sess := range s.store.list() {
		s.closeSession(sess.id)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, proto.Error{Error: msg})
}
