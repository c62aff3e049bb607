package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "devtunnel_active_sessions", Help: "Tunnel sessions currently relaying"})
	SessionsOpenedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "devtunnel_sessions_opened_total", Help: "Tunnel sessions opened"})
	SessionsClosedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "devtunnel_sessions_closed_total", Help: "Tunnel sessions closed"})
	RelayedBytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "devtunnel_relayed_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "devtunnel_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "devtunnel_session_duration_seconds", Help: "Tunnel session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})

	GatewaySessions       = promauto.NewGauge(prometheus.GaugeOpts{Name: "devtunnel_gateway_sessions", Help: "Gateway sessions currently open"})
	GatewayOpenedTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "devtunnel_gateway_opened_total", Help: "Gateway sessions opened by transport"}, []string{"transport"})
	GatewayIdleReapTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "devtunnel_gateway_idle_reaped_total", Help: "Gateway sessions closed for inactivity"})
	GatewayThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "devtunnel_gateway_throttled_total", Help: "Gateway session opens rejected by rate limit"})
)

// Direction labels for RelayedBytesTotal.
const (
	DirLocalToRemote = "local_to_remote"
	DirRemoteToLocal = "remote_to_local"
)
