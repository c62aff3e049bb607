package proto

// Opened is returned by the gateway when an HTTP tunnel session is created.
type Opened struct {
	Session       string `json:"session"`
	PollTimeoutMs int64  `json:"poll_timeout_ms"`
}

// Error is the JSON body of a rejected gateway request.
type Error struct {
	Error string `json:"error"`
}

// Paths served by the gateway.
const (
	TunnelPath    = "/tunnel"
	WebSocketPath = "/ws"
)

// Headers of the HTTP long-poll protocol.
//
//	POST   /tunnel        -> 201, opens a session (Opened body, HeaderSession)
//	POST   /tunnel/{id}   -> 204, body is the client->remote payload numbered by HeaderSeq
//	GET    /tunnel/{id}   -> 200 with remote->client payload and HeaderSeq,
//	                         204 when the poll timed out, 410 once the remote side closed
//	DELETE /tunnel/{id}   -> 204, closes the session
const (
	HeaderSession = "X-Tunnel-Session"
	HeaderSeq     = "X-Tunnel-Seq"
	HeaderToken   = "X-Tunnel-Token"
)

// Subprotocol is negotiated on WebSocket tunnels.
const Subprotocol = "devtunnel-v1"
