// Package tunnel implements a local TCP tunnel client.
//
// A Client binds a local listening socket and hands every accepted connection
// to a pluggable Connection, which carries the bytes to a remote endpoint over
// whatever transport it implements (HTTP long polling, WebSocket, plain TCP).
// Sessions are served one at a time: the accept loop runs each session to
// completion before it accepts the next local connection.
package tunnel
