package tunnel

import (
	"context"
	"io"
)

// Channel is the client->remote half of an opened tunnel session.
// Close must tear down the remote session and the local closer handed to Open.
type Channel interface {
	io.Writer
	io.Closer
	IsOpen() bool
}

// Connection opens remote tunnel sessions. Each call to Open establishes exactly
// one remote session. Bytes arriving from the remote end are written by the
// implementation into incoming; local is closed when the remote session ends.
type Connection interface {
	Open(ctx context.Context, incoming io.Writer, local io.Closer) (Channel, error)
}

// ConnectionFunc adapts an ordinary function to the Connection interface.
type ConnectionFunc func(ctx context.Context, incoming io.Writer, local io.Closer) (Channel, error)

func (f ConnectionFunc) Open(ctx context.Context, incoming io.Writer, local io.Closer) (Channel, error) {
	return f(ctx, incoming, local)
}
