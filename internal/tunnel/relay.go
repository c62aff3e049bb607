package tunnel

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/matst80/devtunnel/internal/obs"
)

// relay copies src into dst in order and without framing until src reports
// end-of-stream, a read or write fails, or dst stops being open. A clean EOF
// returns nil. sent is advanced after every successful write.
func relay(dst Channel, src io.Reader, sent *atomic.Int64) error {
	bufp := getBuffer()
	defer putBuffer(bufp)
	buf := *bufp
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			if w > 0 {
				sent.Add(int64(w))
				obs.RelayedBytesTotal.WithLabelValues(obs.DirLocalToRemote).Add(float64(w))
			}
			if werr != nil {
				return werr
			}
			if w != n {
				return io.ErrShortWrite
			}
			if !dst.IsOpen() {
				return nil
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

// countingWriter is the incoming sink handed to the transport; it records
// remote->local traffic for the session summary.
type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.n.Add(int64(n))
		obs.RelayedBytesTotal.WithLabelValues(obs.DirRemoteToLocal).Add(float64(n))
	}
	return n, err
}
