package proto

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// ErrQueueFull is returned when too many out-of-order payloads are waiting.
var ErrQueueFull = errors.New("too many out-of-order payloads")

// Forwarder writes sequenced payloads to w in sequence order. Sequences start
// at 1. Payloads that arrive early are held until the gap is filled; payloads
// already written are dropped as duplicates.
type Forwarder struct {
	mu       sync.Mutex
	w        io.Writer
	next     uint64
	pending  map[uint64][]byte
	maxQueue int
}

func NewForwarder(w io.Writer, maxQueue int) *Forwarder {
	return &Forwarder{w: w, next: 1, pending: make(map[uint64][]byte), maxQueue: maxQueue}
}

// Forward accepts the payload numbered seq.
func (f *Forwarder) Forward(seq uint64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq < f.next {
		return nil
	}
	if seq > f.next {
		if _, dup := f.pending[seq]; dup {
			return nil
		}
		if len(f.pending) >= f.maxQueue {
			return fmt.Errorf("%w: waiting for %d, got %d", ErrQueueFull, f.next, seq)
		}
		f.pending[seq] = append([]byte(nil), payload...)
		return nil
	}
	if err := f.write(payload); err != nil {
		return err
	}
	for {
		p, ok := f.pending[f.next]
		if !ok {
			return nil
		}
		delete(f.pending, f.next)
		if err := f.write(p); err != nil {
			return err
		}
	}
}

func (f *Forwarder) write(p []byte) error {
	if len(p) > 0 {
		if _, err := f.w.Write(p); err != nil {
			return err
		}
	}
	f.next++
	return nil
}

// Next is the sequence number the forwarder is waiting for.
func (f *Forwarder) Next() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// ParseSeq parses a HeaderSeq value.
func ParseSeq(v string) (uint64, error) {
	if v == "" {
		return 0, errors.New("missing sequence")
	}
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence %q: %w", v, err)
	}
	if seq == 0 {
		return 0, errors.New("sequence must start at 1")
	}
	return seq, nil
}

// FormatSeq renders a sequence for HeaderSeq.
func FormatSeq(seq uint64) string { return strconv.FormatUint(seq, 10) }
