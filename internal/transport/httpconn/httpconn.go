// Package httpconn is a tunnel transport that carries a session over plain
// HTTP requests: one long poll for remote->client data and one POST per
// client->remote write. See proto for the wire format.
package httpconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/devtunnel/internal/obs"
	"github.com/matst80/devtunnel/internal/proto"
	"github.com/matst80/devtunnel/internal/tunnel"
)

// ErrClosed is returned by writes on a closed channel.
var ErrClosed = errors.New("http tunnel closed")

// Config configures the HTTP transport.
type Config struct {
	// URL of the gateway tunnel endpoint, e.g. http://gateway:8080/tunnel.
	URL   string
	Token string
	// HTTPClient defaults to a client without a global timeout so long polls
	// are bounded by the gateway's poll timeout.
	HTTPClient *http.Client
	// MaxRetries is how many consecutive failed polls are tolerated before the
	// channel gives up and closes.
	MaxRetries       int
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
	CloseTimeout     time.Duration
}

// Connection opens HTTP tunnel sessions against a gateway.
type Connection struct {
	cfg  Config
	base string
}

var _ tunnel.Connection = (*Connection)(nil)

func New(cfg Config) (*Connection, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("httpconn: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpconn: unsupported scheme %q", u.Scheme)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MinRetryInterval <= 0 {
		cfg.MinRetryInterval = 100 * time.Millisecond
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 5 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}
	return &Connection{cfg: cfg, base: strings.TrimRight(u.String(), "/")}, nil
}

func (c *Connection) newRequest(ctx context.Context, method, u string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set(proto.HeaderToken, c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return req, nil
}

// Open creates a gateway session and starts polling it.
func (c *Connection) Open(ctx context.Context, incoming io.Writer, local io.Closer) (tunnel.Channel, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpconn: open: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, statusError("open", resp)
	}
	var opened proto.Opened
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil {
		return nil, fmt.Errorf("httpconn: decode open response: %w", err)
	}
	if opened.Session == "" {
		opened.Session = resp.Header.Get(proto.HeaderSession)
	}
	if opened.Session == "" {
		return nil, errors.New("httpconn: gateway returned no session id")
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:     c,
		session:  opened.Session,
		url:      c.base + "/" + url.PathEscape(opened.Session),
		incoming: incoming,
		local:    local,
		ctx:      pollCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	ch.open.Store(true)
	obs.Debug("httpconn.open", obs.Fields{"session": opened.Session})
	go ch.pollLoop()
	return ch, nil
}

func statusError(op string, resp *http.Response) error {
	var e proto.Error
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("httpconn: %s: %s: %s", op, resp.Status, e.Error)
	}
	return fmt.Errorf("httpconn: %s: %s", op, resp.Status)
}

type channel struct {
	conn     *Connection
	session  string
	url      string
	incoming io.Writer
	local    io.Closer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
	sendSeq uint64
	recvSeq uint64 // only touched by pollLoop

	open atomic.Bool
	once sync.Once
}

func (c *channel) IsOpen() bool { return c.open.Load() }

// Write posts p as the next payload; it returns once the gateway accepted it.
func (c *channel) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.IsOpen() {
		return 0, ErrClosed
	}
	c.sendSeq++
	req, err := c.conn.newRequest(c.ctx, http.MethodPost, c.url, p)
	if err != nil {
		return 0, err
	}
	req.Header.Set(proto.HeaderSeq, proto.FormatSeq(c.sendSeq))
	resp, err := c.conn.cfg.HTTPClient.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("httpconn: send: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return len(p), nil
	case http.StatusGone:
		go c.Close()
		return 0, ErrClosed
	}
	return 0, statusError("send", resp)
}

func (c *channel) pollLoop() {
	defer close(c.done)
	b := &backoff.Backoff{Min: c.conn.cfg.MinRetryInterval, Max: c.conn.cfg.MaxRetryInterval}
	for {
		data, gone, err := c.poll()
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			attempt := int(b.Attempt())
			if attempt >= c.conn.cfg.MaxRetries {
				obs.Error("httpconn.poll", obs.Fields{"session": c.session, "err": err.Error(), "attempts": attempt})
				obs.ErrorsTotal.WithLabelValues("http_poll").Inc()
				go c.Close()
				return
			}
			d := b.Duration()
			obs.Debug("httpconn.poll.retry", obs.Fields{"session": c.session, "err": err.Error(), "in_ms": d.Milliseconds()})
			select {
			case <-time.After(d):
			case <-c.ctx.Done():
				return
			}
			continue
		}
		b.Reset()
		if gone {
			obs.Debug("httpconn.remote_closed", obs.Fields{"session": c.session})
			go c.Close()
			return
		}
		if len(data) > 0 {
			if _, err := c.incoming.Write(data); err != nil {
				go c.Close()
				return
			}
		}
	}
}

// poll waits for the next remote payload. It acknowledges the last payload
// received so the gateway can resend one that was lost in transit.
func (c *channel) poll() ([]byte, bool, error) {
	req, err := c.conn.newRequest(c.ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set(proto.HeaderSeq, proto.FormatSeq(c.recvSeq))
	resp, err := c.conn.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, false, nil
	case http.StatusGone:
		return nil, true, nil
	case http.StatusOK:
	default:
		return nil, false, statusError("poll", resp)
	}
	seq, err := proto.ParseSeq(resp.Header.Get(proto.HeaderSeq))
	if err != nil {
		return nil, false, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	if seq <= c.recvSeq {
		return nil, false, nil
	}
	if seq != c.recvSeq+1 {
		return nil, false, fmt.Errorf("httpconn: expected payload %d, got %d", c.recvSeq+1, seq)
	}
	c.recvSeq = seq
	return body, false, nil
}

// Close tears down the gateway session and the local socket.
func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		c.open.Store(false)
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), c.conn.cfg.CloseTimeout)
		defer cancel()
		req, rerr := c.conn.newRequest(ctx, http.MethodDelete, c.url, nil)
		if rerr == nil {
			resp, derr := c.conn.cfg.HTTPClient.Do(req)
			if derr != nil {
				obs.Debug("httpconn.close", obs.Fields{"session": c.session, "err": derr.Error()})
			} else {
				resp.Body.Close()
			}
		}
		err = c.local.Close()
	})
	return err
}
