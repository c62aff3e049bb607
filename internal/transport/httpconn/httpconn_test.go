package httpconn

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matst80/devtunnel/internal/gateway"
	"github.com/matst80/devtunnel/internal/proto"
	"github.com/matst80/devtunnel/internal/tunnel"
)

func echoTarget(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(bytes.ToUpper(buf[:n])); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String()
}

func startGateway(t *testing.T, cfg gateway.Config) (*gateway.Server, *httptest.Server) {
	t.Helper()
	if cfg.Target == "" {
		cfg.Target = echoTarget(t)
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 200 * time.Millisecond
	}
	store, err := gateway.NewStateStore("", "", 0)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	gw := gateway.New(cfg, store)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return gw, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewValidatesURL(t *testing.T) {
	if _, err := New(Config{URL: "ftp://example.com"}); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
	if _, err := New(Config{URL: "http://example.com/tunnel"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTunnelOverHTTP(t *testing.T) {
	gw, srv := startGateway(t, gateway.Config{Token: "s3cret"})
	conn, err := New(Config{URL: srv.URL + proto.TunnelPath, Token: "s3cret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client, err := tunnel.NewClient(0, conn)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	port, err := client.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		client.Stop()
		client.ServerThread().Join(2 * time.Second)
	}()

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Write([]byte("hello over http")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len("HELLO OVER HTTP"))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "HELLO OVER HTTP" {
		t.Fatalf("unexpected reply %q", buf)
	}

	_ = c.Close()
	waitFor(t, "gateway session removed", func() bool { return gw.Stats().Sessions == 0 })
}

func TestOpenRejected(t *testing.T) {
	_, srv := startGateway(t, gateway.Config{Token: "s3cret"})
	conn, _ := New(Config{URL: srv.URL + proto.TunnelPath, Token: "wrong"})
	_, err := conn.Open(context.Background(), io.Discard, &closer{})
	if err == nil {
		t.Fatal("expected open to fail with wrong token")
	}
}

type closer struct{ closed atomic.Bool }

func (c *closer) Close() error { c.closed.Store(true); return nil }

func TestRemoteCloseClosesLocal(t *testing.T) {
	gw, srv := startGateway(t, gateway.Config{})
	conn, _ := New(Config{URL: srv.URL + proto.TunnelPath, MaxRetries: 1, MinRetryInterval: 10 * time.Millisecond})
	local := &closer{}
	ch, err := conn.Open(context.Background(), io.Discard, local)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, "gateway session", func() bool { return gw.Stats().Sessions == 1 })
	gw.Close()
	waitFor(t, "local close", local.closed.Load)
	if ch.IsOpen() {
		t.Fatal("expected channel closed after gateway went away")
	}
	if _, err := ch.Write([]byte("x")); err == nil {
		t.Fatal("expected write on closed channel to fail")
	}
}

func TestPollGivesUpAfterRetries(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"session":"abc"}`))
		case http.MethodGet:
			polls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	conn, _ := New(Config{
		URL:              srv.URL,
		MaxRetries:       2,
		MinRetryInterval: time.Millisecond,
		MaxRetryInterval: 5 * time.Millisecond,
	})
	local := &closer{}
	ch, err := conn.Open(context.Background(), io.Discard, local)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, "give up", local.closed.Load)
	if ch.IsOpen() {
		t.Fatal("expected channel closed after retries exhausted")
	}
	if got := polls.Load(); got != 3 {
		t.Fatalf("expected 3 polls (1 + 2 retries), got %d", got)
	}
}
