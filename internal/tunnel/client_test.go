package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockConnection reverses every client->remote write and pushes it back.
type mockConnection struct {
	mu          sync.Mutex
	written     bytes.Buffer
	open        bool
	openedTimes int
}

func (m *mockConnection) Open(ctx context.Context, incoming io.Writer, local io.Closer) (Channel, error) {
	m.mu.Lock()
	m.openedTimes++
	m.open = true
	m.mu.Unlock()
	return &mockChannel{m: m, incoming: incoming, local: local}, nil
}

func (m *mockConnection) isOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *mockConnection) opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openedTimes
}

func (m *mockConnection) writtenString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

type mockChannel struct {
	m        *mockConnection
	incoming io.Writer
	local    io.Closer
}

func (c *mockChannel) IsOpen() bool { return c.m.isOpen() }

func (c *mockChannel) Close() error {
	c.m.mu.Lock()
	c.m.open = false
	c.m.mu.Unlock()
	return c.local.Close()
}

func (c *mockChannel) Write(p []byte) (int, error) {
	c.m.mu.Lock()
	c.m.written.Write(p)
	c.m.mu.Unlock()
	reversed := make([]byte, len(p))
	for i := range p {
		reversed[i] = p[len(p)-1-i]
	}
	if _, err := c.incoming.Write(reversed); err != nil {
		return 0, err
	}
	return len(p), nil
}

type countingListener struct {
	opens  atomic.Int32
	closes atomic.Int32
}

func (l *countingListener) OnOpen(net.Conn)  { l.opens.Add(1) }
func (l *countingListener) OnClose(net.Conn) { l.closes.Add(1) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func startClient(t *testing.T, conn Connection, listeners ...Listener) (*Client, int) {
	t.Helper()
	client, err := NewClient(0, conn)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	for _, l := range listeners {
		client.AddListener(l)
	}
	port, err := client.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		client.Stop()
		client.ServerThread().Join(2 * time.Second)
	})
	return client, port
}

func TestListenPortMustNotBeNegative(t *testing.T) {
	_, err := NewClient(-5, &mockConnection{})
	if !errors.Is(err, ErrInvalidListenPort) {
		t.Fatalf("expected ErrInvalidListenPort, got %v", err)
	}
}

func TestTunnelConnectionMustNotBeNil(t *testing.T) {
	_, err := NewClient(1, nil)
	if !errors.Is(err, ErrNilConnection) {
		t.Fatalf("expected ErrNilConnection, got %v", err)
	}
}

func TestNewClientDoesNoIO(t *testing.T) {
	client, err := NewClient(0, &mockConnection{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.ServerThread() != nil || client.Addr() != nil {
		t.Fatal("expected no accept loop before Start")
	}
	if client.State() != NotStarted {
		t.Fatalf("expected %s, got %s", NotStarted, client.State())
	}
}

func TestTypicalTraffic(t *testing.T) {
	mock := &mockConnection{}
	_, port := startClient(t, mock)

	c := dial(t, port)
	defer c.Close()
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf); got != "olleh" {
		t.Fatalf("expected olleh, got %q", got)
	}
	if got := mock.writtenString(); got != "hello" {
		t.Fatalf("expected transport to see hello, got %q", got)
	}
	if mock.opened() != 1 {
		t.Fatalf("expected one open, got %d", mock.opened())
	}
}

func TestSocketClosedTriggersTunnelClose(t *testing.T) {
	mock := &mockConnection{}
	client, port := startClient(t, mock)

	c := dial(t, port)
	waitFor(t, "tunnel open", func() bool { return mock.opened() == 1 })
	_ = c.Close()
	waitFor(t, "tunnel close", func() bool { return !mock.isOpen() })

	client.ServerThread().StopAcceptingConnections()
	if !client.ServerThread().Join(2 * time.Second) {
		t.Fatal("accept loop did not exit")
	}
	if mock.opened() != 1 {
		t.Fatalf("expected one open, got %d", mock.opened())
	}
	if client.ServerThread().State() != Stopped {
		t.Fatalf("expected %s, got %s", Stopped, client.ServerThread().State())
	}
}

func TestStopTriggersTunnelClose(t *testing.T) {
	mock := &mockConnection{}
	client, port := startClient(t, mock)

	c := dial(t, port)
	defer c.Close()
	waitFor(t, "tunnel open", func() bool { return mock.opened() == 1 })
	waitFor(t, "session active", func() bool {
		th := client.ServerThread()
		th.mu.Lock()
		defer th.mu.Unlock()
		return th.active != nil
	})
	if !mock.isOpen() {
		t.Fatal("expected tunnel to be open")
	}

	client.Stop()
	if mock.isOpen() {
		t.Fatal("expected Stop to close the tunnel")
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := c.Read(make([]byte, 1))
	if n != 0 || err == nil {
		t.Fatalf("expected EOF or reset, got n=%d err=%v", n, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("read hung until deadline instead of seeing the close")
	}
	if client.State() != Finished {
		t.Fatalf("expected %s, got %s", Finished, client.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	mock := &mockConnection{}
	l := &countingListener{}
	client, port := startClient(t, mock, l)

	c := dial(t, port)
	defer c.Close()
	waitFor(t, "listener open", func() bool { return l.opens.Load() == 1 })
	waitFor(t, "session active", func() bool {
		th := client.ServerThread()
		th.mu.Lock()
		defer th.mu.Unlock()
		return th.active != nil
	})

	client.Stop()
	client.Stop()
	if !client.ServerThread().Join(2 * time.Second) {
		t.Fatal("accept loop did not exit")
	}
	if got := l.closes.Load(); got != 1 {
		t.Fatalf("expected exactly one close, got %d", got)
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	client, err := NewClient(0, &mockConnection{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.Stop()
	if client.State() != NotStarted {
		t.Fatalf("expected %s after Stop on unstarted client, got %s", NotStarted, client.State())
	}
	if _, err := client.Start(); err != nil {
		t.Fatalf("Start after no-op Stop: %v", err)
	}
	client.Stop()
	client.ServerThread().Join(2 * time.Second)
}

func TestStartTwice(t *testing.T) {
	client, _ := startClient(t, &mockConnection{})
	if _, err := client.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	client.Stop()
	if _, err := client.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestAddListener(t *testing.T) {
	mock := &mockConnection{}
	l := &countingListener{}
	client, port := startClient(t, mock, l)

	c := dial(t, port)
	waitFor(t, "listener open", func() bool { return l.opens.Load() == 1 })
	if got := l.closes.Load(); got != 0 {
		t.Fatalf("expected no close yet, got %d", got)
	}
	client.ServerThread().StopAcceptingConnections()
	_ = c.Close()
	waitFor(t, "listener close", func() bool { return l.closes.Load() == 1 })
	if !client.ServerThread().Join(2 * time.Second) {
		t.Fatal("accept loop did not exit")
	}
}

func TestListenersFireInRegistrationOrder(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(s string) func(net.Conn) {
		return func(net.Conn) {
			mu.Lock()
			events = append(events, s)
			mu.Unlock()
		}
	}
	first := ListenerFuncs{Open: record("open-1"), Close: record("close-1")}
	second := ListenerFuncs{Open: record("open-2"), Close: record("close-2")}
	panicky := ListenerFuncs{Open: func(net.Conn) { panic("boom") }}
	_, port := startClient(t, &mockConnection{}, first, panicky, second)

	c := dial(t, port)
	waitFor(t, "opens", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})
	_ = c.Close()
	waitFor(t, "closes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	want := []string{"open-1", "open-2", "close-1", "close-2"}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestSessionsAreServedOneAtATime(t *testing.T) {
	mock := &mockConnection{}
	l := &countingListener{}
	_, port := startClient(t, mock, l)

	first := dial(t, port)
	waitFor(t, "first open", func() bool { return mock.opened() == 1 })
	second := dial(t, port)
	defer second.Close()

	time.Sleep(100 * time.Millisecond)
	if mock.opened() != 1 {
		t.Fatalf("expected second connection to wait, got %d opens", mock.opened())
	}
	_ = first.Close()
	waitFor(t, "second open", func() bool { return mock.opened() == 2 })
	if l.closes.Load() > l.opens.Load() {
		t.Fatalf("close count %d exceeds open count %d", l.closes.Load(), l.opens.Load())
	}

	if _, err := second.Write([]byte("ab")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2)
	if _, err := io.ReadFull(second, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ba" {
		t.Fatalf("expected ba, got %q", buf)
	}
}

func TestOpenFailureKeepsAccepting(t *testing.T) {
	var calls atomic.Int32
	mock := &mockConnection{}
	conn := ConnectionFunc(func(ctx context.Context, incoming io.Writer, local io.Closer) (Channel, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("remote unavailable")
		}
		return mock.Open(ctx, incoming, local)
	})
	l := &countingListener{}
	_, port := startClient(t, conn, l)

	failed := dial(t, port)
	defer failed.Close()
	_ = failed.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := failed.Read(make([]byte, 1)); n != 0 || err == nil {
		t.Fatalf("expected failed session to be closed, got n=%d err=%v", n, err)
	}

	ok := dial(t, port)
	defer ok.Close()
	waitFor(t, "second session", func() bool { return mock.opened() == 1 })
	if got := l.opens.Load(); got != 1 {
		t.Fatalf("expected listeners to see only the opened session, got %d", got)
	}
}

func TestStopAbortsPendingOpen(t *testing.T) {
	entered := make(chan struct{})
	conn := ConnectionFunc(func(ctx context.Context, incoming io.Writer, local io.Closer) (Channel, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client, port := startClient(t, conn)

	c := dial(t, port)
	defer c.Close()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Open was never called")
	}
	client.Stop()
	if !client.ServerThread().Join(2 * time.Second) {
		t.Fatal("accept loop did not exit after Stop")
	}
}

func TestRemoteCloseEndsSession(t *testing.T) {
	var ch *mockChannel
	var mu sync.Mutex
	mock := &mockConnection{}
	conn := ConnectionFunc(func(ctx context.Context, incoming io.Writer, local io.Closer) (Channel, error) {
		c, err := mock.Open(ctx, incoming, local)
		mu.Lock()
		ch = c.(*mockChannel)
		mu.Unlock()
		return c, err
	})
	l := &countingListener{}
	_, port := startClient(t, conn, l)

	c := dial(t, port)
	defer c.Close()
	waitFor(t, "open", func() bool { return l.opens.Load() == 1 })
	mu.Lock()
	_ = ch.Close()
	mu.Unlock()
	waitFor(t, "close", func() bool { return l.closes.Load() == 1 })
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := c.Read(make([]byte, 1)); n != 0 || err == nil {
		t.Fatalf("expected local socket closed, got n=%d err=%v", n, err)
	}
}

func TestStopFromCloseListener(t *testing.T) {
	var self atomic.Pointer[Client]
	stopped := make(chan struct{})
	l := ListenerFuncs{Close: func(net.Conn) {
		self.Load().Stop()
		close(stopped)
	}}
	client, port := startClient(t, &mockConnection{}, l)
	self.Store(client)

	c := dial(t, port)
	waitFor(t, "session active", func() bool {
		th := client.ServerThread()
		th.mu.Lock()
		defer th.mu.Unlock()
		return th.active != nil
	})
	_ = c.Close()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop called from OnClose did not return")
	}
	if !client.ServerThread().Join(2 * time.Second) {
		t.Fatal("accept loop did not exit")
	}
	if client.State() != Finished {
		t.Fatalf("expected %s, got %s", Finished, client.State())
	}
}

// flagChannel reports whatever its open flag says and never touches the local socket.
type flagChannel struct {
	open   atomic.Bool
	closed atomic.Int32
}

func (c *flagChannel) IsOpen() bool                { return c.open.Load() }
func (c *flagChannel) Write(p []byte) (int, error) { return len(p), nil }
func (c *flagChannel) Close() error {
	c.open.Store(false)
	c.closed.Add(1)
	return nil
}

func TestRemoteNotOpenClosesIdleSession(t *testing.T) {
	ch := &flagChannel{}
	ch.open.Store(true)
	conn := ConnectionFunc(func(ctx context.Context, incoming io.Writer, local io.Closer) (Channel, error) {
		return ch, nil
	})
	l := &countingListener{}
	_, port := startClient(t, conn, l)

	c := dial(t, port)
	defer c.Close()
	waitFor(t, "open", func() bool { return l.opens.Load() == 1 })
	ch.open.Store(false)
	waitFor(t, "close", func() bool { return l.closes.Load() == 1 })
	if got := ch.closed.Load(); got != 1 {
		t.Fatalf("expected the channel to be closed once, got %d", got)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := c.Read(make([]byte, 1)); n != 0 || err == nil {
		t.Fatalf("expected local socket closed, got n=%d err=%v", n, err)
	}
}

func TestAcceptLoopFailureFinishesClient(t *testing.T) {
	client, _ := startClient(t, &mockConnection{})
	th := client.ServerThread()
	// Closing the listener behind the loop's back is a non-timeout accept error.
	_ = th.ln.Close()
	if !th.Join(2 * time.Second) {
		t.Fatal("accept loop did not exit")
	}
	if client.State() != Finished {
		t.Fatalf("expected %s, got %s", Finished, client.State())
	}
	if _, err := client.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
