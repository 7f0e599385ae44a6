package host

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gaplugin/pkg/bridge/bridgetest"
	"github.com/openfroyo/gaplugin/pkg/bridge/client"
	"github.com/openfroyo/gaplugin/pkg/bridge/protocol"
)

func newTestConnection(h *bridgetest.Host, delay time.Duration) *Connection {
	return NewConnection(Options{
		Dialer:     h,
		RetryDelay: delay,
		Logger:     zerolog.Nop(),
	})
}

func TestNewConnectionDefaults(t *testing.T) {
	c := NewConnection(Options{})
	if c.opts.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", c.opts.RetryAttempts)
	}
	if c.opts.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", c.opts.RetryDelay)
	}
	if len(c.opts.Modules) != 1 || c.opts.Modules[0] != "xmc" {
		t.Errorf("Modules = %v, want [xmc]", c.opts.Modules)
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want idle", c.State())
	}
}

func TestAcquireSingleFlight(t *testing.T) {
	for _, n := range []int{1, 2, 10, 50} {
		h := bridgetest.NewHost()
		h.SetHandshakeDelay(100 * time.Millisecond)
		c := newTestConnection(h, 10*time.Millisecond)

		conns := make([]Conn, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conns[i], errs[i] = c.Acquire(context.Background())
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			if errs[i] != nil {
				t.Fatalf("n=%d: Acquire() error = %v", n, errs[i])
			}
			if conns[i] != conns[0] {
				t.Fatalf("n=%d: caller %d received a different connection", n, i)
			}
		}
		if got := h.Handshakes(); got != 1 {
			t.Errorf("n=%d: Handshakes() = %d, want 1", n, got)
		}
		if c.State() != StateReady {
			t.Errorf("n=%d: State() = %v, want ready", n, c.State())
		}
		c.Teardown()
		h.Close()
	}
}

func TestAcquireReturnsCachedConnection(t *testing.T) {
	h := bridgetest.NewHost()
	defer h.Close()
	c := newTestConnection(h, 10*time.Millisecond)
	defer c.Teardown()

	first, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	second, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if first != second {
		t.Error("Acquire() created a second connection")
	}
	if h.Handshakes() != 1 {
		t.Errorf("Handshakes() = %d, want 1", h.Handshakes())
	}
}

func TestAcquireRetryBound(t *testing.T) {
	const delay = 50 * time.Millisecond

	h := bridgetest.NewHost()
	defer h.Close()
	h.FailHandshakes(100)
	c := newTestConnection(h, delay)

	_, err := c.Acquire(context.Background())
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("Acquire() error = %v, want *ConnectError", err)
	}
	if cerr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", cerr.Attempts)
	}
	if c.State() != StateFailed {
		t.Errorf("State() = %v, want failed", c.State())
	}

	times := h.HandshakeTimes()
	if len(times) != 3 {
		t.Fatalf("Handshakes() = %d, want exactly 3", len(times))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < delay {
			t.Errorf("attempt %d started %v after the previous one, want >= %v", i+1, gap, delay)
		}
	}

	// Failed is terminal: no new attempts, same error.
	_, again := c.Acquire(context.Background())
	if again != err {
		t.Errorf("second Acquire() error = %v, want the cached %v", again, err)
	}
	if h.Handshakes() != 3 {
		t.Errorf("Handshakes() after terminal failure = %d, want 3", h.Handshakes())
	}
}

func TestAcquireSharesTerminalFailure(t *testing.T) {
	h := bridgetest.NewHost()
	defer h.Close()
	h.FailHandshakes(100)
	c := newTestConnection(h, 10*time.Millisecond)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if errs[i] != errs[0] {
			t.Errorf("caller %d error = %v, want %v", i, errs[i], errs[0])
		}
	}
	if h.Handshakes() != 3 {
		t.Errorf("Handshakes() = %d, want 3", h.Handshakes())
	}
}

func TestAcquireSucceedsAfterRetry(t *testing.T) {
	h := bridgetest.NewHost()
	defer h.Close()
	h.FailHandshakes(2)
	c := newTestConnection(h, 10*time.Millisecond)
	defer c.Teardown()

	if _, err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if h.Handshakes() != 3 {
		t.Errorf("Handshakes() = %d, want 3", h.Handshakes())
	}
}

func TestAcquireCallerMayStopWaiting(t *testing.T) {
	h := bridgetest.NewHost()
	defer h.Close()
	h.SetHandshakeDelay(150 * time.Millisecond)
	c := newTestConnection(h, 10*time.Millisecond)
	defer c.Teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}

	if _, err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if h.Handshakes() != 1 {
		t.Errorf("Handshakes() = %d, want the abandoned caller's handshake to be reused", h.Handshakes())
	}
}

func TestTeardownAllowsReinitialization(t *testing.T) {
	h := bridgetest.NewHost()
	defer h.Close()
	c := newTestConnection(h, 10*time.Millisecond)

	first, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := c.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want idle", c.State())
	}
	if _, err := first.Query(context.Background(), OperationApplicationContext, nil); err == nil {
		t.Error("torn down connection should be closed")
	}

	second, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after Teardown error = %v", err)
	}
	defer c.Teardown()
	if second == first {
		t.Error("Acquire() after Teardown reused the closed connection")
	}
	if h.Handshakes() != 2 {
		t.Errorf("Handshakes() = %d, want 2", h.Handshakes())
	}
}

func TestTeardownAbandonsInFlightHandshake(t *testing.T) {
	h := bridgetest.NewHost()
	defer h.Close()
	h.SetHandshakeDelay(300 * time.Millisecond)
	c := newTestConnection(h, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Teardown()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTornDown) {
			t.Errorf("Acquire() error = %v, want ErrTornDown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight Acquire() not released by Teardown")
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want idle", c.State())
	}
}

func TestHostGoodbyeReturnsToIdle(t *testing.T) {
	h := bridgetest.NewHost()
	defer h.Close()
	c := newTestConnection(h, 10*time.Millisecond)
	defer c.Teardown()

	first, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() while ready = %v, want nil", err)
	}

	h.Bye("frame unloaded")

	deadline := time.Now().Add(2 * time.Second)
	for c.State() == StateReady {
		if time.Now().After(deadline) {
			t.Fatal("State() still ready after host goodbye")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	if err := c.Err(); !errors.Is(err, client.ErrClosed) {
		t.Errorf("Err() = %v, want ErrClosed", err)
	}

	second, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after goodbye error = %v", err)
	}
	if second == first {
		t.Error("Acquire() after goodbye reused the closed connection")
	}
	if _, err := second.Query(context.Background(), OperationApplicationContext, nil); errors.Is(err, client.ErrClosed) {
		t.Errorf("Query() on reconnected connection error = %v", err)
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() after reconnect = %v, want nil", err)
	}
	if h.Handshakes() != 2 {
		t.Errorf("Handshakes() = %d, want 2", h.Handshakes())
	}
}

func TestAcquireRetriesOverStdioPipes(t *testing.T) {
	hostToPlugin, hostOut, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	pluginIn, pluginToHost, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	defer func() {
		hostOut.Close()
		pluginToHost.Close()
		hostToPlugin.Close()
		pluginIn.Close()
	}()

	// The host misses the first HELLO, as when it is still loading.
	go func() {
		dec := protocol.NewDecoder(pluginIn)
		enc := protocol.NewEncoder(hostOut)
		hellos := 0
		for {
			msg, err := dec.Decode()
			if err != nil {
				return
			}
			if msg.Type != protocol.MessageTypeHello {
				continue
			}
			hellos++
			if hellos == 1 {
				continue
			}
			_ = enc.EncodeReady(&protocol.ReadyMessage{
				Version: protocol.ProtocolVersion,
				Modules: []string{"xmc"},
			})
		}
	}()

	c := NewConnection(Options{
		Dialer:           &client.StdioDialer{In: hostToPlugin, Out: pluginToHost},
		HandshakeTimeout: 100 * time.Millisecond,
		RetryDelay:       10 * time.Millisecond,
		Logger:           zerolog.Nop(),
	})
	defer c.Teardown()

	if _, err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v, wantErr false", err)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("State() = %v, want ready", got)
	}
}
