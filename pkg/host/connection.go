// Package host owns the plugin's connection to its embedding host and the
// host-derived context every remote call depends on.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/gaplugin/pkg/bridge/client"
	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

// Conn is a usable host connection.
type Conn interface {
	Query(ctx context.Context, operation string, params interface{}) (json.RawMessage, error)
	Mutate(ctx context.Context, operation string, params interface{}) (json.RawMessage, error)
	Subscribe(ctx context.Context, operation string, params interface{}, handler client.EventHandler) error
	Close() error
}

// Acquirer yields the host connection. *Connection implements it.
type Acquirer interface {
	Acquire(ctx context.Context) (Conn, error)
}

// State is the lifecycle state of a Connection.
type State int

const (
	// StateIdle means no connection exists and none is being made.
	StateIdle State = iota
	// StateInitializing means a handshake sequence is in flight.
	StateInitializing
	// StateReady means the connection is established.
	StateReady
	// StateFailed means every handshake attempt failed.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Defaults for Options.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
)

// ErrTornDown is returned to callers whose initialization was abandoned by
// Teardown.
var ErrTornDown = errors.New("host connection torn down")

// ConnectError is the terminal failure of a handshake sequence.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("host connection failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Options configures a Connection.
type Options struct {
	Dialer           client.Dialer
	Modules          []string
	ClientVersion    string
	HandshakeTimeout time.Duration

	// RetryAttempts is the total number of handshake attempts.
	RetryAttempts int
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Connection lazily establishes and caches the single host connection.
// Concurrent Acquire calls share one handshake sequence; once Ready or
// Failed the outcome is returned to every caller until Teardown.
type Connection struct {
	opts   Options
	logger zerolog.Logger
	group  singleflight.Group

	mu       sync.Mutex
	state    State
	conn     Conn
	err      error
	lost     error
	epoch    uint64
	lifetime context.Context
	cancel   context.CancelFunc
}

// NewConnection creates an idle connection manager.
func NewConnection(opts Options) *Connection {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if len(opts.Modules) == 0 {
		opts.Modules = []string{"xmc"}
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Connection{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "host").Logger(),
		lifetime: lifetime,
		cancel:   cancel,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err reports why no connection can currently be served: the terminal
// handshake failure, or the reason the host dropped the last connection.
// It is nil while Ready and before the first connection.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateFailed:
		return c.err
	case StateIdle:
		return c.lost
	}
	return nil
}

// Acquire returns the host connection, establishing it on first use. A
// caller whose ctx ends stops waiting; the handshake continues for others.
func (c *Connection) Acquire(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	case StateFailed:
		err := c.err
		c.mu.Unlock()
		return nil, err
	case StateIdle:
		c.setState(StateInitializing)
	}
	epoch := c.epoch
	lifetime := c.lifetime
	c.mu.Unlock()

	ch := c.group.DoChan(strconv.FormatUint(epoch, 10), func() (interface{}, error) {
		return c.initialize(lifetime, epoch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) initialize(lifetime context.Context, epoch uint64) (Conn, error) {
	// A flight may start just after a previous one for the same epoch
	// settled; reuse its outcome.
	c.mu.Lock()
	if c.epoch == epoch {
		switch c.state {
		case StateReady:
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		case StateFailed:
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
	}
	c.mu.Unlock()

	var (
		conn     *client.Client
		attempts int
	)
	operation := func() error {
		attempts++
		cl, err := client.Dial(lifetime, &client.Config{
			Dialer:           c.opts.Dialer,
			Modules:          c.opts.Modules,
			ClientVersion:    c.opts.ClientVersion,
			HandshakeTimeout: c.opts.HandshakeTimeout,
			Logger:           c.opts.Logger,
		})
		if err != nil {
			c.opts.Metrics.RecordHandshakeAttempt(telemetry.OutcomeFailure)
			if lifetime.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		c.opts.Metrics.RecordHandshakeAttempt(telemetry.OutcomeSuccess)
		conn = cl
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(c.opts.RetryDelay),
			uint64(c.opts.RetryAttempts-1),
		),
		lifetime,
	)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Int("max_attempts", c.opts.RetryAttempts).
			Dur("retry_in", wait).
			Msg("Host handshake failed, retrying")
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		if conn != nil {
			conn.Close()
		}
		return nil, ErrTornDown
	}

	if err != nil {
		cerr := &ConnectError{Attempts: attempts, Err: err}
		c.err = cerr
		c.setState(StateFailed)
		c.logger.Error().Err(err).Int("attempts", attempts).Msg("Host connection failed")
		return nil, cerr
	}

	c.conn = conn
	c.lost = nil
	c.setState(StateReady)
	c.logger.Info().Int("attempts", attempts).Msg("Host connection ready")
	go c.watch(epoch, conn)
	return conn, nil
}

// watch returns the manager to Idle when the host drops conn, so the next
// Acquire reconnects instead of handing out a closed client.
func (c *Connection) watch(epoch uint64, conn *client.Client) {
	<-conn.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.conn != Conn(conn) {
		return
	}
	c.epoch++
	c.conn = nil
	c.lost = conn.Err()
	if c.lost == nil {
		c.lost = client.ErrClosed
	}
	c.setState(StateIdle)
	c.logger.Warn().Err(c.lost).Msg("Host connection lost")
}

// Teardown closes the connection, abandons any in-flight handshake and
// returns the manager to Idle. The next Acquire starts over.
func (c *Connection) Teardown() error {
	c.mu.Lock()
	c.epoch++
	c.cancel()
	c.lifetime, c.cancel = context.WithCancel(context.Background())
	conn := c.conn
	c.conn = nil
	c.err = nil
	c.lost = nil
	if c.state != StateIdle {
		c.setState(StateIdle)
	}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// setState must be called with c.mu held.
func (c *Connection) setState(next State) {
	prev := c.state
	c.state = next
	c.opts.Metrics.SetConnectionState(next.String())
	_ = c.opts.Events.PublishConnectionState(prev.String(), next.String())
	c.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("Host connection state changed")
}
