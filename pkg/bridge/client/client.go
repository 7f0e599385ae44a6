// Package client provides the plugin side of the host bridge: it dials the
// embedding host, performs the HELLO/READY handshake and multiplexes
// queries, mutations and subscriptions over a single stream.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gaplugin/pkg/bridge/protocol"
)

// ErrClosed is returned for requests issued on, or pending on, a closed
// client.
var ErrClosed = errors.New("bridge client is closed")

// HostError is an ERROR reply from the host.
type HostError struct {
	Code    string
	Message string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host error %s: %s", e.Code, e.Message)
}

// Config contains client configuration options.
type Config struct {
	Dialer           Dialer
	Modules          []string
	ClientVersion    string
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

// EventHandler receives the initial snapshot and subsequent pushes of a
// subscription.
type EventHandler func(data json.RawMessage)

// Client manages communication with the embedding host.
type Client struct {
	conn    io.ReadWriteCloser
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	ready   *protocol.ReadyMessage
	logger  zerolog.Logger

	mu       sync.Mutex
	pending  map[string]chan response
	subs     map[string]*subscription
	closed   bool
	closeErr error

	done     chan struct{}
	doneOnce sync.Once
}

type response struct {
	data json.RawMessage
	err  error
}

// Dial connects to the host and completes the handshake. The returned
// client is ready for requests.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil || cfg.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	modules := cfg.Modules
	if len(modules) == 0 {
		modules = []string{"xmc"}
	}
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	conn, err := cfg.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to host: %w", err)
	}

	c := &Client{
		conn:    conn,
		encoder: protocol.NewEncoder(conn),
		decoder: protocol.NewDecoder(conn),
		logger:  cfg.Logger.With().Str("component", "bridge").Logger(),
		pending: make(map[string]chan response),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}

	ready, err := c.handshake(ctx, timeout, &protocol.HelloMessage{
		Version:       protocol.ProtocolVersion,
		ClientVersion: cfg.ClientVersion,
		Modules:       modules,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.ready = ready

	go c.readLoop()

	c.logger.Debug().
		Str("host_version", ready.HostVersion).
		Strs("modules", ready.Modules).
		Msg("Bridge handshake complete")

	return c, nil
}

func (c *Client) handshake(ctx context.Context, timeout time.Duration, hello *protocol.HelloMessage) (*protocol.ReadyMessage, error) {
	if err := c.encoder.EncodeHello(hello); err != nil {
		return nil, fmt.Errorf("failed to send HELLO: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		switch msg.Type {
		case protocol.MessageTypeReady:
			var ready protocol.ReadyMessage
			if err := protocol.ParseParams(msg.Data, &ready); err != nil {
				errCh <- err
				return
			}
			readyCh <- &ready
		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				errCh <- err
				return
			}
			errCh <- &HostError{Code: errMsg.Code, Message: errMsg.Message}
		default:
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
		}
	}()

	select {
	case <-readyCtx.Done():
		// Unblocks the reader goroutine.
		c.conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		for _, m := range hello.Modules {
			if !ready.HasModule(m) {
				return nil, fmt.Errorf("host did not enable module %q", m)
			}
		}
		return ready, nil
	}
}

// Ready returns the READY message received during the handshake.
func (c *Client) Ready() *protocol.ReadyMessage {
	return c.ready
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the client shut down, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Query issues a read operation and waits for its result.
func (c *Client) Query(ctx context.Context, operation string, params interface{}) (json.RawMessage, error) {
	return c.roundTrip(ctx, protocol.MessageTypeQuery, operation, params, nil)
}

// Mutate issues a write operation and waits for its result.
func (c *Client) Mutate(ctx context.Context, operation string, params interface{}) (json.RawMessage, error) {
	return c.roundTrip(ctx, protocol.MessageTypeMutate, operation, params, nil)
}

// Subscribe opens a subscription. The handler is called with the initial
// result and then with every pushed event, one at a time and in the order
// the host emitted them. The subscription lives as long as the client.
func (c *Client) Subscribe(ctx context.Context, operation string, params interface{}, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("event handler is required")
	}
	sub := newSubscription(operation, handler, c.done)
	if _, err := c.roundTrip(ctx, protocol.MessageTypeQuery, operation, params, sub); err != nil {
		return err
	}
	go sub.run()
	return nil
}

func (c *Client) roundTrip(ctx context.Context, msgType protocol.MessageType, operation string, params interface{}, sub *subscription) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %s: %w", operation, err)
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	if sub != nil {
		c.subs[id] = sub
	}
	c.mu.Unlock()

	req := &protocol.RequestMessage{
		ID:        id,
		Operation: operation,
		Params:    raw,
		Subscribe: sub != nil,
	}
	if err := c.encoder.EncodeRequest(msgType, req); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send %s: %w", operation, err)
	}

	select {
	case resp := <-ch:
		return resp.data, resp.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	var loopErr error
	for loopErr == nil {
		msg, err := c.decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				loopErr = ErrClosed
			} else {
				loopErr = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			break
		}

		switch msg.Type {
		case protocol.MessageTypeResult:
			var result protocol.ResultMessage
			if err := protocol.ParseParams(msg.Data, &result); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping malformed RESULT")
				continue
			}
			c.resolve(result.RequestID, response{data: result.Data})

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping malformed ERROR")
				continue
			}
			if errMsg.RequestID == "" {
				c.logger.Warn().Str("code", errMsg.Code).Msg(errMsg.Message)
				continue
			}
			c.resolve(errMsg.RequestID, response{err: &HostError{Code: errMsg.Code, Message: errMsg.Message}})

		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				c.logger.Warn().Err(err).Msg("Dropping malformed EVENT")
				continue
			}
			c.dispatch(&event)

		case protocol.MessageTypeBye:
			var bye protocol.ByeMessage
			_ = protocol.ParseParams(msg.Data, &bye)
			c.logger.Info().Str("reason", bye.Reason).Msg("Host closed the bridge")
			loopErr = fmt.Errorf("%w: host said goodbye: %s", ErrClosed, bye.Reason)

		default:
			c.logger.Warn().Str("type", string(msg.Type)).Msg("Unexpected message from host")
		}
	}
	c.shutdown(loopErr)
}

func (c *Client) resolve(id string, resp response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	sub := c.subs[id]
	if resp.err != nil {
		delete(c.subs, id)
		sub = nil
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("request_id", id).Msg("Reply for unknown request")
		return
	}
	// The initial snapshot goes through the queue so it precedes any push.
	if sub != nil {
		sub.push(resp.data)
	}
	ch <- resp
}

func (c *Client) dispatch(event *protocol.EventMessage) {
	c.mu.Lock()
	sub := c.subs[event.SubscriptionID]
	c.mu.Unlock()

	if sub == nil {
		c.logger.Debug().
			Str("subscription_id", event.SubscriptionID).
			Str("operation", event.Operation).
			Msg("Event for unknown subscription")
		return
	}
	sub.push(event.Data)
}

func (c *Client) shutdown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = reason
	pending := c.pending
	c.pending = make(map[string]chan response)
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: reason}
	}
	c.doneOnce.Do(func() { close(c.done) })
	c.conn.Close()
}

// Close closes the client. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

type subscription struct {
	operation string
	handler   EventHandler
	stop      <-chan struct{}

	mu     sync.Mutex
	queue  []json.RawMessage
	signal chan struct{}
}

func newSubscription(operation string, handler EventHandler, stop <-chan struct{}) *subscription {
	return &subscription{
		operation: operation,
		handler:   handler,
		stop:      stop,
		signal:    make(chan struct{}, 1),
	}
}

func (s *subscription) push(data json.RawMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	data := s.queue[0]
	s.queue = s.queue[1:]
	return data, true
}

func (s *subscription) run() {
	for {
		select {
		case <-s.signal:
			for {
				data, ok := s.next()
				if !ok {
					break
				}
				s.handler(data)
			}
		case <-s.stop:
			return
		}
	}
}
