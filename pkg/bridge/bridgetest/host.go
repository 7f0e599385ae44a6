// Package bridgetest provides an in-memory embedding host for tests. It
// speaks the bridge protocol over net.Pipe and answers requests from
// handlers registered per operation.
package bridgetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/openfroyo/gaplugin/pkg/bridge/protocol"
)

// HandlerFunc answers a request. The returned value is marshalled into the
// RESULT payload; a returned *Error becomes an ERROR reply with its code.
type HandlerFunc func(req *protocol.RequestMessage) (interface{}, error)

// Error is a scripted ERROR reply.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Host is a scripted embedding host. It implements the client Dialer
// interface, so it can be handed directly to client.Dial.
type Host struct {
	mu             sync.Mutex
	handlers       map[string]HandlerFunc
	modules        []string
	failHandshakes int
	handshakeDelay time.Duration
	handshakes     []time.Time
	requests       []*protocol.RequestMessage
	conns          []*hostConn
}

type hostConn struct {
	conn    net.Conn
	encoder *protocol.Encoder
	mu      sync.Mutex
	subs    map[string]string // subscription id -> operation
}

// NewHost creates a host that enables the xmc module.
func NewHost() *Host {
	return &Host{
		handlers: make(map[string]HandlerFunc),
		modules:  []string{"xmc"},
	}
}

// Handle registers the handler for an operation.
func (h *Host) Handle(operation string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[operation] = fn
}

// HandleValue registers a handler that always returns v.
func (h *Host) HandleValue(operation string, v interface{}) {
	h.Handle(operation, func(*protocol.RequestMessage) (interface{}, error) {
		return v, nil
	})
}

// SetModules overrides the modules announced in READY.
func (h *Host) SetModules(modules ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modules = modules
}

// FailHandshakes makes the next n handshakes fail with an ERROR reply.
func (h *Host) FailHandshakes(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failHandshakes = n
}

// SetHandshakeDelay delays every READY (or handshake ERROR) by d.
func (h *Host) SetHandshakeDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handshakeDelay = d
}

// Handshakes returns the number of HELLO messages received.
func (h *Host) Handshakes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handshakes)
}

// HandshakeTimes returns when each HELLO was received.
func (h *Host) HandshakeTimes() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.handshakes...)
}

// Requests returns the requests received for operation, in arrival order.
// An empty operation returns all requests.
func (h *Host) Requests(operation string) []*protocol.RequestMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*protocol.RequestMessage
	for _, r := range h.requests {
		if operation == "" || r.Operation == operation {
			out = append(out, r)
		}
	}
	return out
}

// Subscriptions returns the number of live subscriptions for operation.
func (h *Host) Subscriptions(operation string) int {
	n := 0
	for _, hc := range h.liveConns() {
		hc.mu.Lock()
		for _, op := range hc.subs {
			if op == operation {
				n++
			}
		}
		hc.mu.Unlock()
	}
	return n
}

// Push sends data as an EVENT to every subscription of operation.
func (h *Host) Push(operation string, data interface{}) error {
	raw, err := marshal(data)
	if err != nil {
		return err
	}
	sent := 0
	for _, hc := range h.liveConns() {
		hc.mu.Lock()
		var ids []string
		for id, op := range hc.subs {
			if op == operation {
				ids = append(ids, id)
			}
		}
		hc.mu.Unlock()

		for _, id := range ids {
			if err := hc.encoder.EncodeEvent(&protocol.EventMessage{
				SubscriptionID: id,
				Operation:      operation,
				Data:           raw,
			}); err != nil {
				return fmt.Errorf("failed to push event: %w", err)
			}
			sent++
		}
	}
	if sent == 0 {
		return fmt.Errorf("no subscription for %s", operation)
	}
	return nil
}

// Bye sends BYE on every connection and closes them.
func (h *Host) Bye(reason string) {
	for _, hc := range h.liveConns() {
		_ = hc.encoder.EncodeBye(&protocol.ByeMessage{Reason: reason})
		hc.conn.Close()
	}
}

// Close closes every connection.
func (h *Host) Close() {
	for _, hc := range h.liveConns() {
		hc.conn.Close()
	}
}

func (h *Host) liveConns() []*hostConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*hostConn(nil), h.conns...)
}

// Dial returns the client end of a new in-memory connection.
func (h *Host) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clientSide, hostSide := net.Pipe()
	go h.serve(hostSide)
	return clientSide, nil
}

func (h *Host) serve(conn net.Conn) {
	defer conn.Close()

	hc := &hostConn{
		conn:    conn,
		encoder: protocol.NewEncoder(conn),
		subs:    make(map[string]string),
	}
	dec := protocol.NewDecoder(conn)

	msg, err := dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeHello {
		return
	}

	h.mu.Lock()
	h.handshakes = append(h.handshakes, time.Now())
	delay := h.handshakeDelay
	fail := h.failHandshakes > 0
	if fail {
		h.failHandshakes--
	}
	modules := append([]string(nil), h.modules...)
	h.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		_ = hc.encoder.EncodeError(&protocol.ErrorMessage{
			Code:    "HANDSHAKE_FAILED",
			Message: "host is not ready",
		})
		return
	}
	h.mu.Lock()
	h.conns = append(h.conns, hc)
	h.mu.Unlock()
	defer h.drop(hc)

	if err := hc.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:     protocol.ProtocolVersion,
		HostVersion: "bridgetest",
		Modules:     modules,
	}); err != nil {
		return
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			return
		}
		if !msg.Type.IsRequest() {
			continue
		}
		var req protocol.RequestMessage
		if err := protocol.ParseParams(msg.Data, &req); err != nil {
			continue
		}
		h.answer(hc, &req)
	}
}

func (h *Host) answer(hc *hostConn, req *protocol.RequestMessage) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	fn := h.handlers[req.Operation]
	h.mu.Unlock()

	if fn == nil {
		_ = hc.encoder.EncodeError(&protocol.ErrorMessage{
			RequestID: req.ID,
			Code:      "NOT_FOUND",
			Message:   "unknown operation " + req.Operation,
		})
		return
	}

	v, err := fn(req)
	if err != nil {
		code := "INTERNAL"
		var scripted *Error
		if errors.As(err, &scripted) {
			code = scripted.Code
		}
		_ = hc.encoder.EncodeError(&protocol.ErrorMessage{
			RequestID: req.ID,
			Code:      code,
			Message:   err.Error(),
		})
		return
	}

	raw, err := marshal(v)
	if err != nil {
		_ = hc.encoder.EncodeError(&protocol.ErrorMessage{RequestID: req.ID, Code: "INTERNAL", Message: err.Error()})
		return
	}
	if req.Subscribe {
		hc.mu.Lock()
		hc.subs[req.ID] = req.Operation
		hc.mu.Unlock()
	}
	_ = hc.encoder.EncodeResult(&protocol.ResultMessage{RequestID: req.ID, Data: raw})
}

func (h *Host) drop(hc *hostConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.conns {
		if c == hc {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			return
		}
	}
}
