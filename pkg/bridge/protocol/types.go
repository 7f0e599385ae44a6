// Package protocol defines the JSON-lines wire protocol spoken between the
// plugin and its embedding host.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the bridge protocol version announced in HELLO.
const ProtocolVersion = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeHello opens the handshake (client to host)
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeReady completes the handshake (host to client)
	MessageTypeReady MessageType = "READY"
	// MessageTypeQuery requests a read operation from the host
	MessageTypeQuery MessageType = "QUERY"
	// MessageTypeMutate requests a write operation from the host
	MessageTypeMutate MessageType = "MUTATE"
	// MessageTypeResult carries the response to a QUERY or MUTATE
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError carries a failed response to a QUERY or MUTATE
	MessageTypeError MessageType = "ERROR"
	// MessageTypeEvent carries a host push for an active subscription
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeBye indicates the host is tearing the bridge down
	MessageTypeBye MessageType = "BYE"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloMessage is sent by the client to start the handshake.
type HelloMessage struct {
	Version       string            `json:"version"`
	ClientVersion string            `json:"client_version,omitempty"`
	Modules       []string          `json:"modules"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ReadyMessage is sent by the host once the bridge is usable.
type ReadyMessage struct {
	Version     string            `json:"version"`
	HostVersion string            `json:"host_version,omitempty"`
	Modules     []string          `json:"modules"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RequestMessage is the payload of QUERY and MUTATE messages.
type RequestMessage struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params,omitempty"`
	Subscribe bool            `json:"subscribe,omitempty"`
}

// ResultMessage answers a request.
type ResultMessage struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// ErrorMessage reports a failed request. An empty RequestID means the error
// is not tied to a request (for example a rejected HELLO).
type ErrorMessage struct {
	RequestID string            `json:"request_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// EventMessage is a host push for the subscription opened by SubscriptionID.
type EventMessage struct {
	SubscriptionID string          `json:"subscription_id"`
	Operation      string          `json:"operation"`
	Data           json.RawMessage `json:"data"`
}

// ByeMessage is sent before the host closes the bridge.
type ByeMessage struct {
	Reason string `json:"reason"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeHello, MessageTypeReady, MessageTypeQuery, MessageTypeMutate,
		MessageTypeResult, MessageTypeError, MessageTypeEvent, MessageTypeBye:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// IsRequest reports whether the type carries a RequestMessage.
func (mt MessageType) IsRequest() bool {
	return mt == MessageTypeQuery || mt == MessageTypeMutate
}

// Validate checks if the hello message is valid.
func (h *HelloMessage) Validate() error {
	if h.Version == "" {
		return fmt.Errorf("protocol version is required")
	}
	if len(h.Modules) == 0 {
		return fmt.Errorf("at least one module is required")
	}
	return nil
}

// Validate checks if the request message is valid.
func (r *RequestMessage) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request ID is required")
	}
	if r.Operation == "" {
		return fmt.Errorf("operation is required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (e *EventMessage) Validate() error {
	if e.SubscriptionID == "" {
		return fmt.Errorf("subscription ID is required")
	}
	return nil
}

// HasModule reports whether the host enabled the named module.
func (r *ReadyMessage) HasModule(name string) bool {
	for _, m := range r.Modules {
		if m == name {
			return true
		}
	}
	return false
}
