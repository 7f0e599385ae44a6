package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode hello message",
			msgType: MessageTypeHello,
			data: &HelloMessage{
				Version: ProtocolVersion,
				Modules: []string{"xmc"},
			},
		},
		{
			name:    "encode query message",
			msgType: MessageTypeQuery,
			data: &RequestMessage{
				ID:        "req-1",
				Operation: "application.context",
			},
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data: &EventMessage{
				SubscriptionID: "req-2",
				Operation:      "pages.context",
				Data:           json.RawMessage(`{"siteInfo":{"id":"s1"}}`),
			},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				RequestID: "req-3",
				Code:      "NOT_FOUND",
				Message:   "unknown operation",
			},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("CMD"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				line := strings.TrimSpace(buf.String())
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestEncodeRequestRejectsNonRequestTypes(t *testing.T) {
	enc := NewEncoder(io.Discard)
	err := enc.EncodeRequest(MessageTypeResult, &RequestMessage{ID: "a", Operation: "b"})
	if err == nil {
		t.Fatal("expected error for RESULT passed as request type")
	}

	err = enc.EncodeRequest(MessageTypeQuery, &RequestMessage{Operation: "b"})
	if err == nil {
		t.Fatal("expected error for request without ID")
	}
}

func TestEncoderConcurrentWritesStayLineDelimited(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = enc.EncodeRequest(MessageTypeMutate, &RequestMessage{
				ID:        "req",
				Operation: "xmc.authoring.graphql",
				Params:    json.RawMessage(`{"body":{"query":"{ item { itemId } }"}}`),
			})
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if msg.Type != MessageTypeMutate {
			t.Fatalf("Message type = %v, want MUTATE", msg.Type)
		}
		count++
	}
	if count != 50 {
		t.Errorf("decoded %d messages, want 50", count)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1","modules":["xmc"]}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode result message",
			input:   `{"type":"RESULT","timestamp":"2024-01-01T00:00:00Z","data":{"request_id":"req-1","data":{"data":{}}}}`,
			msgType: MessageTypeResult,
		},
		{
			name:    "decode bye message",
			input:   `{"type":"BYE","timestamp":"2024-01-01T00:00:00Z","data":{"reason":"unload"}}`,
			msgType: MessageTypeBye,
		},
		{
			name:    "unknown message type",
			input:   `{"type":"DONE","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
		op      string
	}{
		{
			name:    "valid query",
			input:   `{"type":"QUERY","timestamp":"2024-01-01T00:00:00Z","data":{"id":"req-1","operation":"pages.context","subscribe":true}}`,
			msgType: MessageTypeQuery,
			op:      "pages.context",
		},
		{
			name:    "valid mutate",
			input:   `{"type":"MUTATE","timestamp":"2024-01-01T00:00:00Z","data":{"id":"req-2","operation":"xmc.authoring.graphql","params":{}}}`,
			msgType: MessageTypeMutate,
			op:      "xmc.authoring.graphql",
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing operation",
			input:   `{"type":"QUERY","timestamp":"2024-01-01T00:00:00Z","data":{"id":"req-3"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msgType, req, err := dec.DecodeRequest()

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if msgType != tt.msgType {
					t.Errorf("Message type = %v, want %v", msgType, tt.msgType)
				}
				if req.Operation != tt.op {
					t.Errorf("Operation = %v, want %v", req.Operation, tt.op)
				}
			}
		})
	}
}

func TestReadyHasModule(t *testing.T) {
	ready := &ReadyMessage{Version: ProtocolVersion, Modules: []string{"xmc", "pages"}}
	if !ready.HasModule("xmc") {
		t.Error("expected xmc module to be present")
	}
	if ready.HasModule("ai") {
		t.Error("did not expect ai module")
	}
}
