package bridgetest

import (
	"encoding/json"
	"fmt"
)

// JSON returns s as a raw payload, for handlers that script literal replies.
func JSON(s string) json.RawMessage {
	return json.RawMessage(s)
}

func marshal(v interface{}) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return b, nil
}
