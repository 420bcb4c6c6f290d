package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errInvalidPayload = errors.New("invalid payload")

// inboundFrame is a client event before its payload is decoded.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func decodeFrame(raw []byte) (*inboundFrame, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Event == "" {
		return nil, errors.New("missing event name")
	}
	return &frame, nil
}

// decodeID accepts either a bare JSON string or an object carrying the id
// under key, e.g. "c1" or {"conversationId":"c1"}.
func decodeID(data json.RawMessage, key string) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", errInvalidPayload
	}
	var id string
	switch data[0] {
	case '"':
		if err := json.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("%w: %v", errInvalidPayload, err)
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", fmt.Errorf("%w: %v", errInvalidPayload, err)
		}
		field, ok := obj[key]
		if !ok {
			return "", fmt.Errorf("%w: missing %s", errInvalidPayload, key)
		}
		if err := json.Unmarshal(field, &id); err != nil {
			return "", fmt.Errorf("%w: %s must be a string", errInvalidPayload, key)
		}
	default:
		return "", errInvalidPayload
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty %s", errInvalidPayload, key)
	}
	return id, nil
}
