package realtime

import (
	"encoding/json"
	"fmt"
)

// Stream event names.
const (
	EventSubscribe = "subscribe"
	EventMessage   = "message"
)

// Frame is the JSON envelope carried by every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeFrame(event, data string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// decodeFrame returns the event name and its payload. A JSON string payload
// is unquoted; any other JSON value is passed through as-is.
func decodeFrame(msg []byte) (string, []byte, error) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return "", nil, fmt.Errorf("decode frame: missing event")
	}
	if len(f.Data) > 0 && f.Data[0] == '"' {
		var s string
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return "", nil, fmt.Errorf("decode frame data: %w", err)
		}
		return f.Event, []byte(s), nil
	}
	return f.Event, f.Data, nil
}
