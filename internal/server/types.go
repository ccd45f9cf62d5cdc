package server

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Event names on the wire.
const (
	EventMessage   = "message"
	EventSubscribe = "subscribe"
	EventUpdates   = "client::listen::updates"
	EventJoined    = "joined"
	EventAck       = "ack"
)

// Frame is the JSON text frame exchanged with clients. Data is carried as raw
// bytes and never inspected.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *uint64         `json:"ack,omitempty"`
}

// inboundFrame is a client frame as read off the wire. Ack stays raw so a
// malformed value does not cost the event.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   json.RawMessage `json:"ack,omitempty"`
}

// ackID returns the requested acknowledgement id, or nil when none was asked
// for or the value is not an unsigned integer.
func (f inboundFrame) ackID() (*uint64, bool) {
	if len(f.Ack) == 0 || bytes.Equal(f.Ack, []byte("null")) {
		return nil, true
	}
	var id uint64
	if err := json.Unmarshal(f.Ack, &id); err != nil {
		return nil, false
	}
	return &id, true
}

// AckData is the payload of an acknowledgement frame.
type AckData struct {
	Recipients int `json:"recipients"`
}

// BroadcastMessage is an inbound event accepted from a client and already
// mapped to its outbound name. Sender is excluded from delivery.
type BroadcastMessage struct {
	Sender *Client
	Event  string
	Data   json.RawMessage
	Ack    *uint64
}

// encodeFrame renders an outbound frame. The payload is compacted but its
// characters are left as the sender wrote them.
func encodeFrame(event string, data json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Frame{Event: event, Data: data}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func encodeAck(id uint64, recipients int) ([]byte, error) {
	data, err := json.Marshal(AckData{Recipients: recipients})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: EventAck, Data: data, Ack: &id})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
