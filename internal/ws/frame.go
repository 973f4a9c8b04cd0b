package ws

import "encoding/json"

// Frame types exchanged with the broker.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameMessage     = "message"
	FrameError       = "error"
)

// Frame is the JSON envelope carried in every websocket text message.
// ID is the subscription id on subscribe, unsubscribe and message frames.
type Frame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}
