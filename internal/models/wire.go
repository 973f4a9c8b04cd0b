package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrParseFailed marks an inbound payload that could not be turned into a Message.
var ErrParseFailed = errors.New("parse failed")

// FlexID accepts ids encoded either as JSON strings or JSON numbers.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// Backend timestamps come as RFC3339, as zone-less ISO local times, or as epoch millis.
var localTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

type flexTime time.Time

func (f *flexTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", b)
		}
		*f = flexTime(time.UnixMilli(ms).UTC())
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range localTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			*f = flexTime(t.UTC())
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", raw)
}

func (f flexTime) Time() time.Time { return time.Time(f) }

// WireMessage is the union of the room and private message payloads the
// backend emits, both on the push channels and inside history pages.
type WireMessage struct {
	ID             FlexID   `json:"id"`
	UUID           FlexID   `json:"uuid"`
	Sender         string   `json:"sender"`
	SenderUsername string   `json:"senderUsername"`
	SenderName     string   `json:"senderName"`
	SenderID       FlexID   `json:"senderId"`
	ReceiverID     FlexID   `json:"receiverId"`
	RecipientID    FlexID   `json:"recipientId"`
	RoomID         FlexID   `json:"roomId"`
	Content        string   `json:"content"`
	Message        string   `json:"message"`
	ContentType    string   `json:"contentType"`
	MessageType    string   `json:"messageType"`
	Type           string   `json:"type"`
	Timestamp      flexTime `json:"timestamp"`
	SentAt         flexTime `json:"sentAt"`
}

func (w WireMessage) senderName() string {
	for _, name := range []string{w.SenderName, w.SenderUsername, w.Sender} {
		if name != "" {
			return name
		}
	}
	return "Unknown"
}

func (w WireMessage) recipient() string {
	if w.ReceiverID != "" {
		return string(w.ReceiverID)
	}
	return string(w.RecipientID)
}

func (w WireMessage) createdAt(now time.Time) time.Time {
	if t := w.Timestamp.Time(); !t.IsZero() {
		return t
	}
	if t := w.SentAt.Time(); !t.IsZero() {
		return t
	}
	return now
}

func (w WireMessage) kind() MessageKind {
	switch MessageKind(strings.ToUpper(w.Type)) {
	case KindJoin:
		return KindJoin
	case KindLeave:
		return KindLeave
	default:
		return KindChat
	}
}

// ToRoomMessage materializes a payload received for roomID.
func (w WireMessage) ToRoomMessage(roomID string, now time.Time) (Message, error) {
	if w.UUID == "" && w.ID == "" {
		return Message{}, fmt.Errorf("%w: message has neither uuid nor id", ErrParseFailed)
	}
	key := roomID
	if key == "" {
		key = string(w.RoomID)
	}
	contentType := w.ContentType
	if contentType == "" {
		contentType = w.MessageType
	}
	return Message{
		ID:              string(w.ID),
		UUID:            string(w.UUID),
		ConversationKey: key,
		SenderID:        string(w.SenderID),
		SenderName:      w.senderName(),
		Content:         w.content(),
		ContentType:     contentType,
		CreatedAt:       w.createdAt(now),
		Kind:            w.kind(),
	}, nil
}

// ToPrivateMessage materializes a direct message as seen by selfID. The
// conversation key is the other party: the sender, or the recipient when
// the local user sent it.
func (w WireMessage) ToPrivateMessage(selfID string, now time.Time) (Message, error) {
	if w.UUID == "" && w.ID == "" {
		return Message{}, fmt.Errorf("%w: message has neither uuid nor id", ErrParseFailed)
	}
	if w.SenderID == "" {
		return Message{}, fmt.Errorf("%w: private message without senderId", ErrParseFailed)
	}
	key := string(w.SenderID)
	if key == selfID && w.recipient() != "" {
		key = w.recipient()
	}
	contentType := w.MessageType
	if contentType == "" {
		contentType = w.ContentType
	}
	return Message{
		ID:              string(w.ID),
		UUID:            string(w.UUID),
		ConversationKey: key,
		SenderID:        string(w.SenderID),
		SenderName:      w.senderName(),
		RecipientID:     w.recipient(),
		Content:         w.content(),
		ContentType:     contentType,
		CreatedAt:       w.createdAt(now),
		Kind:            KindChat,
	}, nil
}

func (w WireMessage) content() string {
	if w.Content != "" {
		return w.Content
	}
	return w.Message
}

func decodeWire(body []byte) (WireMessage, error) {
	var w WireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return WireMessage{}, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	return w, nil
}

// DecodeRoomMessage parses a payload delivered on a room topic.
func DecodeRoomMessage(body []byte, roomID string) (Message, error) {
	w, err := decodeWire(body)
	if err != nil {
		return Message{}, err
	}
	return w.ToRoomMessage(roomID, time.Now().UTC())
}

// DecodePrivateMessage parses a payload delivered on the local user's queue.
func DecodePrivateMessage(body []byte, selfID string) (Message, error) {
	w, err := decodeWire(body)
	if err != nil {
		return Message{}, err
	}
	return w.ToPrivateMessage(selfID, time.Now().UTC())
}

// OutgoingRoomMessage is published to a room send destination.
type OutgoingRoomMessage struct {
	ID       string      `json:"id"`
	Sender   string      `json:"sender"`
	SenderID string      `json:"senderId,omitempty"`
	Content  string      `json:"content"`
	Type     MessageKind `json:"type"`
}

// OutgoingPrivateMessage is published to a private send destination.
type OutgoingPrivateMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	SenderID  string    `json:"senderId,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
