package models

import "time"

// MessageKind distinguishes chat content from membership notices.
type MessageKind string

const (
	KindChat  MessageKind = "CHAT"
	KindJoin  MessageKind = "JOIN"
	KindLeave MessageKind = "LEAVE"
)

// Message is an immutable chat message as materialized by the client.
type Message struct {
	ID              string      `json:"id"`
	UUID            string      `json:"uuid"`
	ConversationKey string      `json:"conversation_key"`
	SenderID        string      `json:"sender_id"`
	SenderName      string      `json:"sender_name"`
	RecipientID     string      `json:"recipient_id,omitempty"`
	Content         string      `json:"content"`
	ContentType     string      `json:"content_type,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Kind            MessageKind `json:"kind"`
}

// DedupeKey returns the identity used to collapse repeated deliveries.
// The server UUID wins; the client id is a fallback for payloads without one.
func (m Message) DedupeKey() string {
	if m.UUID != "" {
		return m.UUID
	}
	return m.ID
}

// ReadReceipt is published when the local user has viewed a conversation.
type ReadReceipt struct {
	ReaderID string    `json:"readerId"`
	PeerID   string    `json:"peerId"`
	ReadAt   time.Time `json:"readAt"`
}
