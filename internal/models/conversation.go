package models

import (
	"fmt"
	"strings"
)

// ConversationKind tells rooms apart from private pairs.
type ConversationKind string

const (
	ConversationRoom    ConversationKind = "room"
	ConversationPrivate ConversationKind = "private"
)

// ParseConversationKind accepts the kinds used by the control API.
func ParseConversationKind(raw string) (ConversationKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "room", "group", "public":
		return ConversationRoom, nil
	case "private", "dm", "direct":
		return ConversationPrivate, nil
	default:
		return "", fmt.Errorf("unknown conversation kind %q", raw)
	}
}

// Conversation identifies a room (Key is the room id) or a private pair
// (Key is the other party's user id).
type Conversation struct {
	Kind ConversationKind `json:"kind"`
	Key  string           `json:"key"`
}

// Room builds a room conversation.
func Room(roomID string) Conversation {
	return Conversation{Kind: ConversationRoom, Key: roomID}
}

// Private builds a private conversation with another user.
func Private(otherUserID string) Conversation {
	return Conversation{Kind: ConversationPrivate, Key: otherUserID}
}

func (c Conversation) IsZero() bool { return c.Key == "" }

func (c Conversation) String() string { return string(c.Kind) + ":" + c.Key }

// PageCursor tracks backward pagination. Page 1 is the most recent page.
type PageCursor struct {
	NextPage int  `json:"next_page"`
	HasMore  bool `json:"has_more"`
}

// FirstPage is the cursor of a conversation that has not been fetched yet.
func FirstPage() PageCursor {
	return PageCursor{NextPage: 1, HasMore: true}
}

// PageRequest asks a history source for one page of a conversation.
type PageRequest struct {
	Conversation Conversation
	Page         int
	PageSize     int
}

// Page is one page of history, oldest first.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	NextPage int       `json:"next_page"`
	Total    int       `json:"total,omitempty"`
}
