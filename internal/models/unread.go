package models

import "time"

// UnreadEntry counts messages from one conversation the user has not viewed.
type UnreadEntry struct {
	ConversationKey string    `json:"conversation_key"`
	SenderName      string    `json:"sender_name,omitempty"`
	Count           int       `json:"count"`
	LastMessage     string    `json:"last_message,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RoomSummary is an entry of the room directory.
type RoomSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"memberCount,omitempty"`
	Type        string `json:"type,omitempty"`
}

// UserSummary is an entry of the user directory.
type UserSummary struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
	Email    string `json:"email,omitempty"`
}
