package repositories

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// RoomMessageRow is a row of the backend's room_messages table.
type RoomMessageRow struct {
	ID          int64          `db:"id"`
	UUID        sql.NullString `db:"uuid"`
	RoomID      int64          `db:"room_id"`
	SenderID    int64          `db:"sender_id"`
	SenderName  sql.NullString `db:"sender_name"`
	Content     string         `db:"content"`
	ContentType sql.NullString `db:"content_type"`
	Type        sql.NullString `db:"type"`
	CreatedAt   sql.NullTime   `db:"created_at"`
}

// DirectMessageRow is a row of the backend's direct_messages table.
type DirectMessageRow struct {
	ID          int64          `db:"id"`
	UUID        sql.NullString `db:"uuid"`
	SenderID    int64          `db:"sender_id"`
	SenderName  sql.NullString `db:"sender_name"`
	ReceiverID  int64          `db:"receiver_id"`
	Content     string         `db:"content"`
	MessageType sql.NullString `db:"message_type"`
	SentAt      sql.NullTime   `db:"sent_at"`
}

// MessageRepository reads message history newest first.
type MessageRepository interface {
	ListRoomMessages(ctx context.Context, roomID int64, limit, offset int) ([]RoomMessageRow, error)
	ListDirectMessages(ctx context.Context, userID, peerID int64, limit, offset int) ([]DirectMessageRow, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const roomMessagesQuery = `SELECT id, uuid, room_id, sender_id, sender_name, content, content_type, type, created_at
        FROM room_messages
        WHERE room_id=$1
        ORDER BY created_at DESC, id DESC
        LIMIT $2 OFFSET $3`

// ListRoomMessages returns up to limit messages of a room, newest first.
func (r *MessageRepo) ListRoomMessages(ctx context.Context, roomID int64, limit, offset int) ([]RoomMessageRow, error) {
	var rows []RoomMessageRow
	err := r.db.SelectContext(ctx, &rows, roomMessagesQuery, roomID, limit, offset)
	return rows, err
}

const directMessagesQuery = `SELECT id, uuid, sender_id, sender_name, receiver_id, content, message_type, sent_at
        FROM direct_messages
        WHERE (sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1)
        ORDER BY sent_at DESC, id DESC
        LIMIT $3 OFFSET $4`

// ListDirectMessages returns up to limit messages exchanged by two users, newest first.
func (r *MessageRepo) ListDirectMessages(ctx context.Context, userID, peerID int64, limit, offset int) ([]DirectMessageRow, error) {
	var rows []DirectMessageRow
	err := r.db.SelectContext(ctx, &rows, directMessagesQuery, userID, peerID, limit, offset)
	return rows, err
}
