package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

// ErrInvalidKey is returned when a conversation key is not a numeric id.
var ErrInvalidKey = errors.New("conversation key is not a numeric id")

// SQLFetcher pages history straight out of the backend database.
type SQLFetcher struct {
	repo   repositories.MessageRepository
	selfID string
}

var _ Fetcher = (*SQLFetcher)(nil)

func NewSQLFetcher(repo repositories.MessageRepository, selfID string) *SQLFetcher {
	return &SQLFetcher{repo: repo, selfID: selfID}
}

// FetchPage reads one row past the page to learn whether older history exists.
func (f *SQLFetcher) FetchPage(ctx context.Context, req models.PageRequest) (models.Page, error) {
	if req.Page < 1 || req.PageSize < 1 {
		return models.Page{}, fmt.Errorf("invalid page %d size %d", req.Page, req.PageSize)
	}
	key, err := parseKey(req.Conversation.Key)
	if err != nil {
		return models.Page{}, err
	}
	limit := req.PageSize + 1
	offset := (req.Page - 1) * req.PageSize

	var msgs []models.Message
	switch req.Conversation.Kind {
	case models.ConversationRoom:
		rows, err := f.repo.ListRoomMessages(ctx, key, limit, offset)
		if err != nil {
			return models.Page{}, fmt.Errorf("list room messages: %w", err)
		}
		for _, row := range rows {
			msgs = append(msgs, roomRowToMessage(row))
		}
	case models.ConversationPrivate:
		self, err := parseKey(f.selfID)
		if err != nil {
			return models.Page{}, err
		}
		rows, err := f.repo.ListDirectMessages(ctx, self, key, limit, offset)
		if err != nil {
			return models.Page{}, fmt.Errorf("list direct messages: %w", err)
		}
		for _, row := range rows {
			msgs = append(msgs, directRowToMessage(row, req.Conversation.Key))
		}
	default:
		return models.Page{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Conversation.Kind)
	}

	hasMore := len(msgs) > req.PageSize
	if hasMore {
		msgs = msgs[:req.PageSize]
	}
	// rows come newest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return models.Page{Messages: msgs, HasMore: hasMore, NextPage: req.Page + 1}, nil
}

func parseKey(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	return id, nil
}

func roomRowToMessage(row repositories.RoomMessageRow) models.Message {
	kind := models.KindChat
	switch models.MessageKind(strings.ToUpper(row.Type.String)) {
	case models.KindJoin:
		kind = models.KindJoin
	case models.KindLeave:
		kind = models.KindLeave
	}
	return models.Message{
		ID:              strconv.FormatInt(row.ID, 10),
		UUID:            row.UUID.String,
		ConversationKey: strconv.FormatInt(row.RoomID, 10),
		SenderID:        strconv.FormatInt(row.SenderID, 10),
		SenderName:      nameOrUnknown(row.SenderName.String),
		Content:         row.Content,
		ContentType:     row.ContentType.String,
		CreatedAt:       utc(row.CreatedAt.Time),
		Kind:            kind,
	}
}

func directRowToMessage(row repositories.DirectMessageRow, peerID string) models.Message {
	return models.Message{
		ID:              strconv.FormatInt(row.ID, 10),
		UUID:            row.UUID.String,
		ConversationKey: peerID,
		SenderID:        strconv.FormatInt(row.SenderID, 10),
		SenderName:      nameOrUnknown(row.SenderName.String),
		RecipientID:     strconv.FormatInt(row.ReceiverID, 10),
		Content:         row.Content,
		ContentType:     row.MessageType.String,
		CreatedAt:       utc(row.SentAt.Time),
		Kind:            models.KindChat,
	}
}

func nameOrUnknown(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
