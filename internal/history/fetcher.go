// Package history reads past messages and directory listings from the
// backend, either over its REST API or straight from its database.
package history

import (
	"context"
	"errors"

	"chat-sync/internal/models"
)

// ErrUnsupportedKind is returned for a conversation kind the source cannot serve.
var ErrUnsupportedKind = errors.New("unsupported conversation kind")

// Fetcher loads one page of history. Page 1 is the newest page; messages
// inside a page are in ascending time order.
type Fetcher interface {
	FetchPage(ctx context.Context, req models.PageRequest) (models.Page, error)
}

// Directory lists rooms and users known to the backend.
type Directory interface {
	ListRooms(ctx context.Context, page, size int, search string) ([]models.RoomSummary, error)
	ListUsers(ctx context.Context, page, size int, search string) ([]models.UserSummary, error)
}
