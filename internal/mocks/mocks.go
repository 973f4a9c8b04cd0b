package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/history"
	"chat-sync/internal/models"
)

type FetcherMock struct {
	mock.Mock
}

func (m *FetcherMock) FetchPage(ctx context.Context, req models.PageRequest) (models.Page, error) {
	args := m.Called(ctx, req)
	var page models.Page
	if val := args.Get(0); val != nil {
		page = val.(models.Page)
	}
	return page, args.Error(1)
}

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) ListRooms(ctx context.Context, page, size int, search string) ([]models.RoomSummary, error) {
	args := m.Called(ctx, page, size, search)
	var rooms []models.RoomSummary
	if val := args.Get(0); val != nil {
		rooms = val.([]models.RoomSummary)
	}
	return rooms, args.Error(1)
}

func (m *DirectoryMock) ListUsers(ctx context.Context, page, size int, search string) ([]models.UserSummary, error) {
	args := m.Called(ctx, page, size, search)
	var users []models.UserSummary
	if val := args.Get(0); val != nil {
		users = val.([]models.UserSummary)
	}
	return users, args.Error(1)
}

var _ history.Fetcher = (*FetcherMock)(nil)
var _ history.Directory = (*DirectoryMock)(nil)
