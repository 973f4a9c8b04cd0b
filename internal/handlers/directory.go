package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/history"
)

const defaultDirectoryPageSize = 15

type DirectoryHandler struct {
	dir    history.Directory
	logger *slog.Logger
}

func NewDirectoryHandler(dir history.Directory, logger *slog.Logger) *DirectoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryHandler{dir: dir, logger: logger.With("component", "api")}
}

func (h *DirectoryHandler) Rooms(c *gin.Context) {
	page, size, ok := h.paging(c)
	if !ok {
		return
	}
	rooms, err := h.dir.ListRooms(c.Request.Context(), page, size, c.Query("search"))
	if err != nil {
		h.logger.Warn("list rooms failed", "request_id", requestIDFromContext(c), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms, "page": page, "size": size})
}

func (h *DirectoryHandler) Users(c *gin.Context) {
	page, size, ok := h.paging(c)
	if !ok {
		return
	}
	users, err := h.dir.ListUsers(c.Request.Context(), page, size, c.Query("search"))
	if err != nil {
		h.logger.Warn("list users failed", "request_id", requestIDFromContext(c), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "page": page, "size": size})
}

func (h *DirectoryHandler) paging(c *gin.Context) (int, int, bool) {
	if h.dir == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory not configured"})
		return 0, 0, false
	}
	page, size, ok := pagingFromQuery(c, defaultDirectoryPageSize)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page or size"})
		return 0, 0, false
	}
	return page, size, true
}
