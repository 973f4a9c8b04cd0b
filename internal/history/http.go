package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// ErrUnauthorized is returned when the backend rejects the credential.
var ErrUnauthorized = errors.New("backend rejected credential")

const defaultHTTPTimeout = 15 * time.Second

type HTTPConfig struct {
	BaseURL    string
	Credential string
	SelfID     string
	Timeout    time.Duration
}

// HTTPClient reads history and the directory from the backend REST API.
type HTTPClient struct {
	base       string
	credential string
	selfID     string
	client     *http.Client
	logger     *slog.Logger
}

var (
	_ Fetcher   = (*HTTPClient)(nil)
	_ Directory = (*HTTPClient)(nil)
)

func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		credential: cfg.Credential,
		selfID:     cfg.SelfID,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "history-http"),
	}
}

// springPage is the paged envelope the backend wraps every listing in.
type springPage[T any] struct {
	Data struct {
		Content       []T  `json:"content"`
		Last          bool `json:"last"`
		TotalElements int  `json:"totalElements"`
	} `json:"data"`
}

func (c *HTTPClient) FetchPage(ctx context.Context, req models.PageRequest) (models.Page, error) {
	var path string
	switch req.Conversation.Kind {
	case models.ConversationRoom:
		path = "/api/message/room/" + url.PathEscape(req.Conversation.Key)
	case models.ConversationPrivate:
		path = "/api/message/private/" + url.PathEscape(req.Conversation.Key)
	default:
		return models.Page{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Conversation.Kind)
	}

	var body springPage[models.WireMessage]
	if err := c.getJSON(ctx, path, pageQuery(req.Page, req.PageSize, ""), &body); err != nil {
		return models.Page{}, err
	}

	now := time.Now().UTC()
	msgs := make([]models.Message, 0, len(body.Data.Content))
	for _, w := range body.Data.Content {
		var (
			msg models.Message
			err error
		)
		if req.Conversation.Kind == models.ConversationRoom {
			msg, err = w.ToRoomMessage(req.Conversation.Key, now)
		} else {
			msg, err = w.ToPrivateMessage(c.selfID, now)
		}
		if err != nil {
			observability.IncParseFailure("history")
			c.logger.Warn("skipping history item", "conversation", req.Conversation.String(), "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	return models.Page{
		Messages: msgs,
		HasMore:  !body.Data.Last,
		NextPage: req.Page + 1,
		Total:    body.Data.TotalElements,
	}, nil
}

type roomDTO struct {
	ID          models.FlexID `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	MemberCount int           `json:"memberCount"`
	Type        string        `json:"type"`
}

type userDTO struct {
	ID       models.FlexID `json:"id"`
	UserName string        `json:"userName"`
	Username string        `json:"username"`
	Email    string        `json:"email"`
}

func (c *HTTPClient) ListRooms(ctx context.Context, page, size int, search string) ([]models.RoomSummary, error) {
	var body springPage[roomDTO]
	if err := c.getJSON(ctx, "/api/room/filter", pageQuery(page, size, search), &body); err != nil {
		return nil, err
	}
	rooms := make([]models.RoomSummary, 0, len(body.Data.Content))
	for _, r := range body.Data.Content {
		rooms = append(rooms, models.RoomSummary{
			ID:          string(r.ID),
			Name:        r.Name,
			Description: r.Description,
			MemberCount: r.MemberCount,
			Type:        r.Type,
		})
	}
	return rooms, nil
}

func (c *HTTPClient) ListUsers(ctx context.Context, page, size int, search string) ([]models.UserSummary, error) {
	var body springPage[userDTO]
	if err := c.getJSON(ctx, "/api/users", pageQuery(page, size, search), &body); err != nil {
		return nil, err
	}
	users := make([]models.UserSummary, 0, len(body.Data.Content))
	for _, u := range body.Data.Content {
		name := u.UserName
		if name == "" {
			name = u.Username
		}
		users = append(users, models.UserSummary{ID: string(u.ID), UserName: name, Email: u.Email})
	}
	return users, nil
}

func pageQuery(page, size int, search string) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	if s := strings.TrimSpace(search); s != "" {
		q.Set("search", s)
	}
	return q
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("GET %s: %w", path, ErrUnauthorized)
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
