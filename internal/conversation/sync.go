// Package conversation merges the paginated history of the open
// conversation with its live stream into one ordered, de-duplicated list.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-sync/internal/history"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/transport"
	"chat-sync/internal/unread"
)

var (
	ErrFetchFailed  = errors.New("history fetch failed")
	ErrCancelled    = errors.New("history fetch cancelled")
	ErrEmptyMessage = errors.New("message content is empty")
	ErrNotOpen      = errors.New("no conversation is open")
)

const defaultPageSize = 20

var tracer = otel.Tracer("chat-sync/conversation")

// Subscriber is the part of the subscription registry a room view needs.
type Subscriber interface {
	EnsureSubscribed(key string, h transport.Handler) func()
}

// Ledger is the unread tracker as seen by a private view.
type Ledger interface {
	Slot() *unread.Slot
	MarkAsRead(ctx context.Context, key string) error
}

type Config struct {
	SelfID   string
	SelfName string
	PageSize int
}

// Snapshot is a copy of the view state.
type Snapshot struct {
	Conversation models.Conversation `json:"conversation"`
	Messages     []models.Message    `json:"messages"`
	Cursor       models.PageCursor   `json:"cursor"`
	LoadingOlder bool                `json:"loading_older"`
	LastError    string              `json:"last_error,omitempty"`
}

// Sync is the single on-screen conversation. Opening another conversation
// cancels everything still in flight for the previous one.
type Sync struct {
	cfg     Config
	conn    transport.Conn
	subs    Subscriber
	ledger  Ledger
	fetcher history.Fetcher
	logger  *slog.Logger

	mu       sync.Mutex
	conv     models.Conversation
	epoch    uint64
	lifetime context.Context
	cancel   context.CancelFunc
	release  func()
	entries  []entry
	seen     map[string]struct{}
	cursor   models.PageCursor
	loading  bool
	lastErr  error
	backSeq  int64
	liveSeq  int64
	onChange func(Snapshot)
}

// entry orders messages with equal timestamps: history pages get
// decreasing sequence numbers, live deliveries increasing ones.
type entry struct {
	msg models.Message
	seq int64
}

func New(cfg Config, conn transport.Conn, subs Subscriber, ledger Ledger, fetcher history.Fetcher, logger *slog.Logger) *Sync {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{
		cfg:     cfg,
		conn:    conn,
		subs:    subs,
		ledger:  ledger,
		fetcher: fetcher,
		logger:  logger.With("component", "conversation"),
		seen:    make(map[string]struct{}),
		cursor:  models.FirstPage(),
	}
}

// OnChange registers fn to be called with a fresh snapshot after every
// state change. fn runs without any lock held.
func (s *Sync) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open makes conv the current conversation, binds its live stream and
// loads the newest page.
func (s *Sync) Open(ctx context.Context, conv models.Conversation) error {
	if conv.IsZero() {
		return fmt.Errorf("open conversation: empty key")
	}
	if conv.Kind != models.ConversationRoom && conv.Kind != models.ConversationPrivate {
		return fmt.Errorf("open conversation: unknown kind %q", conv.Kind)
	}

	s.mu.Lock()
	prev := s.resetLocked(conv)
	epoch := s.epoch
	s.mu.Unlock()
	if prev != nil {
		prev()
	}

	var release func()
	switch conv.Kind {
	case models.ConversationRoom:
		release = s.subs.EnsureSubscribed(models.RoomTopic(conv.Key), func(body []byte) {
			s.handleRoomPayload(epoch, conv.Key, body)
		})
	case models.ConversationPrivate:
		release = s.ledger.Slot().Claim(func(m models.Message) bool {
			return s.handlePrivateMessage(epoch, conv.Key, m)
		})
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		release()
		return ErrCancelled
	}
	s.release = release
	s.mu.Unlock()

	s.logger.Info("conversation opened", "conversation", conv.String())
	s.notify()

	if conv.Kind == models.ConversationPrivate {
		s.markRead(ctx, conv.Key)
	}
	return s.LoadOlder(ctx)
}

// Close leaves the current conversation. It is safe to call repeatedly.
func (s *Sync) Close() {
	s.mu.Lock()
	if s.conv.IsZero() {
		s.mu.Unlock()
		return
	}
	prev := s.resetLocked(models.Conversation{})
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	s.notify()
}

// resetLocked cancels the current lifetime, bumps the epoch and installs
// empty state for conv. It returns the previous live binding, which the
// caller releases after unlocking.
func (s *Sync) resetLocked(conv models.Conversation) func() {
	if s.cancel != nil {
		s.cancel()
	}
	prev := s.release
	s.release = nil
	s.epoch++
	s.conv = conv
	s.entries = nil
	s.seen = make(map[string]struct{})
	s.cursor = models.FirstPage()
	s.loading = false
	s.lastErr = nil
	s.backSeq = 0
	s.liveSeq = 0
	if conv.IsZero() {
		s.lifetime, s.cancel = nil, nil
	} else {
		s.lifetime, s.cancel = context.WithCancel(context.Background())
	}
	return prev
}

// LoadOlder fetches the next older page. It does nothing when history is
// exhausted, a load is already running, or the last load failed.
func (s *Sync) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.conv.IsZero() {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if !s.cursor.HasMore || s.loading || s.lastErr != nil {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	epoch := s.epoch
	conv := s.conv
	page := s.cursor.NextPage
	fetchCtx, cancel := context.WithCancel(s.lifetime)
	s.mu.Unlock()

	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	s.notify()

	fetchCtx, span := tracer.Start(fetchCtx, "conversation.load_older")
	span.SetAttributes(
		attribute.String("conversation.kind", string(conv.Kind)),
		attribute.String("conversation.key", conv.Key),
		attribute.Int("page", page),
	)
	started := time.Now()
	res, err := s.fetcher.FetchPage(fetchCtx, models.PageRequest{Conversation: conv, Page: page, PageSize: s.cfg.PageSize})
	took := time.Since(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		observability.ObserveHistoryFetch(string(conv.Kind), "stale", took)
		return ErrCancelled
	}
	s.loading = false
	if err != nil {
		if fetchCtx.Err() != nil {
			s.mu.Unlock()
			observability.ObserveHistoryFetch(string(conv.Kind), "cancelled", took)
			s.notify()
			return ErrCancelled
		}
		s.lastErr = fmt.Errorf("%w: %v", ErrFetchFailed, err)
		failure := s.lastErr
		s.mu.Unlock()
		observability.ObserveHistoryFetch(string(conv.Kind), "error", took)
		s.logger.Warn("history fetch failed", "conversation", conv.String(), "page", page, "error", err)
		s.notify()
		return failure
	}

	added := s.prependLocked(res.Messages)
	next := res.NextPage
	if next <= 0 {
		next = page + 1
	}
	s.cursor = models.PageCursor{NextPage: next, HasMore: res.HasMore}
	s.mu.Unlock()

	observability.ObserveHistoryFetch(string(conv.Kind), "ok", took)
	s.logger.Debug("history page loaded", "conversation", conv.String(), "page", page,
		"received", len(res.Messages), "added", added, "has_more", res.HasMore)
	s.notify()
	return nil
}

// Retry clears a failed load and tries again.
func (s *Sync) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.conv.IsZero() {
		s.mu.Unlock()
		return ErrNotOpen
	}
	s.lastErr = nil
	s.mu.Unlock()
	return s.LoadOlder(ctx)
}

// Send publishes content to the current conversation. Delivery is
// confirmed by the server echo on the live stream.
func (s *Sync) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv.IsZero() {
		return ErrNotOpen
	}
	if s.conn.State() != transport.StateConnected {
		return transport.ErrNotConnected
	}

	var (
		destination string
		payload     []byte
		err         error
	)
	id := uuid.NewString()
	switch conv.Kind {
	case models.ConversationRoom:
		destination = models.RoomSendDestination(conv.Key)
		payload, err = json.Marshal(models.OutgoingRoomMessage{
			ID:       id,
			Sender:   s.cfg.SelfName,
			SenderID: s.cfg.SelfID,
			Content:  content,
			Type:     models.KindChat,
		})
	default:
		destination = models.PrivateSendDestination(conv.Key)
		payload, err = json.Marshal(models.OutgoingPrivateMessage{
			ID:        id,
			Sender:    s.cfg.SelfName,
			SenderID:  s.cfg.SelfID,
			Content:   content,
			Timestamp: time.Now().UTC(),
		})
	}
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.conn.Publish(ctx, destination, payload); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	observability.ObserveMessage("outgoing", "sent")
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Sync) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Sync) snapshotLocked() Snapshot {
	snap := Snapshot{
		Conversation: s.conv,
		Messages:     make([]models.Message, len(s.entries)),
		Cursor:       s.cursor,
		LoadingOlder: s.loading,
	}
	for i, e := range s.entries {
		snap.Messages[i] = e.msg
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

func (s *Sync) notify() {
	s.mu.Lock()
	fn := s.onChange
	var snap Snapshot
	if fn != nil {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (s *Sync) handleRoomPayload(epoch uint64, roomID string, body []byte) {
	msg, err := models.DecodeRoomMessage(body, roomID)
	if err != nil {
		observability.IncParseFailure("room")
		observability.ObserveMessage("live", "parse_failed")
		s.logger.Warn("dropping room message", "room", roomID, "error", err)
		return
	}
	s.appendLive(epoch, msg)
}

// handlePrivateMessage takes messages of the open private conversation
// and leaves the rest to the unread tracker.
func (s *Sync) handlePrivateMessage(epoch uint64, peerID string, m models.Message) bool {
	if m.ConversationKey != peerID {
		return false
	}
	if !s.appendLive(epoch, m) {
		return false
	}
	if m.SenderID != s.cfg.SelfID {
		s.markRead(context.Background(), peerID)
	}
	return true
}

// appendLive adds a pushed message unless it is already known. It reports
// false when the message belongs to a conversation that is no longer open.
func (s *Sync) appendLive(epoch uint64, m models.Message) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	key := m.DedupeKey()
	if _, dup := s.seen[key]; dup && key != "" {
		s.mu.Unlock()
		observability.ObserveMessage("live", "duplicate")
		return true
	}
	s.liveSeq++
	s.insertLocked(entry{msg: m, seq: s.liveSeq})
	s.sortLocked()
	s.mu.Unlock()

	observability.ObserveMessage("live", "appended")
	s.notify()
	return true
}

// prependLocked merges an older page, skipping known messages, and
// returns how many were added.
func (s *Sync) prependLocked(msgs []models.Message) int {
	fresh := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		key := m.DedupeKey()
		if _, dup := s.seen[key]; dup && key != "" {
			observability.ObserveMessage("history", "duplicate")
			continue
		}
		if key != "" {
			s.seen[key] = struct{}{}
		}
		fresh = append(fresh, m)
		observability.ObserveMessage("history", "appended")
	}
	base := s.backSeq - int64(len(fresh))
	for i, m := range fresh {
		s.entries = append(s.entries, entry{msg: m, seq: base + int64(i)})
	}
	s.backSeq = base
	s.sortLocked()
	return len(fresh)
}

func (s *Sync) insertLocked(e entry) {
	if key := e.msg.DedupeKey(); key != "" {
		s.seen[key] = struct{}{}
	}
	s.entries = append(s.entries, e)
}

func (s *Sync) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		a, b := s.entries[i], s.entries[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
}

func (s *Sync) markRead(ctx context.Context, peerID string) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.MarkAsRead(ctx, peerID); err != nil {
		s.logger.Debug("read receipt not sent", "peer", peerID, "error", err)
	}
}
