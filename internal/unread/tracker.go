// Package unread keeps the unread ledger for private conversations that
// are not on screen and emits read receipts.
package unread

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/transport"
)

// Subscriber is the part of the subscription registry the tracker needs.
type Subscriber interface {
	EnsureSubscribed(key string, h transport.Handler) func()
}

// Publisher sends payloads over the broker connection.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload []byte) error
}

type Tracker struct {
	selfID    string
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	slot      *Slot

	mu      sync.Mutex
	entries map[string]*models.UnreadEntry
	release func()
}

func NewTracker(selfID string, publisher Publisher, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		selfID:    selfID,
		publisher: publisher,
		logger:    logger.With("component", "unread"),
		now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[string]*models.UnreadEntry),
	}
	t.slot = NewSlot(t.HandleMessage)
	return t
}

// Slot is where an open private conversation claims incoming messages.
func (t *Tracker) Slot() *Slot { return t.slot }

// Start subscribes the local user's private queue and routes every decoded
// message through the slot. Calling it again is a no-op.
func (t *Tracker) Start(sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.release != nil {
		return
	}
	t.release = sub.EnsureSubscribed(models.PrivateQueue(t.selfID), t.handleRaw)
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	release := t.release
	t.release = nil
	t.mu.Unlock()
	if release != nil {
		release()
	}
}

func (t *Tracker) handleRaw(body []byte) {
	msg, err := models.DecodePrivateMessage(body, t.selfID)
	if err != nil {
		observability.IncParseFailure("private")
		observability.ObserveMessage("private", "parse_failed")
		t.logger.Warn("dropping private message", "error", err)
		return
	}
	t.slot.Dispatch(msg)
}

// HandleMessage records a private message nobody on screen consumed.
// Messages sent by the local user are ignored.
func (t *Tracker) HandleMessage(m models.Message) bool {
	if m.SenderID == t.selfID {
		return true
	}
	t.mu.Lock()
	e, ok := t.entries[m.SenderID]
	if !ok {
		e = &models.UnreadEntry{ConversationKey: m.SenderID}
		t.entries[m.SenderID] = e
	}
	e.Count++
	e.SenderName = m.SenderName
	e.LastMessage = m.Content
	e.UpdatedAt = t.now()
	total := t.totalLocked()
	t.mu.Unlock()

	observability.ObserveMessage("private", "unread")
	observability.SetUnreadTotal(total)
	return true
}

// MarkAsRead clears the entry for key and tells the peer the conversation
// was viewed. A receipt is sent even when there was nothing unread.
func (t *Tracker) MarkAsRead(ctx context.Context, key string) error {
	t.mu.Lock()
	delete(t.entries, key)
	total := t.totalLocked()
	t.mu.Unlock()
	observability.SetUnreadTotal(total)

	if t.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(models.ReadReceipt{ReaderID: t.selfID, PeerID: key, ReadAt: t.now()})
	if err != nil {
		return fmt.Errorf("encode read receipt: %w", err)
	}
	if err := t.publisher.Publish(ctx, models.ReadReceiptDestination(key), payload); err != nil {
		return fmt.Errorf("publish read receipt: %w", err)
	}
	observability.IncReadReceipt()
	return nil
}

// Entry returns a copy of the entry for key.
func (t *Tracker) Entry(key string) (models.UnreadEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return models.UnreadEntry{}, false
	}
	return *e, true
}

// Entries returns the ledger, most recently updated first.
func (t *Tracker) Entries() []models.UnreadEntry {
	t.mu.Lock()
	out := make([]models.UnreadEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ConversationKey < out[j].ConversationKey
	})
	return out
}

func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalLocked()
}

func (t *Tracker) totalLocked() int {
	n := 0
	for _, e := range t.entries {
		n += e.Count
	}
	return n
}
