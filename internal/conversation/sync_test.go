package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/history"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/registry"
	"chat-sync/internal/transport"
	"chat-sync/internal/unread"
)

const selfID = "7"

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fetchFunc func(ctx context.Context, req models.PageRequest) (models.Page, error)

func (f fetchFunc) FetchPage(ctx context.Context, req models.PageRequest) (models.Page, error) {
	return f(ctx, req)
}

type harness struct {
	fake    *mocks.FakeTransport
	reg     *registry.Registry
	tracker *unread.Tracker
	sync    *Sync
}

func newHarness(t *testing.T, fetcher history.Fetcher) *harness {
	t.Helper()
	fake := mocks.NewFakeTransport()
	require.NoError(t, fake.Connect(context.Background()))
	reg := registry.New(fake, registry.Config{}, nil)
	tracker := unread.NewTracker(selfID, fake, nil)
	tracker.Start(reg)
	s := New(Config{SelfID: selfID, SelfName: "me", PageSize: 20}, fake, reg, tracker, fetcher, nil)
	t.Cleanup(func() {
		s.Close()
		tracker.Stop()
		reg.Close()
	})
	return &harness{fake: fake, reg: reg, tracker: tracker, sync: s}
}

// messages builds n messages m-from..m-(from+n-1), one minute apart, oldest first.
func messages(from, n int) []models.Message {
	out := make([]models.Message, n)
	for i := range out {
		idx := from + i
		out[i] = models.Message{
			ID:        fmt.Sprint(idx),
			UUID:      fmt.Sprintf("m-%d", idx),
			SenderID:  "3",
			Content:   fmt.Sprintf("message %d", idx),
			CreatedAt: baseTime.Add(time.Duration(idx) * time.Minute),
			Kind:      models.KindChat,
		}
	}
	return out
}

func onPage(page int) interface{} {
	return mock.MatchedBy(func(req models.PageRequest) bool { return req.Page == page })
}

func uuids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.UUID
	}
	return out
}

func TestOpenLoadsNewestPage(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, onPage(1)).
		Return(models.Page{Messages: messages(15, 20), HasMore: true, NextPage: 2}, nil).Once()
	h := newHarness(t, fetcher)

	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))

	snap := h.sync.Snapshot()
	assert.Equal(t, models.Room("5"), snap.Conversation)
	require.Len(t, snap.Messages, 20)
	assert.Equal(t, "m-15", snap.Messages[0].UUID)
	assert.Equal(t, "m-34", snap.Messages[19].UUID)
	assert.Equal(t, models.PageCursor{NextPage: 2, HasMore: true}, snap.Cursor)
	assert.False(t, snap.LoadingOlder)
	fetcher.AssertExpectations(t)
}

func TestPaginationStopsWhenHistoryIsExhausted(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, onPage(1)).
		Return(models.Page{Messages: messages(15, 20), HasMore: true, NextPage: 2}, nil).Once()
	fetcher.On("FetchPage", mock.Anything, onPage(2)).
		Return(models.Page{Messages: messages(0, 15), HasMore: false, NextPage: 3}, nil).Once()
	h := newHarness(t, fetcher)

	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))
	require.NoError(t, h.sync.LoadOlder(context.Background()))
	require.NoError(t, h.sync.LoadOlder(context.Background()))

	snap := h.sync.Snapshot()
	require.Len(t, snap.Messages, 35)
	assert.Equal(t, "m-0", snap.Messages[0].UUID)
	assert.Equal(t, "m-34", snap.Messages[34].UUID)
	assert.False(t, snap.Cursor.HasMore)
	fetcher.AssertNumberOfCalls(t, "FetchPage", 2)
}

func TestLiveAndHistoryAreDeduplicated(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, onPage(1)).
		Return(models.Page{Messages: messages(10, 5), HasMore: true, NextPage: 2}, nil).Once()
	fetcher.On("FetchPage", mock.Anything, onPage(2)).
		Return(models.Page{Messages: messages(5, 6), HasMore: false, NextPage: 3}, nil).Once()
	h := newHarness(t, fetcher)

	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))

	// an echo of a message already on screen, and a brand new one
	h.fake.Deliver("/topic/room/5", []byte(`{"id":14,"uuid":"m-14","content":"message 14","timestamp":"2024-03-01T12:14:00Z"}`))
	h.fake.Deliver("/topic/room/5", []byte(`{"id":20,"uuid":"m-20","content":"message 20","timestamp":"2024-03-01T12:20:00Z"}`))
	h.fake.Deliver("/topic/room/5", []byte(`{"id":20,"uuid":"m-20","content":"message 20","timestamp":"2024-03-01T12:20:00Z"}`))

	// page 2 overlaps page 1 by one message after a shift
	require.NoError(t, h.sync.LoadOlder(context.Background()))

	snap := h.sync.Snapshot()
	assert.Equal(t, []string{"m-5", "m-6", "m-7", "m-8", "m-9", "m-10", "m-11", "m-12", "m-13", "m-14", "m-20"}, uuids(snap.Messages))
}

func TestEqualTimestampsKeepHistoryBeforeLiveAndArrivalOrder(t *testing.T) {
	same := baseTime
	page := []models.Message{
		{UUID: "h-1", CreatedAt: same},
		{UUID: "h-2", CreatedAt: same},
	}
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, onPage(1)).Return(models.Page{Messages: page, HasMore: false, NextPage: 2}, nil)
	h := newHarness(t, fetcher)
	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))

	ts := same.Format(time.RFC3339)
	h.fake.Deliver("/topic/room/5", []byte(`{"uuid":"l-2","timestamp":"`+ts+`"}`))
	h.fake.Deliver("/topic/room/5", []byte(`{"uuid":"l-1","timestamp":"`+ts+`"}`))

	assert.Equal(t, []string{"h-1", "h-2", "l-2", "l-1"}, uuids(h.sync.Snapshot().Messages))
}

func TestLiveMessageWithEarlierTimestampIsOrdered(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, onPage(1)).Return(models.Page{Messages: messages(0, 3), HasMore: false}, nil)
	h := newHarness(t, fetcher)
	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))

	late := baseTime.Add(90 * time.Second).Format(time.RFC3339)
	h.fake.Deliver("/topic/room/5", []byte(`{"uuid":"late","timestamp":"`+late+`"}`))

	assert.Equal(t, []string{"m-0", "m-1", "late", "m-2"}, uuids(h.sync.Snapshot().Messages))
}

func TestMalformedLivePayloadIsDropped(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, onPage(1)).Return(models.Page{HasMore: false}, nil)
	h := newHarness(t, fetcher)
	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))

	h.fake.Deliver("/topic/room/5", []byte(`{{{`))
	h.fake.Deliver("/topic/room/5", []byte(`{"content":"no identity"}`))
	h.fake.Deliver("/topic/room/5", []byte(`{"uuid":"ok"}`))

	assert.Equal(t, []string{"ok"}, uuids(h.sync.Snapshot().Messages))
}

func TestFetchFailureIsNotRetriedAutomatically(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, onPage(1)).Return(models.Page{}, errors.New("503 from backend")).Once()
	h := newHarness(t, fetcher)

	err := h.sync.Open(context.Background(), models.Room("5"))
	require.ErrorIs(t, err, ErrFetchFailed)
	snap := h.sync.Snapshot()
	assert.Contains(t, snap.LastError, "503 from backend")
	assert.False(t, snap.LoadingOlder)

	require.NoError(t, h.sync.LoadOlder(context.Background()))
	fetcher.AssertNumberOfCalls(t, "FetchPage", 1)

	fetcher.On("FetchPage", mock.Anything, onPage(1)).
		Return(models.Page{Messages: messages(0, 2), HasMore: false, NextPage: 2}, nil).Once()
	require.NoError(t, h.sync.Retry(context.Background()))

	snap = h.sync.Snapshot()
	assert.Empty(t, snap.LastError)
	assert.Len(t, snap.Messages, 2)
	fetcher.AssertNumberOfCalls(t, "FetchPage", 2)
}

func TestSwitchingConversationCancelsInFlightFetch(t *testing.T) {
	started := make(chan struct{})
	fetcher := fetchFunc(func(ctx context.Context, req models.PageRequest) (models.Page, error) {
		if req.Conversation.Key == "A" {
			close(started)
			<-ctx.Done()
			return models.Page{}, ctx.Err()
		}
		return models.Page{Messages: messages(0, 3), HasMore: false}, nil
	})
	h := newHarness(t, fetcher)

	resA := make(chan error, 1)
	go func() { resA <- h.sync.Open(context.Background(), models.Room("A")) }()
	<-started

	require.NoError(t, h.sync.Open(context.Background(), models.Room("B")))

	select {
	case err := <-resA:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("fetch for A was not cancelled")
	}

	snap := h.sync.Snapshot()
	assert.Equal(t, models.Room("B"), snap.Conversation)
	assert.Len(t, snap.Messages, 3)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, 0, h.fake.ActiveSubscriptions("/topic/room/A"))
}

func TestStaleCompletionIsDiscarded(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	fetcher := fetchFunc(func(ctx context.Context, req models.PageRequest) (models.Page, error) {
		if req.Conversation.Key == "A" {
			close(started)
			<-gate
			return models.Page{Messages: []models.Message{{UUID: "from-A", CreatedAt: baseTime}}, HasMore: true, NextPage: 2}, nil
		}
		return models.Page{Messages: []models.Message{{UUID: "from-B", CreatedAt: baseTime}}, HasMore: false}, nil
	})
	h := newHarness(t, fetcher)

	resA := make(chan error, 1)
	go func() { resA <- h.sync.Open(context.Background(), models.Room("A")) }()
	<-started
	require.NoError(t, h.sync.Open(context.Background(), models.Room("B")))
	close(gate)

	assert.ErrorIs(t, <-resA, ErrCancelled)
	snap := h.sync.Snapshot()
	assert.Equal(t, []string{"from-B"}, uuids(snap.Messages))
	assert.False(t, snap.Cursor.HasMore)
}

func TestCallerCancellationLeavesNoErrorState(t *testing.T) {
	calls := 0
	fetcher := fetchFunc(func(ctx context.Context, req models.PageRequest) (models.Page, error) {
		calls++
		if req.Page == 1 {
			return models.Page{Messages: messages(10, 2), HasMore: true, NextPage: 2}, nil
		}
		<-ctx.Done()
		return models.Page{}, ctx.Err()
	})
	h := newHarness(t, fetcher)
	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.sync.LoadOlder(ctx), ErrCancelled)

	snap := h.sync.Snapshot()
	assert.Empty(t, snap.LastError)
	assert.False(t, snap.LoadingOlder)
	assert.Equal(t, models.PageCursor{NextPage: 2, HasMore: true}, snap.Cursor)
	assert.Equal(t, 2, calls)
}

func TestLoadOlderIsSingleFlight(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	calls := 0
	fetcher := fetchFunc(func(ctx context.Context, req models.PageRequest) (models.Page, error) {
		calls++
		if req.Page == 2 {
			close(started)
			<-gate
		}
		return models.Page{Messages: messages(100-req.Page*10, 10), HasMore: true}, nil
	})
	h := newHarness(t, fetcher)
	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))

	done := make(chan error, 1)
	go func() { done <- h.sync.LoadOlder(context.Background()) }()
	<-started

	assert.True(t, h.sync.Snapshot().LoadingOlder)
	require.NoError(t, h.sync.LoadOlder(context.Background()))
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 3, h.sync.Snapshot().Cursor.NextPage)
}

func TestSendValidatesAndPublishes(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, mock.Anything).Return(models.Page{HasMore: false}, nil)
	h := newHarness(t, fetcher)

	assert.ErrorIs(t, h.sync.Send(context.Background(), "hello"), ErrNotOpen)

	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))
	assert.ErrorIs(t, h.sync.Send(context.Background(), "   "), ErrEmptyMessage)
	require.NoError(t, h.sync.Send(context.Background(), "hello room"))

	require.NoError(t, h.sync.Open(context.Background(), models.Private("3")))
	require.NoError(t, h.sync.Send(context.Background(), "hello you"))

	var sends []mocks.PublishedMessage
	for _, p := range h.fake.Published() {
		if p.Destination != "/app/chat.read.3" {
			sends = append(sends, p)
		}
	}
	require.Len(t, sends, 2)
	assert.Equal(t, "/app/chat.room.5", sends[0].Destination)
	var room models.OutgoingRoomMessage
	require.NoError(t, json.Unmarshal(sends[0].Payload, &room))
	assert.Equal(t, "hello room", room.Content)
	assert.Equal(t, "me", room.Sender)
	assert.Equal(t, models.KindChat, room.Type)
	assert.NotEmpty(t, room.ID)

	assert.Equal(t, "/app/chat.private.3", sends[1].Destination)
	var dm models.OutgoingPrivateMessage
	require.NoError(t, json.Unmarshal(sends[1].Payload, &dm))
	assert.Equal(t, "hello you", dm.Content)
	assert.NotEqual(t, room.ID, dm.ID)
}

func TestSendWhileDisconnected(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, mock.Anything).Return(models.Page{HasMore: false}, nil)
	h := newHarness(t, fetcher)
	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))

	h.fake.SimulateDrop(errors.New("offline"))
	err := h.sync.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Empty(t, h.fake.Published())
}

func TestRoomSubscriptionFollowsTheOpenConversation(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, mock.Anything).Return(models.Page{HasMore: false}, nil)
	h := newHarness(t, fetcher)

	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))
	assert.Equal(t, 1, h.fake.ActiveSubscriptions("/topic/room/5"))

	require.NoError(t, h.sync.Open(context.Background(), models.Room("6")))
	assert.Equal(t, 0, h.fake.ActiveSubscriptions("/topic/room/5"))
	assert.Equal(t, 0, h.fake.Deliver("/topic/room/5", []byte(`{"uuid":"x"}`)))

	h.fake.SimulateDrop(errors.New("blip"))
	h.fake.SimulateReconnect()
	h.fake.Deliver("/topic/room/6", []byte(`{"uuid":"after-reconnect"}`))
	assert.Equal(t, []string{"after-reconnect"}, uuids(h.sync.Snapshot().Messages))

	h.sync.Close()
	h.sync.Close()
	assert.Equal(t, 0, h.fake.ActiveSubscriptions("/topic/room/6"))
	assert.True(t, h.sync.Snapshot().Conversation.IsZero())
	assert.ErrorIs(t, h.sync.LoadOlder(context.Background()), ErrNotOpen)
}

func TestPrivateConversationClaimsMessagesAndMarksRead(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, mock.Anything).Return(models.Page{HasMore: false}, nil)
	h := newHarness(t, fetcher)
	queue := models.PrivateQueue(selfID)

	h.fake.Deliver(queue, []byte(`{"uuid":"u1","senderId":"3","receiverId":"7","content":"before"}`))
	entry, ok := h.tracker.Entry("3")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Count)

	require.NoError(t, h.sync.Open(context.Background(), models.Private("3")))
	_, ok = h.tracker.Entry("3")
	assert.False(t, ok, "opening the conversation marks it read")

	h.fake.Deliver(queue, []byte(`{"uuid":"u2","senderId":"3","receiverId":"7","content":"while open"}`))
	h.fake.Deliver(queue, []byte(`{"uuid":"u3","senderId":"7","receiverId":"3","content":"my echo"}`))
	h.fake.Deliver(queue, []byte(`{"uuid":"u4","senderId":"5","receiverId":"7","content":"someone else"}`))

	assert.Equal(t, []string{"u2", "u3"}, uuids(h.sync.Snapshot().Messages))
	assert.Equal(t, 0, func() int { e, _ := h.tracker.Entry("3"); return e.Count }())
	other, ok := h.tracker.Entry("5")
	require.True(t, ok)
	assert.Equal(t, 1, other.Count)

	receipts := 0
	for _, p := range h.fake.Published() {
		if p.Destination == "/app/chat.read.3" {
			receipts++
		}
	}
	assert.Equal(t, 2, receipts)

	h.sync.Close()
	h.fake.Deliver(queue, []byte(`{"uuid":"u5","senderId":"3","receiverId":"7","content":"after close"}`))
	entry, ok = h.tracker.Entry("3")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Count)
}

func TestRapidNavigationKeepsNewestClaim(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, mock.Anything).Return(models.Page{HasMore: false}, nil)
	h := newHarness(t, fetcher)
	queue := models.PrivateQueue(selfID)

	require.NoError(t, h.sync.Open(context.Background(), models.Private("3")))
	require.NoError(t, h.sync.Open(context.Background(), models.Private("4")))
	require.NoError(t, h.sync.Open(context.Background(), models.Private("3")))
	assert.Equal(t, 1, h.tracker.Slot().Claims())

	h.fake.Deliver(queue, []byte(`{"uuid":"x","senderId":"3","receiverId":"7"}`))
	h.fake.Deliver(queue, []byte(`{"uuid":"y","senderId":"4","receiverId":"7"}`))

	assert.Equal(t, []string{"x"}, uuids(h.sync.Snapshot().Messages))
	entry, ok := h.tracker.Entry("4")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Count)
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	fetcher := &mocks.FetcherMock{}
	fetcher.On("FetchPage", mock.Anything, mock.Anything).Return(models.Page{Messages: messages(0, 1), HasMore: false}, nil)
	h := newHarness(t, fetcher)

	var snaps []Snapshot
	h.sync.OnChange(func(s Snapshot) { snaps = append(snaps, s) })
	require.NoError(t, h.sync.Open(context.Background(), models.Room("5")))

	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Len(t, last.Messages, 1)
	assert.False(t, last.LoadingOlder)
}

func TestOpenRejectsBadConversation(t *testing.T) {
	h := newHarness(t, &mocks.FetcherMock{})
	assert.Error(t, h.sync.Open(context.Background(), models.Conversation{Kind: models.ConversationRoom}))
	assert.Error(t, h.sync.Open(context.Background(), models.Conversation{Kind: "channel", Key: "1"}))
}
