package registry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
)

const roomKey = "/topic/room/5"

func newConnected(t *testing.T, cfg Config) (*Registry, *mocks.FakeTransport) {
	t.Helper()
	fake := mocks.NewFakeTransport()
	require.NoError(t, fake.Connect(context.Background()))
	reg := New(fake, cfg, nil)
	t.Cleanup(reg.Close)
	return reg, fake
}

func TestEnsureSubscribedSharesOneNetworkSubscription(t *testing.T) {
	reg, fake := newConnected(t, Config{})

	release1 := reg.EnsureSubscribed(roomKey, func([]byte) {})
	release2 := reg.EnsureSubscribed(roomKey, func([]byte) {})

	assert.Equal(t, 1, fake.SubscribeCalls(roomKey))
	assert.Equal(t, 1, fake.ActiveSubscriptions(roomKey))

	release1()
	assert.Equal(t, 0, fake.UnsubscribeCalls(roomKey))
	assert.Equal(t, []string{roomKey}, reg.Active())

	release2()
	release2()
	release1()
	assert.Equal(t, 1, fake.UnsubscribeCalls(roomKey))
	assert.Equal(t, 0, fake.ActiveSubscriptions(roomKey))
	assert.Empty(t, reg.Wanted())
}

func TestDispatchGoesToMostRecentRegistration(t *testing.T) {
	reg, fake := newConnected(t, Config{})

	var first, second []string
	releaseFirst := reg.EnsureSubscribed(roomKey, func(b []byte) { first = append(first, string(b)) })
	releaseSecond := reg.EnsureSubscribed(roomKey, func(b []byte) { second = append(second, string(b)) })

	fake.Deliver(roomKey, []byte("a"))
	assert.Empty(t, first)
	assert.Equal(t, []string{"a"}, second)

	releaseSecond()
	fake.Deliver(roomKey, []byte("b"))
	assert.Equal(t, []string{"b"}, first)
	assert.Equal(t, []string{"a"}, second)

	releaseFirst()
	assert.Equal(t, 0, fake.Deliver(roomKey, []byte("c")))
}

func TestReleasingOlderRegistrationKeepsNewerTarget(t *testing.T) {
	reg, fake := newConnected(t, Config{})

	var got []string
	releaseOld := reg.EnsureSubscribed(roomKey, func([]byte) { got = append(got, "old") })
	reg.EnsureSubscribed(roomKey, func([]byte) { got = append(got, "new") })

	releaseOld()
	fake.Deliver(roomKey, []byte("x"))
	assert.Equal(t, []string{"new"}, got)
}

func TestReconnectResubscribesEveryWantedChannel(t *testing.T) {
	reg, fake := newConnected(t, Config{})
	dmKey := "/user/7/queue/dm"

	var delivered int
	reg.EnsureSubscribed(roomKey, func([]byte) { delivered++ })
	reg.EnsureSubscribed(dmKey, func([]byte) {})

	fake.SimulateDrop(errors.New("network down"))
	assert.Empty(t, reg.Active())
	assert.Equal(t, []string{dmKey, roomKey}, reg.Wanted())

	fake.SimulateReconnect()
	assert.Equal(t, []string{dmKey, roomKey}, reg.Active())
	assert.Equal(t, 2, fake.SubscribeCalls(roomKey))
	assert.Equal(t, 1, fake.ActiveSubscriptions(roomKey))

	fake.Deliver(roomKey, []byte("{}"))
	assert.Equal(t, 1, delivered)
}

func TestReleaseWhileDisconnectedIsNotRestored(t *testing.T) {
	reg, fake := newConnected(t, Config{})

	release := reg.EnsureSubscribed(roomKey, func([]byte) {})
	fake.SimulateDrop(errors.New("network down"))
	release()
	fake.SimulateReconnect()

	assert.Equal(t, 1, fake.SubscribeCalls(roomKey))
	assert.Equal(t, 0, fake.ActiveSubscriptions(roomKey))
}

func TestSubscribeBeforeConnectActivatesOnConnect(t *testing.T) {
	fake := mocks.NewFakeTransport()
	reg := New(fake, Config{PollInterval: time.Millisecond, PollAttempts: 3}, nil)
	defer reg.Close()

	reg.EnsureSubscribed(roomKey, func([]byte) {})
	assert.Empty(t, reg.Active())
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, fake.Connect(context.Background()))
	assert.Equal(t, []string{roomKey}, reg.Active())
	assert.Equal(t, 1, fake.SubscribeCalls(roomKey))
}

func TestPollRetriesFailedSubscribe(t *testing.T) {
	reg, fake := newConnected(t, Config{PollInterval: 5 * time.Millisecond, PollAttempts: 50})

	fake.SetSubscribeErr(errors.New("broker busy"))
	reg.EnsureSubscribed(roomKey, func([]byte) {})
	assert.Empty(t, reg.Active())

	time.Sleep(20 * time.Millisecond)
	fake.SetSubscribeErr(nil)

	require.Eventually(t, func() bool {
		return fake.ActiveSubscriptions(roomKey) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{roomKey}, reg.Active())
}

func TestPollIsBoundedAndLeavesChannelToReconnect(t *testing.T) {
	reg, fake := newConnected(t, Config{PollInterval: time.Millisecond, PollAttempts: 3})

	fake.SetSubscribeErr(errors.New("broker busy"))
	reg.EnsureSubscribed(roomKey, func([]byte) {})
	time.Sleep(50 * time.Millisecond)

	fake.SetSubscribeErr(nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, fake.ActiveSubscriptions(roomKey))

	fake.SimulateDrop(errors.New("network down"))
	fake.SimulateReconnect()
	assert.Equal(t, 1, fake.ActiveSubscriptions(roomKey))
}

func TestCloseDropsSubscriptions(t *testing.T) {
	fake := mocks.NewFakeTransport()
	require.NoError(t, fake.Connect(context.Background()))
	reg := New(fake, Config{}, nil)

	reg.EnsureSubscribed(roomKey, func([]byte) {})
	reg.Close()

	assert.Equal(t, 0, fake.ActiveSubscriptions(roomKey))
	fake.SimulateDrop(nil)
	fake.SimulateReconnect()
	assert.Equal(t, 1, fake.SubscribeCalls(roomKey))
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExhaustedPollWhileConnectedIsLogged(t *testing.T) {
	fake := mocks.NewFakeTransport()
	require.NoError(t, fake.Connect(context.Background()))
	logs := &logBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	reg := New(fake, Config{PollInterval: time.Millisecond, PollAttempts: 2}, logger)
	t.Cleanup(reg.Close)

	fake.SetSubscribeErr(errors.New("access refused"))
	reg.EnsureSubscribed(roomKey, func([]byte) {})

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "subscription inactive until next connect")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "key="+roomKey)
	assert.Equal(t, []string{roomKey}, reg.Wanted())
	assert.Empty(t, reg.Active())
}
