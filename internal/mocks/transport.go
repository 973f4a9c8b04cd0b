package mocks

import (
	"context"
	"sync"

	"chat-sync/internal/transport"
)

// PublishedMessage is one payload recorded by FakeTransport.Publish.
type PublishedMessage struct {
	Destination string
	Payload     []byte
}

// FakeTransport is an in-memory broker connection. Lifecycle changes and
// deliveries run synchronously on the calling goroutine.
type FakeTransport struct {
	listeners transport.Listeners

	mu           sync.Mutex
	state        transport.State
	nextID       int
	subs         map[int]*fakeSubscription
	subscribeErr error
	subscribes   map[string]int
	unsubscribes map[string]int
	published    []PublishedMessage
}

var _ transport.Conn = (*FakeTransport)(nil)

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		subs:         make(map[int]*fakeSubscription),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
	}
}

func (f *FakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == transport.StateConnected {
		f.mu.Unlock()
		return nil
	}
	f.state = transport.StateConnected
	f.mu.Unlock()
	f.listeners.NotifyConnect()
	return nil
}

func (f *FakeTransport) Disconnect() {
	f.mu.Lock()
	if f.state == transport.StateDisconnected {
		f.mu.Unlock()
		return
	}
	f.state = transport.StateDisconnected
	f.subs = make(map[int]*fakeSubscription)
	f.mu.Unlock()
	f.listeners.NotifyDisconnect(nil)
}

// SimulateDrop kills the connection the way a network failure would.
func (f *FakeTransport) SimulateDrop(err error) {
	f.mu.Lock()
	f.state = transport.StateReconnecting
	f.subs = make(map[int]*fakeSubscription)
	f.mu.Unlock()
	f.listeners.NotifyDisconnect(err)
}

// SimulateReconnect completes a pending reconnect.
func (f *FakeTransport) SimulateReconnect() {
	f.mu.Lock()
	f.state = transport.StateConnected
	f.mu.Unlock()
	f.listeners.NotifyConnect()
}

func (f *FakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeTransport) AddListener(l transport.Listener) func() {
	return f.listeners.Add(l)
}

func (f *FakeTransport) Publish(ctx context.Context, destination string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateConnected {
		return transport.ErrNotConnected
	}
	f.published = append(f.published, PublishedMessage{
		Destination: destination,
		Payload:     append([]byte(nil), payload...),
	})
	return nil
}

// SetSubscribeErr makes every following Subscribe call fail with err.
func (f *FakeTransport) SetSubscribeErr(err error) {
	f.mu.Lock()
	f.subscribeErr = err
	f.mu.Unlock()
}

func (f *FakeTransport) Subscribe(destination string, h transport.Handler) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateConnected {
		return nil, transport.ErrNotConnected
	}
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.nextID++
	sub := &fakeSubscription{owner: f, id: f.nextID, destination: destination, handler: h}
	f.subs[sub.id] = sub
	f.subscribes[destination]++
	return sub, nil
}

// Deliver hands body to every live subscription on destination and
// returns how many received it.
func (f *FakeTransport) Deliver(destination string, body []byte) int {
	f.mu.Lock()
	var handlers []transport.Handler
	for id := 1; id <= f.nextID; id++ {
		if sub, ok := f.subs[id]; ok && sub.destination == destination {
			handlers = append(handlers, sub.handler)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(body)
	}
	return len(handlers)
}

// ActiveSubscriptions counts live network subscriptions on destination.
func (f *FakeTransport) ActiveSubscriptions(destination string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.subs {
		if sub.destination == destination {
			n++
		}
	}
	return n
}

// SubscribeCalls counts successful Subscribe calls on destination.
func (f *FakeTransport) SubscribeCalls(destination string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[destination]
}

// UnsubscribeCalls counts network unsubscribes on destination.
func (f *FakeTransport) UnsubscribeCalls(destination string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes[destination]
}

func (f *FakeTransport) Published() []PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PublishedMessage(nil), f.published...)
}

type fakeSubscription struct {
	owner       *FakeTransport
	id          int
	destination string
	handler     transport.Handler
	once        sync.Once
}

func (s *fakeSubscription) Destination() string { return s.destination }

func (s *fakeSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		defer s.owner.mu.Unlock()
		if _, ok := s.owner.subs[s.id]; ok {
			delete(s.owner.subs, s.id)
			s.owner.unsubscribes[s.destination]++
		}
	})
	return nil
}
