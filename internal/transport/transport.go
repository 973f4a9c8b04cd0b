// Package transport defines the contract of the single multiplexed broker
// connection shared by every conversation in a session.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrNotConnected is returned by publish and subscribe when there is no live connection.
var ErrNotConnected = errors.New("transport not connected")

// State is the lifecycle state of a connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler receives the raw body of a message delivered on a subscription.
type Handler func(body []byte)

// Subscription is a live network subscription. Unsubscribe is safe to call
// more than once and after the connection that created it has died.
type Subscription interface {
	Destination() string
	Unsubscribe() error
}

// Listener receives lifecycle notifications. Any field may be nil.
// OnConnect fires after every successful (re)connect.
type Listener struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnError      func(err error)
}

// Conn is one connection to the message broker. It does not remember
// subscriptions across reconnects; that is the registry's job.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() State
	Publish(ctx context.Context, destination string, payload []byte) error
	Subscribe(destination string, h Handler) (Subscription, error)
	AddListener(l Listener) (remove func())
}

// Listeners is a small helper that connection implementations embed to fan
// lifecycle events out to registered listeners.
type Listeners struct {
	mu     sync.Mutex
	nextID int
	items  map[int]Listener
}

// Add registers l and returns a function that removes it.
func (ls *Listeners) Add(l Listener) func() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.items == nil {
		ls.items = make(map[int]Listener)
	}
	id := ls.nextID
	ls.nextID++
	ls.items[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			delete(ls.items, id)
			ls.mu.Unlock()
		})
	}
}

func (ls *Listeners) snapshot() []Listener {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]Listener, 0, len(ls.items))
	for i := 0; i < ls.nextID; i++ {
		if l, ok := ls.items[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

// NotifyConnect calls every OnConnect in registration order.
func (ls *Listeners) NotifyConnect() {
	for _, l := range ls.snapshot() {
		if l.OnConnect != nil {
			l.OnConnect()
		}
	}
}

// NotifyDisconnect calls every OnDisconnect in registration order.
func (ls *Listeners) NotifyDisconnect(err error) {
	for _, l := range ls.snapshot() {
		if l.OnDisconnect != nil {
			l.OnDisconnect(err)
		}
	}
}

// NotifyError calls every OnError in registration order.
func (ls *Listeners) NotifyError(err error) {
	for _, l := range ls.snapshot() {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}
