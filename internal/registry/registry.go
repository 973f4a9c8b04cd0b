// Package registry keeps one network subscription per channel key on a
// shared transport connection and restores them after every reconnect.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chat-sync/internal/observability"
	"chat-sync/internal/transport"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultPollAttempts = 50
)

type Config struct {
	// PollInterval and PollAttempts bound how long a subscribe request made
	// while disconnected keeps retrying before it is left to the next
	// connect event.
	PollInterval time.Duration
	PollAttempts int
}

type Registry struct {
	conn   transport.Conn
	cfg    Config
	logger *slog.Logger

	ctx            context.Context
	cancel         context.CancelFunc
	removeListener func()

	mu      sync.Mutex
	entries map[string]*entry
	connGen uint64
	nextRef uint64
}

type entry struct {
	key        string
	kind       string
	refs       []*ref
	sub        transport.Subscription
	activating bool
	polling    bool
}

type ref struct {
	id      uint64
	handler transport.Handler
}

func New(conn transport.Conn, cfg Config, logger *slog.Logger) *Registry {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		conn:    conn,
		cfg:     cfg,
		logger:  logger.With("component", "registry"),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
	r.removeListener = conn.AddListener(transport.Listener{
		OnConnect:    r.onConnect,
		OnDisconnect: r.onDisconnect,
	})
	return r
}

// EnsureSubscribed registers interest in key and routes its deliveries to
// h until the returned function is called. Registering the same key again
// shares the network subscription; the most recent live registration
// receives deliveries. The returned function is idempotent.
func (r *Registry) EnsureSubscribed(key string, h transport.Handler) func() {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{key: key, kind: kindOf(key)}
		r.entries[key] = e
	}
	r.nextRef++
	rf := &ref{id: r.nextRef, handler: h}
	e.refs = append(e.refs, rf)
	inactive := e.sub == nil
	r.mu.Unlock()

	if inactive {
		if err := r.activate(e); err != nil {
			r.startPoll(e)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(e, rf) })
	}
}

// Active lists channel keys with a live network subscription.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for k, e := range r.entries {
		if e.sub != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Wanted lists every registered channel key.
func (r *Registry) Wanted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close drops every subscription and detaches from the transport.
func (r *Registry) Close() {
	r.cancel()
	r.removeListener()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		r.dropSubscription(e)
	}
}

func (r *Registry) release(e *entry, rf *ref) {
	r.mu.Lock()
	for i, cur := range e.refs {
		if cur == rf {
			e.refs = append(e.refs[:i], e.refs[i+1:]...)
			break
		}
	}
	if len(e.refs) > 0 {
		r.mu.Unlock()
		return
	}
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()
	r.dropSubscription(e)
}

func (r *Registry) dropSubscription(e *entry) {
	r.mu.Lock()
	sub := e.sub
	e.sub = nil
	r.mu.Unlock()
	if sub == nil {
		return
	}
	observability.DecSubscriptions(e.kind)
	if err := sub.Unsubscribe(); err != nil {
		r.logger.Warn("unsubscribe failed", "key", e.key, "error", err)
	}
}

// activate subscribes e on the current connection. The lock is never held
// across the transport call; a result that raced with a connection change
// or a release is discarded.
func (r *Registry) activate(e *entry) error {
	for {
		r.mu.Lock()
		if r.entries[e.key] != e || e.sub != nil || e.activating {
			r.mu.Unlock()
			return nil
		}
		e.activating = true
		gen := r.connGen
		r.mu.Unlock()

		sub, err := r.conn.Subscribe(e.key, func(body []byte) { r.dispatch(e, body) })

		r.mu.Lock()
		e.activating = false
		if err != nil {
			r.mu.Unlock()
			return err
		}
		if r.entries[e.key] != e {
			r.mu.Unlock()
			_ = sub.Unsubscribe()
			return nil
		}
		if r.connGen != gen {
			r.mu.Unlock()
			_ = sub.Unsubscribe()
			continue
		}
		e.sub = sub
		r.mu.Unlock()

		observability.IncSubscriptions(e.kind)
		r.logger.Debug("subscribed", "key", e.key)
		return nil
	}
}

func (r *Registry) startPoll(e *entry) {
	r.mu.Lock()
	if e.polling {
		r.mu.Unlock()
		return
	}
	e.polling = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			e.polling = false
			r.mu.Unlock()
		}()
		op := func() error {
			r.mu.Lock()
			done := r.entries[e.key] != e || e.sub != nil
			r.mu.Unlock()
			if done {
				return nil
			}
			if r.conn.State() != transport.StateConnected {
				return transport.ErrNotConnected
			}
			return r.activate(e)
		}
		b := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.PollInterval), uint64(r.cfg.PollAttempts)),
			r.ctx,
		)
		if err := backoff.Retry(op, b); err != nil {
			if r.ctx.Err() == nil && r.conn.State() == transport.StateConnected {
				r.logger.Warn("subscription inactive until next connect",
					"key", e.key, "attempts", r.cfg.PollAttempts, "error", err)
				return
			}
			r.logger.Debug("subscribe left to next connect", "key", e.key, "error", err)
		}
	}()
}

func (r *Registry) dispatch(e *entry, body []byte) {
	r.mu.Lock()
	var h transport.Handler
	if n := len(e.refs); n > 0 {
		h = e.refs[n-1].handler
	}
	r.mu.Unlock()
	if h != nil {
		h(body)
	}
}

func (r *Registry) onConnect() {
	r.mu.Lock()
	r.connGen++
	pending := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.sub == nil {
			pending = append(pending, e)
		}
	}
	r.mu.Unlock()

	for _, e := range pending {
		if err := r.activate(e); err != nil {
			r.logger.Warn("resubscribe failed", "key", e.key, "error", err)
			r.startPoll(e)
		}
	}
	if len(pending) > 0 {
		r.logger.Info("resubscribed", "count", len(pending))
	}
}

func (r *Registry) onDisconnect(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connGen++
	for _, e := range r.entries {
		if e.sub != nil {
			e.sub = nil
			observability.DecSubscriptions(e.kind)
		}
	}
}

func kindOf(key string) string {
	switch {
	case strings.HasPrefix(key, "/topic/room/"):
		return "room"
	case strings.HasPrefix(key, "/user/"):
		return "private"
	default:
		return "other"
	}
}
