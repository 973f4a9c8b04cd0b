// Package rabbitmq binds the broker connection to an AMQP topic exchange.
// Destinations map onto routing keys, so /topic/room/5 becomes
// topic.room.5.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"chat-sync/internal/observability"
	"chat-sync/internal/transport"
)

const transportName = "amqp"

const (
	defaultReconnectDelay = 3 * time.Second
	defaultHeartbeat      = 4 * time.Second
)

type Config struct {
	URL               string
	Exchange          string
	UserID            string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
}

// RoutingKey converts a broker destination into an AMQP routing key.
func RoutingKey(destination string) string {
	return strings.ReplaceAll(strings.Trim(destination, "/"), "/", ".")
}

// Transport is a transport.Conn over one AMQP connection. Every
// subscription gets its own channel and an exclusive auto-delete queue.
type Transport struct {
	cfg       Config
	logger    *slog.Logger
	listeners transport.Listeners
	state     atomic.Int32

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	conn    connection
	dial    func() (connection, *amqp.Channel, error)

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

var _ transport.Conn = (*Transport)(nil)

// connection is the part of *amqp.Connection the transport uses.
type connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

func NewTransport(cfg Config, logger *slog.Logger) *Transport {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{cfg: cfg, logger: logger.With("component", "amqp-transport")}
	t.dial = t.dialBroker
	return t
}

// Connect starts the connection loop and returns immediately. Cancelling
// ctx has the same effect as Disconnect; Connect then waits for the old
// loop to finish before starting a new one.
func (t *Transport) Connect(ctx context.Context) error {
	if t.cfg.URL == "" {
		return errors.New("amqp url is empty")
	}
	for {
		t.mu.Lock()
		if t.done == nil {
			break
		}
		if t.running && t.runCtx.Err() == nil {
			t.mu.Unlock()
			return nil
		}
		done := t.done
		t.mu.Unlock()
		<-done
	}
	defer t.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	t.running = true
	t.runCtx = runCtx
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(runCtx, t.done)
	return nil
}

func (t *Transport) release(done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != done {
		return
	}
	t.cancel()
	t.running = false
	t.runCtx = nil
	t.cancel = nil
	t.done = nil
}

// Disconnect closes the connection and stops reconnecting. It must not be
// called from a listener callback.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
}

func (t *Transport) State() transport.State {
	return transport.State(t.state.Load())
}

func (t *Transport) AddListener(l transport.Listener) func() {
	return t.listeners.Add(l)
}

func (t *Transport) Publish(ctx context.Context, destination string, payload []byte) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if t.State() != transport.StateConnected || t.pubCh == nil {
		t.logger.Warn("publish dropped", "destination", destination, "reason", "not connected")
		return transport.ErrNotConnected
	}
	err := t.pubCh.PublishWithContext(ctx, t.cfg.Exchange, RoutingKey(destination), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

func (t *Transport) Subscribe(destination string, h transport.Handler) (transport.Subscription, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if t.State() != transport.StateConnected || conn == nil {
		return nil, transport.ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	key := RoutingKey(destination)
	if err := ch.QueueBind(q.Name, key, t.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind %s: %w", key, err)
	}
	tag := "chat-sync-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", key, err)
	}

	go func() {
		for d := range deliveries {
			h(d.Body)
		}
	}()
	t.logger.Debug("subscribed", "destination", destination, "queue", q.Name)
	return &subscription{ch: ch, tag: tag, destination: destination}, nil
}

func (t *Transport) setState(s transport.State) {
	t.state.Store(int32(s))
	observability.SetTransportState(transportName, int(s))
}

func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer t.release(done)
	defer t.setState(transport.StateDisconnected)

	t.setState(transport.StateConnecting)
	for {
		conn, pubCh, err := t.dialWithRetry(ctx)
		if err != nil {
			return
		}
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		connID := uuid.NewString()

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.pubMu.Lock()
		t.pubCh = pubCh
		t.pubMu.Unlock()
		t.setState(transport.StateConnected)
		observability.IncTransportEvent(transportName, "connect")
		_ = observability.PublishEvent(ctx, "transport_events.amqp",
			observability.TransportEvent("connect", transportName, connID, ""),
			observability.BuildHeaders(connID, t.cfg.UserID))
		t.logger.Info("connected", "conn_id", connID, "exchange", t.cfg.Exchange)
		t.listeners.NotifyConnect()

		var closeErr error
		select {
		case <-ctx.Done():
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				closeErr = amqpErr
			} else {
				closeErr = errors.New("connection closed")
			}
		}

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		t.pubMu.Lock()
		t.pubCh = nil
		t.pubMu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			t.setState(transport.StateDisconnected)
			t.logger.Info("disconnected", "conn_id", connID)
			t.listeners.NotifyDisconnect(nil)
			return
		}

		t.setState(transport.StateReconnecting)
		observability.IncTransportEvent(transportName, "disconnect")
		_ = observability.PublishEvent(context.Background(), "transport_events.amqp",
			observability.TransportEvent("disconnect", transportName, connID, closeErr.Error()),
			observability.BuildHeaders(connID, t.cfg.UserID))
		t.logger.Warn("connection lost", "conn_id", connID, "error", closeErr, "retry_in", t.cfg.ReconnectDelay)
		t.listeners.NotifyDisconnect(closeErr)

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.ReconnectDelay):
		}
	}
}

func (t *Transport) dialWithRetry(ctx context.Context) (connection, *amqp.Channel, error) {
	var (
		conn connection
		ch   *amqp.Channel
	)
	op := func() error {
		var err error
		conn, ch, err = t.dial()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		observability.IncTransportEvent(transportName, "connect_error")
		t.logger.Warn("connect failed", "error", err, "retry_in", wait)
		t.listeners.NotifyError(err)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(t.cfg.ReconnectDelay), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, nil, err
	}
	return conn, ch, nil
}

func (t *Transport) dialBroker() (connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{
		Heartbeat:  t.cfg.HeartbeatInterval,
		Properties: amqp.Table{"connection_name": "chat-sync:" + t.cfg.UserID},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", t.cfg.Exchange, err)
	}
	return conn, ch, nil
}

type subscription struct {
	ch          *amqp.Channel
	tag         string
	destination string
	once        sync.Once
}

func (s *subscription) Destination() string { return s.destination }

// Unsubscribe cancels the consumer. A channel that already died with its
// connection is not an error.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if cerr := s.ch.Cancel(s.tag, false); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
		if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = cerr
		}
	})
	return err
}
