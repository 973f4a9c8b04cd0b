package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chat-sync/internal/observability"
	"chat-sync/internal/transport"
)

const transportName = "websocket"

const (
	defaultReconnectDelay   = 3 * time.Second
	defaultHeartbeat        = 4 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	sendBuffer              = 64
)

// Config configures a Client.
type Config struct {
	Endpoint          string
	Credential        string
	UserID            string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
}

// Client is a websocket connection to the message broker. It redials with
// a fixed delay after every drop until Disconnect is called.
type Client struct {
	cfg       Config
	dialer    *websocket.Dialer
	logger    *slog.Logger
	listeners transport.Listeners
	state     atomic.Int32

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	session *session
}

var _ transport.Conn = (*Client)(nil)

// NewClient constructs a Client. Zero durations fall back to 3s reconnect
// delay and 4s heartbeat.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With("component", "ws-client"),
	}
}

// Connect starts the connection loop and returns immediately. Calling it
// while the loop is already running does nothing. Cancelling ctx has the
// same effect as Disconnect, and a later Connect starts a fresh loop. It
// waits for a loop that is still shutting down, so it must not be called
// from a listener callback.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Endpoint == "" {
		return errors.New("websocket endpoint is empty")
	}
	for {
		c.mu.Lock()
		if c.done == nil {
			break
		}
		if c.running && c.runCtx.Err() == nil {
			c.mu.Unlock()
			return nil
		}
		// previous loop is still winding down
		done := c.done
		c.mu.Unlock()
		<-done
	}
	defer c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.runCtx = runCtx
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// release forgets the loop that owns done once it has exited.
func (c *Client) release(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return
	}
	c.cancel()
	c.running = false
	c.runCtx = nil
	c.cancel = nil
	c.done = nil
}

// Disconnect closes the live connection and stops reconnecting. It must not
// be called from a listener callback.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

func (c *Client) State() transport.State {
	return transport.State(c.state.Load())
}

func (c *Client) AddListener(l transport.Listener) func() {
	return c.listeners.Add(l)
}

// Publish sends payload, which must be a JSON document, to destination.
func (c *Client) Publish(ctx context.Context, destination string, payload []byte) error {
	s := c.liveSession()
	if s == nil {
		c.logger.Warn("publish dropped", "destination", destination, "reason", "not connected")
		return transport.ErrNotConnected
	}
	return s.enqueue(ctx, Frame{Type: FrameSend, Destination: destination, Body: payload})
}

func (c *Client) Subscribe(destination string, h transport.Handler) (transport.Subscription, error) {
	s := c.liveSession()
	if s == nil {
		return nil, transport.ErrNotConnected
	}
	id := uuid.NewString()
	s.addHandler(id, destination, h)
	if err := s.enqueue(context.Background(), Frame{Type: FrameSubscribe, ID: id, Destination: destination}); err != nil {
		s.removeHandler(id)
		return nil, err
	}
	return &subscription{session: s, id: id, destination: destination}, nil
}

func (c *Client) liveSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != transport.StateConnected {
		return nil
	}
	return c.session
}

func (c *Client) setState(s transport.State) {
	c.state.Store(int32(s))
	observability.SetTransportState(transportName, int(s))
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.release(done)
	defer c.setState(transport.StateDisconnected)

	c.setState(transport.StateConnecting)
	for {
		s, err := c.dialWithRetry(ctx)
		if err != nil {
			return
		}

		c.mu.Lock()
		c.session = s
		c.mu.Unlock()
		c.setState(transport.StateConnected)
		observability.IncTransportEvent(transportName, "connect")
		_ = observability.PublishEvent(ctx, "transport_events.websocket",
			observability.TransportEvent("connect", transportName, s.info.ConnID, ""),
			observability.BuildHeaders(s.info.ConnID, s.info.UserID))
		c.logger.Info("connected", "conn_id", s.info.ConnID, "endpoint", s.info.Endpoint)
		s.start(ctx)
		c.listeners.NotifyConnect()

		serveErr := s.readLoop()

		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		s.close()

		if ctx.Err() != nil {
			c.setState(transport.StateDisconnected)
			c.logger.Info("disconnected", "conn_id", s.info.ConnID)
			c.listeners.NotifyDisconnect(nil)
			return
		}

		c.setState(transport.StateReconnecting)
		observability.IncTransportEvent(transportName, "disconnect")
		_ = observability.PublishEvent(context.Background(), "transport_events.websocket",
			observability.TransportEvent("disconnect", transportName, s.info.ConnID, serveErr.Error()),
			observability.BuildHeaders(s.info.ConnID, s.info.UserID))
		c.logger.Warn("connection lost", "conn_id", s.info.ConnID, "error", serveErr,
			"duration", time.Since(s.info.ConnectedAt), "retry_in", c.cfg.ReconnectDelay)
		c.listeners.NotifyDisconnect(serveErr)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) dialWithRetry(ctx context.Context) (*session, error) {
	var s *session
	op := func() error {
		var err error
		s, err = c.dial(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		observability.IncTransportEvent(transportName, "connect_error")
		c.logger.Warn("connect failed", "error", err, "retry_in", wait)
		c.listeners.NotifyError(err)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) dial(ctx context.Context) (*session, error) {
	ctx, span := otel.Tracer("chat-sync/ws").Start(ctx, "ws.dial")
	defer span.End()

	header := http.Header{}
	if c.cfg.Credential != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Credential)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, header)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err)
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		Endpoint:    c.cfg.Endpoint,
		UserID:      c.cfg.UserID,
		ConnectedAt: time.Now(),
	}
	return newSession(conn, info, c.cfg.HeartbeatInterval, c.logger, &c.listeners), nil
}

// session is one live websocket connection. Subscriptions belong to the
// session and die with it.
type session struct {
	conn      *websocket.Conn
	info      ConnInfo
	heartbeat time.Duration
	logger    *slog.Logger
	listeners *transport.Listeners

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	handlers map[string]route
}

type route struct {
	destination string
	handler     transport.Handler
}

func newSession(conn *websocket.Conn, info ConnInfo, heartbeat time.Duration, logger *slog.Logger, listeners *transport.Listeners) *session {
	return &session{
		conn:      conn,
		info:      info,
		heartbeat: heartbeat,
		logger:    logger.With("conn_id", info.ConnID),
		listeners: listeners,
		send:      make(chan []byte, sendBuffer),
		closed:    make(chan struct{}),
		handlers:  make(map[string]route),
	}
}

// start launches the writer and arms the heartbeat. It must run before
// connect listeners fire.
func (s *session) start(ctx context.Context) {
	pongWait := s.pongWait()
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.close()
		case <-s.closed:
		}
	}()
}

func (s *session) pongWait() time.Duration {
	return 2 * s.heartbeat
}

// readLoop dispatches frames until the connection fails or is closed.
func (s *session) readLoop() error {
	pongWait := s.pongWait()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(data)
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.heartbeat))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("write failed", "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.heartbeat)); err != nil {
				s.logger.Warn("heartbeat failed", "error", err)
				s.close()
				return
			}
		}
	}
}

func (s *session) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		observability.IncParseFailure("frame")
		s.logger.Warn("malformed frame", "error", err)
		return
	}
	switch f.Type {
	case FrameMessage:
		for _, h := range s.routesFor(f) {
			h(f.Body)
		}
	case FrameError:
		err := fmt.Errorf("broker error: %s", string(f.Body))
		s.logger.Warn("broker error", "destination", f.Destination, "body", string(f.Body))
		s.listeners.NotifyError(err)
	default:
		s.logger.Debug("ignored frame", "type", f.Type)
	}
}

// routesFor resolves a message frame by subscription id, or by destination
// when the broker omits the id.
func (s *session) routesFor(f Frame) []transport.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f.ID != "" {
		if r, ok := s.handlers[f.ID]; ok {
			return []transport.Handler{r.handler}
		}
		return nil
	}
	var out []transport.Handler
	for _, r := range s.handlers {
		if r.destination == f.Destination {
			out = append(out, r.handler)
		}
	}
	return out
}

func (s *session) addHandler(id, destination string, h transport.Handler) {
	s.mu.Lock()
	s.handlers[id] = route{destination: destination, handler: h}
	s.mu.Unlock()
}

func (s *session) removeHandler(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[id]; !ok {
		return false
	}
	delete(s.handlers, id)
	return true
}

func (s *session) enqueue(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-s.closed:
		return transport.ErrNotConnected
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

type subscription struct {
	session     *session
	id          string
	destination string
	once        sync.Once
}

func (s *subscription) Destination() string { return s.destination }

// Unsubscribe drops the handler. No frame is sent when the owning
// connection is already gone.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if !s.session.removeHandler(s.id) || s.session.isClosed() {
			return
		}
		err = s.session.enqueue(context.Background(), Frame{Type: FrameUnsubscribe, ID: s.id, Destination: s.destination})
		if errors.Is(err, transport.ErrNotConnected) {
			err = nil
		}
	})
	return err
}
