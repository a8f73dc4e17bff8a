package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/diwise/integration-uav/internal/pkg/application/events"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type LinkState string

const (
	StateDisconnected LinkState = "disconnected"
	StateConnecting   LinkState = "connecting"
	StateConnected    LinkState = "connected"
	// StateStopped means the reconnect attempts are exhausted. Only an explicit
	// Connect brings the link back.
	StateStopped LinkState = "stopped"
)

const (
	linkName     = "telemetry"
	writeTimeout = 5 * time.Second
)

var (
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrNotConnected      = errors.New("telemetry stream not connected")
	ErrClosed            = errors.New("telemetry connection closed")
)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// FrameHandler receives every inbound frame, one at a time, in arrival order.
type FrameHandler func(ctx context.Context, frame []byte)

type Config struct {
	URL            string
	Backoff        Backoff
	ConnectTimeout time.Duration
	// ReadTimeout is how long the link may stay silent, pongs included, before
	// it is treated as lost.
	ReadTimeout time.Duration
	Header      http.Header
}

type stopper interface {
	Stop() bool
}

type Option func(*Connection)

func WithDialer(d Dialer) Option {
	return func(c *Connection) {
		c.dialer = d
	}
}

// Connection owns the single multiplexed socket to the telemetry endpoint.
type Connection struct {
	cfg     Config
	dialer  Dialer
	handler FrameHandler
	bus     *events.Bus
	ctx     context.Context
	log     zerolog.Logger

	mu       sync.Mutex
	state    LinkState
	conn     *websocket.Conn
	attempts int
	timer    stopper
	closed   bool

	writeMu sync.Mutex

	after func(time.Duration, func()) stopper
}

// New creates a disconnected Connection. ctx bounds the life of the read loop and
// of any scheduled reconnects.
func New(ctx context.Context, cfg Config, handler FrameHandler, bus *events.Bus, opts ...Option) *Connection {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}

	c := &Connection{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		handler: handler,
		bus:     bus,
		ctx:     ctx,
		log:     logging.GetFromContext(ctx).With().Str("component", "transport").Str("url", cfg.URL).Logger(),
		state:   StateDisconnected,
		after: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	return c
}

// Connect dials the telemetry endpoint. Calling it while a dial is in flight
// returns ErrConnectInProgress without dialing again, and calling it on a live
// link is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	case StateConnected:
		c.mu.Unlock()
		return nil
	}

	c.closed = false
	c.attempts = 0
	c.stopTimerLocked()
	c.state = StateConnecting
	c.mu.Unlock()

	c.publishState(StateConnecting)

	return c.dial(ctx)
}

func (c *Connection) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		err = fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
		c.log.Warn().Err(err).Msg("telemetry connect failed")

		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		linkUp.Set(0)
		c.bus.Publish(events.Event{Kind: events.LinkError, Link: linkName, LinkState: string(StateDisconnected), Err: err})
		c.scheduleReconnect()

		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.attempts = 0
	c.state = StateConnected
	c.mu.Unlock()

	c.log.Info().Msg("connected to telemetry stream")
	linkUp.Set(1)
	c.publishState(StateConnected)

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.keepalive(conn, done)

	return nil
}

func (c *Connection) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.handleLinkLoss(conn, err)
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		framesReceived.Inc()
		c.handler(c.ctx, frame)
	}
}

// keepalive pings the endpoint often enough that a healthy peer's pongs keep
// extending the read deadline. A half-open link lets the deadline expire.
func (c *Connection) keepalive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.ReadTimeout * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()

			if err != nil {
				c.log.Debug().Err(err).Msg("keepalive ping failed")
				return
			}
		}
	}
}

func (c *Connection) handleLinkLoss(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closed := c.closed
	if current && !closed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	conn.Close()

	if !current || closed {
		return
	}

	linkUp.Set(0)
	c.log.Warn().Err(cause).Msg("telemetry stream disconnected")
	c.bus.Publish(events.Event{Kind: events.LinkError, Link: linkName, LinkState: string(StateDisconnected), Err: cause})

	c.scheduleReconnect()
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.attempts++
	attempt := c.attempts

	delay, ok := c.cfg.Backoff.Delay(attempt)
	if !ok {
		c.state = StateStopped
		c.mu.Unlock()

		c.log.Error().Int("attempts", attempt-1).Msg("max reconnect attempts reached, giving up")
		c.publishState(StateStopped)
		return
	}

	c.timer = c.after(delay, c.reconnect)
	c.mu.Unlock()

	reconnectAttempts.Inc()
	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.timer = nil
	c.mu.Unlock()

	c.publishState(StateConnecting)

	_ = c.dial(c.ctx)
}

// Ping sends an application level ping on the telemetry stream.
func (c *Connection) Ping() error {
	return c.writeJSON(map[string]any{
		"type":      "ping",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Subscribe asks the backend to prioritise frames for one device.
func (c *Connection) Subscribe(deviceID int) error {
	return c.writeJSON(map[string]any{
		"type":      "subscribe_device",
		"device_id": deviceID,
	})
}

func (c *Connection) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Connection) State() LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the link down and cancels any pending reconnect.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	linkUp.Set(0)

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.publishState(StateDisconnected)

	return conn.Close()
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) publishState(s LinkState) {
	c.bus.Publish(events.Event{Kind: events.LinkState, Link: linkName, LinkState: string(s)})
}
