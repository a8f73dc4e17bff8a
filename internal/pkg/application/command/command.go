package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	Heartbeat = "heart"

	writeTimeout = 5 * time.Second
)

var (
	ErrNoChannel       = errors.New("no command channel open for device")
	ErrChannelNotReady = errors.New("command channel not ready")
)

type Config struct {
	Host              string
	BasePort          int
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	// Bootstrap sends a status refresh and engages virtual stick mode on open.
	Bootstrap      bool
	BootstrapDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		BasePort:          2333,
		HeartbeatInterval: 15 * time.Second,
		ConnectTimeout:    10 * time.Second,
		Bootstrap:         true,
		BootstrapDelay:    2 * time.Second,
	}
}

// Endpoint returns the address of a device's command socket. The registry
// configured websocket port wins over the derived base port plus id.
func Endpoint(cfg Config, device domain.Device) string {
	port := cfg.BasePort + device.ID
	if device.WebsocketPort != nil && *device.WebsocketPort > 0 {
		port = *device.WebsocketPort
	}

	return fmt.Sprintf("ws://%s:%s/%s", cfg.Host, strconv.Itoa(port), device.UUID.String())
}

// FrameHandler receives inbound legacy frames from a device's command socket.
type FrameHandler func(ctx context.Context, deviceID int, frame string)

// CloseHandler is called once for every channel that goes away, whether it was
// closed locally or dropped by the peer.
type CloseHandler func(deviceID int)

type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Manager interface {
	Open(ctx context.Context, device domain.Device) error
	Send(deviceID int, cmd string) error
	Close(deviceID int) error
	IsOpen(deviceID int) bool
	CloseAll()
}

type Option func(*manager)

func WithDialer(d Dialer) Option {
	return func(m *manager) {
		m.dialer = d
	}
}

func New(ctx context.Context, cfg Config, onFrame FrameHandler, onClose CloseHandler, opts ...Option) Manager {
	m := &manager{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		onFrame:  onFrame,
		onClose:  onClose,
		ctx:      ctx,
		log:      logging.GetFromContext(ctx).With().Str("component", "command").Logger(),
		channels: map[int]*channel{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

type manager struct {
	cfg     Config
	dialer  Dialer
	onFrame FrameHandler
	onClose CloseHandler
	ctx     context.Context
	log     zerolog.Logger

	mu       sync.RWMutex
	channels map[int]*channel
}

type channel struct {
	deviceID int
	conn     *websocket.Conn
	log      zerolog.Logger

	writeMu  sync.Mutex
	ready    atomic.Bool
	done     chan struct{}
	shutOnce sync.Once
}

func (m *manager) Open(ctx context.Context, device domain.Device) error {
	if m.IsOpen(device.ID) {
		return nil
	}

	endpoint := Endpoint(m.cfg, device)
	log := m.log.With().Int("device_id", device.ID).Str("endpoint", endpoint).Logger()

	timeout := m.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open command channel")
		return fmt.Errorf("failed to open command channel to %s: %w", endpoint, err)
	}

	ch := &channel{
		deviceID: device.ID,
		conn:     conn,
		log:      log,
		done:     make(chan struct{}),
	}
	ch.ready.Store(true)

	m.mu.Lock()
	if existing, ok := m.channels[device.ID]; ok && existing.ready.Load() {
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.channels[device.ID] = ch
	m.mu.Unlock()

	openChannels.Inc()
	log.Info().Msg("command channel open")

	go m.readLoop(ch)
	go m.heartbeat(ch)

	if m.cfg.Bootstrap {
		go m.bootstrap(ch)
	}

	return nil
}

func (m *manager) Send(deviceID int, cmd string) error {
	m.mu.RLock()
	ch, ok := m.channels[deviceID]
	m.mu.RUnlock()

	if !ok {
		commandsSent.WithLabelValues("rejected").Inc()
		return ErrNoChannel
	}

	if err := ch.write(cmd); err != nil {
		commandsSent.WithLabelValues("rejected").Inc()
		return err
	}

	commandsSent.WithLabelValues("sent").Inc()
	ch.log.Debug().Str("command", cmd).Msg("command sent")

	return nil
}

func (m *manager) IsOpen(deviceID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[deviceID]
	return ok && ch.ready.Load()
}

func (m *manager) Close(deviceID int) error {
	m.mu.Lock()
	ch, ok := m.channels[deviceID]
	if ok {
		delete(m.channels, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNoChannel
	}

	ch.shutdown()
	return nil
}

func (m *manager) CloseAll() {
	m.mu.Lock()
	channels := m.channels
	m.channels = map[int]*channel{}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}
}

func (m *manager) readLoop(ch *channel) {
	defer func() {
		ch.shutdown()

		m.mu.Lock()
		current, ok := m.channels[ch.deviceID]
		if ok && current == ch {
			delete(m.channels, ch.deviceID)
		}
		superseded := ok && current != ch && current.ready.Load()
		m.mu.Unlock()

		openChannels.Dec()
		ch.log.Info().Msg("command channel closed")

		// a newer channel for the device owns its connection state now
		if m.onClose != nil && !superseded {
			m.onClose(ch.deviceID)
		}
	}()

	for {
		_, frame, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
			default:
				ch.log.Warn().Err(err).Msg("command channel dropped")
			}
			return
		}

		if m.onFrame != nil {
			m.onFrame(m.ctx, ch.deviceID, string(frame))
		}
	}
}

func (m *manager) heartbeat(ch *channel) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ch.done:
			return
		case <-ticker.C:
			if err := ch.write(Heartbeat); err != nil {
				ch.log.Debug().Err(err).Msg("heartbeat failed")
				return
			}
			ch.log.Debug().Msg("heartbeat sent")
		}
	}
}

func (m *manager) bootstrap(ch *channel) {
	for _, cmd := range []string{"get status", "vstick"} {
		if err := ch.write(cmd); err != nil {
			ch.log.Warn().Err(err).Str("command", cmd).Msg("bootstrap command failed")
			return
		}
	}

	select {
	case <-ch.done:
		return
	case <-time.After(m.cfg.BootstrapDelay):
	}

	if err := ch.write("vastick"); err != nil {
		ch.log.Warn().Err(err).Msg("failed to engage advanced virtual stick")
	}
}

func (ch *channel) write(text string) error {
	if !ch.ready.Load() {
		return ErrChannelNotReady
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ch.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("%w: %s", ErrChannelNotReady, err.Error())
	}

	return nil
}

func (ch *channel) shutdown() {
	ch.shutOnce.Do(func() {
		ch.ready.Store(false)
		close(ch.done)

		ch.writeMu.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ch.writeMu.Unlock()

		ch.conn.Close()
	})
}
