package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/integration-uav/internal/pkg/application/command"
	"github.com/diwise/integration-uav/internal/pkg/application/demux"
	"github.com/diwise/integration-uav/internal/pkg/application/devicestate"
	"github.com/diwise/integration-uav/internal/pkg/application/events"
	"github.com/diwise/integration-uav/internal/pkg/application/history"
	"github.com/diwise/integration-uav/internal/pkg/application/registry"
	"github.com/diwise/integration-uav/internal/pkg/application/sequencer"
	"github.com/diwise/integration-uav/internal/pkg/application/transport"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/rs/zerolog"
)

var ErrHistoryDisabled = errors.New("no history service configured")

type IntegrationUAV interface {
	Start(ctx context.Context) error
	Close()

	Ingest(ctx context.Context, u domain.Update)
	Subscribe(h events.Handler) func()

	Devices(ctx context.Context) ([]domain.Device, error)
	TelemetryState() transport.LinkState

	ConnectDevice(ctx context.Context, deviceID int) error
	DisconnectDevice(ctx context.Context, deviceID int) error
	SendCommand(ctx context.Context, deviceID int, cmd string) error

	RunTask(ctx context.Context, deviceID int, steps []domain.TaskStep) error
	StopTask(deviceID int) bool
	TaskStatus(deviceID int) sequencer.Progress

	State(deviceID int) (domain.DeviceState, bool)
	States() map[int]domain.DeviceState
	Messages(deviceID int) []domain.LogEntry
	DeviceHistory(ctx context.Context, deviceID, limit, offset int) ([]domain.HistoryRecord, error)
}

type Config struct {
	Telemetry transport.Config
	Command   command.Config
	Sequencer sequencer.Config
}

// integrationUAV is the single context object shared by every flow in the
// service. It is created once in main and handed to the router.
type integrationUAV struct {
	ctx context.Context
	log zerolog.Logger

	bus       *events.Bus
	store     *devicestate.Store
	telemetry *transport.Connection
	commands  command.Manager
	tasks     sequencer.Sequencer
	registry  registry.Client
	history   history.Client

	mu      sync.RWMutex
	devices map[int]domain.Device
}

// New wires the components together. historyClient may be nil when no history
// service is configured.
func New(ctx context.Context, cfg Config, registryClient registry.Client, historyClient history.Client) IntegrationUAV {
	a := &integrationUAV{
		ctx:      ctx,
		log:      logging.GetFromContext(ctx).With().Str("component", "application").Logger(),
		bus:      events.NewBus(ctx),
		store:    devicestate.New(),
		registry: registryClient,
		history:  historyClient,
		devices:  map[int]domain.Device{},
	}

	a.telemetry = transport.New(ctx, cfg.Telemetry, a.handleTelemetryFrame, a.bus)
	a.commands = command.New(ctx, cfg.Command, a.handleCommandFrame, a.handleChannelClosed)
	a.tasks = sequencer.New(ctx, cfg.Sequencer, a.commands, a.store, a.bus)

	return a
}

// Start dials the telemetry stream. A failed dial is retried in the background
// so the error is only reported, never fatal.
func (a *integrationUAV) Start(ctx context.Context) error {
	err := a.telemetry.Connect(ctx)
	if err != nil && !errors.Is(err, transport.ErrConnectInProgress) {
		a.log.Warn().Err(err).Msg("telemetry stream unavailable, will keep retrying")
		return err
	}
	return nil
}

func (a *integrationUAV) Close() {
	a.tasks.StopAll()
	a.commands.CloseAll()
	a.telemetry.Close()
}

func (a *integrationUAV) Subscribe(h events.Handler) func() {
	return a.bus.Subscribe(h)
}

// Ingest reconciles one decoded update and raises the resulting events.
func (a *integrationUAV) Ingest(ctx context.Context, u domain.Update) {
	changed, state := a.store.Apply(u)
	a.bus.PublishChanges(u, changed, state)
}

func (a *integrationUAV) handleTelemetryFrame(ctx context.Context, frame []byte) {
	u, err := demux.DecodeEnvelope(frame, time.Now())
	if err != nil {
		if errors.Is(err, demux.ErrNotDeviceFrame) {
			a.log.Debug().Str("frame", truncate(frame)).Msg("ignoring control frame")
			return
		}

		framesDropped.WithLabelValues("telemetry").Inc()
		a.log.Warn().Err(err).Str("frame", truncate(frame)).Msg("dropping undecodable frame")
		return
	}

	a.Ingest(ctx, u)
}

func (a *integrationUAV) handleCommandFrame(ctx context.Context, deviceID int, frame string) {
	u, err := demux.DecodeLegacy(deviceID, frame, time.Now())
	if err != nil {
		framesDropped.WithLabelValues("command").Inc()
		a.log.Warn().Err(err).Int("device_id", deviceID).Str("frame", truncate([]byte(frame))).Msg("dropping undecodable frame")
		return
	}

	a.Ingest(ctx, u)
}

func (a *integrationUAV) handleChannelClosed(deviceID int) {
	a.setConnected(deviceID, false)

	a.bus.Publish(events.Event{
		Kind:      events.LinkState,
		DeviceID:  deviceID,
		Link:      "command",
		LinkState: string(transport.StateDisconnected),
	})
}

func (a *integrationUAV) setConnected(deviceID int, connected bool) {
	now := time.Now()
	changed, state := a.store.SetConnected(deviceID, connected, now)

	value := "0"
	if connected {
		value = "1"
	}

	a.bus.PublishChanges(domain.Update{
		DeviceID:   deviceID,
		Channel:    domain.ChannelPrimary,
		Fields:     map[string]any{"isconn": value},
		ReceivedAt: now,
	}, changed, state)
}

func (a *integrationUAV) device(ctx context.Context, deviceID int) (domain.Device, error) {
	a.mu.RLock()
	d, ok := a.devices[deviceID]
	a.mu.RUnlock()

	if ok {
		return d, nil
	}

	d, err := a.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return d, err
	}

	a.mu.Lock()
	a.devices[deviceID] = d
	a.mu.Unlock()

	return d, nil
}

func (a *integrationUAV) Devices(ctx context.Context) ([]domain.Device, error) {
	devices, err := a.registry.GetDevices(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	for _, d := range devices {
		a.devices[d.ID] = d
	}
	a.mu.Unlock()

	for i := range devices {
		devices[i].IsConnected = a.commands.IsOpen(devices[i].ID)
	}

	return devices, nil
}

func (a *integrationUAV) TelemetryState() transport.LinkState {
	return a.telemetry.State()
}

func (a *integrationUAV) ConnectDevice(ctx context.Context, deviceID int) error {
	d, err := a.device(ctx, deviceID)
	if err != nil {
		return err
	}

	err = a.commands.Open(ctx, d)
	if err != nil {
		return err
	}

	a.setConnected(deviceID, true)

	if err := a.telemetry.Subscribe(deviceID); err != nil {
		a.log.Debug().Err(err).Int("device_id", deviceID).Msg("could not subscribe to device telemetry")
	}

	return nil
}

func (a *integrationUAV) DisconnectDevice(ctx context.Context, deviceID int) error {
	a.tasks.Stop(deviceID)
	return a.commands.Close(deviceID)
}

func (a *integrationUAV) SendCommand(ctx context.Context, deviceID int, cmd string) error {
	if cmd == "" {
		return fmt.Errorf("%w: empty command", command.ErrChannelNotReady)
	}
	return a.commands.Send(deviceID, cmd)
}

// RunTask starts steps in the background. Runs outlive the request that
// started them and are bound to the application context instead.
func (a *integrationUAV) RunTask(ctx context.Context, deviceID int, steps []domain.TaskStep) error {
	if !a.commands.IsOpen(deviceID) {
		return command.ErrNoChannel
	}
	return a.tasks.Start(a.ctx, deviceID, steps)
}

func (a *integrationUAV) StopTask(deviceID int) bool {
	return a.tasks.Stop(deviceID)
}

func (a *integrationUAV) TaskStatus(deviceID int) sequencer.Progress {
	return a.tasks.Status(deviceID)
}

func (a *integrationUAV) State(deviceID int) (domain.DeviceState, bool) {
	return a.store.Get(deviceID)
}

func (a *integrationUAV) States() map[int]domain.DeviceState {
	return a.store.All()
}

func (a *integrationUAV) Messages(deviceID int) []domain.LogEntry {
	return a.store.Messages(deviceID)
}

func (a *integrationUAV) DeviceHistory(ctx context.Context, deviceID, limit, offset int) ([]domain.HistoryRecord, error) {
	if a.history == nil {
		return nil, ErrHistoryDisabled
	}

	d, err := a.device(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	return a.history.GetDeviceHistory(ctx, d.UUID, limit, offset)
}

func truncate(b []byte) string {
	const maxLen = 200
	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return string(b)
}
