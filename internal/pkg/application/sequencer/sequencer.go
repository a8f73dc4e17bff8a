package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/integration-uav/internal/pkg/application/events"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/rs/zerolog"
)

var (
	ErrDeviceBusy      = errors.New("a task is already running on this device")
	ErrStepTimedOut    = errors.New("step timed out")
	ErrCancelled       = errors.New("task cancelled")
	ErrCommandRejected = errors.New("command rejected")
	ErrUnknownStep     = errors.New("unknown step type")
)

// Commander delivers literal command strings to a device.
type Commander interface {
	Send(deviceID int, cmd string) error
}

// StateReader gives the sequencer read access to reconciled device state.
type StateReader interface {
	Get(deviceID int) (domain.DeviceState, bool)
}

type Config struct {
	PollInterval     time.Duration
	SettleDuration   time.Duration
	HeightTolerance  float64
	HeadingTolerance float64
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Second,
		SettleDuration:   2 * time.Second,
		HeightTolerance:  0.1,
		HeadingTolerance: 3,
	}
}

type Result struct {
	DeviceID  int
	Status    domain.TaskStatus
	StepIndex int
	Steps     int
	Err       error
}

type Progress struct {
	Running    bool              `json:"running"`
	StepIndex  int               `json:"stepIndex"`
	Steps      int               `json:"steps"`
	Step       *domain.TaskStep  `json:"-"`
	StepKind   domain.StepKind   `json:"stepKind,omitempty"`
	StepStatus domain.StepStatus `json:"stepStatus,omitempty"`
	Last       *Result           `json:"-"`
}

type Sequencer interface {
	Execute(ctx context.Context, deviceID int, steps []domain.TaskStep) Result
	Start(ctx context.Context, deviceID int, steps []domain.TaskStep) error
	Stop(deviceID int) bool
	StopAll()
	Status(deviceID int) Progress
}

func New(ctx context.Context, cfg Config, commands Commander, states StateReader, bus *events.Bus) Sequencer {
	return &sequencer{
		cfg:      cfg,
		commands: commands,
		states:   states,
		bus:      bus,
		log:      logging.GetFromContext(ctx).With().Str("component", "sequencer").Logger(),
		runs:     map[int]*run{},
		results:  map[int]Result{},
	}
}

type sequencer struct {
	cfg      Config
	commands Commander
	states   StateReader
	bus      *events.Bus
	log      zerolog.Logger

	mu      sync.Mutex
	runs    map[int]*run
	results map[int]Result
}

type run struct {
	deviceID int
	steps    []domain.TaskStep
	cancel   chan struct{}
	once     sync.Once

	mu         sync.Mutex
	index      int
	stepStatus domain.StepStatus
}

func (r *run) stop() {
	r.once.Do(func() { close(r.cancel) })
}

func (r *run) cancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

func (r *run) progress(index int, status domain.StepStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = index
	r.stepStatus = status
}

// claim performs the check-and-set that keeps runs on one device from overlapping.
func (s *sequencer) claim(deviceID int, steps []domain.TaskStep) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.runs[deviceID]; busy {
		return nil, ErrDeviceBusy
	}

	r := &run{
		deviceID: deviceID,
		steps:    steps,
		cancel:   make(chan struct{}),
	}
	s.runs[deviceID] = r

	return r, nil
}

func (s *sequencer) release(r *run, result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runs[r.deviceID] == r {
		delete(s.runs, r.deviceID)
	}
	s.results[r.deviceID] = result
}

// Execute runs steps to completion on the calling goroutine.
func (s *sequencer) Execute(ctx context.Context, deviceID int, steps []domain.TaskStep) Result {
	r, err := s.claim(deviceID, steps)
	if err != nil {
		return Result{DeviceID: deviceID, Status: domain.TaskFailed, Steps: len(steps), Err: err}
	}

	return s.execute(ctx, r)
}

// Start claims the device and runs steps in the background. The outcome is
// published as a task finished event.
func (s *sequencer) Start(ctx context.Context, deviceID int, steps []domain.TaskStep) error {
	r, err := s.claim(deviceID, steps)
	if err != nil {
		return err
	}

	go s.execute(ctx, r)

	return nil
}

func (s *sequencer) execute(ctx context.Context, r *run) Result {
	log := s.log.With().Int("device_id", r.deviceID).Int("steps", len(r.steps)).Logger()
	log.Info().Msg("task started")

	result := Result{DeviceID: r.deviceID, Status: domain.TaskCompleted, Steps: len(r.steps)}

	for i, step := range r.steps {
		result.StepIndex = i
		r.progress(i, domain.StepDispatched)

		if err := s.runStep(ctx, r, step); err != nil {
			result.Err = fmt.Errorf("step %d (%s): %w", i, step.Kind, err)
			result.Status = domain.TaskFailed
			if errors.Is(err, ErrCancelled) {
				result.Status = domain.TaskCancelled
			}
			if errors.Is(err, ErrStepTimedOut) {
				r.progress(i, domain.StepTimedOut)
			}
			break
		}

		r.progress(i, domain.StepDone)
	}

	s.release(r, result)
	taskRuns.WithLabelValues(string(result.Status)).Inc()

	switch result.Status {
	case domain.TaskCompleted:
		log.Info().Msg("task completed")
	case domain.TaskCancelled:
		log.Info().Int("step", result.StepIndex).Msg("task cancelled")
	default:
		log.Error().Err(result.Err).Int("step", result.StepIndex).Msg("task failed")
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Kind:     events.TaskFinished,
			DeviceID: r.deviceID,
			Task: &events.TaskResult{
				Status:    result.Status,
				StepIndex: result.StepIndex,
				Steps:     result.Steps,
			},
			Err: result.Err,
		})
	}

	return result
}

func (s *sequencer) runStep(ctx context.Context, r *run, step domain.TaskStep) error {
	if r.cancelled() || ctx.Err() != nil {
		return ErrCancelled
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultStepTimeout
	}

	switch step.Kind {
	case domain.StepTakeoff:
		return s.fireAndSettle(ctx, r, "up", timeout)
	case domain.StepLanding:
		return s.fireAndSettle(ctx, r, "down", timeout)
	case domain.StepPhoto:
		return s.fireAndSettle(ctx, r, "photo", timeout)
	case domain.StepWait, domain.StepHover:
		return s.delay(ctx, r, step.Duration())
	case domain.StepMoveToHeight:
		cmd := "height:" + formatValue(step.Value)
		return s.pollUntil(ctx, r, cmd, timeout, func(state domain.DeviceState) bool {
			reported := state.Location.Altitude
			if reported == "" {
				reported = "0"
			}

			altitude, err := strconv.ParseFloat(reported, 64)
			if err != nil {
				return false
			}
			return math.Abs(altitude-step.Value) < s.cfg.HeightTolerance
		})
	case domain.StepMoveToHeading:
		cmd := "heading:" + formatValue(step.Value)
		return s.pollUntil(ctx, r, cmd, timeout, func(state domain.DeviceState) bool {
			return angularDistance(state.Heading, step.Value) < s.cfg.HeadingTolerance
		})
	}

	return fmt.Errorf("%w: %s", ErrUnknownStep, step.Kind)
}

func (s *sequencer) send(deviceID int, cmd string) error {
	if err := s.commands.Send(deviceID, cmd); err != nil {
		return fmt.Errorf("%w: %s", ErrCommandRejected, err.Error())
	}
	return nil
}

// fireAndSettle sends cmd and waits out the settle duration. A step whose
// timeout is shorter than the settle duration times out instead.
func (s *sequencer) fireAndSettle(ctx context.Context, r *run, cmd string, timeout time.Duration) error {
	if err := s.send(r.deviceID, cmd); err != nil {
		return err
	}

	wait := s.cfg.SettleDuration
	timedOut := timeout < wait
	if timedOut {
		wait = timeout
	}

	if err := s.delay(ctx, r, wait); err != nil {
		return err
	}

	if timedOut {
		return ErrStepTimedOut
	}

	return nil
}

func (s *sequencer) delay(ctx context.Context, r *run, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.cancel:
		return ErrCancelled
	case <-ctx.Done():
		return ErrCancelled
	case <-timer.C:
		return nil
	}
}

func (s *sequencer) pollUntil(ctx context.Context, r *run, cmd string, timeout time.Duration, reached func(domain.DeviceState) bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	r.mu.Lock()
	r.stepStatus = domain.StepPolling
	r.mu.Unlock()

	for {
		// a device that has not reported yet is measured from its zero state
		if state, _ := s.states.Get(r.deviceID); reached(state) {
			return nil
		}

		if err := s.send(r.deviceID, cmd); err != nil {
			return err
		}

		select {
		case <-r.cancel:
			return ErrCancelled
		case <-ctx.Done():
			return ErrCancelled
		case <-deadline.C:
			return ErrStepTimedOut
		case <-ticker.C:
		}

		if r.cancelled() {
			return ErrCancelled
		}
	}
}

func (s *sequencer) Stop(deviceID int) bool {
	s.mu.Lock()
	r, ok := s.runs[deviceID]
	s.mu.Unlock()

	if !ok {
		return false
	}

	r.stop()
	return true
}

func (s *sequencer) StopAll() {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.stop()
	}
}

func (s *sequencer) Status(deviceID int) Progress {
	s.mu.Lock()
	r, running := s.runs[deviceID]
	last, hasLast := s.results[deviceID]
	s.mu.Unlock()

	p := Progress{Running: running}
	if hasLast {
		p.Last = &last
	}

	if !running {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p.StepIndex = r.index
	p.Steps = len(r.steps)
	p.StepStatus = r.stepStatus
	if r.index < len(r.steps) {
		step := r.steps[r.index]
		p.Step = &step
		p.StepKind = step.Kind
	}

	return p
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// angularDistance is the shortest distance between two compass headings.
func angularDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}
