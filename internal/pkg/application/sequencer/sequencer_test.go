package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/integration-uav/internal/pkg/application/events"
	"github.com/matryer/is"
)

func TestThatFireAndSettleStepsSendCommands(t *testing.T) {
	is := is.New(t)
	s, commander, _ := testSetup(nil)

	result := s.Execute(context.Background(), 1, []domain.TaskStep{domain.Takeoff(), domain.Photo(), domain.Landing()})

	is.Equal(result.Status, domain.TaskCompleted)
	is.NoErr(result.Err)
	is.Equal(commander.sent(), []string{"up", "photo", "down"})
}

func TestThatShortTimeoutOnSettleStepTimesOut(t *testing.T) {
	is := is.New(t)
	s, commander, _ := testSetup(nil)

	result := s.Execute(context.Background(), 1, []domain.TaskStep{
		domain.Takeoff().WithTimeout(time.Millisecond),
		domain.Landing(),
	})

	is.Equal(result.Status, domain.TaskFailed)
	is.True(errors.Is(result.Err, ErrStepTimedOut))
	is.Equal(commander.sent(), []string{"up"}) // landing should never be sent after a timeout
}

func TestThatMoveToHeightCompletesWithinTolerance(t *testing.T) {
	is := is.New(t)
	s, commander, states := testSetup(nil)

	commander.onSend = func(n int, cmd string) {
		if n == 2 {
			states.setAltitude(1, "10.05")
		}
	}

	result := s.Execute(context.Background(), 1, []domain.TaskStep{domain.MoveToHeight(10)})

	is.Equal(result.Status, domain.TaskCompleted)
	is.Equal(commander.sent(), []string{"height:10", "height:10"})
}

func TestThatMoveToHeightTimesOutAndAbortsRemainingSteps(t *testing.T) {
	is := is.New(t)
	s, commander, states := testSetup(nil)
	states.setAltitude(1, "2")

	timeout := 25 * time.Millisecond
	started := time.Now()

	result := s.Execute(context.Background(), 1, []domain.TaskStep{
		domain.MoveToHeight(10).WithTimeout(timeout),
		domain.Landing(),
	})

	elapsed := time.Since(started)
	is.True(elapsed >= timeout)                    // step must not give up before its timeout
	is.True(elapsed < timeout+20*time.Millisecond) // within a few poll intervals

	is.Equal(result.Status, domain.TaskFailed)
	is.True(errors.Is(result.Err, ErrStepTimedOut))
	is.Equal(result.StepIndex, 0)

	for _, cmd := range commander.sent() {
		is.Equal(cmd, "height:10") // nothing but height commands should have been sent
	}
}

func TestThatMoveToHeightTreatsMissingAltitudeAsGroundLevel(t *testing.T) {
	is := is.New(t)
	s, commander, _ := testSetup(nil)

	result := s.Execute(context.Background(), 1, []domain.TaskStep{domain.MoveToHeight(0)})

	is.Equal(result.Status, domain.TaskCompleted)
	is.Equal(len(commander.sent()), 0) // a device with no altitude report is at 0
}

func TestThatHeadingToleranceWrapsAround(t *testing.T) {
	is := is.New(t)
	s, commander, states := testSetup(nil)
	states.set(domain.DeviceState{DeviceID: 1, Heading: 1})

	result := s.Execute(context.Background(), 1, []domain.TaskStep{domain.MoveToHeading(359)})

	is.Equal(result.Status, domain.TaskCompleted)
	is.Equal(len(commander.sent()), 0) // already within tolerance across north
}

func TestThatSecondRunOnBusyDeviceIsRejected(t *testing.T) {
	is := is.New(t)
	s, _, _ := testSetup(nil)
	ctx := context.Background()

	is.NoErr(s.Start(ctx, 1, []domain.TaskStep{domain.Wait(5)}))

	err := s.Start(ctx, 1, []domain.TaskStep{domain.Takeoff()})
	is.True(errors.Is(err, ErrDeviceBusy))

	result := s.Execute(ctx, 1, []domain.TaskStep{domain.Takeoff()})
	is.True(errors.Is(result.Err, ErrDeviceBusy))

	is.NoErr(s.Start(ctx, 2, []domain.TaskStep{domain.Wait(0)})) // other devices are unaffected

	is.True(s.Stop(1))
}

func TestThatStopCancelsRunWithinOnePollInterval(t *testing.T) {
	is := is.New(t)

	bus := events.NewBus(context.Background())
	finished := make(chan events.Event, 1)
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.TaskFinished {
			finished <- e
		}
	})

	s, commander, states := testSetup(bus)
	states.setAltitude(1, "0")

	first := make(chan struct{})
	commander.onSend = func(n int, cmd string) {
		if n == 1 {
			close(first)
		}
	}

	is.NoErr(s.Start(context.Background(), 1, []domain.TaskStep{domain.MoveToHeight(50), domain.Landing()}))
	<-first

	is.True(s.Status(1).Running)
	stoppedAt := time.Now()
	is.True(s.Stop(1))

	var e events.Event
	select {
	case e = <-finished:
	case <-time.After(time.Second):
		t.Fatal("run did not finish after stop")
	}

	is.True(time.Since(stoppedAt) < 100*time.Millisecond)
	is.Equal(e.Task.Status, domain.TaskCancelled)
	is.True(errors.Is(e.Err, ErrCancelled))

	sentAtStop := len(commander.sent())
	time.Sleep(30 * time.Millisecond)
	is.Equal(len(commander.sent()), sentAtStop) // no commands after cancellation

	p := s.Status(1)
	is.True(!p.Running)
	is.Equal(p.Last.Status, domain.TaskCancelled)
}

func TestThatStopAllCancelsEveryRun(t *testing.T) {
	is := is.New(t)
	s, _, _ := testSetup(nil)
	ctx := context.Background()

	is.NoErr(s.Start(ctx, 1, []domain.TaskStep{domain.Hover(5)}))
	is.NoErr(s.Start(ctx, 2, []domain.TaskStep{domain.Wait(5)}))

	s.StopAll()

	deadline := time.Now().Add(time.Second)
	for (s.Status(1).Running || s.Status(2).Running) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	is.Equal(s.Status(1).Last.Status, domain.TaskCancelled)
	is.Equal(s.Status(2).Last.Status, domain.TaskCancelled)
}

func TestThatRejectedCommandFailsTask(t *testing.T) {
	is := is.New(t)
	s, commander, _ := testSetup(nil)
	commander.err = errors.New("no channel")

	result := s.Execute(context.Background(), 1, []domain.TaskStep{domain.Takeoff()})

	is.Equal(result.Status, domain.TaskFailed)
	is.True(errors.Is(result.Err, ErrCommandRejected))
}

func TestParseSteps(t *testing.T) {
	is := is.New(t)

	steps, err := ParseSteps([]byte(`[
		{"step_type":"takeoff"},
		{"step_type":"move_to_height","parameters":{"height":12.5},"timeout":20},
		{"step_type":"move_to_heading","parameters":{"heading":90}},
		{"step_type":"hover","parameters":{"duration":3}},
		{"step_type":"landing"}
	]`))
	is.NoErr(err)
	is.Equal(len(steps), 5)
	is.Equal(steps[1], domain.MoveToHeight(12.5).WithTimeout(20*time.Second))
	is.Equal(steps[2].Timeout, domain.DefaultStepTimeout)
	is.Equal(steps[3].Duration(), 3*time.Second)

	steps, err = ParseSteps([]byte(`{"steps":[{"step_type":"photo"}]}`))
	is.NoErr(err)
	is.Equal(steps, []domain.TaskStep{domain.Photo()})

	_, err = ParseSteps([]byte(`[{"step_type":"barrel_roll"}]`))
	is.True(errors.Is(err, ErrUnknownStep))

	_, err = ParseSteps([]byte(`[{"step_type":"move_to_height"}]`))
	is.True(errors.Is(err, ErrInvalidTask)) // missing height parameter
}

func testSetup(bus *events.Bus) (Sequencer, *commanderMock, *statesMock) {
	cfg := Config{
		PollInterval:     5 * time.Millisecond,
		SettleDuration:   5 * time.Millisecond,
		HeightTolerance:  0.1,
		HeadingTolerance: 3,
	}

	commander := &commanderMock{}
	states := &statesMock{states: map[int]domain.DeviceState{}}

	return New(context.Background(), cfg, commander, states, bus), commander, states
}

type commanderMock struct {
	mu       sync.Mutex
	commands []string
	err      error
	onSend   func(n int, cmd string)
}

func (c *commanderMock) Send(deviceID int, cmd string) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.commands = append(c.commands, cmd)
	n := len(c.commands)
	onSend := c.onSend
	c.mu.Unlock()

	if onSend != nil {
		onSend(n, cmd)
	}

	return nil
}

func (c *commanderMock) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.commands...)
}

type statesMock struct {
	mu     sync.Mutex
	states map[int]domain.DeviceState
}

func (s *statesMock) Get(deviceID int) (domain.DeviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[deviceID]
	return state, ok
}

func (s *statesMock) set(state domain.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.DeviceID] = state
}

func (s *statesMock) setAltitude(deviceID int, altitude string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[deviceID]
	state.DeviceID = deviceID
	state.Location.Altitude = altitude
	s.states[deviceID] = state
}
