package domain

import "time"

type StepKind string

const (
	StepTakeoff       StepKind = "takeoff"
	StepLanding       StepKind = "landing"
	StepMoveToHeight  StepKind = "move_to_height"
	StepMoveToHeading StepKind = "move_to_heading"
	StepWait          StepKind = "wait"
	StepPhoto         StepKind = "photo"
	StepHover         StepKind = "hover"
)

const DefaultStepTimeout = 30 * time.Second

// TaskStep is one action in a flight task. Value holds the height in meters,
// the heading in degrees or the duration in seconds depending on Kind.
type TaskStep struct {
	Kind    StepKind
	Value   float64
	Timeout time.Duration
}

func Takeoff() TaskStep { return TaskStep{Kind: StepTakeoff, Timeout: DefaultStepTimeout} }
func Landing() TaskStep { return TaskStep{Kind: StepLanding, Timeout: DefaultStepTimeout} }
func Photo() TaskStep   { return TaskStep{Kind: StepPhoto, Timeout: DefaultStepTimeout} }

func MoveToHeight(meters float64) TaskStep {
	return TaskStep{Kind: StepMoveToHeight, Value: meters, Timeout: DefaultStepTimeout}
}

func MoveToHeading(degrees float64) TaskStep {
	return TaskStep{Kind: StepMoveToHeading, Value: degrees, Timeout: DefaultStepTimeout}
}

func Wait(seconds float64) TaskStep {
	return TaskStep{Kind: StepWait, Value: seconds, Timeout: DefaultStepTimeout}
}

func Hover(seconds float64) TaskStep {
	return TaskStep{Kind: StepHover, Value: seconds, Timeout: DefaultStepTimeout}
}

// WithTimeout returns a copy of the step with a different per-step timeout.
func (s TaskStep) WithTimeout(d time.Duration) TaskStep {
	s.Timeout = d
	return s
}

func (s TaskStep) Duration() time.Duration {
	return time.Duration(s.Value * float64(time.Second))
}

type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

type StepStatus string

const (
	StepDispatched StepStatus = "dispatched"
	StepPolling    StepStatus = "polling"
	StepDone       StepStatus = "done"
	StepTimedOut   StepStatus = "timed_out"
)
