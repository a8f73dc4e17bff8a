package sequencer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/integration-uav/domain"
)

var ErrInvalidTask = errors.New("invalid task definition")

type stepDefinition struct {
	StepType   string `json:"step_type"`
	Parameters struct {
		Height   *float64 `json:"height,omitempty"`
		Heading  *float64 `json:"heading,omitempty"`
		Duration *float64 `json:"duration,omitempty"`
	} `json:"parameters"`
	Timeout *float64 `json:"timeout,omitempty"`
}

type taskDefinition struct {
	Steps []stepDefinition `json:"steps"`
}

// ParseSteps decodes the task definitions stored by the CRUD backend, either a
// bare list of steps or an object with a steps list. Timeouts and durations
// are given in seconds.
func ParseSteps(data []byte) ([]domain.TaskStep, error) {
	var defs []stepDefinition

	if err := json.Unmarshal(data, &defs); err != nil {
		task := taskDefinition{}
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTask, err.Error())
		}
		defs = task.Steps
	}

	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidTask)
	}

	steps := make([]domain.TaskStep, 0, len(defs))

	for i, def := range defs {
		step, err := def.toStep()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	return steps, nil
}

func (def stepDefinition) toStep() (domain.TaskStep, error) {
	var step domain.TaskStep

	required := func(name string, v *float64) (float64, error) {
		if v == nil {
			return 0, fmt.Errorf("%w: %s requires parameter %s", ErrInvalidTask, def.StepType, name)
		}
		return *v, nil
	}

	switch domain.StepKind(def.StepType) {
	case domain.StepTakeoff:
		step = domain.Takeoff()
	case domain.StepLanding:
		step = domain.Landing()
	case domain.StepPhoto:
		step = domain.Photo()
	case domain.StepMoveToHeight:
		v, err := required("height", def.Parameters.Height)
		if err != nil {
			return step, err
		}
		step = domain.MoveToHeight(v)
	case domain.StepMoveToHeading:
		v, err := required("heading", def.Parameters.Heading)
		if err != nil {
			return step, err
		}
		step = domain.MoveToHeading(v)
	case domain.StepWait:
		v, err := required("duration", def.Parameters.Duration)
		if err != nil {
			return step, err
		}
		step = domain.Wait(v)
	case domain.StepHover:
		v, err := required("duration", def.Parameters.Duration)
		if err != nil {
			return step, err
		}
		step = domain.Hover(v)
	default:
		return step, fmt.Errorf("%w: %q", ErrUnknownStep, def.StepType)
	}

	if def.Timeout != nil && *def.Timeout > 0 {
		step = step.WithTimeout(time.Duration(*def.Timeout * float64(time.Second)))
	}

	return step, nil
}
