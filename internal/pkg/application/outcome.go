package application

import (
	"context"
	"errors"

	"github.com/diwise/integration-uav/internal/pkg/application/command"
	"github.com/diwise/integration-uav/internal/pkg/application/demux"
	"github.com/diwise/integration-uav/internal/pkg/application/history"
	"github.com/diwise/integration-uav/internal/pkg/application/registry"
	"github.com/diwise/integration-uav/internal/pkg/application/sequencer"
	"github.com/diwise/integration-uav/internal/pkg/application/transport"
)

type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeDisconnected    Outcome = "disconnected"
	OutcomeDecodeFailed    Outcome = "decode_failed"
	OutcomeCommandRejected Outcome = "command_rejected"
	OutcomeStepTimedOut    Outcome = "step_timed_out"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeDeviceBusy      Outcome = "device_busy"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeFailed          Outcome = "failed"
)

// OutcomeOf names the result of an operation. Task errors are checked before
// command errors since a rejected command inside a run wraps both.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, sequencer.ErrCancelled), errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, sequencer.ErrStepTimedOut), errors.Is(err, context.DeadlineExceeded):
		return OutcomeStepTimedOut
	case errors.Is(err, sequencer.ErrDeviceBusy):
		return OutcomeDeviceBusy
	case errors.Is(err, command.ErrNoChannel),
		errors.Is(err, command.ErrChannelNotReady),
		errors.Is(err, sequencer.ErrCommandRejected):
		return OutcomeCommandRejected
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, transport.ErrConnectInProgress):
		return OutcomeDisconnected
	case errors.Is(err, demux.ErrMalformedFrame),
		errors.Is(err, sequencer.ErrInvalidTask),
		errors.Is(err, sequencer.ErrUnknownStep):
		return OutcomeDecodeFailed
	case errors.Is(err, registry.ErrDeviceNotFound),
		errors.Is(err, history.ErrDeviceNotFound):
		return OutcomeNotFound
	}

	return OutcomeFailed
}
