package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/rs/zerolog"
)

type Kind string

const (
	AttributeChanged Kind = "attribute.changed"
	RawUpdate        Kind = "raw.update"
	LinkState        Kind = "link.state"
	LinkError        Kind = "link.error"
	TaskFinished     Kind = "task.finished"
)

type Event struct {
	Kind      Kind
	DeviceID  int
	Attribute domain.Attribute
	State     *domain.DeviceState
	Update    *domain.Update
	// Link names the connection a link event concerns, "telemetry" or "command".
	Link      string
	LinkState string
	Task      *TaskResult
	Err       error
	Timestamp time.Time
}

type TaskResult struct {
	Status    domain.TaskStatus
	StepIndex int
	Steps     int
}

type Handler func(Event)

// Bus fans events out to subscribers synchronously, in publish order.
// A panicking subscriber is logged and does not affect the others.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	log      zerolog.Logger
}

func NewBus(ctx context.Context) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		log:      logging.GetFromContext(ctx).With().Str("component", "events").Logger(),
	}
}

// Subscribe registers h and returns a func that removes it again.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("kind", string(e.Kind)).Msg("event handler failed")
		}
	}()

	h(e)
}

// PublishChanges raises one event per changed attribute followed by the raw update.
// All events share the state snapshot, handlers must treat it as read only.
func (b *Bus) PublishChanges(u domain.Update, changed []domain.Attribute, state domain.DeviceState) {
	for _, attr := range changed {
		s := state
		b.Publish(Event{
			Kind:      AttributeChanged,
			DeviceID:  u.DeviceID,
			Attribute: attr,
			State:     &s,
			Timestamp: u.ReceivedAt,
		})
	}

	update := u
	s := state
	b.Publish(Event{
		Kind:      RawUpdate,
		DeviceID:  u.DeviceID,
		Update:    &update,
		State:     &s,
		Timestamp: u.ReceivedAt,
	})
}
