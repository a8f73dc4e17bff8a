package devicestate

import (
	"sort"
	"sync"
	"time"

	"github.com/diwise/integration-uav/domain"
)

const maxLogEntries = 50

// Store owns the reconciled state of every device seen on any channel. States are
// created on the first frame for a device and are kept for the life of the process.
type Store struct {
	mu     sync.RWMutex
	states map[int]*domain.DeviceState
	logs   map[int][]domain.LogEntry
}

func New() *Store {
	return &Store{
		states: make(map[int]*domain.DeviceState),
		logs:   make(map[int][]domain.LogEntry),
	}
}

// Apply merges u into the device's state and returns the named attributes that
// changed together with a snapshot of the resulting state.
func (s *Store) Apply(u domain.Update) ([]domain.Attribute, domain.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.states[u.DeviceID]
	if !ok {
		initial := domain.NewDeviceState(u.DeviceID)
		current = &initial
	}

	next, changed := Reconcile(*current, u)
	s.states[u.DeviceID] = &next

	if !u.Heartbeat && u.Raw != "" {
		s.appendLogLocked(domain.LogEntry{
			DeviceID:   u.DeviceID,
			Channel:    u.Channel,
			Message:    u.Raw,
			ReceivedAt: u.ReceivedAt,
		})
	}

	return changed, next.Clone()
}

// SetConnected flips the connection flag without touching any other field.
func (s *Store) SetConnected(deviceID int, connected bool, now time.Time) ([]domain.Attribute, domain.DeviceState) {
	value := "0"
	if connected {
		value = "1"
	}

	return s.Apply(domain.Update{
		DeviceID:   deviceID,
		Channel:    domain.ChannelPrimary,
		Fields:     map[string]any{"isconn": value},
		ReceivedAt: now,
	})
}

func (s *Store) Get(deviceID int) (domain.DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[deviceID]
	if !ok {
		return domain.DeviceState{}, false
	}

	return state.Clone(), true
}

func (s *Store) All() map[int]domain.DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make(map[int]domain.DeviceState, len(s.states))
	for id, state := range s.states {
		all[id] = state.Clone()
	}

	return all
}

func (s *Store) DeviceIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return ids
}

// Messages returns the most recent frames for a device, newest first. Heartbeats are never logged.
func (s *Store) Messages(deviceID int) []domain.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[deviceID]
	out := make([]domain.LogEntry, len(entries))
	for i := range entries {
		out[i] = entries[len(entries)-1-i]
	}

	return out
}

func (s *Store) appendLogLocked(e domain.LogEntry) {
	entries := append(s.logs[e.DeviceID], e)
	if len(entries) > maxLogEntries {
		entries = entries[len(entries)-maxLogEntries:]
	}
	s.logs[e.DeviceID] = entries
}
