package hibernator

import (
	"log/slog"
	"sync"
	"time"
)

// State is a managed server's lifecycle state.
type State string

const (
	StateUnknown  State = "UNKNOWN"
	StateOnline   State = "ONLINE"
	StateIdle     State = "IDLE"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	// StateCrashed means the controller reported the backing process as
	// crashed. It is "needs attention", not "forcibly halted" — the
	// transition table allows CRASHED to go straight to ONLINE when the
	// controller reports the server running again without an intermediate
	// STOPPED observation.
	StateCrashed State = "CRASHED"
)

// validTransitions is the static transition graph. Any (from, to) pair not
// present here is rejected by Transition as a no-op.
var validTransitions = map[State]map[State]bool{
	StateUnknown:  {StateOnline: true, StateIdle: true, StateStopped: true, StateCrashed: true},
	StateOnline:   {StateIdle: true, StateStopped: true, StateCrashed: true},
	StateIdle:     {StateOnline: true, StateStopping: true, StateStopped: true, StateCrashed: true},
	StateStopping: {StateStopped: true, StateCrashed: true},
	StateStopped:  {StateStarting: true, StateOnline: true},
	StateStarting: {StateOnline: true, StateStopped: true, StateCrashed: true},
	StateCrashed:  {StateStopped: true, StateOnline: true},
}

// historyCapacity bounds the start/stop history kept for flap detection.
// The source this design is drawn from caps it at 20; with
// flap_max_cycles=3 and flap_window_minutes=30, 20 entries comfortably
// cover several flap windows for any sane operator configuration.
const historyCapacity = 20

// historyEntry records one start or stop transition for flap detection.
type historyEntry struct {
	at    time.Time
	state State // StateStarting or StateStopped
}

// Stats is the subset of a controller stats response the state machine
// cares about.
type Stats struct {
	Running        bool
	Crashed        bool
	Online         int
	Max            int
	WaitingStart   bool
	IntPingResults string
	Version        string
	Icon           string
}

// ServerState is the mutable per-server runtime state. It is a pure
// in-memory value type written by the orchestrator, plus the proxy
// manager's port-handover, which moves it to STARTING; otherwise the proxy
// manager and health surface take read-only snapshots.
type ServerState struct {
	mu sync.RWMutex

	name  string
	state State

	idleSince   *time.Time
	lastStopAt  *time.Time
	lastStartAt *time.Time

	history    []historyEntry
	startCount int
	stopCount  int

	lastOnline  int
	lastMax     int
	lastVersion string
	lastIcon    string

	consecutiveFailures int
}

// NewServerState creates a ServerState beginning in StateUnknown.
func NewServerState(name string) *ServerState {
	return &ServerState{name: name, state: StateUnknown, lastMax: 20}
}

// Snapshot is an immutable copy of ServerState's observable fields, safe to
// read without holding any lock.
type Snapshot struct {
	Name        string
	State       State
	IdleSince   *time.Time
	LastStopAt  *time.Time
	LastStartAt *time.Time
	StartCount  int
	StopCount   int
	LastOnline  int
	LastMax     int
	LastVersion string
	LastIcon    string
}

// Snapshot takes a point-in-time read of the server's observable state.
func (s *ServerState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Name:        s.name,
		State:       s.state,
		IdleSince:   s.idleSince,
		LastStopAt:  s.lastStopAt,
		LastStartAt: s.lastStartAt,
		StartCount:  s.startCount,
		StopCount:   s.stopCount,
		LastOnline:  s.lastOnline,
		LastMax:     s.lastMax,
		LastVersion: s.lastVersion,
		LastIcon:    s.lastIcon,
	}
}

// State returns the current state under the read lock.
func (s *ServerState) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the state machine to newState if the transition graph
// permits it. Illegal transitions are a logged no-op. now is passed in so
// callers can drive the machine with a synthetic clock in tests.
func (s *ServerState) Transition(newState State, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state
	if old == newState {
		return
	}
	if !validTransitions[old][newState] {
		slog.Warn("rejected illegal state transition", "server", s.name, "from", old, "to", newState)
		return
	}

	switch old {
	case StateIdle:
		s.idleSince = nil
	}

	switch newState {
	case StateIdle:
		s.idleSince = &now
	case StateStopped:
		s.lastStopAt = &now
		s.stopCount++
		s.appendHistory(historyEntry{at: now, state: StateStopped})
	case StateStarting:
		s.lastStartAt = &now
		s.startCount++
		s.appendHistory(historyEntry{at: now, state: StateStarting})
	}

	s.state = newState
	slog.Info("state transition", "server", s.name, "from", old, "to", newState)
}

// appendHistory must be called with s.mu held.
func (s *ServerState) appendHistory(e historyEntry) {
	s.history = append(s.history, e)
	if len(s.history) > historyCapacity {
		s.history = s.history[len(s.history)-historyCapacity:]
	}
}

// UpdateFromStats refreshes cached fields without ever transitioning.
func (s *ServerState) UpdateFromStats(stats Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOnline = stats.Online
	if stats.Max > 0 {
		s.lastMax = stats.Max
	}
	if stats.Version != "" {
		s.lastVersion = stats.Version
	}
	if stats.Icon != "" {
		s.lastIcon = stats.Icon
	}
}

// IdleElapsed returns now - idle_since, or 0 if idle_since is unset.
func (s *ServerState) IdleElapsed(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idleSince == nil {
		return 0
	}
	return now.Sub(*s.idleSince)
}

// IdleTimeoutReached reports idle_elapsed >= idleTimeout.
func (s *ServerState) IdleTimeoutReached(now time.Time, idleTimeout time.Duration) bool {
	return s.IdleElapsed(now) >= idleTimeout
}

// InStartGrace reports whether now is within startGrace of the last start.
func (s *ServerState) InStartGrace(now time.Time, startGrace time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastStartAt == nil {
		return false
	}
	return now.Sub(*s.lastStartAt) < startGrace
}

// InStopCooldown reports whether now is within stopCooldown of the last stop.
func (s *ServerState) InStopCooldown(now time.Time, stopCooldown time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastStopAt == nil {
		return false
	}
	return now.Sub(*s.lastStopAt) < stopCooldown
}

// IsFlapping reports whether the number of history entries within
// flapWindow of now is at least 2*flapMaxCycles (each cycle contributes one
// start and one stop entry).
func (s *ServerState) IsFlapping(now time.Time, flapWindow time.Duration, flapMaxCycles int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.history {
		if now.Sub(e.at) < flapWindow {
			count++
		}
	}
	return count >= 2*flapMaxCycles
}

// IsProxyNeeded reports state ∈ {STOPPED, CRASHED}.
func (s *ServerState) IsProxyNeeded() bool {
	st := s.State()
	return st == StateStopped || st == StateCrashed
}

// ConsecutiveFailures / RecordPollFailure / ResetPollFailures track the
// orchestrator's transport-failure streak for this server, used to decide
// when a failure is logged at error level instead of waiting out the retry
// delay.
func (s *ServerState) ConsecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveFailures
}

func (s *ServerState) RecordPollFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	return s.consecutiveFailures
}

func (s *ServerState) ResetPollFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
}
