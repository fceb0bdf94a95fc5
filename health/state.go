package health

import (
	"sync"
	"time"
)

// State tracks whether a service instance has finished initialization
// and can accept work. It is written by the service runtime at the
// initialized/draining transitions and read concurrently by the HTTP
// server, so all access goes through the mutex.
type State struct {
	mu          sync.RWMutex
	initialized bool
	startedAt   time.Time
	noApp       bool
}

// Status is the snapshot reported by the /status endpoint.
type Status struct {
	Ready         bool  `json:"ready"`
	UptimeSeconds int64 `json:"uptimeSeconds"`
	NoAppMode     bool  `json:"noAppMode"`
}

// NewState creates a readiness state in the not-ready condition.
func NewState() *State {
	return &State{
		startedAt: time.Now(),
	}
}

// NewNoAppState creates a state that is permanently ready without ever
// being initialized. Used to exercise the HTTP layer without a real
// service behind it.
func NewNoAppState() *State {
	return &State{
		startedAt: time.Now(),
		noApp:     true,
	}
}

// Initialize marks the instance ready. Calling it again is a no-op.
func (s *State) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// Degrade marks the instance not ready, e.g. while the broker
// connection is down or the service is draining. No-op in no-app mode,
// which never transitions.
func (s *State) Degrade() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noApp {
		return
	}
	s.initialized = false
}

// Ready reports whether the instance can accept work. Never blocks.
func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized || s.noApp
}

// NoApp reports whether the instance runs in no-app mode.
func (s *State) NoApp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.noApp
}

// Snapshot returns a consistent point-in-time status.
func (s *State) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(time.Since(s.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	return Status{
		Ready:         s.initialized || s.noApp,
		UptimeSeconds: uptime,
		NoAppMode:     s.noApp,
	}
}
