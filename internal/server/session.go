package server

import "sync"

// State is the lifecycle stage of a JSON-RPC session.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Session tracks one client connection. The client id given to initialize
// identifies the caller for judge-run throttling.
type Session struct {
	mu                sync.Mutex
	state             State
	clientID          string
	sessionsCompleted int64
	runsEvaluated     int64
	tracesEvaluated   int64
}

// NewSession returns an uninitialized session.
func NewSession() *Session {
	return &Session{state: StateUninitialized}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Initialize moves an uninitialized session to initialized. It reports false
// when the session was already initialized.
func (s *Session) Initialize(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return false
	}
	s.state = StateInitialized
	s.clientID = clientID
	return true
}

// ClientID returns the caller identity sent with initialize.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// RecordRun counts one completed run of n traces.
func (s *Session) RecordRun(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsEvaluated++
	s.tracesEvaluated += int64(n)
}

// Shutdown moves an initialized session to shutting down and returns its
// final counters. ok is false for any other starting state.
func (s *Session) Shutdown() (completed, runs, traces int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitialized {
		return 0, 0, 0, false
	}
	s.state = StateShuttingDown
	s.sessionsCompleted++
	return s.sessionsCompleted, s.runsEvaluated, s.tracesEvaluated, true
}
