package notifier

import (
	"fmt"
	"net"
	"time"

	"github.com/hexdns/notifyd/internal/notify/common/clock"
	"github.com/hexdns/notifyd/internal/notify/domain"
)

// State is the lifecycle state of a notify session.
type State int

const (
	// StateIdle means no target is current, no socket is open, and no
	// timer or read event is expected.
	StateIdle State = iota
	// StateActive means a target is current, a query has been issued,
	// and the session is waiting for a reply or a timeout.
	StateActive
)

// String returns the textual representation of the State.
func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// Session is the per-zone notify state machine. One Session exists for
// every loaded zone, created at zone load even when notify is not
// configured, so state exists uniformly. All fields are owned by the
// engine goroutine; the engine serializes every transition.
type Session struct {
	zone    string
	targets []domain.Target

	state     State
	current   int
	retries   int
	pendingID uint16
	soa       domain.SOA
	conn      net.Conn
	timer     clock.Timer
	deadline  time.Time

	// gen increments every time the socket is replaced. Events stamped
	// with an older generation belong to a closed socket and are dropped,
	// so a read and a timer can never race across a resend.
	gen uint64
}

// Zone returns the session's zone apex.
func (s *Session) Zone() string {
	return s.zone
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Retries returns the attempts made against the current target since it
// became current.
func (s *Session) Retries() int {
	return s.retries
}

// currentTarget returns the target the session is working on. Only
// meaningful while the session is Active.
func (s *Session) currentTarget() domain.Target {
	return s.targets[s.current]
}

// closeSocket closes and clears the session's socket, if any.
func (s *Session) closeSocket() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// stopTimer cancels and clears the session's retry timer, if any.
func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// invariant verifies the structural invariants of the session state.
// Illegal combinations (socket open while Idle, target index out of
// range while Active) are reported as errors.
func (s *Session) invariant() error {
	switch s.state {
	case StateIdle:
		if s.conn != nil {
			return fmt.Errorf("zone %s: idle session holds an open socket", s.zone)
		}
		if s.timer != nil {
			return fmt.Errorf("zone %s: idle session holds an armed timer", s.zone)
		}
	case StateActive:
		if s.current < 0 || s.current >= len(s.targets) {
			return fmt.Errorf("zone %s: active session target index %d out of range [0,%d)",
				s.zone, s.current, len(s.targets))
		}
		if s.retries < 0 {
			return fmt.Errorf("zone %s: negative retry count %d", s.zone, s.retries)
		}
	default:
		return fmt.Errorf("zone %s: unknown session state %d", s.zone, s.state)
	}
	return nil
}
