package notifier

import (
	"net"
)

// Dialer opens a connected UDP socket toward a notify target.
type Dialer interface {
	Dial(addr string) (net.Conn, error)
}

// AckStore records which serial each target last acknowledged. The store
// is informational only: the state machine never consults it.
type AckStore interface {
	RecordAck(zone, target string, serial uint32) error
}

// Metrics receives notify dispatch counters. Implementations must be
// safe for use from the engine goroutine only.
type Metrics interface {
	Sent(zone string)
	Acked(zone string)
	Rejected(zone string)
	Declined(zone string)
	Unreachable(zone string)
	SendFailure(zone string)
	SetActiveSessions(n int)
}

// noopMetrics discards all counter updates.
type noopMetrics struct{}

func (noopMetrics) Sent(string)           {}
func (noopMetrics) Acked(string)          {}
func (noopMetrics) Rejected(string)       {}
func (noopMetrics) Declined(string)       {}
func (noopMetrics) Unreachable(string)    {}
func (noopMetrics) SendFailure(string)    {}
func (noopMetrics) SetActiveSessions(int) {}

// NewNoopMetrics returns a Metrics implementation that discards everything.
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}
