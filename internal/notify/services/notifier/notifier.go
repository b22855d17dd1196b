// Package notifier implements the NOTIFY dispatch engine: a per-zone
// retry/advance state machine (RFC 1996) driven by a single dispatcher
// goroutine that multiplexes socket reads and retry timers across all
// sessions. Secondaries are tried in configured order; each gets a
// bounded number of attempts before the session moves on.
package notifier

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hexdns/notifyd/internal/notify/common/clock"
	"github.com/hexdns/notifyd/internal/notify/common/log"
	"github.com/hexdns/notifyd/internal/notify/domain"
	"github.com/hexdns/notifyd/internal/notify/gateways/wire"
)

const (
	// DefaultRetryInterval is the time between notify attempts to the
	// same target.
	DefaultRetryInterval = 15 * time.Second
	// DefaultMaxRetries is the number of timeouts tolerated per target
	// before it is abandoned for this notify run.
	DefaultMaxRetries = 5
	// DefaultRejectBurst caps how many malformed-reply resends a single
	// target can trigger inside one retry interval. Beyond the burst the
	// armed timer provides the next attempt.
	DefaultRejectBurst = 32
)

type eventKind int

const (
	eventReadable eventKind = iota
	eventTimer
)

// event is one wake delivered to the dispatcher: a datagram read from a
// session's socket, or the session's retry timer expiring. gen is the
// socket generation at registration time; stale events are dropped.
type event struct {
	zone    string
	gen     uint64
	kind    eventKind
	payload []byte
}

type armRequest struct {
	zone string
	soa  domain.SOA
}

// Engine owns every notify session and runs all transitions on a single
// goroutine, so no two transitions ever interleave.
type Engine struct {
	registry *Registry
	codec    wire.NotifyCodec
	dialer   Dialer
	clock    clock.Clock
	logger   log.Logger
	store    AckStore
	metrics  Metrics
	keys     map[string]domain.TSIGKey

	retryInterval time.Duration
	maxRetries    int
	rejectBurst   int
	rejectGuard   *expirable.LRU[string, int]
	newID         func() (uint16, error)

	activeCount int

	armCh    chan armRequest
	events   chan event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Options defines configuration parameters for the notify engine.
type Options struct {
	// required parameters
	Codec  wire.NotifyCodec
	Dialer Dialer
	// optional collaborators
	Clock   clock.Clock
	Logger  log.Logger
	Store   AckStore
	Metrics Metrics
	// Keys maps TSIG key names to key material, shared by all zones.
	Keys map[string]domain.TSIGKey
	// tunables; zero values select the defaults above
	RetryInterval time.Duration
	MaxRetries    int
	RejectBurst   int
	// QueryID can be injected for testing purposes.
	QueryID func() (uint16, error)
}

// New creates a notify engine with the specified options.
// Returns an error if the codec or dialer is not provided.
func New(opts Options) (*Engine, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("notify codec is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoopMetrics()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RejectBurst <= 0 {
		opts.RejectBurst = DefaultRejectBurst
	}
	if opts.QueryID == nil {
		opts.QueryID = randomQueryID
	}

	return &Engine{
		registry:      NewRegistry(),
		codec:         opts.Codec,
		dialer:        opts.Dialer,
		clock:         opts.Clock,
		logger:        opts.Logger,
		store:         opts.Store,
		metrics:       opts.Metrics,
		keys:          opts.Keys,
		retryInterval: opts.RetryInterval,
		maxRetries:    opts.MaxRetries,
		rejectBurst:   opts.RejectBurst,
		rejectGuard:   expirable.NewLRU[string, int](1024, nil, opts.RetryInterval),
		newID:         opts.QueryID,
		armCh:         make(chan armRequest, 16),
		events:        make(chan event, 64),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// randomQueryID draws an unpredictable query identifier. Reply validation
// keys on this ID, so it must not be guessable by an off-path attacker.
func randomQueryID() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to draw query id: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// Register creates the session for a zone at load time. Must complete
// before any Arm call for the zone.
func (e *Engine) Register(zone string, targets []domain.Target) error {
	_, err := e.registry.Insert(zone, targets)
	if err != nil {
		return err
	}
	e.logger.Debug(map[string]any{
		"zone":    zone,
		"targets": len(targets),
	}, "Registered notify session")
	return nil
}

// Registry exposes the session registry for inspection.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Arm requests a notify run for the zone with the given SOA snapshot.
// Called by the zone-update pipeline whenever a zone's serial changes.
// Safe to call from any goroutine; the transition itself runs on the
// engine loop. A no-op if notify is not configured for the zone.
func (e *Engine) Arm(zone string, soa domain.SOA) {
	select {
	case e.armCh <- armRequest{zone: zone, soa: soa}:
	case <-e.stopCh:
	}
}

// Run executes the dispatcher loop until the stop channel closes. All
// session transitions happen here, one at a time.
func (e *Engine) Run() {
	defer close(e.doneCh)

	e.logger.Info(map[string]any{
		"sessions":       e.registry.Len(),
		"retry_interval": e.retryInterval.String(),
		"max_retries":    e.maxRetries,
	}, "Notify engine started")

	for {
		select {
		case <-e.stopCh:
			e.closeAll()
			e.logger.Info(nil, "Notify engine stopped")
			return
		case req := <-e.armCh:
			e.arm(req.zone, req.soa)
		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

// ShutdownAll stops the dispatcher and force-closes every open socket.
// Blocks until the loop has drained. Called once at process termination.
func (e *Engine) ShutdownAll() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// closeAll force-closes every session's socket and timer without
// otherwise disturbing session state; the process is terminating and the
// logical retry/target state is discarded regardless.
func (e *Engine) closeAll() {
	e.registry.ForEach(func(s *Session) {
		s.closeSocket()
		s.stopTimer()
	})
}

// arm resets a session to the first target with a fresh SOA snapshot and
// issues an immediate send. Arming an already-active session simply
// restarts it, so back-to-back arms are idempotent.
func (e *Engine) arm(zone string, soa domain.SOA) {
	s := e.registry.Find(zone)
	if s == nil {
		e.logger.Warn(map[string]any{"zone": zone}, "Arm for unregistered zone ignored")
		return
	}
	if len(s.targets) == 0 {
		// Absence of configured secondaries is a valid steady state.
		e.logger.Debug(map[string]any{"zone": zone}, "Notify not configured for zone")
		return
	}

	s.soa = soa
	s.retries = 0
	s.current = 0
	if s.state != StateActive {
		s.state = StateActive
		e.activeCount++
		e.metrics.SetActiveSessions(e.activeCount)
	}

	e.logger.Info(map[string]any{
		"zone":    zone,
		"serial":  soa.Serial,
		"targets": len(s.targets),
	}, "Zone serial changed, notifying secondaries")

	e.send(s)
}

// handleEvent drives one session transition. Whatever the event, an
// Active session always leaves with a freshly issued query and an armed
// timer; the one exception is a rejected reply suppressed by the resend
// guard, which rides out the already-armed timer.
func (e *Engine) handleEvent(ev event) {
	s := e.registry.Find(ev.zone)
	if s == nil {
		return
	}
	if s.state != StateActive || ev.gen != s.gen {
		e.logger.Debug(map[string]any{
			"zone": ev.zone,
			"gen":  ev.gen,
		}, "Dropped stale session event")
		return
	}

	resend := true
	switch ev.kind {
	case eventReadable:
		resend = e.handleReply(s, ev.payload)
	case eventTimer:
		s.timer = nil
		s.retries++
		if s.retries > e.maxRetries {
			e.logger.Error(map[string]any{
				"zone":     s.zone,
				"target":   s.currentTarget().Addr,
				"attempts": s.retries,
			}, "Max notify attempts reached, target unreachable")
			e.metrics.Unreachable(s.zone)
			e.advance(s)
		} else {
			e.logger.Debug(map[string]any{
				"zone":   s.zone,
				"target": s.currentTarget().Addr,
				"retry":  s.retries,
			}, "Notify timeout")
		}
	}

	if resend && s.state == StateActive {
		e.send(s)
	}
}

// handleReply validates one datagram read from the session's socket and
// applies the verdict. Returns false when the post-transition resend must
// be skipped (reject storm suppression).
func (e *Engine) handleReply(s *Session, payload []byte) bool {
	target := s.currentTarget()

	verdict := domain.VerdictReject
	hdr, err := e.codec.DecodeReplyHeader(payload)
	if err != nil {
		e.logger.Warn(map[string]any{
			"zone":   s.zone,
			"target": target.Addr,
			"error":  err.Error(),
		}, "Received malformed notify reply")
	} else {
		verdict = domain.ValidateReply(hdr, s.pendingID)
	}

	switch verdict {
	case domain.VerdictAcknowledged:
		e.logger.Info(map[string]any{
			"zone":   s.zone,
			"target": target.Addr,
			"serial": s.soa.Serial,
		}, "Target acknowledges notify")
		e.metrics.Acked(s.zone)
		if e.store != nil {
			if err := e.store.RecordAck(s.zone, target.Addr, s.soa.Serial); err != nil {
				e.logger.Warn(map[string]any{
					"zone":  s.zone,
					"error": err.Error(),
				}, "Failed to persist notify ack")
			}
		}
		e.advance(s)

	case domain.VerdictGiveUp:
		// rfc1996: a NOTIMP reply means retries to this target are futile.
		e.logger.Warn(map[string]any{
			"zone":   s.zone,
			"target": target.Addr,
		}, "Target declined notify (NOTIMP), abandoning target")
		e.metrics.Declined(s.zone)
		e.advance(s)

	case domain.VerdictReject:
		if err == nil {
			e.logger.Warn(map[string]any{
				"zone":   s.zone,
				"target": target.Addr,
				"rcode":  hdr.RCode.String(),
				"id":     hdr.ID,
			}, "Rejected notify reply")
		}
		e.metrics.Rejected(s.zone)
		// A reject never consumes retry budget; it triggers an immediate
		// resend unless this target is flooding us with garbage.
		if !e.allowRejectResend(target.Addr) {
			e.logger.Warn(map[string]any{
				"zone":   s.zone,
				"target": target.Addr,
			}, "Reject resend suppressed, waiting for retry timer")
			return false
		}
	}
	return true
}

// allowRejectResend rate-limits immediate resends caused by rejected
// replies. The counter window matches the retry interval, so suppression
// never outlives the armed timer.
func (e *Engine) allowRejectResend(addr string) bool {
	n, _ := e.rejectGuard.Get(addr)
	n++
	e.rejectGuard.Add(addr, n)
	return n <= e.rejectBurst
}

// advance moves the session to the next configured target, or back to
// Idle when the list is exhausted.
func (e *Engine) advance(s *Session) {
	s.current++
	s.retries = 0
	if s.current >= len(s.targets) {
		e.logger.Info(map[string]any{
			"zone":   s.zone,
			"serial": s.soa.Serial,
		}, "No more notify targets, stopping notify")
		e.disable(s)
	}
}

// disable returns the session to Idle: socket closed, timer cancelled,
// no further events expected.
func (e *Engine) disable(s *Session) {
	s.closeSocket()
	s.stopTimer()
	s.state = StateIdle
	s.current = 0
	s.retries = 0
	s.pendingID = 0
	e.activeCount--
	e.metrics.SetActiveSessions(e.activeCount)
}

// send issues a NOTIFY query to the session's current target. The old
// socket is always replaced, and whatever happens the retry timer ends
// up armed, so a failed send can never strand the session.
func (e *Engine) send(s *Session) {
	s.closeSocket()
	s.stopTimer()
	s.gen++

	target := s.currentTarget()

	// The timer is armed before anything that can fail, mirroring the
	// guarantee that Send always results in a future wake.
	e.armTimer(s)

	id, err := e.newID()
	if err != nil {
		e.logger.Error(map[string]any{
			"zone":  s.zone,
			"error": err.Error(),
		}, "Failed to assign notify query id")
		return
	}

	msg, err := e.codec.EncodeNotify(s.zone, id, s.soa)
	if err != nil {
		e.logger.Error(map[string]any{
			"zone":  s.zone,
			"error": err.Error(),
		}, "Failed to encode notify query")
		return
	}

	if target.KeyName != "" {
		key, ok := e.keys[target.KeyName]
		if !ok {
			e.logger.Error(map[string]any{
				"zone":   s.zone,
				"target": target.Addr,
				"key":    target.KeyName,
			}, "Unknown TSIG key for notify target")
			return
		}
		// An unsigned query must never go to a target that expects
		// signing, so a signing failure skips the send entirely.
		msg, err = e.codec.AppendTSIG(msg, key, e.clock.Now())
		if err != nil {
			e.logger.Error(map[string]any{
				"zone":   s.zone,
				"target": target.Addr,
				"key":    target.KeyName,
				"error":  err.Error(),
			}, "Failed to sign notify query")
			return
		}
	}

	s.pendingID = id

	conn, err := e.dialer.Dial(target.Addr)
	if err != nil {
		e.logger.Error(map[string]any{
			"zone":    s.zone,
			"target":  target.Addr,
			"attempt": s.retries,
			"error":   err.Error(),
		}, "Could not open notify socket")
		e.metrics.SendFailure(s.zone)
		return
	}
	if _, err := conn.Write(msg); err != nil {
		_ = conn.Close()
		e.logger.Error(map[string]any{
			"zone":    s.zone,
			"target":  target.Addr,
			"attempt": s.retries,
			"error":   err.Error(),
		}, "Could not send notify")
		e.metrics.SendFailure(s.zone)
		return
	}

	s.conn = conn
	go e.readReply(conn, s.zone, s.gen)

	e.metrics.Sent(s.zone)
	e.logger.Info(map[string]any{
		"zone":    s.zone,
		"target":  target.Addr,
		"attempt": s.retries,
		"id":      id,
	}, "Sent notify")
}

// armTimer schedules the session's next wake and records the deadline.
func (e *Engine) armTimer(s *Session) {
	zone := s.zone
	gen := s.gen
	s.deadline = e.clock.Now().Add(e.retryInterval)
	s.timer = e.clock.AfterFunc(e.retryInterval, func() {
		e.postEvent(event{zone: zone, gen: gen, kind: eventTimer})
	})
}

// readReply reads a single datagram from a session socket and posts it to
// the dispatcher. The socket is connected, so the kernel discards
// datagrams from anyone but the target. When the socket is replaced the
// read fails and the goroutine exits silently.
func (e *Engine) readReply(conn net.Conn, zone string, gen uint64) {
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	e.postEvent(event{zone: zone, gen: gen, kind: eventReadable, payload: buf[:n]})
}

// postEvent delivers an event to the dispatcher unless the engine is
// shutting down.
func (e *Engine) postEvent(ev event) {
	select {
	case e.events <- ev:
	case <-e.stopCh:
	}
}
