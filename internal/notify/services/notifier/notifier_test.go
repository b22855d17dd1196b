package notifier

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexdns/notifyd/internal/notify/common/clock"
	"github.com/hexdns/notifyd/internal/notify/common/log"
	"github.com/hexdns/notifyd/internal/notify/domain"
	"github.com/hexdns/notifyd/internal/notify/gateways/wire"
)

// ---- test doubles ----

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeConn is a connected-UDP stand-in. Reads block until a reply is
// queued or the conn is closed.
type fakeConn struct {
	addr      string
	mu        sync.Mutex
	writes    [][]byte
	replies   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr:    addr,
		replies: make(chan []byte, 4),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(b []byte) (int, error) {
	select {
	case p := <-c.replies:
		return copy(b, p), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	c.writes = append(c.writes, cp)
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr("local") }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr(c.addr) }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// fakeDialer hands out fakeConns and records every dial.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	dialed   []string
	failNext int
}

func (d *fakeDialer) Dial(addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("network unreachable")
	}
	c := newFakeConn(addr)
	d.conns = append(d.conns, c)
	d.dialed = append(d.dialed, addr)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeStore records ack persistence calls.
type fakeStore struct {
	mu   sync.Mutex
	acks []ackRecord
	err  error
}

type ackRecord struct {
	zone   string
	target string
	serial uint32
}

func (s *fakeStore) RecordAck(zone, target string, serial uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, ackRecord{zone, target, serial})
	return s.err
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}

// fakeMetrics counts engine metric callbacks.
type fakeMetrics struct {
	sent, acked, rejected, declined, unreachable, sendFailures int
	active                                                     int
}

func (m *fakeMetrics) Sent(string)           { m.sent++ }
func (m *fakeMetrics) Acked(string)          { m.acked++ }
func (m *fakeMetrics) Rejected(string)       { m.rejected++ }
func (m *fakeMetrics) Declined(string)       { m.declined++ }
func (m *fakeMetrics) Unreachable(string)    { m.unreachable++ }
func (m *fakeMetrics) SendFailure(string)    { m.sendFailures++ }
func (m *fakeMetrics) SetActiveSessions(n int) { m.active = n }

// ---- harness ----

type harness struct {
	engine  *Engine
	dialer  *fakeDialer
	clock   *clock.MockClock
	store   *fakeStore
	metrics *fakeMetrics
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		dialer:  &fakeDialer{},
		clock:   &clock.MockClock{},
		store:   &fakeStore{},
		metrics: &fakeMetrics{},
	}
	opts.Codec = wire.NewNotifyCodec(log.NewNoopLogger())
	opts.Dialer = h.dialer
	opts.Clock = h.clock
	opts.Logger = log.NewNoopLogger()
	opts.Store = h.store
	opts.Metrics = h.metrics
	if opts.QueryID == nil {
		next := uint16(0x1000)
		opts.QueryID = func() (uint16, error) {
			next++
			return next, nil
		}
	}
	engine, err := New(opts)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func testSOA(serial uint32) domain.SOA {
	return domain.SOA{
		MName:   "ns1.example.com",
		RName:   "hostmaster.example.com",
		Serial:  serial,
		Refresh: 7200,
		Retry:   3600,
		Expire:  1209600,
		Minimum: 300,
	}
}

func mkTargets(addrs ...string) []domain.Target {
	targets := make([]domain.Target, 0, len(addrs))
	for _, a := range addrs {
		targets = append(targets, domain.Target{Addr: a})
	}
	return targets
}

// reply builds a 12-byte notify reply header.
func reply(id uint16, flags uint16) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint16(b[0:2], id)
	binary.BigEndian.PutUint16(b[2:4], flags)
	return b
}

const (
	flagsAck    = 0xA400 // QR=1, opcode NOTIFY, NOERROR
	flagsNotimp = 0xA404 // QR=1, opcode NOTIFY, NOTIMP
	flagsRefuse = 0xA405 // QR=1, opcode NOTIFY, REFUSED
)

// deliver queues a reply on the session's current socket and runs the
// resulting dispatcher event.
func (h *harness) deliver(t *testing.T, payload []byte) {
	t.Helper()
	conn := h.dialer.last()
	require.NotNil(t, conn)
	conn.replies <- payload
	h.handleNext(t)
}

// fireTimer advances the mock clock past the retry deadline and runs the
// resulting timer event.
func (h *harness) fireTimer(t *testing.T) {
	t.Helper()
	h.clock.Advance(h.engine.retryInterval)
	h.handleNext(t)
}

func (h *harness) handleNext(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.engine.events:
		h.engine.handleEvent(ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatcher event arrived")
	}
}

// check asserts the structural session invariants after a transition.
func check(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.invariant())
}

// ---- tests ----

func TestArmSendsImmediately(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))

	s := h.engine.registry.Find("example.com")
	check(t, s)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 0, s.current)
	assert.Equal(t, 0, s.retries)
	assert.Equal(t, []string{"192.0.2.10:53"}, h.dialer.dialed)

	msg := h.dialer.last().lastWrite()
	require.NotNil(t, msg)
	assert.Equal(t, s.pendingID, binary.BigEndian.Uint16(msg[0:2]), "query carries pending id")
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(msg[6:8]), "ANCOUNT=1 for non-zero serial")
	assert.Equal(t, 1, h.metrics.sent)
	assert.Equal(t, 1, h.metrics.active)
}

func TestScenarioAcknowledge(t *testing.T) {
	// zone with 1 target, serial 5: ack with matching id goes Idle
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	s := h.engine.registry.Find("example.com")

	h.deliver(t, reply(s.pendingID, flagsAck))

	check(t, s)
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.conn)
	assert.Equal(t, 1, h.dialer.dialCount(), "no further sends after ack")
	assert.Equal(t, 1, h.metrics.acked)
	assert.Equal(t, 0, h.metrics.active)
	assert.Equal(t, []ackRecord{{"example.com", "192.0.2.10:53", 5}}, h.store.acks)
}

func TestScenarioRetryExhaustionAdvances(t *testing.T) {
	// first target times out 6 times, session advances to the second
	// with the retry counter reset; second target acknowledges
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com",
		mkTargets("192.0.2.10:53", "192.0.2.20:53")))

	h.engine.arm("example.com", testSOA(7))
	s := h.engine.registry.Find("example.com")

	for i := 1; i <= h.engine.maxRetries; i++ {
		h.fireTimer(t)
		check(t, s)
		assert.Equal(t, 0, s.current, "still on first target")
		assert.Equal(t, i, s.retries)
		assert.LessOrEqual(t, s.retries, h.engine.maxRetries)
	}

	// one more timeout exceeds the budget
	h.fireTimer(t)
	check(t, s)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, s.current, "advanced to second target")
	assert.Equal(t, 0, s.retries, "retry counter reset on advance")
	assert.Equal(t, "192.0.2.20:53", h.dialer.dialed[len(h.dialer.dialed)-1])
	assert.Equal(t, 1, h.metrics.unreachable)

	h.deliver(t, reply(s.pendingID, flagsAck))
	check(t, s)
	assert.Equal(t, StateIdle, s.State())
}

func TestScenarioNotimpAdvancesWithoutRetry(t *testing.T) {
	// NOTIMP on the first of 2 targets: immediate advance, no retry spent
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com",
		mkTargets("192.0.2.10:53", "192.0.2.20:53")))

	h.engine.arm("example.com", testSOA(9))
	s := h.engine.registry.Find("example.com")

	h.deliver(t, reply(s.pendingID, flagsNotimp))

	check(t, s)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, s.current)
	assert.Equal(t, 0, s.retries)
	assert.Equal(t, "192.0.2.20:53", h.dialer.dialed[len(h.dialer.dialed)-1])
	assert.Equal(t, 1, h.metrics.declined)
}

func TestScenarioMismatchedIDResends(t *testing.T) {
	// mismatched id: Reject, same target, same retry count, fresh query id
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	s := h.engine.registry.Find("example.com")
	firstID := s.pendingID

	h.deliver(t, reply(firstID+1, flagsAck))

	check(t, s)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 0, s.current)
	assert.Equal(t, 0, s.retries, "reject never consumes retry budget")
	assert.NotEqual(t, firstID, s.pendingID, "resend uses a fresh query id")
	assert.Equal(t, 2, h.dialer.dialCount(), "immediate resend")
	assert.Equal(t, 1, h.metrics.rejected)
}

func TestErrorRcodeRejects(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	s := h.engine.registry.Find("example.com")

	h.deliver(t, reply(s.pendingID, flagsRefuse))

	check(t, s)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 0, s.current)
	assert.Equal(t, 2, h.dialer.dialCount())
}

func TestMalformedReplyRejects(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	s := h.engine.registry.Find("example.com")

	h.deliver(t, []byte{0xde, 0xad})

	check(t, s)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 2, h.dialer.dialCount(), "truncated datagram triggers resend")
	assert.Equal(t, 1, h.metrics.rejected)
}

func TestArmIdempotent(t *testing.T) {
	// arming twice with the same SOA before any event is equivalent to
	// arming once
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	h.engine.arm("example.com", testSOA(5))

	s := h.engine.registry.Find("example.com")
	check(t, s)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 0, s.current)
	assert.Equal(t, 0, s.retries)
	assert.Equal(t, uint32(5), s.soa.Serial)
	assert.Equal(t, 1, h.metrics.active, "still a single active session")

	h.deliver(t, reply(s.pendingID, flagsAck))
	assert.Equal(t, StateIdle, s.State())
}

func TestArmReplacesSOASnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	h.engine.arm("example.com", testSOA(6))

	s := h.engine.registry.Find("example.com")
	assert.Equal(t, uint32(6), s.soa.Serial)

	msg := h.dialer.last().lastWrite()
	// serial is the first of the trailing five uint32s in the SOA RDATA
	serial := binary.BigEndian.Uint32(msg[len(msg)-20 : len(msg)-16])
	assert.Equal(t, uint32(6), serial)
}

func TestArmWithoutTargetsIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("quiet.example.com", nil))

	h.engine.arm("quiet.example.com", testSOA(5))

	s := h.engine.registry.Find("quiet.example.com")
	check(t, s)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, h.dialer.dialCount())
}

func TestArmUnknownZoneIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.arm("ghost.example.com", testSOA(5))
	assert.Zero(t, h.dialer.dialCount())
}

func TestZeroSerialSendsWithoutAnswer(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(0))

	msg := h.dialer.last().lastWrite()
	require.NotNil(t, msg)
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(msg[6:8]), "ANCOUNT=0 for zero serial")
}

func TestSendFailureLeavesSessionRecoverable(t *testing.T) {
	// socket open failure: session stays Active with no socket, the
	// timer still fires, and the next attempt succeeds
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))
	h.dialer.failNext = 1

	h.engine.arm("example.com", testSOA(5))

	s := h.engine.registry.Find("example.com")
	assert.Equal(t, StateActive, s.State())
	assert.Nil(t, s.conn)
	assert.Equal(t, 1, h.clock.PendingTimers(), "failed send still arms the timer")
	assert.Equal(t, 1, h.metrics.sendFailures)

	h.fireTimer(t)
	check(t, s)
	assert.Equal(t, 1, s.retries)
	assert.NotNil(t, s.conn, "next attempt opened a socket")
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestSocketReplacedOnEverySend(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	first := h.dialer.last()

	h.fireTimer(t)
	second := h.dialer.last()

	assert.NotSame(t, first, second)
	assert.True(t, first.isClosed(), "previous socket closed on resend")
	assert.False(t, second.isClosed())
}

func TestStaleEventDropped(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	s := h.engine.registry.Find("example.com")

	// an event stamped with a previous socket generation must not
	// disturb the session
	h.engine.handleEvent(event{zone: "example.com", gen: s.gen - 1, kind: eventTimer})

	check(t, s)
	assert.Equal(t, 0, s.retries)
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestEventAfterIdleDropped(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	s := h.engine.registry.Find("example.com")
	gen := s.gen

	h.deliver(t, reply(s.pendingID, flagsAck))
	require.Equal(t, StateIdle, s.State())

	h.engine.handleEvent(event{zone: "example.com", gen: gen, kind: eventTimer})
	check(t, s)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestRejectGuardSuppressesResendStorm(t *testing.T) {
	h := newHarness(t, Options{RejectBurst: 2})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	s := h.engine.registry.Find("example.com")

	// first two rejects trigger immediate resends
	h.deliver(t, reply(s.pendingID+1, flagsAck))
	h.deliver(t, reply(s.pendingID+1, flagsAck))
	assert.Equal(t, 3, h.dialer.dialCount())

	// the third is suppressed; the armed timer keeps the session live
	h.deliver(t, reply(s.pendingID+1, flagsAck))
	check(t, s)
	assert.Equal(t, 3, h.dialer.dialCount(), "resend suppressed")
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, h.clock.PendingTimers())

	h.fireTimer(t)
	assert.Equal(t, 4, h.dialer.dialCount(), "retry timer still delivers the next attempt")
}

func TestAckStoreFailureStillAdvances(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.err = errors.New("disk full")
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	h.engine.arm("example.com", testSOA(5))
	s := h.engine.registry.Find("example.com")

	h.deliver(t, reply(s.pendingID, flagsAck))
	assert.Equal(t, StateIdle, s.State())
}

func TestShutdownAllClosesEverySocket(t *testing.T) {
	// 3 active sessions; shutdown closes all sockets and leaves the
	// registry otherwise unchanged
	h := newHarness(t, Options{})
	zonesList := []string{"a.example.com", "b.example.com", "c.example.com"}
	for _, z := range zonesList {
		require.NoError(t, h.engine.Register(z, mkTargets("192.0.2.10:53")))
		h.engine.arm(z, testSOA(5))
	}
	require.Equal(t, 3, h.dialer.dialCount())

	h.engine.closeAll()

	for _, c := range h.dialer.conns {
		assert.True(t, c.isClosed())
	}
	for _, z := range zonesList {
		s := h.engine.registry.Find(z)
		require.NotNil(t, s)
		assert.Nil(t, s.conn)
		assert.Equal(t, StateActive, s.State(), "logical state untouched by teardown")
	}
}

func TestRunAndShutdown(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", mkTargets("192.0.2.10:53")))

	go h.engine.Run()
	h.engine.Arm("example.com", testSOA(5))

	// wait for the loop to process the arm and issue the query
	require.Eventually(t, func() bool {
		c := h.dialer.last()
		return c != nil && c.lastWrite() != nil
	}, 2*time.Second, 5*time.Millisecond)

	// acknowledge through the loop; the persisted ack proves the
	// transition completed
	conn := h.dialer.last()
	msg := conn.lastWrite()
	require.NotNil(t, msg)
	conn.replies <- reply(binary.BigEndian.Uint16(msg[0:2]), flagsAck)

	require.Eventually(t, func() bool {
		return h.store.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.engine.ShutdownAll()
	// a second call must not block or panic
	h.engine.ShutdownAll()
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err, "codec required")

	_, err = New(Options{Codec: wire.NewNotifyCodec(log.NewNoopLogger())})
	assert.Error(t, err, "dialer required")
}

func TestRegisterDuplicateZone(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Register("example.com", nil))
	assert.Error(t, h.engine.Register("example.com", nil))
}
