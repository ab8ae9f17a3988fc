package htmux_test

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/htmux/pkg/htmux"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// testTransport is an in-memory htmux.Transport. Writes queue until the
// test acknowledges them; pauseWrites simulates transport backpressure.
type testTransport struct {
	session *htmux.Session

	writable bool
	closed   bool
	reset    bool

	// Each completed submission, in order.
	writes [][]byte
	// Submitted but not yet acknowledged.
	pending []pendingWrite
}

type pendingWrite struct {
	buf []byte
	cb  htmux.WriteCallback
}

func newTestTransport() *testTransport {
	return &testTransport{writable: true}
}

func (tt *testTransport) Good() bool     { return !tt.closed }
func (tt *testTransport) Writable() bool { return tt.writable && !tt.closed }

func (tt *testTransport) Write(buf []byte, cb htmux.WriteCallback) {
	b := make([]byte, len(buf))
	copy(b, buf)
	tt.pending = append(tt.pending, pendingWrite{buf: b, cb: cb})
}

func (tt *testTransport) CloseNow()       { tt.closed = true }
func (tt *testTransport) CloseWithReset() { tt.closed = true; tt.reset = true }

// ack completes the oldest pending write.
func (tt *testTransport) ack() bool {
	if len(tt.pending) == 0 {
		return false
	}
	w := tt.pending[0]
	tt.pending = tt.pending[1:]
	tt.writes = append(tt.writes, w.buf)
	w.cb.WriteSuccess()
	return true
}

// flush acknowledges pending writes until no more are submitted.
func (tt *testTransport) flush() {
	for !tt.closed && tt.ack() {
	}
}

func (tt *testTransport) pauseWrites() { tt.writable = false }

func (tt *testTransport) resumeWrites() {
	tt.writable = true
	if tt.session != nil {
		tt.session.OnTransportWritable()
	}
	tt.flush()
}

func (tt *testTransport) allBytes() []byte {
	var out bytes.Buffer
	for _, w := range tt.writes {
		out.Write(w)
	}
	return out.Bytes()
}

// testTimers is a manually-fired htmux.TimerScheduler.
type testTimers struct {
	timers []*testTimer
}

type testTimer struct {
	d         time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (tm *testTimer) Cancel() { tm.cancelled = true }

func (ts *testTimers) ScheduleTimeout(d time.Duration, fn func()) htmux.TimerHandle {
	tm := &testTimer{d: d, fn: fn}
	ts.timers = append(ts.timers, tm)
	return tm
}

// fireNext fires the oldest live timer. Returns false if none is armed.
func (ts *testTimers) fireNext() bool {
	for _, tm := range ts.timers {
		if !tm.cancelled && !tm.fired {
			tm.fired = true
			tm.fn()
			return true
		}
	}
	return false
}

func (ts *testTimers) liveCount() int {
	n := 0
	for _, tm := range ts.timers {
		if !tm.cancelled && !tm.fired {
			n++
		}
	}
	return n
}

// mockHandler records the callback sequence and delegates to optional
// hooks.
type mockHandler struct {
	t      *testing.T
	txn    *htmux.Transaction
	events []string
	msg    *htmux.Message
	body   bytes.Buffer
	errs   []*htmux.Error

	onSetTransaction func(h *mockHandler)
	onHeaders        func(h *mockHandler, msg *htmux.Message)
	onBody           func(h *mockHandler, data []byte)
	onEOM            func(h *mockHandler)
	onUpgrade        func(h *mockHandler, protocol string)
	onPaused         func(h *mockHandler)
	onResumed        func(h *mockHandler)
	onError          func(h *mockHandler, err *htmux.Error)
	onDetach         func(h *mockHandler)
}

func (h *mockHandler) record(ev string) { h.events = append(h.events, ev) }

func (h *mockHandler) SetTransaction(txn *htmux.Transaction) {
	h.txn = txn
	h.record("setTransaction")
	if h.onSetTransaction != nil {
		h.onSetTransaction(h)
	}
}

func (h *mockHandler) OnHeadersComplete(msg *htmux.Message) {
	h.msg = msg
	h.record("headersComplete")
	if h.onHeaders != nil {
		h.onHeaders(h, msg)
	}
}

func (h *mockHandler) OnBody(data []byte) {
	h.body.Write(data)
	h.record("body")
	if h.onBody != nil {
		h.onBody(h, data)
	}
}

func (h *mockHandler) OnChunkHeader(length int) { h.record("chunkHeader") }
func (h *mockHandler) OnChunkComplete()         { h.record("chunkComplete") }

func (h *mockHandler) OnTrailersComplete(trailers htmux.Headers) {
	h.record("trailers")
}

func (h *mockHandler) OnEOM() {
	h.record("eom")
	if h.onEOM != nil {
		h.onEOM(h)
	}
}

func (h *mockHandler) OnUpgrade(protocol string) {
	h.record("upgrade")
	if h.onUpgrade != nil {
		h.onUpgrade(h, protocol)
	}
}

func (h *mockHandler) OnEgressPaused() {
	h.record("egressPaused")
	if h.onPaused != nil {
		h.onPaused(h)
	}
}

func (h *mockHandler) OnEgressResumed() {
	h.record("egressResumed")
	if h.onResumed != nil {
		h.onResumed(h)
	}
}

func (h *mockHandler) OnError(err *htmux.Error) {
	h.errs = append(h.errs, err)
	h.record("error")
	if h.onError != nil {
		h.onError(h, err)
	}
}

func (h *mockHandler) DetachTransaction() {
	h.record("detach")
	if h.onDetach != nil {
		h.onDetach(h)
	}
}

func (h *mockHandler) detachCount() int {
	n := 0
	for _, ev := range h.events {
		if ev == "detach" {
			n++
		}
	}
	return n
}

// sendReply queues a complete fixed-length response.
func (h *mockHandler) sendReply(code int, bodyLen int) {
	msg := htmux.NewResponseMessage(code)
	msg.DeclaredLength = int64(bodyLen)
	h.txn.SendHeaders(msg)
	if bodyLen > 0 {
		h.txn.SendBody(make([]byte, bodyLen))
	}
	h.txn.SendEOM()
}

// mockController hands out queued handlers and counts lifecycle events.
type mockController struct {
	handlers     []*mockHandler
	requests     int
	attached     int
	detached     int
	detachedChan chan struct{}
}

func newMockController(handlers ...*mockHandler) *mockController {
	return &mockController{
		handlers:     handlers,
		detachedChan: make(chan struct{}, 8),
	}
}

func (c *mockController) GetRequestHandler(s *htmux.Session, msg *htmux.Message) htmux.Handler {
	c.requests++
	if len(c.handlers) == 0 {
		return nil
	}
	h := c.handlers[0]
	c.handlers = c.handlers[1:]
	return h
}

func (c *mockController) AttachSession(s *htmux.Session) { c.attached++ }

func (c *mockController) DetachSession(s *htmux.Session) {
	c.detached++
	select {
	case c.detachedChan <- struct{}{}:
	default:
	}
}

// testRig wires a session over the mock transport, codec and timers.
type testRig struct {
	t          *testing.T
	session    *htmux.Session
	transport  *testTransport
	timers     *testTimers
	controller *mockController
}

func newTestRig(t *testing.T, codec htmux.Codec, ctl *mockController,
	cfg htmux.SessionConfig) *testRig {
	lg := testLogger(t)
	tt := newTestTransport()
	timers := &testTimers{}
	session := htmux.NewSession(lg, tt, codec, ctl, timers, cfg)
	tt.session = session
	return &testRig{
		t:          t,
		session:    session,
		transport:  tt,
		timers:     timers,
		controller: ctl,
	}
}

// start begins the session and flushes its preamble.
func (r *testRig) start() {
	r.session.StartNow()
	r.transport.flush()
}

// feed delivers ingress and flushes any resulting egress.
func (r *testRig) feed(data []byte) {
	r.session.OnIngress(data)
	r.transport.flush()
}

func (r *testRig) feedStr(s string) { r.feed([]byte(s)) }

func (r *testRig) eof() {
	r.session.OnIngressEOF()
	r.transport.flush()
}

func (r *testRig) expectEvents(h *mockHandler, want ...string) {
	r.t.Helper()
	if len(h.events) != len(want) {
		r.t.Fatalf("handler events %v, want %v", h.events, want)
	}
	for i, ev := range want {
		if h.events[i] != ev {
			r.t.Fatalf("handler events %v, want %v", h.events, want)
		}
	}
}

func (r *testRig) expectDetached() {
	r.t.Helper()
	if r.controller.detached != 1 {
		r.t.Fatalf("controller detached %d times, want 1", r.controller.detached)
	}
	if !r.transport.closed {
		r.t.Fatalf("transport not closed at session detach")
	}
}
