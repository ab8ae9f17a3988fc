package htmux

import (
	"bytes"
	"fmt"
	"time"

	"github.com/sammck-go/logger"
)

// defaultInitialWindow is the protocol-default flow-control window assumed
// for both sides before any renegotiation.
const defaultInitialWindow = 65536

// maxRefusedTracked bounds the set of remembered refused stream ids. A peer
// that opens refused streams and never closes them must not grow session
// state without limit.
const maxRefusedTracked = 1024

// SessionConfig carries the tunables for one Session.
type SessionConfig struct {
	// IngressTimeout is the ingress-idle deadline (0 = default).
	IngressTimeout time.Duration
	// WriteTimeout is the egress-stall deadline (0 = default).
	WriteTimeout time.Duration
	// MaxConcurrentIncoming is the self-imposed concurrency ceiling for
	// peer-initiated streams. 0 means unlimited.
	MaxConcurrentIncoming uint32
	// PerTurnBytes bounds how many bytes one transaction may move to the
	// transport in a single scheduling turn (0 = 4096).
	PerTurnBytes int
	// WriteBufLimit is the buffered-egress watermark above which handler
	// egress is paused (0 = 65536).
	WriteBufLimit int
}

func (c *SessionConfig) fillDefaults() {
	if c.PerTurnBytes <= 0 {
		c.PerTurnBytes = 4096
	}
	if c.WriteBufLimit <= 0 {
		c.WriteBufLimit = 65536
	}
}

// Session hosts one or more transactions on a single transport connection,
// abstracted over a pluggable wire codec. It owns the transport, the codec
// and the transaction set; routes codec events to transactions; and drives
// the egress scheduler and the timeout governor.
//
// A session lives entirely inside one cooperative dispatch domain: an
// external run loop delivers ingress readiness, write completions and timer
// firings one at a time, so no internal locking is used. Handler callbacks
// may synchronously re-enter the session; structural changes to the
// transaction index are deferred until the current dispatch unwinds.
type Session struct {
	logger.Logger

	transport  Transport
	codec      Codec
	controller Controller
	cfg        SessionConfig
	gov        *timeoutGovernor
	sched      *egressScheduler

	streams map[StreamID]*Transaction
	refused map[StreamID]bool

	selfCeiling uint32
	draining    bool
	goawaySent  bool
	started     bool

	ingressEOF      bool
	forceClose      bool
	resetPending    bool
	transportClosed bool
	sessionDetached bool

	// Egress flow control (window-carrying codecs only).
	sessionSendWindow window
	peerInitialWindow uint32
	initialRecvWindow uint32
	sessionRecvWindow uint32
	streamRelease     map[StreamID]uint32
	sessionRelease    uint32

	// Write pipeline. controlBuf carries codec-level frames (settings,
	// goaway, resets, window updates) which jump ahead of transaction
	// egress.
	controlBuf        bytes.Buffer
	writeSizes        []int
	pendingWriteCount int
	pendingWriteBytes int
	egressPausedAll   bool

	dispatchDepth int
	inDrain       bool
	pumpAgain     bool
	pendingDetach []*Transaction
}

var _ CodecCallback = (*Session)(nil)
var _ WriteCallback = (*Session)(nil)

// NewSession creates a session over the given transport and codec and
// announces it to the controller. Call SetFlowControl (optionally) and then
// StartNow before delivering ingress.
func NewSession(lg logger.Logger, transport Transport, codec Codec,
	controller Controller, timers TimerScheduler, cfg SessionConfig) *Session {
	cfg.fillDefaults()
	s := &Session{
		Logger:            lg,
		transport:         transport,
		codec:             codec,
		controller:        controller,
		cfg:               cfg,
		streams:           make(map[StreamID]*Transaction),
		refused:           make(map[StreamID]bool),
		selfCeiling:       cfg.MaxConcurrentIncoming,
		sessionSendWindow: newWindow(defaultInitialWindow),
		peerInitialWindow: defaultInitialWindow,
		initialRecvWindow: defaultInitialWindow,
		sessionRecvWindow: defaultInitialWindow,
		streamRelease:     make(map[StreamID]uint32),
	}
	s.gov = newTimeoutGovernor(timers, cfg.IngressTimeout, cfg.WriteTimeout, s.onIngressIdle)
	s.sched = newEgressScheduler(!codec.SupportsParallelRequests())
	codec.SetCallback(s)
	controller.AttachSession(s)
	return s
}

// SetFlowControl configures the default per-stream windows and the
// session-wide receive window for window-carrying codecs. It has no effect
// for codecs without flow control, and must precede StartNow.
func (s *Session) SetFlowControl(initialRecvWindow, initialSendWindow, sessionRecvWindow uint32) {
	if !s.codec.SupportsStreamFlowControl() {
		return
	}
	s.initialRecvWindow = initialRecvWindow
	s.peerInitialWindow = initialSendWindow
	s.sessionRecvWindow = sessionRecvWindow
	s.codec.EgressSettings().Set(SettingInitialWindowSize, initialRecvWindow)
}

// SetMaxConcurrentIncomingStreams renegotiates the self-imposed concurrency
// ceiling. The change is advisory-forward: streams already admitted under a
// higher ceiling are served to completion.
func (s *Session) SetMaxConcurrentIncomingStreams(n uint32) {
	s.selfCeiling = n
	s.codec.EgressSettings().Set(SettingMaxConcurrentStreams, n)
}

// StartNow emits the initial codec preamble (settings, session window
// update) and makes the session live.
func (s *Session) StartNow() {
	if s.started {
		return
	}
	s.started = true
	s.enterDispatch()
	if s.selfCeiling > 0 {
		s.codec.EgressSettings().Set(SettingMaxConcurrentStreams, s.selfCeiling)
	}
	if s.codec.SupportsParallelRequests() {
		s.codec.GenerateSettings(&s.controlBuf)
	}
	if s.codec.SupportsSessionFlowControl() && s.sessionRecvWindow > defaultInitialWindow {
		s.codec.GenerateWindowUpdate(&s.controlBuf, 0, s.sessionRecvWindow-defaultInitialWindow)
	}
	s.exitDispatch()
}

// NumActiveTransactions returns the number of live transactions.
func (s *Session) NumActiveTransactions() int { return len(s.streams) }

// IsDraining reports whether the session has stopped admitting streams.
func (s *Session) IsDraining() bool { return s.draining }

// Dispatch guard: handler callbacks may synchronously mutate the session,
// so structural changes (detaches) and write pumping are deferred until the
// outermost dispatch unwinds.

func (s *Session) enterDispatch() { s.dispatchDepth++ }

func (s *Session) exitDispatch() {
	s.dispatchDepth--
	if s.dispatchDepth == 0 {
		s.drainDeferred()
	}
}

func (s *Session) drainDeferred() {
	if s.inDrain {
		return
	}
	s.inDrain = true
	for {
		for len(s.pendingDetach) > 0 {
			t := s.pendingDetach[0]
			s.pendingDetach = s.pendingDetach[1:]
			s.finalizeDetach(t)
		}
		s.updateIngressTimer()
		s.pumpAgain = false
		s.pumpWrites()
		// Pumping can complete transactions (queueing detaches) and
		// its pause/resume notifications can enqueue fresh egress.
		if len(s.pendingDetach) == 0 && !s.pumpAgain {
			break
		}
	}
	s.inDrain = false
	s.maybeCloseSession()
}

// OnIngress feeds transport bytes to the codec, which dispatches structured
// events back into the session. Unconsumed bytes (a codec holding for an
// upgrade decision buffers internally) are the codec's responsibility.
func (s *Session) OnIngress(data []byte) {
	if s.sessionDetached || s.transportClosed {
		return
	}
	s.enterDispatch()
	n, err := s.codec.OnIngress(data)
	if err != nil {
		s.WLogErrorf("ingress codec failure: %s", err)
		s.onConnectionError(newError(KindParseError, 0, "%s", err))
	} else if n < len(data) {
		s.DLogf("codec left %d ingress bytes unconsumed", len(data)-n)
	}
	if s.anyAwaitingIngress() {
		s.gov.refreshIngress()
	}
	s.exitDispatch()
}

// OnIngressEOF signals end of the ingress byte stream. Transactions still
// awaiting message completion observe EOM (if upgraded to an opaque stream)
// or an EOF error; the session closes once egress has drained.
func (s *Session) OnIngressEOF() {
	if s.sessionDetached || s.ingressEOF {
		return
	}
	s.enterDispatch()
	s.ingressEOF = true
	for _, t := range s.snapshot() {
		if t.ingressComplete || t.aborted {
			continue
		}
		if t.upgraded {
			t.deliverEOM()
			s.checkComplete(t)
		} else if t.headersDone {
			err := newError(KindEOF, t.id, "transport EOF before end of message")
			t.deliverError(err)
			s.abortTransaction(t, err, false)
		} else {
			s.abortTransaction(t, nil, false)
		}
	}
	s.exitDispatch()
}

// OnTransportWritable is the transport's readiness callback, invoked when a
// backpressured transport is accepting writes again.
func (s *Session) OnTransportWritable() {
	if s.sessionDetached {
		return
	}
	s.enterDispatch()
	s.exitDispatch()
}

// WriteSuccess completes the oldest outstanding transport write.
func (s *Session) WriteSuccess() {
	if s.sessionDetached || len(s.writeSizes) == 0 {
		return
	}
	s.enterDispatch()
	s.pendingWriteBytes -= s.writeSizes[0]
	s.writeSizes = s.writeSizes[1:]
	s.pendingWriteCount--
	s.exitDispatch()
}

// WriteError is a transport-level write failure: connection-fatal.
func (s *Session) WriteError(err error) {
	if s.sessionDetached {
		return
	}
	s.enterDispatch()
	s.onConnectionError(newError(KindTransportFailure, 0, "write failed: %s", err))
	s.exitDispatch()
}

// NotifyPendingShutdown puts the session into draining mode: no new
// transactions are admitted (for serial codecs the next response is marked
// non-keepalive; multiplexed codecs emit a graceful-shutdown advisory), and
// the transport closes once the last transaction detaches.
func (s *Session) NotifyPendingShutdown() {
	if s.draining || s.sessionDetached {
		return
	}
	s.enterDispatch()
	s.draining = true
	if s.codec.SupportsParallelRequests() && !s.goawaySent {
		s.goawaySent = true
		s.codec.GenerateGoaway(&s.controlBuf, s.highestSeenStream(), ResetNone)
	}
	s.exitDispatch()
}

// TimeoutExpired is the shared ingress-idle deadline. It is a no-op when no
// live transaction is awaiting further ingress; otherwise every transaction
// still awaiting ingress is aborted with an idle-timeout error.
func (s *Session) TimeoutExpired() {
	if s.sessionDetached {
		return
	}
	s.enterDispatch()
	if s.anyAwaitingIngress() {
		for _, t := range s.snapshot() {
			if t.ingressComplete || t.aborted {
				continue
			}
			err := newError(KindIngressTimeout, t.id, "ingress idle timeout")
			t.deliverError(err)
			s.abortTransaction(t, err, false)
		}
	}
	s.exitDispatch()
}

func (s *Session) onIngressIdle() {
	s.TimeoutExpired()
}

// ShutdownTransportWithReset aborts all live transactions with the given
// error and closes the transport immediately; used for connection-fatal
// failures.
func (s *Session) ShutdownTransportWithReset(err *Error) {
	if s.sessionDetached {
		return
	}
	s.enterDispatch()
	for _, t := range s.snapshot() {
		t.deliverError(err)
		s.abortTransaction(t, err, false)
	}
	s.resetPending = true
	s.exitDispatch()
}

func (s *Session) onConnectionError(err *Error) {
	for _, t := range s.snapshot() {
		t.deliverError(err)
		s.abortTransaction(t, err, false)
	}
	s.resetPending = true
}

// CodecCallback implementation: ingress event routing.

// OnMessageBegin admits a new stream, creating its transaction. An
// over-ceiling or post-drain stream on a multiplexed codec is refused with
// a codec-generated stream reset.
func (s *Session) OnMessageBegin(id StreamID) {
	s.enterDispatch()
	defer s.exitDispatch()
	if s.streams[id] != nil {
		s.DLogf("message begin for live stream %d, ignored", id)
		return
	}
	parallel := s.codec.SupportsParallelRequests()
	if parallel && (s.draining || !s.admissible()) {
		s.DLogf("refusing stream %d (draining=%v)", id, s.draining)
		s.noteRefused(id)
		s.codec.GenerateRstStream(&s.controlBuf, id, ResetRefusedStream)
		return
	}
	t := &Transaction{
		Logger:  s.ForkLogStr(fmt.Sprintf("txn %d", id)),
		id:      id,
		session: s,
	}
	if s.codec.SupportsStreamFlowControl() {
		t.useWindow = true
		t.sendWindow = newWindow(s.peerInitialWindow)
	}
	s.streams[id] = t
	s.gov.armIngress()
}

// admissible applies the self-imposed concurrency ceiling. Transactions
// whose response is already fully specified (EOM queued) no longer occupy a
// slot, so a stream admitted under a higher ceiling that has since been
// lowered never blocks its already-answered predecessors.
func (s *Session) admissible() bool {
	if s.selfCeiling == 0 {
		return true
	}
	occupied := uint32(0)
	for _, t := range s.streams {
		if !t.eomQueued && !t.aborted {
			occupied++
		}
	}
	return occupied < s.selfCeiling
}

// noteRefused remembers a refused stream id so later wire events for it do
// not trigger another reset. The set is capped; entries are dropped on
// message-complete, on a peer reset, or by eviction at the cap.
func (s *Session) noteRefused(id StreamID) {
	if len(s.refused) >= maxRefusedTracked {
		for old := range s.refused {
			delete(s.refused, old)
			if len(s.refused) < maxRefusedTracked {
				break
			}
		}
	}
	s.refused[id] = true
}

// OnHeadersComplete binds a Handler to the stream's transaction and
// delivers the parsed message. A handler aborting synchronously during bind
// suppresses headers-complete and all later ingress callbacks.
func (s *Session) OnHeadersComplete(id StreamID, msg *Message) {
	s.enterDispatch()
	defer s.exitDispatch()
	t := s.streams[id]
	if t == nil {
		return
	}
	t.priority = msg.Priority
	handler := s.controller.GetRequestHandler(s, msg)
	if handler == nil {
		s.DLogf("no handler for stream %d, refusing", id)
		if s.codec.SupportsParallelRequests() {
			s.codec.GenerateRstStream(&s.controlBuf, id, ResetRefusedStream)
		}
		s.abortTransaction(t, nil, false)
		return
	}
	t.handler = handler
	handler.SetTransaction(t)
	if t.aborted || t.detached {
		return
	}
	if s.egressPausedAll {
		s.pauseTxnEgress(t)
	}
	t.deliverHeadersComplete(msg)
}

// OnBody delivers ingress body bytes and replenishes receive windows.
func (s *Session) OnBody(id StreamID, data []byte) {
	s.enterDispatch()
	defer s.exitDispatch()
	t := s.streams[id]
	if t == nil {
		return
	}
	t.deliverBody(data)
	s.releaseRecvWindow(id, uint32(len(data)))
}

func (s *Session) OnChunkHeader(id StreamID, length int) {
	s.enterDispatch()
	defer s.exitDispatch()
	if t := s.streams[id]; t != nil {
		t.deliverChunkHeader(length)
	}
}

func (s *Session) OnChunkComplete(id StreamID) {
	s.enterDispatch()
	defer s.exitDispatch()
	if t := s.streams[id]; t != nil {
		t.deliverChunkComplete()
	}
}

func (s *Session) OnTrailersComplete(id StreamID, trailers Headers) {
	s.enterDispatch()
	defer s.exitDispatch()
	if t := s.streams[id]; t != nil {
		t.deliverTrailers(trailers)
	}
}

// OnMessageComplete concludes ingress for the stream. With the upgrade
// flag it instead switches the stream to opaque byte-stream delivery.
func (s *Session) OnMessageComplete(id StreamID, upgrade bool) {
	s.enterDispatch()
	defer s.exitDispatch()
	delete(s.refused, id)
	t := s.streams[id]
	if t == nil {
		return
	}
	if upgrade {
		proto := ""
		if t.ingressMsg != nil {
			proto = t.ingressMsg.UpgradeRequest
		}
		t.deliverUpgrade(proto)
		return
	}
	t.deliverEOM()
	s.checkComplete(t)
}

// OnWindowUpdate replenishes egress credit; stream id 0 is the session
// window.
func (s *Session) OnWindowUpdate(id StreamID, delta uint32) {
	s.enterDispatch()
	defer s.exitDispatch()
	if id == 0 {
		s.sessionSendWindow.free(delta)
		for _, t := range s.snapshot() {
			s.unblockWindow(t)
		}
		return
	}
	if t := s.streams[id]; t != nil && t.useWindow {
		t.sendWindow.free(delta)
		s.unblockWindow(t)
	}
}

// OnSettings applies peer parameters. An initial-window change adjusts
// every open stream's send window by the delta.
func (s *Session) OnSettings(settings []Setting) {
	s.enterDispatch()
	defer s.exitDispatch()
	for _, st := range settings {
		switch st.ID {
		case SettingInitialWindowSize:
			s.peerInitialWindow = st.Value
			for _, t := range s.streams {
				if t.useWindow {
					t.sendWindow.setCapacity(st.Value)
				}
			}
			for _, t := range s.snapshot() {
				s.unblockWindow(t)
			}
		case SettingMaxConcurrentStreams:
			// Peer's ceiling constrains locally-initiated streams;
			// a downstream session initiates none.
		}
	}
}

// OnAbort is a peer-originated stream reset.
func (s *Session) OnAbort(id StreamID, code ResetCode) {
	s.enterDispatch()
	defer s.exitDispatch()
	delete(s.refused, id)
	t := s.streams[id]
	if t == nil {
		return
	}
	err := &Error{Kind: KindApplicationAbort, StreamID: id, Code: code, Msg: "reset by peer"}
	t.deliverError(err)
	s.abortTransaction(t, err, false)
}

// OnGoaway is a peer graceful-shutdown advisory: stop opening streams.
func (s *Session) OnGoaway(lastGoodStream StreamID, code ResetCode) {
	s.DLogf("peer goaway, last good stream %d code %d", lastGoodStream, code)
}

// OnError handles malformed wire input. Stream-scoped errors abort (or
// refuse, via a codec-generated reset, when no transaction exists yet) only
// the failing stream; errors without a stream id are connection-fatal.
func (s *Session) OnError(id StreamID, err error, parseError bool) {
	s.enterDispatch()
	defer s.exitDispatch()
	if id == 0 {
		s.WLogErrorf("connection-fatal codec error: %s", err)
		s.onConnectionError(newError(KindParseError, 0, "%s", err))
		return
	}
	t := s.streams[id]
	if t == nil {
		if s.refused[id] {
			return
		}
		s.DLogf("parse failure on unknown stream %d, generating reset", id)
		s.noteRefused(id)
		s.codec.GenerateRstStream(&s.controlBuf, id, ResetRefusedStream)
		return
	}
	e := newError(KindParseError, id, "%s", err)
	t.deliverError(e)
	if s.codec.SupportsParallelRequests() {
		s.codec.GenerateRstStream(&s.controlBuf, id, ResetProtocolError)
	}
	s.abortTransaction(t, e, false)
}

// resolveUpgrade relays the egress upgrade decision to the codec, which
// switches ingress interpretation (and may synchronously deliver buffered
// bytes as opaque body).
func (s *Session) resolveUpgrade(t *Transaction, accepted bool) {
	s.DLogf("stream %d upgrade %v", t.id, accepted)
	s.codec.SetUpgradeResult(t.id, accepted)
}

// Egress machinery.

// reserveSendWindow grants up to want bytes of egress credit for t against
// both the stream and session windows.
func (s *Session) reserveSendWindow(t *Transaction, want int) int {
	if want <= 0 {
		return 0
	}
	granted := want
	if t.useWindow {
		granted = t.sendWindow.reserve(granted)
	}
	if s.codec.SupportsSessionFlowControl() {
		g := s.sessionSendWindow.reserve(granted)
		if g < granted && t.useWindow {
			t.sendWindow.free(uint32(granted - g))
		}
		granted = g
	}
	return granted
}

func (s *Session) txnEgressEnqueued(t *Transaction) {
	if t.detached || t.aborted {
		return
	}
	if s.egressGateOpen(t) {
		s.sched.activate(t)
	}
	s.pumpAgain = true
}

// egressGateOpen enforces response ordering for serial codecs: only the
// oldest live stream may generate egress; pipelined successors wait.
func (s *Session) egressGateOpen(t *Transaction) bool {
	if s.codec.SupportsParallelRequests() {
		return true
	}
	for id, other := range s.streams {
		if other != t && id < t.id && !other.egressDone && !other.aborted {
			return false
		}
	}
	return true
}

func (s *Session) reopenEgressGate() {
	if s.codec.SupportsParallelRequests() {
		return
	}
	var next *Transaction
	for _, t := range s.streams {
		if t.egressDone || t.aborted || !t.hasPendingEgress() {
			continue
		}
		if next == nil || t.id < next.id {
			next = t
		}
	}
	if next != nil && s.egressGateOpen(next) {
		s.sched.activate(next)
	}
}

func (s *Session) bufferedEgressBytes() int {
	total := s.pendingWriteBytes
	for _, t := range s.streams {
		total += t.queuedBytes
	}
	return total
}

// pumpWrites drives scheduling turns: control frames first, then one
// bounded turn per chosen transaction, each handed to the transport as a
// single asynchronous write.
func (s *Session) pumpWrites() {
	if s.transportClosed || s.sessionDetached || !s.started {
		return
	}
	for s.transport.Good() && s.transport.Writable() {
		if s.controlBuf.Len() > 0 {
			buf := make([]byte, s.controlBuf.Len())
			copy(buf, s.controlBuf.Bytes())
			s.controlBuf.Reset()
			s.submitWrite(buf)
			continue
		}
		if s.pendingWriteBytes >= s.cfg.WriteBufLimit {
			break
		}
		t := s.sched.next()
		if t == nil {
			break
		}
		var buf bytes.Buffer
		_, blocked := t.generateTurn(&buf, s.cfg.PerTurnBytes)
		if blocked || !t.hasPendingEgress() {
			s.sched.deactivate(t)
		}
		if blocked {
			s.pauseTxnEgress(t)
		}
		if buf.Len() > 0 {
			s.submitWrite(buf.Bytes())
		}
		if t.egressDone {
			s.txnEgressComplete(t)
		}
	}
	s.updateEgressPauseState()
}

func (s *Session) submitWrite(buf []byte) {
	s.pendingWriteBytes += len(buf)
	s.pendingWriteCount++
	s.writeSizes = append(s.writeSizes, len(buf))
	s.transport.Write(buf, s)
}

func (s *Session) txnEgressComplete(t *Transaction) {
	t.cancelStallTimer()
	s.reopenEgressGate()
	s.checkComplete(t)
}

// updateEgressPauseState delivers OnEgressPaused/OnEgressResumed when the
// session as a whole stops or resumes accepting egress (transport
// backpressure or the buffered-egress watermark).
func (s *Session) updateEgressPauseState() {
	blocked := s.transport.Good() &&
		(!s.transport.Writable() || s.bufferedEgressBytes() > s.cfg.WriteBufLimit)
	if blocked && !s.egressPausedAll {
		s.egressPausedAll = true
		for _, t := range s.snapshot() {
			s.pauseTxnEgress(t)
		}
	} else if !blocked && s.egressPausedAll {
		s.egressPausedAll = false
		for _, t := range s.snapshot() {
			s.resumeTxnEgress(t)
		}
	}
}

func (s *Session) pauseTxnEgress(t *Transaction) {
	if t.detached || t.aborted || t.handler == nil || t.egressPausedSeen {
		return
	}
	t.egressPausedSeen = true
	if t.stallTimer == nil && t.hasPendingEgress() {
		txn := t
		t.stallTimer = s.gov.armStall(func() {
			txn.stallTimer = nil
			s.txnWriteTimeout(txn)
		})
	}
	t.handler.OnEgressPaused()
}

func (s *Session) resumeTxnEgress(t *Transaction) {
	if t.detached || t.aborted || !t.egressPausedSeen {
		return
	}
	if t.windowBlocked || s.egressPausedAll {
		return
	}
	t.egressPausedSeen = false
	t.cancelStallTimer()
	t.handler.OnEgressResumed()
	s.checkComplete(t)
}

func (s *Session) unblockWindow(t *Transaction) {
	if !t.windowBlocked {
		return
	}
	if t.useWindow && t.sendWindow.blocked() {
		return
	}
	if s.codec.SupportsSessionFlowControl() && s.sessionSendWindow.blocked() {
		return
	}
	t.windowBlocked = false
	if t.hasPendingEgress() && s.egressGateOpen(t) {
		s.sched.activate(t)
	}
	s.resumeTxnEgress(t)
}

// txnWriteTimeout is the egress-stall deadline firing: fatal to the stalled
// transaction, and to the connection only if it was the last one.
func (s *Session) txnWriteTimeout(t *Transaction) {
	if t.detached || t.aborted {
		return
	}
	s.enterDispatch()
	s.DLogf("write timeout on stream %d", t.id)
	err := newError(KindWriteTimeout, t.id, "egress stalled past write deadline")
	t.deliverError(err)
	if !s.codec.SupportsParallelRequests() || len(s.streams) == 1 {
		// The stalled transaction was the connection's last; the
		// transport itself is not making progress.
		s.resetPending = true
	}
	s.abortTransaction(t, err, false)
	s.exitDispatch()
}

// releaseRecvWindow accumulates consumed ingress credit and emits stream
// and session window updates once more than half the session window has
// been consumed, batching updates the way release-counter protocols do.
func (s *Session) releaseRecvWindow(id StreamID, n uint32) {
	if !s.codec.SupportsStreamFlowControl() || n == 0 {
		return
	}
	s.streamRelease[id] += n
	s.sessionRelease += n
	if s.sessionRelease <= s.sessionRecvWindow/2 {
		return
	}
	for sid, count := range s.streamRelease {
		if t := s.streams[sid]; t != nil && !t.ingressComplete {
			s.codec.GenerateWindowUpdate(&s.controlBuf, sid, count)
		}
		delete(s.streamRelease, sid)
	}
	if s.codec.SupportsSessionFlowControl() {
		s.codec.GenerateWindowUpdate(&s.controlBuf, 0, s.sessionRelease)
	}
	s.sessionRelease = 0
}

// Teardown paths.

// abortTransaction terminates t immediately: pending egress is discarded
// and exactly one detach is guaranteed. Bytes already delivered to the
// handler are not undone.
func (s *Session) abortTransaction(t *Transaction, err *Error, byHandler bool) {
	if t.detached || t.aborted {
		return
	}
	s.enterDispatch()
	t.aborted = true
	if err != nil && t.termErr == nil {
		t.termErr = err
	}
	t.discardEgress()
	s.sched.deactivate(t)
	t.cancelStallTimer()
	if byHandler && s.codec.SupportsParallelRequests() && !t.egressDone {
		s.codec.GenerateRstStream(&s.controlBuf, t.id, ResetCancel)
	}
	if !s.codec.SupportsParallelRequests() {
		// A serial connection cannot recover mid-exchange.
		s.forceClose = true
	}
	s.scheduleDetach(t)
	s.reopenEgressGate()
	s.exitDispatch()
}

func (s *Session) checkComplete(t *Transaction) {
	if t.detachScheduled || t.detached {
		return
	}
	if t.ingressComplete && t.egressDone && !t.egressPausedSeen {
		s.scheduleDetach(t)
	}
}

func (s *Session) scheduleDetach(t *Transaction) {
	if t.detachScheduled {
		return
	}
	t.detachScheduled = true
	s.pendingDetach = append(s.pendingDetach, t)
	if s.dispatchDepth == 0 {
		s.drainDeferred()
	}
}

// finalizeDetach removes t from the transaction index and delivers the
// single terminal DetachTransaction callback.
func (s *Session) finalizeDetach(t *Transaction) {
	if t.detached {
		return
	}
	t.detached = true
	delete(s.streams, t.id)
	s.sched.deactivate(t)
	t.cancelStallTimer()
	delete(s.streamRelease, t.id)
	if t.handler != nil {
		s.dispatchDepth++
		t.handler.DetachTransaction()
		s.dispatchDepth--
	}
	s.reopenEgressGate()
}

func (s *Session) anyAwaitingIngress() bool {
	for _, t := range s.streams {
		if !t.ingressComplete && !t.aborted {
			return true
		}
	}
	return false
}

func (s *Session) updateIngressTimer() {
	if s.sessionDetached {
		return
	}
	if s.anyAwaitingIngress() && !s.ingressEOF {
		s.gov.armIngress()
	} else {
		s.gov.disarmIngress()
	}
}

func (s *Session) highestSeenStream() StreamID {
	var max StreamID
	for id := range s.streams {
		if id > max {
			max = id
		}
	}
	return max
}

func (s *Session) snapshot() []*Transaction {
	out := make([]*Transaction, 0, len(s.streams))
	for _, t := range s.streams {
		out = append(out, t)
	}
	return out
}

// maybeCloseSession closes the transport once the transaction set is empty
// and no more traffic is possible or wanted, then fires detachSession
// exactly once.
func (s *Session) maybeCloseSession() {
	if s.sessionDetached {
		return
	}
	if len(s.streams) > 0 || len(s.pendingDetach) > 0 {
		return
	}
	if !s.transportClosed {
		wantClose := s.ingressEOF || s.draining || s.forceClose ||
			s.resetPending || !s.codec.IsReusable() || !s.transport.Good()
		if !wantClose {
			return
		}
		if s.resetPending {
			s.transport.CloseWithReset()
		} else {
			if s.pendingWriteCount > 0 || s.controlBuf.Len() > 0 {
				// Let queued egress flush; rechecked on write
				// completion.
				return
			}
			s.transport.CloseNow()
		}
		s.transportClosed = true
	}
	s.sessionDetached = true
	s.gov.shutdown()
	s.DLogf("session detached")
	s.controller.DetachSession(s)
}
