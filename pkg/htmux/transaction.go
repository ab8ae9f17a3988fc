package htmux

import (
	"bytes"

	"github.com/sammck-go/logger"
)

// TxnState is the observable lifecycle state of a Transaction.
type TxnState int

const (
	// TxnHeadersPending: created, ingress headers not yet delivered.
	TxnHeadersPending TxnState = iota
	// TxnActive: full duplex; either direction may still be open.
	TxnActive
	// TxnCompleted: both directions concluded cleanly.
	TxnCompleted
	// TxnAborted: terminated by error or abort.
	TxnAborted
	// TxnDetached: terminal; the handler has been detached.
	TxnDetached
)

type segKind int

const (
	segHeaders segKind = iota
	segBody
	segChunkHeader
	segChunkTerm
	segTrailers
	segEOM
)

// egressSegment is one queued egress unit awaiting a scheduling turn.
type egressSegment struct {
	kind     segKind
	msg      *Message
	data     []byte
	length   int
	trailers Headers
}

// Transaction is one request/response exchange on a Session: the per-stream
// state machine owning ingress delivery order, the ordered egress queue, and
// the per-stream flow-control window. Transactions are created by the
// session when the codec signals a new stream and destroyed only through the
// single DetachTransaction delivery.
//
// All methods must be invoked from the session's dispatch context. The
// handler-facing Send* operations never block: they enqueue egress which the
// session's scheduler later drains to the transport.
type Transaction struct {
	logger.Logger

	id       StreamID
	session  *Session // non-owning back-reference
	handler  Handler
	priority uint8

	// Scheduler ring linkage; see egressScheduler.
	schedNext, schedPrev *Transaction
	schedActive          bool

	ingressMsg      *Message
	headersDone     bool
	ingressComplete bool
	upgraded        bool
	upgradeResolved bool

	egressMsg     *Message
	headersSent   bool
	eomQueued     bool
	egressDone    bool
	queue         []egressSegment
	queuedBytes   int
	sendWindow    window
	useWindow     bool
	windowBlocked bool

	egressPausedSeen bool
	stallTimer       TimerHandle

	aborted         bool
	termErr         *Error
	errDelivered    bool
	detachScheduled bool
	detached        bool
}

// ID returns the stream identifier.
func (t *Transaction) ID() StreamID { return t.id }

// Session returns the owning session.
func (t *Transaction) Session() *Session { return t.session }

// Priority returns the egress scheduling band (0 most favored).
func (t *Transaction) Priority() uint8 { return t.priority }

// State derives the observable lifecycle state.
func (t *Transaction) State() TxnState {
	switch {
	case t.detached:
		return TxnDetached
	case t.aborted:
		return TxnAborted
	case t.ingressComplete && t.egressDone:
		return TxnCompleted
	case t.headersDone:
		return TxnActive
	}
	return TxnHeadersPending
}

// IsIngressComplete reports whether end-of-message (or abort) was observed.
func (t *Transaction) IsIngressComplete() bool { return t.ingressComplete || t.aborted }

// IsEgressComplete reports whether the egress EOM has been generated (or the
// transaction aborted).
func (t *Transaction) IsEgressComplete() bool { return t.egressDone || t.aborted }

// Error returns the terminal error, nil for clean completion.
func (t *Transaction) Error() *Error { return t.termErr }

func (t *Transaction) hasPendingEgress() bool {
	return len(t.queue) > 0
}

func (t *Transaction) canSend(op string) bool {
	if t.detached || t.aborted {
		t.DLogf("txn %d: %s after terminal state, ignored", t.id, op)
		return false
	}
	if t.eomQueued {
		t.DLogf("txn %d: %s after EOM, ignored", t.id, op)
		return false
	}
	return true
}

// SendHeaders enqueues the response headers. For a pending CONNECT or
// protocol-upgrade request, the status code decides the upgrade: an
// accepting code switches ingress to opaque delivery, a rejecting one
// leaves standard message semantics in force.
func (t *Transaction) SendHeaders(msg *Message) {
	if !t.canSend("SendHeaders") {
		return
	}
	if t.headersSent {
		t.DLogf("txn %d: duplicate SendHeaders, ignored", t.id)
		return
	}
	t.session.enterDispatch()
	defer t.session.exitDispatch()
	t.headersSent = true
	t.egressMsg = msg
	t.enqueue(egressSegment{kind: segHeaders, msg: msg})
	if t.ingressMsg != nil && t.ingressMsg.IsUpgradeRequest() && !t.upgradeResolved {
		t.upgradeResolved = true
		t.session.resolveUpgrade(t, t.ingressMsg.AcceptsUpgrade(msg.StatusCode))
	}
}

// SendReplyCode sends a bare status code with an empty body and EOM.
func (t *Transaction) SendReplyCode(code int) {
	msg := NewResponseMessage(code)
	msg.DeclaredLength = 0
	t.SendHeaders(msg)
	t.SendEOM()
}

// SendBody enqueues body bytes. The transaction takes ownership of body.
func (t *Transaction) SendBody(body []byte) {
	if !t.canSend("SendBody") || len(body) == 0 {
		return
	}
	t.session.enterDispatch()
	defer t.session.exitDispatch()
	t.queuedBytes += len(body)
	t.enqueue(egressSegment{kind: segBody, data: body})
}

// SendChunkHeader begins an explicit chunk of the given length.
func (t *Transaction) SendChunkHeader(length int) {
	if !t.canSend("SendChunkHeader") {
		return
	}
	t.session.enterDispatch()
	defer t.session.exitDispatch()
	t.enqueue(egressSegment{kind: segChunkHeader, length: length})
}

// SendChunkTerminator ends the current explicit chunk.
func (t *Transaction) SendChunkTerminator() {
	if !t.canSend("SendChunkTerminator") {
		return
	}
	t.session.enterDispatch()
	defer t.session.exitDispatch()
	t.enqueue(egressSegment{kind: segChunkTerm})
}

// SendTrailers enqueues trailing headers, delivered before EOM.
func (t *Transaction) SendTrailers(trailers Headers) {
	if !t.canSend("SendTrailers") {
		return
	}
	t.session.enterDispatch()
	defer t.session.exitDispatch()
	t.enqueue(egressSegment{kind: segTrailers, trailers: trailers})
}

// SendEOM marks egress end-of-message.
func (t *Transaction) SendEOM() {
	if !t.canSend("SendEOM") {
		return
	}
	t.session.enterDispatch()
	defer t.session.exitDispatch()
	t.eomQueued = true
	t.enqueue(egressSegment{kind: segEOM})
}

// SendAbort cancels the transaction immediately and unconditionally. The
// handler receives exactly one DetachTransaction and no further ingress
// callbacks; bytes already delivered are not undone.
func (t *Transaction) SendAbort() {
	if t.detached || t.aborted {
		return
	}
	t.session.abortTransaction(t, nil, true)
}

func (t *Transaction) enqueue(seg egressSegment) {
	t.queue = append(t.queue, seg)
	t.session.txnEgressEnqueued(t)
}

// generateTurn serializes up to quota bytes of queued egress through the
// codec into buf. Returns the bytes produced and whether the transaction is
// blocked on a flow-control window.
func (t *Transaction) generateTurn(buf *bytes.Buffer, quota int) (int, bool) {
	codec := t.session.codec
	start := buf.Len()
	blocked := false
	for quota > 0 && len(t.queue) > 0 {
		seg := &t.queue[0]
		switch seg.kind {
		case segHeaders:
			msg := seg.msg
			if t.session.draining && !codec.SupportsParallelRequests() {
				msg.WantsKeepalive = false
			}
			quota -= codec.GenerateHeader(buf, t.id, msg)
			t.popSegment()
		case segBody:
			want := len(seg.data)
			if want > quota {
				want = quota
			}
			granted := t.session.reserveSendWindow(t, want)
			if granted == 0 {
				blocked = true
				quota = 0
				break
			}
			quota -= codec.GenerateBody(buf, t.id, seg.data[:granted], false)
			seg.data = seg.data[granted:]
			t.queuedBytes -= granted
			if len(seg.data) == 0 {
				t.popSegment()
			}
		case segChunkHeader:
			quota -= codec.GenerateChunkHeader(buf, t.id, seg.length)
			t.popSegment()
		case segChunkTerm:
			quota -= codec.GenerateChunkTerminator(buf, t.id)
			t.popSegment()
		case segTrailers:
			quota -= codec.GenerateTrailers(buf, t.id, seg.trailers)
			t.popSegment()
		case segEOM:
			codec.GenerateEOM(buf, t.id)
			t.popSegment()
			t.egressDone = true
			quota = 0
		}
	}
	t.windowBlocked = blocked
	return buf.Len() - start, blocked
}

func (t *Transaction) popSegment() {
	t.queue[0] = egressSegment{}
	t.queue = t.queue[1:]
}

func (t *Transaction) discardEgress() {
	t.queue = nil
	t.queuedBytes = 0
}

// Ingress dispatch, invoked by the session. An aborted transaction
// swallows everything: a handler that aborted during SetTransaction must
// never see headers-complete or later callbacks.

func (t *Transaction) deliverHeadersComplete(msg *Message) {
	if t.aborted || t.detached {
		return
	}
	t.ingressMsg = msg
	t.headersDone = true
	t.handler.OnHeadersComplete(msg)
}

func (t *Transaction) deliverBody(data []byte) {
	if t.aborted || t.detached {
		return
	}
	t.handler.OnBody(data)
}

func (t *Transaction) deliverChunkHeader(length int) {
	if t.aborted || t.detached {
		return
	}
	t.handler.OnChunkHeader(length)
}

func (t *Transaction) deliverChunkComplete() {
	if t.aborted || t.detached {
		return
	}
	t.handler.OnChunkComplete()
}

func (t *Transaction) deliverTrailers(trailers Headers) {
	if t.aborted || t.detached {
		return
	}
	t.handler.OnTrailersComplete(trailers)
}

func (t *Transaction) deliverUpgrade(protocol string) {
	if t.aborted || t.detached {
		return
	}
	t.upgraded = true
	if t.ingressMsg != nil {
		t.ingressMsg.Upgraded = true
	}
	t.handler.OnUpgrade(protocol)
}

func (t *Transaction) deliverEOM() {
	if t.aborted || t.detached || t.ingressComplete {
		return
	}
	t.ingressComplete = true
	t.handler.OnEOM()
}

func (t *Transaction) deliverError(err *Error) {
	if t.detached || t.errDelivered {
		return
	}
	if t.termErr == nil {
		t.termErr = err
	}
	if t.handler == nil {
		return
	}
	t.errDelivered = true
	t.handler.OnError(err)
}

func (t *Transaction) cancelStallTimer() {
	if t.stallTimer != nil {
		t.stallTimer.Cancel()
		t.stallTimer = nil
	}
}
