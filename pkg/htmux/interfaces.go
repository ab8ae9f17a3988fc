package htmux

import (
	"bytes"
	"time"
)

// StreamID identifies one transaction on a session. Stream id 0 refers to
// the session itself (connection-scoped events, session flow control).
type StreamID uint32

// SettingID identifies a negotiated codec parameter.
type SettingID uint16

const (
	// SettingMaxConcurrentStreams is the advertised concurrency ceiling.
	SettingMaxConcurrentStreams SettingID = 1
	// SettingInitialWindowSize is the advertised initial per-stream
	// flow-control window, in bytes.
	SettingInitialWindowSize SettingID = 2
)

// Setting is one negotiated parameter.
type Setting struct {
	ID    SettingID
	Value uint32
}

// Settings is a small mutable set of codec parameters.
type Settings struct {
	settings []Setting
}

// Get returns the value for id and whether it is present.
func (s *Settings) Get(id SettingID) (uint32, bool) {
	for _, st := range s.settings {
		if st.ID == id {
			return st.Value, true
		}
	}
	return 0, false
}

// GetDefault returns the value for id, or def if unset.
func (s *Settings) GetDefault(id SettingID, def uint32) uint32 {
	if v, ok := s.Get(id); ok {
		return v
	}
	return def
}

// Set adds or replaces the value for id.
func (s *Settings) Set(id SettingID, value uint32) {
	for i := range s.settings {
		if s.settings[i].ID == id {
			s.settings[i].Value = value
			return
		}
	}
	s.settings = append(s.settings, Setting{id, value})
}

// All returns the settings in insertion order.
func (s *Settings) All() []Setting {
	return s.settings
}

// Codec translates between wire bytes and structured protocol events. A
// codec is owned by exactly one Session and is driven entirely from the
// session's dispatch context; implementations need no locking.
//
// Ingress: the session feeds raw bytes to OnIngress, and the codec invokes
// the registered CodecCallback for each structured event, keyed by stream
// id. OnIngress returns the number of bytes consumed; the session re-offers
// unconsumed bytes later (a codec may stop consuming while an upgrade
// decision is pending).
//
// Egress: the Generate* functions append serialized protocol units for the
// given stream to buf and return the number of payload bytes represented.
type Codec interface {
	SetCallback(cb CodecCallback)
	OnIngress(buf []byte) (int, error)

	// SupportsParallelRequests distinguishes multiplexed codecs from
	// serial (HTTP/1.x) ones. Serial codecs drive the scheduler in FIFO
	// mode and have at most one transaction generating egress at a time.
	SupportsParallelRequests() bool
	// SupportsStreamFlowControl reports per-stream window accounting.
	SupportsStreamFlowControl() bool
	// SupportsSessionFlowControl reports session-wide window accounting.
	SupportsSessionFlowControl() bool
	// IsReusable reports whether another transaction may start on the
	// connection (false once draining, after Connection: close, etc.).
	IsReusable() bool

	GenerateHeader(buf *bytes.Buffer, id StreamID, msg *Message) int
	GenerateBody(buf *bytes.Buffer, id StreamID, body []byte, eom bool) int
	GenerateChunkHeader(buf *bytes.Buffer, id StreamID, length int) int
	GenerateChunkTerminator(buf *bytes.Buffer, id StreamID) int
	GenerateTrailers(buf *bytes.Buffer, id StreamID, trailers Headers) int
	GenerateEOM(buf *bytes.Buffer, id StreamID) int
	GenerateRstStream(buf *bytes.Buffer, id StreamID, code ResetCode) int
	GenerateGoaway(buf *bytes.Buffer, lastGoodStream StreamID, code ResetCode) int
	GenerateWindowUpdate(buf *bytes.Buffer, id StreamID, delta uint32) int
	GenerateSettings(buf *bytes.Buffer) int

	// SetUpgradeResult resolves a pending CONNECT or protocol-upgrade
	// request for the stream. Accepted: the codec switches the stream's
	// ingress to opaque byte delivery, emitting OnMessageComplete with the
	// upgrade flag followed by any buffered bytes as OnBody. Rejected:
	// standard message semantics stay in force.
	SetUpgradeResult(id StreamID, accepted bool)

	// EgressSettings are the parameters this side advertises; the session
	// adjusts them (concurrency ceiling, initial window) before emitting
	// GenerateSettings.
	EgressSettings() *Settings
	// IngressSettings are the parameters most recently received from the
	// peer, nil before any SETTINGS arrived.
	IngressSettings() *Settings
}

// CodecCallback is the event sink a Session registers with its Codec. All
// callbacks are keyed by stream id; id 0 is the session scope.
type CodecCallback interface {
	OnMessageBegin(id StreamID)
	OnHeadersComplete(id StreamID, msg *Message)
	OnBody(id StreamID, data []byte)
	OnChunkHeader(id StreamID, length int)
	OnChunkComplete(id StreamID)
	OnTrailersComplete(id StreamID, trailers Headers)
	OnMessageComplete(id StreamID, upgrade bool)
	OnWindowUpdate(id StreamID, delta uint32)
	OnSettings(settings []Setting)
	OnAbort(id StreamID, code ResetCode)
	OnGoaway(lastGoodStream StreamID, code ResetCode)
	// OnError reports a malformed or unexpected protocol element.
	// parseError distinguishes wire-syntax failures from semantic ones.
	OnError(id StreamID, err error, parseError bool)
}

// Controller is the application-side factory and lifecycle hook for
// Handlers. AttachSession is delivered when a session starts;
// DetachSession exactly once, after the transaction set is empty and the
// transport is closed.
type Controller interface {
	GetRequestHandler(s *Session, msg *Message) Handler
	AttachSession(s *Session)
	DetachSession(s *Session)
}

// Handler is the application logic bound one-to-one to a Transaction.
// Callbacks arrive in a strict order: SetTransaction, OnHeadersComplete,
// zero or more bodies (optionally bracketed by chunk callbacks), optional
// trailers, OnEOM, then OnError if a terminal error occurred, and
// finally DetachTransaction, always last and exactly once. A handler that
// aborts synchronously inside SetTransaction sees none of the ingress
// callbacks, only DetachTransaction.
type Handler interface {
	SetTransaction(txn *Transaction)
	OnHeadersComplete(msg *Message)
	OnBody(data []byte)
	OnChunkHeader(length int)
	OnChunkComplete()
	OnTrailersComplete(trailers Headers)
	OnEOM()
	OnUpgrade(protocol string)
	OnEgressPaused()
	OnEgressResumed()
	OnError(err *Error)
	DetachTransaction()
}

// Transport is the byte pipe under a session. Writes are asynchronous: the
// transport may queue any number of submissions and must invoke the
// callback for each, in order, from the session's dispatch context.
type Transport interface {
	// Good reports transport liveness.
	Good() bool
	// Writable reports whether the transport is currently accepting
	// writes. A false value is backpressure: the session pauses egress
	// and waits for Session.OnTransportWritable.
	Writable() bool
	// Write submits buf for transmission. The transport owns buf until
	// the callback fires.
	Write(buf []byte, cb WriteCallback)
	// CloseNow closes immediately; queued writes may be lost.
	CloseNow()
	// CloseWithReset closes discarding queued data, signalling an abort
	// to the peer where the transport can (TCP RST).
	CloseWithReset()
}

// WriteCallback receives completion of one Transport.Write.
type WriteCallback interface {
	WriteSuccess()
	WriteError(err error)
}

// TimerScheduler is the injected timing abstraction. Each session owns its
// timer handles and cancels them on teardown; fired callbacks must run in
// the session's dispatch context.
type TimerScheduler interface {
	ScheduleTimeout(d time.Duration, fn func()) TimerHandle
}

// TimerHandle cancels one scheduled timeout. Cancel after firing is a no-op.
type TimerHandle interface {
	Cancel()
}

// HandlerBase is a no-op Handler for embedding, so applications and tests
// implement only the callbacks they care about.
type HandlerBase struct{}

func (HandlerBase) SetTransaction(*Transaction)  {}
func (HandlerBase) OnHeadersComplete(*Message)   {}
func (HandlerBase) OnBody([]byte)                {}
func (HandlerBase) OnChunkHeader(int)            {}
func (HandlerBase) OnChunkComplete()             {}
func (HandlerBase) OnTrailersComplete(Headers)   {}
func (HandlerBase) OnEOM()                       {}
func (HandlerBase) OnUpgrade(string)             {}
func (HandlerBase) OnEgressPaused()              {}
func (HandlerBase) OnEgressResumed()             {}
func (HandlerBase) OnError(*Error)               {}
func (HandlerBase) DetachTransaction()           {}
