package htmux

import "fmt"

// ErrorKind classifies session and transaction failures. Stream-scoped kinds
// reach only the owning transaction's Handler; connection-scoped kinds abort
// every live transaction before the session detaches.
type ErrorKind int

const (
	// KindParseError is malformed wire input. Stream-scoped when the
	// failing stream id is known, otherwise connection-fatal.
	KindParseError ErrorKind = iota

	// KindIngressTimeout is the ingress-idle timer firing while a
	// transaction was still awaiting bytes.
	KindIngressTimeout

	// KindWriteTimeout is an egress stall that outlived the write
	// deadline. Transaction-fatal; connection-fatal only when the stalled
	// transaction was the session's last.
	KindWriteTimeout

	// KindTransportFailure is a connection lost or reset at the
	// transport layer.
	KindTransportFailure

	// KindApplicationAbort is a Handler-initiated abort.
	KindApplicationAbort

	// KindConnectionReset is a peer- or session-initiated hard reset.
	KindConnectionReset

	// KindEOF is end of ingress stream with a transaction still awaiting
	// message completion.
	KindEOF
)

var errorKindNames = [...]string{
	"parse error", "ingress timeout", "write timeout",
	"transport failure", "application abort", "connection reset", "eof",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "unknown"
}

// ResetCode is the stream-reset code carried by codecs that have one on the
// wire (RST frames). Non-multiplexed codecs ignore it.
type ResetCode uint32

const (
	ResetNone          ResetCode = 0
	ResetProtocolError ResetCode = 1
	ResetInternalError ResetCode = 2
	ResetFlowControl   ResetCode = 3
	ResetRefusedStream ResetCode = 4
	ResetCancel        ResetCode = 5
)

// Error is the terminal-error value delivered to Handlers and recorded in a
// transaction's terminal-error slot.
type Error struct {
	Kind     ErrorKind
	StreamID StreamID
	Code     ResetCode
	Msg      string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// IsConnectionScoped reports whether the error tears down the whole session
// rather than a single stream.
func (e *Error) IsConnectionScoped() bool {
	switch e.Kind {
	case KindTransportFailure, KindConnectionReset:
		return true
	case KindParseError:
		return e.StreamID == 0
	}
	return false
}

func newError(kind ErrorKind, id StreamID, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, StreamID: id, Msg: fmt.Sprintf(format, args...)}
}
