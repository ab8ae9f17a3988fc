// Package htmux provides a protocol-agnostic HTTP session layer: one
// Session per transport connection hosting one or more Transactions
// (request/response exchanges), with a pluggable wire Codec, priority
// egress scheduling, flow-control windows and ingress/egress deadlines.
//
// A session is single-threaded by construction: an external run loop (see
// package htloop) delivers ingress bytes, write completions and timer
// firings one at a time, so neither the session nor its codec, handlers or
// transactions take locks. Handler callbacks may synchronously call back
// into the session; structural changes are deferred to the end of the
// current dispatch.
package htmux
