package htmux

import (
	"strconv"
	"strings"
)

// Headers is an ordered multimap of message header fields. Field names are
// stored lower-cased; lookups are case-insensitive. Order of insertion is
// preserved so that codecs can serialize fields in the order the application
// (or the peer) produced them.
type Headers struct {
	fields []headerField
}

type headerField struct {
	name  string
	value string
}

// Add appends a field, preserving any existing fields with the same name.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, headerField{strings.ToLower(name), value})
}

// Set replaces all fields with the given name by a single field.
func (h *Headers) Set(name, value string) {
	h.Remove(name)
	h.Add(name, value)
}

// Get returns the first value for the given name, or "" if absent.
func (h Headers) Get(name string) string {
	name = strings.ToLower(name)
	for _, f := range h.fields {
		if f.name == name {
			return f.value
		}
	}
	return ""
}

// Exists returns true if at least one field with the given name is present.
func (h Headers) Exists(name string) bool {
	name = strings.ToLower(name)
	for _, f := range h.fields {
		if f.name == name {
			return true
		}
	}
	return false
}

// Remove deletes all fields with the given name.
func (h *Headers) Remove(name string) {
	name = strings.ToLower(name)
	out := h.fields[:0]
	for _, f := range h.fields {
		if f.name != name {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Len returns the number of fields.
func (h Headers) Len() int {
	return len(h.fields)
}

// ForEach invokes fn for every field in insertion order.
func (h Headers) ForEach(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// Copy returns an independent copy of the header set.
func (h Headers) Copy() Headers {
	c := Headers{fields: make([]headerField, len(h.fields))}
	copy(c.fields, h.fields)
	return c
}

// Message is one half of a transaction: either the ingress request delivered
// to a Handler at headers-complete, or the egress response a Handler hands to
// Transaction.SendHeaders. It carries the parsed start line plus headers;
// bodies flow separately through the body callbacks and send operations.
type Message struct {
	// Request fields.
	Method string
	// URL is the request target exactly as it appeared on the wire.
	URL string

	// Response fields.
	StatusCode    int
	StatusMessage string

	VersionMajor int
	VersionMinor int

	Headers  Headers
	Trailers Headers

	// Priority is the egress scheduling band requested for the stream,
	// 0 being the most favored. Codecs without multiplexed priority
	// leave it 0.
	Priority uint8

	// DeclaredLength is the entity length to advertise on egress
	// (Content-Length for HTTP/1.x). Negative means undeclared.
	DeclaredLength int64

	// Chunked marks a message whose body is delivered in explicit chunks.
	Chunked bool

	// Upgraded marks a message that has switched to opaque byte-stream
	// semantics (accepted CONNECT or protocol upgrade).
	Upgraded bool

	// UpgradeRequest names the protocol an ingress message is asking to
	// switch to: "CONNECT" for a CONNECT request, otherwise the value of
	// the Upgrade header. Empty for ordinary messages.
	UpgradeRequest string

	// WantsKeepalive is the peer's (or application's) connection-reuse
	// hint. For ingress it reflects the request version and Connection
	// header; for egress a false value makes the codec mark the
	// connection non-reusable.
	WantsKeepalive bool
}

// NewRequestMessage creates an ingress request message shell.
func NewRequestMessage(method, url string) *Message {
	m := &Message{
		Method:         method,
		DeclaredLength: -1,
		WantsKeepalive: true,
	}
	m.SetURL(url)
	return m
}

// NewResponseMessage creates an egress response message with the given
// status code.
func NewResponseMessage(statusCode int) *Message {
	return &Message{
		StatusCode:     statusCode,
		VersionMajor:   1,
		VersionMinor:   1,
		DeclaredLength: -1,
		WantsKeepalive: true,
	}
}

// SetURL replaces the request target.
func (m *Message) SetURL(url string) {
	m.URL = url
}

// Path returns the path portion of the request target, stripping any scheme,
// authority and query string.
func (m *Message) Path() string {
	u := m.URL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
		if j := strings.IndexByte(u, '/'); j >= 0 {
			u = u[j:]
		} else {
			u = "/"
		}
	}
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return u
}

// QueryString returns the query portion of the request target, without the
// leading '?'. Empty if there is none.
func (m *Message) QueryString() string {
	if i := strings.IndexByte(m.URL, '?'); i >= 0 {
		return m.URL[i+1:]
	}
	return ""
}

// IsRequest returns true for ingress request messages.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// IsUpgradeRequest returns true if the message asks to leave ordinary
// message semantics (CONNECT or an Upgrade header).
func (m *Message) IsUpgradeRequest() bool {
	return m.UpgradeRequest != ""
}

// AcceptsUpgrade reports whether an egress status code accepts the pending
// upgrade request: any 2xx for CONNECT, 101 for an Upgrade header.
func (m *Message) AcceptsUpgrade(statusCode int) bool {
	if m.UpgradeRequest == "" {
		return false
	}
	if m.Method == "CONNECT" {
		return statusCode >= 200 && statusCode < 300
	}
	return statusCode == 101
}

func (m *Message) String() string {
	if m.IsRequest() {
		return m.Method + " " + m.URL + " HTTP/" +
			strconv.Itoa(m.VersionMajor) + "." + strconv.Itoa(m.VersionMinor)
	}
	return "HTTP/" + strconv.Itoa(m.VersionMajor) + "." + strconv.Itoa(m.VersionMinor) +
		" " + strconv.Itoa(m.StatusCode)
}
