// Package htcodec provides wire codecs for htmux sessions: an incremental
// HTTP/1.x codec and a length-prefixed multiplexed framing codec.
package htcodec

import (
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/sammck-go/htmux/pkg/htmux"
)

const (
	// maxHeaderBytes bounds the unparsed ingress a single message's start
	// line and headers may occupy before the connection is torn down.
	maxHeaderBytes = 65536
	// maxLeadingEmptyLines bounds tolerated blank lines between messages.
	maxLeadingEmptyLines = 16
)

type h1State int

const (
	h1Idle h1State = iota
	h1Headers
	h1BodyFixed
	h1ChunkSize
	h1ChunkData
	h1ChunkDataEnd
	h1Trailers
	h1UpgradePending
	h1Opaque
	h1Closed
)

// HTTP1Codec is the serial server-side HTTP/1.x codec. Requests are parsed
// incrementally from arbitrarily fragmented ingress; stream ids are
// assigned sequentially from 1 so pipelined requests map to successive
// transactions. The codec consumes every byte it is offered, buffering
// partial protocol elements internally.
type HTTP1Codec struct {
	cb             htmux.CodecCallback
	egressSettings htmux.Settings

	buf        []byte
	state      h1State
	nextID     htmux.StreamID
	curID      htmux.StreamID
	curMsg     *htmux.Message
	headerSize int
	emptyLines int

	bodyRemaining  int64
	chunkRemaining int64
	trailers       htmux.Headers

	reqKeepalive map[htmux.StreamID]bool
	reusable     bool

	upgradedID      htmux.StreamID
	upgradeAccepted bool

	egressID             htmux.StreamID
	egressChunked        bool
	egressUpgraded       bool
	egressCloseDelimited bool
	egressTrailers       htmux.Headers
	inExplicitChunk      bool
}

var _ htmux.Codec = (*HTTP1Codec)(nil)

// NewHTTP1Codec creates a server-side HTTP/1.x codec.
func NewHTTP1Codec() *HTTP1Codec {
	return &HTTP1Codec{
		state:        h1Idle,
		nextID:       1,
		reqKeepalive: make(map[htmux.StreamID]bool),
		reusable:     true,
	}
}

func (c *HTTP1Codec) SetCallback(cb htmux.CodecCallback) { c.cb = cb }

func (c *HTTP1Codec) SupportsParallelRequests() bool   { return false }
func (c *HTTP1Codec) SupportsStreamFlowControl() bool  { return false }
func (c *HTTP1Codec) SupportsSessionFlowControl() bool { return false }
func (c *HTTP1Codec) IsReusable() bool                 { return c.reusable }

func (c *HTTP1Codec) EgressSettings() *htmux.Settings  { return &c.egressSettings }
func (c *HTTP1Codec) IngressSettings() *htmux.Settings { return nil }

// OnIngress consumes data, dispatching structured events to the callback.
// The returned count is always len(data): partial elements are buffered and
// bytes arriving while an upgrade decision is pending are held until
// SetUpgradeResult.
func (c *HTTP1Codec) OnIngress(data []byte) (int, error) {
	c.buf = append(c.buf, data...)
	c.run()
	return len(data), nil
}

func (c *HTTP1Codec) run() {
	for {
		switch c.state {
		case h1Closed:
			c.buf = nil
			return
		case h1UpgradePending:
			return
		case h1Opaque:
			if len(c.buf) == 0 {
				return
			}
			b := c.buf
			c.buf = nil
			c.cb.OnBody(c.curID, b)
		case h1Idle:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			if len(line) == 0 {
				c.emptyLines++
				if c.emptyLines > maxLeadingEmptyLines {
					c.fatal(fmt.Errorf("garbage before request line"))
					return
				}
				continue
			}
			c.emptyLines = 0
			if !c.parseRequestLine(line) {
				return
			}
		case h1Headers:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			if len(line) == 0 {
				c.finishHeaders()
				continue
			}
			if !c.parseHeaderLine(line, &c.curMsg.Headers) {
				return
			}
		case h1BodyFixed:
			if len(c.buf) == 0 {
				return
			}
			n := int64(len(c.buf))
			if n > c.bodyRemaining {
				n = c.bodyRemaining
			}
			b := c.buf[:n]
			c.buf = c.buf[n:]
			c.bodyRemaining -= n
			c.cb.OnBody(c.curID, b)
			if c.bodyRemaining == 0 {
				c.finishMessage()
			}
		case h1ChunkSize:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			sizeStr := string(line)
			if i := strings.IndexByte(sizeStr, ';'); i >= 0 {
				sizeStr = sizeStr[:i]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
			if err != nil || size < 0 {
				c.streamFatal(fmt.Errorf("bad chunk size %q", sizeStr))
				return
			}
			if size == 0 {
				c.trailers = htmux.Headers{}
				c.state = h1Trailers
				continue
			}
			c.chunkRemaining = size
			c.state = h1ChunkData
			c.cb.OnChunkHeader(c.curID, int(size))
		case h1ChunkData:
			if len(c.buf) == 0 {
				return
			}
			n := int64(len(c.buf))
			if n > c.chunkRemaining {
				n = c.chunkRemaining
			}
			b := c.buf[:n]
			c.buf = c.buf[n:]
			c.chunkRemaining -= n
			c.cb.OnBody(c.curID, b)
			if c.chunkRemaining == 0 {
				c.state = h1ChunkDataEnd
			}
		case h1ChunkDataEnd:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			if len(line) != 0 {
				c.streamFatal(fmt.Errorf("missing CRLF after chunk data"))
				return
			}
			c.state = h1ChunkSize
			c.cb.OnChunkComplete(c.curID)
		case h1Trailers:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			if len(line) == 0 {
				if c.trailers.Len() > 0 {
					c.cb.OnTrailersComplete(c.curID, c.trailers)
				}
				c.finishMessage()
				continue
			}
			if !c.parseHeaderLine(line, &c.trailers) {
				return
			}
		}
	}
}

// nextLine extracts one LF-terminated line (stripping CR) from the buffer.
func (c *HTTP1Codec) nextLine() ([]byte, bool) {
	i := bytes.IndexByte(c.buf, '\n')
	if i < 0 {
		if len(c.buf) > maxHeaderBytes {
			c.fatal(fmt.Errorf("protocol element exceeds %d bytes", maxHeaderBytes))
		}
		return nil, false
	}
	line := c.buf[:i]
	c.buf = c.buf[i+1:]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	// Only the message head (request line, headers, trailers) is charged
	// against the budget; chunk-size lines and chunk-terminating CRLFs are
	// body framing and unbounded in number.
	if c.state == h1Idle || c.state == h1Headers || c.state == h1Trailers {
		c.headerSize += i + 1
		if c.headerSize > maxHeaderBytes {
			c.fatal(fmt.Errorf("message head exceeds %d bytes", maxHeaderBytes))
			return nil, false
		}
	}
	return line, true
}

func (c *HTTP1Codec) parseRequestLine(line []byte) bool {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		c.fatal(fmt.Errorf("malformed request line %q", string(line)))
		return false
	}
	var major, minor int
	if n, err := fmt.Sscanf(parts[2], "HTTP/%d.%d", &major, &minor); n != 2 || err != nil || major != 1 {
		c.fatal(fmt.Errorf("unsupported protocol %q", parts[2]))
		return false
	}
	msg := &htmux.Message{
		Method:         parts[0],
		VersionMajor:   major,
		VersionMinor:   minor,
		DeclaredLength: -1,
	}
	msg.SetURL(parts[1])
	c.curID = c.nextID
	c.nextID++
	c.curMsg = msg
	c.headerSize = len(line) + 2
	c.state = h1Headers
	c.cb.OnMessageBegin(c.curID)
	return true
}

func (c *HTTP1Codec) parseHeaderLine(line []byte, dst *htmux.Headers) bool {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		c.streamFatal(fmt.Errorf("malformed header line %q", string(line)))
		return false
	}
	name := strings.TrimSpace(string(line[:i]))
	value := strings.TrimSpace(string(line[i+1:]))
	dst.Add(name, value)
	return true
}

func (c *HTTP1Codec) finishHeaders() {
	msg := c.curMsg
	conn := strings.ToLower(msg.Headers.Get("connection"))
	if msg.VersionMinor >= 1 {
		msg.WantsKeepalive = !strings.Contains(conn, "close")
	} else {
		msg.WantsKeepalive = strings.Contains(conn, "keep-alive")
	}
	if msg.Method == "CONNECT" {
		msg.UpgradeRequest = "CONNECT"
	} else if up := msg.Headers.Get("upgrade"); up != "" {
		msg.UpgradeRequest = up
	}
	chunked := strings.Contains(strings.ToLower(msg.Headers.Get("transfer-encoding")), "chunked")
	if cl := msg.Headers.Get("content-length"); cl != "" && !chunked {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			c.streamFatal(fmt.Errorf("bad content-length %q", cl))
			return
		}
		msg.DeclaredLength = n
	}
	msg.Chunked = chunked
	c.reqKeepalive[c.curID] = msg.WantsKeepalive

	// The state transition happens before the callback so a handler that
	// resolves a CONNECT or Upgrade synchronously from headers-complete
	// finds the codec already in the pending state.
	bodyless := false
	switch {
	case msg.UpgradeRequest != "":
		c.state = h1UpgradePending
	case chunked:
		c.state = h1ChunkSize
	case msg.DeclaredLength > 0:
		c.bodyRemaining = msg.DeclaredLength
		c.state = h1BodyFixed
	default:
		bodyless = true
	}
	c.cb.OnHeadersComplete(c.curID, msg)
	if bodyless {
		c.finishMessage()
	}
}

func (c *HTTP1Codec) finishMessage() {
	id := c.curID
	keep := c.curMsg == nil || c.curMsg.WantsKeepalive
	c.curMsg = nil
	if keep {
		c.state = h1Idle
	} else {
		c.reusable = false
		c.state = h1Closed
	}
	c.cb.OnMessageComplete(id, false)
}

// fatal is a connection-level parse failure: no stream can be charged.
func (c *HTTP1Codec) fatal(err error) {
	c.reusable = false
	c.state = h1Closed
	c.buf = nil
	c.cb.OnError(0, err, true)
}

// streamFatal charges the parse failure to the message being parsed. The
// connection cannot be resynchronized afterwards.
func (c *HTTP1Codec) streamFatal(err error) {
	c.reusable = false
	id := c.curID
	c.state = h1Closed
	c.buf = nil
	c.cb.OnError(id, err, true)
}

// SetUpgradeResult resolves a pending CONNECT or Upgrade request. Accepting
// switches ingress to opaque delivery; any bytes that arrived behind the
// request head are replayed as body. Either way the connection stops being
// reusable.
func (c *HTTP1Codec) SetUpgradeResult(id htmux.StreamID, accepted bool) {
	if c.state != h1UpgradePending || id != c.curID {
		return
	}
	c.reusable = false
	c.curMsg = nil
	if !accepted {
		c.state = h1Closed
		c.cb.OnMessageComplete(id, false)
		return
	}
	c.upgradedID = id
	c.upgradeAccepted = true
	c.state = h1Opaque
	c.cb.OnMessageComplete(id, true)
	c.run()
}

// Egress generation. Responses are generated strictly in request order (the
// session's serial gate guarantees it), so per-response framing state is a
// single set of fields reset by GenerateHeader.

func (c *HTTP1Codec) GenerateHeader(buf *bytes.Buffer, id htmux.StreamID, msg *htmux.Message) int {
	start := buf.Len()
	c.egressID = id
	c.egressChunked = false
	c.egressCloseDelimited = false
	c.egressUpgraded = c.upgradeAccepted && c.upgradedID == id
	c.egressTrailers = htmux.Headers{}
	c.inExplicitChunk = false

	keep, seen := c.reqKeepalive[id]
	if !seen {
		keep = true
	}
	keep = keep && msg.WantsKeepalive

	reason := msg.StatusMessage
	if reason == "" {
		reason = http.StatusText(msg.StatusCode)
	}
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", msg.StatusCode, reason)
	msg.Headers.ForEach(func(name, value string) {
		fmt.Fprintf(buf, "%s: %s\r\n", textproto.CanonicalMIMEHeaderKey(name), value)
	})

	noBody := msg.StatusCode == 101 || msg.StatusCode == 204 || msg.StatusCode == 304
	switch {
	case c.egressUpgraded || noBody:
		// No entity framing.
	case msg.DeclaredLength >= 0:
		fmt.Fprintf(buf, "Content-Length: %d\r\n", msg.DeclaredLength)
	case msg.Chunked || keep:
		buf.WriteString("Transfer-Encoding: chunked\r\n")
		c.egressChunked = true
	default:
		c.egressCloseDelimited = true
	}
	if c.egressCloseDelimited {
		keep = false
	}
	if !keep && !c.egressUpgraded {
		buf.WriteString("Connection: close\r\n")
		c.reusable = false
	}
	buf.WriteString("\r\n")
	return buf.Len() - start
}

func (c *HTTP1Codec) GenerateBody(buf *bytes.Buffer, id htmux.StreamID, body []byte, eom bool) int {
	if c.egressChunked && !c.inExplicitChunk && len(body) > 0 {
		fmt.Fprintf(buf, "%x\r\n", len(body))
		buf.Write(body)
		buf.WriteString("\r\n")
	} else {
		buf.Write(body)
	}
	if eom {
		c.GenerateEOM(buf, id)
	}
	return len(body)
}

func (c *HTTP1Codec) GenerateChunkHeader(buf *bytes.Buffer, id htmux.StreamID, length int) int {
	if !c.egressChunked {
		return 0
	}
	start := buf.Len()
	fmt.Fprintf(buf, "%x\r\n", length)
	c.inExplicitChunk = true
	return buf.Len() - start
}

func (c *HTTP1Codec) GenerateChunkTerminator(buf *bytes.Buffer, id htmux.StreamID) int {
	if !c.egressChunked || !c.inExplicitChunk {
		return 0
	}
	buf.WriteString("\r\n")
	c.inExplicitChunk = false
	return 2
}

// GenerateTrailers holds the trailers for emission with the terminal chunk.
func (c *HTTP1Codec) GenerateTrailers(buf *bytes.Buffer, id htmux.StreamID, trailers htmux.Headers) int {
	c.egressTrailers = trailers.Copy()
	return 0
}

func (c *HTTP1Codec) GenerateEOM(buf *bytes.Buffer, id htmux.StreamID) int {
	start := buf.Len()
	if c.egressChunked {
		buf.WriteString("0\r\n")
		c.egressTrailers.ForEach(func(name, value string) {
			fmt.Fprintf(buf, "%s: %s\r\n", textproto.CanonicalMIMEHeaderKey(name), value)
		})
		buf.WriteString("\r\n")
	}
	delete(c.reqKeepalive, id)
	return buf.Len() - start
}

// Control elements have no HTTP/1.x wire representation.

func (c *HTTP1Codec) GenerateRstStream(buf *bytes.Buffer, id htmux.StreamID, code htmux.ResetCode) int {
	return 0
}

func (c *HTTP1Codec) GenerateGoaway(buf *bytes.Buffer, lastGoodStream htmux.StreamID, code htmux.ResetCode) int {
	return 0
}

func (c *HTTP1Codec) GenerateWindowUpdate(buf *bytes.Buffer, id htmux.StreamID, delta uint32) int {
	return 0
}

func (c *HTTP1Codec) GenerateSettings(buf *bytes.Buffer) int {
	return 0
}
