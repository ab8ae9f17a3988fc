package htcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sammck-go/htmux/pkg/htmux"
)

// Frame wire format: a 10-byte header
//
//	type(1) flags(1) streamID(4, BE) length(4, BE)
//
// followed by length payload bytes. HEADERS payload is
// priority(1) count(2) then count (nameLen(2) name valueLen(2) value)
// pairs; the start line travels as the pseudo-headers ":method", ":path",
// ":version" (requests) and ":status", ":version" (responses). SETTINGS is
// count(2) then count (id(2) value(4)) pairs. WINDOW_UPDATE carries
// delta(4), RST carries code(4), GOAWAY carries lastGoodStream(4) code(4).
const (
	frameHeaders      = 1
	frameData         = 2
	frameRst          = 3
	frameSettings     = 4
	frameWindowUpdate = 5
	frameGoaway       = 6
	frameTrailers     = 7

	flagEOM = 0x01

	frameHeaderLen = 10
	maxFrameLen    = 1 << 24
)

// Role distinguishes which side of the connection a FrameCodec speaks for.
// Servers parse remote-initiated (odd) streams; clients parse even ones.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

type frameStream struct {
	sawHeaders      bool
	upgradePending  bool
	upgraded        bool
	msg             *htmux.Message
	pendingUpgrade  [][]byte
	pendingUpgEOM   bool
	ingressComplete bool
}

// FrameCodec is a multiplexed codec with per-stream and session flow
// control. Any number of streams interleave; frame boundaries never split a
// protocol element, so parsing is frame-at-a-time over an internal buffer.
type FrameCodec struct {
	role            Role
	cb              htmux.CodecCallback
	egressSettings  htmux.Settings
	ingressSettings *htmux.Settings

	buf     []byte
	streams map[htmux.StreamID]*frameStream

	goawaySeen bool
	broken     bool
}

var _ htmux.Codec = (*FrameCodec)(nil)

// NewFrameCodec creates a frame codec for the given role.
func NewFrameCodec(role Role) *FrameCodec {
	return &FrameCodec{
		role:    role,
		streams: make(map[htmux.StreamID]*frameStream),
	}
}

func (c *FrameCodec) SetCallback(cb htmux.CodecCallback) { c.cb = cb }

func (c *FrameCodec) SupportsParallelRequests() bool   { return true }
func (c *FrameCodec) SupportsStreamFlowControl() bool  { return true }
func (c *FrameCodec) SupportsSessionFlowControl() bool { return true }
func (c *FrameCodec) IsReusable() bool                 { return !c.broken && !c.goawaySeen }

func (c *FrameCodec) EgressSettings() *htmux.Settings  { return &c.egressSettings }
func (c *FrameCodec) IngressSettings() *htmux.Settings { return c.ingressSettings }

func (c *FrameCodec) OnIngress(data []byte) (int, error) {
	c.buf = append(c.buf, data...)
	for !c.broken {
		if len(c.buf) < frameHeaderLen {
			break
		}
		ftype := c.buf[0]
		flags := c.buf[1]
		id := htmux.StreamID(binary.BigEndian.Uint32(c.buf[2:6]))
		length := binary.BigEndian.Uint32(c.buf[6:10])
		if length > maxFrameLen {
			c.fatal(fmt.Errorf("frame length %d exceeds limit", length))
			break
		}
		if len(c.buf) < frameHeaderLen+int(length) {
			break
		}
		payload := c.buf[frameHeaderLen : frameHeaderLen+int(length)]
		c.buf = c.buf[frameHeaderLen+int(length):]
		c.dispatchFrame(ftype, flags, id, payload)
	}
	return len(data), nil
}

func (c *FrameCodec) dispatchFrame(ftype, flags byte, id htmux.StreamID, payload []byte) {
	switch ftype {
	case frameHeaders:
		c.onHeadersFrame(id, flags, payload)
	case frameData:
		c.onDataFrame(id, flags, payload)
	case frameTrailers:
		c.onTrailersFrame(id, flags, payload)
	case frameRst:
		if len(payload) < 4 {
			c.fatal(fmt.Errorf("short RST frame"))
			return
		}
		delete(c.streams, id)
		c.cb.OnAbort(id, htmux.ResetCode(binary.BigEndian.Uint32(payload)))
	case frameSettings:
		c.onSettingsFrame(payload)
	case frameWindowUpdate:
		if len(payload) < 4 {
			c.fatal(fmt.Errorf("short WINDOW_UPDATE frame"))
			return
		}
		c.cb.OnWindowUpdate(id, binary.BigEndian.Uint32(payload))
	case frameGoaway:
		if len(payload) < 8 {
			c.fatal(fmt.Errorf("short GOAWAY frame"))
			return
		}
		c.goawaySeen = true
		c.cb.OnGoaway(htmux.StreamID(binary.BigEndian.Uint32(payload)),
			htmux.ResetCode(binary.BigEndian.Uint32(payload[4:])))
	default:
		c.fatal(fmt.Errorf("unknown frame type %d", ftype))
	}
}

func (c *FrameCodec) remoteInitiated(id htmux.StreamID) bool {
	if c.role == RoleServer {
		return id%2 == 1
	}
	return id%2 == 0
}

func (c *FrameCodec) onHeadersFrame(id htmux.StreamID, flags byte, payload []byte) {
	if id == 0 || !c.remoteInitiated(id) {
		c.fatal(fmt.Errorf("HEADERS on invalid stream %d", id))
		return
	}
	st := c.streams[id]
	if st != nil && st.sawHeaders {
		c.cb.OnError(id, fmt.Errorf("duplicate HEADERS on stream %d", id), true)
		return
	}
	msg, err := c.parseHeadersPayload(payload)
	if err != nil {
		if st == nil {
			c.streams[id] = &frameStream{sawHeaders: true, ingressComplete: true}
		}
		c.cb.OnError(id, err, true)
		return
	}
	st = &frameStream{sawHeaders: true, msg: msg}
	c.streams[id] = st
	c.cb.OnMessageBegin(id)
	if msg.Method == "CONNECT" {
		msg.UpgradeRequest = "CONNECT"
		st.upgradePending = true
	} else if up := msg.Headers.Get("upgrade"); up != "" {
		msg.UpgradeRequest = up
		st.upgradePending = true
	}
	c.cb.OnHeadersComplete(id, msg)
	if flags&flagEOM != 0 && !st.upgradePending {
		c.completeStream(id, st)
	}
}

func (c *FrameCodec) onDataFrame(id htmux.StreamID, flags byte, payload []byte) {
	st := c.streams[id]
	if st == nil || !st.sawHeaders {
		c.cb.OnError(id, fmt.Errorf("DATA on unknown stream %d", id), true)
		return
	}
	if st.upgradePending {
		// Held until the local side decides the upgrade.
		if len(payload) > 0 {
			held := make([]byte, len(payload))
			copy(held, payload)
			st.pendingUpgrade = append(st.pendingUpgrade, held)
		}
		if flags&flagEOM != 0 {
			st.pendingUpgEOM = true
		}
		return
	}
	if len(payload) > 0 {
		c.cb.OnBody(id, payload)
	}
	if flags&flagEOM != 0 {
		c.completeStream(id, st)
	}
}

func (c *FrameCodec) onTrailersFrame(id htmux.StreamID, flags byte, payload []byte) {
	st := c.streams[id]
	if st == nil || !st.sawHeaders {
		c.cb.OnError(id, fmt.Errorf("TRAILERS on unknown stream %d", id), true)
		return
	}
	msg, err := c.parseHeadersPayload(payload)
	if err != nil {
		c.cb.OnError(id, err, true)
		return
	}
	c.cb.OnTrailersComplete(id, msg.Headers)
	if flags&flagEOM != 0 {
		c.completeStream(id, st)
	}
}

func (c *FrameCodec) onSettingsFrame(payload []byte) {
	if len(payload) < 2 {
		c.fatal(fmt.Errorf("short SETTINGS frame"))
		return
	}
	count := int(binary.BigEndian.Uint16(payload))
	payload = payload[2:]
	if len(payload) < count*6 {
		c.fatal(fmt.Errorf("truncated SETTINGS frame"))
		return
	}
	settings := make([]htmux.Setting, 0, count)
	stored := &htmux.Settings{}
	for i := 0; i < count; i++ {
		id := htmux.SettingID(binary.BigEndian.Uint16(payload[i*6:]))
		value := binary.BigEndian.Uint32(payload[i*6+2:])
		settings = append(settings, htmux.Setting{ID: id, Value: value})
		stored.Set(id, value)
	}
	c.ingressSettings = stored
	c.cb.OnSettings(settings)
}

func (c *FrameCodec) completeStream(id htmux.StreamID, st *frameStream) {
	if st.ingressComplete {
		return
	}
	st.ingressComplete = true
	delete(c.streams, id)
	c.cb.OnMessageComplete(id, false)
}

func (c *FrameCodec) fatal(err error) {
	c.broken = true
	c.buf = nil
	c.cb.OnError(0, err, true)
}

// SetUpgradeResult resolves a held CONNECT/upgrade stream. On accept the
// stream switches to opaque DATA delivery and any held frames replay as
// body; on reject the held frames replay as ordinary message body.
func (c *FrameCodec) SetUpgradeResult(id htmux.StreamID, accepted bool) {
	st := c.streams[id]
	if st == nil || !st.upgradePending {
		return
	}
	st.upgradePending = false
	st.upgraded = accepted
	if accepted {
		c.cb.OnMessageComplete(id, true)
	}
	held := st.pendingUpgrade
	st.pendingUpgrade = nil
	for _, b := range held {
		c.cb.OnBody(id, b)
	}
	if st.pendingUpgEOM {
		st.pendingUpgEOM = false
		c.completeStream(id, st)
	}
}

// Egress generation.

func writeFrameHeader(buf *bytes.Buffer, ftype, flags byte, id htmux.StreamID, length int) {
	var hdr [frameHeaderLen]byte
	hdr[0] = ftype
	hdr[1] = flags
	binary.BigEndian.PutUint32(hdr[2:6], uint32(id))
	binary.BigEndian.PutUint32(hdr[6:10], uint32(length))
	buf.Write(hdr[:])
}

func writeHeaderPair(buf *bytes.Buffer, name, value string) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(name)))
	buf.Write(n[:])
	buf.WriteString(name)
	binary.BigEndian.PutUint16(n[:], uint16(len(value)))
	buf.Write(n[:])
	buf.WriteString(value)
}

func (c *FrameCodec) headersPayload(msg *htmux.Message) []byte {
	var pairs []struct{ name, value string }
	add := func(name, value string) {
		pairs = append(pairs, struct{ name, value string }{name, value})
	}
	if msg.IsRequest() {
		add(":method", msg.Method)
		add(":path", msg.URL)
	} else {
		add(":status", fmt.Sprintf("%d", msg.StatusCode))
	}
	add(":version", fmt.Sprintf("%d.%d", msg.VersionMajor, msg.VersionMinor))
	msg.Headers.ForEach(add)

	var payload bytes.Buffer
	payload.WriteByte(msg.Priority)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(pairs)))
	payload.Write(cnt[:])
	for _, p := range pairs {
		writeHeaderPair(&payload, p.name, p.value)
	}
	return payload.Bytes()
}

func (c *FrameCodec) parseHeadersPayload(payload []byte) (*htmux.Message, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("short HEADERS payload")
	}
	msg := &htmux.Message{DeclaredLength: -1, WantsKeepalive: true}
	msg.Priority = payload[0]
	count := int(binary.BigEndian.Uint16(payload[1:3]))
	p := payload[3:]
	readStr := func() (string, error) {
		if len(p) < 2 {
			return "", fmt.Errorf("truncated HEADERS payload")
		}
		n := int(binary.BigEndian.Uint16(p))
		p = p[2:]
		if len(p) < n {
			return "", fmt.Errorf("truncated HEADERS payload")
		}
		s := string(p[:n])
		p = p[n:]
		return s, nil
	}
	for i := 0; i < count; i++ {
		name, err := readStr()
		if err != nil {
			return nil, err
		}
		value, err := readStr()
		if err != nil {
			return nil, err
		}
		switch name {
		case ":method":
			msg.Method = value
		case ":path":
			msg.SetURL(value)
		case ":status":
			var code int
			if _, err := fmt.Sscanf(value, "%d", &code); err != nil {
				return nil, fmt.Errorf("bad :status %q", value)
			}
			msg.StatusCode = code
		case ":version":
			fmt.Sscanf(value, "%d.%d", &msg.VersionMajor, &msg.VersionMinor)
		default:
			msg.Headers.Add(name, value)
		}
	}
	return msg, nil
}

func (c *FrameCodec) GenerateHeader(buf *bytes.Buffer, id htmux.StreamID, msg *htmux.Message) int {
	start := buf.Len()
	payload := c.headersPayload(msg)
	writeFrameHeader(buf, frameHeaders, 0, id, len(payload))
	buf.Write(payload)
	return buf.Len() - start
}

func (c *FrameCodec) GenerateBody(buf *bytes.Buffer, id htmux.StreamID, body []byte, eom bool) int {
	var flags byte
	if eom {
		flags = flagEOM
	}
	writeFrameHeader(buf, frameData, flags, id, len(body))
	buf.Write(body)
	return len(body)
}

// Explicit chunk boundaries have no frame representation; DATA frames
// already delimit.

func (c *FrameCodec) GenerateChunkHeader(buf *bytes.Buffer, id htmux.StreamID, length int) int {
	return 0
}

func (c *FrameCodec) GenerateChunkTerminator(buf *bytes.Buffer, id htmux.StreamID) int {
	return 0
}

func (c *FrameCodec) GenerateTrailers(buf *bytes.Buffer, id htmux.StreamID, trailers htmux.Headers) int {
	start := buf.Len()
	msg := &htmux.Message{Headers: trailers.Copy()}
	payload := c.headersPayload(msg)
	writeFrameHeader(buf, frameTrailers, 0, id, len(payload))
	buf.Write(payload)
	return buf.Len() - start
}

func (c *FrameCodec) GenerateEOM(buf *bytes.Buffer, id htmux.StreamID) int {
	writeFrameHeader(buf, frameData, flagEOM, id, 0)
	return frameHeaderLen
}

func (c *FrameCodec) GenerateRstStream(buf *bytes.Buffer, id htmux.StreamID, code htmux.ResetCode) int {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(code))
	writeFrameHeader(buf, frameRst, 0, id, 4)
	buf.Write(payload[:])
	delete(c.streams, id)
	return frameHeaderLen + 4
}

func (c *FrameCodec) GenerateGoaway(buf *bytes.Buffer, lastGoodStream htmux.StreamID, code htmux.ResetCode) int {
	var payload [8]byte
	binary.BigEndian.PutUint32(payload[:4], uint32(lastGoodStream))
	binary.BigEndian.PutUint32(payload[4:], uint32(code))
	writeFrameHeader(buf, frameGoaway, 0, 0, 8)
	buf.Write(payload[:])
	c.goawaySeen = true
	return frameHeaderLen + 8
}

func (c *FrameCodec) GenerateWindowUpdate(buf *bytes.Buffer, id htmux.StreamID, delta uint32) int {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], delta)
	writeFrameHeader(buf, frameWindowUpdate, 0, id, 4)
	buf.Write(payload[:])
	return frameHeaderLen + 4
}

func (c *FrameCodec) GenerateSettings(buf *bytes.Buffer) int {
	start := buf.Len()
	all := c.egressSettings.All()
	payload := make([]byte, 2+6*len(all))
	binary.BigEndian.PutUint16(payload, uint16(len(all)))
	for i, st := range all {
		binary.BigEndian.PutUint16(payload[2+i*6:], uint16(st.ID))
		binary.BigEndian.PutUint32(payload[2+i*6+2:], st.Value)
	}
	writeFrameHeader(buf, frameSettings, 0, 0, len(payload))
	buf.Write(payload)
	return buf.Len() - start
}
