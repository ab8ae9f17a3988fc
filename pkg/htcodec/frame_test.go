package htcodec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/htmux/pkg/htcodec"
	"github.com/sammck-go/htmux/pkg/htmux"
)

// framePair is a client-role generator feeding a server-role parser, the
// round trip every frame test exercises.
type framePair struct {
	client *htcodec.FrameCodec
	server *htcodec.FrameCodec
	rec    *codecRecorder
	buf    bytes.Buffer
}

func newFramePair() *framePair {
	p := &framePair{
		client: htcodec.NewFrameCodec(htcodec.RoleClient),
		server: htcodec.NewFrameCodec(htcodec.RoleServer),
		rec:    newCodecRecorder(),
	}
	p.client.SetCallback(newCodecRecorder())
	p.server.SetCallback(p.rec)
	return p
}

func (p *framePair) deliver() {
	b := p.buf.Bytes()
	p.buf.Reset()
	p.server.OnIngress(b)
}

func TestFrameRequestRoundTrip(t *testing.T) {
	p := newFramePair()
	msg := htmux.NewRequestMessage("POST", "/items?limit=5")
	msg.Priority = 3
	msg.Headers.Add("Content-Type", "application/json")
	p.client.GenerateHeader(&p.buf, 1, msg)
	p.client.GenerateBody(&p.buf, 1, []byte(`{"a":1}`), false)
	p.client.GenerateEOM(&p.buf, 1)
	p.deliver()

	require.Equal(t, []string{"begin 1", "headers 1", "body 1", "complete 1"}, p.rec.events)
	got := p.rec.msgs[1]
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/items", got.Path())
	assert.Equal(t, "limit=5", got.QueryString())
	assert.Equal(t, uint8(3), got.Priority)
	assert.Equal(t, "application/json", got.Headers.Get("content-type"))
	assert.Equal(t, `{"a":1}`, p.rec.bodyString(1))
}

func TestFrameInterleavedStreams(t *testing.T) {
	p := newFramePair()
	p.client.GenerateHeader(&p.buf, 1, htmux.NewRequestMessage("PUT", "/a"))
	p.client.GenerateHeader(&p.buf, 3, htmux.NewRequestMessage("PUT", "/b"))
	p.client.GenerateBody(&p.buf, 3, []byte("bee"), false)
	p.client.GenerateBody(&p.buf, 1, []byte("ay"), false)
	p.client.GenerateEOM(&p.buf, 1)
	p.client.GenerateEOM(&p.buf, 3)
	p.deliver()

	require.Equal(t, []string{
		"begin 1", "headers 1",
		"begin 3", "headers 3",
		"body 3", "body 1",
		"complete 1", "complete 3",
	}, p.rec.events)
	assert.Equal(t, "ay", p.rec.bodyString(1))
	assert.Equal(t, "bee", p.rec.bodyString(3))
}

// A frame split across arbitrary read boundaries parses identically.
func TestFrameFragmentedDelivery(t *testing.T) {
	var wire bytes.Buffer
	client := htcodec.NewFrameCodec(htcodec.RoleClient)
	client.GenerateHeader(&wire, 1, htmux.NewRequestMessage("GET", "/frag"))
	client.GenerateBody(&wire, 1, []byte("payload"), true)

	rec := newCodecRecorder()
	server := htcodec.NewFrameCodec(htcodec.RoleServer)
	server.SetCallback(rec)
	data := wire.Bytes()
	for i := 0; i < len(data); i += 3 {
		end := i + 3
		if end > len(data) {
			end = len(data)
		}
		server.OnIngress(data[i:end])
	}

	require.Equal(t, []string{"begin 1", "headers 1", "body 1", "complete 1"},
		rec.collapsed())
	assert.Equal(t, "payload", rec.bodyString(1))
}

func TestFrameTrailersRoundTrip(t *testing.T) {
	p := newFramePair()
	p.client.GenerateHeader(&p.buf, 1, htmux.NewRequestMessage("POST", "/t"))
	p.client.GenerateBody(&p.buf, 1, []byte("body"), false)
	trailers := htmux.Headers{}
	trailers.Add("X-Sum", "99")
	p.client.GenerateTrailers(&p.buf, 1, trailers)
	p.client.GenerateEOM(&p.buf, 1)
	p.deliver()

	require.Equal(t, []string{"begin 1", "headers 1", "body 1", "trailers 1", "complete 1"},
		p.rec.events)
	assert.Equal(t, "99", p.rec.trailers[1].Get("x-sum"))
}

func TestFrameSettingsRoundTrip(t *testing.T) {
	p := newFramePair()
	p.client.EgressSettings().Set(htmux.SettingInitialWindowSize, 131072)
	p.client.EgressSettings().Set(htmux.SettingMaxConcurrentStreams, 50)
	p.client.GenerateSettings(&p.buf)
	p.deliver()

	require.Len(t, p.rec.settings, 2)
	stored := p.server.IngressSettings()
	require.NotNil(t, stored)
	v, ok := stored.Get(htmux.SettingInitialWindowSize)
	require.True(t, ok)
	assert.Equal(t, uint32(131072), v)
}

func TestFrameControlRoundTrips(t *testing.T) {
	p := newFramePair()
	p.client.GenerateHeader(&p.buf, 1, htmux.NewRequestMessage("GET", "/x"))
	p.client.GenerateWindowUpdate(&p.buf, 0, 4096)
	p.client.GenerateRstStream(&p.buf, 1, htmux.ResetCancel)
	p.client.GenerateGoaway(&p.buf, 1, htmux.ResetNone)
	p.deliver()

	require.Equal(t, []string{
		"begin 1", "headers 1",
		"window 0 4096",
		"abort 1 5",
		"goaway 1 0",
	}, p.rec.events)
	assert.False(t, p.server.IsReusable())
}

func TestFrameConnectHoldsDataUntilDecision(t *testing.T) {
	p := newFramePair()
	p.client.GenerateHeader(&p.buf, 1, htmux.NewRequestMessage("CONNECT", "db:5432"))
	p.client.GenerateBody(&p.buf, 1, []byte("tunnel-bytes"), false)
	p.deliver()

	// DATA behind an undecided CONNECT is held, not delivered.
	require.Equal(t, []string{"begin 1", "headers 1"}, p.rec.events)

	p.server.SetUpgradeResult(1, true)

	require.Equal(t, []string{"begin 1", "headers 1", "upgrade 1", "body 1"}, p.rec.events)
	assert.Equal(t, "tunnel-bytes", p.rec.bodyString(1))
}

func TestFrameConnectRejectReplaysAsBody(t *testing.T) {
	p := newFramePair()
	p.client.GenerateHeader(&p.buf, 1, htmux.NewRequestMessage("CONNECT", "db:5432"))
	p.client.GenerateBody(&p.buf, 1, []byte("ignored"), true)
	p.deliver()

	p.server.SetUpgradeResult(1, false)

	require.Equal(t, []string{"begin 1", "headers 1", "body 1", "complete 1"}, p.rec.events)
}

func TestFrameUnknownTypeIsFatal(t *testing.T) {
	rec := newCodecRecorder()
	server := htcodec.NewFrameCodec(htcodec.RoleServer)
	server.SetCallback(rec)

	server.OnIngress([]byte{0xff, 0, 0, 0, 0, 1, 0, 0, 0, 0})

	require.Equal(t, []string{"error 0"}, rec.events)
	assert.False(t, server.IsReusable())
}

func TestFrameHeadersOnLocalStreamIsFatal(t *testing.T) {
	p := newFramePair()
	// Stream 2 is server-initiated; the peer may not open it.
	p.client.GenerateHeader(&p.buf, 2, htmux.NewRequestMessage("GET", "/x"))
	p.deliver()

	require.Equal(t, []string{"error 0"}, p.rec.events)
}

func TestFrameDataOnUnknownStream(t *testing.T) {
	p := newFramePair()
	p.client.GenerateBody(&p.buf, 9, []byte("stray"), false)
	p.deliver()

	// Stream-scoped: the connection survives.
	require.Equal(t, []string{"error 9"}, p.rec.events)
	assert.True(t, p.server.IsReusable())
}

func TestFrameTruncatedHeaderBuffered(t *testing.T) {
	rec := newCodecRecorder()
	server := htcodec.NewFrameCodec(htcodec.RoleServer)
	server.SetCallback(rec)

	var wire bytes.Buffer
	client := htcodec.NewFrameCodec(htcodec.RoleClient)
	client.GenerateHeader(&wire, 1, htmux.NewRequestMessage("GET", "/partial"))
	data := wire.Bytes()

	server.OnIngress(data[:7])
	assert.Empty(t, rec.events)
	server.OnIngress(data[7:])
	require.Equal(t, []string{"begin 1", "headers 1"}, rec.events)
}
