package htcodec_test

import (
	"bytes"
	"fmt"

	"github.com/sammck-go/htmux/pkg/htmux"
)

// codecRecorder is an htmux.CodecCallback that flattens every event into a
// printable token so tests can assert whole dispatch sequences at once.
type codecRecorder struct {
	events   []string
	msgs     map[htmux.StreamID]*htmux.Message
	body     map[htmux.StreamID]*bytes.Buffer
	trailers map[htmux.StreamID]htmux.Headers
	settings []htmux.Setting
	errs     []error
}

func newCodecRecorder() *codecRecorder {
	return &codecRecorder{
		msgs:     make(map[htmux.StreamID]*htmux.Message),
		body:     make(map[htmux.StreamID]*bytes.Buffer),
		trailers: make(map[htmux.StreamID]htmux.Headers),
	}
}

func (r *codecRecorder) add(format string, args ...interface{}) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *codecRecorder) OnMessageBegin(id htmux.StreamID) {
	r.add("begin %d", id)
}

func (r *codecRecorder) OnHeadersComplete(id htmux.StreamID, msg *htmux.Message) {
	r.msgs[id] = msg
	r.add("headers %d", id)
}

func (r *codecRecorder) OnBody(id htmux.StreamID, data []byte) {
	if r.body[id] == nil {
		r.body[id] = &bytes.Buffer{}
	}
	r.body[id].Write(data)
	r.add("body %d", id)
}

func (r *codecRecorder) OnChunkHeader(id htmux.StreamID, length int) {
	r.add("chunkHeader %d %d", id, length)
}

func (r *codecRecorder) OnChunkComplete(id htmux.StreamID) {
	r.add("chunkComplete %d", id)
}

func (r *codecRecorder) OnTrailersComplete(id htmux.StreamID, trailers htmux.Headers) {
	r.trailers[id] = trailers
	r.add("trailers %d", id)
}

func (r *codecRecorder) OnMessageComplete(id htmux.StreamID, upgrade bool) {
	if upgrade {
		r.add("upgrade %d", id)
	} else {
		r.add("complete %d", id)
	}
}

func (r *codecRecorder) OnWindowUpdate(id htmux.StreamID, delta uint32) {
	r.add("window %d %d", id, delta)
}

func (r *codecRecorder) OnSettings(settings []htmux.Setting) {
	r.settings = append(r.settings, settings...)
	r.add("settings %d", len(settings))
}

func (r *codecRecorder) OnAbort(id htmux.StreamID, code htmux.ResetCode) {
	r.add("abort %d %d", id, code)
}

func (r *codecRecorder) OnGoaway(lastGoodStream htmux.StreamID, code htmux.ResetCode) {
	r.add("goaway %d %d", lastGoodStream, code)
}

func (r *codecRecorder) OnError(id htmux.StreamID, err error, parseError bool) {
	r.errs = append(r.errs, err)
	r.add("error %d", id)
}

func (r *codecRecorder) bodyString(id htmux.StreamID) string {
	if r.body[id] == nil {
		return ""
	}
	return r.body[id].String()
}

// collapsed returns the event list with consecutive duplicate tokens
// merged, so fragmentation-invariance checks can compare dispatch shapes
// regardless of how many pieces a body arrived in.
func (r *codecRecorder) collapsed() []string {
	var out []string
	for _, ev := range r.events {
		if len(out) > 0 && out[len(out)-1] == ev {
			continue
		}
		out = append(out, ev)
	}
	return out
}
