package htloop

import (
	"io"
	"net"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/htmux/pkg/htmux"
)

// IngressSink receives transport read events on the loop goroutine.
// *htmux.Session satisfies it.
type IngressSink interface {
	OnIngress(data []byte)
	OnIngressEOF()
}

const (
	readChunkSize  = 32 * 1024
	writeQueueSize = 64
)

type writeReq struct {
	buf []byte
	cb  htmux.WriteCallback
}

// NetTransport adapts a net.Conn to htmux.Transport. A reader goroutine
// posts ingress onto the loop; a writer goroutine drains submitted buffers
// and posts each completion back. Writable turns false while the write
// queue is full, which the session observes as backpressure.
type NetTransport struct {
	*asyncobj.Helper
	loop *Loop
	conn net.Conn

	writeQueue chan writeReq

	// Loop-owned state.
	sink     IngressSink
	queued   int
	closed   bool
	failed   bool
	writable bool
}

var _ htmux.Transport = (*NetTransport)(nil)

// NewNetTransport wraps conn. Call Start to begin reading.
func NewNetTransport(lg logger.Logger, loop *Loop, conn net.Conn) *NetTransport {
	tr := &NetTransport{
		loop:       loop,
		conn:       conn,
		writeQueue: make(chan writeReq, writeQueueSize),
		writable:   true,
	}
	tr.Helper = asyncobj.NewHelper(lg.ForkLogStr("<net transport>"), tr)
	tr.SetIsActivated()
	return tr
}

// Start attaches the sink and spawns the reader and writer goroutines.
func (tr *NetTransport) Start(sink IngressSink) {
	tr.sink = sink
	go tr.readLoop()
	go tr.writeLoop()
}

// HandleOnceShutdown closes the connection and stops the writer.
func (tr *NetTransport) HandleOnceShutdown(completionErr error) error {
	close(tr.writeQueue)
	tr.conn.Close()
	return completionErr
}

func (tr *NetTransport) readLoop() {
	for {
		buf := make([]byte, readChunkSize)
		n, err := tr.conn.Read(buf)
		if n > 0 {
			data := buf[:n]
			tr.loop.Post(func() { tr.sink.OnIngress(data) })
		}
		if err != nil {
			if err != io.EOF {
				tr.DLogf("read ended: %s", err)
			}
			tr.loop.Post(func() {
				tr.failedIf(err != io.EOF)
				tr.sink.OnIngressEOF()
			})
			return
		}
	}
}

func (tr *NetTransport) failedIf(failed bool) {
	if failed {
		tr.failed = true
	}
}

func (tr *NetTransport) writeLoop() {
	for req := range tr.writeQueue {
		_, err := tr.conn.Write(req.buf)
		cb := req.cb
		if err != nil {
			tr.loop.Post(func() {
				tr.failed = true
				tr.noteDequeued()
				cb.WriteError(err)
			})
			continue
		}
		tr.loop.Post(func() {
			tr.noteDequeued()
			cb.WriteSuccess()
		})
	}
}

func (tr *NetTransport) noteDequeued() {
	tr.queued--
	if !tr.writable && tr.queued < writeQueueSize/2 && !tr.closed && !tr.failed {
		tr.writable = true
		if s, ok := tr.sink.(interface{ OnTransportWritable() }); ok {
			s.OnTransportWritable()
		}
	}
}

// Good reports transport liveness.
func (tr *NetTransport) Good() bool {
	return !tr.closed && !tr.failed
}

// Writable reports queue headroom; false applies backpressure.
func (tr *NetTransport) Writable() bool {
	return tr.writable && !tr.closed && !tr.failed
}

// Write queues buf for transmission. Must be called from the loop.
func (tr *NetTransport) Write(buf []byte, cb htmux.WriteCallback) {
	if tr.closed || tr.failed {
		tr.loop.Post(func() { cb.WriteError(io.ErrClosedPipe) })
		return
	}
	tr.queued++
	if tr.queued >= writeQueueSize {
		tr.writable = false
	}
	tr.writeQueue <- writeReq{buf: buf, cb: cb}
}

// CloseNow closes the connection; queued writes may be lost.
func (tr *NetTransport) CloseNow() {
	if tr.closed {
		return
	}
	tr.closed = true
	tr.StartShutdown(nil)
}

// CloseWithReset closes discarding queued data, with a TCP RST where the
// connection supports it.
func (tr *NetTransport) CloseWithReset() {
	if tr.closed {
		return
	}
	tr.closed = true
	if tc, ok := tr.conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	tr.StartShutdown(nil)
}
