package htloop

import (
	"io"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/htmux/pkg/htmux"
)

// WsTransport adapts a websocket connection to htmux.Transport, carrying
// session bytes as binary messages. Useful for tunneling a session through
// HTTP-only infrastructure.
type WsTransport struct {
	*asyncobj.Helper
	loop *Loop
	conn *websocket.Conn

	writeQueue chan writeReq

	sink     IngressSink
	queued   int
	closed   bool
	failed   bool
	writable bool
}

var _ htmux.Transport = (*WsTransport)(nil)

// NewWsTransport wraps conn. Call Start to begin reading.
func NewWsTransport(lg logger.Logger, loop *Loop, conn *websocket.Conn) *WsTransport {
	tr := &WsTransport{
		loop:       loop,
		conn:       conn,
		writeQueue: make(chan writeReq, writeQueueSize),
		writable:   true,
	}
	tr.Helper = asyncobj.NewHelper(lg.ForkLogStr("<ws transport>"), tr)
	tr.SetIsActivated()
	return tr
}

// Start attaches the sink and spawns the reader and writer goroutines.
func (tr *WsTransport) Start(sink IngressSink) {
	tr.sink = sink
	go tr.readLoop()
	go tr.writeLoop()
}

// HandleOnceShutdown closes the connection and stops the writer.
func (tr *WsTransport) HandleOnceShutdown(completionErr error) error {
	close(tr.writeQueue)
	tr.conn.Close()
	return completionErr
}

func (tr *WsTransport) readLoop() {
	for {
		mt, data, err := tr.conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway)
			if !clean {
				tr.DLogf("websocket read ended: %s", err)
			}
			tr.loop.Post(func() {
				if !clean {
					tr.failed = true
				}
				tr.sink.OnIngressEOF()
			})
			return
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		tr.loop.Post(func() { tr.sink.OnIngress(data) })
	}
}

func (tr *WsTransport) writeLoop() {
	for req := range tr.writeQueue {
		err := tr.conn.WriteMessage(websocket.BinaryMessage, req.buf)
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

func (tr *WsTransport) noteDequeued() {
	tr.queued--
	if !tr.writable && tr.queued < writeQueueSize/2 && !tr.closed && !tr.failed {
		tr.writable = true
		if s, ok := tr.sink.(interface{ OnTransportWritable() }); ok {
			s.OnTransportWritable()
		}
	}
}

func (tr *WsTransport) Good() bool {
	return !tr.closed && !tr.failed
}

func (tr *WsTransport) Writable() bool {
	return tr.writable && !tr.closed && !tr.failed
}

// Write queues buf for transmission as one binary message. Must be called
// from the loop.
func (tr *WsTransport) Write(buf []byte, cb htmux.WriteCallback) {
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

func (tr *WsTransport) CloseNow() {
	if tr.closed {
		return
	}
	tr.closed = true
	tr.StartShutdown(nil)
}

func (tr *WsTransport) CloseWithReset() {
	tr.CloseNow()
}
