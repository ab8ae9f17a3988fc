package htserver

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/sammck-go/htmux/pkg/htloop"
	"github.com/sammck-go/htmux/pkg/htmux"
)

// TxnConn adapts an upgraded (CONNECT) transaction to net.Conn so ordinary
// connection-oriented code, like the SOCKS5 server, can run over it. The
// handler pushes ingress bytes from the loop goroutine; reads block the
// consuming goroutine until bytes or EOF arrive. Writes marshal back onto
// the loop as SendBody calls.
type TxnConn struct {
	loop *htloop.Loop
	txn  *htmux.Transaction

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	eof    bool
	closed bool
}

var _ net.Conn = (*TxnConn)(nil)

// NewTxnConn wraps txn, which must already be upgraded.
func NewTxnConn(loop *htloop.Loop, txn *htmux.Transaction) *TxnConn {
	c := &TxnConn{loop: loop, txn: txn}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// push delivers ingress bytes; called from the loop goroutine.
func (c *TxnConn) push(data []byte) {
	c.mu.Lock()
	c.buf = append(c.buf, data...)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// pushEOF marks end of the ingress stream; called from the loop goroutine.
func (c *TxnConn) pushEOF() {
	c.mu.Lock()
	c.eof = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *TxnConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 && !c.eof && !c.closed {
		c.cond.Wait()
	}
	if len(c.buf) == 0 {
		if c.closed {
			return 0, io.ErrClosedPipe
		}
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *TxnConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	data := make([]byte, len(p))
	copy(data, p)
	txn := c.txn
	c.loop.Post(func() { txn.SendBody(data) })
	return len(p), nil
}

// Close half-closes egress with EOM and unblocks readers.
func (c *TxnConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	txn := c.txn
	c.loop.Post(func() { txn.SendEOM() })
	return nil
}

func (c *TxnConn) LocalAddr() net.Addr  { return txnAddr{} }
func (c *TxnConn) RemoteAddr() net.Addr { return txnAddr{} }

// Deadlines are not supported over a multiplexed stream.
func (c *TxnConn) SetDeadline(t time.Time) error      { return nil }
func (c *TxnConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *TxnConn) SetWriteDeadline(t time.Time) error { return nil }

type txnAddr struct{}

func (txnAddr) Network() string { return "htmux" }
func (txnAddr) String() string  { return "htmux-txn" }
