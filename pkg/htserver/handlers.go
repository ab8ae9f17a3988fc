package htserver

import (
	"encoding/base64"
	"strings"

	socks5 "github.com/armon/go-socks5"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/htmux/pkg/htloop"
	"github.com/sammck-go/htmux/pkg/htmux"
)

// Router is the htmux.Controller for the service: it authenticates
// requests against the user index and dispatches them to the built-in
// handlers.
type Router struct {
	logger.Logger
	loop  *htloop.Loop
	users *UserIndex
	stats *SessionStats
	socks *socks5.Server

	onDetach func(s *htmux.Session)
}

var _ htmux.Controller = (*Router)(nil)

// NewRouter creates a router for one connection's sessions. onDetach is
// invoked after a session's transport has closed.
func NewRouter(lg logger.Logger, loop *htloop.Loop, users *UserIndex,
	stats *SessionStats, socks *socks5.Server, onDetach func(s *htmux.Session)) *Router {
	return &Router{
		Logger:   lg,
		loop:     loop,
		users:    users,
		stats:    stats,
		socks:    socks,
		onDetach: onDetach,
	}
}

// AttachSession is delivered when a session starts on the connection.
func (r *Router) AttachSession(s *htmux.Session) {
	r.stats.New()
	r.stats.Open()
	r.DLogf("session attached %s", r.stats)
}

// DetachSession is delivered exactly once, after the session's transaction
// set is empty and its transport is closed.
func (r *Router) DetachSession(s *htmux.Session) {
	r.stats.Close()
	r.DLogf("session detached %s", r.stats)
	if r.onDetach != nil {
		r.onDetach(s)
	}
}

// GetRequestHandler chooses the handler for one request.
func (r *Router) GetRequestHandler(s *htmux.Session, msg *htmux.Message) htmux.Handler {
	if !r.authorized(msg) {
		r.stats.Refusal()
		return &replyHandler{code: 401}
	}
	if msg.Method == "CONNECT" {
		if r.socks == nil {
			r.stats.Refusal()
			return &replyHandler{code: 502}
		}
		return newConnectHandler(r.Logger, r.loop, r.socks, r.stats)
	}
	switch msg.Path() {
	case "/echo":
		return newEchoHandler(r.stats)
	case "/healthz":
		return &replyHandler{code: 200, body: []byte("ok\n"), stats: r.stats}
	}
	r.stats.Refusal()
	return &replyHandler{code: 404}
}

// authorized checks HTTP basic credentials against the user index. An
// empty index admits everyone.
func (r *Router) authorized(msg *htmux.Message) bool {
	if r.users == nil || r.users.Len() == 0 {
		return true
	}
	auth := msg.Headers.Get("authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(auth[len("Basic "):])
	if err != nil {
		return false
	}
	name, pass := ParseAuth(string(raw))
	user, found := r.users.Get(name)
	if !found || user.Pass != pass {
		r.DLogf("login failed for user %q", name)
		return false
	}
	return user.HasAccess(msg.Path())
}

// replyHandler answers with a fixed status code (and optional body) once
// the request has fully arrived.
type replyHandler struct {
	htmux.HandlerBase
	txn   *htmux.Transaction
	code  int
	body  []byte
	stats *SessionStats
}

func (h *replyHandler) SetTransaction(txn *htmux.Transaction) { h.txn = txn }

func (h *replyHandler) OnEOM() {
	if len(h.body) == 0 {
		h.txn.SendReplyCode(h.code)
		return
	}
	msg := htmux.NewResponseMessage(h.code)
	msg.DeclaredLength = int64(len(h.body))
	h.txn.SendHeaders(msg)
	h.txn.SendBody(h.body)
	h.txn.SendEOM()
	if h.stats != nil {
		h.stats.AddBodyOut(len(h.body))
	}
}

func (h *replyHandler) DetachTransaction() {
	if h.stats != nil {
		h.stats.Txn()
	}
}

// echoHandler buffers the request body and reflects it back.
type echoHandler struct {
	htmux.HandlerBase
	txn   *htmux.Transaction
	body  []byte
	stats *SessionStats
}

func newEchoHandler(stats *SessionStats) *echoHandler {
	return &echoHandler{stats: stats}
}

func (h *echoHandler) SetTransaction(txn *htmux.Transaction) { h.txn = txn }

func (h *echoHandler) OnBody(data []byte) {
	h.body = append(h.body, data...)
	h.stats.AddBodyIn(len(data))
}

func (h *echoHandler) OnEOM() {
	msg := htmux.NewResponseMessage(200)
	msg.DeclaredLength = int64(len(h.body))
	msg.Headers.Set("content-type", "application/octet-stream")
	h.txn.SendHeaders(msg)
	if len(h.body) > 0 {
		h.txn.SendBody(h.body)
		h.stats.AddBodyOut(len(h.body))
	}
	h.txn.SendEOM()
}

func (h *echoHandler) DetachTransaction() {
	h.stats.Txn()
}

// connectHandler accepts a CONNECT request and serves the resulting opaque
// stream with the SOCKS5 server, so one tunnel behaves like a SOCKS
// connection.
type connectHandler struct {
	htmux.HandlerBase
	logger.Logger
	loop  *htloop.Loop
	socks *socks5.Server
	stats *SessionStats
	txn   *htmux.Transaction
	conn  *TxnConn
}

func newConnectHandler(lg logger.Logger, loop *htloop.Loop, socks *socks5.Server,
	stats *SessionStats) *connectHandler {
	return &connectHandler{
		Logger: lg.ForkLogStr("connect"),
		loop:   loop,
		socks:  socks,
		stats:  stats,
	}
}

func (h *connectHandler) SetTransaction(txn *htmux.Transaction) { h.txn = txn }

func (h *connectHandler) OnHeadersComplete(msg *htmux.Message) {
	h.DLogf("CONNECT %s", msg.URL)
	h.txn.SendHeaders(htmux.NewResponseMessage(200))
}

func (h *connectHandler) OnUpgrade(protocol string) {
	h.conn = NewTxnConn(h.loop, h.txn)
	conn := h.conn
	go func() {
		if err := h.socks.ServeConn(conn); err != nil {
			h.DLogf("socks tunnel ended: %s", err)
		}
		conn.Close()
	}()
}

func (h *connectHandler) OnBody(data []byte) {
	h.stats.AddBodyIn(len(data))
	if h.conn != nil {
		h.conn.push(data)
	}
}

func (h *connectHandler) OnEOM() {
	if h.conn != nil {
		h.conn.pushEOF()
	}
}

func (h *connectHandler) OnError(err *htmux.Error) {
	h.DLogf("tunnel error: %s", err)
}

func (h *connectHandler) DetachTransaction() {
	if h.conn != nil {
		h.conn.pushEOF()
	}
	h.stats.Txn()
}
