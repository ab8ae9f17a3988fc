// Package htserver is the htmuxd service: it accepts TCP (and websocket)
// connections, runs an htmux session over each on its own dispatch loop,
// and routes requests to the built-in handlers.
package htserver

import (
	"context"
	"io/ioutil"
	stdlog "log"
	"net"
	"os"
	"regexp"
	"sync"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/htmux/pkg/htcodec"
	"github.com/sammck-go/htmux/pkg/htloop"
	"github.com/sammck-go/htmux/pkg/htmux"
)

// Server is the htmuxd service.
type Server struct {
	*asyncobj.Helper
	cfg   *ServerConfig
	users *UserIndex
	stats SessionStats
	socks *socks5.Server
	admin *AdminServer

	listener net.Listener

	mu       sync.Mutex
	sessions map[*htmux.Session]*htloop.Loop
}

// NewServer creates the service from its configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	level := logger.LogLevelInfo
	if cfg.Debug {
		level = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix("htmuxd"),
	)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		sessions: make(map[*htmux.Session]*htloop.Loop),
	}
	s.Helper = asyncobj.NewHelper(lg, s)

	s.users = NewUserIndex(s.Logger)
	if cfg.AuthFile != "" {
		if err := s.users.LoadUsers(cfg.AuthFile); err != nil {
			return nil, err
		}
	}
	if cfg.Auth != "" {
		u := &User{Paths: []*regexp.Regexp{UserAllowAll}}
		u.Name, u.Pass = ParseAuth(cfg.Auth)
		if u.Name != "" {
			s.users.AddUser(u)
		}
	}

	if cfg.Socks5 {
		socksConfig := &socks5.Config{}
		if level >= logger.LogLevelDebug {
			socksConfig.Logger = stdlog.New(os.Stdout, "[socks]", stdlog.Ldate|stdlog.Ltime)
		} else {
			socksConfig.Logger = stdlog.New(ioutil.Discard, "", 0)
		}
		s.socks, err = socks5.New(socksConfig)
		if err != nil {
			return nil, err
		}
		s.ILogf("SOCKS5 tunnel handler enabled")
	}

	if cfg.AdminAddr != "" {
		s.admin = NewAdminServer(s.Logger, &s.stats)
	}

	return s, nil
}

// Stats returns the live service counters.
func (s *Server) Stats() *SessionStats { return &s.stats }

// Addr returns the bound listen address, nil before Run has started
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the service and blocks until shutdown, triggered by context
// cancellation or StartShutdown.
func (s *Server) Run(ctx context.Context) error {
	s.ShutdownOnContext(ctx)

	l, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return s.Errorf("listen %s: %s", s.cfg.ListenAddr(), err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.SetIsActivated()

	if s.users.Len() > 0 {
		s.ILogf("User authentication enabled")
	}
	if s.admin != nil {
		go s.admin.ListenAndServe(ctx, s.cfg.AdminAddr)
	}
	s.ILogf("Listening on %s...", s.cfg.ListenAddr())

	go s.acceptLoop()
	return s.WaitShutdown()
}

// acceptLoop accepts connections until the listener closes, retrying
// transient accept failures with exponential backoff.
func (s *Server) acceptLoop() {
	b := &backoff.Backoff{Max: 5 * time.Second}
	for !s.IsStartedShutdown() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.IsStartedShutdown() {
				return
			}
			d := b.Duration()
			s.DLogf("accept failed: %s, retrying in %s", err, d)
			time.Sleep(d)
			continue
		}
		b.Reset()
		s.serveConn(conn)
	}
}

// serveConn sets up the per-connection stack: dispatch loop, transport,
// HTTP/1.x codec and session.
func (s *Server) serveConn(conn net.Conn) {
	lg := s.ForkLogStr("<conn " + conn.RemoteAddr().String() + ">")
	loop := htloop.NewLoop(lg)
	transport := htloop.NewNetTransport(lg, loop, conn)
	codec := htcodec.NewHTTP1Codec()

	var session *htmux.Session
	router := NewRouter(lg, loop, s.users, &s.stats, s.socks, func(d *htmux.Session) {
		s.mu.Lock()
		delete(s.sessions, d)
		s.mu.Unlock()
		loop.StartShutdown(nil)
		transport.StartShutdown(nil)
	})
	session = htmux.NewSession(lg, transport, codec, router, loop,
		htmux.SessionConfig{
			IngressTimeout:        s.cfg.IngressTimeout(),
			WriteTimeout:          s.cfg.WriteTimeout(),
			MaxConcurrentIncoming: s.cfg.MaxConcurrent,
		})

	s.mu.Lock()
	s.sessions[session] = loop
	s.mu.Unlock()

	transport.Start(session)
	loop.Post(session.StartNow)
}

// HandleOnceShutdown drains sessions gracefully, bounded by the configured
// drain timeout, then cuts whatever is left.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	if s.admin != nil {
		s.admin.StartShutdown(nil)
	}

	s.mu.Lock()
	live := make(map[*htmux.Session]*htloop.Loop, len(s.sessions))
	for sess, loop := range s.sessions {
		live[sess] = loop
	}
	s.mu.Unlock()

	for sess, loop := range live {
		target := sess
		loop.Post(target.NotifyPendingShutdown)
	}

	deadline := time.Now().Add(s.cfg.DrainTimeout())
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.sessions)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.mu.Lock()
	for sess, loop := range s.sessions {
		target := sess
		loop.Post(func() {
			target.ShutdownTransportWithReset(&htmux.Error{
				Kind: htmux.KindConnectionReset,
				Msg:  "server shutting down",
			})
		})
	}
	s.mu.Unlock()

	return completionErr
}
