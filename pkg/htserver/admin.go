package htserver

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// AdminServer extends net/http Server with graceful shutdown, serving the
// service's stats and health endpoints on a side address.
type AdminServer struct {
	*asyncobj.Helper
	*http.Server
	stats    *SessionStats
	listener net.Listener
}

// NewAdminServer creates a new AdminServer
func NewAdminServer(lg logger.Logger, stats *SessionStats) *AdminServer {
	a := &AdminServer{
		Server: &http.Server{},
		stats:  stats,
	}
	a.Helper = asyncobj.NewHelper(lg.ForkLogStr("admin"), a)
	return a
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (a *AdminServer) HandleOnceShutdown(completionErr error) error {
	a.DLogf("HandleOnceShutdown")
	if a.listener != nil {
		if err := a.listener.Close(); err != nil {
			a.DLogf("admin: close of listener failed, ignoring: %s", err)
			if completionErr == nil {
				completionErr = err
			}
		}
	}
	return completionErr
}

func (a *AdminServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n", a.stats)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok\n")
	})
	return requestlog.Wrap(mux)
}

// ListenAndServe runs the admin HTTP server on the given bind address. It
// returns after the server has shut down, either by cancelling the context
// or by calling StartShutdown.
func (a *AdminServer) ListenAndServe(ctx context.Context, addr string) error {
	a.ShutdownOnContext(ctx)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return a.Errorf("admin listen failed: %s", err)
	}
	a.Handler = a.routes()
	a.listener = l
	a.SetIsActivated()
	a.ILogf("Admin endpoint on %s", addr)

	go func() {
		a.StartShutdown(a.Serve(l))
	}()

	return a.WaitShutdown()
}
