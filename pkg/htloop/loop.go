// Package htloop provides the cooperative dispatch environment htmux
// sessions run in: a single-goroutine task loop, a timer scheduler bound to
// it, and transports (net.Conn, websocket) that marshal their I/O events
// onto the loop.
package htloop

import (
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/htmux/pkg/htmux"
)

// Loop is a single-goroutine task dispatcher. Everything a session does
// (ingress delivery, write completions, timer firings, handler-initiated
// sends from other goroutines) runs as a posted task, giving the session
// its lock-free single-threaded dispatch domain.
type Loop struct {
	*asyncobj.Helper
	tasks chan func()
}

// NewLoop creates and starts a loop. Shut it down with StartShutdown;
// queued tasks are drained before the goroutine exits.
func NewLoop(lg logger.Logger) *Loop {
	l := &Loop{
		tasks: make(chan func(), 1024),
	}
	l.Helper = asyncobj.NewHelper(lg.ForkLogStr("<loop>"), l)
	l.SetIsActivated()
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.ShutdownStartedChan():
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// HandleOnceShutdown completes asynchronous shutdown of the loop.
func (l *Loop) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

// Post schedules fn on the loop goroutine. Safe to call from any goroutine;
// after shutdown has started the task may be dropped.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.ShutdownDoneChan():
	}
}

// loopTimer is one scheduled timeout. The cancelled flag is only touched
// from the loop goroutine, which is also where the deferred fire runs, so
// Cancel-after-fire races are benign.
type loopTimer struct {
	loop      *Loop
	timer     *time.Timer
	cancelled bool
}

func (lt *loopTimer) Cancel() {
	lt.cancelled = true
	lt.timer.Stop()
}

// ScheduleTimeout implements htmux.TimerScheduler: fn runs on the loop
// goroutine no earlier than d from now, unless cancelled first.
func (l *Loop) ScheduleTimeout(d time.Duration, fn func()) htmux.TimerHandle {
	lt := &loopTimer{loop: l}
	lt.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if !lt.cancelled {
				fn()
			}
		})
	})
	return lt
}

var _ htmux.TimerScheduler = (*Loop)(nil)
