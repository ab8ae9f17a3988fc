package htmux

import "time"

// Default deadlines, used when SessionConfig leaves them zero.
const (
	DefaultIngressTimeout = 50 * time.Second
	DefaultWriteTimeout   = 25 * time.Second
)

// timeoutGovernor owns the session's two timer classes: the shared
// ingress-idle timer, armed while at least one live transaction has not yet
// observed end-of-message, and the per-transaction egress-stall timers,
// armed while a transaction's egress is paused with undelivered bytes.
// Handles for stall timers live on the transactions themselves; the
// governor only creates them.
type timeoutGovernor struct {
	timers         TimerScheduler
	ingressTimeout time.Duration
	writeTimeout   time.Duration

	ingressTimer  TimerHandle
	onIngressIdle func()
}

func newTimeoutGovernor(timers TimerScheduler, ingress, write time.Duration, onIngressIdle func()) *timeoutGovernor {
	if ingress <= 0 {
		ingress = DefaultIngressTimeout
	}
	if write <= 0 {
		write = DefaultWriteTimeout
	}
	return &timeoutGovernor{
		timers:         timers,
		ingressTimeout: ingress,
		writeTimeout:   write,
		onIngressIdle:  onIngressIdle,
	}
}

// armIngress starts the ingress-idle timer if it is not already running.
func (g *timeoutGovernor) armIngress() {
	if g.ingressTimer != nil || g.timers == nil {
		return
	}
	g.ingressTimer = g.timers.ScheduleTimeout(g.ingressTimeout, func() {
		g.ingressTimer = nil
		g.onIngressIdle()
	})
}

// refreshIngress restarts the deadline after ingress activity.
func (g *timeoutGovernor) refreshIngress() {
	g.disarmIngress()
	g.armIngress()
}

// disarmIngress cancels the ingress-idle timer; a firing already in flight
// is ignored by the session's awaiting-ingress check.
func (g *timeoutGovernor) disarmIngress() {
	if g.ingressTimer != nil {
		g.ingressTimer.Cancel()
		g.ingressTimer = nil
	}
}

// armStall creates an egress-stall timer firing fn after the write
// deadline. Returns nil when no timer scheduler was injected.
func (g *timeoutGovernor) armStall(fn func()) TimerHandle {
	if g.timers == nil {
		return nil
	}
	return g.timers.ScheduleTimeout(g.writeTimeout, fn)
}

// shutdown cancels the shared timer. Per-transaction stall timers are
// cancelled by their owners on detach.
func (g *timeoutGovernor) shutdown() {
	g.disarmIngress()
}
