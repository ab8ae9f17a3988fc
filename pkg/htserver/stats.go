package htserver

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// SessionStats keeps track of both currently open and total session counts
// for the service, plus transaction and byte totals.
type SessionStats struct {
	count    int32
	open     int32
	txns     int64
	bodyIn   int64
	bodyOut  int64
	refusals int64
}

// New adds one to the total session count and returns the new total.
func (s *SessionStats) New() int32 {
	return atomic.AddInt32(&s.count, 1)
}

// Open adds one to the current open session count.
func (s *SessionStats) Open() {
	atomic.AddInt32(&s.open, 1)
}

// Close subtracts one from the current open session count.
func (s *SessionStats) Close() {
	atomic.AddInt32(&s.open, -1)
}

// Txn counts one served transaction.
func (s *SessionStats) Txn() {
	atomic.AddInt64(&s.txns, 1)
}

// Refusal counts one refused or failed transaction.
func (s *SessionStats) Refusal() {
	atomic.AddInt64(&s.refusals, 1)
}

// AddBodyIn counts received entity bytes.
func (s *SessionStats) AddBodyIn(n int) {
	atomic.AddInt64(&s.bodyIn, int64(n))
}

// AddBodyOut counts sent entity bytes.
func (s *SessionStats) AddBodyOut(n int) {
	atomic.AddInt64(&s.bodyOut, int64(n))
}

func (s *SessionStats) String() string {
	return fmt.Sprintf("[%d/%d] txns=%d refused=%d in=%s out=%s",
		atomic.LoadInt32(&s.open), atomic.LoadInt32(&s.count),
		atomic.LoadInt64(&s.txns), atomic.LoadInt64(&s.refusals),
		sizestr.ToString(atomic.LoadInt64(&s.bodyIn)),
		sizestr.ToString(atomic.LoadInt64(&s.bodyOut)))
}
