package htmux

// NumPriorityBands is the number of egress priority bands. Band 0 is the
// most favored.
const NumPriorityBands = 8

// egressScheduler chooses which transaction's pending bytes reach the
// transport next. Discipline: strict priority across bands; within a band,
// round-robin over an intrusive ring of transactions so that no transaction
// with pending data is served twice before every same-band peer is served
// once. In fifo mode (serial codecs) the ring never rotates: the head
// transaction is drained to completion before the next begins, preserving
// arrival order.
//
// Transactions link themselves into a band ring via schedPrev/schedNext;
// only transactions that can actually make progress should be active.
type egressScheduler struct {
	bands [NumPriorityBands]*Transaction
	fifo  bool
}

func newEgressScheduler(fifo bool) *egressScheduler {
	return &egressScheduler{fifo: fifo}
}

func (sc *egressScheduler) bandFor(t *Transaction) uint8 {
	if sc.fifo {
		return 0
	}
	if t.priority >= NumPriorityBands {
		return NumPriorityBands - 1
	}
	return t.priority
}

// activate adds t to its band ring. No-op if already active.
func (sc *egressScheduler) activate(t *Transaction) {
	if t.schedActive {
		return
	}
	t.schedActive = true
	band := sc.bandFor(t)
	head := sc.bands[band]
	if head == nil {
		sc.bands[band] = t
		t.schedNext = t
		t.schedPrev = t
		return
	}
	// Insert at the tail, just before head.
	tail := head.schedPrev
	tail.schedNext = t
	t.schedPrev = tail
	t.schedNext = head
	head.schedPrev = t
}

// deactivate removes t from its band ring. No-op if not active.
func (sc *egressScheduler) deactivate(t *Transaction) {
	if !t.schedActive {
		return
	}
	t.schedActive = false
	band := sc.bandFor(t)
	if t.schedNext == t {
		sc.bands[band] = nil
	} else {
		t.schedPrev.schedNext = t.schedNext
		t.schedNext.schedPrev = t.schedPrev
		if sc.bands[band] == t {
			sc.bands[band] = t.schedNext
		}
	}
	t.schedNext = nil
	t.schedPrev = nil
}

// next returns the transaction to serve this turn, or nil if none is
// active. Round-robin rotation happens here: the chosen transaction moves
// to the back of its band unless the scheduler is in fifo mode.
func (sc *egressScheduler) next() *Transaction {
	for band := 0; band < NumPriorityBands; band++ {
		head := sc.bands[band]
		if head == nil {
			continue
		}
		if !sc.fifo {
			sc.bands[band] = head.schedNext
		}
		return head
	}
	return nil
}

// empty reports whether no transaction is awaiting a turn.
func (sc *egressScheduler) empty() bool {
	for band := 0; band < NumPriorityBands; band++ {
		if sc.bands[band] != nil {
			return false
		}
	}
	return true
}
