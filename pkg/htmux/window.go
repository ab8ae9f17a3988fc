package htmux

// window is a byte-credit flow-control counter. available never goes
// negative: reserve grants at most what is left. Capacity renegotiation
// applies the delta to the outstanding credit, which mirrors how
// INITIAL_WINDOW_SIZE changes retroactively adjust open streams.
type window struct {
	capacity  int64
	available int64
}

func newWindow(capacity uint32) window {
	return window{capacity: int64(capacity), available: int64(capacity)}
}

// reserve takes up to n bytes of credit and returns how many were granted.
func (w *window) reserve(n int) int {
	if int64(n) > w.available {
		n = int(w.available)
	}
	w.available -= int64(n)
	return n
}

// free returns n bytes of credit (a window update from the peer).
func (w *window) free(n uint32) {
	w.available += int64(n)
}

// setCapacity renegotiates the window size, shifting outstanding credit by
// the delta. available may only be clamped at zero, never negative.
func (w *window) setCapacity(capacity uint32) {
	delta := int64(capacity) - w.capacity
	w.capacity = int64(capacity)
	w.available += delta
	if w.available < 0 {
		w.available = 0
	}
}

// blocked reports whether the window currently admits no bytes.
func (w *window) blocked() bool {
	return w.available <= 0
}
