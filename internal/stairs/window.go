package stairs

import "math"

// Window is a fixed-capacity FIFO of clamped vertical magnitudes with a
// running mean.
type Window struct {
	data  []float64
	pos   int
	n     int
	sum   float64
	limit float64
}

// NewWindow creates a window holding at most size values, each clamped to
// limit.
func NewWindow(size int, limit float64) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{data: make([]float64, size), limit: limit}
}

// Push clamps |v| to the limit, evicts the oldest value when full and appends.
// It returns the value actually stored.
func (w *Window) Push(v float64) float64 {
	v = math.Min(math.Abs(v), w.limit)
	if w.n == len(w.data) {
		w.sum -= w.data[w.pos]
	} else {
		w.n++
	}
	w.data[w.pos] = v
	w.sum += v
	w.pos++
	if w.pos >= len(w.data) {
		w.pos = 0
	}
	// Resum once per lap to shed running-sum drift.
	if w.pos == 0 {
		w.sum = 0
		for i := 0; i < w.n; i++ {
			w.sum += w.data[i]
		}
	}
	return v
}

// Mean returns the arithmetic mean of the stored values, 0 when empty.
func (w *Window) Mean() float64 {
	if w.n == 0 {
		return 0
	}
	return w.sum / float64(w.n)
}

func (w *Window) Len() int { return w.n }

func (w *Window) Cap() int { return len(w.data) }

func (w *Window) Reset() {
	w.pos = 0
	w.n = 0
	w.sum = 0
}

// Values returns the contents oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.n)
	if w.n < len(w.data) {
		copy(out, w.data[:w.n])
		return out
	}
	copy(out, w.data[w.pos:])
	copy(out[len(w.data)-w.pos:], w.data[:w.pos])
	return out
}
