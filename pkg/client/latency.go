package client

import (
	"time"

	"github.com/eapache/queue"
)

// LatencyStats summarizes the samples in a LatencyWindow. All values are zero when empty.
type LatencyStats struct {
	Current time.Duration
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
	Samples int
}

// LatencyWindow keeps the most recent round-trip samples, dropping the oldest once full.
type LatencyWindow struct {
	q    *queue.Queue
	size int
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size < 1 {
		size = 1
	}
	return &LatencyWindow{q: queue.New(), size: size}
}

func (w *LatencyWindow) Add(rtt time.Duration) {
	if w.q.Length() >= w.size {
		w.q.Remove()
	}
	w.q.Add(rtt)
}

func (w *LatencyWindow) Len() int { return w.q.Length() }

func (w *LatencyWindow) Reset() { w.q = queue.New() }

// Samples returns the window, oldest first.
func (w *LatencyWindow) Samples() []time.Duration {
	out := make([]time.Duration, w.q.Length())
	for i := range out {
		out[i] = w.q.Get(i).(time.Duration)
	}
	return out
}

func (w *LatencyWindow) Stats() LatencyStats {
	n := w.q.Length()
	if n == 0 {
		return LatencyStats{}
	}
	st := LatencyStats{
		Current: w.q.Get(-1).(time.Duration),
		Min:     w.q.Get(0).(time.Duration),
		Samples: n,
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		d := w.q.Get(i).(time.Duration)
		sum += d
		if d < st.Min {
			st.Min = d
		}
		if d > st.Max {
			st.Max = d
		}
	}
	st.Average = sum / time.Duration(n)
	return st
}
