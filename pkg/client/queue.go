package client

import "github.com/eapache/queue"

// Outbound is an encoded frame waiting to be written.
type Outbound struct {
	Type  string
	Frame []byte
}

// Queue is a bounded FIFO of outbound frames. When full, the oldest entry is evicted to make
// room for the newest. Not safe for concurrent use.
type Queue struct {
	q   *queue.Queue
	cap int
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{q: queue.New(), cap: capacity}
}

// Push appends m and returns the entry evicted to make room, if any.
func (q *Queue) Push(m Outbound) (evicted Outbound, dropped bool) {
	if q.q.Length() >= q.cap {
		evicted = q.q.Remove().(Outbound)
		dropped = true
	}
	q.q.Add(m)
	return evicted, dropped
}

func (q *Queue) Peek() (Outbound, bool) {
	if q.q.Length() == 0 {
		return Outbound{}, false
	}
	return q.q.Peek().(Outbound), true
}

func (q *Queue) Pop() (Outbound, bool) {
	if q.q.Length() == 0 {
		return Outbound{}, false
	}
	return q.q.Remove().(Outbound), true
}

func (q *Queue) Len() int { return q.q.Length() }

func (q *Queue) Cap() int { return q.cap }

// Items returns the queued entries, oldest first.
func (q *Queue) Items() []Outbound {
	out := make([]Outbound, q.q.Length())
	for i := range out {
		out[i] = q.q.Get(i).(Outbound)
	}
	return out
}

func (q *Queue) Clear() { q.q = queue.New() }
