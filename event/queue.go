package event

import (
	"container/heap"
	"errors"
)

var ErrNotQueued = errors.New("event is not in the queue")

// eventHeap orders events by time, events with equal time are ordered by
// the insertion sequence so the simulation is reproducible.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Time != h[j].Time {
		return h[i].Time < h[j].Time
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*Event)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil // avoid memory leak
	ev.index = -1
	*h = old[0 : n-1]
	return ev
}

/*
Queue is the global discrete event queue of the simulation. Not safe for
concurrent use, the simulation is single threaded.
*/
type Queue struct {
	events eventHeap
	seq    uint64
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Len() int { return len(q.events) }

// Push adds event to the queue and returns it (to be used as cancellation token).
func (q *Queue) Push(ev *Event) *Event {
	q.seq++
	ev.seq = q.seq
	heap.Push(&q.events, ev)
	return ev
}

// Pop removes and returns the earliest event, nil when the queue is empty.
func (q *Queue) Pop() *Event {
	if len(q.events) == 0 {
		return nil
	}
	return heap.Pop(&q.events).(*Event)
}

// Peek returns the earliest event without removing it.
func (q *Queue) Peek() *Event {
	if len(q.events) == 0 {
		return nil
	}
	return q.events[0]
}

/*
Remove takes the event out of the queue. When the event has already been
delivered (or removed) ErrNotQueued is returned, callers cancelling timers
are expected to ignore it.
*/
func (q *Queue) Remove(ev *Event) error {
	if ev == nil || ev.index < 0 || ev.index >= len(q.events) || q.events[ev.index] != ev {
		return ErrNotQueued
	}
	heap.Remove(&q.events, ev.index)
	return nil
}

// RemoveFunc removes all the events for which "match" returns true and
// returns number of events removed.
func (q *Queue) RemoveFunc(match func(*Event) bool) int {
	kept := q.events[:0]
	removed := 0
	for _, ev := range q.events {
		if match(ev) {
			ev.index = -1
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(q.events); i++ {
		q.events[i] = nil
	}
	q.events = kept
	for i, ev := range q.events {
		ev.index = i
	}
	heap.Init(&q.events)
	return removed
}

// Events returns snapshot of the queued events in no particular order.
func (q *Queue) Events() []*Event {
	return append([]*Event(nil), q.events...)
}
