package delay

import (
	"container/heap"
	"errors"
	"time"
)

var (
	ErrEmptyStore = errors.New("delay store is empty")
	ErrNotDue     = errors.New("earliest item is not due yet")
)

// itemHeap orders items by due time, then by push order.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Store holds fetched-but-not-yet-due items and yields them in due order.
// A Store belongs to a single lane and is not safe for concurrent use.
type Store struct {
	items itemHeap
	seq   uint64
	now   func() time.Time
}

type StoreOption func(*Store)

// WithClock overrides the wall clock used to decide readiness.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Len() int { return len(s.items) }

// Push inserts an item. Items with equal due times are yielded in push order.
func (s *Store) Push(it *Item) {
	s.seq++
	it.seq = s.seq
	heap.Push(&s.items, it)
}

// Next reports the earliest item if it is ready, or otherwise how long
// until it becomes ready. It never removes anything.
func (s *Store) Next() (*Item, time.Duration, error) {
	if len(s.items) == 0 {
		return nil, 0, ErrEmptyStore
	}
	head := s.items[0]
	now := s.now()
	if head.Ready(now) {
		return head, 0, nil
	}
	return nil, head.dueAt.Sub(now), nil
}

// Pop removes and returns the earliest item, provided it is due.
func (s *Store) Pop() (*Item, error) {
	if len(s.items) == 0 {
		return nil, ErrEmptyStore
	}
	if !s.items[0].Ready(s.now()) {
		return nil, ErrNotDue
	}
	return heap.Pop(&s.items).(*Item), nil
}

// Drain empties the store and returns everything it held in due order.
func (s *Store) Drain() []*Item {
	out := make([]*Item, 0, len(s.items))
	for len(s.items) > 0 {
		out = append(out, heap.Pop(&s.items).(*Item))
	}
	return out
}

// Remove drops every item for which match returns true and returns them.
func (s *Store) Remove(match func(*Item) bool) []*Item {
	var removed []*Item
	kept := s.items[:0]
	for _, it := range s.items {
		if match(it) {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = nil
	}
	s.items = kept
	heap.Init(&s.items)
	return removed
}
