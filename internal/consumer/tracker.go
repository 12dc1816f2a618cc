package consumer

import (
	"sync"

	"github.com/jdiitm/delayq/internal/domain"
)

type offsetState uint8

const (
	offsetPending offsetState = iota
	offsetSucceeded
	offsetFailed
)

type partitionOffsets struct {
	order     []int64
	state     map[int64]offsetState
	next      int64
	committed int64
	// pinned is set once an offset fails; the commit position cannot pass
	// it, so later offsets are no longer recorded.
	pinned bool
}

// tracker decides how far each partition may be committed. The commit
// position is the earliest offset that has not succeeded, so a failed or
// still-waiting record holds back every later one in its partition.
type tracker struct {
	mu         sync.Mutex
	partitions map[TopicPartition]*partitionOffsets
}

func newTracker() *tracker {
	return &tracker{partitions: make(map[TopicPartition]*partitionOffsets)}
}

// Track registers a fetched record. It reports false for a record already
// being tracked, which the lane skips.
func (t *tracker) Track(rec domain.Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp := TopicPartition{Topic: rec.Topic, Partition: rec.Partition}
	p, ok := t.partitions[tp]
	if !ok {
		p = &partitionOffsets{state: make(map[int64]offsetState), committed: -1}
		t.partitions[tp] = p
	}
	// Offsets only move forward within one assignment.
	if rec.Offset < p.next {
		return false
	}
	p.next = rec.Offset + 1
	if p.pinned {
		return true
	}
	p.order = append(p.order, rec.Offset)
	p.state[rec.Offset] = offsetPending
	return true
}

func (t *tracker) Complete(rec domain.Record, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, found := t.partitions[TopicPartition{Topic: rec.Topic, Partition: rec.Partition}]
	if !found {
		return
	}
	if _, tracked := p.state[rec.Offset]; !tracked {
		return
	}
	if ok {
		p.state[rec.Offset] = offsetSucceeded
		return
	}
	p.state[rec.Offset] = offsetFailed
	p.pinned = true
	for i, off := range p.order {
		if off > rec.Offset {
			for _, later := range p.order[i:] {
				delete(p.state, later)
			}
			p.order = p.order[:i:i]
			break
		}
	}
}

// Committable returns, per partition, the next offset to commit when it
// is ahead of what was last committed.
func (t *tracker) Committable() map[TopicPartition]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[TopicPartition]int64)
	for tp, p := range t.partitions {
		i := 0
		for i < len(p.order) && p.state[p.order[i]] == offsetSucceeded {
			delete(p.state, p.order[i])
			i++
		}
		p.order = p.order[i:]

		pos := p.next
		if len(p.order) > 0 {
			pos = p.order[0]
		}
		if pos > p.committed {
			out[tp] = pos
		}
	}
	return out
}

func (t *tracker) Committed(offsets map[TopicPartition]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tp, off := range offsets {
		if p, ok := t.partitions[tp]; ok && off > p.committed {
			p.committed = off
		}
	}
}

// Forget drops all state for partitions the lane no longer owns.
func (t *tracker) Forget(tps []TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range tps {
		delete(t.partitions, tp)
	}
}

// Outstanding counts records not yet known to have succeeded.
func (t *tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.partitions {
		for _, s := range p.state {
			if s != offsetSucceeded {
				n++
			}
		}
	}
	return n
}
