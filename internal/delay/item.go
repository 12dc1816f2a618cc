package delay

import (
	"fmt"
	"time"

	"github.com/jdiitm/delayq/internal/domain"
)

// DueAt returns the absolute instant at which a record enqueued at `at`
// with the given delay becomes eligible for dispatch.
func DueAt(delay time.Duration, at time.Time) time.Time {
	return at.Add(delay)
}

// Item is a fetched record waiting for its due time. Items are immutable
// once created.
type Item struct {
	record domain.Record
	delay  time.Duration
	dueAt  time.Time
	seq    uint64
}

// NewItem wraps rec with its resolved delay, computing the due time from
// the enqueue instant.
func NewItem(rec domain.Record, delay time.Duration, enqueuedAt time.Time) (*Item, error) {
	if delay < 0 {
		return nil, fmt.Errorf("negative delay %v for %s/%d@%d", delay, rec.Topic, rec.Partition, rec.Offset)
	}
	return &Item{
		record: rec,
		delay:  delay,
		dueAt:  DueAt(delay, enqueuedAt),
	}, nil
}

func (it *Item) Record() domain.Record { return it.record }

func (it *Item) Delay() time.Duration { return it.delay }

func (it *Item) DueAt() time.Time { return it.dueAt }

// Ready reports whether the item's due time has passed at now.
func (it *Item) Ready(now time.Time) bool {
	return !now.Before(it.dueAt)
}
