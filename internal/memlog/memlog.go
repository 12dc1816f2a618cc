// Package memlog is an in-process partitioned log with consumer groups.
// It stands in for a Kafka cluster in tests and single-process runs:
// records are keyed onto partitions, each group member owns a disjoint set
// of partitions, and a member that joins or leaves rebalances the group so
// uncommitted records are handed out again from the committed offset.
package memlog

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/jdiitm/delayq/internal/consumer"
	"github.com/jdiitm/delayq/internal/domain"
)

var ErrNotAssigned = errors.New("partition not assigned to member")

const defaultMaxBatch = 500

type Log struct {
	mu         sync.Mutex
	partitions int
	maxBatch   int
	now        func() time.Time
	topics     map[string][][]domain.Record
	groups     map[groupKey]*group
	roundRobin map[string]int
	changed    chan struct{}
}

type groupKey struct {
	id    string
	topic string
}

type group struct {
	members   []*Member
	committed map[int32]int64
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

func WithMaxBatch(n int) Option {
	return func(l *Log) {
		l.maxBatch = n
	}
}

func New(partitions int, opts ...Option) *Log {
	if partitions < 1 {
		partitions = 1
	}
	l := &Log{
		partitions: partitions,
		maxBatch:   defaultMaxBatch,
		now:        time.Now,
		topics:     make(map[string][][]domain.Record),
		groups:     make(map[groupKey]*group),
		roundRobin: make(map[string]int),
		changed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// topicLocked returns the partitions of topic, creating it on first use.
func (l *Log) topicLocked(topic string) [][]domain.Record {
	parts, ok := l.topics[topic]
	if !ok {
		parts = make([][]domain.Record, l.partitions)
		l.topics[topic] = parts
	}
	return parts
}

// broadcastLocked wakes every member blocked in Fetch.
func (l *Log) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Log) partitionFor(topic string, key []byte) int32 {
	if len(key) == 0 {
		p := l.roundRobin[topic]
		l.roundRobin[topic] = (p + 1) % l.partitions
		return int32(p)
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int32(h.Sum32() % uint32(l.partitions))
}

// Publish appends rec and reports its position through done, which runs
// before Publish returns.
func (l *Log) Publish(ctx context.Context, rec domain.Record, done func(domain.Ack, error)) {
	if err := ctx.Err(); err != nil {
		done(domain.Ack{}, err)
		return
	}
	if rec.Topic == "" {
		done(domain.Ack{}, errors.New("record has no topic"))
		return
	}

	l.mu.Lock()
	parts := l.topicLocked(rec.Topic)
	p := l.partitionFor(rec.Topic, rec.Key)
	rec.Partition = p
	rec.Offset = int64(len(parts[p]))
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	rec.Headers = cloneHeaders(rec.Headers)
	parts[p] = append(parts[p], rec)
	l.broadcastLocked()
	l.mu.Unlock()

	done(domain.Ack{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp,
	}, nil)
}

// Len reports how many records a topic holds across all partitions.
func (l *Log) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.topics[topic] {
		n += len(p)
	}
	return n
}

// Committed returns the group's committed offset for a partition.
func (l *Log) Committed(groupID, topic string, partition int32) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[groupKey{id: groupID, topic: topic}]
	if !ok {
		return 0, false
	}
	off, ok := g.committed[partition]
	return off, ok
}

// Join adds a member to the group consuming cfg.Topic and rebalances.
func (l *Log) Join(cfg consumer.SourceConfig) (*Member, error) {
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("join requires topic and group, got %q/%q", cfg.Topic, cfg.GroupID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.topicLocked(cfg.Topic)
	key := groupKey{id: cfg.GroupID, topic: cfg.Topic}
	g, ok := l.groups[key]
	if !ok {
		g = &group{committed: make(map[int32]int64)}
		l.groups[key] = g
	}
	m := &Member{
		log:      l,
		key:      key,
		clientID: cfg.ClientID,
		assigned: make(map[int32]int64),
	}
	g.members = append(g.members, m)
	l.rebalanceLocked(g)
	return m, nil
}

// SourceFactory lets a consumer container open lanes against this log.
func (l *Log) SourceFactory() consumer.SourceFactory {
	return func(_ context.Context, cfg consumer.SourceConfig) (consumer.Source, error) {
		return l.Join(cfg)
	}
}

// rebalanceLocked spreads partitions round-robin over members in join
// order. Partitions that move start again from the committed offset.
func (l *Log) rebalanceLocked(g *group) {
	want := make(map[*Member]map[int32]bool, len(g.members))
	for _, m := range g.members {
		want[m] = make(map[int32]bool)
	}
	if len(g.members) > 0 {
		for p := 0; p < l.partitions; p++ {
			owner := g.members[p%len(g.members)]
			want[owner][int32(p)] = true
		}
	}

	for _, m := range g.members {
		for p := range m.assigned {
			if !want[m][p] {
				delete(m.assigned, p)
				m.revoked = append(m.revoked, consumer.TopicPartition{Topic: m.key.topic, Partition: p})
			}
		}
		for p := range want[m] {
			if _, ok := m.assigned[p]; !ok {
				m.assigned[p] = g.committed[p]
			}
		}
	}
	l.broadcastLocked()
}

// Member is one group member; it implements consumer.Source.
type Member struct {
	log      *Log
	key      groupKey
	clientID string
	assigned map[int32]int64
	revoked  []consumer.TopicPartition
	closed   bool
}

func (m *Member) ClientID() string { return m.clientID }

// Assigned lists the partitions this member currently owns.
func (m *Member) Assigned() []int32 {
	m.log.mu.Lock()
	defer m.log.mu.Unlock()
	out := make([]int32, 0, len(m.assigned))
	for p := range m.assigned {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Member) Fetch(ctx context.Context) (consumer.Batch, error) {
	for {
		m.log.mu.Lock()
		if m.closed {
			m.log.mu.Unlock()
			return consumer.Batch{}, consumer.ErrSourceClosed
		}
		batch := m.collectLocked()
		wake := m.log.changed
		m.log.mu.Unlock()

		if len(batch.Records) > 0 || len(batch.Revoked) > 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return consumer.Batch{}, ctx.Err()
		case <-wake:
		}
	}
}

func (m *Member) collectLocked() consumer.Batch {
	batch := consumer.Batch{Revoked: m.revoked}
	m.revoked = nil

	parts := make([]int32, 0, len(m.assigned))
	for p := range m.assigned {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })

	log := m.log.topics[m.key.topic]
	for _, p := range parts {
		pos := m.assigned[p]
		for pos < int64(len(log[p])) && len(batch.Records) < m.log.maxBatch {
			rec := log[p][pos]
			rec.Headers = cloneHeaders(rec.Headers)
			batch.Records = append(batch.Records, rec)
			pos++
		}
		m.assigned[p] = pos
	}
	return batch
}

func (m *Member) Commit(ctx context.Context, offsets map[consumer.TopicPartition]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.log.mu.Lock()
	defer m.log.mu.Unlock()
	if m.closed {
		return consumer.ErrSourceClosed
	}
	g := m.log.groups[m.key]
	var errs []error
	for tp, off := range offsets {
		if tp.Topic != m.key.topic {
			errs = append(errs, fmt.Errorf("%w: %s/%d", ErrNotAssigned, tp.Topic, tp.Partition))
			continue
		}
		if _, ok := m.assigned[tp.Partition]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s/%d", ErrNotAssigned, tp.Topic, tp.Partition))
			continue
		}
		g.committed[tp.Partition] = off
	}
	return errors.Join(errs...)
}

// Close leaves the group; the remaining members take over its partitions.
func (m *Member) Close() {
	m.log.mu.Lock()
	defer m.log.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	g := m.log.groups[m.key]
	for i, other := range g.members {
		if other == m {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	m.assigned = map[int32]int64{}
	m.log.rebalanceLocked(g)
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
