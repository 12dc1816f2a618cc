package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jdiitm/delayq/internal/delay"
	"github.com/jdiitm/delayq/internal/dispatcher"
	"github.com/jdiitm/delayq/internal/domain"
	"github.com/jdiitm/delayq/internal/metrics"
	"github.com/jdiitm/delayq/internal/telemetry"
)

// lane is one independent poll, hold and dispatch loop. It owns its
// source, store and pool; nothing here is shared with other lanes.
type lane struct {
	name     string
	source   Source
	store    *delay.Store
	pool     *dispatcher.Pool
	tracker  *tracker
	delays   delay.Delays
	limiter  *rate.Limiter
	logger   *zap.Logger
	observer metrics.PipelineObserver
	now      func() time.Time

	pollTimeout   time.Duration
	maxWaiting    int
	shutdownGrace time.Duration
}

func (l *lane) run(ctx context.Context) error {
	defer l.source.Close()

	err := l.loop(ctx)
	l.drain()
	if errors.Is(err, ErrSourceClosed) {
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *lane) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cycleStart := time.Now()

		wait, err := l.dispatchDue(ctx)
		if err != nil {
			return err
		}
		l.commit(ctx)

		if l.maxWaiting > 0 && l.store.Len() >= l.maxWaiting {
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			// A lane held back by max_waiting is still alive.
			l.observer.RecordBatchDuration(time.Since(cycleStart).Seconds())
			continue
		}

		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := l.fetch(ctx, wait); err != nil {
			return err
		}
		l.observer.RecordBatchDuration(time.Since(cycleStart).Seconds())
	}
}

// dispatchDue hands every ready item to the pool, in due order, and
// returns how long until the next one is ready.
func (l *lane) dispatchDue(ctx context.Context) (time.Duration, error) {
	defer func() { l.observer.RecordWaiting(l.name, l.store.Len()) }()
	for {
		it, wait, err := l.store.Next()
		if errors.Is(err, delay.ErrEmptyStore) {
			return l.pollTimeout, nil
		}
		if it == nil {
			if wait > l.pollTimeout {
				wait = l.pollTimeout
			}
			return wait, nil
		}
		if _, err := l.store.Pop(); err != nil {
			return 0, fmt.Errorf("pop ready item: %w", err)
		}
		if err := l.pool.Submit(ctx, it, l.complete); err != nil {
			return 0, fmt.Errorf("lane %s: %w", l.name, err)
		}
	}
}

func (l *lane) complete(out dispatcher.Outcome) {
	rec := out.Item.Record()
	l.tracker.Complete(rec, out.Committable())
	if out.Committable() {
		return
	}
	l.logger.Error("handler failed, offset left uncommitted",
		zap.String("lane", l.name),
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.ByteString("key", rec.Key),
		zap.Time("due_at", out.Item.DueAt()),
		zap.Error(out.Err))
}

func (l *lane) fetch(ctx context.Context, wait time.Duration) error {
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	fetchCtx, span := telemetry.StartFetchSpan(fetchCtx, l.name)

	batch, err := l.source.Fetch(fetchCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = nil
	}
	telemetry.End(span, err)
	if errors.Is(err, ErrSourceClosed) {
		return err
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("fetch failed", zap.String("lane", l.name), zap.Error(err))
		return l.sleep(ctx, wait)
	}

	if len(batch.Revoked) > 0 {
		l.revoke(batch.Revoked)
	}
	l.enqueue(batch.Records)
	return nil
}

func (l *lane) enqueue(records []domain.Record) {
	if len(records) == 0 {
		return
	}
	fetchedAt := l.now()
	counts := make(map[string]int)
	for _, rec := range records {
		if !l.tracker.Track(rec) {
			continue
		}
		counts[rec.Topic]++
		d, err := l.delays.ForRecord(rec)
		var it *delay.Item
		if err == nil {
			it, err = delay.NewItem(rec, d, fetchedAt)
		}
		if err != nil {
			l.tracker.Complete(rec, false)
			l.logger.Error("cannot schedule record",
				zap.String("lane", l.name),
				zap.String("topic", rec.Topic),
				zap.Int32("partition", rec.Partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(err))
			continue
		}
		l.store.Push(it)
	}
	for topic, n := range counts {
		l.observer.RecordFetched(topic, n)
	}
	l.observer.RecordWaiting(l.name, l.store.Len())
}

func (l *lane) revoke(tps []TopicPartition) {
	lost := make(map[TopicPartition]bool, len(tps))
	for _, tp := range tps {
		lost[tp] = true
	}
	dropped := l.store.Remove(func(it *delay.Item) bool {
		rec := it.Record()
		return lost[TopicPartition{Topic: rec.Topic, Partition: rec.Partition}]
	})
	l.tracker.Forget(tps)
	l.logger.Info("partitions revoked",
		zap.String("lane", l.name),
		zap.Int("partitions", len(tps)),
		zap.Int("dropped_waiting", len(dropped)))
}

func (l *lane) commit(ctx context.Context) {
	offsets := l.tracker.Committable()
	if len(offsets) == 0 {
		return
	}
	commitCtx, span := telemetry.StartCommitSpan(ctx, len(offsets))
	err := l.source.Commit(commitCtx, offsets)
	telemetry.End(span, err)
	if err != nil {
		l.observer.RecordCommitError()
		l.logger.Warn("offset commit failed", zap.String("lane", l.name), zap.Error(err))
		return
	}
	l.tracker.Committed(offsets)
	for tp, off := range offsets {
		l.observer.RecordCommit(tp.Topic, tp.Partition, off)
	}
}

// drain finishes in-flight work, commits what succeeded and leaves
// everything still waiting uncommitted.
func (l *lane) drain() {
	graceCtx, cancel := context.WithTimeout(context.Background(), l.shutdownGrace)
	defer cancel()
	if err := l.pool.Shutdown(graceCtx); err != nil {
		l.logger.Warn("in-flight handlers did not finish within grace",
			zap.String("lane", l.name), zap.Duration("grace", l.shutdownGrace))
	}

	commitCtx, cancelCommit := context.WithTimeout(context.Background(), l.shutdownGrace)
	defer cancelCommit()
	l.commit(commitCtx)

	waiting := l.store.Drain()
	l.observer.RecordWaiting(l.name, 0)
	if len(waiting) > 0 {
		l.logger.Info("stopped with records still waiting; they will be redelivered",
			zap.String("lane", l.name), zap.Int("waiting", len(waiting)))
	}
}

func (l *lane) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
