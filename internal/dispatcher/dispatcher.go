// Package dispatcher runs handler invocations for due items, either on the
// caller's goroutine or on a bounded pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/delay"
	"github.com/jdiitm/delayq/internal/handler"
	"github.com/jdiitm/delayq/internal/metrics"
	"github.com/jdiitm/delayq/internal/telemetry"
)

var (
	ErrRejected   = errors.New("dispatch rejected: worker queue full")
	ErrPoolClosed = errors.New("dispatch pool closed")
)

// RejectionPolicy decides what happens to an item when every worker is
// busy and the queue is full.
type RejectionPolicy int

const (
	CallerRuns RejectionPolicy = iota
	Discard
	DiscardOldest
	Abort
)

func (p RejectionPolicy) String() string {
	switch p {
	case CallerRuns:
		return "caller-runs"
	case Discard:
		return "discard"
	case DiscardOldest:
		return "discard-oldest"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func ParseRejectionPolicy(s string) (RejectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "caller-runs", "callerruns":
		return CallerRuns, nil
	case "discard":
		return Discard, nil
	case "discard-oldest", "discardoldest":
		return DiscardOldest, nil
	case "abort":
		return Abort, nil
	}
	return CallerRuns, fmt.Errorf("unknown rejection policy %q", s)
}

type Config struct {
	Async         bool
	CoreWorkers   int
	MaxWorkers    int
	QueueCapacity int
	KeepAlive     time.Duration
	Rejection     RejectionPolicy
}

func DefaultConfig() Config {
	return Config{
		CoreWorkers:   1,
		MaxWorkers:    1,
		QueueCapacity: 64,
		KeepAlive:     30 * time.Second,
		Rejection:     CallerRuns,
	}
}

func (c Config) withDefaults() Config {
	if c.CoreWorkers < 1 {
		c.CoreWorkers = 1
	}
	if c.MaxWorkers < c.CoreWorkers {
		c.MaxWorkers = c.CoreWorkers
	}
	if c.QueueCapacity < 0 {
		c.QueueCapacity = 0
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	return c
}

// Outcome is the result of one dispatch. Only committable outcomes may
// advance the committed offset.
type Outcome struct {
	Item     *delay.Item
	Err      error
	Duration time.Duration
}

func (o Outcome) Committable() bool { return o.Err == nil }

type DoneFunc func(Outcome)

type task struct {
	ctx     context.Context
	release context.CancelFunc
	item    *delay.Item
	done    DoneFunc
}

type Option func(*Pool)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

func WithObserver(obs metrics.PipelineObserver) Option {
	return func(p *Pool) {
		p.observer = obs
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

type Pool struct {
	cfg      Config
	handler  handler.Handler
	logger   *zap.Logger
	observer metrics.PipelineObserver
	now      func() time.Time

	queue  chan task
	mu     sync.Mutex
	active int
	closed bool
	wg     sync.WaitGroup

	// base is cancelled only when a shutdown grace period runs out, so
	// in-flight handlers are not interrupted by the lane stopping.
	base       context.Context
	cancelBase context.CancelFunc
}

func New(cfg Config, h handler.Handler, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		handler:    h,
		logger:     zap.NewNop(),
		observer:   metrics.NoopObserver{},
		now:        time.Now,
		base:       base,
		cancelBase: cancel,
	}
	if cfg.Async {
		p.queue = make(chan task, cfg.QueueCapacity)
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) Async() bool { return p.cfg.Async }

// Workers reports the number of live async workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Submit dispatches item. In sync mode the handler runs before Submit
// returns. In async mode it runs on a worker, or on the caller when the
// pool is saturated and the policy is CallerRuns. done is called exactly
// once per item, including for discarded items. Submit only returns an
// error when the item was not accepted: after Shutdown, or under the
// Abort policy.
func (p *Pool) Submit(ctx context.Context, item *delay.Item, done DoneFunc) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	t := task{item: item, done: done}
	t.ctx, t.release = p.detach(ctx)
	if !p.cfg.Async {
		p.mu.Unlock()
		p.run(t)
		return nil
	}
	if p.active < p.cfg.CoreWorkers {
		p.spawn(t, true)
		p.mu.Unlock()
		return nil
	}
	select {
	case p.queue <- t:
		p.mu.Unlock()
		return nil
	default:
	}
	if p.active < p.cfg.MaxWorkers {
		p.spawn(t, false)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.reject(t)
}

func (p *Pool) reject(t task) error {
	policy := p.cfg.Rejection
	p.observer.RecordRejected(policy.String())
	rec := t.item.Record()
	switch policy {
	case Discard:
		p.logger.Warn("discarding due item, worker queue full",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset))
		p.discard(t)
		return nil
	case DiscardOldest:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return ErrPoolClosed
		}
		select {
		case oldest := <-p.queue:
			old := oldest.item.Record()
			p.logger.Warn("discarding oldest queued item, worker queue full",
				zap.String("topic", old.Topic),
				zap.Int32("partition", old.Partition),
				zap.Int64("offset", old.Offset))
			p.discard(oldest)
		default:
		}
		select {
		case p.queue <- t:
		default:
			p.discard(t)
		}
		return nil
	case Abort:
		p.discard(t)
		return fmt.Errorf("%w: topic %s partition %d offset %d",
			ErrRejected, rec.Topic, rec.Partition, rec.Offset)
	default:
		p.run(t)
		return nil
	}
}

func (p *Pool) discard(t task) {
	t.release()
	t.done(Outcome{Item: t.item, Err: ErrRejected})
}

// spawn starts a worker seeded with t. Callers hold p.mu.
func (p *Pool) spawn(t task, core bool) {
	p.active++
	p.wg.Add(1)
	go p.worker(t, core)
}

func (p *Pool) worker(first task, core bool) {
	defer p.wg.Done()
	p.run(first)

	var idle *time.Timer
	if !core {
		idle = time.NewTimer(p.cfg.KeepAlive)
		defer idle.Stop()
	}
	for {
		if core {
			t, ok := <-p.queue
			if !ok {
				p.retire()
				return
			}
			p.run(t)
			continue
		}

		select {
		case t, ok := <-p.queue:
			if !ok {
				p.retire()
				return
			}
			p.run(t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.KeepAlive)
		case <-idle.C:
			p.retire()
			return
		}
	}
}

func (p *Pool) retire() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

func (p *Pool) run(t task) {
	defer t.release()
	rec := t.item.Record()
	start := p.now()
	p.observer.RecordLateness(rec.Topic, start.Sub(t.item.DueAt()).Seconds())

	ctx, span := telemetry.StartDispatchSpan(t.ctx, rec, t.item.DueAt())
	err := handler.Invoke(ctx, p.handler, rec)
	telemetry.End(span, err)

	elapsed := p.now().Sub(start)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.observer.RecordDispatch(rec.Topic, outcome, elapsed.Seconds())
	t.done(Outcome{Item: t.item, Err: err, Duration: elapsed})
}

// detach keeps ctx's values but ties cancellation to the pool instead of
// the caller.
func (p *Pool) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	d, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(p.base, cancel)
	return d, func() {
		stop()
		cancel()
	}
}

// Shutdown stops accepting items, lets queued and in-flight items finish
// and waits for the workers until ctx is done. When ctx expires first the
// contexts handed to still-running handlers are cancelled and ctx.Err is
// returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if p.queue != nil {
			close(p.queue)
		}
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancelBase()
		return nil
	case <-ctx.Done():
		p.cancelBase()
		p.logger.Warn("shutdown grace expired with handlers still running")
		return ctx.Err()
	}
}
