// Package consumer runs delayed subscriptions: each lane fetches records,
// holds them until due, dispatches them and commits only what succeeded.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jdiitm/delayq/internal/delay"
	"github.com/jdiitm/delayq/internal/dispatcher"
	"github.com/jdiitm/delayq/internal/handler"
	"github.com/jdiitm/delayq/internal/metrics"
)

var ErrInvalidState = errors.New("invalid container state")

type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Subscription binds a handler to a topic. It is fixed once the container
// is built.
type Subscription struct {
	Topic       string
	GroupID     string
	ClientID    string
	Concurrency int
	AutoStartup bool
	Dispatch    dispatcher.Config
	Handler     any
}

const (
	defaultPollTimeout   = time.Second
	defaultMaxWaiting    = 10000
	defaultShutdownGrace = 30 * time.Second
)

type Container struct {
	sub     Subscription
	handler handler.Handler
	delays  delay.Delays
	factory SourceFactory

	logger        *zap.Logger
	observer      metrics.PipelineObserver
	now           func() time.Time
	pollTimeout   time.Duration
	maxWaiting    int
	pollRate      rate.Limit
	pollBurst     int
	shutdownGrace time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type ContainerOption func(*Container)

func WithLogger(l *zap.Logger) ContainerOption {
	return func(c *Container) {
		c.logger = l
	}
}

func WithObserver(obs metrics.PipelineObserver) ContainerOption {
	return func(c *Container) {
		c.observer = obs
	}
}

// WithClock overrides the wall clock used to stamp fetch time.
func WithClock(now func() time.Time) ContainerOption {
	return func(c *Container) {
		c.now = now
	}
}

// WithPollTimeout bounds how long a lane waits in one fetch.
func WithPollTimeout(d time.Duration) ContainerOption {
	return func(c *Container) {
		c.pollTimeout = d
	}
}

// WithMaxWaiting caps how many records a lane holds before it stops
// fetching. Zero disables the cap.
func WithMaxWaiting(n int) ContainerOption {
	return func(c *Container) {
		c.maxWaiting = n
	}
}

func WithPollRate(limit rate.Limit, burst int) ContainerOption {
	return func(c *Container) {
		c.pollRate = limit
		c.pollBurst = burst
	}
}

func WithShutdownGrace(d time.Duration) ContainerOption {
	return func(c *Container) {
		c.shutdownGrace = d
	}
}

// New validates sub and builds a container in the Created state. A topic
// without a configured delay or a handler with an unsupported signature
// fails here, before anything is fetched.
func New(sub Subscription, delays delay.Delays, factory SourceFactory, opts ...ContainerOption) (*Container, error) {
	if sub.Topic == "" {
		return nil, errors.New("subscription topic is required")
	}
	if sub.GroupID == "" {
		return nil, fmt.Errorf("subscription %q: group id is required", sub.Topic)
	}
	if factory == nil {
		return nil, errors.New("source factory is required")
	}
	if _, err := delays.Resolve(sub.Topic); err != nil {
		return nil, err
	}
	h, err := handler.Adapt(sub.Handler)
	if err != nil {
		return nil, fmt.Errorf("subscription %q: %w", sub.Topic, err)
	}
	if sub.Concurrency < 1 {
		sub.Concurrency = 1
	}
	if sub.ClientID == "" {
		sub.ClientID = "delayq-" + uuid.NewString()[:8]
	}

	c := &Container{
		sub:           sub,
		handler:       h,
		delays:        delays,
		factory:       factory,
		logger:        zap.NewNop(),
		observer:      metrics.NoopObserver{},
		now:           time.Now,
		pollTimeout:   defaultPollTimeout,
		maxWaiting:    defaultMaxWaiting,
		pollRate:      rate.Inf,
		shutdownGrace: defaultShutdownGrace,
		state:         StateCreated,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Container) Subscription() Subscription { return c.sub }

func (c *Container) AutoStartup() bool { return c.sub.AutoStartup }

func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the container reaches Stopped.
func (c *Container) Done() <-chan struct{} { return c.done }

// Err reports why the lanes ended, if they ended with an error.
func (c *Container) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start opens one source per lane and starts polling. The lanes outlive
// ctx; use Stop to end them. A Stop issued while Start is still opening
// sources cancels the opening and leaves the container Stopped.
func (c *Container) Start(ctx context.Context) error {
	openCtx, abort := context.WithCancel(ctx)
	defer abort()

	c.mu.Lock()
	if c.state != StateCreated {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, st)
	}
	c.state = StateStarting
	c.cancel = abort
	c.mu.Unlock()

	lanes, err := c.buildLanes(openCtx)
	if err != nil {
		if c.stopRequested() {
			c.finish(nil)
		} else {
			c.finish(err)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	if c.state == StateStopping {
		c.mu.Unlock()
		cancel()
		closeLanes(lanes)
		c.logger.Info("container stopped while starting",
			zap.String("topic", c.sub.Topic),
			zap.String("group", c.sub.GroupID))
		c.finish(nil)
		return nil
	}
	c.cancel = cancel
	c.state = StateRunning
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	for _, l := range lanes {
		g.Go(func() error { return l.run(gctx) })
	}

	c.logger.Info("container started",
		zap.String("topic", c.sub.Topic),
		zap.String("group", c.sub.GroupID),
		zap.Int("lanes", len(lanes)),
		zap.Bool("async", c.sub.Dispatch.Async))

	go func() {
		err := g.Wait()
		cancel()
		if err != nil {
			c.logger.Error("container lanes ended with error",
				zap.String("topic", c.sub.Topic), zap.Error(err))
		}
		c.finish(err)
	}()
	return nil
}

func (c *Container) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStopping
}

// closeLanes releases lanes that never ran.
func closeLanes(lanes []*lane) {
	for _, l := range lanes {
		l.source.Close()
		_ = l.pool.Shutdown(context.Background())
	}
}

func (c *Container) buildLanes(ctx context.Context) ([]*lane, error) {
	lanes := make([]*lane, 0, c.sub.Concurrency)
	for i := 0; i < c.sub.Concurrency; i++ {
		clientID := fmt.Sprintf("%s-%d", c.sub.ClientID, i)
		src, err := c.factory(ctx, SourceConfig{
			Topic:    c.sub.Topic,
			GroupID:  c.sub.GroupID,
			ClientID: clientID,
		})
		if err != nil {
			closeLanes(lanes)
			return nil, fmt.Errorf("open source for %s: %w", clientID, err)
		}
		laneLogger := c.logger.With(zap.String("client_id", clientID))
		var limiter *rate.Limiter
		if c.pollRate != rate.Inf && c.pollRate > 0 {
			limiter = rate.NewLimiter(c.pollRate, max(c.pollBurst, 1))
		}
		lanes = append(lanes, &lane{
			name:   clientID,
			source: src,
			store:  delay.NewStore(delay.WithClock(c.now)),
			pool: dispatcher.New(c.sub.Dispatch, c.handler,
				dispatcher.WithLogger(laneLogger),
				dispatcher.WithObserver(c.observer),
				dispatcher.WithClock(c.now)),
			tracker:       newTracker(),
			delays:        c.delays,
			limiter:       limiter,
			logger:        laneLogger,
			observer:      c.observer,
			now:           c.now,
			pollTimeout:   c.pollTimeout,
			maxWaiting:    c.maxWaiting,
			shutdownGrace: c.shutdownGrace,
		})
	}
	return lanes, nil
}

func (c *Container) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	c.state = StateStopped
	c.err = err
	close(c.done)
}

// Stop stops fetching, lets in-flight handlers finish within the shutdown
// grace, commits what succeeded and closes the broker clients. It waits
// for all of that until ctx is done.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateCreated:
		c.mu.Unlock()
		c.finish(nil)
		return nil
	case StateStarting, StateRunning:
		c.state = StateStopping
		cancel := c.cancel
		c.mu.Unlock()
		cancel()
	default:
		c.mu.Unlock()
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
