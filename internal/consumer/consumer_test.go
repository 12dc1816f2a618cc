package consumer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdiitm/delayq/internal/consumer"
	"github.com/jdiitm/delayq/internal/delay"
	"github.com/jdiitm/delayq/internal/domain"
	"github.com/jdiitm/delayq/internal/handler"
	"github.com/jdiitm/delayq/internal/memlog"
	"github.com/jdiitm/delayq/internal/producer"
)

var errHandler = errors.New("handler failed")

func fastOptions(extra ...consumer.ContainerOption) []consumer.ContainerOption {
	return append([]consumer.ContainerOption{
		consumer.WithPollTimeout(20 * time.Millisecond),
		consumer.WithShutdownGrace(time.Second),
	}, extra...)
}

func publishValues(t *testing.T, log *memlog.Log, topic string, values ...string) {
	t.Helper()
	for _, v := range values {
		var err error
		log.Publish(context.Background(), domain.Record{Topic: topic, Key: []byte("same-key"), Value: []byte(v)},
			func(_ domain.Ack, e error) { err = e })
		require.NoError(t, err)
	}
}

// received collects handler invocations in arrival order.
type received struct {
	mu     sync.Mutex
	values []string
	at     []time.Time
}

func (r *received) add(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
	r.at = append(r.at, time.Now())
}

func (r *received) Values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func (r *received) At(i int) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.at[i]
}

type stubSource struct {
	mu      sync.Mutex
	batches []consumer.Batch
	commits []map[consumer.TopicPartition]int64
	closed  bool
}

func (s *stubSource) Fetch(ctx context.Context) (consumer.Batch, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return consumer.Batch{}, consumer.ErrSourceClosed
	}
	if len(s.batches) > 0 {
		b := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return consumer.Batch{}, ctx.Err()
}

func (s *stubSource) Commit(_ context.Context, offsets map[consumer.TopicPartition]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, offsets)
	return nil
}

func (s *stubSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func stubFactory(src *stubSource) consumer.SourceFactory {
	return func(context.Context, consumer.SourceConfig) (consumer.Source, error) { return src, nil }
}

func TestNewRejectsUndefinedTopicDelay(t *testing.T) {
	_, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func() {},
	}, delay.Delays{"payments": time.Second}, stubFactory(&stubSource{}))
	require.ErrorIs(t, err, delay.ErrUndefinedTopicDelay)
}

func TestNewRejectsTwoInputHandler(t *testing.T) {
	src := &stubSource{}
	_, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func(a, b string) error { return nil },
	}, delay.Delays{"order-timeout": time.Second}, stubFactory(src))
	require.ErrorIs(t, err, handler.ErrInvalidHandlerSignature)
}

func TestNewRequiresGroup(t *testing.T) {
	_, err := consumer.New(consumer.Subscription{Topic: "order-timeout", Handler: func() {}},
		delay.Delays{"order-timeout": 0}, stubFactory(&stubSource{}))
	require.Error(t, err)
}

func TestLifecycleStates(t *testing.T) {
	src := &stubSource{}
	c, err := consumer.New(consumer.Subscription{
		Topic:       "order-timeout",
		GroupID:     "orders",
		AutoStartup: true,
		Handler:     func() {},
	}, delay.Delays{"order-timeout": 0}, stubFactory(src), fastOptions()...)
	require.NoError(t, err)
	assert.Equal(t, consumer.StateCreated, c.State())
	assert.True(t, c.AutoStartup())
	assert.NotEmpty(t, c.Subscription().ClientID, "a client id is generated when none is given")

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, consumer.StateRunning, c.State())
	require.ErrorIs(t, c.Start(context.Background()), consumer.ErrInvalidState)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, consumer.StateStopped, c.State())
	assert.True(t, src.Closed(), "stop closes the broker client")
	require.NoError(t, c.Stop(context.Background()), "stop is idempotent")
	require.ErrorIs(t, c.Start(context.Background()), consumer.ErrInvalidState, "stopped is terminal")
}

func TestStopBeforeStart(t *testing.T) {
	c, err := consumer.New(consumer.Subscription{Topic: "t", GroupID: "g", Handler: func() {}},
		delay.Delays{"t": 0}, stubFactory(&stubSource{}))
	require.NoError(t, err)
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, consumer.StateStopped, c.State())
}

// gatedFactory blocks until release is closed, then hands out src. It
// ignores ctx so a Stop cannot cut the opening short.
func gatedFactory(src *stubSource, entered chan<- struct{}, release <-chan struct{}) consumer.SourceFactory {
	return func(context.Context, consumer.SourceConfig) (consumer.Source, error) {
		close(entered)
		<-release
		return src, nil
	}
}

func TestStopWhileStartingLeavesContainerStopped(t *testing.T) {
	src := &stubSource{}
	entered, release := make(chan struct{}), make(chan struct{})
	c, err := consumer.New(consumer.Subscription{Topic: "t", GroupID: "g", Handler: func() {}},
		delay.Delays{"t": 0}, gatedFactory(src, entered, release), fastOptions()...)
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()
	<-entered
	assert.Equal(t, consumer.StateStarting, c.State())

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(stopCtx), context.DeadlineExceeded, "the source is still opening")

	close(release)
	require.NoError(t, <-started)
	assert.Equal(t, consumer.StateStopped, c.State())
	assert.NoError(t, c.Err())
	assert.True(t, src.Closed(), "the opened source is released")
	require.NoError(t, c.Stop(context.Background()))
}

func TestStopCancelsSourceOpening(t *testing.T) {
	entered := make(chan struct{})
	c, err := consumer.New(consumer.Subscription{Topic: "t", GroupID: "g", Handler: func() {}},
		delay.Delays{"t": 0}, func(ctx context.Context, _ consumer.SourceConfig) (consumer.Source, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()
	<-entered

	require.NoError(t, c.Stop(context.Background()))
	assert.ErrorIs(t, <-started, context.Canceled)
	assert.Equal(t, consumer.StateStopped, c.State())
	assert.NoError(t, c.Err(), "a requested stop is not a failure")
}

func TestStartFailsWhenSourceCannotOpen(t *testing.T) {
	errDial := errors.New("dial tcp: connection refused")
	c, err := consumer.New(consumer.Subscription{Topic: "t", GroupID: "g", Handler: func() {}},
		delay.Delays{"t": 0}, func(context.Context, consumer.SourceConfig) (consumer.Source, error) {
			return nil, errDial
		})
	require.NoError(t, err)

	require.ErrorIs(t, c.Start(context.Background()), errDial)
	assert.Equal(t, consumer.StateStopped, c.State())
	assert.ErrorIs(t, c.Err(), errDial)
}

func TestPerRecordDelayHeaderOverridesTopicDelay(t *testing.T) {
	src := &stubSource{batches: []consumer.Batch{{Records: []domain.Record{{
		Topic:   "order-timeout",
		Offset:  0,
		Value:   []byte("fast"),
		Headers: map[string]string{domain.HeaderDelayOverride: "0"},
	}}}}}
	got := &received{}
	c, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func(v string) error { got.add(v); return nil },
	}, delay.Delays{"order-timeout": time.Hour}, stubFactory(src), fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	require.Eventually(t, func() bool { return len(got.Values()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestOverflowingDelayOverrideFallsBackToTopicDelay(t *testing.T) {
	src := &stubSource{batches: []consumer.Batch{{Records: []domain.Record{{
		Topic:   "order-timeout",
		Offset:  0,
		Value:   []byte("ORD123"),
		Headers: map[string]string{domain.HeaderDelayOverride: "9223372036854775807"},
	}}}}}
	got := &received{}
	c, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func(v string) error { got.add(v); return nil },
	}, delay.Delays{"order-timeout": 0}, stubFactory(src), fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	require.Eventually(t, func() bool { return len(got.Values()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ORD123"}, got.Values())
}

func TestConsumerAppliesItsOwnTopicDelay(t *testing.T) {
	log := memlog.New(1)
	prod := producer.New(log, delay.Delays{"order-timeout": 0})
	got := &received{}
	c, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func(v string) error { got.add(v); return nil },
	}, delay.Delays{"order-timeout": time.Hour}, log.SourceFactory(), fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	_, err = prod.SendSync(context.Background(), "order-timeout", nil, "ORD123")
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, got.Values(), "the producer's topic delay does not override the consumer's")
}

func TestDispatchWaitsForDueTime(t *testing.T) {
	log := memlog.New(1)
	prod := producer.New(log, delay.Delays{"order-timeout": 2000 * time.Millisecond})
	got := &received{}
	c, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func(_ context.Context, v string) error { got.add(v); return nil },
	}, delay.Delays{"order-timeout": 2000 * time.Millisecond}, log.SourceFactory(), fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	sentAt := time.Now()
	_, err = prod.SendSync(context.Background(), "order-timeout", []byte("ORD123"), "ORD123")
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)
	assert.Empty(t, got.Values(), "record must not be dispatched before its delay")

	require.Eventually(t, func() bool { return len(got.Values()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ORD123", got.Values()[0])
	assert.GreaterOrEqual(t, got.At(0).Sub(sentAt), 2000*time.Millisecond)
}

func TestFailedRecordIsRedeliveredAfterRestart(t *testing.T) {
	log := memlog.New(1)
	delays := delay.Delays{"order-timeout": 0}
	publishValues(t, log, "order-timeout", "1", "boom", "3")

	first := &received{}
	c, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func(_ context.Context, v int) error {
			first.add("ok")
			return nil
		},
	}, delays, log.SourceFactory(), fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return len(first.Values()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	committed, ok := log.Committed("orders", "order-timeout", 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), committed, "the unconvertible record pins the commit")

	second := &received{}
	c, err = consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func(v string) error { second.add(v); return nil },
	}, delays, log.SourceFactory(), fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return len(second.Values()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"boom", "3"}, second.Values())
	require.NoError(t, c.Stop(context.Background()))

	committed, _ = log.Committed("orders", "order-timeout", 0)
	assert.Equal(t, int64(3), committed)
}

func TestStopLeavesWaitingRecordsUncommitted(t *testing.T) {
	log := memlog.New(1)
	obs := newRecordingObserver()
	publishValues(t, log, "order-timeout", "later")

	c, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func() error { return nil },
	}, delay.Delays{"order-timeout": time.Hour}, log.SourceFactory(), fastOptions(consumer.WithObserver(obs))...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return obs.Fetched("order-timeout") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	committed, _ := log.Committed("orders", "order-timeout", 0)
	assert.Equal(t, int64(0), committed)
	assert.Empty(t, obs.Outcomes())
}

func TestLanesSharePartitionsWithoutDuplicates(t *testing.T) {
	log := memlog.New(4)
	var mu sync.Mutex
	seen := map[string]int{}
	c, err := consumer.New(consumer.Subscription{
		Topic:       "order-timeout",
		GroupID:     "orders",
		ClientID:    "orders-app",
		Concurrency: 2,
		Handler: func(rec domain.Record) error {
			mu.Lock()
			seen[string(rec.Key)]++
			mu.Unlock()
			return nil
		},
	}, delay.Delays{"order-timeout": 0}, log.SourceFactory(), fastOptions()...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	for i := 0; i < 20; i++ {
		key := []byte{'k', byte('a' + i)}
		log.Publish(context.Background(), domain.Record{Topic: "order-timeout", Key: key, Value: key},
			func(domain.Ack, error) {})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for key, n := range seen {
		assert.Equal(t, 1, n, key)
	}
}
