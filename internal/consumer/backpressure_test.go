package consumer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdiitm/delayq/internal/consumer"
	"github.com/jdiitm/delayq/internal/delay"
	"github.com/jdiitm/delayq/internal/dispatcher"
	"github.com/jdiitm/delayq/internal/memlog"
	"github.com/jdiitm/delayq/internal/metrics"
)

// slowFirst blocks the handler for "A" until released.
type slowFirst struct {
	release chan struct{}
	mu      sync.Mutex
	handled []string
}

func (s *slowFirst) handle(v string) error {
	if v == "A" {
		<-s.release
	}
	s.mu.Lock()
	s.handled = append(s.handled, v)
	s.mu.Unlock()
	return nil
}

func (s *slowFirst) Handled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.handled...)
}

func saturatedContainer(t *testing.T, policy dispatcher.RejectionPolicy, obs *recordingObserver) (*consumer.Container, *slowFirst) {
	t.Helper()
	log := memlog.New(1)
	publishValues(t, log, "order-timeout", "A", "B", "C")

	h := &slowFirst{release: make(chan struct{})}
	c, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Dispatch: dispatcher.Config{
			Async:         true,
			CoreWorkers:   1,
			MaxWorkers:    1,
			QueueCapacity: 1,
			Rejection:     policy,
		},
		Handler: h.handle,
	}, delay.Delays{"order-timeout": 0}, log.SourceFactory(), fastOptions(consumer.WithObserver(obs))...)
	require.NoError(t, err)
	return c, h
}

func TestCallerRunsProcessesOverflowOnLane(t *testing.T) {
	obs := newRecordingObserver()
	c, h := saturatedContainer(t, dispatcher.CallerRuns, obs)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	require.Eventually(t, func() bool { return len(h.Handled()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"C"}, h.Handled(),
		"C overflowed the queue and ran on the lane while A held the only worker")
	assert.Equal(t, []string{"caller-runs"}, obs.Rejected())

	close(h.release)
	require.Eventually(t, func() bool { return len(h.Handled()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, h.Handled(), "nothing is dropped")
}

func TestAbortPolicyStopsContainer(t *testing.T) {
	obs := newRecordingObserver()
	c, h := saturatedContainer(t, dispatcher.Abort, obs)
	require.NoError(t, c.Start(context.Background()))
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(h.release)
	}()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("container did not stop after rejection")
	}
	assert.Equal(t, consumer.StateStopped, c.State())
	assert.ErrorIs(t, c.Err(), dispatcher.ErrRejected)
}

func TestMaxWaitingStopsFetching(t *testing.T) {
	log := memlog.New(1, memlog.WithMaxBatch(1))
	publishValues(t, log, "order-timeout", "1", "2", "3", "4", "5")
	obs := newRecordingObserver()

	c, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func() {},
	}, delay.Delays{"order-timeout": time.Hour}, log.SourceFactory(),
		fastOptions(consumer.WithObserver(obs), consumer.WithMaxWaiting(2))...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	require.Eventually(t, func() bool { return obs.Fetched("order-timeout") == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, obs.Fetched("order-timeout"))
	assert.Equal(t, 2, obs.MaxWaiting())
}

func TestMaxWaitingLaneKeepsReportingActivity(t *testing.T) {
	log := memlog.New(1, memlog.WithMaxBatch(1))
	publishValues(t, log, "order-timeout", "1", "2", "3")
	m := metrics.New()

	c, err := consumer.New(consumer.Subscription{
		Topic:   "order-timeout",
		GroupID: "orders",
		Handler: func() {},
	}, delay.Delays{"order-timeout": time.Hour}, log.SourceFactory(),
		fastOptions(consumer.WithObserver(m), consumer.WithMaxWaiting(2))...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	time.Sleep(200 * time.Millisecond)
	last := m.LastBatchTime()
	require.False(t, last.IsZero())
	require.Eventually(t, func() bool { return m.LastBatchTime().After(last) }, time.Second, 10*time.Millisecond,
		"a lane waiting at max_waiting still reports poll cycles")
}
