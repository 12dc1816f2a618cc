package producer_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jdiitm/delayq/internal/codec"
	"github.com/jdiitm/delayq/internal/delay"
	"github.com/jdiitm/delayq/internal/domain"
	"github.com/jdiitm/delayq/internal/producer"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, rec domain.Record, done func(domain.Ack, error)) {
	m.Called(ctx, rec, done)
}

// ackWith completes every publish with the given partition and offset.
func ackWith(partition int32, offset int64, err error) func(mock.Arguments) {
	return func(args mock.Arguments) {
		rec := args.Get(1).(domain.Record)
		done := args.Get(2).(func(domain.Ack, error))
		if err != nil {
			done(domain.Ack{}, err)
			return
		}
		done(domain.Ack{Topic: rec.Topic, Partition: partition, Offset: offset, Timestamp: rec.Timestamp}, nil)
	}
}

var (
	testDelays = delay.Delays{"order-timeout": 2 * time.Second}
	fixedNow   = time.UnixMilli(1_700_000_000_000)
)

func TestSendStampsDelayHeaders(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Run(ackWith(2, 41, nil)).Once()
	p := producer.New(pub, testDelays, producer.WithClock(func() time.Time { return fixedNow }))

	pending, err := p.Send(context.Background(), "order-timeout", []byte("k"), "ORD123")
	require.NoError(t, err)
	ack, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Ack{Topic: "order-timeout", Partition: 2, Offset: 41, Timestamp: fixedNow}, ack)

	rec := pub.Calls[0].Arguments.Get(1).(domain.Record)
	assert.Equal(t, "ORD123", string(rec.Value))
	assert.Equal(t, "2000", rec.Header(domain.HeaderDelay))
	assert.Equal(t, strconv.FormatInt(fixedNow.Add(2*time.Second).UnixMilli(), 10), rec.Header(domain.HeaderDueAt))
	assert.NotEmpty(t, rec.Header(domain.HeaderMessageID))
	assert.Empty(t, rec.Header(domain.HeaderDelayOverride), "topic-delay sends leave the consumer's delay in charge")
	assert.Empty(t, rec.Header(domain.HeaderContentType), "plain strings carry no content type")
	pub.AssertExpectations(t)
}

func TestSendUndefinedTopicFailsBeforePublishing(t *testing.T) {
	pub := &mockPublisher{}
	p := producer.New(pub, testDelays)

	_, err := p.Send(context.Background(), "unknown", nil, "x")
	require.ErrorIs(t, err, delay.ErrUndefinedTopicDelay)

	_, err = p.SendSync(context.Background(), "unknown", nil, "x")
	require.ErrorIs(t, err, delay.ErrUndefinedTopicDelay)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendDelayedOverridesTopicDelay(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Run(ackWith(0, 0, nil))
	p := producer.New(pub, testDelays)

	pending, err := p.SendDelayed(context.Background(), "order-timeout", nil, "x", 150*time.Millisecond)
	require.NoError(t, err)
	_, err = pending.Wait(context.Background())
	require.NoError(t, err)
	rec := pub.Calls[0].Arguments.Get(1).(domain.Record)
	assert.Equal(t, "150", rec.Header(domain.HeaderDelay))
	assert.Equal(t, "150", rec.Header(domain.HeaderDelayOverride))

	_, err = p.SendDelayed(context.Background(), "order-timeout", nil, "x", -time.Second)
	assert.Error(t, err)
}

func TestSendDelayedRequiresConfiguredTopic(t *testing.T) {
	pub := &mockPublisher{}
	p := producer.New(pub, testDelays)

	_, err := p.SendDelayed(context.Background(), "unknown", nil, "x", time.Second)
	require.ErrorIs(t, err, delay.ErrUndefinedTopicDelay)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendEncodesStructsWithCodec(t *testing.T) {
	type order struct {
		ID string `json:"id" msgpack:"id"`
	}
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Run(ackWith(0, 0, nil))

	p := producer.New(pub, testDelays)
	_, err := p.SendSync(context.Background(), "order-timeout", nil, order{ID: "ORD1"})
	require.NoError(t, err)
	rec := pub.Calls[0].Arguments.Get(1).(domain.Record)
	assert.JSONEq(t, `{"id":"ORD1"}`, string(rec.Value))
	assert.Equal(t, codec.ContentTypeJSON, rec.Header(domain.HeaderContentType))

	p = producer.New(pub, testDelays, producer.WithCodec(codec.Msgpack))
	_, err = p.SendSync(context.Background(), "order-timeout", nil, order{ID: "ORD2"})
	require.NoError(t, err)
	rec = pub.Calls[1].Arguments.Get(1).(domain.Record)
	assert.Equal(t, codec.ContentTypeMsgpack, rec.Header(domain.HeaderContentType))
	var got order
	require.NoError(t, codec.Msgpack.Unmarshal(rec.Value, &got))
	assert.Equal(t, "ORD2", got.ID)
}

func TestSendSyncReturnsBrokerError(t *testing.T) {
	errBroker := errors.New("not enough replicas")
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Run(ackWith(0, 0, errBroker))
	p := producer.New(pub, testDelays)

	_, err := p.SendSync(context.Background(), "order-timeout", nil, 42)
	require.ErrorIs(t, err, errBroker)
	rec := pub.Calls[0].Arguments.Get(1).(domain.Record)
	assert.Equal(t, "42", string(rec.Value))
}

func TestSendWithinTimesOut(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return()
	p := producer.New(pub, testDelays)

	_, err := p.SendWithin(context.Background(), 20*time.Millisecond, "order-timeout", nil, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingResultBeforeAndAfterAck(t *testing.T) {
	var complete func(domain.Ack, error)
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		complete = args.Get(2).(func(domain.Ack, error))
	})
	p := producer.New(pub, testDelays)

	pending, err := p.Send(context.Background(), "order-timeout", nil, "x")
	require.NoError(t, err)
	_, err = pending.Result()
	require.ErrorIs(t, err, producer.ErrPublishPending)

	complete(domain.Ack{Offset: 9}, nil)
	complete(domain.Ack{Offset: 10}, nil)
	<-pending.Done()
	ack, err := pending.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(9), ack.Offset, "first acknowledgment wins")
}
