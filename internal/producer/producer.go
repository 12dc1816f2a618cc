// Package producer publishes records that consumers hold back until their
// topic's delay has passed.
package producer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/codec"
	"github.com/jdiitm/delayq/internal/delay"
	"github.com/jdiitm/delayq/internal/domain"
	"github.com/jdiitm/delayq/internal/metrics"
	"github.com/jdiitm/delayq/internal/telemetry"
)

// Publisher is the broker's produce path. done must be called exactly
// once, after the broker has durably stored the record or given up.
type Publisher interface {
	Publish(ctx context.Context, rec domain.Record, done func(domain.Ack, error))
}

type Producer struct {
	pub      Publisher
	delays   delay.Delays
	codec    codec.Codec
	now      func() time.Time
	logger   *zap.Logger
	observer metrics.PipelineObserver
}

type Option func(*Producer)

// WithCodec sets how non-primitive values are encoded. JSON by default.
func WithCodec(c codec.Codec) Option {
	return func(p *Producer) {
		p.codec = c
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Producer) {
		p.logger = l
	}
}

func WithObserver(obs metrics.PipelineObserver) Option {
	return func(p *Producer) {
		p.observer = obs
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Producer) {
		p.now = now
	}
}

func New(pub Publisher, delays delay.Delays, opts ...Option) *Producer {
	p := &Producer{
		pub:      pub,
		delays:   delays,
		codec:    codec.JSON,
		now:      time.Now,
		logger:   zap.NewNop(),
		observer: metrics.NoopObserver{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Send publishes value under the topic's configured delay. The returned
// Pending resolves when the broker acknowledges the write, not when a
// handler eventually sees the record.
func (p *Producer) Send(ctx context.Context, topic string, key []byte, value any) (*Pending, error) {
	d, err := p.delays.Resolve(topic)
	if err != nil {
		return nil, err
	}
	return p.send(ctx, topic, key, value, d, false)
}

// SendDelayed publishes value with an explicit delay that consumers use in
// place of the topic's configured one. The topic must still have a
// configured delay.
func (p *Producer) SendDelayed(ctx context.Context, topic string, key []byte, value any, d time.Duration) (*Pending, error) {
	if _, err := p.delays.Resolve(topic); err != nil {
		return nil, err
	}
	if d < 0 {
		return nil, fmt.Errorf("negative delay %v for topic %q", d, topic)
	}
	return p.send(ctx, topic, key, value, d, true)
}

// SendSync publishes and waits for the broker acknowledgment.
func (p *Producer) SendSync(ctx context.Context, topic string, key []byte, value any) (domain.Ack, error) {
	pending, err := p.Send(ctx, topic, key, value)
	if err != nil {
		return domain.Ack{}, err
	}
	return pending.Wait(ctx)
}

// SendWithin publishes and waits at most timeout for the acknowledgment.
func (p *Producer) SendWithin(ctx context.Context, timeout time.Duration, topic string, key []byte, value any) (domain.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.SendSync(ctx, topic, key, value)
}

func (p *Producer) send(ctx context.Context, topic string, key []byte, value any, d time.Duration, override bool) (*Pending, error) {
	payload, contentType, err := p.encode(value)
	if err != nil {
		return nil, fmt.Errorf("encode value for topic %q: %w", topic, err)
	}

	now := p.now()
	headers := map[string]string{
		domain.HeaderDelay:     strconv.FormatInt(d.Milliseconds(), 10),
		domain.HeaderDueAt:     strconv.FormatInt(delay.DueAt(d, now).UnixMilli(), 10),
		domain.HeaderMessageID: uuid.NewString(),
	}
	if override {
		headers[domain.HeaderDelayOverride] = headers[domain.HeaderDelay]
	}
	if contentType != "" {
		headers[domain.HeaderContentType] = contentType
	}
	rec := domain.Record{
		Key:       key,
		Value:     payload,
		Topic:     topic,
		Headers:   headers,
		Timestamp: now,
	}

	pending := newPending()
	ctx, span := telemetry.StartPublishSpan(ctx, rec)
	p.pub.Publish(ctx, rec, func(ack domain.Ack, err error) {
		telemetry.End(span, err)
		outcome := "success"
		if err != nil {
			outcome = "failure"
			p.logger.Warn("publish failed",
				zap.String("topic", topic),
				zap.String("message_id", headers[domain.HeaderMessageID]),
				zap.Error(err))
		}
		p.observer.RecordPublish(topic, outcome)
		pending.resolve(ack, err)
	})
	return pending, nil
}

// encode renders primitives as text so typed handlers can parse them
// back, and everything else through the codec.
func (p *Producer) encode(value any) ([]byte, string, error) {
	switch v := value.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return v, "", nil
	case string:
		return []byte(v), "", nil
	case bool:
		return []byte(strconv.FormatBool(v)), "", nil
	case int:
		return []byte(strconv.Itoa(v)), "", nil
	case int32:
		return []byte(strconv.FormatInt(int64(v), 10)), "", nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), "", nil
	case uint64:
		return []byte(strconv.FormatUint(v, 10)), "", nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'g', -1, 64)), "", nil
	case time.Time:
		return []byte(v.Format(time.RFC3339Nano)), "", nil
	case time.Duration:
		return []byte(v.String()), "", nil
	}
	data, err := p.codec.Marshal(value)
	if err != nil {
		return nil, "", err
	}
	return data, p.codec.ContentType(), nil
}

var ErrPublishPending = errors.New("publish not acknowledged yet")

// Pending is a publish whose broker acknowledgment may not have arrived.
type Pending struct {
	done chan struct{}
	once sync.Once
	ack  domain.Ack
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(ack domain.Ack, err error) {
	p.once.Do(func() {
		p.ack = ack
		p.err = err
		close(p.done)
	})
}

// Done is closed once the acknowledgment, or a failure, has arrived.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome without blocking; ErrPublishPending until
// Done is closed.
func (p *Pending) Result() (domain.Ack, error) {
	select {
	case <-p.done:
		return p.ack, p.err
	default:
		return domain.Ack{}, ErrPublishPending
	}
}

func (p *Pending) Wait(ctx context.Context) (domain.Ack, error) {
	select {
	case <-p.done:
		return p.ack, p.err
	case <-ctx.Done():
		return domain.Ack{}, ctx.Err()
	}
}
