package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/domain"
)

// Publisher is the producer side of the broker boundary.
type Publisher struct {
	client producerClient
	logger *zap.Logger
}

func NewPublisher(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(cfg.producerOpts(), kgo.WithLogger(newZapLogger(logger)))
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Publisher{client: client, logger: logger}, nil
}

// Publish hands rec to franz-go; done runs from the client's promise once
// every in-sync replica has the record or delivery gave up.
func (p *Publisher) Publish(ctx context.Context, rec domain.Record, done func(domain.Ack, error)) {
	p.client.Produce(ctx, toKgoRecord(rec), func(r *kgo.Record, err error) {
		if err != nil {
			done(domain.Ack{}, fmt.Errorf("produce to %s: %w", rec.Topic, err))
			return
		}
		done(domain.Ack{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Timestamp: r.Timestamp,
		}, nil)
	})
}

func toKgoRecord(rec domain.Record) *kgo.Record {
	keys := make([]string, 0, len(rec.Headers))
	for k := range rec.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]kgo.RecordHeader, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(rec.Headers[k])})
	}
	return &kgo.Record{
		Topic:     rec.Topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Timestamp: rec.Timestamp,
	}
}

// Close flushes buffered records, waiting until ctx is done, then closes
// the client.
func (p *Publisher) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("flush producer: %w", err)
	}
	return nil
}
