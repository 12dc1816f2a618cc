package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/consumer"
	"github.com/jdiitm/delayq/internal/domain"
)

// Source is one lane's consumer group member.
type Source struct {
	client consumerClient
	logger *zap.Logger

	mu      sync.Mutex
	revoked []consumer.TopicPartition
}

// NewSourceFactory opens a separate franz-go client per lane, all in the
// same group, so the broker spreads partitions across lanes.
func NewSourceFactory(cfg Config, logger *zap.Logger) (consumer.SourceFactory, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, sc consumer.SourceConfig) (consumer.Source, error) {
		s := &Source{logger: logger.With(zap.String("client_id", sc.ClientID))}
		opts := append(cfg.consumerOpts(sc.Topic, sc.GroupID, sc.ClientID),
			kgo.WithLogger(newZapLogger(s.logger)),
			kgo.OnPartitionsRevoked(s.onLost),
			kgo.OnPartitionsLost(s.onLost),
		)
		client, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("create kafka consumer %s: %w", sc.ClientID, err)
		}
		s.client = client
		return s, nil
	}, nil
}

func (s *Source) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, parts := range lost {
		for _, p := range parts {
			s.revoked = append(s.revoked, consumer.TopicPartition{Topic: topic, Partition: p})
		}
	}
}

func (s *Source) takeRevoked() []consumer.TopicPartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.revoked
	s.revoked = nil
	return out
}

func (s *Source) Fetch(ctx context.Context) (consumer.Batch, error) {
	fetches := s.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return consumer.Batch{}, consumer.ErrSourceClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		errs = append(errs, fmt.Errorf("fetch %s/%d: %w", topic, partition, err))
	})

	batch := consumer.Batch{Revoked: s.takeRevoked()}
	fetches.EachRecord(func(r *kgo.Record) {
		batch.Records = append(batch.Records, toRecord(r))
	})

	if len(errs) > 0 {
		if len(batch.Records) == 0 {
			return batch, errors.Join(errs...)
		}
		s.logger.Warn("partial fetch", zap.Error(errors.Join(errs...)))
	}
	if len(batch.Records) == 0 && len(batch.Revoked) == 0 && ctx.Err() != nil {
		return batch, ctx.Err()
	}
	return batch, nil
}

func toRecord(r *kgo.Record) domain.Record {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return domain.Record{
		Key:       r.Key,
		Value:     r.Value,
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

func (s *Source) Commit(ctx context.Context, offsets map[consumer.TopicPartition]int64) error {
	toCommit := make(map[string]map[int32]kgo.EpochOffset)
	for tp, off := range offsets {
		parts, ok := toCommit[tp.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			toCommit[tp.Topic] = parts
		}
		parts[tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: off}
	}

	var commitErr error
	s.client.CommitOffsetsSync(ctx, toCommit,
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				commitErr = err
				return
			}
			commitErr = partitionErrors(resp)
		})
	if commitErr != nil {
		return fmt.Errorf("offset commit: %w", commitErr)
	}
	return nil
}

func partitionErrors(resp *kmsg.OffsetCommitResponse) error {
	if resp == nil {
		return nil
	}
	var errs []error
	for _, t := range resp.Topics {
		sort.Slice(t.Partitions, func(i, j int) bool { return t.Partitions[i].Partition < t.Partitions[j].Partition })
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				errs = append(errs, fmt.Errorf("%s/%d: %w", t.Topic, p.Partition, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Source) Close() {
	s.client.Close()
}
