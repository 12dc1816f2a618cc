// Package kafka connects lanes and the scheduling producer to a Kafka
// cluster through franz-go.
package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var ErrNoBrokers = errors.New("no seed brokers configured")

const (
	producerRetries         = 10
	producerDeliveryTimeout = 30 * time.Second
)

// consumerClient is the part of *kgo.Client a lane uses.
type consumerClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitOffsetsSync(
		ctx context.Context,
		offsets map[string]map[int32]kgo.EpochOffset,
		onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error),
	)
	Close()
}

// producerClient is the part of *kgo.Client the publisher uses.
type producerClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

var (
	_ consumerClient = (*kgo.Client)(nil)
	_ producerClient = (*kgo.Client)(nil)
)

type Config struct {
	Brokers         []string
	RecordRetries   int
	DeliveryTimeout time.Duration
	FetchMaxWait    time.Duration
}

// ParseBrokers splits a comma separated seed list.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}
	return nil
}

func (c Config) producerOpts() []kgo.Opt {
	retries := c.RecordRetries
	if retries <= 0 {
		retries = producerRetries
	}
	timeout := c.DeliveryTimeout
	if timeout <= 0 {
		timeout = producerDeliveryTimeout
	}
	return []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(retries),
		kgo.RecordDeliveryTimeout(timeout),
	}
}

func (c Config) consumerOpts(topic, group, clientID string) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ClientID(clientID),
		kgo.DisableAutoCommit(),
	}
	if c.FetchMaxWait > 0 {
		opts = append(opts, kgo.FetchMaxWait(c.FetchMaxWait))
	}
	return opts
}
