package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/config"
	"github.com/jdiitm/delayq/internal/consumer"
	"github.com/jdiitm/delayq/internal/kafka"
	"github.com/jdiitm/delayq/internal/memlog"
	"github.com/jdiitm/delayq/internal/producer"
)

// broker bundles both sides of the configured log.
type broker struct {
	sources   consumer.SourceFactory
	publisher producer.Publisher
	close     func(context.Context) error
}

func openBroker(cfg config.BrokerConfig, logger *zap.Logger) (*broker, error) {
	switch cfg.Kind {
	case config.BrokerMemory:
		log := memlog.New(cfg.Partitions)
		logger.Warn("using in-memory broker; records do not survive a restart",
			zap.Int("partitions", cfg.Partitions))
		return &broker{
			sources:   log.SourceFactory(),
			publisher: log,
			close:     func(context.Context) error { return nil },
		}, nil
	case config.BrokerKafka:
		kcfg := kafka.Config{
			Brokers:      kafka.ParseBrokers(strings.Join(cfg.Brokers, ",")),
			FetchMaxWait: cfg.FetchMaxWait,
		}
		sources, err := kafka.NewSourceFactory(kcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		pub, err := kafka.NewPublisher(kcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		logger.Info("using kafka broker", zap.Strings("brokers", kcfg.Brokers))
		return &broker{sources: sources, publisher: pub, close: pub.Close}, nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
}
