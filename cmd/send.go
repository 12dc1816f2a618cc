package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/domain"
	"github.com/jdiitm/delayq/internal/producer"
)

func sendCmd(load loader) *cobra.Command {
	var (
		topic, key, value string
		delayFor, wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish a record for delayed delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			br, err := openBroker(cfg.Broker, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := br.close(context.WithoutCancel(cmd.Context())); err != nil {
					logger.Warn("close broker", zap.Error(err))
				}
			}()

			prod := producer.New(br.publisher, cfg.DelayMap(), producer.WithLogger(logger))
			var explicit *time.Duration
			if cmd.Flags().Changed("delay") {
				explicit = &delayFor
			}
			ack, err := sendOne(cmd.Context(), prod, topic, key, value, explicit, wait)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s partition %d offset %d\n", ack.Topic, ack.Partition, ack.Offset)
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic to publish to")
	cmd.Flags().StringVar(&key, "key", "", "Record key")
	cmd.Flags().StringVar(&value, "value", "", "Record value")
	cmd.Flags().DurationVar(&delayFor, "delay", 0, "Override the topic's configured delay")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "How long to wait for the broker acknowledgment")
	_ = cmd.MarkFlagRequired("topic")

	return cmd
}

// sendOne publishes with the topic delay, or with explicit when non-nil,
// and waits up to wait for the acknowledgment.
func sendOne(
	ctx context.Context,
	prod *producer.Producer,
	topic, key, value string,
	explicit *time.Duration,
	wait time.Duration,
) (domain.Ack, error) {
	var k []byte
	if key != "" {
		k = []byte(key)
	}
	if explicit == nil {
		return prod.SendWithin(ctx, wait, topic, k, value)
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	pending, err := prod.SendDelayed(ctx, topic, k, value, *explicit)
	if err != nil {
		return domain.Ack{}, err
	}
	return pending.Wait(ctx)
}
