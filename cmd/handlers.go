package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/domain"
	"github.com/jdiitm/delayq/internal/handler"
	"github.com/jdiitm/delayq/internal/producer"
)

// logHandler reports each due record and always succeeds.
func logHandler(logger *zap.Logger) handler.Handler {
	return handler.FullRecord(func(_ context.Context, rec domain.Record) error {
		logger.Info("record due",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.ByteString("key", rec.Key),
			zap.ByteString("value", rec.Value),
			zap.String("message_id", rec.Header(domain.HeaderMessageID)))
		return nil
	})
}

// forwardHandler republishes each due record to target under the target's
// configured delay and succeeds only once the broker acknowledges it.
func forwardHandler(p *producer.Producer, target string) handler.Handler {
	return handler.FullRecord(func(ctx context.Context, rec domain.Record) error {
		pending, err := p.Send(ctx, target, rec.Key, rec.Value)
		if err != nil {
			return err
		}
		if _, err := pending.Wait(ctx); err != nil {
			return fmt.Errorf("forward %s/%d/%d to %s: %w", rec.Topic, rec.Partition, rec.Offset, target, err)
		}
		return nil
	})
}
