package idempotency

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/domain"
	"github.com/jdiitm/delayq/internal/handler"
)

// Key identifies a record across redeliveries: the producer's message id
// when present, otherwise its log position.
func Key(rec domain.Record) string {
	if id := rec.Header(domain.HeaderMessageID); id != "" {
		return id
	}
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

type guarded struct {
	next   handler.Handler
	store  Store
	logger *zap.Logger
}

// Wrap runs next at most once per key. A store read failure lets the
// record through; a record is marked only after next succeeds.
func Wrap(next handler.Handler, store Store, logger *zap.Logger) handler.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &guarded{next: next, store: store, logger: logger}
}

func (g *guarded) Kind() handler.Kind { return g.next.Kind() }

func (g *guarded) Handle(ctx context.Context, rec domain.Record) error {
	key := Key(rec)
	seen, err := g.store.Seen(ctx, key)
	if err != nil {
		g.logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
	}
	if seen {
		g.logger.Debug("skipping already handled record",
			zap.String("key", key),
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset))
		return nil
	}

	if err := handler.Invoke(ctx, g.next, rec); err != nil {
		return err
	}
	if err := g.store.Mark(ctx, key); err != nil {
		g.logger.Warn("idempotency mark failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}
