package consumer

import (
	"context"
	"errors"

	"github.com/jdiitm/delayq/internal/domain"
)

var ErrSourceClosed = errors.New("source closed")

type TopicPartition struct {
	Topic     string
	Partition int32
}

// Batch is the result of one fetch. Revoked lists partitions this lane
// lost since the previous fetch; anything still held for them must be
// dropped, since the new owner will be handed the same records.
type Batch struct {
	Records []domain.Record
	Revoked []TopicPartition
}

// Source is one lane's view of the broker. Fetch blocks until records are
// available or ctx is done; a ctx deadline yields an empty batch, not an
// error. Commit takes the next offset to consume per partition.
type Source interface {
	Fetch(ctx context.Context) (Batch, error)
	Commit(ctx context.Context, offsets map[TopicPartition]int64) error
	Close()
}

// SourceConfig identifies the broker client a lane needs.
type SourceConfig struct {
	Topic    string
	GroupID  string
	ClientID string
}

type SourceFactory func(ctx context.Context, cfg SourceConfig) (Source, error)
