// Package sink defines the durable write boundary of the collector. The
// pipeline's single consumer is the only writer; sinks never see concurrent
// batches.
package sink

import (
	"context"

	"github.com/feedrun/feedrun/internal/domain"
)

// Sink receives ordered event batches from the pipeline consumer. A sink
// must preserve batch order and never reorder events. Transient I/O errors
// are the sink's own responsibility to retry (bounded, with backoff); an
// error returned from WriteBatch is terminal for that batch.
type Sink interface {
	// WriteBatch appends an ordered batch of events.
	WriteBatch(ctx context.Context, batch []domain.Event) error

	// Flush makes all previously written events durable.
	Flush(ctx context.Context) error

	// Close flushes and releases all buffered resources. The sink is
	// unusable afterwards.
	Close() error
}
