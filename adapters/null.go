package adapters

import (
	"context"

	"github.com/corrflow/engine/event"
)

// NullSink discards every event; useful for benchmarking the kernel loop
// without transport overhead. It is used only where an output entry
// selects it; no sink is added when no output is configured.
type NullSink struct{}

// Push implements kernel.Sink.
func (NullSink) Push(ctx context.Context, e *event.Event) error { return nil }
