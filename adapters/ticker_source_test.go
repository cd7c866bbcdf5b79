package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestTickerSource_EmitsEventsUntilCancelled(t *testing.T) {
	q := NewInputQueue(8)
	src := NewTickerSource(TickerSourceConfig{EventName: "heartbeat", Host: "h", Interval: 10 * time.Millisecond}, zerolog.Nop(), q)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	require.NoError(t, src.Run(ctx))

	require.GreaterOrEqual(t, q.Len(), 2, "at least two ticks must have fired in the window")
	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "heartbeat", e.Name)
}
