package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullSink_PushAlwaysSucceeds(t *testing.T) {
	var s NullSink
	require.NoError(t, s.Push(context.Background(), mkQueueEvent(t, "n")))
}
