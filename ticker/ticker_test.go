package ticker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimulation_AdvanceDoesNotBlock(t *testing.T) {
	tk := New(Simulation, time.Unix(0, 0))
	tk.Seed(500)
	require.Equal(t, int64(500), tk.CurrentTick())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	tick, err := tk.Advance(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(501), tick)
	require.Less(t, time.Since(start), 50*time.Millisecond, "simulation mode must never block on wall time")
}

func TestSimulation_SeedOnlyLowersOrInitializes(t *testing.T) {
	tk := New(Simulation, time.Unix(0, 0))
	tk.Seed(100)
	require.Equal(t, int64(100), tk.CurrentTick())

	tk.Seed(200)
	require.Equal(t, int64(100), tk.CurrentTick(), "seed must not move the tick forward once set")

	tk.Seed(50)
	require.Equal(t, int64(50), tk.CurrentTick(), "seed may lower the tick to an earlier arrival")
}

func TestRealTime_AdvanceBlocksUntilWallTimeExceedsTick(t *testing.T) {
	// Seed a few seconds into the future so the wall clock cannot cross
	// the tick while the test is still asserting that Advance blocks.
	now := time.Now().Add(5 * time.Second)
	tk := New(RealTime, now)
	require.Equal(t, now.Unix(), tk.CurrentTick())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = tk.Advance(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("real-time Advance must not return before wall time exceeds the seeded tick")
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
	<-done
}

func TestRealTime_AdvanceCancellable(t *testing.T) {
	tk := New(RealTime, time.Now().Add(5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tk.Advance(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
