package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/corrflow/engine/cache"
	"github.com/corrflow/engine/compiler"
	"github.com/corrflow/engine/contexts"
	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/rules"
	"github.com/corrflow/engine/ticker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	events []*event.Event
}

func (s *fakeSource) Peek() (*event.Event, bool) {
	if len(s.events) == 0 {
		return nil, false
	}
	return s.events[0], true
}

func (s *fakeSource) Pop() (*event.Event, bool) {
	if len(s.events) == 0 {
		return nil, false
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, true
}

type fakeSink struct {
	pushed []*event.Event
}

func (f *fakeSink) Push(ctx context.Context, e *event.Event) error {
	f.pushed = append(f.pushed, e)
	return nil
}

const forwardAnyRuleYAML = `
group:
  name: g1
  rules:
    - name: forward-all
      order: 1
      when:
        any: ["any"]
      actions:
        - op: forward
`

func newForwardingManager(t *testing.T) *rules.Manager {
	t.Helper()
	group, qdets, names, err := compiler.CompileGroup([]byte(forwardAnyRuleYAML), func(string) []string { return nil })
	require.NoError(t, err)
	m := rules.New(zerolog.Nop())
	m.Load(rules.BuildInput{
		Groups:     map[string]*rules.RuleGroup{"g1": group},
		QueryDets:  qdets,
		QueryNames: names,
	})
	return m
}

func TestStep_ProcessesPendingInputAndForwards(t *testing.T) {
	src := &fakeSource{}
	e, err := event.New(event.Params{Name: "n", Host: "h", HasCreation: true, Creation: 0, HasArrival: true, Arrival: 0}, time.Unix(0, 0))
	require.NoError(t, err)
	src.events = append(src.events, e)

	sink := &fakeSink{}
	h := New(Config{
		Log: zerolog.Nop(), Cache: cache.New(zerolog.Nop(), "h", 0),
		Contexts: contexts.New(zerolog.Nop(), cache.New(zerolog.Nop(), "h", 0)),
		Rules:    newForwardingManager(t),
		Ticker:   ticker.New(ticker.Simulation, time.Unix(0, 0)),
		Input:    src, Outputs: []Sink{sink},
	})

	require.NoError(t, h.Step(context.Background()))
	require.Len(t, sink.pushed, 1, "the forward action must push the event to outputs")
	require.Equal(t, e.ID, sink.pushed[0].ID)
	require.Equal(t, int64(1), h.Stats().Processed)
}

func TestStep_DoesNotDrainFutureArrivalEvents(t *testing.T) {
	src := &fakeSource{}
	future, err := event.New(event.Params{Name: "n", Host: "h", HasCreation: true, Creation: 100, HasArrival: true, Arrival: 100}, time.Unix(100, 0))
	require.NoError(t, err)
	src.events = append(src.events, future)

	// Seed the clock below the event's arrival so the event stays queued.
	clk := ticker.New(ticker.Simulation, time.Unix(0, 0))
	clk.Seed(50)

	h := New(Config{
		Log: zerolog.Nop(), Cache: cache.New(zerolog.Nop(), "h", 0),
		Contexts: contexts.New(zerolog.Nop(), cache.New(zerolog.Nop(), "h", 0)),
		Rules:    newForwardingManager(t),
		Ticker:   clk,
		Input:    src, Outputs: nil,
	})

	require.NoError(t, h.Step(context.Background()))
	require.Equal(t, int64(0), h.Stats().Processed, "an event arriving after the current tick must not be drained yet")
}

func TestStep_SeedsSimulationTickerFromEarliestArrival(t *testing.T) {
	src := &fakeSource{}
	e, err := event.New(event.Params{Name: "n", Host: "h", HasCreation: true, Creation: 500, HasArrival: true, Arrival: 500}, time.Unix(500, 0))
	require.NoError(t, err)
	src.events = append(src.events, e)

	h := New(Config{
		Log: zerolog.Nop(), Cache: cache.New(zerolog.Nop(), "h", 0),
		Contexts: contexts.New(zerolog.Nop(), cache.New(zerolog.Nop(), "h", 0)),
		Rules:    newForwardingManager(t),
		Ticker:   ticker.New(ticker.Simulation, time.Unix(0, 0)),
		Input:    src,
	})

	require.NoError(t, h.Step(context.Background()))
	require.Equal(t, int64(1), h.Stats().Processed, "the clock jumps to the earliest arrival instead of ticking up from zero")
	require.Equal(t, int64(501), h.Stats().Tick)
}

func TestRequestReload_TakesEffectAtNextStep(t *testing.T) {
	reloaded := false
	h := New(Config{
		Log: zerolog.Nop(), Cache: cache.New(zerolog.Nop(), "h", 0),
		Contexts: contexts.New(zerolog.Nop(), cache.New(zerolog.Nop(), "h", 0)),
		Rules:    newForwardingManager(t),
		Ticker:   ticker.New(ticker.Simulation, time.Unix(0, 0)),
		Input:    &fakeSource{},
		Reload: func() (rules.BuildInput, error) {
			reloaded = true
			group, qdets, names, err := compiler.CompileGroup([]byte(forwardAnyRuleYAML), func(string) []string { return nil })
			require.NoError(t, err)
			return rules.BuildInput{Groups: map[string]*rules.RuleGroup{"g1": group}, QueryDets: qdets, QueryNames: names}, nil
		},
	})

	h.RequestReload()
	require.NoError(t, h.Step(context.Background()))
	require.True(t, reloaded, "a requested reload must run by the next Step")
}

func TestDrain_FastExitSkipsForwarding(t *testing.T) {
	h := New(Config{
		Log: zerolog.Nop(), Cache: cache.New(zerolog.Nop(), "h", 0),
		Contexts: contexts.New(zerolog.Nop(), cache.New(zerolog.Nop(), "h", 0)),
		Rules:    newForwardingManager(t),
		Ticker:   ticker.New(ticker.Simulation, time.Unix(0, 0)),
		Input:    &fakeSource{},
	})
	require.NoError(t, h.Drain(context.Background(), true))
}

func TestDrain_ForwardsRemainingCacheContentsWhenNotFastExit(t *testing.T) {
	c := cache.New(zerolog.Nop(), "h", 0)
	e, err := event.New(event.Params{Name: "n", Host: "h"}, time.Unix(0, 0))
	require.NoError(t, err)
	c.AddEvent(e)

	sink := &fakeSink{}
	h := New(Config{
		Log: zerolog.Nop(), Cache: c,
		Contexts: contexts.New(zerolog.Nop(), c),
		Rules:    newForwardingManager(t),
		Ticker:   ticker.New(ticker.Simulation, time.Unix(0, 0)),
		Input:    &fakeSource{}, Outputs: []Sink{sink},
	})

	require.NoError(t, h.Drain(context.Background(), false))
	require.Len(t, sink.pushed, 1)
}
