package contexts

import (
	"testing"
	"time"

	"github.com/corrflow/engine/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeRescheduler struct {
	delayCalls []string
	cacheCalls []string
}

func (f *fakeRescheduler) InsertDelayTimestamp(tick int64, e *event.Event) {
	f.delayCalls = append(f.delayCalls, e.ID)
}
func (f *fakeRescheduler) InsertCacheTimestamp(tick int64, e *event.Event) {
	f.cacheCalls = append(f.cacheCalls, e.ID)
}

func newTestEvent(t *testing.T, name string) *event.Event {
	t.Helper()
	e, err := event.New(event.Params{Name: name, Host: "h"}, time.Unix(1000, 0))
	require.NoError(t, err)
	return e
}

func TestCreateContext_IsIdempotentByName(t *testing.T) {
	m := New(zerolog.Nop(), &fakeRescheduler{})
	m.CreateContext("g", "n", event.RuleRef{}, 0, nil, 10, 0, false, true)
	require.True(t, m.ContextExists("g", "n"))

	m.CreateContext("g", "n", event.RuleRef{}, 0, nil, 999, 0, false, true)
	ctx, ok := m.Get("g", "n")
	require.True(t, ok)
	require.Equal(t, int64(10), ctx.Timeout, "re-creating an existing context must be a no-op")
}

func TestDeleteContext_ForwardsAssociatedEvents(t *testing.T) {
	resched := &fakeRescheduler{}
	m := New(zerolog.Nop(), resched)
	m.CreateContext("g", "n", event.RuleRef{}, 5, nil, 10, 0, false, true)

	e1, err := event.New(event.Params{Name: "e1", Host: "h"}, time.Unix(1000, 0))
	require.NoError(t, err)
	m.AssociateEventsWithContext("g", "n", []*event.Event{e1})
	require.True(t, m.IsAssociated(event.ContextKey{Group: "g", Name: "n"}, e1))

	m.DeleteContext("g", "n")
	require.False(t, m.ContextExists("g", "n"))
	require.False(t, m.IsAssociated(event.ContextKey{Group: "g", Name: "n"}, e1))
	require.Contains(t, resched.delayCalls, e1.ID, "a delay-associated event must get a re-check scheduled")
}

func TestCheckCounter_MissingContextIsFalse(t *testing.T) {
	m := New(zerolog.Nop(), &fakeRescheduler{})
	require.False(t, m.CheckCounter("nope", "nope", CounterEq, 0))
}

func TestCheckCounter_Operators(t *testing.T) {
	m := New(zerolog.Nop(), &fakeRescheduler{})
	m.CreateContext("g", "n", event.RuleRef{}, 0, nil, 10, 3, false, true)

	require.True(t, m.CheckCounter("g", "n", CounterEq, 3))
	require.True(t, m.CheckCounter("g", "n", CounterGe, 2))
	require.True(t, m.CheckCounter("g", "n", CounterLe, 4))
	require.False(t, m.CheckCounter("g", "n", CounterEq, 4))
}

func TestModifyContext_CounterAndTimerReset(t *testing.T) {
	m := New(zerolog.Nop(), &fakeRescheduler{})
	m.CreateContext("g", "n", event.RuleRef{}, 0, nil, 10, 5, false, true)

	inc := 2
	require.NoError(t, m.ModifyContext("g", "n", 50, true, false, "inc", &inc))
	ctx, _ := m.Get("g", "n")
	require.Equal(t, 7, ctx.Counter)
	require.Equal(t, int64(50), ctx.Creation)
}

func TestModifyContext_MissingContextErrors(t *testing.T) {
	m := New(zerolog.Nop(), &fakeRescheduler{})
	err := m.ModifyContext("g", "missing", 0, false, false, "", nil)
	require.Error(t, err)
}

// A repeating context with a timeout fires, resets its
// counter/associated set, and reschedules rather than deleting itself.
func TestUpdateContexts_RepeatingTimeoutResetsInsteadOfDeleting(t *testing.T) {
	resched := &fakeRescheduler{}
	m := New(zerolog.Nop(), resched)
	tmpl := &TimeoutTemplate{Name: "timeout-ev", Host: "h"}
	m.CreateContext("g", "n", event.RuleRef{}, 0, tmpl, 10, 1, true, true)

	injected := m.UpdateContexts(11)
	require.Len(t, injected, 1)
	require.Equal(t, "timeout-ev", injected[0].Template.Name)
	require.True(t, m.ContextExists("g", "n"), "a repeating context survives its own timeout")

	ctx, _ := m.Get("g", "n")
	require.Equal(t, int64(11), ctx.Creation, "reset rebases creation to the firing tick")
	require.Equal(t, 1, ctx.Counter, "reset restores the counter's initial value")

	require.Empty(t, m.UpdateContexts(15), "nothing fires before the rescheduled timeout")
	injected = m.UpdateContexts(25)
	require.Len(t, injected, 1, "the context fires again once its new timeout elapses")
}

func TestUpdateContexts_NonRepeatingTimeoutDeletes(t *testing.T) {
	m := New(zerolog.Nop(), &fakeRescheduler{})
	m.CreateContext("g", "n", event.RuleRef{}, 0, nil, 10, 0, false, true)

	m.UpdateContexts(11)
	require.False(t, m.ContextExists("g", "n"))
}

func TestTriggerDeleteContext_IsDeferredUntilUpdateContexts(t *testing.T) {
	m := New(zerolog.Nop(), &fakeRescheduler{})
	m.CreateContext("g", "n", event.RuleRef{}, 0, nil, 1000, 0, false, true)

	m.TriggerDeleteContext("g", "n")
	require.True(t, m.ContextExists("g", "n"), "a triggered delete must not take effect immediately")

	m.UpdateContexts(1)
	require.False(t, m.ContextExists("g", "n"))
}

func TestCleanupContexts_RemovesGroupsNotKept(t *testing.T) {
	m := New(zerolog.Nop(), &fakeRescheduler{})
	m.CreateContext("keep", "n", event.RuleRef{}, 0, nil, 1000, 0, false, true)
	m.CreateContext("drop", "n", event.RuleRef{}, 0, nil, 1000, 0, false, true)

	m.CleanupContexts(map[string]bool{"keep": true})
	require.True(t, m.ContextExists("keep", "n"))
	require.False(t, m.ContextExists("drop", "n"))
}

func TestNumberOfContexts(t *testing.T) {
	m := New(zerolog.Nop(), &fakeRescheduler{})
	require.Equal(t, 0, m.NumberOfContexts())
	m.CreateContext("g", "a", event.RuleRef{}, 0, nil, 10, 0, false, true)
	m.CreateContext("g", "b", event.RuleRef{}, 0, nil, 10, 0, false, true)
	require.Equal(t, 2, m.NumberOfContexts())
}
