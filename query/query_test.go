package query

import (
	"testing"
	"time"

	"github.com/corrflow/engine/event"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	events []*event.Event
}

func (s fakeSource) Events() []*event.Event { return s.events }
func (s fakeSource) GetEventByID(id string) (*event.Event, bool) {
	for _, e := range s.events {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

type fakeContexts struct {
	associated map[event.ContextKey]map[string]bool
}

func (f fakeContexts) ContextExists(group, name string) bool { return true }
func (f fakeContexts) IsAssociated(key event.ContextKey, e *event.Event) bool {
	return f.associated[key][e.ID]
}
func (f fakeContexts) CheckCounter(group, name string, op CounterOp, value int) bool { return false }

func mkEvent(t *testing.T, name, host string, creation int64) *event.Event {
	t.Helper()
	e, err := event.New(event.Params{
		Name: name, Host: host, Creation: creation, HasCreation: true,
		Arrival: creation, HasArrival: true,
	}, time.Unix(creation, 0))
	require.NoError(t, err)
	return e
}

func always(events ...*event.Event) Func {
	return func(b Bundle) ([]*event.Event, error) { return events, nil }
}

func TestAll_ReturnsEverySourceEvent(t *testing.T) {
	e1, e2 := mkEvent(t, "a", "h", 1), mkEvent(t, "b", "h", 2)
	b := Bundle{Source: fakeSource{events: []*event.Event{e1, e2}}}
	result, err := All()(b)
	require.NoError(t, err)
	require.Len(t, result, 2)
}

func TestIntersection_AppliesRunningResultToSubsequentQueries(t *testing.T) {
	e1, e2 := mkEvent(t, "a", "h", 1), mkEvent(t, "b", "h", 2)
	b := Bundle{Source: fakeSource{events: []*event.Event{e1, e2}}}

	q := Intersection(EventName("a"), EventHost("h"))
	result, err := q(b)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, e1.ID, result[0].ID)
}

func TestIntersection_ShortCircuitsOnEmptyRunningSet(t *testing.T) {
	e1 := mkEvent(t, "a", "h", 1)
	b := Bundle{Source: fakeSource{events: []*event.Event{e1}}}

	q := Intersection(EventName("nonexistent"), EventName("a"))
	result, err := q(b)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestUnion_MergesAndDedupes(t *testing.T) {
	e1, e2 := mkEvent(t, "a", "h", 1), mkEvent(t, "b", "h", 2)
	b := Bundle{Source: fakeSource{events: []*event.Event{e1, e2}}}

	q := Union(EventName("a"), EventName("a"), EventName("b"))
	result, err := q(b)
	require.NoError(t, err)
	require.Len(t, result, 2)
}

func TestComplement_ReturnsUnmatchedEvents(t *testing.T) {
	e1, e2 := mkEvent(t, "a", "h", 1), mkEvent(t, "b", "h", 2)
	b := Bundle{Source: fakeSource{events: []*event.Event{e1, e2}}}

	q := Complement(EventName("a"))
	result, err := q(b)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, e2.ID, result[0].ID)
}

func TestFirstOfAndLastOf(t *testing.T) {
	e1, e2, e3 := mkEvent(t, "a", "h", 1), mkEvent(t, "a", "h", 3), mkEvent(t, "a", "h", 2)
	b := Bundle{Source: fakeSource{events: []*event.Event{e1, e2, e3}}}

	first, err := FirstOf(All(), event.SourceCreation)(b)
	require.NoError(t, err)
	require.Equal(t, e1.ID, first[0].ID)

	last, err := LastOf(All(), event.SourceCreation)(b)
	require.NoError(t, err)
	require.Equal(t, e2.ID, last[0].ID)
}

func TestUniqueBy_KeepsFirstOrLastPerKey(t *testing.T) {
	a1, a2, b1 := mkEvent(t, "a", "h1", 1), mkEvent(t, "a", "h2", 2), mkEvent(t, "b", "h1", 1)
	events := []*event.Event{a1, a2, b1}

	first := UniqueBy(All(), func(e *event.Event) string { return e.Name }, event.SourceCreation, KeepFirst)
	result, err := first(Bundle{Source: fakeSource{events: events}})
	require.NoError(t, err)
	require.Len(t, result, 2)
	names := map[string]string{}
	for _, e := range result {
		names[e.Name] = e.Host
	}
	require.Equal(t, "h1", names["a"])

	last := UniqueBy(All(), func(e *event.Event) string { return e.Name }, event.SourceCreation, KeepLast)
	result, err = last(Bundle{Source: fakeSource{events: events}})
	require.NoError(t, err)
	names = map[string]string{}
	for _, e := range result {
		names[e.Name] = e.Host
	}
	require.Equal(t, "h2", names["a"])
}

func TestIsTrigger_ReturnsTriggerOnlyWhenInResult(t *testing.T) {
	trigger := mkEvent(t, "a", "h", 1)
	b := Bundle{Trigger: trigger, Source: fakeSource{events: []*event.Event{trigger}}}

	result, err := IsTrigger(All())(b)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, trigger.ID, result[0].ID)

	other := mkEvent(t, "b", "h", 2)
	b2 := Bundle{Trigger: trigger, Source: fakeSource{events: []*event.Event{other}}}
	result, err = IsTrigger(All())(b2)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestInContext_FiltersByAssociation(t *testing.T) {
	e1, e2 := mkEvent(t, "a", "h", 1), mkEvent(t, "b", "h", 2)
	key := event.ContextKey{Group: "g1", Name: "ctx1"}
	fc := fakeContexts{associated: map[event.ContextKey]map[string]bool{key: {e1.ID: true}}}
	b := Bundle{Source: fakeSource{events: []*event.Event{e1, e2}}, Contexts: fc}

	result, err := InContext(All(), "g1", "ctx1")(b)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, e1.ID, result[0].ID)
}

func TestEventClass_FiltersByClassMembership(t *testing.T) {
	e1, e2 := mkEvent(t, "fire", "h", 1), mkEvent(t, "other", "h", 2)
	b := Bundle{Source: fakeSource{events: []*event.Event{e1, e2}}}

	classOf := func(name string) []string {
		if name == "fire" {
			return []string{"alarm"}
		}
		return nil
	}
	result, err := EventClass("alarm", classOf)(b)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, e1.ID, result[0].ID)
}

func TestEventStatusAndHost(t *testing.T) {
	e1 := mkEvent(t, "a", "h1", 1)
	b := Bundle{Source: fakeSource{events: []*event.Event{e1}}}

	result, err := EventStatus(event.StatusActive)(b)
	require.NoError(t, err)
	require.Len(t, result, 1)

	result, err = EventHost("h2")(b)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestEventAttribute_ChecksUsingCheckOp(t *testing.T) {
	e, err := event.New(event.Params{Name: "a", Host: "h", Attributes: map[string]string{"sev": "5"}}, time.Unix(1, 0))
	require.NoError(t, err)
	b := Bundle{Source: fakeSource{events: []*event.Event{e}}}

	result, err := EventAttribute("sev", event.CheckEq, "5", nil)(b)
	require.NoError(t, err)
	require.Len(t, result, 1)

	result, err = EventAttribute("sev", event.CheckEq, "9", nil)(b)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestMinAge_FiltersByTickMinusTimestamp(t *testing.T) {
	e := mkEvent(t, "a", "h", 10)
	b := Bundle{Source: fakeSource{events: []*event.Event{e}}, Tick: 70}

	result, err := MinAge(event.SourceCreation, 60)(b)
	require.NoError(t, err)
	require.Len(t, result, 1)

	b.Tick = 50
	result, err = MinAge(event.SourceCreation, 60)(b)
	require.NoError(t, err)
	require.Empty(t, result)
}
