package rules

import (
	"testing"
	"time"

	"github.com/corrflow/engine/determinator"
	"github.com/corrflow/engine/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(zerolog.Nop())
}

func TestGetRelevantRules_OrderedByGroupThenRuleOrder(t *testing.T) {
	m := newTestManager(t)

	high := &Rule{Group: "g1", Name: "rule-a", Order: 5, Trigger: NewTrigger()}
	high.Trigger.AnyAny = true
	low := &Rule{Group: "g1", Name: "rule-b", Order: 1, Trigger: NewTrigger()}
	low.Trigger.AnyAny = true
	earlyGroup := &Rule{Group: "g0", Name: "rule-c", Order: 9, Trigger: NewTrigger()}
	earlyGroup.Trigger.AnyAny = true

	m.Load(BuildInput{Groups: map[string]*RuleGroup{
		"g1": {Name: "g1", Order: 2, Rules: map[string]*Rule{"rule-a": high, "rule-b": low}},
		"g0": {Name: "g0", Order: 1, Rules: map[string]*Rule{"rule-c": earlyGroup}},
	}})

	e, err := event.New(event.Params{Name: "n", Host: "h"}, time.Unix(1, 0))
	require.NoError(t, err)

	got := m.GetRelevantRules(e)
	require.Len(t, got, 3)
	require.Equal(t, "rule-c", got[0].Name, "lower group order sorts first")
	require.Equal(t, "rule-b", got[1].Name, "within a group, lower rule order sorts first")
	require.Equal(t, "rule-a", got[2].Name)
}

func TestGetRelevantRules_DedupesRuleMatchingMultipleTriggers(t *testing.T) {
	m := newTestManager(t)
	r := &Rule{Group: "g", Name: "r", Trigger: NewTrigger()}
	r.Trigger.NameAny["n"] = true
	r.Trigger.ClassAny["cls"] = true

	m.Load(BuildInput{
		Groups:       map[string]*RuleGroup{"g": {Name: "g", Rules: map[string]*Rule{"r": r}}},
		EventClasses: map[string][]string{"cls": {"n"}},
	})

	e, err := event.New(event.Params{Name: "n", Host: "h"}, time.Unix(1, 0))
	require.NoError(t, err)

	got := m.GetRelevantRules(e)
	require.Len(t, got, 1, "a rule matching via both name and class trigger must appear once")
}

func TestReload_ReportsGroupsWithChangedHash(t *testing.T) {
	m := newTestManager(t)
	g1 := &RuleGroup{Name: "g1", Rules: map[string]*Rule{}, Hash: "aaa"}
	g2 := &RuleGroup{Name: "g2", Rules: map[string]*Rule{}, Hash: "bbb"}
	m.Load(BuildInput{Groups: map[string]*RuleGroup{"g1": g1, "g2": g2}})

	newG1 := &RuleGroup{Name: "g1", Rules: map[string]*Rule{}, Hash: "aaa"}
	newG2 := &RuleGroup{Name: "g2", Rules: map[string]*Rule{}, Hash: "changed"}
	changed := m.Reload(BuildInput{Groups: map[string]*RuleGroup{"g1": newG1, "g2": newG2}})

	require.Equal(t, []string{"g2"}, changed, "only the group whose content hash changed is reported")
}

func TestReload_ReportsVanishedGroup(t *testing.T) {
	m := newTestManager(t)
	g1 := &RuleGroup{Name: "g1", Rules: map[string]*Rule{}, Hash: "aaa"}
	g2 := &RuleGroup{Name: "g2", Rules: map[string]*Rule{}, Hash: "bbb"}
	m.Load(BuildInput{Groups: map[string]*RuleGroup{"g1": g1, "g2": g2}})

	newG1 := &RuleGroup{Name: "g1", Rules: map[string]*Rule{}, Hash: "aaa"}
	changed := m.Reload(BuildInput{Groups: map[string]*RuleGroup{"g1": newG1}})

	require.Equal(t, []string{"g2"}, changed, "a group removed entirely must still be reported so its contexts are cleaned up")
}

// nameEquals is a minimal determinator.Determinator that depends on the
// probed event's name: true/false when Event is set, the probe default
// otherwise. Used to exercise buildQuerytable's per-name classification
// without going through the compiler.
func nameEquals(want string) determinator.Determinator {
	return determinator.Leaf("event_name", func(p determinator.Probe) determinator.Value {
		if p.Event == nil {
			return p.Default
		}
		if p.Event.Name == want {
			return determinator.True
		}
		return determinator.False
	})
}

// An event named X matches a query with max_age=60, landing at
// delay_time = max_age + creation = 160; an event named Y matches no
// such query and gets the unconditional baseline, delay_time = 100.
func TestUpdateCacheAndDelayTime_NameKeyedLifetime(t *testing.T) {
	m := newTestManager(t)
	r := &Rule{Group: "g", Name: "r", Trigger: NewTrigger()}
	qdet := &QueryDescriptor{
		Name: "q", Rule: r, MaxAge: 60, Delay: true,
		TimeSource:  event.SourceCreation,
		Determinize: nameEquals("X"),
	}
	m.Load(BuildInput{
		Groups:     map[string]*RuleGroup{"g": {Name: "g", Rules: map[string]*Rule{"r": r}}},
		QueryDets:  []*QueryDescriptor{qdet},
		QueryNames: map[string]bool{"X": true},
	})

	x, err := event.New(event.Params{
		Name: "X", Host: "h", HasCreation: true, Creation: 100, HasArrival: true, Arrival: 100,
	}, time.Unix(100, 0))
	require.NoError(t, err)
	m.UpdateCacheAndDelayTime(x)
	require.Equal(t, int64(160), x.DelayTime)

	y, err := event.New(event.Params{
		Name: "Y", Host: "h", HasCreation: true, Creation: 100, HasArrival: true, Arrival: 100,
	}, time.Unix(100, 0))
	require.NoError(t, err)
	m.UpdateCacheAndDelayTime(y)
	require.Equal(t, int64(100), y.DelayTime)
}
