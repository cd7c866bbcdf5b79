package rules

import (
	"fmt"
	"sort"

	"github.com/corrflow/engine/determinator"
	"github.com/corrflow/engine/event"
	"github.com/rs/zerolog"
)

// RuleTuple is one entry of the rule table: a rule plus the ordering keys
// used to break ties between rules that both match an event.
type RuleTuple struct {
	GroupOrder int
	RuleOrder  int
	Rule       *Rule
}

// RuleTable is the compiled trigger-lookup structure built by
// buildRuletable: three dimensions (any, by-class, by-name), each split
// again by event type.
type RuleTable struct {
	AnyAny    []RuleTuple
	AnyType   map[event.Type][]RuleTuple
	ClassAny  map[string][]RuleTuple
	ClassType map[string]map[event.Type][]RuleTuple
	NameAny   map[string][]RuleTuple
	NameType  map[string]map[event.Type][]RuleTuple
}

func newRuleTable() *RuleTable {
	return &RuleTable{
		AnyType:   map[event.Type][]RuleTuple{},
		ClassAny:  map[string][]RuleTuple{},
		ClassType: map[string]map[event.Type][]RuleTuple{},
		NameAny:   map[string][]RuleTuple{},
		NameType:  map[string]map[event.Type][]RuleTuple{},
	}
}

// QTableEntry is one (any | by-event-name) bucket of the query table: the
// single largest always-relevant max_age plus the sorted tail of
// determinator-gated query descriptors.
type QTableEntry struct {
	MaxAge int64
	Rule   *Rule
	Name   string
	QDets  []*QueryDescriptor
}

// QTableSlot holds the any/by-event split for one (delay, time_source) pair.
type QTableSlot struct {
	Any     QTableEntry
	ByEvent map[string]QTableEntry
}

// QTable is keyed [delay][timeSource].
type QTable map[bool]map[event.TimeSource]*QTableSlot

// BuildInput is what the compiler hands the Manager to (re)build its
// lookup tables.
type BuildInput struct {
	Groups       map[string]*RuleGroup
	EventClasses map[string][]string // class -> member event names
	QueryDets    []*QueryDescriptor
	// QueryNames is the set of event names that appear literally in an
	// event_name/event_class leaf anywhere in the rule document; it bounds
	// buildQuerytable's per-name classification pass.
	QueryNames map[string]bool
}

// Manager owns the compiled rule set and its lookup tables, and performs
// per-event lifetime inference against the query table.
type Manager struct {
	log zerolog.Logger

	groups       map[string]*RuleGroup
	eventClasses map[string][]string
	classtable   map[string]map[string]bool // event name -> set of classes
	queryNames   map[string]bool

	ruletable  *RuleTable
	querytable QTable
}

// New constructs an empty Manager; call Load to install the first rule set.
func New(log zerolog.Logger) *Manager {
	return &Manager{log: log.With().Str("component", "rules").Logger()}
}

// Load installs a freshly compiled rule set and rebuilds all three lookup
// tables.
func (m *Manager) Load(in BuildInput) {
	m.groups = in.Groups
	m.eventClasses = in.EventClasses
	m.queryNames = in.QueryNames
	m.classtable = buildClasstable(in.EventClasses)
	m.ruletable = buildRuletable(in.Groups)
	m.querytable = buildQuerytable(in.QueryDets, m.classtable, in.QueryNames, m.log)
}

// Reload installs a new rule set and reports which previously-live groups
// either vanished or changed content hash, so the kernel can clear their
// contexts. Groups whose hash is unchanged keep their contexts.
func (m *Manager) Reload(in BuildInput) []string {
	var changed []string
	for name, old := range m.groups {
		newGroup, ok := in.Groups[name]
		if !ok {
			m.log.Info().Str("group", name).Msg("rule group no longer exists, removing its contexts")
			changed = append(changed, name)
			continue
		}
		if old.Hash != newGroup.Hash {
			m.log.Info().Str("group", name).Msg("removing contexts of modified rule group")
			changed = append(changed, name)
		}
	}
	m.Load(in)
	sort.Strings(changed)
	return changed
}

// NumberOfRules sums rule counts across all groups.
func (m *Manager) NumberOfRules() int {
	n := 0
	for _, g := range m.groups {
		n += len(g.Rules)
	}
	return n
}

// Groups returns the live rule groups, keyed by group name. Used by the
// introspection surface; callers must treat the returned map as read-only.
func (m *Manager) Groups() map[string]*RuleGroup {
	return m.groups
}

// Group returns one rule group by name, for "show_rulegroup"/"show_rule".
func (m *Manager) Group(name string) (*RuleGroup, bool) {
	g, ok := m.groups[name]
	return g, ok
}

// RuleTable exposes the compiled trigger-lookup table for "show_ruletable".
func (m *Manager) RuleTable() *RuleTable {
	return m.ruletable
}

// QueryTable exposes the compiled lifetime-lookup table for "show_querytable".
func (m *Manager) QueryTable() QTable {
	return m.querytable
}

// EventClasses returns the classes a given event name belongs to.
func (m *Manager) EventClasses(name string) []string {
	set := m.classtable[name]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func buildClasstable(eventClasses map[string][]string) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	for class, names := range eventClasses {
		for _, name := range names {
			if out[name] == nil {
				out[name] = map[string]bool{}
			}
			out[name][class] = true
		}
	}
	return out
}

// buildRuletable builds the per-(type/class/name) priority-ordered rule
// lists. Groups and rules are iterated in (order, name) sequence so ties
// are deterministic even before the final priority sort in
// GetRelevantRules.
func buildRuletable(groups map[string]*RuleGroup) *RuleTable {
	rt := newRuleTable()

	orderedGroups := make([]*RuleGroup, 0, len(groups))
	for _, g := range groups {
		orderedGroups = append(orderedGroups, g)
	}
	sort.Slice(orderedGroups, func(i, j int) bool {
		if orderedGroups[i].Order != orderedGroups[j].Order {
			return orderedGroups[i].Order < orderedGroups[j].Order
		}
		return orderedGroups[i].Name < orderedGroups[j].Name
	})

	for _, g := range orderedGroups {
		rules := make([]*Rule, 0, len(g.Rules))
		for _, r := range g.Rules {
			rules = append(rules, r)
		}
		sort.Slice(rules, func(i, j int) bool {
			if rules[i].Order != rules[j].Order {
				return rules[i].Order < rules[j].Order
			}
			return rules[i].Name < rules[j].Name
		})

		for _, r := range rules {
			tuple := RuleTuple{GroupOrder: g.Order, RuleOrder: r.Order, Rule: r}

			if r.Trigger.AnyAny {
				rt.AnyAny = append(rt.AnyAny, tuple)
			}
			for t, ok := range r.Trigger.AnyTypes {
				if ok {
					rt.AnyType[t] = append(rt.AnyType[t], tuple)
				}
			}
			for class, any := range r.Trigger.ClassAny {
				if any {
					rt.ClassAny[class] = append(rt.ClassAny[class], tuple)
					continue
				}
			}
			for class, types := range r.Trigger.ClassTypes {
				if r.Trigger.ClassAny[class] {
					continue
				}
				if rt.ClassType[class] == nil {
					rt.ClassType[class] = map[event.Type][]RuleTuple{}
				}
				for t, ok := range types {
					if ok {
						rt.ClassType[class][t] = append(rt.ClassType[class][t], tuple)
					}
				}
			}
			for name, any := range r.Trigger.NameAny {
				if any {
					rt.NameAny[name] = append(rt.NameAny[name], tuple)
					continue
				}
			}
			for name, types := range r.Trigger.NameTypes {
				if r.Trigger.NameAny[name] {
					continue
				}
				if rt.NameType[name] == nil {
					rt.NameType[name] = map[event.Type][]RuleTuple{}
				}
				for t, ok := range types {
					if ok {
						rt.NameType[name][t] = append(rt.NameType[name][t], tuple)
					}
				}
			}
		}
	}
	return rt
}

// GetRelevantRules returns the rules triggered by e, deduplicated and
// sorted by (group order, rule order, rule name).
func (m *Manager) GetRelevantRules(e *event.Event) []*Rule {
	var tuples []RuleTuple
	tuples = append(tuples, m.ruletable.AnyAny...)
	tuples = append(tuples, m.ruletable.AnyType[e.Type]...)

	for class := range m.classtable[e.Name] {
		tuples = append(tuples, m.ruletable.ClassAny[class]...)
		if byType, ok := m.ruletable.ClassType[class]; ok {
			tuples = append(tuples, byType[e.Type]...)
		}
	}

	tuples = append(tuples, m.ruletable.NameAny[e.Name]...)
	if byType, ok := m.ruletable.NameType[e.Name]; ok {
		tuples = append(tuples, byType[e.Type]...)
	}

	seen := map[*Rule]bool{}
	unique := tuples[:0:0]
	for _, t := range tuples {
		if seen[t.Rule] {
			continue
		}
		seen[t.Rule] = true
		unique = append(unique, t)
	}
	sort.Slice(unique, func(i, j int) bool {
		if unique[i].GroupOrder != unique[j].GroupOrder {
			return unique[i].GroupOrder < unique[j].GroupOrder
		}
		if unique[i].RuleOrder != unique[j].RuleOrder {
			return unique[i].RuleOrder < unique[j].RuleOrder
		}
		return unique[i].Rule.Name < unique[j].Rule.Name
	})

	out := make([]*Rule, len(unique))
	for i, t := range unique {
		out[i] = t.Rule
	}
	return out
}

var timeSources = []event.TimeSource{event.SourceCreation, event.SourceArrival}

// buildQuerytable classifies every query descriptor into either the global
// "any" bucket (always relevant, collapsed to one max_age) or a per-name
// bucket, with leftover determinator-gated descriptors kept only where
// they could plausibly extend past the bucket's max_age.
func buildQuerytable(qdets []*QueryDescriptor, classtable map[string]map[string]bool, queryNames map[string]bool, log zerolog.Logger) QTable {
	qt := QTable{}
	for _, delay := range []bool{true, false} {
		qt[delay] = map[event.TimeSource]*QTableSlot{}
		for _, ts := range timeSources {
			qt[delay][ts] = &QTableSlot{ByEvent: map[string]QTableEntry{}}
		}
	}

	eventNames := map[string]bool{"": true}
	for n := range queryNames {
		eventNames[n] = true
	}
	for n := range classtable {
		eventNames[n] = true
	}

	for _, qdet := range qdets {
		slot := qt[qdet.Delay][qdet.TimeSource]
		longName := fmt.Sprintf("%s/%s::%s", qdet.Rule.Group, qdet.Rule.Name, qdet.Name)

		alwaysFalseProbe := determinator.Probe{Default: determinator.Undefined}
		if qdet.Determinize(alwaysFalseProbe) == determinator.False {
			log.Debug().Str("query", longName).Msg("query always false, ignoring")
			continue
		}
		if qdet.Determinize(alwaysFalseProbe) == determinator.True {
			if qdet.MaxAge > slot.Any.MaxAge {
				slot.Any = QTableEntry{MaxAge: qdet.MaxAge, Rule: qdet.Rule, Name: qdet.Name, QDets: slot.Any.QDets}
			}
			continue
		}

		definedProbe := determinator.Probe{Default: determinator.Defined}
		if qdet.Determinize(definedProbe) == determinator.Undefined {
			if qdet.MaxAge > slot.Any.MaxAge {
				slot.Any = QTableEntry{MaxAge: qdet.MaxAge, Rule: qdet.Rule, Name: qdet.Name, QDets: slot.Any.QDets}
			}
			continue
		}

		nameIrrelevantProbe := determinator.Probe{
			Default: determinator.Undefined,
			Fields: map[string]determinator.FieldValue{
				"event_name":  determinator.Ternary(determinator.False),
				"event_class": determinator.Ternary(determinator.False),
			},
		}
		if qdet.Determinize(nameIrrelevantProbe) != determinator.False {
			slot.Any.QDets = append(slot.Any.QDets, qdet)
			continue
		}

		perNameOverride := map[string]determinator.FieldValue{
			"in_context":      determinator.Ternary(determinator.Undefined),
			"event_host":      determinator.Ternary(determinator.Undefined),
			"event_attribute": determinator.Ternary(determinator.Undefined),
			"event_status":    determinator.Ternary(determinator.Undefined),
			"event_type":      determinator.Ternary(determinator.Undefined),
		}
		for name := range eventNames {
			probe := determinator.Probe{
				Default: determinator.Undefined,
				Fields:  perNameOverride,
				Event:   &event.Event{Name: name},
			}
			val := qdet.Determinize(probe)
			if val == determinator.False {
				continue
			}
			entry := slot.ByEvent[name]
			entry.Name = name
			if val == determinator.True {
				if qdet.MaxAge > entry.MaxAge {
					entry.MaxAge = qdet.MaxAge
					entry.Rule = qdet.Rule
					entry.Name = qdet.Name
				}
			} else {
				entry.QDets = append(entry.QDets, qdet)
			}
			slot.ByEvent[name] = entry
		}
	}

	for _, delay := range []bool{true, false} {
		for _, ts := range timeSources {
			slot := qt[delay][ts]
			maxAgeAny := slot.Any.MaxAge
			filterSort := func(e QTableEntry) QTableEntry {
				cutoff := e.MaxAge
				if maxAgeAny > cutoff {
					cutoff = maxAgeAny
				}
				kept := e.QDets[:0:0]
				for _, qd := range e.QDets {
					if qd.MaxAge > cutoff {
						kept = append(kept, qd)
					}
				}
				sort.Slice(kept, func(i, j int) bool { return kept[i].MaxAge < kept[j].MaxAge })
				e.QDets = kept
				return e
			}
			slot.Any = filterSort(slot.Any)
			for name, entry := range slot.ByEvent {
				entry = filterSort(entry)
				if len(entry.QDets) == 0 && entry.MaxAge < maxAgeAny {
					delete(slot.ByEvent, name)
					continue
				}
				slot.ByEvent[name] = entry
			}
		}
	}
	return qt
}

func ruleRef(r *Rule) *event.RuleRef {
	if r == nil {
		return nil
	}
	ref := r.Ref()
	return &ref
}

// UpdateCacheAndDelayTime infers e's delay and cache lifetimes from the
// query table: the largest unconditional max_age wins outright; beyond
// that, determinator-gated queries are tried in descending max_age order
// until one can no longer possibly beat the current winner.
func (m *Manager) UpdateCacheAndDelayTime(e *event.Event) {
	for _, delay := range []bool{true, false} {
		maxTime := int64(0)
		var rule *Rule

		type candidate struct {
			max  int64
			qdet *QueryDescriptor
		}
		var relevant []candidate

		for _, ts := range timeSources {
			eventTime := e.Timestamp(ts)
			slot := m.querytable[delay][ts]
			entries := []QTableEntry{slot.Any}
			if be, ok := slot.ByEvent[e.Name]; ok {
				entries = append(entries, be)
			}
			for _, entry := range entries {
				if entry.MaxAge+eventTime > maxTime {
					maxTime = entry.MaxAge + eventTime
					rule = entry.Rule
				}
				for _, qdet := range entry.QDets {
					relevant = append(relevant, candidate{max: qdet.MaxAge + eventTime, qdet: qdet})
				}
			}
		}

		sort.Slice(relevant, func(i, j int) bool { return relevant[i].max > relevant[j].max })
		probe := determinator.Probe{Default: determinator.Undefined, Event: e}
		for _, c := range relevant {
			if c.max <= maxTime {
				break
			}
			if c.qdet.Determinize(probe) != determinator.False {
				maxTime = c.max
				rule = c.qdet.Rule
			}
		}

		if delay {
			e.SetDelayTime(maxTime, ruleRef(rule))
		} else {
			e.SetCacheTime(maxTime, ruleRef(rule))
		}
	}
}
