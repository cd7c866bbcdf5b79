// Package query implements the compiled query AST: composable closures
// that select events from the cache (intersection, union, complement,
// field predicates), paired with the metadata every event_query element
// carries. Queries are small closures bundled with a context record, so
// node types compose by construction.
package query

import (
	"regexp"
	"sort"

	"github.com/corrflow/engine/event"
)

// Source exposes read access to the live event set a query runs over.
// cache.EventCache implements this structurally; the query package does
// not import cache, avoiding an import cycle.
type Source interface {
	Events() []*event.Event
	GetEventByID(id string) (*event.Event, bool)
}

// ContextChecker answers in_context / context-counter predicates without
// the query package depending on the contexts package's concrete type.
type ContextChecker interface {
	ContextExists(group, name string) bool
	IsAssociated(key event.ContextKey, e *event.Event) bool
	CheckCounter(group, name string, op CounterOp, value int) bool
}

// CounterOp mirrors contexts.CounterOp without an import-cycle.
type CounterOp string

const (
	CounterEq CounterOp = "eq"
	CounterGe CounterOp = "ge"
	CounterLe CounterOp = "le"
)

// Bundle is the keyword-bundle argument threaded through every compiled
// query/condition/action closure. RuleGroup/RuleName identify the
// currently executing rule for history/back-reference purposes.
type Bundle struct {
	RuleGroup string
	RuleName  string
	Trigger   *event.Event
	Selected  []*event.Event
	Source    Source
	Contexts  ContextChecker
	Tick      int64
}

// Func is a compiled runtime query: given a Bundle, returns the matching
// event set.
type Func func(b Bundle) ([]*event.Event, error)

func toSet(events []*event.Event) map[string]*event.Event {
	m := make(map[string]*event.Event, len(events))
	for _, e := range events {
		m[e.ID] = e
	}
	return m
}

func fromSet(m map[string]*event.Event) []*event.Event {
	out := make([]*event.Event, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// restrictedSource wraps a Source so sub-queries in an Intersection only
// see the running result set, so intersection applies each sub-query to
// the previous result rather than the full cache.
type restrictedSource struct {
	events []*event.Event
	byID   map[string]*event.Event
}

func (r restrictedSource) Events() []*event.Event { return r.events }
func (r restrictedSource) GetEventByID(id string) (*event.Event, bool) {
	e, ok := r.byID[id]
	return e, ok
}

func restrict(events []*event.Event) restrictedSource {
	return restrictedSource{events: events, byID: toSet(events)}
}

// Intersection evaluates queries left to right, feeding each subsequent
// query only the running result set.
func Intersection(queries ...Func) Func {
	return func(b Bundle) ([]*event.Event, error) {
		if len(queries) == 0 {
			return nil, nil
		}
		running, err := queries[0](b)
		if err != nil {
			return nil, err
		}
		for _, q := range queries[1:] {
			if len(running) == 0 {
				return nil, nil
			}
			next := b
			next.Source = restrict(running)
			result, err := q(next)
			if err != nil {
				return nil, err
			}
			resultSet := toSet(result)
			filtered := running[:0:0]
			for _, e := range running {
				if _, ok := resultSet[e.ID]; ok {
					filtered = append(filtered, e)
				}
			}
			running = filtered
		}
		return running, nil
	}
}

// Union merges the result sets of all queries.
func Union(queries ...Func) Func {
	return func(b Bundle) ([]*event.Event, error) {
		merged := map[string]*event.Event{}
		for _, q := range queries {
			result, err := q(b)
			if err != nil {
				return nil, err
			}
			for _, e := range result {
				merged[e.ID] = e
			}
		}
		return fromSet(merged), nil
	}
}

// Complement returns every cache event not matched by q.
func Complement(q Func) Func {
	return func(b Bundle) ([]*event.Event, error) {
		matched, err := q(b)
		if err != nil {
			return nil, err
		}
		excluded := toSet(matched)
		all := b.Source.Events()
		out := make([]*event.Event, 0, len(all))
		for _, e := range all {
			if _, ok := excluded[e.ID]; !ok {
				out = append(out, e)
			}
		}
		return out, nil
	}
}

func sortByTime(events []*event.Event, source event.TimeSource) []*event.Event {
	out := append([]*event.Event(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp(source) < out[j].Timestamp(source)
	})
	return out
}

// FirstOf returns the single earliest event by source, or empty.
func FirstOf(q Func, source event.TimeSource) Func {
	return func(b Bundle) ([]*event.Event, error) {
		result, err := q(b)
		if err != nil || len(result) == 0 {
			return nil, err
		}
		sorted := sortByTime(result, source)
		return sorted[:1], nil
	}
}

// LastOf returns the single latest event by source, or empty.
func LastOf(q Func, source event.TimeSource) Func {
	return func(b Bundle) ([]*event.Event, error) {
		result, err := q(b)
		if err != nil || len(result) == 0 {
			return nil, err
		}
		sorted := sortByTime(result, source)
		return sorted[len(sorted)-1:], nil
	}
}

// KeepPolicy selects which duplicate UniqueBy keeps.
type KeepPolicy string

const (
	KeepFirst KeepPolicy = "first"
	KeepLast  KeepPolicy = "last"
)

// UniqueBy groups q's results by the value of field, keeping the
// first-or-last (by sortBy) representative per group.
func UniqueBy(q Func, field func(*event.Event) string, sortBy event.TimeSource, keep KeepPolicy) Func {
	return func(b Bundle) ([]*event.Event, error) {
		result, err := q(b)
		if err != nil {
			return nil, err
		}
		sorted := sortByTime(result, sortBy)
		if keep == KeepLast {
			for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
		seen := map[string]bool{}
		out := make([]*event.Event, 0, len(sorted))
		for _, e := range sorted {
			key := field(e)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
		return out, nil
	}
}

// IsTrigger returns {trigger} if it is present in q's result, else empty.
func IsTrigger(q Func) Func {
	return func(b Bundle) ([]*event.Event, error) {
		if b.Trigger == nil {
			return nil, nil
		}
		result, err := q(b)
		if err != nil {
			return nil, err
		}
		for _, e := range result {
			if e.ID == b.Trigger.ID {
				return []*event.Event{b.Trigger}, nil
			}
		}
		return nil, nil
	}
}

// InContext filters q's results to events associated with (group,name).
func InContext(q Func, group, name string) Func {
	return func(b Bundle) ([]*event.Event, error) {
		result, err := q(b)
		if err != nil {
			return nil, err
		}
		if b.Contexts == nil {
			return nil, nil
		}
		key := event.ContextKey{Group: group, Name: name}
		out := make([]*event.Event, 0, len(result))
		for _, e := range result {
			if b.Contexts.IsAssociated(key, e) {
				out = append(out, e)
			}
		}
		return out, nil
	}
}

// filterAll filters b.Source.Events() by pred.
func filterAll(pred func(*event.Event) bool) Func {
	return func(b Bundle) ([]*event.Event, error) {
		all := b.Source.Events()
		out := make([]*event.Event, 0, len(all))
		for _, e := range all {
			if pred(e) {
				out = append(out, e)
			}
		}
		return out, nil
	}
}

// EventClass filters by class membership; classOf resolves an event name
// to its classes (from the compiler's class table).
func EventClass(class string, classOf func(name string) []string) Func {
	return filterAll(func(e *event.Event) bool {
		for _, c := range classOf(e.Name) {
			if c == class {
				return true
			}
		}
		return false
	})
}

func EventName(name string) Func   { return filterAll(func(e *event.Event) bool { return e.Name == name }) }
func EventType(t event.Type) Func  { return filterAll(func(e *event.Event) bool { return e.Type == t }) }
func EventStatus(s event.Status) Func {
	return filterAll(func(e *event.Event) bool { return e.Status == s })
}
func EventHost(host string) Func { return filterAll(func(e *event.Event) bool { return e.Host == host }) }

// EventAttribute filters by a checkAttribute-style predicate.
func EventAttribute(name string, op event.CheckOp, value string, re *regexp.Regexp) Func {
	return func(b Bundle) ([]*event.Event, error) {
		all := b.Source.Events()
		out := make([]*event.Event, 0, len(all))
		for _, e := range all {
			ok, err := e.CheckAttribute(name, op, value, re)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, e)
			}
		}
		return out, nil
	}
}

// MinAge filters to events whose (tick - timestamp) >= minSeconds.
func MinAge(source event.TimeSource, minSeconds int64) Func {
	return func(b Bundle) ([]*event.Event, error) {
		all := b.Source.Events()
		out := make([]*event.Event, 0, len(all))
		for _, e := range all {
			if b.Tick-e.Timestamp(source) >= minSeconds {
				out = append(out, e)
			}
		}
		return out, nil
	}
}

// All matches every event currently in the source.
func All() Func {
	return func(b Bundle) ([]*event.Event, error) {
		return append([]*event.Event(nil), b.Source.Events()...), nil
	}
}
