package query

import (
	"regexp"
	"sort"

	"github.com/corrflow/engine/event"
)

// Condition is a compiled rule-condition closure: it evaluates to a
// boolean given a Bundle.
type Condition func(b Bundle) (bool, error)

// And short-circuits on the first false/error condition.
func And(conds ...Condition) Condition {
	return func(b Bundle) (bool, error) {
		for _, c := range conds {
			ok, err := c(b)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
}

// Or short-circuits on the first true condition.
func Or(conds ...Condition) Condition {
	return func(b Bundle) (bool, error) {
		for _, c := range conds {
			ok, err := c(b)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

// NotCond negates c.
func NotCond(c Condition) Condition {
	return func(b Bundle) (bool, error) {
		ok, err := c(b)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// TriggerMatch applies a conjunction to a singleton set consisting of the
// trigger event only.
func TriggerMatch(cond Condition) Condition {
	return func(b Bundle) (bool, error) {
		if b.Trigger == nil {
			return false, nil
		}
		restricted := b
		restricted.Source = restrict([]*event.Event{b.Trigger})
		return cond(restricted)
	}
}

// ContextExists checks whether (group,name) currently exists.
func ContextExists(group, name string) Condition {
	return func(b Bundle) (bool, error) {
		if b.Contexts == nil {
			return false, nil
		}
		return b.Contexts.ContextExists(group, name), nil
	}
}

// ContextCounter checks a context's counter against (op, value).
func ContextCounter(group, name string, op CounterOp, value int) Condition {
	return func(b Bundle) (bool, error) {
		if b.Contexts == nil {
			return false, nil
		}
		return b.Contexts.CheckCounter(group, name, op, value), nil
	}
}

// Count checks |query(b)| against (threshold, op).
func Count(threshold int, op event.CheckOp, q Func) Condition {
	return func(b Bundle) (bool, error) {
		result, err := q(b)
		if err != nil {
			return false, err
		}
		n := len(result)
		switch op {
		case event.CheckEq:
			return n == threshold, nil
		case event.CheckGe:
			return n >= threshold, nil
		case event.CheckLe:
			return n <= threshold, nil
		default:
			return false, nil
		}
	}
}

// MatchMode selects sequence/within's "any" vs "all" semantics.
type MatchMode string

const (
	MatchAny MatchMode = "any"
	MatchAll MatchMode = "all"
)

// Sequence checks that query results occur in strictly increasing
// timestamp order. "all" requires every timestamp of query[i] to precede
// every timestamp of query[i+1]; "any" requires a representative
// timestamp per query forming a strictly increasing chain.
func Sequence(sortBy event.TimeSource, match MatchMode, queries ...Func) Condition {
	if len(queries) <= 1 {
		return func(Bundle) (bool, error) { return true, nil }
	}
	return func(b Bundle) (bool, error) {
		timestamps := make([][]int64, len(queries))
		for i, q := range queries {
			result, err := q(b)
			if err != nil {
				return false, err
			}
			ts := make([]int64, len(result))
			for j, e := range result {
				ts[j] = e.Timestamp(sortBy)
			}
			timestamps[i] = ts
		}
		if match == MatchAll {
			for i := 0; i < len(timestamps)-1; i++ {
				if len(timestamps[i]) == 0 || len(timestamps[i+1]) == 0 {
					return false, nil
				}
				if maxOf(timestamps[i]) >= minOf(timestamps[i+1]) {
					return false, nil
				}
			}
			return true, nil
		}
		// match == any
		currentMin := int64(-1)
		first := true
		for _, ts := range timestamps {
			var candidates []int64
			for _, t := range ts {
				if first || t > currentMin {
					candidates = append(candidates, t)
				}
			}
			first = false
			if len(candidates) == 0 {
				return false, nil
			}
			currentMin = minOf(candidates)
		}
		return true, nil
	}
}

func minOf(xs []int64) int64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []int64) int64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// Symbol pairs a single-rune letter with the query identifying the
// events it matches.
type Symbol struct {
	Letter byte
	Query  Func
}

// Alphabet produces a string by sorting matched events by timestamp
// (stable sort), with non-overlapping match semantics: earlier symbols
// win contested events.
func Alphabet(sortBy event.TimeSource, symbols []Symbol) func(b Bundle) (string, error) {
	return func(b Bundle) (string, error) {
		type tagged struct {
			letter byte
			ts     int64
		}
		var tags []tagged
		matchedSoFar := map[string]bool{}
		for _, sym := range symbols {
			result, err := sym.Query(b)
			if err != nil {
				return "", err
			}
			for _, e := range result {
				if matchedSoFar[e.ID] {
					continue
				}
				matchedSoFar[e.ID] = true
				tags = append(tags, tagged{letter: sym.Letter, ts: e.Timestamp(sortBy)})
			}
		}
		sort.SliceStable(tags, func(i, j int) bool { return tags[i].ts < tags[j].ts })
		out := make([]byte, len(tags))
		for i, t := range tags {
			out[i] = t.letter
		}
		return string(out), nil
	}
}

// Pattern checks alphabet(b) against a precompiled regexp.
func Pattern(alphabet func(b Bundle) (string, error), re *regexp.Regexp) Condition {
	return func(b Bundle) (bool, error) {
		s, err := alphabet(b)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	}
}

// Within checks whether query results fit within a timeframe window.
// match=all requires every matched timestamp within [min,max] <= timeframe;
// match=any uses the WithinAny sliding-window algorithm.
func Within(timeframe int64, timeref event.TimeSource, match MatchMode, queries ...Func) Condition {
	if len(queries) == 0 {
		return func(Bundle) (bool, error) { return true, nil }
	}
	return func(b Bundle) (bool, error) {
		groups := make([][]int64, len(queries))
		for i, q := range queries {
			result, err := q(b)
			if err != nil {
				return false, err
			}
			ts := make([]int64, len(result))
			for j, e := range result {
				ts[j] = e.Timestamp(timeref)
			}
			groups[i] = ts
		}
		if match == MatchAll {
			var all []int64
			for _, g := range groups {
				if len(g) == 0 {
					return false, nil
				}
				all = append(all, g...)
			}
			return maxOf(all)-minOf(all) <= timeframe, nil
		}
		return WithinAny(groups, timeframe), nil
	}
}

// WithinAny decides whether there is a choice of one timestamp per group
// within timeframe of each other. Worst case O(m*n): each iteration wins
// or discards at least one timestamp.
func WithinAny(groups [][]int64, timeframe int64) bool {
	work := make([][]int64, len(groups))
	for i, g := range groups {
		if len(g) == 0 {
			return false
		}
		cp := append([]int64(nil), g...)
		sort.Slice(cp, func(a, b int) bool { return cp[a] < cp[b] })
		work[i] = cp
	}
	for {
		tmin := work[0][0]
		tmax := work[0][0]
		for _, g := range work {
			if g[0] < tmin {
				tmin = g[0]
			}
			if g[0] > tmax {
				tmax = g[0]
			}
		}
		if tmax-tmin <= timeframe {
			return true
		}
		newMin := tmax - timeframe
		for i := range work {
			for len(work[i]) > 0 && work[i][0] < newMin {
				work[i] = work[i][1:]
			}
			if len(work[i]) == 0 {
				return false
			}
		}
	}
}
