// Package determinator implements the ternary-logic ({True, False,
// Defined, Undefined}) evaluator used at rule-compile/reload time to
// classify queries and bound event lifetimes. Determinators are the
// compile-time shadow of runtime queries: they answer over partial event
// information, so runtime evaluation never pays the four-valued cost.
package determinator

import (
	"fmt"

	"github.com/corrflow/engine/event"
)

// Value is one of the four truth values a determinator may produce. The
// zero value is Undefined: a probe that says nothing about a field means
// the field is unknown, not false.
type Value int

const (
	Undefined Value = iota
	Defined
	False
	True
)

func (v Value) String() string {
	switch v {
	case False:
		return "false"
	case True:
		return "true"
	case Defined:
		return "defined"
	case Undefined:
		return "undefined"
	default:
		return fmt.Sprintf("determinator.Value(%d)", int(v))
	}
}

// FieldValue is a predetermined or probed field value: one of the four
// ternary values, or an actual concrete value (string) the field is
// known to hold.
type FieldValue struct {
	Kind  Value  // used when Concrete == false
	Value string // used when Concrete == true
	Concrete bool
}

func Concrete(s string) FieldValue { return FieldValue{Concrete: true, Value: s} }
func Ternary(v Value) FieldValue   { return FieldValue{Kind: v} }

// Probe is the input to a Determinator: a mapping of field name to
// predetermined value, plus a Default applied to any field not present.
// A predetermined field shadows the real event field; the leaf reads the
// event only when its field has no override.
type Probe struct {
	Default Value
	Fields  map[string]FieldValue
	// Event is the real or synthetic (MetaEvent) event a leaf
	// determinator may consult when its field is not predetermined.
	// nil during the always-true/always-undefined classification probes.
	Event *event.Event
}

// NewProbe builds a Probe with the given default and no overrides.
func NewProbe(def Value) Probe {
	return Probe{Default: def, Fields: map[string]FieldValue{}}
}

// Field looks up a field in the probe, falling back to Default as an
// Undefined/True/False/Defined ternary value (never concrete) when absent.
func (p Probe) Field(name string) FieldValue {
	if p.Fields != nil {
		if fv, ok := p.Fields[name]; ok {
			return fv
		}
	}
	return Ternary(p.Default)
}

// Determinator is a node in the ternary-logic shadow tree that parallels
// a compiled query tree. Determinators are evaluated at compile/reload
// time against synthetic Probes; they never touch the live event cache.
type Determinator func(p Probe) Value

// And implements intersection composition: false dominates; otherwise
// Undefined dominates Defined; all true => true.
func And(ds ...Determinator) Determinator {
	return func(p Probe) Value {
		best := True
		for _, d := range ds {
			v := d(p)
			switch v {
			case False:
				return False
			case Undefined:
				best = Undefined
			case Defined:
				if best != Undefined {
					best = Defined
				}
			case True:
				// no change unless best already demoted
			}
		}
		return best
	}
}

// Or implements union composition: true dominates; otherwise Undefined
// dominates Defined; all false => false.
func Or(ds ...Determinator) Determinator {
	return func(p Probe) Value {
		best := False
		for _, d := range ds {
			v := d(p)
			switch v {
			case True:
				return True
			case Undefined:
				best = Undefined
			case Defined:
				if best != Undefined {
					best = Defined
				}
			case False:
				// no change unless best already demoted
			}
		}
		return best
	}
}

// Not implements complement: negates booleans, passes Defined/Undefined
// through unchanged.
func Not(d Determinator) Determinator {
	return func(p Probe) Value {
		switch v := d(p); v {
		case True:
			return False
		case False:
			return True
		default:
			return v
		}
	}
}

// Const returns a determinator that always yields v, used for leaves
// whose truth does not depend on the probe (e.g. the all query, which
// matches every event).
func Const(v Value) Determinator {
	return func(Probe) Value { return v }
}

// Leaf wraps real so that a predetermined ternary probe value for name
// always wins; concrete overrides and absent fields are handed to real,
// which evaluates them (or the probe's Default) itself. This is the
// general form Field specializes.
func Leaf(name string, real Determinator) Determinator {
	return func(p Probe) Value {
		if p.Fields != nil {
			if fv, ok := p.Fields[name]; ok && !fv.Concrete {
				return fv.Kind
			}
		}
		return real(p)
	}
}

// Field returns a determinator for a simple field-equality leaf: true iff
// the probe's field is concrete and equals want, false iff concrete and
// different, and the field's ternary value (Defined/Undefined) otherwise.
func Field(name, want string) Determinator {
	return func(p Probe) Value {
		fv := p.Field(name)
		if fv.Concrete {
			if fv.Value == want {
				return True
			}
			return False
		}
		return fv.Kind
	}
}

// MonotoneIncrease reports whether replacing Undefined fields in `less`
// with concrete/defined values in `more` can only move the determinator's
// result toward {true, false, Defined}, never back toward Undefined.
//
// rank orders the lattice Undefined < Defined < {True,False} for this
// monotonicity comparison; True and False are incomparable except to
// themselves.
func MonotoneIncrease(before, after Value) bool {
	rank := func(v Value) int {
		switch v {
		case Undefined:
			return 0
		case Defined:
			return 1
		default:
			return 2
		}
	}
	if before == after {
		return true
	}
	if rank(before) == 2 && rank(after) == 2 {
		return false
	}
	return rank(after) >= rank(before)
}
