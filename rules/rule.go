// Package rules owns the compiled rule set: Rule/RuleGroup, the
// rule-lookup table, the query-lookup table, and the per-event lifetime
// inference that consults it. The compiler package populates
// these types; Manager (manager.go) owns them at runtime.
package rules

import (
	"fmt"
	"sync/atomic"

	"github.com/corrflow/engine/cache"
	"github.com/corrflow/engine/contexts"
	"github.com/corrflow/engine/determinator"
	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/query"
	"github.com/rs/zerolog"
)

// ActionBundle extends query.Bundle with the mutation capabilities
// actions need: the live cache, the context manager, and a hook for
// injecting newly created events either back into the kernel's pending
// input or directly to outputs.
type ActionBundle struct {
	query.Bundle
	Cache     *cache.EventCache
	Contexts  *contexts.Manager
	ClassOf   func(name string) []string
	Inject    func(e *event.Event, toOutput bool)
	Modified  map[string]*event.Event // events touched this tick; the kernel reprocesses their lifetime
	Now       func() int64
	Log       zerolog.Logger
}

func (b *ActionBundle) MarkModified(e *event.Event) {
	if b.Modified != nil {
		b.Modified[e.ID] = e
	}
}

// Action is a compiled action closure bound to a rule's keyword bundle.
type Action func(b *ActionBundle) error

// Condition is re-exported so compiler/kernel need not import query for
// the common case of a rule's top-level predicate.
type Condition = query.Condition

// Trigger is the trigger-set classification a single rule element
// contributes to the rule table.
type Trigger struct {
	AnyAny      bool            // "any" in when_any: rule matches every event
	AnyTypes    map[event.Type]bool
	ClassAny    map[string]bool // class -> any type
	ClassTypes  map[string]map[event.Type]bool
	NameAny     map[string]bool // name -> any type
	NameTypes   map[string]map[event.Type]bool
}

// NewTrigger returns an empty Trigger with initialized maps.
func NewTrigger() Trigger {
	return Trigger{
		AnyTypes:   map[event.Type]bool{},
		ClassAny:   map[string]bool{},
		ClassTypes: map[string]map[event.Type]bool{},
		NameAny:    map[string]bool{},
		NameTypes:  map[string]map[event.Type]bool{},
	}
}

// Rule is a single compiled rule.
type Rule struct {
	Group       string
	Name        string
	Description string
	Order       int

	Trigger     Trigger
	Condition   Condition
	Actions     []Action
	Alternative []Action

	ExecCount uint64
}

// Ref returns the stable back-reference used on Event.DelayRule/CacheRule.
func (r *Rule) Ref() event.RuleRef {
	return event.RuleRef{Group: r.Group, Name: r.Name}
}

func (r *Rule) incExec() { atomic.AddUint64(&r.ExecCount, 1) }

// Execute binds the keyword bundle with Selected=[trigger], evaluates the
// condition, and runs the actions on success or the alternative actions
// on failure.
func (r *Rule) Execute(b ActionBundle, trigger *event.Event) error {
	b.Trigger = trigger
	b.Selected = []*event.Event{trigger}
	b.RuleGroup = r.Group
	b.RuleName = r.Name
	r.incExec()

	ok := true
	var err error
	if r.Condition != nil {
		ok, err = r.Condition(b.Bundle)
		if err != nil {
			return fmt.Errorf("rule %s/%s: condition: %w", r.Group, r.Name, err)
		}
	}
	actions := r.Actions
	if !ok {
		actions = r.Alternative
	}
	for _, a := range actions {
		if err := a(&b); err != nil {
			return fmt.Errorf("rule %s/%s: action: %w", r.Group, r.Name, err)
		}
	}
	return nil
}

// RuleGroup owns an ordered set of rules plus a stable content hash of
// its source text, used to detect unchanged groups across reload.
type RuleGroup struct {
	Name        string
	Description string
	Order       int
	Rules       map[string]*Rule
	Hash        string
}

// QueryDescriptor is the compile-time artifact for one event_query
// element: runtime closure, determinator, and retention metadata, plus
// the owning rule for back-references.
type QueryDescriptor struct {
	Name        string
	Rule        *Rule
	MaxAge      int64
	Delay       bool
	TimeSource  event.TimeSource
	Run         query.Func
	Determinize determinator.Determinator
}
