package compiler

import (
	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/rules"
)

var allEventTypes = []event.Type{
	event.TypeRaw, event.TypeCompressed, event.TypeAggregated,
	event.TypeSynthetic, event.TypeTimeout, event.TypeInternal,
}

func parseEventType(s string) (event.Type, bool) {
	t := event.Type(s)
	for _, known := range allEventTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// buildTrigger compiles a WhenDoc into a rules.Trigger: three disjoint
// dictionaries (any, by-class, by-name), each keyed again by type.
func buildTrigger(w WhenDoc, errs *ErrorList) rules.Trigger {
	t := rules.NewTrigger()

	for _, v := range w.Any {
		if v == "any" {
			t.AnyAny = true
			continue
		}
		et, ok := parseEventType(v)
		if !ok {
			errs.Addf("compiler: when.any: unknown event type %q", v)
			continue
		}
		t.AnyTypes[et] = true
	}

	for class, types := range w.Class {
		for _, v := range types {
			if v == "any" {
				t.ClassAny[class] = true
				continue
			}
			et, ok := parseEventType(v)
			if !ok {
				errs.Addf("compiler: when.class[%s]: unknown event type %q", class, v)
				continue
			}
			if t.ClassTypes[class] == nil {
				t.ClassTypes[class] = map[event.Type]bool{}
			}
			t.ClassTypes[class][et] = true
		}
	}

	for name, types := range w.Event {
		for _, v := range types {
			if v == "any" {
				t.NameAny[name] = true
				continue
			}
			et, ok := parseEventType(v)
			if !ok {
				errs.Addf("compiler: when.event[%s]: unknown event type %q", name, v)
				continue
			}
			if t.NameTypes[name] == nil {
				t.NameTypes[name] = map[event.Type]bool{}
			}
			t.NameTypes[name][et] = true
		}
	}

	return t
}
