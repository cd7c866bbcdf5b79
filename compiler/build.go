package compiler

import (
	"fmt"
	"regexp"

	"github.com/corrflow/engine/determinator"
	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/query"
)

// namedQuery is a previously compiled (group,name)-addressable query,
// kept so match_query can cross-reference it.
type namedQuery struct {
	run  query.Func
	det  determinator.Determinator
}

// buildCtx threads compile-time state through the recursive node builder:
// class membership (for event_class), the named-query registry (for
// match_query; built in document order, which rules out cycles by
// construction), and the set of literal event names/classes referenced by
// event_name/event_class leaves, which seeds buildQuerytable's per-name
// pass.
type buildCtx struct {
	classOf    func(name string) []string
	named      map[string]namedQuery
	queryNames map[string]bool
	errs       *ErrorList
}

func newBuildCtx(classOf func(string) []string, errs *ErrorList) *buildCtx {
	return &buildCtx{
		classOf:    classOf,
		named:      map[string]namedQuery{},
		queryNames: map[string]bool{},
		errs:       errs,
	}
}

// built is the paired (query, determinator) result of compiling one node.
type built struct {
	run query.Func
	det determinator.Determinator
}

func compileParseOp(name string) (event.CheckOp, error) {
	switch name {
	case "eq", "":
		return event.CheckEq, nil
	case "ge":
		return event.CheckGe, nil
	case "le":
		return event.CheckLe, nil
	case "re":
		return event.CheckRe, nil
	default:
		return "", fmt.Errorf("compiler: unknown comparison op %q", name)
	}
}

func compileTimeSource(name string) (event.TimeSource, error) {
	switch name {
	case "creation", "":
		return event.SourceCreation, nil
	case "arrival":
		return event.SourceArrival, nil
	default:
		return "", fmt.Errorf("compiler: unknown time_source %q", name)
	}
}

// buildNode compiles one query-shaped NodeDoc into its runtime closure
// and parallel determinator tree. The two trees are distinct so runtime
// evaluation never pays the ternary cost.
func (c *buildCtx) buildNode(n NodeDoc) (built, error) {
	switch n.Op {
	case "all":
		return built{run: query.All(), det: determinator.Const(determinator.True)}, nil

	case "event_name":
		c.queryNames[n.Name] = true
		name := n.Name
		return built{
			run: query.EventName(name),
			det: determinator.Leaf("event_name", func(p determinator.Probe) determinator.Value {
				if p.Event == nil {
					return p.Default
				}
				return boolToDeterminatorValue(p.Event.Name == name)
			}),
		}, nil

	case "event_class":
		c.queryNames[n.Class] = true
		class := n.Class
		classOf := c.classOf
		return built{
			run: query.EventClass(class, classOf),
			det: determinator.Leaf("event_class", func(p determinator.Probe) determinator.Value {
				if p.Event == nil {
					return p.Default
				}
				for _, cl := range classOf(p.Event.Name) {
					if cl == class {
						return determinator.True
					}
				}
				return determinator.False
			}),
		}, nil

	case "event_type":
		t, ok := parseEventType(n.EventType)
		if !ok {
			return built{}, fmt.Errorf("compiler: event_type: unknown type %q", n.EventType)
		}
		return built{
			run: query.EventType(t),
			det: determinator.Leaf("event_type", func(p determinator.Probe) determinator.Value {
				if p.Event == nil {
					return p.Default
				}
				return boolToDeterminatorValue(p.Event.Type == t)
			}),
		}, nil

	case "event_status":
		var s event.Status
		switch n.Status {
		case "active":
			s = event.StatusActive
		case "inactive":
			s = event.StatusInactive
		default:
			return built{}, fmt.Errorf("compiler: event_status: unknown status %q", n.Status)
		}
		return built{
			run: query.EventStatus(s),
			det: determinator.Leaf("event_status", func(p determinator.Probe) determinator.Value {
				if p.Event == nil {
					return p.Default
				}
				return boolToDeterminatorValue(p.Event.Status == s)
			}),
		}, nil

	case "event_host":
		host := n.Host
		return built{
			run: query.EventHost(host),
			det: determinator.Leaf("event_host", func(p determinator.Probe) determinator.Value {
				if p.Event == nil {
					return p.Default
				}
				return boolToDeterminatorValue(p.Event.Host == host)
			}),
		}, nil

	case "event_attribute":
		op, err := compileParseOp(n.Cmp)
		if err != nil {
			return built{}, err
		}
		var re *regexp.Regexp
		if op == event.CheckRe {
			re, err = regexp.Compile(n.Value)
			if err != nil {
				return built{}, fmt.Errorf("compiler: event_attribute: %w", err)
			}
		}
		attr, value := n.Attribute, n.Value
		return built{
			run: query.EventAttribute(attr, op, value, re),
			det: determinator.Leaf("event_attribute", func(p determinator.Probe) determinator.Value {
				if p.Event == nil {
					return p.Default
				}
				ok, err := p.Event.CheckAttribute(attr, op, value, re)
				if err != nil {
					return determinator.Undefined
				}
				return boolToDeterminatorValue(ok)
			}),
		}, nil

	case "min_age":
		source, err := compileTimeSource(n.Source)
		if err != nil {
			return built{}, err
		}
		return built{
			run: query.MinAge(source, n.MinAge),
			// Tick-relative, so it can never be statically resolved from
			// event fields alone; always conservatively Undefined.
			det: determinator.Const(determinator.Undefined),
		}, nil

	case "and":
		return c.buildCombinator(n.Nodes, query.Intersection, determinator.And)

	case "or":
		return c.buildCombinator(n.Nodes, query.Union, determinator.Or)

	case "not":
		if n.Node == nil {
			return built{}, fmt.Errorf("compiler: not: missing child node")
		}
		sub, err := c.buildNode(*n.Node)
		if err != nil {
			return built{}, err
		}
		return built{run: query.Complement(sub.run), det: determinator.Not(sub.det)}, nil

	case "first_of", "last_of":
		if n.Node == nil {
			return built{}, fmt.Errorf("compiler: %s: missing child node", n.Op)
		}
		source, err := compileTimeSource(n.Source)
		if err != nil {
			return built{}, err
		}
		sub, err := c.buildNode(*n.Node)
		if err != nil {
			return built{}, err
		}
		run := query.FirstOf(sub.run, source)
		if n.Op == "last_of" {
			run = query.LastOf(sub.run, source)
		}
		return built{run: run, det: sub.det}, nil

	case "unique_by":
		if n.Node == nil {
			return built{}, fmt.Errorf("compiler: unique_by: missing child node")
		}
		source, err := compileTimeSource(n.SortBy)
		if err != nil {
			return built{}, err
		}
		keep := query.KeepFirst
		if n.Keep == "last" {
			keep = query.KeepLast
		}
		field := n.Field
		sub, err := c.buildNode(*n.Node)
		if err != nil {
			return built{}, err
		}
		fieldFn := func(e *event.Event) string {
			if field == "host" {
				return e.Host
			}
			return e.GetAttribute(field)
		}
		return built{run: query.UniqueBy(sub.run, fieldFn, source, keep), det: sub.det}, nil

	case "is_trigger":
		if n.Node == nil {
			return built{}, fmt.Errorf("compiler: is_trigger: missing child node")
		}
		sub, err := c.buildNode(*n.Node)
		if err != nil {
			return built{}, err
		}
		return built{run: query.IsTrigger(sub.run), det: sub.det}, nil

	case "in_context":
		if n.Node == nil {
			return built{}, fmt.Errorf("compiler: in_context: missing child node")
		}
		sub, err := c.buildNode(*n.Node)
		if err != nil {
			return built{}, err
		}
		group, name := n.Group, n.Name
		inContextLeaf := determinator.Leaf("in_context", determinator.Const(determinator.Undefined))
		return built{
			run: query.InContext(sub.run, group, name),
			det: determinator.And(inContextLeaf, sub.det),
		}, nil

	case "match_query":
		// Named queries are compiled in document order, so a reference
		// can only resolve to a query already built; this rules out
		// cycles by construction rather than by an explicit check. The
		// referenced query's own closures are reused directly, rather
		// than routed through a name-indexed runtime lookup.
		key := n.Group + "::" + n.Name
		nq, ok := c.named[key]
		if !ok {
			return built{}, fmt.Errorf("compiler: match_query(%s,%s): named query not found or not yet defined", n.Group, n.Name)
		}
		return built{run: nq.run, det: nq.det}, nil

	default:
		return built{}, fmt.Errorf("compiler: unknown query op %q", n.Op)
	}
}

func (c *buildCtx) buildCombinator(nodes []NodeDoc, combineQuery func(...query.Func) query.Func, combineDet func(...determinator.Determinator) determinator.Determinator) (built, error) {
	if len(nodes) == 0 {
		return built{}, fmt.Errorf("compiler: combinator with no children")
	}
	runs := make([]query.Func, len(nodes))
	dets := make([]determinator.Determinator, len(nodes))
	for i, child := range nodes {
		b, err := c.buildNode(child)
		if err != nil {
			return built{}, err
		}
		runs[i] = b.run
		dets[i] = b.det
	}
	return built{run: combineQuery(runs...), det: combineDet(dets...)}, nil
}

func boolToDeterminatorValue(b bool) determinator.Value {
	if b {
		return determinator.True
	}
	return determinator.False
}
