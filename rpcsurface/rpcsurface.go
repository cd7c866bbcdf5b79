// Package rpcsurface implements the read-mostly introspection surface:
// GetStats, GetContent, ExecAction, and GetEvents. It is a thin read-only
// view over the kernel's owned state; the only write paths it exposes
// (reload_rules, clear_cache, delete_context) go through request flags or
// the deferred-delete queue the kernel already serializes through.
package rpcsurface

import (
	"fmt"
	"sort"

	"github.com/corrflow/engine/cache"
	"github.com/corrflow/engine/contexts"
	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/kernel"
	"github.com/corrflow/engine/rules"
)

// Stat is one (label, value) pair returned by GetStats.
type Stat struct {
	Label string
	Value string
}

// Page enumerates the GetContent pages.
type Page string

const (
	PageHome     Page = "home"
	PageMaster   Page = "master"
	PageCore     Page = "core"
	PageCache    Page = "cache"
	PageContexts Page = "contexts"
	PageRulebase Page = "rulebase"
)

// Action enumerates the ExecAction verbs.
type Action string

const (
	ActionShowEvent       Action = "show_event"
	ActionShowRuleTable   Action = "show_ruletable"
	ActionShowQueryTable  Action = "show_querytable"
	ActionShowRuleGroup   Action = "show_rulegroup"
	ActionShowRule        Action = "show_rule"
	ActionShowContext     Action = "show_context"
	ActionDeleteContext   Action = "delete_context"
	ActionReloadRules     Action = "reload_rules"
	ActionClearCache      Action = "clear_cache"
	ActionShowInputQueue  Action = "show_inputqueue"
	ActionShowOutputQueue Action = "show_outputqueue"
)

// QueueDepth is implemented by the bounded queues adapters.InputQueue and
// adapters.OutputQueue, kept as a narrow interface here so rpcsurface need
// not import adapters (avoiding an import cycle with cmd/corrflow wiring).
type QueueDepth interface {
	Len() int
	Cap() int
}

// Surface is the RPC/introspection facade. All methods are safe to call
// from any goroutine; write-flavored actions only set flags the kernel
// consults at its own step boundaries.
type Surface struct {
	Kernel   *kernel.Handler
	Cache    *cache.EventCache
	Contexts *contexts.Manager
	Rules    *rules.Manager
	Input    QueueDepth
	Outputs  map[string]QueueDepth
}

// GetStats returns the engine's counters as (label, value) pairs.
func (s *Surface) GetStats() []Stat {
	st := s.Kernel.Stats()
	out := []Stat{
		{"tick", fmt.Sprintf("%d", st.Tick)},
		{"processed", fmt.Sprintf("%d", st.Processed)},
		{"new_events", fmt.Sprintf("%d", st.NewEvents)},
		{"dropped", fmt.Sprintf("%d", st.Dropped)},
		{"delayed", fmt.Sprintf("%d", st.Delayed)},
		{"output_sent", fmt.Sprintf("%d", st.OutputSent)},
		{"cache_size", fmt.Sprintf("%d", st.Cache.Size)},
		{"cache_dropped", fmt.Sprintf("%d", st.Cache.DroppedEvents)},
		{"cache_compressed_new", fmt.Sprintf("%d", st.Cache.CompressedNew)},
		{"cache_compressed_removed", fmt.Sprintf("%d", st.Cache.CompressedRemoved)},
		{"contexts", fmt.Sprintf("%d", st.Contexts)},
		{"rules", fmt.Sprintf("%d", st.Rules)},
	}
	if s.Input != nil {
		out = append(out, Stat{"input_queue_depth", fmt.Sprintf("%d/%d", s.Input.Len(), s.Input.Cap())})
	}
	names := make([]string, 0, len(s.Outputs))
	for name := range s.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		q := s.Outputs[name]
		out = append(out, Stat{"output_queue_depth." + name, fmt.Sprintf("%d/%d", q.Len(), q.Cap())})
	}
	return out
}

// GetContent renders one introspection page as a list of (key, value)
// rows, the shape cmd/corrflow's table renderer consumes directly.
func (s *Surface) GetContent(page Page) ([]Stat, error) {
	switch page {
	case PageHome, PageMaster, PageCore:
		return s.GetStats(), nil
	case PageCache:
		return s.cacheContent(), nil
	case PageContexts:
		return s.contextsContent(), nil
	case PageRulebase:
		return s.rulebaseContent(), nil
	default:
		return nil, fmt.Errorf("rpcsurface: unknown page %q", page)
	}
}

func (s *Surface) cacheContent() []Stat {
	evs := s.Cache.Events()
	sort.Slice(evs, func(i, j int) bool { return evs[i].ID < evs[j].ID })
	out := make([]Stat, 0, len(evs))
	for _, e := range evs {
		out = append(out, Stat{e.ID, fmt.Sprintf("%s type=%s status=%s delay=%d cache=%d", e.Name, e.Type, e.Status, e.DelayTime, e.CacheTime)})
	}
	return out
}

func (s *Surface) contextsContent() []Stat {
	all := s.Contexts.All()
	sort.Slice(all, func(i, j int) bool {
		if all[i].Group != all[j].Group {
			return all[i].Group < all[j].Group
		}
		return all[i].Name < all[j].Name
	})
	out := make([]Stat, 0, len(all))
	for _, c := range all {
		out = append(out, Stat{c.Group + "/" + c.Name, fmt.Sprintf("timeout=%d counter=%d repeat=%t associated=%d", c.Timeout, c.Counter, c.Repeat, len(c.Associated))})
	}
	return out
}

func (s *Surface) rulebaseContent() []Stat {
	groups := s.Rules.Groups()
	names := make([]string, 0, len(groups))
	for n := range groups {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Stat, 0, len(names))
	for _, n := range names {
		g := groups[n]
		out = append(out, Stat{n, fmt.Sprintf("order=%d rules=%d hash=%s", g.Order, len(g.Rules), g.Hash)})
	}
	return out
}

// EventView is the field subset GetEvents exposes; lifecycle bookkeeping
// (delay/cache times, context holds, history) stays internal.
type EventView struct {
	ID          string
	Name        string
	Description string
	Type        string
	Status      string
	Host        string
	Creation    int64
	Arrival     int64
	Attributes  map[string]string
}

func toView(e *event.Event) EventView {
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return EventView{
		ID: e.ID, Name: e.Name, Description: e.Description,
		Type: string(e.Type), Status: string(e.Status), Host: e.Host,
		Creation: e.Creation, Arrival: e.Arrival, Attributes: attrs,
	}
}

// GetEvents returns the filtered view of every live event.
func (s *Surface) GetEvents() []EventView {
	evs := s.Cache.Events()
	out := make([]EventView, 0, len(evs))
	for _, e := range evs {
		out = append(out, toView(e))
	}
	return out
}

// ExecAction dispatches one introspection action. args is interpreted
// per-action: show_event wants an event id; show_rulegroup / show_rule /
// show_context / delete_context want group[,name].
func (s *Surface) ExecAction(action Action, args ...string) (any, error) {
	switch action {
	case ActionShowEvent:
		if len(args) != 1 {
			return nil, fmt.Errorf("rpcsurface: show_event requires an event id")
		}
		e, ok := s.Cache.GetEventByID(args[0])
		if !ok {
			return nil, fmt.Errorf("rpcsurface: no such event %q", args[0])
		}
		return toView(e), nil
	case ActionShowRuleTable:
		return s.Rules.RuleTable(), nil
	case ActionShowQueryTable:
		return s.Rules.QueryTable(), nil
	case ActionShowRuleGroup:
		if len(args) != 1 {
			return nil, fmt.Errorf("rpcsurface: show_rulegroup requires a group name")
		}
		g, ok := s.Rules.Group(args[0])
		if !ok {
			return nil, fmt.Errorf("rpcsurface: no such rule group %q", args[0])
		}
		return g, nil
	case ActionShowRule:
		if len(args) != 2 {
			return nil, fmt.Errorf("rpcsurface: show_rule requires group,name")
		}
		g, ok := s.Rules.Group(args[0])
		if !ok {
			return nil, fmt.Errorf("rpcsurface: no such rule group %q", args[0])
		}
		r, ok := g.Rules[args[1]]
		if !ok {
			return nil, fmt.Errorf("rpcsurface: no such rule %q in group %q", args[1], args[0])
		}
		return r, nil
	case ActionShowContext:
		if len(args) != 2 {
			return nil, fmt.Errorf("rpcsurface: show_context requires group,name")
		}
		c, ok := s.Contexts.Get(args[0], args[1])
		if !ok {
			return nil, fmt.Errorf("rpcsurface: no such context %s/%s", args[0], args[1])
		}
		return c, nil
	case ActionDeleteContext:
		if len(args) != 2 {
			return nil, fmt.Errorf("rpcsurface: delete_context requires group,name")
		}
		// Deferred: delete_context is invoked from an RPC goroutine, not
		// the kernel goroutine, so it must go through the one
		// lock-protected path.
		s.Contexts.TriggerDeleteContext(args[0], args[1])
		return nil, nil
	case ActionReloadRules:
		s.Kernel.RequestReload()
		return nil, nil
	case ActionClearCache:
		s.Kernel.RequestClearCache()
		return nil, nil
	case ActionShowInputQueue:
		if s.Input == nil {
			return nil, fmt.Errorf("rpcsurface: no input queue configured")
		}
		return Stat{"input", fmt.Sprintf("%d/%d", s.Input.Len(), s.Input.Cap())}, nil
	case ActionShowOutputQueue:
		if len(args) != 1 {
			return nil, fmt.Errorf("rpcsurface: show_outputqueue requires an output name")
		}
		q, ok := s.Outputs[args[0]]
		if !ok {
			return nil, fmt.Errorf("rpcsurface: no such output %q", args[0])
		}
		return Stat{args[0], fmt.Sprintf("%d/%d", q.Len(), q.Cap())}, nil
	default:
		return nil, fmt.Errorf("rpcsurface: unknown action %q", action)
	}
}
