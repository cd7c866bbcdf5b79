package compiler

import (
	"fmt"
	"time"

	"github.com/corrflow/engine/contexts"
	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/rules"
)

func compileAttrOp(name string) event.AttrOp {
	switch name {
	case "inc":
		return event.AttrInc
	case "dec":
		return event.AttrDec
	default:
		return event.AttrSet
	}
}

func compileRefKind(name string) event.ReferenceKind {
	switch name {
	case "parent":
		return event.RefParent
	case "cross":
		return event.RefCross
	default:
		return event.RefChild
	}
}

func compileInject(name string) bool {
	return name == "output"
}

// selectTarget resolves the action's operand set: the query node's
// result set if one is given, else the singleton trigger.
func (c *buildCtx) selectTarget(n *NodeDoc) (func(b *rules.ActionBundle) ([]*event.Event, error), error) {
	if n == nil {
		return func(b *rules.ActionBundle) ([]*event.Event, error) {
			if b.Trigger == nil {
				return nil, nil
			}
			return []*event.Event{b.Trigger}, nil
		}, nil
	}
	built, err := c.buildNode(*n)
	if err != nil {
		return nil, err
	}
	run := built.run
	return func(b *rules.ActionBundle) ([]*event.Event, error) {
		return run(b.Bundle)
	}, nil
}

// buildAction compiles an action-shaped NodeDoc into a rules.Action.
func (c *buildCtx) buildAction(n NodeDoc) (rules.Action, error) {
	switch n.Op {
	case "drop":
		target, err := c.selectTarget(n.Node)
		if err != nil {
			return nil, err
		}
		return func(b *rules.ActionBundle) error {
			events, err := target(b)
			if err != nil {
				return err
			}
			for _, e := range events {
				b.Cache.DropEvent(e)
			}
			return nil
		}, nil

	case "forward":
		target, err := c.selectTarget(n.Node)
		if err != nil {
			return nil, err
		}
		return func(b *rules.ActionBundle) error {
			events, err := target(b)
			if err != nil {
				return err
			}
			for _, e := range b.Cache.ForwardEvents(events) {
				b.Inject(e.Clone(), true)
			}
			return nil
		}, nil

	case "compress":
		target, err := c.selectTarget(n.Node)
		if err != nil {
			return nil, err
		}
		return func(b *rules.ActionBundle) error {
			events, err := target(b)
			if err != nil {
				return err
			}
			now := time.Unix(b.Now(), 0)
			synthesized, err := b.Cache.CompressEvents(events, now)
			if err != nil {
				return fmt.Errorf("compress: %w", err)
			}
			for _, e := range synthesized {
				b.Inject(e, false)
			}
			return nil
		}, nil

	case "aggregate", "create":
		eventType := event.TypeAggregated
		if n.Op == "create" {
			eventType = event.TypeSynthetic
		}
		if n.EventType != "" {
			if t, ok := parseEventType(n.EventType); ok {
				eventType = t
			}
		}
		aggregate := n.Op == "aggregate"
		var target func(b *rules.ActionBundle) ([]*event.Event, error)
		if aggregate {
			var err error
			target, err = c.selectTarget(n.Node)
			if err != nil {
				return nil, err
			}
		}
		name, host, desc, inject := n.Name, n.Host, n.Description, compileInject(n.Inject)
		local := n.Local != nil && *n.Local
		return func(b *rules.ActionBundle) error {
			host := host
			if host == "" && b.Trigger != nil {
				host = b.Trigger.Host
			}
			e, err := event.New(event.Params{
				Name: name, Host: host, Description: desc,
				Type: eventType, HasType: true,
				Local: local,
			}, time.Unix(b.Now(), 0))
			if err != nil {
				return fmt.Errorf("%s: %w", n.Op, err)
			}
			if aggregate {
				originals, err := target(b)
				if err != nil {
					return err
				}
				// The aggregate references its originals as children;
				// each original gets a parent back-link.
				for _, o := range originals {
					e.AddReference(event.RefChild, o.ID)
					o.AddReference(event.RefParent, e.ID)
					b.MarkModified(o)
				}
			} else if b.Trigger != nil {
				e.AddReference(event.RefParent, b.Trigger.ID)
			}
			b.Inject(e, inject)
			return nil
		}, nil

	case "modify":
		target, err := c.selectTarget(n.Node)
		if err != nil {
			return nil, err
		}
		status, local, reason := n.Status, n.Local, n.Reason
		return func(b *rules.ActionBundle) error {
			events, err := target(b)
			if err != nil {
				return err
			}
			for _, e := range events {
				var fields []string
				if status != "" {
					newStatus := event.Status(status)
					if newStatus != e.Status {
						e.Status = newStatus
						fields = append(fields, "status")
					}
				}
				if local != nil && *local != e.Local {
					e.Local = *local
					fields = append(fields, "local")
				}
				if len(fields) == 0 {
					continue
				}
				e.AppendHistory(event.HistoryEntry{
					RuleGroup: b.RuleGroup, RuleName: b.RuleName,
					Host: e.Host, Tick: b.Tick, Fields: fields, Reason: reason,
				})
				b.MarkModified(e)
			}
			return nil
		}, nil

	case "modify_attribute":
		target, err := c.selectTarget(n.Node)
		if err != nil {
			return nil, err
		}
		key, value, op, reason := n.Name, n.Value, compileAttrOp(n.AttrOp), n.Reason
		return func(b *rules.ActionBundle) error {
			events, err := target(b)
			if err != nil {
				return err
			}
			for _, e := range events {
				if err := e.SetAttribute(key, value, op); err != nil {
					return fmt.Errorf("modify_attribute: %w", err)
				}
				e.AppendHistory(event.HistoryEntry{
					RuleGroup: b.RuleGroup, RuleName: b.RuleName,
					Host: e.Host, Tick: b.Tick, Fields: []string{key}, Reason: reason,
				})
				b.MarkModified(e)
			}
			return nil
		}, nil

	case "suppress":
		// Operates on the selected events directly; the separate
		// "responsible" query names the events that get attached as
		// parent references.
		target, err := c.selectTarget(n.Node)
		if err != nil {
			return nil, err
		}
		responsible := func(b *rules.ActionBundle) ([]*event.Event, error) { return nil, nil }
		if n.Responsible != nil {
			responsible, err = c.selectTarget(n.Responsible)
			if err != nil {
				return nil, err
			}
		}
		reason := n.Reason
		return func(b *rules.ActionBundle) error {
			events, err := target(b)
			if err != nil {
				return err
			}
			responsibleEvents, err := responsible(b)
			if err != nil {
				return err
			}
			for _, e := range events {
				if !e.IsActive() {
					continue
				}
				e.Status = event.StatusInactive
				e.AppendHistory(event.HistoryEntry{
					RuleGroup: b.RuleGroup, RuleName: b.RuleName,
					Host: e.Host, Tick: b.Tick, Fields: []string{"status"}, Reason: reason,
				})
				for _, r := range responsibleEvents {
					e.AddReference(event.RefParent, r.ID)
				}
				b.MarkModified(e)
			}
			return nil
		}, nil

	case "associate_with_context":
		target, err := c.selectTarget(n.Node)
		if err != nil {
			return nil, err
		}
		group, name := n.Group, n.Name
		return func(b *rules.ActionBundle) error {
			events, err := target(b)
			if err != nil {
				return err
			}
			b.Contexts.AssociateEventsWithContext(group, name, events)
			return nil
		}, nil

	case "add_references":
		target, err := c.selectTarget(n.Node)
		if err != nil {
			return nil, err
		}
		kind, reason := compileRefKind(n.RefKind), n.Reason
		return func(b *rules.ActionBundle) error {
			events, err := target(b)
			if err != nil {
				return err
			}
			if b.Trigger == nil {
				return nil
			}
			for _, e := range events {
				e.AddReference(kind, b.Trigger.ID)
				e.AppendHistory(event.HistoryEntry{
					RuleGroup: b.RuleGroup, RuleName: b.RuleName,
					Host: e.Host, Tick: b.Tick, Fields: []string{"references"}, Reason: reason,
				})
			}
			return nil
		}, nil

	case "create_context":
		group, name := n.Group, n.Name
		timeout, counter, repeat, delayAssoc := n.Timeout, n.CounterInit, n.Repeat, n.DelayAssociated
		var template *contexts.TimeoutTemplate
		if n.Template != nil {
			template = &contexts.TimeoutTemplate{
				Name: n.Template.Name, Host: n.Template.Host,
				Description: n.Template.Description, InjectInput: n.Template.Inject != "output",
			}
		}
		return func(b *rules.ActionBundle) error {
			ref := event.RuleRef{Group: b.RuleGroup, Name: b.RuleName}
			b.Contexts.CreateContext(group, name, ref, b.Tick, template, timeout, counter, repeat, delayAssoc)
			return nil
		}, nil

	case "delete_context":
		group, name := n.Group, n.Name
		return func(b *rules.ActionBundle) error {
			b.Contexts.DeleteContext(group, name)
			return nil
		}, nil

	case "modify_context":
		group, name := n.Group, n.Name
		resetTimer, resetAssociated, counterOp, counterValue := n.ResetTimer, n.ResetAssociated, n.CounterOp, n.NewCounterValue
		return func(b *rules.ActionBundle) error {
			return b.Contexts.ModifyContext(group, name, b.Tick, resetTimer, resetAssociated, counterOp, counterValue)
		}, nil

	case "action_plugin":
		name := n.Plugin
		return func(b *rules.ActionBundle) error {
			b.Log.Warn().Str("plugin", name).Msg("action plugin not available, treated as no-op")
			return nil
		}, nil

	default:
		return nil, fmt.Errorf("compiler: unknown action op %q", n.Op)
	}
}
