package compiler

import (
	"fmt"
	"regexp"

	"github.com/corrflow/engine/query"
)

func compileCounterOp(name string) (query.CounterOp, error) {
	switch name {
	case "eq", "":
		return query.CounterEq, nil
	case "ge":
		return query.CounterGe, nil
	case "le":
		return query.CounterLe, nil
	default:
		return "", fmt.Errorf("compiler: unknown counter op %q", name)
	}
}

func compileMatchMode(name string) (query.MatchMode, error) {
	switch name {
	case "all", "":
		return query.MatchAll, nil
	case "any":
		return query.MatchAny, nil
	default:
		return "", fmt.Errorf("compiler: unknown match mode %q", name)
	}
}

// buildCondition compiles a condition-shaped NodeDoc.
func (c *buildCtx) buildCondition(n NodeDoc) (query.Condition, error) {
	switch n.Op {
	case "and":
		if len(n.Nodes) == 0 {
			return nil, fmt.Errorf("compiler: and: no children")
		}
		conds := make([]query.Condition, len(n.Nodes))
		for i, child := range n.Nodes {
			cond, err := c.buildCondition(child)
			if err != nil {
				return nil, err
			}
			conds[i] = cond
		}
		return query.And(conds...), nil

	case "or":
		if len(n.Nodes) == 0 {
			return nil, fmt.Errorf("compiler: or: no children")
		}
		conds := make([]query.Condition, len(n.Nodes))
		for i, child := range n.Nodes {
			cond, err := c.buildCondition(child)
			if err != nil {
				return nil, err
			}
			conds[i] = cond
		}
		return query.Or(conds...), nil

	case "not":
		if n.Node == nil {
			return nil, fmt.Errorf("compiler: not: missing child")
		}
		cond, err := c.buildCondition(*n.Node)
		if err != nil {
			return nil, err
		}
		return query.NotCond(cond), nil

	case "trigger_match":
		if len(n.Nodes) == 0 {
			return nil, fmt.Errorf("compiler: trigger_match: no children")
		}
		conds := make([]query.Condition, len(n.Nodes))
		for i, child := range n.Nodes {
			b, err := c.buildNode(child)
			if err != nil {
				return nil, fmt.Errorf("compiler: trigger_match: %w", err)
			}
			q := b.run
			conds[i] = func(b query.Bundle) (bool, error) {
				if b.Trigger == nil {
					return false, nil
				}
				result, err := q(b)
				if err != nil {
					return false, err
				}
				for _, e := range result {
					if e.ID == b.Trigger.ID {
						return true, nil
					}
				}
				return false, nil
			}
		}
		return query.TriggerMatch(query.And(conds...)), nil

	case "context_exists":
		return query.ContextExists(n.Group, n.Name), nil

	case "context_counter":
		op, err := compileCounterOp(n.CounterOp)
		if err != nil {
			return nil, err
		}
		value := 0
		if n.Counter != nil {
			value = *n.Counter
		}
		return query.ContextCounter(n.Group, n.Name, op, value), nil

	case "count":
		if n.Node == nil {
			return nil, fmt.Errorf("compiler: count: missing query node")
		}
		op, err := compileParseOp(n.Cmp)
		if err != nil {
			return nil, err
		}
		b, err := c.buildNode(*n.Node)
		if err != nil {
			return nil, err
		}
		return query.Count(n.Threshold, op, b.run), nil

	case "sequence":
		source, err := compileTimeSource(n.SortBy)
		if err != nil {
			return nil, err
		}
		match, err := compileMatchMode(n.Match)
		if err != nil {
			return nil, err
		}
		runs := make([]query.Func, len(n.Queries))
		for i, child := range n.Queries {
			b, err := c.buildNode(child)
			if err != nil {
				return nil, err
			}
			runs[i] = b.run
		}
		return query.Sequence(source, match, runs...), nil

	case "within":
		source, err := compileTimeSource(n.Source)
		if err != nil {
			return nil, err
		}
		match, err := compileMatchMode(n.Match)
		if err != nil {
			return nil, err
		}
		runs := make([]query.Func, len(n.Queries))
		for i, child := range n.Queries {
			b, err := c.buildNode(child)
			if err != nil {
				return nil, err
			}
			runs[i] = b.run
		}
		return query.Within(n.Timeframe, source, match, runs...), nil

	case "pattern":
		source, err := compileTimeSource(n.SortBy)
		if err != nil {
			return nil, err
		}
		symbols := make([]query.Symbol, len(n.Symbols))
		for i, s := range n.Symbols {
			if len(s.Letter) != 1 {
				return nil, fmt.Errorf("compiler: pattern: symbol letter %q must be one character", s.Letter)
			}
			b, err := c.buildNode(s.Query)
			if err != nil {
				return nil, err
			}
			symbols[i] = query.Symbol{Letter: s.Letter[0], Query: b.run}
		}
		re, err := regexp.Compile(n.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiler: pattern: %w", err)
		}
		return query.Pattern(query.Alphabet(source, symbols), re), nil

	case "condition_plugin":
		// Plugins are resolved by the embedding application; an
		// unresolved plugin evaluates to false rather than failing the
		// rule.
		return func(query.Bundle) (bool, error) { return false, nil }, nil

	default:
		// Fall back to treating any query-shaped op as "non-empty result".
		b, err := c.buildNode(n)
		if err != nil {
			return nil, fmt.Errorf("compiler: unknown condition op %q: %w", n.Op, err)
		}
		run := b.run
		return func(bundle query.Bundle) (bool, error) {
			result, err := run(bundle)
			if err != nil {
				return false, err
			}
			return len(result) > 0, nil
		}, nil
	}
}
