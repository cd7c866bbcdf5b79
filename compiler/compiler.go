package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/corrflow/engine/determinator"
	"github.com/corrflow/engine/rules"
	"gopkg.in/yaml.v3"
)

// groupHash returns the stable content hash RuleGroup uses to detect
// unchanged groups across reload. YAML documents are first re-marshaled
// so insignificant whitespace/comment differences in the source text do
// not change the hash.
func groupHash(g GroupDoc) (string, error) {
	canon, err := yaml.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("compiler: hash: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// CompileGroup parses and compiles one rule-group YAML document, returning
// the RuleGroup plus its query descriptors and the literal event
// names/classes referenced by event_name/event_class leaves.
func CompileGroup(text []byte, classOf func(name string) []string) (*rules.RuleGroup, []*rules.QueryDescriptor, map[string]bool, error) {
	var doc Document
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, nil, nil, fmt.Errorf("compiler: parse: %w", err)
	}
	if doc.Group.Name == "" {
		return nil, nil, nil, fmt.Errorf("compiler: rule group missing name")
	}

	hash, err := groupHash(doc.Group)
	if err != nil {
		return nil, nil, nil, err
	}

	errs := &ErrorList{}
	ctx := newBuildCtx(classOf, errs)
	group := &rules.RuleGroup{
		Name: doc.Group.Name, Description: doc.Group.Description,
		Order: doc.Group.Order, Hash: hash, Rules: map[string]*rules.Rule{},
	}

	seenOrders := map[int]string{}
	var allQDets []*rules.QueryDescriptor

	for _, rd := range doc.Group.Rules {
		if rd.Name == "" {
			errs.Addf("compiler: group %s: rule with no name", doc.Group.Name)
			continue
		}
		if prior, dup := seenOrders[rd.Order]; dup {
			errs.Addf("compiler: group %s: rules %q and %q share order %d", doc.Group.Name, prior, rd.Name, rd.Order)
		}
		seenOrders[rd.Order] = rd.Name
		if _, dup := group.Rules[rd.Name]; dup {
			errs.Addf("compiler: group %s: duplicate rule name %q", doc.Group.Name, rd.Name)
			continue
		}

		rule := &rules.Rule{
			Group: doc.Group.Name, Name: rd.Name, Description: rd.Description,
			Order: rd.Order, Trigger: buildTrigger(rd.When, errs),
		}

		for _, qd := range rd.Queries {
			built, err := ctx.buildNode(qd.Query)
			if err != nil {
				errs.Addf("compiler: group %s rule %s: event_query %s: %v", doc.Group.Name, rd.Name, qd.Name, err)
				continue
			}
			source, err := compileTimeSource(qd.TimeSource)
			if err != nil {
				errs.Addf("compiler: group %s rule %s: event_query %s: %v", doc.Group.Name, rd.Name, qd.Name, err)
				continue
			}
			if qd.MaxAge <= 0 {
				// Without a max_age the query's retention cannot be
				// bounded; it is only acceptable if the determinator
				// proves the query can never retain an event.
				probe := determinator.Probe{Default: determinator.Undefined}
				if built.det(probe) != determinator.False {
					errs.Addf("compiler: group %s rule %s: event_query %s: no max_age and lifetime cannot be inferred", doc.Group.Name, rd.Name, qd.Name)
					continue
				}
			}
			desc := &rules.QueryDescriptor{
				Name: qd.Name, Rule: rule, MaxAge: qd.MaxAge, Delay: qd.Delay,
				TimeSource: source, Run: built.run, Determinize: built.det,
			}
			allQDets = append(allQDets, desc)
			if qd.Name != "" {
				key := doc.Group.Name + "::" + qd.Name
				ctx.named[key] = namedQuery{run: built.run, det: built.det}
			}
		}

		if rd.Condition != nil {
			cond, err := ctx.buildCondition(*rd.Condition)
			if err != nil {
				errs.Addf("compiler: group %s rule %s: condition: %v", doc.Group.Name, rd.Name, err)
			} else {
				rule.Condition = cond
			}
		}

		for _, a := range rd.Actions {
			action, err := ctx.buildAction(a)
			if err != nil {
				errs.Addf("compiler: group %s rule %s: action: %v", doc.Group.Name, rd.Name, err)
				continue
			}
			rule.Actions = append(rule.Actions, action)
		}
		for _, a := range rd.Alternative {
			action, err := ctx.buildAction(a)
			if err != nil {
				errs.Addf("compiler: group %s rule %s: alternative action: %v", doc.Group.Name, rd.Name, err)
				continue
			}
			rule.Alternative = append(rule.Alternative, action)
		}

		group.Rules[rd.Name] = rule
	}

	if errs.HasErrors() {
		return nil, nil, nil, errs
	}
	return group, allQDets, ctx.queryNames, nil
}

// CompileClasses parses a class-list document into the class->names
// mapping rules.Manager.Load expects.
func CompileClasses(text []byte) (map[string][]string, error) {
	var doc ClassDocument
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, fmt.Errorf("compiler: classes: %w", err)
	}
	out := make(map[string][]string, len(doc.Classes))
	for _, c := range doc.Classes {
		out[c.Name] = append(out[c.Name], c.Events...)
	}
	return out, nil
}

// MonotoneIncrease re-exports the determinator-law check for callers
// that verify the composition law without importing determinator
// directly.
func MonotoneIncrease(before, after determinator.Value) bool {
	return determinator.MonotoneIncrease(before, after)
}
