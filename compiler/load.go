package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/corrflow/engine/rules"
)

// LoadRuleSet reads every rule-group document matched by ruleGlob (one
// group per file) plus the optional class-list document at classPath,
// and assembles a rules.BuildInput ready for rules.Manager.Load/Reload.
// classPath == "" skips class-table loading.
//
// Duplicate group names/orders across files are compile errors,
// accumulated rather than raised on the first failure.
func LoadRuleSet(ruleGlob, classPath string) (rules.BuildInput, error) {
	paths, err := filepath.Glob(ruleGlob)
	if err != nil {
		return rules.BuildInput{}, fmt.Errorf("compiler: glob %q: %w", ruleGlob, err)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return rules.BuildInput{}, fmt.Errorf("compiler: no rule files matched %q", ruleGlob)
	}

	var classes map[string][]string
	if classPath != "" {
		data, err := os.ReadFile(classPath)
		if err != nil {
			return rules.BuildInput{}, fmt.Errorf("compiler: read class file: %w", err)
		}
		classes, err = CompileClasses(data)
		if err != nil {
			return rules.BuildInput{}, err
		}
	}
	classOf := func(name string) []string { return classes[name] }

	errs := &ErrorList{}
	groups := map[string]*rules.RuleGroup{}
	seenOrders := map[int]string{}
	var allQDets []*rules.QueryDescriptor
	queryNames := map[string]bool{}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			errs.Addf("compiler: read %s: %w", p, err)
			continue
		}
		group, qdets, names, err := CompileGroup(data, classOf)
		if err != nil {
			errs.Addf("compiler: %s: %w", p, err)
			continue
		}
		if prior, dup := seenOrders[group.Order]; dup {
			errs.Addf("compiler: groups %q and %q (%s) share order %d", prior, group.Name, p, group.Order)
		}
		seenOrders[group.Order] = group.Name
		if _, dup := groups[group.Name]; dup {
			errs.Addf("compiler: duplicate group name %q (%s)", group.Name, p)
			continue
		}
		groups[group.Name] = group
		allQDets = append(allQDets, qdets...)
		for n := range names {
			queryNames[n] = true
		}
	}

	if errs.HasErrors() {
		return rules.BuildInput{}, errs
	}

	return rules.BuildInput{
		Groups:       groups,
		EventClasses: classes,
		QueryDets:    allQDets,
		QueryNames:   queryNames,
	}, nil
}
