package compiler

import (
	"testing"
	"time"

	"github.com/corrflow/engine/determinator"
	"github.com/corrflow/engine/event"
	"github.com/stretchr/testify/require"
)

func noClasses(string) []string { return nil }

const simpleGroupYAML = `
group:
  name: g1
  order: 1
  rules:
    - name: r1
      order: 1
      when:
        event:
          alarm: ["any"]
      condition:
        op: event_host
        host: web1
      actions:
        - op: drop
`

func TestCompileGroup_ParsesTriggerConditionAndActions(t *testing.T) {
	group, qdets, queryNames, err := CompileGroup([]byte(simpleGroupYAML), noClasses)
	require.NoError(t, err)
	require.Empty(t, qdets)
	require.Empty(t, queryNames)

	require.Equal(t, "g1", group.Name)
	r, ok := group.Rules["r1"]
	require.True(t, ok)
	require.True(t, r.Trigger.NameAny["alarm"])
	require.NotNil(t, r.Condition)
	require.Len(t, r.Actions, 1)
}

func TestCompileGroup_MissingNameIsAnError(t *testing.T) {
	_, _, _, err := CompileGroup([]byte(`group: {rules: []}`), noClasses)
	require.Error(t, err)
}

func TestCompileGroup_AccumulatesMultipleErrorsInOnePass(t *testing.T) {
	bad := `
group:
  name: g1
  rules:
    - name: r1
      order: 1
      when: {}
      condition:
        op: event_status
        status: not-a-real-status
    - name: r2
      order: 1
      when: {}
`
	_, _, _, err := CompileGroup([]byte(bad), noClasses)
	require.Error(t, err)
	el, ok := err.(*ErrorList)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(el.Errors()), 2, "both the bad status and the duplicate order must be reported together")
}

// An event_query with no max_age has no inferable lifetime and must be
// rejected unless its determinator proves the query never retains.
func TestCompileGroup_QueryWithoutMaxAgeIsAnError(t *testing.T) {
	noMaxAge := `
group:
  name: g1
  rules:
    - name: r1
      order: 1
      when:
        any: ["any"]
      event_queries:
        - name: q1
          delay: true
          time_source: creation
          query:
            op: event_name
            name: alarm
`
	_, _, _, err := CompileGroup([]byte(noMaxAge), noClasses)
	require.Error(t, err)
	require.Contains(t, err.Error(), "lifetime cannot be inferred")
}

func TestCompileGroup_DuplicateRuleNameIsAnError(t *testing.T) {
	bad := `
group:
  name: g1
  rules:
    - name: r1
      order: 1
      when: {}
    - name: r1
      order: 2
      when: {}
`
	_, _, _, err := CompileGroup([]byte(bad), noClasses)
	require.Error(t, err)
}

// The group hash only changes when a group's content changes, not its
// source text's incidental formatting (whitespace/comments), since
// yaml.v3 re-marshals the parsed structure before hashing.
func TestGroupHash_StableAcrossReformatting(t *testing.T) {
	compact := []byte("group:\n  name: g1\n  rules: []\n")
	reformatted := []byte("group:\n  name:    g1   # a comment\n  rules: []\n")

	g1, _, _, err := CompileGroup(compact, noClasses)
	require.NoError(t, err)
	g2, _, _, err := CompileGroup(reformatted, noClasses)
	require.NoError(t, err)

	require.Equal(t, g1.Hash, g2.Hash, "reformatting without content changes must not change the hash")
}

func TestGroupHash_ChangesWithContent(t *testing.T) {
	a := []byte("group:\n  name: g1\n  rules: []\n")
	b := []byte("group:\n  name: g1\n  order: 5\n  rules: []\n")

	g1, _, _, err := CompileGroup(a, noClasses)
	require.NoError(t, err)
	g2, _, _, err := CompileGroup(b, noClasses)
	require.NoError(t, err)

	require.NotEqual(t, g1.Hash, g2.Hash)
}

func TestCompileClasses(t *testing.T) {
	doc := `
classes:
  - name: alarm
    events: [fire, smoke]
  - name: network
    events: [link_down]
`
	classes, err := CompileClasses([]byte(doc))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"fire", "smoke"}, classes["alarm"])
	require.ElementsMatch(t, []string{"link_down"}, classes["network"])
}

func TestBuildNode_EventNameDeterminatorTracksProbedEvent(t *testing.T) {
	ctx := newBuildCtx(noClasses, &ErrorList{})
	b, err := ctx.buildNode(NodeDoc{Op: "event_name", Name: "X"})
	require.NoError(t, err)
	require.True(t, ctx.queryNames["X"], "event_name leaves register into queryNames")

	e, err := event.New(event.Params{Name: "X", Host: "h"}, time.Unix(1, 0))
	require.NoError(t, err)
	require.Equal(t, determinator.True, b.det(determinator.Probe{Event: e}))

	other, err := event.New(event.Params{Name: "Y", Host: "h"}, time.Unix(1, 0))
	require.NoError(t, err)
	require.Equal(t, determinator.False, b.det(determinator.Probe{Event: other}))

	require.Equal(t, determinator.Undefined, b.det(determinator.Probe{}), "no probed event: undefined")
}

func TestBuildNode_AndOrComposeDeterminators(t *testing.T) {
	ctx := newBuildCtx(noClasses, &ErrorList{})
	and, err := ctx.buildNode(NodeDoc{Op: "and", Nodes: []NodeDoc{
		{Op: "event_name", Name: "X"},
		{Op: "event_host", Host: "web1"},
	}})
	require.NoError(t, err)

	e, err := event.New(event.Params{Name: "X", Host: "web1"}, time.Unix(1, 0))
	require.NoError(t, err)
	require.Equal(t, determinator.True, and.det(determinator.Probe{Event: e}))

	mismatch, err := event.New(event.Params{Name: "X", Host: "web2"}, time.Unix(1, 0))
	require.NoError(t, err)
	require.Equal(t, determinator.False, and.det(determinator.Probe{Event: mismatch}))
}

func TestBuildNode_UnknownOpIsAnError(t *testing.T) {
	ctx := newBuildCtx(noClasses, &ErrorList{})
	_, err := ctx.buildNode(NodeDoc{Op: "not_a_real_op"})
	require.Error(t, err)
}

func TestBuildNode_MatchQueryResolvesNamedQueriesInDocumentOrder(t *testing.T) {
	group, qdets, _, err := CompileGroup([]byte(`
group:
  name: g1
  rules:
    - name: r1
      order: 1
      when: {}
      event_queries:
        - name: q1
          max_age: 10
          query:
            op: event_name
            name: X
    - name: r2
      order: 2
      when: {}
      condition:
        op: match_query
        group: g1
        name: q1
`), noClasses)
	require.NoError(t, err)
	require.NotNil(t, group)
	require.Len(t, qdets, 1)
	require.NotNil(t, group.Rules["r2"].Condition, "match_query must resolve the earlier-defined named query")
}

func TestBuildNode_MatchQueryUnknownNameIsAnError(t *testing.T) {
	_, _, _, err := CompileGroup([]byte(`
group:
  name: g1
  rules:
    - name: r1
      order: 1
      when: {}
      condition:
        op: match_query
        group: g1
        name: does-not-exist
`), noClasses)
	require.Error(t, err)
}
