// Package compiler parses a declarative YAML rule document into
// composable evaluation closures — queries, conditions, actions — plus
// the determinator shadow tree used for static lifetime analysis.
package compiler

// Document is the top-level unit the parser accepts: exactly one rule
// group per document.
type Document struct {
	Group GroupDoc `yaml:"group"`
}

// GroupDoc is the YAML shape of a rule group.
type GroupDoc struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Order       int       `yaml:"order"`
	Rules       []RuleDoc `yaml:"rules"`
}

// RuleDoc is the YAML shape of a single rule.
type RuleDoc struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Order       int        `yaml:"order"`
	When        WhenDoc    `yaml:"when"`
	Queries     []QueryDoc `yaml:"event_queries,omitempty"`
	Condition   *NodeDoc   `yaml:"condition,omitempty"`
	Actions     []NodeDoc  `yaml:"actions,omitempty"`
	Alternative []NodeDoc  `yaml:"alternative,omitempty"`
}

// WhenDoc is the trigger specification. Each value list may contain
// "any" plus zero or more of
// {raw,compressed,aggregated,synthetic,timeout,internal}.
type WhenDoc struct {
	Any   []string            `yaml:"any,omitempty"`
	Class map[string][]string `yaml:"class,omitempty"`
	Event map[string][]string `yaml:"event,omitempty"`
}

// QueryDoc is one event_query element.
type QueryDoc struct {
	Name       string  `yaml:"name,omitempty"`
	MaxAge     int64   `yaml:"max_age"`
	Delay      bool    `yaml:"delay"`
	TimeSource string  `yaml:"time_source"` // "creation" | "arrival"
	Query      NodeDoc `yaml:"query"`
}

// SymbolDoc is one alphabet letter->query pairing.
type SymbolDoc struct {
	Letter string  `yaml:"letter"`
	Query  NodeDoc `yaml:"query"`
}

// NodeDoc is the generic recursive node for queries, conditions, and
// actions: a tagged union keyed by Op, with the fields relevant to that
// op populated and the rest left zero. One flat shape rather than one Go
// type per op: every primitive is "one element, op-specific attributes."
type NodeDoc struct {
	Op string `yaml:"op"`

	// Leaf predicate fields.
	Name      string `yaml:"name,omitempty"`
	Class     string `yaml:"class,omitempty"`
	EventType string `yaml:"type,omitempty"`
	Status    string `yaml:"status,omitempty"`
	Host      string `yaml:"host,omitempty"`
	Attribute string `yaml:"attribute,omitempty"`
	Cmp       string `yaml:"cmp,omitempty"` // eq|ge|le|re
	Value     string `yaml:"value,omitempty"`
	MinAge    int64  `yaml:"min_age,omitempty"`
	Source    string `yaml:"time_source,omitempty"` // creation|arrival

	// Composite / combinator fields.
	Nodes []NodeDoc `yaml:"nodes,omitempty"` // and/or children
	Node  *NodeDoc  `yaml:"node,omitempty"`  // not/first_of/last_of/is_trigger/in_context child

	// Context fields.
	Group string `yaml:"group,omitempty"`

	// Retention metadata. The compiler does not read it: an event_query's
	// max_age comes from QueryDoc.MaxAge, and min_age() reads MinAge.
	MaxAge int64 `yaml:"max_age,omitempty"`

	// Sequence / within / pattern fields.
	Queries   []NodeDoc   `yaml:"queries,omitempty"`
	Match     string      `yaml:"match,omitempty"` // any|all
	Timeframe int64       `yaml:"timeframe,omitempty"`
	Symbols   []SymbolDoc `yaml:"symbols,omitempty"`
	Regex     string      `yaml:"regex,omitempty"`

	// Condition-only fields.
	Threshold int    `yaml:"threshold,omitempty"`
	Counter   *int   `yaml:"counter,omitempty"`
	CounterOp string `yaml:"counter_op,omitempty"`

	// UniqueBy fields.
	Field string `yaml:"field,omitempty"`
	Keep  string `yaml:"keep,omitempty"`
	SortBy string `yaml:"sort_by,omitempty"`

	// Action fields.
	Description     string            `yaml:"description,omitempty"`
	Local           *bool             `yaml:"local,omitempty"` // nil: unset/default false for create; unset/unchanged for modify
	Reason          string            `yaml:"reason,omitempty"`
	RefKind         string            `yaml:"ref_kind,omitempty"`
	Inject          string            `yaml:"inject,omitempty"` // input|output
	AttrOp          string            `yaml:"attr_op,omitempty"`
	Timeout         int64             `yaml:"timeout,omitempty"`
	CounterInit     int               `yaml:"counter_init,omitempty"`
	Repeat          bool              `yaml:"repeat,omitempty"`
	DelayAssociated bool              `yaml:"delay_associated,omitempty"`
	Template        *TimeoutDoc       `yaml:"template,omitempty"`
	ResetTimer      bool              `yaml:"reset_timer,omitempty"`
	ResetAssociated bool              `yaml:"reset_associated,omitempty"`
	NewCounterValue *int              `yaml:"counter_value,omitempty"`
	Plugin          string            `yaml:"plugin,omitempty"`
	Params          map[string]string `yaml:"params,omitempty"`

	// Responsible is suppress's second query operand: the events the
	// suppressed ones get a parent reference to.
	Responsible *NodeDoc `yaml:"responsible,omitempty"`
}

// TimeoutDoc is a create_context action's optional timeout-event template.
type TimeoutDoc struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Description string `yaml:"description"`
	Inject      string `yaml:"inject"` // input|output
}

// ClassDocument is the class-list document.
type ClassDocument struct {
	Classes []ClassDoc `yaml:"classes"`
}

// ClassDoc maps one class name to its member event names.
type ClassDoc struct {
	Name   string   `yaml:"name"`
	Events []string `yaml:"events"`
}
