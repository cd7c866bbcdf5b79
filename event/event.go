// Package event defines the Event type: an immutable-identity record with
// mutable lifecycle fields that flows through the correlation kernel.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the legal event types.
type Type string

const (
	TypeRaw        Type = "raw"
	TypeCompressed Type = "compressed"
	TypeAggregated Type = "aggregated"
	TypeSynthetic  Type = "synthetic"
	TypeTimeout    Type = "timeout"
	TypeInternal   Type = "internal"
)

func (t Type) valid() bool {
	switch t {
	case TypeRaw, TypeCompressed, TypeAggregated, TypeSynthetic, TypeTimeout, TypeInternal:
		return true
	}
	return false
}

// Status enumerates the legal event statuses.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func (s Status) valid() bool {
	return s == StatusActive || s == StatusInactive
}

// ReferenceKind is one of the three disjoint reference relations an event
// may hold to other event ids.
type ReferenceKind string

const (
	RefChild  ReferenceKind = "child"
	RefParent ReferenceKind = "parent"
	RefCross  ReferenceKind = "cross"
)

// ContextKey identifies a (group, name) Context association.
type ContextKey struct {
	Group string
	Name  string
}

// HistoryEntry records a single rule's modification of an event.
type HistoryEntry struct {
	RuleGroup string
	RuleName  string
	Host      string
	Tick      int64
	Fields    []string
	Reason    string
}

// RuleRef is a weak, stable back-reference to the rule that set a
// delay/cache time. It records (Group, Name) rather than holding a live
// pointer, so reload can swap rule tables without dangling references;
// nothing in the engine resolves it back to a rule.
type RuleRef struct {
	Group string
	Name  string
}

// Event is the record that flows through the cache, contexts, and rules.
// Identity fields (Name, ID, Host, ...) are fixed at construction; the
// remaining fields mutate over the event's lifetime in the cache.
type Event struct {
	Name        string
	Description string
	ID          string
	Type        Type
	Status      Status
	Host        string
	Creation    int64
	Arrival     int64
	Local       bool
	Forwarded   bool
	Count       int

	Attributes map[string]string
	References map[ReferenceKind]map[string]struct{}
	History    []HistoryEntry

	DelayTime  int64
	CacheTime  int64
	DelayRule  *RuleRef
	CacheRule  *RuleRef

	DelayContexts map[ContextKey]struct{}
	CacheContexts map[ContextKey]struct{}
}

// Params bundles the construction arguments for New. Only Name and Host
// are mandatory. Supplying ID means the event already existed and must
// carry Description/Type/Status/Creation too (used when deserializing
// from the wire).
type Params struct {
	Name        string
	Host        string
	Description string
	ID          string
	Type        Type
	Status      Status
	Creation    int64
	Arrival     int64
	Local       bool
	Count       int
	Attributes  map[string]string
	References  map[ReferenceKind][]string
	History     []HistoryEntry

	HasDescription bool
	HasType        bool
	HasStatus      bool
	HasCreation    bool
	HasArrival     bool
	HasCount       bool
}

// New validates p and constructs an Event.
func New(p Params, now time.Time) (*Event, error) {
	if p.Name == "" || p.Host == "" {
		return nil, fmt.Errorf("event: name and host are mandatory")
	}
	if p.ID != "" {
		if !p.HasDescription || !p.HasType || !p.HasStatus || !p.HasCreation {
			return nil, fmt.Errorf("event: id supplied without description/type/status/creation")
		}
	}
	if p.HasType && !p.Type.valid() {
		return nil, fmt.Errorf("event: unknown type %q", p.Type)
	}
	if p.HasType && p.Type == TypeCompressed && !p.HasCount {
		return nil, fmt.Errorf("event: type=compressed requires count")
	}
	if p.HasStatus && !p.Status.valid() {
		return nil, fmt.Errorf("event: unknown status %q", p.Status)
	}

	current := now.Unix()

	e := &Event{
		Name:          p.Name,
		Host:          p.Host,
		Description:   p.Description,
		ID:            p.ID,
		Type:          TypeRaw,
		Status:        StatusActive,
		Creation:      current,
		Local:         p.Local,
		Attributes:    map[string]string{},
		References:    map[ReferenceKind]map[string]struct{}{},
		DelayContexts: map[ContextKey]struct{}{},
		CacheContexts: map[ContextKey]struct{}{},
	}
	if p.HasType {
		e.Type = p.Type
	}
	if p.HasStatus {
		e.Status = p.Status
	}
	if p.HasCreation {
		e.Creation = p.Creation
	}
	if p.HasArrival {
		e.Arrival = p.Arrival
	} else {
		e.Arrival = current
	}
	if e.Type == TypeCompressed {
		e.Count = p.Count
	} else {
		e.Count = 1
	}
	if p.Attributes != nil {
		for k, v := range p.Attributes {
			e.Attributes[k] = v
		}
	}
	for kind, ids := range p.References {
		if len(ids) == 0 {
			continue
		}
		m := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			m[id] = struct{}{}
		}
		e.References[kind] = m
	}
	if len(p.History) > 0 {
		e.History = append([]HistoryEntry(nil), p.History...)
	}

	if e.ID == "" {
		e.ID = NewID(e.Host, now)
	}

	// delay/cache time start at arrival until a rule extends them.
	e.DelayTime = e.Arrival
	e.CacheTime = e.Arrival

	return e, nil
}

// NewID derives an event id from a SHA256 digest of host, wall time, and
// a UUIDv4, keeping collisions negligible.
func NewID(host string, now time.Time) string {
	seed := fmt.Sprintf("%s%.10f%s", host, float64(now.UnixNano())/1e9, uuid.NewString())
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// IsForwardable reports whether the event may still be sent downstream.
func (e *Event) IsForwardable() bool {
	return !e.Forwarded && !e.Local
}

// IsActive reports whether the event's status is active.
func (e *Event) IsActive() bool {
	return e.Status == StatusActive
}

// Timestamp returns Creation or Arrival depending on source.
func (e *Event) Timestamp(source TimeSource) int64 {
	if source == SourceCreation {
		return e.Creation
	}
	return e.Arrival
}

// TimeSource selects which timestamp a query or lifetime computation uses.
type TimeSource string

const (
	SourceCreation TimeSource = "creation"
	SourceArrival  TimeSource = "arrival"
)

// SetDelayTime sets the delay time, raising CacheTime to match if needed,
// and records the responsible rule. Raising the delay time raises the
// cache time with it, preserving cache_time >= delay_time.
func (e *Event) SetDelayTime(t int64, rule *RuleRef) {
	e.DelayTime = t
	e.DelayRule = rule
	if e.CacheTime < t {
		e.CacheTime = t
	}
}

// SetCacheTime sets the cache time, clamped to be at least DelayTime.
func (e *Event) SetCacheTime(t int64, rule *RuleRef) {
	if t < e.DelayTime {
		t = e.DelayTime
	}
	e.CacheTime = t
	e.CacheRule = rule
}

// AttrOp is an attribute write operator.
type AttrOp string

const (
	AttrSet AttrOp = "set"
	AttrInc AttrOp = "inc"
	AttrDec AttrOp = "dec"
)

// SetAttribute writes an attribute with set/inc/dec semantics. inc/dec
// coerce the existing value (defaulting to "0") through a decimal parse.
func (e *Event) SetAttribute(key string, value string, op AttrOp) error {
	if e.Attributes == nil {
		e.Attributes = map[string]string{}
	}
	switch op {
	case "", AttrSet:
		e.Attributes[key] = value
		return nil
	case AttrInc, AttrDec:
		cur, ok := e.Attributes[key]
		if !ok {
			cur = "0"
		}
		curN, err := strconv.ParseFloat(cur, 64)
		if err != nil {
			return fmt.Errorf("event: attribute %q is not numeric: %w", key, err)
		}
		delta, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("event: increment value %q is not numeric: %w", value, err)
		}
		if op == AttrDec {
			delta = -delta
		}
		result := curN + delta
		e.Attributes[key] = strconv.FormatFloat(result, 'f', -1, 64)
		return nil
	default:
		return fmt.Errorf("event: unknown attribute op %q", op)
	}
}

// GetAttribute returns the attribute value, or "" if absent.
func (e *Event) GetAttribute(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// HasAttribute reports whether the given attribute key is set.
func (e *Event) HasAttribute(key string) bool {
	if e.Attributes == nil {
		return false
	}
	_, ok := e.Attributes[key]
	return ok
}

// CheckOp is a comparison operator for CheckAttribute.
type CheckOp string

const (
	CheckEq CheckOp = "eq"
	CheckGe CheckOp = "ge"
	CheckLe CheckOp = "le"
	CheckRe CheckOp = "re"
)

// CheckAttribute evaluates op against the named attribute. ge/le require
// both sides to parse as numbers; re matches a precompiled regexp and
// ignores value.
func (e *Event) CheckAttribute(name string, op CheckOp, value string, re *regexp.Regexp) (bool, error) {
	actual, ok := e.Attributes[name]
	if !ok {
		return false, nil
	}
	switch op {
	case CheckEq:
		return actual == value, nil
	case CheckRe:
		if re == nil {
			return false, fmt.Errorf("event: checkAttribute re requires a compiled pattern")
		}
		return re.MatchString(actual), nil
	case CheckGe, CheckLe:
		a, err := strconv.ParseFloat(actual, 64)
		if err != nil {
			return false, fmt.Errorf("event: attribute %q is not numeric: %w", name, err)
		}
		b, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false, fmt.Errorf("event: comparison value %q is not numeric: %w", value, err)
		}
		if op == CheckGe {
			return a >= b, nil
		}
		return a <= b, nil
	default:
		return false, fmt.Errorf("event: unknown check op %q", op)
	}
}

// AddReference adds id to the named reference kind.
func (e *Event) AddReference(kind ReferenceKind, id string) {
	if e.References == nil {
		e.References = map[ReferenceKind]map[string]struct{}{}
	}
	m, ok := e.References[kind]
	if !ok {
		m = map[string]struct{}{}
		e.References[kind] = m
	}
	m[id] = struct{}{}
}

// GetReferences returns a sorted copy of the ids under the given kind.
func (e *Event) GetReferences(kind ReferenceKind) []string {
	m := e.References[kind]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AppendHistory appends an entry describing a rule's effect on this event.
func (e *Event) AppendHistory(entry HistoryEntry) {
	e.History = append(e.History, entry)
}

// AddDelayContext associates (group,name) with this event's delay hold.
func (e *Event) AddDelayContext(key ContextKey) {
	if e.DelayContexts == nil {
		e.DelayContexts = map[ContextKey]struct{}{}
	}
	e.DelayContexts[key] = struct{}{}
}

// AddCacheContext associates (group,name) with this event's cache hold.
func (e *Event) AddCacheContext(key ContextKey) {
	if e.CacheContexts == nil {
		e.CacheContexts = map[ContextKey]struct{}{}
	}
	e.CacheContexts[key] = struct{}{}
}

// RemoveContext removes key from both delay and cache context sets; a
// no-op if absent from either. Used on context deletion.
func (e *Event) RemoveContext(key ContextKey) {
	delete(e.DelayContexts, key)
	delete(e.CacheContexts, key)
}

// Droppable reports whether the event may be evicted from the cache: past
// both delay and cache time, no delay/cache contexts, and already
// forwarded or local.
func (e *Event) Droppable(tick int64) bool {
	if tick < e.DelayTime || tick < e.CacheTime {
		return false
	}
	if len(e.DelayContexts) > 0 || len(e.CacheContexts) > 0 {
		return false
	}
	return e.Forwarded || e.Local
}

// Clone returns a deep copy suitable for placing on an output channel, so
// later kernel-side mutation is never observed by output workers.
func (e *Event) Clone() *Event {
	clone := *e
	clone.Attributes = make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		clone.Attributes[k] = v
	}
	clone.References = make(map[ReferenceKind]map[string]struct{}, len(e.References))
	for kind, ids := range e.References {
		m := make(map[string]struct{}, len(ids))
		for id := range ids {
			m[id] = struct{}{}
		}
		clone.References[kind] = m
	}
	clone.History = append([]HistoryEntry(nil), e.History...)
	clone.DelayContexts = make(map[ContextKey]struct{}, len(e.DelayContexts))
	for k := range e.DelayContexts {
		clone.DelayContexts[k] = struct{}{}
	}
	clone.CacheContexts = make(map[ContextKey]struct{}, len(e.CacheContexts))
	for k := range e.CacheContexts {
		clone.CacheContexts[k] = struct{}{}
	}
	if e.DelayRule != nil {
		r := *e.DelayRule
		clone.DelayRule = &r
	}
	if e.CacheRule != nil {
		r := *e.CacheRule
		clone.CacheRule = &r
	}
	return &clone
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (type: %s, status: %s, host: %s, creation: %d)",
		e.Name, e.Type, e.Status, e.Host, e.Creation)
}
