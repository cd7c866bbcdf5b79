// Package contexts implements the context manager: a nested (group,name)
// map of timed Context objects that may hold events from being forwarded
// or dropped, and may emit timeout events. The cache is reached through
// the narrow CacheRescheduler interface rather than a direct reference.
package contexts

import (
	"fmt"
	"sort"
	"sync"

	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/query"
	"github.com/rs/zerolog"
)

// CounterOp is an alias of query.CounterOp: contexts implements
// query.ContextChecker structurally, which requires the exact same named
// type on CheckCounter's op parameter. query never imports contexts, so
// this does not create a cycle.
type CounterOp = query.CounterOp

const (
	CounterEq = query.CounterEq
	CounterGe = query.CounterGe
	CounterLe = query.CounterLe
)

// CacheRescheduler is the minimal cache capability the manager needs:
// scheduling a re-check of an event's delay/cache timestamps once a
// context releases its hold.
type CacheRescheduler interface {
	InsertDelayTimestamp(tick int64, e *event.Event)
	InsertCacheTimestamp(tick int64, e *event.Event)
}

// RuleRef identifies the rule that created a context, for history/UI
// back-links.
type RuleRef = event.RuleRef

// TimeoutTemplate is the optional template used to synthesize a timeout
// event; references and the context_counter attribute are filled in by
// UpdateContexts before injection.
type TimeoutTemplate struct {
	Name        string
	Host        string
	Description string
	InjectInput bool // true: inject="input"; false: inject="output"
}

// Context is a single named, grouped, timed hold.
type Context struct {
	Group string
	Name  string
	Rule  RuleRef

	Creation        int64
	Timeout         int64 // relative timeout seconds; 0 means never times out
	Template        *TimeoutTemplate
	Counter         int
	CounterInit     int
	Repeat          bool
	DelayAssociated bool // else cache-associated

	Associated map[string]*event.Event
}

// AbsoluteTimeout returns Creation + Timeout.
func (c *Context) AbsoluteTimeout() int64 { return c.Creation + c.Timeout }

// CheckCounter evaluates (op, value) against the counter.
func (c *Context) CheckCounter(op CounterOp, value int) bool {
	switch op {
	case CounterEq:
		return c.Counter == value
	case CounterGe:
		return c.Counter >= value
	case CounterLe:
		return c.Counter <= value
	default:
		return false
	}
}

func (c *Context) reset(tick int64) {
	c.Creation = tick
	c.Counter = c.CounterInit
	c.Associated = map[string]*event.Event{}
}

// timeoutEntry is a scheduling hint; tick is re-validated against the
// context's live AbsoluteTimeout on pop.
type timeoutEntry struct {
	tick  int64
	group string
	name  string
}

// Manager owns all live contexts and their timeout schedule.
type Manager struct {
	mu              sync.Mutex // guards only deleteQueue
	log             zerolog.Logger
	cache           CacheRescheduler
	groups          map[string]map[string]*Context
	schedule        []timeoutEntry
	deleteQueue     []struct{ group, name string }
	currentTickHint int64
}

// New constructs an empty ContextManager.
func New(log zerolog.Logger, cache CacheRescheduler) *Manager {
	return &Manager{
		log:    log.With().Str("component", "contexts").Logger(),
		cache:  cache,
		groups: map[string]map[string]*Context{},
	}
}

// CreateContext creates (group,name) if it does not already exist.
func (m *Manager) CreateContext(group, name string, rule RuleRef, tick int64, template *TimeoutTemplate, timeout int64, counter int, repeat, delayAssociated bool) {
	g, ok := m.groups[group]
	if !ok {
		g = map[string]*Context{}
		m.groups[group] = g
	}
	if _, exists := g[name]; exists {
		m.log.Debug().Str("group", group).Str("name", name).Msg("context already exists")
		return
	}
	ctx := &Context{
		Group: group, Name: name, Rule: rule,
		Creation: tick, Timeout: timeout, Template: template,
		Counter: counter, CounterInit: counter, Repeat: repeat,
		DelayAssociated: delayAssociated,
		Associated:      map[string]*event.Event{},
	}
	g[name] = ctx
	m.insertTimeout(ctx)
}

func (m *Manager) insertTimeout(c *Context) {
	if c.Timeout == 0 {
		return
	}
	entry := timeoutEntry{tick: c.AbsoluteTimeout(), group: c.Group, name: c.Name}
	i := sort.Search(len(m.schedule), func(i int) bool { return m.schedule[i].tick > entry.tick })
	m.schedule = append(m.schedule, timeoutEntry{})
	copy(m.schedule[i+1:], m.schedule[i:])
	m.schedule[i] = entry
}

// Get returns a single context by (group,name), for the introspection
// surface's show_context action.
func (m *Manager) Get(group, name string) (*Context, bool) {
	c := m.get(group, name)
	return c, c != nil
}

// All returns every live context, for the contexts introspection page.
func (m *Manager) All() []*Context {
	out := make([]*Context, 0, len(m.groups))
	for _, names := range m.groups {
		for _, c := range names {
			out = append(out, c)
		}
	}
	return out
}

// ContextExists reports whether (group,name) is live.
func (m *Manager) ContextExists(group, name string) bool {
	g, ok := m.groups[group]
	if !ok {
		return false
	}
	_, ok = g[name]
	return ok
}

func (m *Manager) get(group, name string) *Context {
	g, ok := m.groups[group]
	if !ok {
		return nil
	}
	return g[name]
}

// DeleteContext immediately deletes (group,name), releasing its hold on
// associated events.
func (m *Manager) DeleteContext(group, name string) {
	g, ok := m.groups[group]
	if !ok {
		return
	}
	ctx, ok := g[name]
	if !ok {
		return
	}
	delete(g, name)
	m.forwardAssociated(ctx)
	if len(g) == 0 {
		delete(m.groups, group)
	}
}

// TriggerDeleteContext queues a deferred delete, safe to call from
// external RPC goroutines. The queue is the only lock-protected structure
// here; everything else is touched by the kernel goroutine only.
func (m *Manager) TriggerDeleteContext(group, name string) {
	m.mu.Lock()
	m.deleteQueue = append(m.deleteQueue, struct{ group, name string }{group, name})
	m.mu.Unlock()
}

func (m *Manager) drainDeleteQueue() []struct{ group, name string } {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.deleteQueue
	m.deleteQueue = nil
	return q
}

// ModifyContext optionally resets the timer and associated-events set and
// applies a counter operation.
func (m *Manager) ModifyContext(group, name string, tick int64, resetTimer, resetAssociated bool, counterOp string, counterValue *int) error {
	ctx := m.get(group, name)
	if ctx == nil {
		return fmt.Errorf("contexts: modifyContext: %s::%s does not exist", group, name)
	}
	if resetAssociated {
		m.forwardAssociated(ctx)
	}
	if resetTimer {
		ctx.Creation = tick
	}
	if resetAssociated {
		ctx.Associated = map[string]*event.Event{}
	}
	if counterValue != nil {
		switch counterOp {
		case "set":
			ctx.Counter = *counterValue
		case "inc":
			ctx.Counter += *counterValue
		case "dec":
			ctx.Counter -= *counterValue
		}
	}
	if resetTimer {
		m.insertTimeout(ctx)
	}
	return nil
}

// CheckCounter evaluates a counter check; a missing context is always
// false. Implements query.ContextChecker.
func (m *Manager) CheckCounter(group, name string, op CounterOp, value int) bool {
	ctx := m.get(group, name)
	if ctx == nil {
		return false
	}
	return ctx.CheckCounter(op, value)
}

// AssociateEventsWithContext associates events with the context's hold,
// adding the (group,name) key to each event's delay or cache context set
// depending on the context's DelayAssociated flag.
func (m *Manager) AssociateEventsWithContext(group, name string, events []*event.Event) {
	ctx := m.get(group, name)
	if ctx == nil {
		m.log.Debug().Str("group", group).Str("name", name).Msg("context not known")
		return
	}
	key := event.ContextKey{Group: group, Name: name}
	for _, e := range events {
		ctx.Associated[e.ID] = e
		if ctx.DelayAssociated {
			e.AddDelayContext(key)
		} else {
			e.AddCacheContext(key)
		}
	}
}

// IsAssociated reports whether e is associated with (group,name)'s hold;
// used by query.InContext.
func (m *Manager) IsAssociated(key event.ContextKey, e *event.Event) bool {
	ctx := m.get(key.Group, key.Name)
	if ctx == nil {
		return false
	}
	_, ok := ctx.Associated[e.ID]
	return ok
}

// ForwardAssociatedEvents releases (group,name)'s hold on its associated
// events without deleting the context, clearing its associated set.
func (m *Manager) ForwardAssociatedEvents(group, name string) {
	ctx := m.get(group, name)
	if ctx == nil {
		return
	}
	m.forwardAssociated(ctx)
	ctx.Associated = map[string]*event.Event{}
}

// forwardAssociated releases the context's hold on its associated events
// and schedules a cache re-check at tick-1 for each.
func (m *Manager) forwardAssociated(ctx *Context) {
	key := event.ContextKey{Group: ctx.Group, Name: ctx.Name}
	for _, e := range ctx.Associated {
		e.RemoveContext(key)
		if ctx.DelayAssociated {
			if len(e.DelayContexts) == 0 {
				m.cache.InsertDelayTimestamp(m.currentTickHint-1, e)
			}
			if len(e.CacheContexts) == 0 {
				m.cache.InsertCacheTimestamp(m.currentTickHint-1, e)
			}
		} else {
			if len(e.CacheContexts) == 0 {
				m.cache.InsertCacheTimestamp(m.currentTickHint-1, e)
			}
		}
	}
}

// InjectedEvent is yielded by UpdateContexts: a timeout event template
// plus whether to inject into input or route directly to output. Group
// and Name identify the context that fired.
type InjectedEvent struct {
	Group      string
	Name       string
	Template   TimeoutTemplate
	References map[event.ReferenceKind][]string
	Attributes map[string]string
}

// UpdateContexts drains the deferred-delete queue and processes timeouts,
// yielding one InjectedEvent per fired timeout template.
func (m *Manager) UpdateContexts(tick int64) []InjectedEvent {
	m.currentTickHint = tick
	for _, d := range m.drainDeleteQueue() {
		m.DeleteContext(d.group, d.name)
	}

	var out []InjectedEvent
	for len(m.schedule) > 0 && m.schedule[0].tick < tick {
		entry := m.schedule[0]
		m.schedule = m.schedule[1:]
		ctx := m.get(entry.group, entry.name)
		if ctx == nil {
			continue
		}
		if ctx.AbsoluteTimeout() >= tick {
			continue // rescheduled; this hint is stale
		}
		if ctx.Template != nil {
			ids := make([]string, 0, len(ctx.Associated))
			for id := range ctx.Associated {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			out = append(out, InjectedEvent{
				Group:      ctx.Group,
				Name:       ctx.Name,
				Template:   *ctx.Template,
				References: map[event.ReferenceKind][]string{event.RefChild: ids},
				Attributes: map[string]string{"context_counter": fmt.Sprintf("%d", ctx.Counter)},
			})
		}
		if ctx.Repeat {
			m.forwardAssociated(ctx)
			ctx.reset(tick)
			m.insertTimeout(ctx)
		} else {
			m.DeleteContext(entry.group, entry.name)
		}
	}
	return out
}

// CleanupContexts removes every context whose group is not in keep;
// called after a rule reload with the set of unchanged group names.
func (m *Manager) CleanupContexts(keep map[string]bool) {
	for group := range m.groups {
		if keep[group] {
			continue
		}
		for name := range m.groups[group] {
			m.DeleteContext(group, name)
		}
	}
}

// MayGenerateTimeoutEvents reports whether any live context could still
// emit a timeout event.
func (m *Manager) MayGenerateTimeoutEvents() bool {
	for _, g := range m.groups {
		for _, c := range g {
			if c.Template != nil && c.Timeout != 0 {
				return true
			}
		}
	}
	return false
}

// GetStaleContexts returns contexts whose absolute timeout has already
// passed, for sanity-check introspection.
func (m *Manager) GetStaleContexts(tick int64) []*Context {
	var stale []*Context
	for _, g := range m.groups {
		for _, c := range g {
			if c.Timeout != 0 && c.AbsoluteTimeout() < tick {
				stale = append(stale, c)
			}
		}
	}
	return stale
}

// NumberOfContexts returns the total live context count.
func (m *Manager) NumberOfContexts() int {
	n := 0
	for _, g := range m.groups {
		n += len(g)
	}
	return n
}
