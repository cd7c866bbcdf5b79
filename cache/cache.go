// Package cache implements the event cache: the live event set plus two
// ordered (timestamp, event) schedules used to decide when an event may
// be forwarded or dropped. Schedule entries are hints, not commitments:
// the head is re-validated against the event's live timestamp on pop, so
// stale entries left behind by rescheduling are simply skipped.
package cache

import (
	"fmt"
	"sort"
	"time"

	"github.com/corrflow/engine/event"
	"github.com/rs/zerolog"
)

// scheduleEntry is one (timestamp, event) hint.
type scheduleEntry struct {
	ts int64
	e  *event.Event
}

type schedule []scheduleEntry

func (s *schedule) insert(ts int64, e *event.Event) {
	entry := scheduleEntry{ts: ts, e: e}
	i := sort.Search(len(*s), func(i int) bool { return (*s)[i].ts > ts })
	*s = append(*s, scheduleEntry{})
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = entry
}

// remove deletes the first entry matching (ts, e) exactly.
func (s *schedule) remove(ts int64, e *event.Event) bool {
	i := sort.Search(len(*s), func(i int) bool { return (*s)[i].ts >= ts })
	for ; i < len(*s) && (*s)[i].ts == ts; i++ {
		if (*s)[i].e == e {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return true
		}
	}
	return false
}

// EventCache holds the live event set plus delay/cache schedules.
type EventCache struct {
	log      zerolog.Logger
	hostname string
	maxSize  int

	events map[string]*event.Event
	delay  schedule
	cache  schedule

	droppedEvents     int64
	compressedRemoved int64
	compressedNew     int64
	nextWarningWall   int64
}

// New constructs an empty EventCache. maxSize is the soft live-size
// limit; hostname labels the internal alert event this cache may emit
// when the limit is exceeded.
func New(log zerolog.Logger, hostname string, maxSize int) *EventCache {
	return &EventCache{
		log:      log.With().Str("component", "cache").Logger(),
		hostname: hostname,
		maxSize:  maxSize,
		events:   map[string]*event.Event{},
	}
}

// Events returns every live event (implements query.Source).
func (c *EventCache) Events() []*event.Event {
	out := make([]*event.Event, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e)
	}
	return out
}

// GetEventByID implements query.Source.
func (c *EventCache) GetEventByID(id string) (*event.Event, bool) {
	e, ok := c.events[id]
	return e, ok
}

// Size returns the number of live events.
func (c *EventCache) Size() int { return len(c.events) }

// AddEvent adds e to the cache and schedules its delay/cache timestamps.
// Duplicate ids are a logged error, not a panic; the kernel continues.
func (c *EventCache) AddEvent(e *event.Event) {
	if _, exists := c.events[e.ID]; exists {
		c.log.Error().Str("id", e.ID).Msg("duplicate event id")
		return
	}
	c.events[e.ID] = e
	c.InsertEventCacheAndDelayTime(e)
}

// AddEvents adds each event via AddEvent.
func (c *EventCache) AddEvents(events []*event.Event) {
	for _, e := range events {
		c.AddEvent(e)
	}
}

// DropEvent removes e unconditionally, even if context-held.
func (c *EventCache) DropEvent(e *event.Event) {
	if _, exists := c.events[e.ID]; !exists {
		return
	}
	c.droppedEvents++
	delete(c.events, e.ID)
	c.RemoveEventCacheAndDelayTime(e)
}

// DropEvents drops each event via DropEvent.
func (c *EventCache) DropEvents(events []*event.Event) {
	for _, e := range events {
		c.DropEvent(e)
	}
}

// ForwardEvents yields each event that is present, non-local, and not yet
// forwarded, setting Forwarded=true as a side effect. The caller is
// responsible for pushing onto output channels.
func (c *EventCache) ForwardEvents(events []*event.Event) []*event.Event {
	out := make([]*event.Event, 0, len(events))
	for _, e := range events {
		if _, present := c.events[e.ID]; !present {
			continue
		}
		if !e.Forwarded && !e.Local {
			e.Forwarded = true
			out = append(out, e)
		}
	}
	return out
}

// ForwardAll forwards every remaining forwardable event in creation-time
// order, used on shutdown drain.
func (c *EventCache) ForwardAll() []*event.Event {
	var pending []*event.Event
	for _, e := range c.events {
		if !e.Forwarded && !e.Local {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Creation < pending[j].Creation })
	return c.ForwardEvents(pending)
}

// InsertDelayTimestamp schedules a delay re-check at ts.
func (c *EventCache) InsertDelayTimestamp(ts int64, e *event.Event) { c.delay.insert(ts, e) }

// InsertCacheTimestamp schedules a cache re-check at ts.
func (c *EventCache) InsertCacheTimestamp(ts int64, e *event.Event) { c.cache.insert(ts, e) }

// InsertEventCacheAndDelayTime schedules both of e's current timestamps.
func (c *EventCache) InsertEventCacheAndDelayTime(e *event.Event) {
	c.InsertCacheTimestamp(e.CacheTime, e)
	c.InsertDelayTimestamp(e.DelayTime, e)
}

// RemoveEventCacheAndDelayTime removes e's current scheduled timestamps,
// used before recomputing a modified event's lifetime.
func (c *EventCache) RemoveEventCacheAndDelayTime(e *event.Event) {
	if !c.cache.remove(e.CacheTime, e) {
		c.log.Debug().Str("id", e.ID).Msg("event not in cache schedule")
	}
	if !c.delay.remove(e.DelayTime, e) {
		c.log.Debug().Str("id", e.ID).Msg("event not in delay schedule")
	}
}

// ClearCache drops every live event and schedule entry.
func (c *EventCache) ClearCache() {
	c.log.Info().Msg("clearing event cache")
	c.events = map[string]*event.Event{}
	c.delay = nil
	c.cache = nil
}

// HasDelayedEvents reports whether any scheduled, still-live, still
// unforwarded non-local event remains.
func (c *EventCache) HasDelayedEvents() bool {
	for _, entry := range c.delay {
		if _, present := c.events[entry.e.ID]; present {
			if !entry.e.Forwarded && !entry.e.Local {
				return true
			}
		}
	}
	return false
}

// UpdateResult bundles UpdateCache's side effects for the kernel to act
// on: events that should be forwarded downstream, plus any internal
// alert event generated by the soft cache-size limit.
type UpdateResult struct {
	Forwarded []*event.Event
	Alert     *event.Event
}

// UpdateCache runs one cache maintenance pass: emits a
// rate-limited soft-limit alert, forwards events whose delay has elapsed
// and are no longer context-held, and evicts events whose cache time has
// elapsed and are no longer held or un-forwarded-and-non-local.
func (c *EventCache) UpdateCache(tick int64, wallNow time.Time) UpdateResult {
	var result UpdateResult

	if len(c.events) > c.maxSize && c.maxSize > 0 {
		now := wallNow.Unix()
		if now >= c.nextWarningWall {
			c.nextWarningWall = now + 3600
			c.log.Warn().Int("size", len(c.events)).Int("limit", c.maxSize).Msg("cache size limit exceeded")
			alert, err := event.New(event.Params{
				Name: "CE:CACHE:LIMIT:EXCEEDED",
				Host: c.hostname,
				Type: event.TypeInternal, HasType: true,
				Description: "Too many events are in the cache.",
			}, wallNow)
			if err == nil {
				result.Alert = alert
			}
		}
	}

	for len(c.delay) > 0 && c.delay[0].ts < tick {
		entry := c.delay[0]
		c.delay = c.delay[1:]
		e := entry.e
		if e.DelayTime >= tick {
			continue
		}
		if _, present := c.events[e.ID]; !present {
			continue
		}
		if len(e.DelayContexts) > 0 {
			continue
		}
		result.Forwarded = append(result.Forwarded, c.ForwardEvents([]*event.Event{e})...)
	}

	for len(c.cache) > 0 && c.cache[0].ts < tick {
		entry := c.cache[0]
		c.cache = c.cache[1:]
		e := entry.e
		if e.CacheTime >= tick {
			continue
		}
		if _, present := c.events[e.ID]; !present {
			continue
		}
		if len(e.CacheContexts) > 0 || len(e.DelayContexts) > 0 {
			continue
		}
		if !e.Forwarded && !e.Local {
			c.log.Error().Str("id", e.ID).Msg("non-local event removed that was never forwarded")
			c.droppedEvents++
		}
		delete(c.events, e.ID)
	}

	return result
}

// CompressEvents partitions events by name (restricted to raw/compressed
// types, not forwarded, free of delay/cache contexts) and for each group
// of size >= 2 synthesizes one compressed event, removing the originals
// from the cache.
func (c *EventCache) CompressEvents(events []*event.Event, now time.Time) ([]*event.Event, error) {
	var eligible []*event.Event
	for _, e := range events {
		if _, present := c.events[e.ID]; !present {
			continue
		}
		if e.Type != event.TypeRaw && e.Type != event.TypeCompressed {
			continue
		}
		if e.Forwarded || len(e.CacheContexts) > 0 || len(e.DelayContexts) > 0 {
			continue
		}
		eligible = append(eligible, e)
	}

	groups := map[string][]*event.Event{}
	var order []string
	for _, e := range eligible {
		if _, ok := groups[e.Name]; !ok {
			order = append(order, e.Name)
		}
		groups[e.Name] = append(groups[e.Name], e)
	}

	var out []*event.Event
	for _, name := range order {
		group := groups[name]
		if len(group) < 2 {
			continue
		}
		synthetic, err := compressGroup(name, group, c.hostname, now)
		if err != nil {
			return nil, fmt.Errorf("cache: compress %s: %w", name, err)
		}
		c.compressedNew++
		out = append(out, synthetic)
		c.compressedRemoved += int64(len(group))
		for _, e := range group {
			delete(c.events, e.ID)
			c.RemoveEventCacheAndDelayTime(e)
		}
	}
	return out, nil
}

func compressGroup(name string, group []*event.Event, hostname string, now time.Time) (*event.Event, error) {
	count := 0
	creations := make([]int64, len(group))
	arrivals := make([]int64, len(group))
	descriptions := map[string]bool{}
	hosts := map[string]bool{}
	statuses := map[event.Status]bool{}
	locals := map[bool]bool{}
	attrKeys := map[string]bool{}

	for i, e := range group {
		count += e.Count
		creations[i] = e.Creation
		arrivals[i] = e.Arrival
		descriptions[e.Description] = true
		hosts[e.Host] = true
		statuses[e.Status] = true
		locals[e.Local] = true
		for k := range e.Attributes {
			attrKeys[k] = true
		}
	}

	description := ""
	if len(descriptions) == 1 {
		description = group[0].Description
	}
	host := hostname
	if len(hosts) == 1 {
		host = group[0].Host
	}
	status := event.StatusActive
	if len(statuses) == 1 {
		status = group[0].Status
	}
	local := false
	if len(locals) == 1 {
		local = group[0].Local
	}

	attrs := map[string]string{}
	for key := range attrKeys {
		values := map[string]bool{}
		for _, e := range group {
			if v, ok := e.Attributes[key]; ok {
				values[v] = true
			}
		}
		if len(values) == 1 {
			for v := range values {
				attrs[key] = v
			}
		} else {
			attrs[key] = "[multiple values]"
		}
	}

	refs := map[event.ReferenceKind][]string{}
	for _, kind := range []event.ReferenceKind{event.RefChild, event.RefParent, event.RefCross} {
		merged := map[string]bool{}
		for _, e := range group {
			for _, id := range e.GetReferences(kind) {
				merged[id] = true
			}
		}
		if len(merged) > 0 {
			ids := make([]string, 0, len(merged))
			for id := range merged {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			refs[kind] = ids
		}
	}

	return event.New(event.Params{
		Name: name, Host: host,
		Type: event.TypeCompressed, HasType: true,
		Count: count, HasCount: true,
		Description: description, HasDescription: true,
		Status: status, HasStatus: true,
		Creation: minInt64(creations), HasCreation: true,
		Arrival: minInt64(arrivals), HasArrival: true,
		Local:      local,
		Attributes: attrs,
		References: refs,
	}, now)
}

func minInt64(xs []int64) int64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// Stats exposes counters for the RPC introspection surface.
type Stats struct {
	Size              int
	Delayed           int
	DroppedEvents     int64
	CompressedRemoved int64
	CompressedNew     int64
}

func (c *EventCache) Stats() Stats {
	return Stats{
		Size:              len(c.events),
		Delayed:           len(c.delay),
		DroppedEvents:     c.droppedEvents,
		CompressedRemoved: c.compressedRemoved,
		CompressedNew:     c.compressedNew,
	}
}
