// Package kernel implements the event-handler work loop: the single
// sequence point that owns the event cache, the context manager, the rule
// manager, and the ticker, stepping them in lock-step. All mutable engine
// state is touched from this one goroutine; adapters feed it over bounded
// channels.
package kernel

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/corrflow/engine/annotations"
	"github.com/corrflow/engine/cache"
	"github.com/corrflow/engine/contexts"
	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/query"
	"github.com/corrflow/engine/rules"
	"github.com/corrflow/engine/ticker"
	"github.com/rs/zerolog"
)

// Source is a bounded many-producer/one-consumer input feed. Peek returns
// the head event without consuming it, so the kernel can compare its
// arrival against the current tick before deciding whether to drain it
// this step.
type Source interface {
	Peek() (*event.Event, bool)
	Pop() (*event.Event, bool)
}

// Sink is a one-producer/one-consumer output channel. Push must return
// once ctx is cancelled rather than blocking on a full queue.
type Sink interface {
	Push(ctx context.Context, e *event.Event) error
}

// ReloadSource supplies freshly compiled rule input on demand, e.g. by
// re-reading rule files from disk; returning the same BuildInput content
// as last time is harmless (the group hash comparison inside
// rules.Manager.Reload absorbs it).
type ReloadSource func() (rules.BuildInput, error)

// Handler is the kernel work loop.
type Handler struct {
	log      zerolog.Logger
	cache    *cache.EventCache
	contexts *contexts.Manager
	rulemgr  *rules.Manager
	ticker   *ticker.Ticker
	input    Source
	outputs  []Sink
	reload   ReloadSource
	annotate *annotations.Collector

	reloadPending bool
	clearCache    bool
	pending       []*event.Event // internally generated events awaiting kernel intake
	modified      map[string]*event.Event

	processed  int64
	newEvents  int64
	outputSent int64
}

// Config bundles Handler's collaborators.
type Config struct {
	Log      zerolog.Logger
	Cache    *cache.EventCache
	Contexts *contexts.Manager
	Rules    *rules.Manager
	Ticker   *ticker.Ticker
	Input    Source
	Outputs  []Sink
	Reload   ReloadSource
	Annotate *annotations.Collector // optional; nil disables tracing
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		log: cfg.Log.With().Str("component", "kernel").Logger(),
		cache: cfg.Cache, contexts: cfg.Contexts, rulemgr: cfg.Rules,
		ticker: cfg.Ticker, input: cfg.Input, outputs: cfg.Outputs, reload: cfg.Reload,
		annotate: cfg.Annotate,
		modified: map[string]*event.Event{},
	}
}

// annotate records an event if tracing is enabled; a nil Collector makes
// this a no-op, so the call sites below cost nothing when disabled.
func (h *Handler) annotateEvent(name string, start time.Time, data map[string]interface{}) {
	if h.annotate == nil {
		return
	}
	h.annotate.AddTiming(name, start, data)
}

// RequestReload marks a reload as pending; the flag is consumed only at
// step boundaries, so lookup tables never change mid-step.
func (h *Handler) RequestReload() { h.reloadPending = true }

// RequestClearCache marks the cache to be cleared at the next step's
// clear-cache point.
func (h *Handler) RequestClearCache() { h.clearCache = true }

// injectEvent is the Inject callback shared by context timeouts and rule
// actions (e.g. the "create" action): every event it sees is synthesized
// inside the kernel rather than drained from an input adapter, so it
// counts toward NewEvents regardless of which path routes it.
func (h *Handler) injectEvent(e *event.Event, toOutput bool) {
	h.newEvents++
	if toOutput {
		h.routeToOutputs(context.Background(), e)
		return
	}
	h.pending = append(h.pending, e)
}

func (h *Handler) routeToOutputs(ctx context.Context, e *event.Event) {
	for _, sink := range h.outputs {
		if err := sink.Push(ctx, e.Clone()); err != nil {
			h.log.Error().Err(err).Str("id", e.ID).Msg("output push failed")
		}
	}
	h.outputSent++
}

// Step executes one atomic iteration of the kernel loop.
func (h *Handler) Step(ctx context.Context) error {
	// 1. reload
	if h.reloadPending {
		h.reloadPending = false
		reloadStart := time.Now()
		if err := h.doReload(); err != nil {
			h.log.Error().Err(err).Msg("rule reload failed, keeping current rule set")
			h.annotateEvent(annotations.ErrorReload, reloadStart, map[string]interface{}{"error": err.Error()})
		} else {
			h.annotateEvent(annotations.StepReload, reloadStart, nil)
		}
	}

	tick := h.ticker.CurrentTick()
	stepStart := time.Now()
	h.annotateEvent(annotations.StepBegin, stepStart, map[string]interface{}{"tick": tick})

	// 2. context timeout pass
	for _, injected := range h.contexts.UpdateContexts(tick) {
		e, err := h.materializeTimeout(injected, tick)
		if err != nil {
			h.log.Error().Err(err).Msg("failed to materialize timeout event")
			continue
		}
		h.annotateEvent(annotations.ContextTimeout, stepStart, map[string]interface{}{
			"group": injected.Group, "name": injected.Name,
			"counter": injected.Attributes["context_counter"],
		})
		h.injectEvent(e, injected.Template.InjectInput == false)
	}

	// 3. cache update pass
	result := h.cache.UpdateCache(tick, time.Now())
	if result.Alert != nil {
		h.routeToOutputs(ctx, result.Alert)
	}
	for _, e := range result.Forwarded {
		h.routeToOutputs(ctx, e)
	}

	// 4. drain events for this tick. In simulation mode the ticker is
	// seeded from the earliest queued arrival before the first event
	// flows; once anything has been processed the clock never rewinds.
	if h.input != nil && h.processed == 0 {
		if head, ok := h.input.Peek(); ok {
			h.ticker.Seed(head.Arrival)
			tick = h.ticker.CurrentTick()
		}
	}
	for {
		e, ok := h.nextPending(tick)
		if !ok {
			break
		}
		h.processed++
		h.rulemgr.UpdateCacheAndDelayTime(e)
		h.cache.AddEvent(e)

		for _, rule := range h.rulemgr.GetRelevantRules(e) {
			if _, stillCached := h.cache.GetEventByID(e.ID); !stillCached {
				break
			}
			if !e.IsActive() {
				break
			}
			bundle := rules.ActionBundle{
				Bundle: query.Bundle{Source: h.cache, Contexts: h.contexts, Tick: tick},
				Cache:  h.cache, Contexts: h.contexts,
				ClassOf: h.rulemgr.EventClasses,
				Inject:  h.injectEvent, Modified: h.modified,
				Now: func() int64 { return h.ticker.CurrentWallTime().Unix() },
				Log: h.log,
			}
			ruleStart := time.Now()
			h.annotateEvent(annotations.RuleMatched, ruleStart, map[string]interface{}{
				"group": rule.Group, "rule": rule.Name, "trigger": e.Name,
			})
			if err := rule.Execute(bundle, e); err != nil {
				h.log.Error().Err(err).Str("rule", rule.Group+"/"+rule.Name).Msg("rule execution failed")
				h.annotateEvent(annotations.ErrorRuleExecution, ruleStart, map[string]interface{}{
					"group": rule.Group, "rule": rule.Name, "error": err.Error(),
				})
				continue
			}
			h.annotateEvent(annotations.RuleExecuted, ruleStart, map[string]interface{}{
				"group": rule.Group, "rule": rule.Name, "actions": len(rule.Actions),
			})
		}
	}

	// 5. clear cache
	if h.clearCache {
		h.clearCache = false
		h.cache.ClearCache()
		h.annotateEvent(annotations.CacheCleared, stepStart, nil)
	}

	// 6. reprocess modified events
	modified := h.modified
	h.modified = map[string]*event.Event{}
	for _, e := range modified {
		if _, stillCached := h.cache.GetEventByID(e.ID); !stillCached {
			continue
		}
		h.cache.RemoveEventCacheAndDelayTime(e)
		h.rulemgr.UpdateCacheAndDelayTime(e)
		h.cache.InsertEventCacheAndDelayTime(e)
	}

	// 7. advance ticker
	if _, err := h.ticker.Advance(ctx); err != nil {
		return fmt.Errorf("kernel: ticker advance: %w", err)
	}
	h.annotateEvent(annotations.StepComplete, stepStart, map[string]interface{}{"tick": tick})
	return nil
}

// nextPending returns the next event to drain this tick: internally
// generated events first, then the input channel's head if its arrival is
// at or before tick.
func (h *Handler) nextPending(tick int64) (*event.Event, bool) {
	if len(h.pending) > 0 {
		e := h.pending[0]
		h.pending = h.pending[1:]
		return e, true
	}
	if h.input == nil {
		return nil, false
	}
	head, ok := h.input.Peek()
	if !ok || head.Arrival > tick {
		return nil, false
	}
	return h.input.Pop()
}

func (h *Handler) materializeTimeout(injected contexts.InjectedEvent, tick int64) (*event.Event, error) {
	refs := map[event.ReferenceKind][]string{}
	for k, v := range injected.References {
		refs[k] = v
	}
	return event.New(event.Params{
		Name: injected.Template.Name, Host: injected.Template.Host,
		Description: injected.Template.Description,
		Type:        event.TypeTimeout, HasType: true,
		Attributes: injected.Attributes,
		References: refs,
		Creation:   tick, HasCreation: true,
		Arrival: tick, HasArrival: true,
	}, h.ticker.CurrentWallTime())
}

func (h *Handler) doReload() error {
	if h.reload == nil {
		return nil
	}
	in, err := h.reload()
	if err != nil {
		return err
	}
	changed := h.rulemgr.Reload(in)
	if len(changed) == 0 {
		return nil
	}
	keep := map[string]bool{}
	for name := range in.Groups {
		keep[name] = true
	}
	for _, g := range changed {
		delete(keep, g)
	}
	h.contexts.CleanupContexts(keep)
	sort.Strings(changed)
	h.log.Info().Strs("groups", changed).Msg("reloaded rule groups, contexts cleared")
	return nil
}

// Drain implements shutdown: if fastExit is false, it keeps stepping until
// the internal pending list is empty, then forwards every remaining
// forwardable event in creation-time order.
func (h *Handler) Drain(ctx context.Context, fastExit bool) error {
	if fastExit {
		return nil
	}
	for len(h.pending) > 0 {
		if err := h.Step(ctx); err != nil {
			return err
		}
	}
	for _, e := range h.cache.ForwardAll() {
		h.routeToOutputs(ctx, e)
	}
	return nil
}

// Stats exposes the kernel's running counters for the RPC surface.
type Stats struct {
	Tick       int64
	Processed  int64
	NewEvents  int64
	Dropped    int64
	Delayed    int64
	OutputSent int64
	Cache      cache.Stats
	Contexts   int
	Rules      int
}

func (h *Handler) Stats() Stats {
	cacheStats := h.cache.Stats()
	return Stats{
		Tick: h.ticker.CurrentTick(), Processed: h.processed, NewEvents: h.newEvents,
		Dropped: cacheStats.DroppedEvents, Delayed: int64(cacheStats.Delayed), OutputSent: h.outputSent,
		Cache: cacheStats, Contexts: h.contexts.NumberOfContexts(), Rules: h.rulemgr.NumberOfRules(),
	}
}
