// Package wire implements the engine's external wire formats: the
// canonical XML event stream, a sentinel-framed binary variant, a
// line-based regex-to-template ingest language, and CSV-dump ingest.
// The kernel never touches these; it only sees *event.Event values
// assembled by the decoders here.
package wire

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/corrflow/engine/event"
)

// xmlEvents is the root <events> element.
type xmlEvents struct {
	XMLName xml.Name   `xml:"events"`
	Events  []xmlEvent `xml:"event"`
}

type xmlEvent struct {
	Name        string          `xml:"name"`
	Description string          `xml:"description"`
	ID          string          `xml:"id"`
	Type        string          `xml:"type"`
	Status      string          `xml:"status"`
	Count       int             `xml:"count"`
	Host        string          `xml:"host"`
	Creation    int64           `xml:"creation"`
	Arrival     int64           `xml:"arrival,omitempty"`
	Attributes  []xmlAttribute  `xml:"attributes>attribute,omitempty"`
	References  []xmlReference  `xml:"references>reference,omitempty"`
	History     []xmlHistory    `xml:"history>historyentry,omitempty"`
}

type xmlAttribute struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type xmlReference struct {
	Type string `xml:"type,attr"`
	ID   string `xml:",chardata"`
}

type xmlHistory struct {
	RuleGroup string   `xml:"rulegroup"`
	RuleName  string   `xml:"rulename"`
	Host      string   `xml:"host"`
	Timestamp int64    `xml:"timestamp"`
	Fields    []string `xml:"field,omitempty"`
	Reason    string   `xml:"reason,omitempty"`
}

// validateXMLEvent stands in for DTD validation: every <event> element
// must carry a non-empty name, id, type, status, and host. Description,
// count, and creation are not checked; when absent they decode as "" and 0.
func validateXMLEvent(e xmlEvent) error {
	if e.Name == "" {
		return fmt.Errorf("wire: xml event missing required field name")
	}
	if e.ID == "" {
		return fmt.Errorf("wire: xml event missing required field id")
	}
	if e.Type == "" {
		return fmt.Errorf("wire: xml event missing required field type")
	}
	if e.Status == "" {
		return fmt.Errorf("wire: xml event missing required field status")
	}
	if e.Host == "" {
		return fmt.Errorf("wire: xml event missing required field host")
	}
	return nil
}

// DecodeXML parses a single <events> document into Events, rejecting and
// reporting (not silently dropping) any event missing a mandatory field.
// The caller decides
// whether one bad event aborts the whole batch or is merely logged and
// skipped; DecodeXML reports every violation it finds.
func DecodeXML(r io.Reader) ([]*event.Event, []error) {
	var doc xmlEvents
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, []error{fmt.Errorf("wire: xml decode: %w", err)}
	}

	var out []*event.Event
	var errs []error
	for i, xe := range doc.Events {
		if err := validateXMLEvent(xe); err != nil {
			errs = append(errs, fmt.Errorf("wire: event %d: %w", i, err))
			continue
		}
		e, err := xmlToEvent(xe)
		if err != nil {
			errs = append(errs, fmt.Errorf("wire: event %d: %w", i, err))
			continue
		}
		out = append(out, e)
	}
	return out, errs
}

func xmlToEvent(xe xmlEvent) (*event.Event, error) {
	attrs := make(map[string]string, len(xe.Attributes))
	for _, a := range xe.Attributes {
		attrs[a.Key] = a.Value
	}
	refs := map[event.ReferenceKind][]string{}
	for _, r := range xe.References {
		kind := event.ReferenceKind(r.Type)
		refs[kind] = append(refs[kind], r.ID)
	}
	var history []event.HistoryEntry
	for _, h := range xe.History {
		history = append(history, event.HistoryEntry{
			RuleGroup: h.RuleGroup, RuleName: h.RuleName, Host: h.Host,
			Tick: h.Timestamp, Fields: h.Fields, Reason: h.Reason,
		})
	}

	p := event.Params{
		Name: xe.Name, Host: xe.Host, Description: xe.Description,
		ID: xe.ID, Type: event.Type(xe.Type), Status: event.Status(xe.Status),
		Creation: xe.Creation, Arrival: xe.Arrival, Count: xe.Count,
		Attributes: attrs, References: refs, History: history,
		HasDescription: true, HasType: true, HasStatus: true,
		HasCreation: true, HasArrival: xe.Arrival != 0, HasCount: true,
	}
	return event.New(p, time.Unix(xe.Creation, 0))
}

// EncodeXML serializes events as a single <events> document, aborting on
// the first event that would fail the ingest-side validation.
func EncodeXML(w io.Writer, events []*event.Event) error {
	doc := xmlEvents{Events: make([]xmlEvent, 0, len(events))}
	for _, e := range events {
		xe := eventToXML(e)
		if err := validateXMLEvent(xe); err != nil {
			return fmt.Errorf("wire: refusing to emit invalid event %s: %w", e.ID, err)
		}
		doc.Events = append(doc.Events, xe)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("wire: xml encode: %w", err)
	}
	return nil
}

func eventToXML(e *event.Event) xmlEvent {
	xe := xmlEvent{
		Name: e.Name, Description: e.Description, ID: e.ID,
		Type: string(e.Type), Status: string(e.Status), Count: e.Count,
		Host: e.Host, Creation: e.Creation, Arrival: e.Arrival,
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		xe.Attributes = append(xe.Attributes, xmlAttribute{Key: k, Value: e.Attributes[k]})
	}
	for _, kind := range []event.ReferenceKind{event.RefChild, event.RefParent, event.RefCross} {
		for _, id := range e.GetReferences(kind) {
			xe.References = append(xe.References, xmlReference{Type: string(kind), ID: id})
		}
	}
	for _, h := range e.History {
		xe.History = append(xe.History, xmlHistory{
			RuleGroup: h.RuleGroup, RuleName: h.RuleName, Host: h.Host,
			Timestamp: h.Tick, Fields: h.Fields, Reason: h.Reason,
		})
	}
	return xe
}
