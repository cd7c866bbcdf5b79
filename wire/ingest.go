package wire

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/corrflow/engine/event"
)

// LineTemplate is one line-based ingest rule: a compiled pattern whose
// named capture groups feed the resulting event's fields, plus a
// timestamp layout for the group conventionally named "timestamp".
type LineTemplate struct {
	Pattern         *regexp.Regexp
	Host            string // literal host, or "" to require a "host" capture group
	Name            string // literal name, or "" to require a "name" capture group
	TimestampLayout string
	UseCurrentYear  bool
}

// Match applies the template to line, returning the constructed event, or
// ok=false if the pattern did not match (not an error: unmatched lines
// are simply skipped).
func (t LineTemplate) Match(line string, now time.Time) (*event.Event, bool, error) {
	m := t.Pattern.FindStringSubmatch(line)
	if m == nil {
		return nil, false, nil
	}
	groups := map[string]string{}
	for i, name := range t.Pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		groups[name] = m[i]
	}

	name := t.Name
	if name == "" {
		name = groups["name"]
	}
	host := t.Host
	if host == "" {
		host = groups["host"]
	}
	if name == "" || host == "" {
		return nil, false, fmt.Errorf("wire: line template: name/host not resolved from %q", line)
	}

	attrs := map[string]string{}
	for k, v := range groups {
		switch k {
		case "name", "host", "description", "timestamp":
		default:
			attrs[k] = v
		}
	}

	creation := now.Unix()
	if ts, ok := groups["timestamp"]; ok && ts != "" && t.TimestampLayout != "" {
		layout := t.TimestampLayout
		parseFrom := ts
		if t.UseCurrentYear {
			layout = "2006" + layout
			parseFrom = strconv.Itoa(now.Year()) + ts
		}
		parsed, err := time.Parse(layout, parseFrom)
		if err != nil {
			return nil, false, fmt.Errorf("wire: line template: timestamp %q: %w", ts, err)
		}
		creation = parsed.Unix()
	}

	e, err := event.New(event.Params{
		Name: name, Host: host, Description: groups["description"],
		Creation: creation, HasCreation: true, Attributes: attrs,
	}, now)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// MatchAny tries each template in order, returning the first match.
func MatchAny(templates []LineTemplate, line string, now time.Time) (*event.Event, bool, error) {
	for _, t := range templates {
		e, ok, err := t.Match(line, now)
		if err != nil || ok {
			return e, ok, err
		}
	}
	return nil, false, nil
}

// csvRequiredColumns must all be present; INTERNAL_CODE is optional.
var csvRequiredColumns = []string{"SHORT_NAME", "NAME", "LOG_DATE", "DB_DATE", "MESSAGE"}

// CSVDecoder streams events out of a CSV dump. DB_DATE drives arrival
// unless OverrideArrival is set, in which case the decoder's wall-clock
// call time is used instead. An out-of-order warning is emitted at most
// once per decoder lifetime.
type CSVDecoder struct {
	r               *csv.Reader
	header          map[string]int
	OverrideArrival bool
	Now             func() time.Time

	lastDBDate     int64
	warnedOutOfOrder bool
	Warn           func(format string, args ...interface{})
}

// NewCSVDecoder reads and validates the header row of r.
func NewCSVDecoder(r io.Reader) (*CSVDecoder, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	row, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("wire: csv header: %w", err)
	}
	header := make(map[string]int, len(row))
	for i, col := range row {
		header[col] = i
	}
	for _, req := range csvRequiredColumns {
		if _, ok := header[req]; !ok {
			return nil, fmt.Errorf("wire: csv missing required column %s", req)
		}
	}
	return &CSVDecoder{r: cr, header: header, Now: time.Now}, nil
}

// Next decodes the next row, or returns io.EOF when the dump is exhausted.
func (d *CSVDecoder) Next() (*event.Event, error) {
	row, err := d.r.Read()
	if err != nil {
		return nil, err
	}
	col := func(name string) string {
		if i, ok := d.header[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	dbDate, err := strconv.ParseInt(col("DB_DATE"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("wire: csv DB_DATE %q: %w", col("DB_DATE"), err)
	}
	logDate, err := strconv.ParseInt(col("LOG_DATE"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("wire: csv LOG_DATE %q: %w", col("LOG_DATE"), err)
	}

	arrival := dbDate
	if d.OverrideArrival {
		if d.Now == nil {
			d.Now = time.Now
		}
		arrival = d.Now().Unix()
	}
	if dbDate < d.lastDBDate && !d.warnedOutOfOrder {
		d.warnedOutOfOrder = true
		if d.Warn != nil {
			d.Warn("wire: csv dump out of order at DB_DATE=%d", dbDate)
		}
	}
	d.lastDBDate = dbDate

	attrs := map[string]string{"log_date": col("LOG_DATE")}
	if code := col("INTERNAL_CODE"); code != "" {
		attrs["internal_code"] = code
	}

	return event.New(event.Params{
		Name: col("NAME"), Host: col("SHORT_NAME"), Description: col("MESSAGE"),
		Creation: logDate, Arrival: arrival, HasCreation: true, HasArrival: true,
		Attributes: attrs,
	}, time.Unix(arrival, 0))
}
