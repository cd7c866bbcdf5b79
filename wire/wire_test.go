package wire

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/corrflow/engine/event"
	"github.com/stretchr/testify/require"
)

func mkEvent(t *testing.T) *event.Event {
	t.Helper()
	e, err := event.New(event.Params{
		Name: "X", Host: "h", Description: "d", ID: "id-1",
		HasDescription: true, HasType: true, Type: event.TypeRaw,
		HasStatus: true, Status: event.StatusActive,
		HasCreation: true, Creation: 100,
	}, time.Unix(100, 0))
	require.NoError(t, err)
	e.SetAttribute("k", "v", event.AttrSet)
	return e
}

func TestXML_RoundTrip(t *testing.T) {
	e := mkEvent(t)
	var buf bytes.Buffer
	require.NoError(t, EncodeXML(&buf, []*event.Event{e}))

	decoded, errs := DecodeXML(&buf)
	require.Empty(t, errs)
	require.Len(t, decoded, 1)
	require.Equal(t, e.Name, decoded[0].Name)
	require.Equal(t, e.ID, decoded[0].ID)
	require.Equal(t, "v", decoded[0].GetAttribute("k"))
}

func TestXML_EncodeRejectsInvalidEvent(t *testing.T) {
	e := mkEvent(t)
	e.Status = ""
	err := EncodeXML(&bytes.Buffer{}, []*event.Event{e})
	require.Error(t, err)
}

func TestXML_DecodeReportsPerEventErrorsWithoutAbortingBatch(t *testing.T) {
	doc := `<events>
  <event><name>good</name><id>1</id><type>raw</type><status>active</status><host>h</host><creation>1</creation></event>
  <event><name>bad</name><id>2</id><type>raw</type><host>h</host><creation>1</creation></event>
</events>`
	decoded, errs := DecodeXML(strings.NewReader(doc))
	require.Len(t, errs, 1, "the malformed event (missing status) is reported")
	require.Len(t, decoded, 1, "the well-formed event still decodes")
	require.Equal(t, "good", decoded[0].Name)
}

func TestBinary_RoundTrip(t *testing.T) {
	e := mkEvent(t)
	var buf bytes.Buffer
	require.NoError(t, EncodeBinary(&buf, []*event.Event{e}))

	dec := NewBinaryDecoder(&buf)
	got, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, e.Name, got.Name)
	require.Equal(t, e.ID, got.ID)
}

func TestBinary_DecoderBuffersPartialRecordAcrossReset(t *testing.T) {
	e := mkEvent(t)
	var full bytes.Buffer
	require.NoError(t, EncodeBinary(&full, []*event.Event{e}))

	split := len(full.Bytes()) / 2
	first := full.Bytes()[:split]
	second := full.Bytes()[split:]

	dec := NewBinaryDecoder(bytes.NewReader(first))
	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF, "a stream ending mid-record surfaces EOF, retaining the partial")

	dec.Reset(bytes.NewReader(second))
	got, err := dec.Next()
	require.NoError(t, err, "the retained partial completes once the rest arrives")
	require.Equal(t, e.Name, got.Name)
}

func TestLineTemplate_MatchAndSkipsUnmatched(t *testing.T) {
	tmpl := LineTemplate{
		Pattern: regexp.MustCompile(`^(?P<host>\w+): (?P<description>.+)$`),
		Name:    "syslog",
	}
	e, ok, err := tmpl.Match("web1: disk full", time.Unix(1000, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "web1", e.Host)
	require.Equal(t, "disk full", e.Description)

	_, ok, err = tmpl.Match("not a match at all", time.Unix(1000, 0))
	require.NoError(t, err)
	require.False(t, ok, "unmatched lines are skipped, not errors")
}

func TestMatchAny_TriesTemplatesInOrder(t *testing.T) {
	first := LineTemplate{Pattern: regexp.MustCompile(`^FIRST (?P<host>\w+)$`), Name: "a"}
	second := LineTemplate{Pattern: regexp.MustCompile(`^SECOND (?P<host>\w+)$`), Name: "b"}

	e, ok, err := MatchAny([]LineTemplate{first, second}, "SECOND web1", time.Unix(1, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", e.Name)
}

func TestCSVDecoder_RequiresHeaderColumns(t *testing.T) {
	_, err := NewCSVDecoder(strings.NewReader("A,B\n1,2\n"))
	require.Error(t, err)
}

func TestCSVDecoder_DecodesRowsAndFlagsOutOfOrder(t *testing.T) {
	csv := "SHORT_NAME,NAME,LOG_DATE,DB_DATE,MESSAGE\n" +
		"host1,ev1,100,100,first\n" +
		"host1,ev2,90,90,second\n"
	dec, err := NewCSVDecoder(strings.NewReader(csv))
	require.NoError(t, err)

	var warned string
	dec.Warn = func(format string, args ...interface{}) { warned = format }

	e1, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, "ev1", e1.Name)

	e2, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, "ev2", e2.Name)
	require.NotEmpty(t, warned, "DB_DATE going backwards must be flagged")
}
