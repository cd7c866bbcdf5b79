package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/corrflow/engine/event"
)

// binarySentinel terminates each encoded record.
const binarySentinel = 0xFF

// binaryFields is the documented field set a pickle-style record may
// carry, in encode order; unknown keys are never written or accepted.
var binaryFields = []string{
	"name", "description", "id", "type", "status", "count", "host",
	"creation", "arrival",
}

// EncodeBinary writes one record per event as a length-prefixed
// key/value map followed by the sentinel byte.
func EncodeBinary(w io.Writer, events []*event.Event) error {
	for _, e := range events {
		if err := encodeBinaryRecord(w, e); err != nil {
			return err
		}
	}
	return nil
}

func encodeBinaryRecord(w io.Writer, e *event.Event) error {
	values := map[string]string{
		"name": e.Name, "description": e.Description, "id": e.ID,
		"type": string(e.Type), "status": string(e.Status),
		"count": fmt.Sprintf("%d", e.Count), "host": e.Host,
		"creation": fmt.Sprintf("%d", e.Creation), "arrival": fmt.Sprintf("%d", e.Arrival),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, int32(len(values))); err != nil {
		return fmt.Errorf("wire: binary encode: %w", err)
	}
	for _, key := range binaryFields {
		val := values[key]
		writeBinaryString(&buf, key)
		writeBinaryString(&buf, val)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wire: binary write: %w", err)
	}
	if _, err := w.Write([]byte{binarySentinel}); err != nil {
		return fmt.Errorf("wire: binary write sentinel: %w", err)
	}
	return nil
}

func writeBinaryString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, int32(len(s)))
	buf.WriteString(s)
}

// BinaryDecoder reads sentinel-delimited binary records from a stream,
// buffering any partial trailing segment across reads so it composes
// with a streaming TCP source.
type BinaryDecoder struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

// NewBinaryDecoder wraps r for incremental decoding.
func NewBinaryDecoder(r io.Reader) *BinaryDecoder {
	return &BinaryDecoder{r: bufio.NewReader(r)}
}

// Next reads and decodes the next complete record, blocking on r until
// either a full record (up to the sentinel) is available or r returns an
// error. io.EOF with a non-empty partial buffer means the stream ended
// mid-record; that partial content is retained in case more bytes
// eventually arrive on the same decoder (e.g. after a TCP reconnect
// replaces the underlying reader via Reset).
func (d *BinaryDecoder) Next() (*event.Event, error) {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == binarySentinel {
			rec := append([]byte(nil), d.buf.Bytes()...)
			d.buf.Reset()
			return decodeBinaryRecord(rec)
		}
		d.buf.WriteByte(b)
	}
}

// Reset swaps the underlying reader without discarding a buffered
// partial record, so a reconnecting TCP source can resume mid-record.
func (d *BinaryDecoder) Reset(r io.Reader) { d.r = bufio.NewReader(r) }

func decodeBinaryRecord(rec []byte) (*event.Event, error) {
	buf := bytes.NewReader(rec)
	var n int32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("wire: binary decode: %w", err)
	}
	values := make(map[string]string, n)
	for i := int32(0); i < n; i++ {
		key, err := readBinaryString(buf)
		if err != nil {
			return nil, fmt.Errorf("wire: binary decode key: %w", err)
		}
		val, err := readBinaryString(buf)
		if err != nil {
			return nil, fmt.Errorf("wire: binary decode value: %w", err)
		}
		values[key] = val
	}

	p := event.Params{
		Name: values["name"], Host: values["host"], Description: values["description"],
		ID: values["id"], Type: event.Type(values["type"]), Status: event.Status(values["status"]),
		HasDescription: true, HasType: true, HasStatus: true,
		HasCreation: true, HasArrival: values["arrival"] != "", HasCount: true,
	}
	fmt.Sscanf(values["creation"], "%d", &p.Creation)
	fmt.Sscanf(values["arrival"], "%d", &p.Arrival)
	fmt.Sscanf(values["count"], "%d", &p.Count)
	return event.New(p, time.Unix(p.Creation, 0))
}

func readBinaryString(buf *bytes.Reader) (string, error) {
	var n int32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}
