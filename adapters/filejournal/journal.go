// Package filejournal is a Badger-backed fixture-replay store used by
// test/integration harnesses: not the live event cache, but a
// deterministic record/replay journal so an input sequence can be
// captured once and replayed byte-for-byte across runs. Records live
// under a single monotonically increasing sequence key.
package filejournal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/corrflow/engine/event"
	"github.com/corrflow/engine/wire"
	"github.com/dgraph-io/badger/v4"
)

// Journal persists an ordered sequence of events under a single numeric
// key namespace.
type Journal struct {
	db *badger.DB
}

// Open creates or reopens a journal at path.
func Open(path string) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("filejournal: open: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Append records events at consecutive sequence numbers starting at the
// journal's current length, preserving arrival order on replay.
func (j *Journal) Append(events []*event.Event) error {
	return j.db.Update(func(txn *badger.Txn) error {
		next, err := j.lenLocked(txn)
		if err != nil {
			return err
		}
		for i, e := range events {
			var buf bytes.Buffer
			if err := wire.EncodeBinary(&buf, []*event.Event{e}); err != nil {
				return fmt.Errorf("filejournal: encode: %w", err)
			}
			if err := txn.Set(seqKey(next+uint64(i)), buf.Bytes()); err != nil {
				return fmt.Errorf("filejournal: set: %w", err)
			}
		}
		return nil
	})
}

func (j *Journal) lenLocked(txn *badger.Txn) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var n uint64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n, nil
}

// Len returns the number of events recorded.
func (j *Journal) Len() (int, error) {
	var n uint64
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = j.lenLocked(txn)
		return err
	})
	return int(n), err
}

// Replay decodes and returns every recorded event in sequence order.
func (j *Journal) Replay() ([]*event.Event, error) {
	var out []*event.Event
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var decodeErr error
			err := item.Value(func(val []byte) error {
				dec := wire.NewBinaryDecoder(bytes.NewReader(val))
				e, err := dec.Next()
				if err != nil {
					decodeErr = err
					return nil
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
			if decodeErr != nil {
				return fmt.Errorf("filejournal: decode: %w", decodeErr)
			}
		}
		return nil
	})
	return out, err
}
