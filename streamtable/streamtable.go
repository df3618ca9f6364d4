// Package streamtable implements the stream table (component C4): a
// system-owned stream whose data area holds one fixed-size record per user
// stream (spec §4.3). It is itself just a stream.Stream (opened
// self-sizing, so its own Length always equals its chain's total data-area
// size rather than a caller-set value) with record-oriented Append / Update
// / Remove / List built on top — the layering xmysql-server uses for
// storage/wrapper/system/trx.go's fixed-record transaction table over the
// raw page store.
package streamtable

import (
	"encoding/binary"
	"io"

	"github.com/zhukovaskychina/segstore/segerr"
	"github.com/zhukovaskychina/segstore/stream"
)

// RecordSize is streamID(16) + tag(4) + firstSegmentPosition(8) + length(8)
// + initializedLength(8).
const RecordSize = 16 + 4 + 8 + 8 + 8

// Record is one stream's persisted metadata row.
type Record struct {
	StreamID             [16]byte
	Tag                  uint32
	FirstSegmentPosition int64
	Length               int64
	InitializedLength    int64
}

// EncodeRecord serializes a record to its fixed-width on-disk form, for
// tools (segfsck, segctl) that need to read the table without a live
// Storage.
func EncodeRecord(r Record) []byte { return encode(r) }

// DecodeRecord parses one RecordSize-byte record.
func DecodeRecord(buf []byte) Record { return decode(buf) }

func encode(r Record) []byte {
	buf := make([]byte, RecordSize)
	copy(buf[0:16], r.StreamID[:])
	binary.LittleEndian.PutUint32(buf[16:20], r.Tag)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(r.FirstSegmentPosition))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(r.Length))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(r.InitializedLength))
	return buf
}

func decode(buf []byte) Record {
	var r Record
	copy(r.StreamID[:], buf[0:16])
	r.Tag = binary.LittleEndian.Uint32(buf[16:20])
	r.FirstSegmentPosition = int64(binary.LittleEndian.Uint64(buf[20:28]))
	r.Length = int64(binary.LittleEndian.Uint64(buf[28:36]))
	r.InitializedLength = int64(binary.LittleEndian.Uint64(buf[36:44]))
	return r
}

// Table is an open handle onto the stream table.
type Table struct {
	cursor *stream.Stream
}

// Open opens the stream table's backing cursor. params.SelfSizing is forced
// to true regardless of what the caller passes.
func Open(params stream.OpenParams) (*Table, error) {
	params.SelfSizing = true
	cursor, err := stream.Open(params)
	if err != nil {
		return nil, err
	}
	return &Table{cursor: cursor}, nil
}

// FirstSegmentPosition is the table's own chain head, for persisting into
// the master header.
func (t *Table) FirstSegmentPosition() int64 { return t.cursor.FirstSegmentPosition() }

// Length is the table's current occupied byte length (a multiple of
// RecordSize). This is InitializedLength, not the cursor's Length: a
// self-sizing stream's Length reflects its whole chain's raw capacity,
// which usually runs ahead of how many records have actually been written
// into it (spec §4.3's growth rounds up to a block).
func (t *Table) Length() int64 { return t.cursor.InitializedLength() }

func (t *Table) scanAll() ([]Record, error) {
	length := t.cursor.InitializedLength()
	if length == 0 {
		return nil, nil
	}
	if _, err := t.cursor.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(t.cursor, buf); err != nil {
		return nil, segerr.Wrap(segerr.IO, err, "reading stream table")
	}
	n := int(length / RecordSize)
	recs := make([]Record, n)
	for i := 0; i < n; i++ {
		recs[i] = decode(buf[i*RecordSize : (i+1)*RecordSize])
	}
	return recs, nil
}

// Find looks up a stream's record by ID.
func (t *Table) Find(id [16]byte) (Record, bool, error) {
	recs, err := t.scanAll()
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range recs {
		if r.StreamID == id {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// List returns every stream's record.
func (t *Table) List() ([]Record, error) { return t.scanAll() }

// Append adds a new stream's record. It fails with segerr.DuplicateStream
// if the ID is already present.
func (t *Table) Append(r Record) error {
	_, found, err := t.Find(r.StreamID)
	if err != nil {
		return err
	}
	if found {
		return segerr.Newf(segerr.DuplicateStream, "stream %x already exists", r.StreamID)
	}
	if _, err := t.cursor.Seek(t.cursor.InitializedLength(), io.SeekStart); err != nil {
		return err
	}
	_, err = t.cursor.Write(encode(r))
	return err
}

// Update overwrites an existing stream's record in place.
func (t *Table) Update(r Record) error {
	recs, err := t.scanAll()
	if err != nil {
		return err
	}
	for i, rec := range recs {
		if rec.StreamID == r.StreamID {
			if _, err := t.cursor.Seek(int64(i)*RecordSize, io.SeekStart); err != nil {
				return err
			}
			_, err := t.cursor.Write(encode(r))
			return err
		}
	}
	return segerr.Newf(segerr.NoSuchStream, "stream %x not found", r.StreamID)
}

// Remove deletes a stream's record, swapping the last record into its slot
// to avoid shifting the rest (the table does not guarantee record order).
func (t *Table) Remove(id [16]byte) error {
	recs, err := t.scanAll()
	if err != nil {
		return err
	}
	idx := -1
	for i, r := range recs {
		if r.StreamID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return segerr.Newf(segerr.NoSuchStream, "stream %x not found", id)
	}
	last := len(recs) - 1
	if idx != last {
		if _, err := t.cursor.Seek(int64(idx)*RecordSize, io.SeekStart); err != nil {
			return err
		}
		if _, err := t.cursor.Write(encode(recs[last])); err != nil {
			return err
		}
	}
	return t.cursor.SetInitializedLength(int64(last) * RecordSize)
}

// Reload discards the table's in-memory chain and re-derives it from what is
// currently on disk at firstSegmentPosition, with initializedLength records
// populated. Storage calls this after a transaction rollback.
func (t *Table) Reload(firstSegmentPosition, initializedLength int64) error {
	return t.cursor.Reload(firstSegmentPosition, 0, initializedLength)
}

// Close persists any pending state and closes the underlying cursor.
func (t *Table) Close() error { return t.cursor.Close() }
