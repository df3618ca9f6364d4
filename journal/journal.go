// Package journal implements the transaction journal (component C7): a
// side file recording before-images of every byte range the engine is
// about to overwrite, so a failed transaction can be rolled back to its
// pre-transaction state (spec §4.7). The side-file-with-ReadAt/WriteAt
// idiom mirrors master.File / xmysql-server's IBD_File; nesting is
// flattened the way spec §4.7 requires by a simple depth counter.
package journal

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/zhukovaskychina/segstore/segerr"
)

// recordHeaderSize is offset(8) + length(8) preceding each before-image.
const recordHeaderSize = 16

// record is one captured before-image.
type record struct {
	offset int64
	data   []byte
}

// Journal is the before-image log for one Storage instance's transactions.
// It is not safe for concurrent use, matching the engine's single-writer
// model (spec §5).
type Journal struct {
	path  string
	f     *os.File
	depth int
}

// Open creates (or truncates, if stale) the journal file at path. A fresh
// Storage.Open call always starts with an empty journal: any journal found
// left over from a crash is not a resumable log in this engine (spec §7's
// "the coordinator never attempts to repair a partially-corrupted file"
// applies equally to a stale journal), so it is discarded.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, segerr.Wrapf(segerr.IO, err, "opening journal %s", path)
	}
	return &Journal{path: path, f: f}, nil
}

// InTransaction reports whether a transaction is currently active.
func (j *Journal) InTransaction() bool { return j.depth > 0 }

// Begin starts (or, if already active, nests into) a transaction.
func (j *Journal) Begin() {
	j.depth++
}

// LogBeforeImage captures the current content of src[offset:offset+length]
// into the journal. Per spec §5, this write must complete before the
// caller performs the corresponding overwrite on the master file.
func (j *Journal) LogBeforeImage(src io.ReaderAt, offset, length int64) error {
	if length == 0 {
		return nil
	}
	buf := make([]byte, recordHeaderSize+length)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(offset))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(length))
	if _, err := src.ReadAt(buf[recordHeaderSize:], offset); err != nil {
		return segerr.Wrapf(segerr.IO, err, "capturing before-image at %d", offset)
	}
	if _, err := j.f.Write(buf); err != nil {
		return segerr.Wrap(segerr.IO, err, "appending to journal")
	}
	return segerr.Wrap(segerr.IO, j.f.Sync(), "syncing journal")
}

// Commit ends the innermost transaction. Only the outermost commit
// truncates the journal, per spec §4.7's flattening rule. It reports
// whether this call was the outermost one.
func (j *Journal) Commit() (bool, error) {
	if j.depth == 0 {
		return false, segerr.New(segerr.TransactionConflict, "commit with no active transaction")
	}
	j.depth--
	if j.depth > 0 {
		return false, nil
	}
	if err := j.truncate(); err != nil {
		return true, err
	}
	return true, nil
}

// Rollback aborts the entire (possibly nested) transaction, replaying the
// journal from tail to head onto dst, then truncating it.
func (j *Journal) Rollback(dst io.WriterAt) error {
	if j.depth == 0 {
		return segerr.New(segerr.TransactionConflict, "rollback with no active transaction")
	}
	j.depth = 0

	records, err := j.readAll()
	if err != nil {
		return err
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if _, err := dst.WriteAt(r.data, r.offset); err != nil {
			return segerr.Wrapf(segerr.IO, err, "restoring before-image at %d", r.offset)
		}
	}
	return j.truncate()
}

func (j *Journal) readAll() ([]record, error) {
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return nil, segerr.Wrap(segerr.IO, err, "seeking journal")
	}
	var records []record
	header := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(j.f, header); err != nil {
			if err == io.EOF {
				break
			}
			return nil, segerr.Wrap(segerr.IO, err, "reading journal record header")
		}
		offset := int64(binary.LittleEndian.Uint64(header[0:8]))
		length := int64(binary.LittleEndian.Uint64(header[8:16]))
		data := make([]byte, length)
		if _, err := io.ReadFull(j.f, data); err != nil {
			return nil, segerr.Wrap(segerr.IO, err, "reading journal record body")
		}
		records = append(records, record{offset: offset, data: data})
	}
	return records, nil
}

func (j *Journal) truncate() error {
	if err := j.f.Truncate(0); err != nil {
		return segerr.Wrap(segerr.IO, err, "truncating journal")
	}
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return segerr.Wrap(segerr.IO, err, "rewinding journal")
	}
	return nil
}

// Run executes fn as one (possibly nested) transaction: it begins a
// transaction, runs fn, and rolls back onto dst if fn returns a non-nil
// error, otherwise commits. This is the "transaction as scoped resource"
// pattern from spec §9, used by every mutator instead of hand-rolled
// begin/defer/rollback boilerplate.
func (j *Journal) Run(dst io.WriterAt, fn func() error) (err error) {
	j.Begin()
	defer func() {
		if err != nil {
			if rbErr := j.Rollback(dst); rbErr != nil {
				err = rbErr
			}
		}
	}()
	if err = fn(); err != nil {
		return err
	}
	_, err = j.Commit()
	return err
}

// Close releases the journal's file handle and removes it from disk: the
// journal only needs to exist for the lifetime of an open Storage.
func (j *Journal) Close() error {
	if err := j.f.Close(); err != nil {
		return segerr.Wrap(segerr.IO, err, "closing journal")
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return segerr.Wrap(segerr.IO, err, "removing journal")
	}
	return nil
}
