// Package segstore is the storage engine's coordinator (component C6): it
// owns the master file, the free-space and stream-table system streams, the
// transaction journal, and the registry of currently-open user streams
// (spec §9's "open-stream registry" note — the cyclic Storage<->Stream
// reference is broken by having Stream talk back to Storage only through
// the narrow MetaSink interface, never holding a *Storage directly).
//
// The bootstrap logic (new file vs. existing file) and the single held
// *os.File per Storage instance mirror how xmysql-server's
// wrapper/system/SystemSpace owns one ibd.IBD_File and hands out cursors
// over its own page store.
package segstore

import (
	"crypto/rand"
	"sync"

	"github.com/zhukovaskychina/segstore/chain"
	"github.com/zhukovaskychina/segstore/enginelog"
	"github.com/zhukovaskychina/segstore/freespace"
	"github.com/zhukovaskychina/segstore/journal"
	"github.com/zhukovaskychina/segstore/master"
	"github.com/zhukovaskychina/segstore/segconf"
	"github.com/zhukovaskychina/segstore/segerr"
	"github.com/zhukovaskychina/segstore/segment"
	"github.com/zhukovaskychina/segstore/stream"
	"github.com/zhukovaskychina/segstore/streamtable"
	"github.com/zhukovaskychina/segstore/txio"
)

// StreamID identifies a user stream: a 128-bit GUID chosen by the caller
// (spec §6's create_stream(id, tag)), not generated by Storage — the add-in
// collaborator keys its own streams by an identity that has to survive
// across a reopen, so Storage cannot hand out ids of its own choosing.
type StreamID [16]byte

// NewStreamID generates a random 128-bit id, for callers that don't already
// have one of their own to use with CreateStream.
func NewStreamID() (StreamID, error) {
	var id StreamID
	if _, err := rand.Read(id[:]); err != nil {
		return StreamID{}, segerr.Wrap(segerr.IO, err, "generating stream id")
	}
	return id, nil
}

// Stats is a point-in-time snapshot of a Storage's occupancy, returned by
// Storage.Stat.
type Stats struct {
	FileLength    int64
	BlockSize     uint32
	StreamCount   int
	FreeBytes     int64
	FreeFragments int
}

// Storage is one open master file plus its system streams and the streams
// currently checked out from it.
type Storage struct {
	mu sync.Mutex

	file    *master.File
	txnFile *txio.File
	header  *master.Header
	journal *journal.Journal

	freeSpace *freespace.Stream
	table     *streamtable.Table

	open map[StreamID]*stream.Stream
}

// Open opens the master file at path, creating it (with the given block
// size) if it doesn't already exist. A blockSize of 0 selects
// master.DefaultBlockSize; it is ignored when opening an existing file.
func Open(path string, blockSize uint32) (*Storage, error) {
	cfg := segconf.NewCfg()
	cfg.BlockSize = blockSize
	return OpenWithConfig(path, cfg)
}

// OpenWithConfig is Open plus segconf.Cfg's engine-wide options: cfg's
// JournalPath overrides the default "<path>.journal" location (letting the
// journal live on separate storage from the master file, same as
// xmysql-server keeping its redo log outside the tablespace directory), and
// cfg.LogLevel/LogPath have already reconfigured enginelog by the time
// segconf.Load returned cfg.
func OpenWithConfig(path string, cfg *segconf.Cfg) (*Storage, error) {
	journalPath := cfg.JournalPath
	if journalPath == "" {
		journalPath = path + ".journal"
	}
	if master.Exists(path) {
		return openExisting(path, journalPath)
	}
	blockSize := cfg.BlockSize
	if blockSize == 0 {
		blockSize = master.DefaultBlockSize
	}
	return createNew(path, journalPath, blockSize)
}

func createNew(path, journalPath string, blockSize uint32) (*Storage, error) {
	if err := master.ValidateBlockSize(blockSize); err != nil {
		return nil, err
	}
	mf, err := master.Create(path)
	if err != nil {
		return nil, err
	}
	header := master.New(blockSize)
	if err := mf.Truncate(int64(blockSize)); err != nil {
		return nil, err
	}
	if err := header.Persist(mf); err != nil {
		return nil, err
	}

	s, err := newStorage(path, mf, header, journalPath)
	if err != nil {
		return nil, err
	}
	s.freeSpace = freespace.Empty(s.txnFile, int64(blockSize))
	s.freeSpace.SetHeadListener(s.persistFreeSpaceHead)

	table, err := streamtable.Open(s.tableOpenParams(segment.NoLocation))
	if err != nil {
		return nil, err
	}
	s.table = table
	enginelog.Infof("created segstore %s (block size %d)", path, blockSize)
	return s, nil
}

func openExisting(path, journalPath string) (*Storage, error) {
	mf, err := master.Open(path)
	if err != nil {
		return nil, err
	}
	header, err := master.Load(mf)
	if err != nil {
		return nil, err
	}

	s, err := newStorage(path, mf, header, journalPath)
	if err != nil {
		return nil, err
	}
	fs, err := freespace.Load(s.txnFile, int64(header.BlockSize), header.FreeSpaceLocation)
	if err != nil {
		return nil, err
	}
	fs.SetHeadListener(s.persistFreeSpaceHead)
	s.freeSpace = fs

	table, err := streamtable.Open(s.tableOpenParams(header.StreamTableLocation))
	if err != nil {
		return nil, err
	}
	s.table = table
	enginelog.Infof("opened segstore %s (%d streams)", path, mustCount(table))
	return s, nil
}

func mustCount(t *streamtable.Table) int {
	recs, err := t.List()
	if err != nil {
		return -1
	}
	return len(recs)
}

func newStorage(path string, mf *master.File, header *master.Header, journalPath string) (*Storage, error) {
	j, err := journal.Open(journalPath)
	if err != nil {
		return nil, err
	}
	return &Storage{
		file:    mf,
		txnFile: txio.New(mf, j),
		header:  header,
		journal: j,
		open:    make(map[StreamID]*stream.Stream),
	}, nil
}

func (s *Storage) tableOpenParams(firstSegmentPosition int64) stream.OpenParams {
	return stream.OpenParams{
		FirstSegmentPosition: firstSegmentPosition,
		InitializedLength:    s.header.StreamTableLength,
		File:                 s.txnFile,
		RollbackTarget:       s.file,
		Txn:                  s.journal,
		FreeSpace:            s.freeSpace,
		BlockSize:            int64(s.header.BlockSize),
		Sink:                 masterSink{s},
		GrowFile:             s.growFile,
	}
}

// masterSink persists the stream-table stream's own root pointer and
// occupied length into the master header rather than into a stream-table
// row (it has none — it *is* the stream table).
type masterSink struct{ s *Storage }

func (m masterSink) PersistMeta(_ [16]byte, meta stream.Meta) error {
	m.s.header.StreamTableLocation = meta.FirstSegmentPosition
	m.s.header.StreamTableLength = meta.InitializedLength
	return m.s.header.Persist(m.s.txnFile)
}
func (masterSink) NotifyClosing([16]byte) {}

// tableSink persists an ordinary user stream's metadata into its
// stream-table row, and drops it from the open-stream registry on close.
type tableSink struct{ s *Storage }

func (t tableSink) PersistMeta(id [16]byte, meta stream.Meta) error {
	return t.s.table.Update(streamtable.Record{
		StreamID:             id,
		Tag:                  meta.Tag,
		FirstSegmentPosition: meta.FirstSegmentPosition,
		Length:               meta.Length,
		InitializedLength:    meta.InitializedLength,
	})
}

func (t tableSink) NotifyClosing(id [16]byte) {
	t.s.mu.Lock()
	delete(t.s.open, StreamID(id))
	t.s.mu.Unlock()
}

func roundUpToBlock(v, blockSize int64) int64 {
	if v <= 0 {
		return blockSize
	}
	if rem := v % blockSize; rem != 0 {
		return v + (blockSize - rem)
	}
	return v
}

// growFile extends the master file by at least minAdditionalBytes, rounded
// up to a block boundary, and hands the new region to the free-space
// stream. It is the GrowFile callback every stream.Stream is opened with.
func (s *Storage) growFile(minAdditionalBytes int64) error {
	return s.journal.Run(s.file, func() error {
		oldLen := s.header.FileLength
		grownBy := roundUpToBlock(minAdditionalBytes, int64(s.header.BlockSize))
		newLen := oldLen + grownBy
		if err := s.file.Truncate(newLen); err != nil {
			return err
		}
		newSeg := segment.New(oldLen, grownBy)
		if err := newSeg.Persist(s.txnFile); err != nil {
			return err
		}
		if err := s.freeSpace.AddSegments([]*segment.Segment{newSeg}); err != nil {
			return err
		}
		s.header.FileLength = newLen
		enginelog.Debugf("grew segstore file to %d bytes (+%d)", newLen, grownBy)
		return s.header.Persist(s.txnFile)
	})
}

func (s *Storage) persistFreeSpaceHead(head int64) error {
	s.header.FreeSpaceLocation = head
	return s.header.Persist(s.txnFile)
}

// CreateStream allocates a new, empty stream under the caller-chosen id. It
// fails with segerr.DuplicateStream if id is already in use.
func (s *Storage) CreateStream(id StreamID, tag uint32) error {
	return s.table.Append(streamtable.Record{
		StreamID:             [16]byte(id),
		Tag:                  tag,
		FirstSegmentPosition: segment.NoLocation,
	})
}

// OpenStream checks out a cursor onto an existing stream. Only one cursor
// per stream may be open at a time (spec §9's registry design note).
func (s *Storage) OpenStream(id StreamID) (*stream.Stream, error) {
	s.mu.Lock()
	if _, already := s.open[id]; already {
		s.mu.Unlock()
		return nil, segerr.Newf(segerr.TransactionConflict, "stream %x already open", id)
	}
	s.mu.Unlock()

	rec, found, err := s.table.Find([16]byte(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, segerr.Newf(segerr.NoSuchStream, "stream %x not found", id)
	}

	cur, err := stream.Open(stream.OpenParams{
		ID:                   [16]byte(id),
		Tag:                  rec.Tag,
		FirstSegmentPosition: rec.FirstSegmentPosition,
		Length:               rec.Length,
		InitializedLength:    rec.InitializedLength,
		File:                 s.txnFile,
		RollbackTarget:       s.file,
		Txn:                  s.journal,
		FreeSpace:            s.freeSpace,
		BlockSize:            int64(s.header.BlockSize),
		Sink:                 tableSink{s},
		GrowFile:             s.growFile,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.open[id] = cur
	s.mu.Unlock()
	return cur, nil
}

// DeleteStream removes a stream and returns all its space to the free-space
// stream. It fails with segerr.TransactionConflict if the stream currently
// has an open cursor.
func (s *Storage) DeleteStream(id StreamID) error {
	s.mu.Lock()
	_, isOpen := s.open[id]
	s.mu.Unlock()
	if isOpen {
		return segerr.Newf(segerr.TransactionConflict, "stream %x is open", id)
	}

	rec, found, err := s.table.Find([16]byte(id))
	if err != nil {
		return err
	}
	if !found {
		return segerr.Newf(segerr.NoSuchStream, "stream %x not found", id)
	}

	return s.journal.Run(s.file, func() error {
		if rec.FirstSegmentPosition != segment.NoLocation {
			segs, err := chain.Load(s.txnFile, rec.FirstSegmentPosition)
			if err != nil {
				return err
			}
			if err := s.freeSpace.AddSegments(segs); err != nil {
				return err
			}
		}
		return s.table.Remove([16]byte(id))
	})
}

// SetStreamTag changes a stream's tag, whether or not it currently has an
// open cursor.
func (s *Storage) SetStreamTag(id StreamID, tag uint32) error {
	s.mu.Lock()
	cur, isOpen := s.open[id]
	s.mu.Unlock()
	if isOpen {
		cur.SetTag(tag)
		return cur.Flush()
	}

	rec, found, err := s.table.Find([16]byte(id))
	if err != nil {
		return err
	}
	if !found {
		return segerr.Newf(segerr.NoSuchStream, "stream %x not found", id)
	}
	rec.Tag = tag
	return s.table.Update(rec)
}

// ListStreams returns every stream's persisted metadata row.
func (s *Storage) ListStreams() ([]streamtable.Record, error) {
	return s.table.List()
}

// Stat returns a point-in-time occupancy snapshot.
func (s *Storage) Stat() (Stats, error) {
	recs, err := s.table.List()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		FileLength:    s.header.FileLength,
		BlockSize:     s.header.BlockSize,
		StreamCount:   len(recs),
		FreeBytes:     s.freeSpace.TotalBytes(),
		FreeFragments: s.freeSpace.FragmentCount(),
	}, nil
}

// BeginTransaction starts (or nests into) a transaction spanning multiple
// stream operations. Every individual Stream.Write/SetLength/Close call is
// already its own transaction; wrapping several in an explicit
// Begin/Commit/Rollback flattens them into one atomic unit (spec §4.7).
func (s *Storage) BeginTransaction() { s.journal.Begin() }

// CommitTransaction ends the current transaction, discarding the journal
// once the outermost commit is reached.
func (s *Storage) CommitTransaction() error {
	_, err := s.journal.Commit()
	return err
}

// RollbackTransaction aborts the current (possibly nested) transaction,
// restoring the master file to its state before BeginTransaction and
// reloading every piece of in-memory state derived from it — the header,
// the free-space stream, the stream table, and every currently-open user
// stream's chain and metadata (spec §4.7's ReloadSegmentsOnRollback).
// journal.Rollback only rewinds file bytes; without this, an open cursor
// mutated during the aborted transaction would keep reporting the
// transaction's (undone) writes.
func (s *Storage) RollbackTransaction() error {
	if err := s.journal.Rollback(s.file); err != nil {
		return err
	}
	return s.reloadAfterRollback()
}

// reloadAfterRollback re-derives every in-memory structure from the file as
// journal.Rollback just left it.
func (s *Storage) reloadAfterRollback() error {
	header, err := master.Load(s.file)
	if err != nil {
		return err
	}
	s.header = header

	// growFile's Truncate extends the file outside the journal (it isn't a
	// WriteAt, so it has no before-image to replay); a growth that happened
	// inside the rolled-back transaction otherwise leaves the physical file
	// longer than the restored header says it is.
	if size, err := s.file.Size(); err != nil {
		return err
	} else if size > header.FileLength {
		if err := s.file.Truncate(header.FileLength); err != nil {
			return err
		}
	}

	if err := s.freeSpace.Reload(header.FreeSpaceLocation); err != nil {
		return err
	}
	if err := s.table.Reload(header.StreamTableLocation, header.StreamTableLength); err != nil {
		return err
	}

	s.mu.Lock()
	open := make(map[StreamID]*stream.Stream, len(s.open))
	for id, cur := range s.open {
		open[id] = cur
	}
	s.mu.Unlock()

	for id, cur := range open {
		rec, found, err := s.table.Find([16]byte(id))
		if err != nil {
			return err
		}
		if !found {
			// The transaction created this stream and rollback undid it;
			// the open handle no longer has anything backing it on disk.
			if err := cur.Reload(segment.NoLocation, 0, 0); err != nil {
				return err
			}
			continue
		}
		if err := cur.Reload(rec.FirstSegmentPosition, rec.Length, rec.InitializedLength); err != nil {
			return err
		}
	}
	return nil
}

// Close refuses to close while any stream is still checked out, then
// releases the journal and master file.
func (s *Storage) Close() error {
	s.mu.Lock()
	n := len(s.open)
	s.mu.Unlock()
	if n > 0 {
		return segerr.Newf(segerr.TransactionConflict, "%d stream(s) still open", n)
	}
	if err := s.table.Close(); err != nil {
		return err
	}
	if err := s.journal.Close(); err != nil {
		return err
	}
	return s.file.Close()
}

// Path returns the master file's path on disk.
func (s *Storage) Path() string { return s.file.Path() }
