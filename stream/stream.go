// Package stream implements the storage-stream cursor (component C5): the
// Read/Write/Seek/SetLength/Close surface spec §4.4 describes, built on top
// of a segment chain (package segment/chain), the free-space stream
// (package freespace) for growth, and the shared transaction journal
// (package journal) for atomicity. Both ordinary user streams and the
// stream-table's own backing storage are instances of Stream; the
// difference is entirely in how each persists its own metadata (see
// MetaSink) and whether its Length is user-set or self-computed from its
// chain (SelfSizing).
//
// The segment-chain traversal here is the byte-addressing generalization of
// xmysql-server's page-chain walks in
// storage/wrapper/system/fsp.go and storage/wrapper/page/fsp_page_wrapper.go
// (FSP_Header itself lives in storage/wrapper/system/inode.go): instead of
// fixed pages, each link's data area can be any block-aligned size.
package stream

import (
	"io"

	"github.com/zhukovaskychina/segstore/chain"
	"github.com/zhukovaskychina/segstore/freespace"
	"github.com/zhukovaskychina/segstore/journal"
	"github.com/zhukovaskychina/segstore/segerr"
	"github.com/zhukovaskychina/segstore/segment"
	"github.com/zhukovaskychina/segstore/txio"
)

// zeroFillChunk bounds how much scratch memory zero-filling a gap allocates
// at once.
const zeroFillChunk = 64 * 1024

// Meta is a stream's metadata row as stored by whatever backs it: a
// streamtable.Record for ordinary streams, or the master header's
// StreamTableLocation/StreamTableLength fields for the stream-table's own
// cursor.
type Meta struct {
	Tag                  uint32
	FirstSegmentPosition int64
	Length               int64
	InitializedLength    int64
}

// MetaSink lets a Stream persist its own metadata without knowing where
// that row actually lives, and hear about its own closing so the owner can
// drop it from an open-stream registry (spec §9's cyclic-reference note).
type MetaSink interface {
	PersistMeta(id [16]byte, m Meta) error
	NotifyClosing(id [16]byte)
}

// NoopSink discards metadata updates and closing notifications. It backs
// streams that persist their root pointer elsewhere by construction (none
// currently; kept for tests that don't care about metadata persistence).
type NoopSink struct{}

func (NoopSink) PersistMeta([16]byte, Meta) error { return nil }
func (NoopSink) NotifyClosing([16]byte)           {}

// OpenParams describes a stream's persisted state at the moment it is
// opened, plus the shared resources it needs to operate.
type OpenParams struct {
	ID                   [16]byte
	Tag                  uint32
	FirstSegmentPosition int64
	Length               int64
	InitializedLength    int64

	// SelfSizing marks the stream-table's own cursor: its Length is always
	// recomputed from its segment chain rather than taken from a caller's
	// SetLength value (spec §4.3).
	SelfSizing bool

	File           *txio.File
	RollbackTarget io.WriterAt
	Txn            *journal.Journal
	FreeSpace      *freespace.Stream
	BlockSize      int64
	Sink           MetaSink

	// GrowFile is invoked when FreeSpace can't satisfy a growth request; it
	// must extend the master file by at least minAdditionalBytes and add
	// the new region to FreeSpace before returning (spec §4.2).
	GrowFile func(minAdditionalBytes int64) error
}

// Stream is an open cursor over one stream's segment chain.
type Stream struct {
	id         [16]byte
	tag        uint32
	selfSizing bool

	file           *txio.File
	rollbackTarget io.WriterAt
	txn            *journal.Journal
	freeSpace      *freespace.Stream
	blockSize      int64
	sink           MetaSink
	growFile       func(minAdditionalBytes int64) error

	segs              []*segment.Segment
	length            int64
	initializedLength int64
	position          int64
	closed            bool
}

// Open loads a stream's segment chain and prepares a cursor over it.
func Open(p OpenParams) (*Stream, error) {
	s := &Stream{
		id:             p.ID,
		tag:            p.Tag,
		selfSizing:     p.SelfSizing,
		file:           p.File,
		rollbackTarget: p.RollbackTarget,
		txn:            p.Txn,
		freeSpace:      p.FreeSpace,
		blockSize:      p.BlockSize,
		sink:           p.Sink,
		growFile:       p.GrowFile,
	}
	segs, err := chain.Load(p.File, p.FirstSegmentPosition)
	if err != nil {
		return nil, err
	}
	s.applyChainState(segs, p.Length, p.InitializedLength)
	return s, nil
}

// applyChainState installs segs as the cursor's chain and recomputes length
// bookkeeping the same way for both Open and Reload.
func (s *Stream) applyChainState(segs []*segment.Segment, length, initializedLength int64) {
	s.segs = segs
	s.length = length
	s.initializedLength = initializedLength
	if s.selfSizing {
		s.length = chain.TotalDataBytes(s.segs)
		if s.initializedLength > s.length {
			s.initializedLength = s.length
		}
	}
}

// Reload discards the cursor's in-memory chain and metadata and re-derives
// them from what is currently on disk at firstSegmentPosition. Storage calls
// this on every open stream after a transaction rollback: journal.Rollback
// restores file bytes, but a cursor mutated by Write/SetLength during the
// aborted transaction still has the old, now-stale segs/length/
// initializedLength cached in memory (spec §4.7's ReloadSegmentsOnRollback).
func (s *Stream) Reload(firstSegmentPosition, length, initializedLength int64) error {
	segs, err := chain.Load(s.file, firstSegmentPosition)
	if err != nil {
		return err
	}
	s.applyChainState(segs, length, initializedLength)
	if s.position > s.length {
		s.position = s.length
	}
	return nil
}

// StreamID returns the stream's identity.
func (s *Stream) StreamID() [16]byte { return s.id }

// Tag returns the caller-defined 32-bit tag last set on this stream.
func (s *Stream) Tag() uint32 { return s.tag }

// SetTag changes the stream's tag. It takes effect the next time metadata
// is persisted (the next Write, SetLength, or Close).
func (s *Stream) SetTag(tag uint32) { s.tag = tag }

// Length returns the stream's current logical length.
func (s *Stream) Length() int64 { return s.length }

// InitializedLength returns how much of the stream has real, non-synthetic
// bytes on disk.
func (s *Stream) InitializedLength() int64 { return s.initializedLength }

// FirstSegmentPosition returns the chain head's location, or
// segment.NoLocation if the stream has no segments.
func (s *Stream) FirstSegmentPosition() int64 {
	if len(s.segs) == 0 {
		return segment.NoLocation
	}
	return s.segs[0].Location
}

// Seek repositions the cursor. whence follows io.Seeker except that
// io.SeekEnd computes pos = Length - offset (spec's Open Question decision:
// this is the stream's own convention, not POSIX's, and Seek itself never
// fails — only a subsequent Read/Write at an invalid position does).
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, segerr.New(segerr.StreamClosed, "seek on closed stream")
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.position + offset
	case io.SeekEnd:
		pos = s.length - offset
	default:
		return 0, segerr.Newf(segerr.OutOfBounds, "invalid whence %d", whence)
	}
	s.position = pos
	return pos, nil
}

// Read fills p starting at the current position, synthesizing zeros for any
// portion at or beyond InitializedLength (spec §4.4's zero-fill law), and
// advances the position by the number of bytes returned.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, segerr.New(segerr.StreamClosed, "read on closed stream")
	}
	if s.position < 0 {
		return 0, segerr.New(segerr.OutOfBounds, "negative read position")
	}
	if len(p) == 0 {
		return 0, nil
	}
	available := s.length - s.position
	if available <= 0 {
		return 0, io.EOF
	}
	n := int64(len(p))
	if n > available {
		n = available
	}
	if err := s.readLogical(p[:n], s.position); err != nil {
		return 0, err
	}
	s.position += n
	return int(n), nil
}

// readLogical reads [pos, pos+len(buf)) applying the zero-fill law: bytes
// at or beyond InitializedLength never touch disk.
func (s *Stream) readLogical(buf []byte, pos int64) error {
	n := int64(len(buf))
	end := pos + n
	diskEnd := s.initializedLength
	if diskEnd > end {
		diskEnd = end
	}
	if diskEnd > pos {
		if err := s.chainReadAt(buf[:diskEnd-pos], pos); err != nil {
			return err
		}
	}
	for i := diskEnd - pos; i < n; i++ {
		if i >= 0 {
			buf[i] = 0
		}
	}
	return nil
}

func (s *Stream) chainReadAt(buf []byte, pos int64) error {
	remaining := int64(len(buf))
	if remaining == 0 {
		return nil
	}
	bufOff := int64(0)
	idx, posInSeg := s.locate(pos)
	for remaining > 0 {
		if idx >= len(s.segs) {
			return segerr.New(segerr.OutOfBounds, "read runs past end of stream chain")
		}
		seg := s.segs[idx]
		avail := seg.DataAreaSize() - posInSeg
		n := remaining
		if n > avail {
			n = avail
		}
		off := seg.DataAreaStart() + posInSeg
		if _, err := s.file.ReadAt(buf[bufOff:bufOff+n], off); err != nil {
			return segerr.Wrap(segerr.IO, err, "reading stream data")
		}
		bufOff += n
		remaining -= n
		posInSeg = 0
		idx++
	}
	return nil
}

func (s *Stream) chainWriteAt(buf []byte, pos int64) error {
	remaining := int64(len(buf))
	if remaining == 0 {
		return nil
	}
	bufOff := int64(0)
	idx, posInSeg := s.locate(pos)
	for remaining > 0 {
		if idx >= len(s.segs) {
			return segerr.New(segerr.OutOfBounds, "write runs past end of stream chain")
		}
		seg := s.segs[idx]
		avail := seg.DataAreaSize() - posInSeg
		n := remaining
		if n > avail {
			n = avail
		}
		off := seg.DataAreaStart() + posInSeg
		if _, err := s.file.WriteAt(buf[bufOff:bufOff+n], off); err != nil {
			return segerr.Wrap(segerr.IO, err, "writing stream data")
		}
		bufOff += n
		remaining -= n
		posInSeg = 0
		idx++
	}
	return nil
}

// locate finds the segment index and in-segment offset for logical byte
// position pos.
func (s *Stream) locate(pos int64) (idx int, posInSeg int64) {
	posInSeg = pos
	for idx < len(s.segs) && posInSeg >= s.segs[idx].DataAreaSize() {
		posInSeg -= s.segs[idx].DataAreaSize()
		idx++
	}
	return idx, posInSeg
}

// Write writes p at the current position, growing the stream and zero-filling
// any gap between InitializedLength and the write point first (spec §4.4).
// The whole operation is one transaction: any failure leaves the file as if
// the write never happened.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, segerr.New(segerr.StreamClosed, "write on closed stream")
	}
	if s.position < 0 {
		return 0, segerr.New(segerr.OutOfBounds, "negative write position")
	}
	if len(p) == 0 {
		return 0, nil
	}
	target := s.position + int64(len(p))

	err := s.txn.Run(s.rollbackTarget, func() error {
		if target > s.length {
			if err := s.resize(target); err != nil {
				return err
			}
		}
		if s.position > s.initializedLength {
			if err := s.zeroFillRange(s.initializedLength, s.position); err != nil {
				return err
			}
		}
		if err := s.chainWriteAt(p, s.position); err != nil {
			return err
		}
		if target > s.initializedLength {
			s.initializedLength = target
		}
		s.position = target
		return s.persistMeta()
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Stream) zeroFillRange(from, to int64) error {
	if to <= from {
		return nil
	}
	buf := make([]byte, zeroFillChunk)
	pos := from
	for pos < to {
		n := to - pos
		if n > zeroFillChunk {
			n = zeroFillChunk
		}
		if err := s.chainWriteAt(buf[:n], pos); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// SetInitializedLength adjusts how much of the stream's capacity counts as
// holding real data, without touching its chain. The stream-table's
// self-sizing cursor uses this directly (rather than SetLength, which for a
// self-sizing stream only ever grows or shrinks raw chain capacity) to
// track how many records are populated within its over-allocated capacity.
func (s *Stream) SetInitializedLength(n int64) error {
	if s.closed {
		return segerr.New(segerr.StreamClosed, "set initialized length on closed stream")
	}
	if n < 0 || n > s.length {
		return segerr.New(segerr.OutOfBounds, "initialized length out of range")
	}
	return s.txn.Run(s.rollbackTarget, func() error {
		s.initializedLength = n
		return s.persistMeta()
	})
}

// SetLength grows, shrinks, or (for value == 0) empties the stream, per the
// three cases in spec §4.4.
func (s *Stream) SetLength(value int64) error {
	if s.closed {
		return segerr.New(segerr.StreamClosed, "set length on closed stream")
	}
	if value < 0 {
		return segerr.New(segerr.OutOfBounds, "negative length")
	}
	return s.txn.Run(s.rollbackTarget, func() error {
		if err := s.resize(value); err != nil {
			return err
		}
		return s.persistMeta()
	})
}

// resize performs the actual chain surgery for SetLength/Write-growth,
// without transaction demarcation or metadata persistence (callers do both).
func (s *Stream) resize(value int64) error {
	switch {
	case value == 0 && len(s.segs) > 0:
		detached := s.segs
		s.segs = nil
		if err := s.freeSpace.AddSegments(detached); err != nil {
			return err
		}
		s.initializedLength = 0
		if !s.selfSizing {
			s.length = 0
		}
	case value > s.length:
		if err := s.grow(value - s.length); err != nil {
			return err
		}
		if !s.selfSizing {
			s.length = value
		}
	case value < s.length:
		if err := s.shrink(s.length - value); err != nil {
			return err
		}
		if !s.selfSizing {
			s.length = value
		}
	}

	if s.selfSizing {
		s.length = chain.TotalDataBytes(s.segs)
	}
	if s.initializedLength > s.length {
		s.initializedLength = s.length
	}
	return s.persistChain()
}

// grow requests amount bytes from the free-space stream, growing the master
// file through growFile when free space runs out (spec §4.2).
func (s *Stream) grow(amount int64) error {
	remaining := amount
	for remaining > 0 {
		taken, shortfall, err := s.freeSpace.DeallocateSpace(remaining)
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			s.appendSegments(taken)
		}
		if shortfall == 0 {
			return nil
		}
		if s.growFile == nil {
			return segerr.New(segerr.IO, "free space exhausted with no growth policy configured")
		}
		if err := s.growFile(shortfall); err != nil {
			return err
		}
		remaining = shortfall
	}
	return nil
}

func (s *Stream) appendSegments(taken []*segment.Segment) {
	all := append(append([]*segment.Segment(nil), s.segs...), taken...)
	merged, _ := chain.Rebuild(all)
	s.segs = merged
}

// shrink returns to free space whatever capacity lies strictly beyond the
// new logical length (s.length - amount), splitting the boundary segment
// only when the freed remainder would still be at least one block (spec
// §4.1's split rule again). It never removes a byte a reader at any
// position below the new length could still need — when the boundary
// segment can't be cleanly split, the excess capacity is simply left in
// place as headroom rather than destroyed, matching spec invariant 6
// ("Length <= sum of the stream's segment data-area sizes").
func (s *Stream) shrink(amount int64) error {
	newLength := s.length - amount
	idx, keepInSeg := s.locate(newLength)
	if idx >= len(s.segs) {
		return nil
	}

	var toFree []*segment.Segment
	boundary := s.segs[idx]
	if keepInSeg == 0 {
		toFree = append(toFree, s.segs[idx:]...)
		s.segs = s.segs[:idx]
	} else {
		if excess := boundary.DataAreaSize() - keepInSeg; excess > 0 {
			if tail, takeWhole := boundary.Split(excess, true, s.blockSize); !takeWhole {
				toFree = append(toFree, tail)
			}
		}
		toFree = append(toFree, s.segs[idx+1:]...)
		s.segs = s.segs[:idx+1]
	}

	if len(s.segs) > 0 {
		s.segs, _ = chain.Rebuild(s.segs)
	}

	if len(toFree) == 0 {
		return nil
	}
	for _, seg := range toFree {
		seg.NextLocation = segment.NoLocation
	}
	return s.freeSpace.AddSegments(toFree)
}

func (s *Stream) persistChain() error {
	for _, seg := range s.segs {
		if err := seg.Persist(s.file); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) persistMeta() error {
	if s.sink == nil {
		return nil
	}
	return s.sink.PersistMeta(s.id, Meta{
		Tag:                  s.tag,
		FirstSegmentPosition: s.FirstSegmentPosition(),
		Length:               s.length,
		InitializedLength:    s.initializedLength,
	})
}

// Close persists any pending chain and metadata changes and marks the
// stream unusable. Closing an already-closed stream reports
// segerr.StreamClosed rather than silently succeeding, so double-close
// bugs surface.
func (s *Stream) Close() error {
	if s.closed {
		return segerr.New(segerr.StreamClosed, "stream already closed")
	}
	err := s.txn.Run(s.rollbackTarget, func() error {
		if err := s.persistChain(); err != nil {
			return err
		}
		return s.persistMeta()
	})
	if err != nil {
		return err
	}
	s.closed = true
	if s.sink != nil {
		s.sink.NotifyClosing(s.id)
	}
	return nil
}

// Closed reports whether Close has already been called.
func (s *Stream) Closed() bool { return s.closed }

// Flush persists the stream's current metadata (tag, root pointer, length,
// initialized length) without changing any of it. Storage.SetStreamTag uses
// this to push a tag change out to disk for a stream that's currently open.
func (s *Stream) Flush() error {
	if s.closed {
		return segerr.New(segerr.StreamClosed, "flush on closed stream")
	}
	return s.txn.Run(s.rollbackTarget, s.persistMeta)
}
