package stream

import (
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/segstore/chain"
	"github.com/zhukovaskychina/segstore/freespace"
	"github.com/zhukovaskychina/segstore/journal"
	"github.com/zhukovaskychina/segstore/segerr"
	"github.com/zhukovaskychina/segstore/segment"
	"github.com/zhukovaskychina/segstore/txio"
)

type memFile struct{ buf []byte }

func newMemFile(size int) *memFile { return &memFile{buf: make([]byte, size)} }

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	copy(p, m.buf[off:])
	return len(p), nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	need := off + int64(len(p))
	if need > int64(len(m.buf)) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

type recordingSink struct {
	metas  []Meta
	closed bool
}

func (s *recordingSink) PersistMeta(_ [16]byte, m Meta) error {
	s.metas = append(s.metas, m)
	return nil
}
func (s *recordingSink) NotifyClosing([16]byte) { s.closed = true }

// harness wires a stream with a generously pre-stocked free-space pool so
// ordinary growth never needs to fall back to GrowFile.
type harness struct {
	file      *txio.File
	rollback  io.WriterAt
	txn       *journal.Journal
	freeSpace *freespace.Stream
	sink      *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "test.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	backing := newMemFile(1 << 20)
	f := txio.New(backing, j)
	fs := freespace.Empty(f, 512)
	require.NoError(t, fs.AddSegments([]*segment.Segment{segment.New(0, 1<<19)}))

	return &harness{file: f, rollback: backing, txn: j, freeSpace: fs, sink: &recordingSink{}}
}

func (h *harness) open(t *testing.T, selfSizing bool) *Stream {
	t.Helper()
	s, err := Open(OpenParams{
		ID:                   [16]byte{1},
		FirstSegmentPosition: segment.NoLocation,
		File:                 h.file,
		RollbackTarget:       h.rollback,
		Txn:                  h.txn,
		FreeSpace:            h.freeSpace,
		BlockSize:            512,
		Sink:                 h.sink,
		SelfSizing:           selfSizing,
		GrowFile: func(int64) error {
			t.Fatal("did not expect GrowFile to be called")
			return nil
		},
	})
	require.NoError(t, err)
	return s
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, false)

	n, err := s.Write([]byte("hello, segstore"))
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, int64(15), s.Length())
	assert.Equal(t, int64(15), s.InitializedLength())

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 15)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, "hello, segstore", string(buf))
}

func TestWriteGapIsZeroFilled(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, false)

	_, err := s.Seek(100, io.SeekStart)
	require.NoError(t, err)
	_, err = s.Write([]byte("end"))
	require.NoError(t, err)
	assert.Equal(t, int64(103), s.Length())

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 103)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	for _, b := range buf[:100] {
		assert.Equal(t, byte(0), b)
	}
	assert.Equal(t, "end", string(buf[100:]))
}

func TestSeekEndComputesLengthMinusOffset(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, false)
	_, err := s.Write([]byte("0123456789"))
	require.NoError(t, err)

	pos, err := s.Seek(3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)
}

func TestSetLengthZeroFreesAllSpace(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, false)
	_, err := s.Write([]byte("some data"))
	require.NoError(t, err)

	require.NoError(t, s.SetLength(0))
	assert.Equal(t, int64(0), s.Length())
	assert.Equal(t, segment.NoLocation, s.FirstSegmentPosition())
}

func TestSetLengthShrinkTruncatesTail(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, false)
	_, err := s.Write([]byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, s.SetLength(4))
	assert.Equal(t, int64(4), s.Length())
	assert.Equal(t, int64(4), s.InitializedLength())

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf))
}

// TestShrinkRelinksTailAfterDroppingSegments builds a two-segment chain out
// of two non-adjacent free segments (so they can't coalesce), then shrinks
// the stream to a length that fits inside the first segment, dropping the
// second. Reloading the chain from disk must see only the first segment:
// if its NextLocation still pointed at the freed second segment, the
// reloaded chain would wrongly include free space as stream data.
func TestShrinkRelinksTailAfterDroppingSegments(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "test.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	backing := newMemFile(1 << 20)
	f := txio.New(backing, j)
	fs := freespace.Empty(f, 512)
	// Two disjoint 512-byte (one block each) segments: neither can be
	// front- or end-split without being refused, and they don't sit
	// adjacent to each other, so DeallocateSpace hands each out whole and
	// AddSegments/chain.Rebuild can't coalesce them into one run.
	require.NoError(t, fs.AddSegments([]*segment.Segment{segment.New(0, 512)}))
	require.NoError(t, fs.AddSegments([]*segment.Segment{segment.New(2048, 512)}))

	s, err := Open(OpenParams{
		ID:                   [16]byte{2},
		FirstSegmentPosition: segment.NoLocation,
		File:                 f,
		RollbackTarget:       backing,
		Txn:                  j,
		FreeSpace:            fs,
		BlockSize:            512,
		Sink:                 &recordingSink{},
		GrowFile: func(int64) error {
			t.Fatal("did not expect GrowFile to be called")
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.SetLength(300))
	require.NoError(t, s.SetLength(600))
	head := s.FirstSegmentPosition()

	require.NoError(t, s.SetLength(300))
	assert.Equal(t, int64(300), s.Length())

	reloaded, err := chain.Load(f, head)
	require.NoError(t, err)
	require.Len(t, reloaded, 1, "reloaded chain must not include the segment returned to free space")
	assert.Equal(t, segment.NoLocation, reloaded[0].NextLocation)
}

func TestReadPastLengthReportsEOF(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, false)
	_, err := s.Write([]byte("abc"))
	require.NoError(t, err)

	_, err = s.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = s.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestOperationsFailAfterClose(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, false)
	require.NoError(t, s.Close())

	_, err := s.Write([]byte("x"))
	assert.True(t, errors.Is(err, segerr.StreamClosed))

	_, err = s.Read(make([]byte, 1))
	assert.Error(t, err)

	err = s.Close()
	assert.Error(t, err)
}

func TestCloseNotifiesSink(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, false)
	_, err := s.Write([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.True(t, h.sink.closed)
	assert.NotEmpty(t, h.sink.metas)
}

func TestSelfSizingStreamLengthTracksChain(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, true)

	_, err := s.Write([]byte("row-1-row-1-row-1-row-1"))
	require.NoError(t, err)
	// A self-sizing stream's Length always equals its chain's total
	// data-area capacity, which can exceed the bytes actually written once
	// growth rounds up to a block boundary.
	assert.True(t, s.Length() >= int64(len("row-1-row-1-row-1-row-1")))
}
