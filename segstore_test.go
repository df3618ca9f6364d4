package segstore

import (
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/segstore/segerr"
)

func newTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.seg")
	s, err := Open(path, 512)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func newID(t *testing.T) StreamID {
	t.Helper()
	id, err := NewStreamID()
	require.NoError(t, err)
	return id
}

func TestOpenCreatesFreshFile(t *testing.T) {
	s, _ := newTestStorage(t)
	stat, err := s.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint32(512), stat.BlockSize)
	assert.Equal(t, 0, stat.StreamCount)
}

func TestCreateOpenWriteReadStream(t *testing.T) {
	s, _ := newTestStorage(t)

	id := newID(t)
	require.NoError(t, s.CreateStream(id, 7))

	cur, err := s.OpenStream(id)
	require.NoError(t, err)
	_, err = cur.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, cur.Close())

	cur2, err := s.OpenStream(id)
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = io.ReadFull(cur2, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf))
	require.NoError(t, cur2.Close())
}

func TestCreateStreamDuplicateIDFails(t *testing.T) {
	s, _ := newTestStorage(t)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 0))

	err := s.CreateStream(id, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, segerr.DuplicateStream), "expected DuplicateStream, got %v", err)
}

func TestOpenStreamTwiceFails(t *testing.T) {
	s, _ := newTestStorage(t)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 0))

	cur, err := s.OpenStream(id)
	require.NoError(t, err)
	defer cur.Close()

	_, err = s.OpenStream(id)
	assert.Error(t, err)
}

func TestDeleteStreamReturnsSpaceAndDropsRecord(t *testing.T) {
	s, _ := newTestStorage(t)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 0))

	cur, err := s.OpenStream(id)
	require.NoError(t, err)
	_, err = cur.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, cur.Close())

	before, err := s.Stat()
	require.NoError(t, err)

	require.NoError(t, s.DeleteStream(id))

	after, err := s.Stat()
	require.NoError(t, err)
	assert.Equal(t, 0, after.StreamCount)
	assert.Greater(t, after.FreeBytes, before.FreeBytes)

	_, _, err = s.table.Find([16]byte(id))
	require.NoError(t, err)
}

func TestDeleteStreamWhileOpenFails(t *testing.T) {
	s, _ := newTestStorage(t)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 0))
	cur, err := s.OpenStream(id)
	require.NoError(t, err)
	defer cur.Close()

	err = s.DeleteStream(id)
	assert.Error(t, err)
}

func TestSetStreamTagOnClosedAndOpenStream(t *testing.T) {
	s, _ := newTestStorage(t)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 1))

	require.NoError(t, s.SetStreamTag(id, 99))
	recs, err := s.ListStreams()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(99), recs[0].Tag)

	cur, err := s.OpenStream(id)
	require.NoError(t, err)
	require.NoError(t, s.SetStreamTag(id, 100))
	assert.Equal(t, uint32(100), cur.Tag())
	require.NoError(t, cur.Close())
}

func TestFileGrowsWhenFreeSpaceExhausted(t *testing.T) {
	s, _ := newTestStorage(t)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 0))

	cur, err := s.OpenStream(id)
	require.NoError(t, err)
	big := make([]byte, 8192)
	for i := range big {
		big[i] = byte(i)
	}
	_, err = cur.Write(big)
	require.NoError(t, err)
	require.NoError(t, cur.Close())

	stat, err := s.Stat()
	require.NoError(t, err)
	assert.Greater(t, stat.FileLength, int64(512))
}

func TestTransactionRollbackAcrossMultipleStreams(t *testing.T) {
	s, _ := newTestStorage(t)
	idA := newID(t)
	idB := newID(t)
	require.NoError(t, s.CreateStream(idA, 0))
	require.NoError(t, s.CreateStream(idB, 0))

	curA, err := s.OpenStream(idA)
	require.NoError(t, err)
	curB, err := s.OpenStream(idB)
	require.NoError(t, err)

	s.BeginTransaction()
	_, err = curA.Write([]byte("aaaa"))
	require.NoError(t, err)
	_, err = curB.Write([]byte("bbbb"))
	require.NoError(t, err)
	require.NoError(t, s.RollbackTransaction())

	assert.Equal(t, int64(0), curA.Length())
	assert.Equal(t, int64(0), curB.Length())
}

func TestWriteAfterRollbackWorksCorrectly(t *testing.T) {
	s, _ := newTestStorage(t)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 0))

	cur, err := s.OpenStream(id)
	require.NoError(t, err)

	s.BeginTransaction()
	_, err = cur.Write([]byte("aborted"))
	require.NoError(t, err)
	require.NoError(t, s.RollbackTransaction())
	require.Equal(t, int64(0), cur.Length())

	_, err = cur.Write([]byte("committed"))
	require.NoError(t, err)
	require.NoError(t, cur.Close())

	cur2, err := s.OpenStream(id)
	require.NoError(t, err)
	buf := make([]byte, len("committed"))
	_, err = io.ReadFull(cur2, buf)
	require.NoError(t, err)
	assert.Equal(t, "committed", string(buf))
	require.NoError(t, cur2.Close())
}

// TestTransactionRollbackUndoesFileGrowth exercises Blocker 3: a write big
// enough to force growFile's raw Truncate must have that growth reversed on
// rollback, since journal.Rollback only replays journaled WriteAts and a
// Truncate is neither.
func TestTransactionRollbackUndoesFileGrowth(t *testing.T) {
	s, _ := newTestStorage(t)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 0))

	cur, err := s.OpenStream(id)
	require.NoError(t, err)

	before, err := s.Stat()
	require.NoError(t, err)

	s.BeginTransaction()
	big := make([]byte, 8192)
	_, err = cur.Write(big)
	require.NoError(t, err)
	require.NoError(t, s.RollbackTransaction())

	after, err := s.Stat()
	require.NoError(t, err)
	assert.Equal(t, before.FileLength, after.FileLength, "growFile's Truncate must be undone by rollback")
	assert.Equal(t, int64(0), cur.Length())

	require.NoError(t, cur.Close())
}

func TestCloseRefusesWithOpenStreams(t *testing.T) {
	s, _ := newTestStorage(t)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 0))
	cur, err := s.OpenStream(id)
	require.NoError(t, err)
	defer cur.Close()

	err = s.Close()
	assert.Error(t, err)
}

func TestReopenExistingFilePreservesStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.seg")
	s1, err := Open(path, 512)
	require.NoError(t, err)
	id := newID(t)
	require.NoError(t, s1.CreateStream(id, 3))
	cur, err := s1.OpenStream(id)
	require.NoError(t, err)
	_, err = cur.Write([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, cur.Close())
	require.NoError(t, s1.Close())

	s2, err := Open(path, 0)
	require.NoError(t, err)
	defer s2.Close()

	recs, err := s2.ListStreams()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(3), recs[0].Tag)

	cur2, err := s2.OpenStream(id)
	require.NoError(t, err)
	buf := make([]byte, 9)
	_, err = io.ReadFull(cur2, buf)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(buf))
	require.NoError(t, cur2.Close())
}

func TestVerifyReportsHealthyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verify.seg")
	s, err := Open(path, 512)
	require.NoError(t, err)
	id := newID(t)
	require.NoError(t, s.CreateStream(id, 0))
	cur, err := s.OpenStream(id)
	require.NoError(t, err)
	_, err = cur.Write([]byte("verified data"))
	require.NoError(t, err)
	require.NoError(t, cur.Close())
	require.NoError(t, s.Close())

	report, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
	assert.Equal(t, 1, report.StreamCount)
}
