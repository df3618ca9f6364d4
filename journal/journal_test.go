package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTarget struct{ buf []byte }

func newMemTarget(size int) *memTarget { return &memTarget{buf: make([]byte, size)} }

func (m *memTarget) ReadAt(p []byte, off int64) (int, error) {
	copy(p, m.buf[off:])
	return len(p), nil
}

func (m *memTarget) WriteAt(p []byte, off int64) (int, error) {
	copy(m.buf[off:], p)
	return len(p), nil
}

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "test.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestBeginCommitFlattenNesting(t *testing.T) {
	j := openJournal(t)
	assert.False(t, j.InTransaction())

	j.Begin()
	j.Begin()
	assert.True(t, j.InTransaction())

	outermost, err := j.Commit()
	require.NoError(t, err)
	assert.False(t, outermost)
	assert.True(t, j.InTransaction())

	outermost, err = j.Commit()
	require.NoError(t, err)
	assert.True(t, outermost)
	assert.False(t, j.InTransaction())
}

func TestCommitWithoutBeginFails(t *testing.T) {
	j := openJournal(t)
	_, err := j.Commit()
	assert.Error(t, err)
}

func TestRollbackRestoresEarliestBeforeImage(t *testing.T) {
	j := openJournal(t)
	target := newMemTarget(16)
	copy(target.buf, []byte("original-value!!"))

	j.Begin()
	require.NoError(t, j.LogBeforeImage(target, 0, 8))
	copy(target.buf[0:8], []byte("changed1"))
	require.NoError(t, j.LogBeforeImage(target, 0, 8))
	copy(target.buf[0:8], []byte("changed2"))

	require.NoError(t, j.Rollback(target))
	assert.Equal(t, "original", string(target.buf[0:8]))
	assert.False(t, j.InTransaction())
}

func TestRunRollsBackOnError(t *testing.T) {
	j := openJournal(t)
	target := newMemTarget(8)
	copy(target.buf, []byte("before!!"))

	err := j.Run(target, func() error {
		require.NoError(t, j.LogBeforeImage(target, 0, 8))
		copy(target.buf, []byte("after!!!"))
		return assert.AnError
	})
	assert.Error(t, err)
	assert.Equal(t, "before!!", string(target.buf))
}

func TestRunCommitsOnSuccess(t *testing.T) {
	j := openJournal(t)
	target := newMemTarget(8)

	err := j.Run(target, func() error {
		return j.LogBeforeImage(target, 0, 8)
	})
	assert.NoError(t, err)
	assert.False(t, j.InTransaction())
}
