// Package txio binds master.File and journal.Journal together: every write
// issued while a transaction is active is preceded by capturing its
// before-image into the journal, satisfying spec §5's ordering guarantee
// ("the journal write for a region happens-before the corresponding
// master-file overwrite") without scattering journal calls through every
// mutator. This is the "transaction as scoped resource" design note (spec
// §9) applied to the raw file layer.
package txio

import "github.com/zhukovaskychina/segstore/journal"

// RandomAccess is the minimal file-like surface txio.File wraps.
type RandomAccess interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// File journals before-images transparently around writes to an
// underlying RandomAccess file.
type File struct {
	RandomAccess
	j *journal.Journal
}

// New wraps f so that every WriteAt made while j has an active transaction
// is journaled first.
func New(f RandomAccess, j *journal.Journal) *File {
	return &File{RandomAccess: f, j: j}
}

// WriteAt journals the current content of the target range (if a
// transaction is active) before performing the write.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.j.InTransaction() {
		if err := f.j.LogBeforeImage(f.RandomAccess, off, int64(len(p))); err != nil {
			return 0, err
		}
	}
	return f.RandomAccess.WriteAt(p, off)
}
