// Package master implements the backing file's fixed header (component C1):
// magic, version, block size, and the two system streams' root pointers.
// Layout and the raw ReadAt/WriteAt access pattern are grounded on
// xmysql-server's storage/store/ibd.IBD_File, which owns the physical file
// handle for a tablespace the same way File here owns it for the whole
// master file.
package master

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/zhukovaskychina/segstore/segerr"
)

// Magic identifies a segstore master file.
var Magic = [4]byte{'S', 'S', 'T', 'R'}

// Version is the on-disk format version this package reads and writes.
const Version uint16 = 1

// HeaderSize is the fixed on-disk header layout: magic(4) + version(2) +
// block size(4) + stream-table location(8) + stream-table occupied
// length(8) + free-space location(8) + file length(8) = 42 bytes, before
// block-size padding.
const HeaderSize = 4 + 2 + 4 + 8 + 8 + 8 + 8

// DefaultBlockSize is used when a caller opens a new file without pinning one.
const DefaultBlockSize uint32 = 512

// MinBlockSize and MaxBlockSize bound the block sizes Open will accept,
// per SPEC_FULL's Open Question decision.
const (
	MinBlockSize uint32 = 512
	MaxBlockSize uint32 = 1 << 20
)

const NoLocation int64 = -1

// Header is the master file's fixed offset-0 record.
type Header struct {
	BlockSize uint32

	StreamTableLocation int64
	// StreamTableLength is the stream table's occupied length (its
	// InitializedLength, not its raw chain capacity): the table is a
	// self-sizing stream, so its capacity is always recomputed from its
	// chain, but how much of that capacity holds real records has to be
	// persisted somewhere, since the table has no metadata row of its own.
	StreamTableLength int64

	FreeSpaceLocation int64
	FileLength        int64
}

// isPowerOfTwo reports whether v is a power of two.
func isPowerOfTwo(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// ValidateBlockSize enforces spec §6's "power of 2, >= 512" constraint plus
// the SPEC_FULL upper bound.
func ValidateBlockSize(blockSize uint32) error {
	if blockSize < MinBlockSize || blockSize > MaxBlockSize || !isPowerOfTwo(blockSize) {
		return segerr.Newf(segerr.BadFormat, "block size %d must be a power of two in [%d, %d]", blockSize, MinBlockSize, MaxBlockSize)
	}
	return nil
}

// New builds a fresh header for a newly created file whose only content so
// far is the header block itself.
func New(blockSize uint32) *Header {
	return &Header{
		BlockSize:           blockSize,
		StreamTableLocation: NoLocation,
		FreeSpaceLocation:   NoLocation,
		FileLength:          int64(blockSize),
	}
}

// Load reads and validates the header at offset 0.
func Load(r io.ReaderAt) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, segerr.Wrap(segerr.IO, err, "reading master header")
	}

	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return nil, segerr.New(segerr.BadFormat, "master header magic mismatch")
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != Version {
		return nil, segerr.Newf(segerr.BadFormat, "unsupported master file version %d", version)
	}

	h := &Header{
		BlockSize:           binary.LittleEndian.Uint32(buf[6:10]),
		StreamTableLocation: int64(binary.LittleEndian.Uint64(buf[10:18])),
		StreamTableLength:   int64(binary.LittleEndian.Uint64(buf[18:26])),
		FreeSpaceLocation:   int64(binary.LittleEndian.Uint64(buf[26:34])),
		FileLength:          int64(binary.LittleEndian.Uint64(buf[34:42])),
	}
	if err := ValidateBlockSize(h.BlockSize); err != nil {
		return nil, err
	}
	return h, nil
}

// Persist writes the header, padded with zeros to one full block.
func (h *Header) Persist(w io.WriterAt) error {
	buf := make([]byte, h.BlockSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint32(buf[6:10], h.BlockSize)
	binary.LittleEndian.PutUint64(buf[10:18], uint64(h.StreamTableLocation))
	binary.LittleEndian.PutUint64(buf[18:26], uint64(h.StreamTableLength))
	binary.LittleEndian.PutUint64(buf[26:34], uint64(h.FreeSpaceLocation))
	binary.LittleEndian.PutUint64(buf[34:42], uint64(h.FileLength))

	if _, err := w.WriteAt(buf, 0); err != nil {
		return segerr.Wrap(segerr.IO, err, "writing master header")
	}
	return nil
}

// File wraps the OS file handle exclusively owned by Storage, mirroring
// IBD_File's Open/Create/ReadPage/WritePage/Sync/Close surface but at raw
// byte-offset granularity instead of fixed pages.
type File struct {
	path string
	f    *os.File
}

// Exists reports whether the backing file already exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Create makes a new, empty backing file for writing.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, segerr.Wrapf(segerr.IO, err, "creating master file %s", path)
	}
	return &File{path: path, f: f}, nil
}

// Open opens an existing backing file for read/write.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, segerr.Wrapf(segerr.IO, err, "opening master file %s", path)
	}
	return &File{path: path, f: f}, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error)  { return f.f.ReadAt(p, off) }
func (f *File) WriteAt(p []byte, off int64) (int, error) { return f.f.WriteAt(p, off) }

// Truncate grows or shrinks the underlying file to exactly size bytes. The
// engine grows the file through it, and shrinks it only when a rollback
// undoes a growth made inside the aborted transaction.
func (f *File) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return segerr.Wrap(segerr.IO, err, "truncating master file")
	}
	return nil
}

// Sync flushes the file to stable storage.
func (f *File) Sync() error {
	if err := f.f.Sync(); err != nil {
		return segerr.Wrap(segerr.IO, err, "syncing master file")
	}
	return nil
}

// Size returns the file's current length on disk.
func (f *File) Size() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, segerr.Wrap(segerr.IO, err, "statting master file")
	}
	return info.Size(), nil
}

// Close flushes and releases the file handle.
func (f *File) Close() error {
	if err := f.f.Sync(); err != nil {
		return segerr.Wrap(segerr.IO, err, "syncing master file on close")
	}
	if err := f.f.Close(); err != nil {
		return segerr.Wrap(segerr.IO, err, "closing master file")
	}
	return nil
}

// Path returns the file's path on disk.
func (f *File) Path() string { return f.path }
