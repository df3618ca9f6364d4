// Package segment implements the fixed-layout segment header (component C2
// of the engine): a block-aligned header describing a contiguous byte run
// plus an optional link to the next segment of the same chain. Persistence
// and checksum handling here are grounded on the raw ReadAt/WriteAt style
// of xmysql-server's storage/store/ibd.IBD_File, generalized from
// fixed-size pages to variable-size segments; the structural checksum is
// computed with the same xxhash family util.HashCode uses for keys.
package segment

import (
	"encoding/binary"
	"io"

	"github.com/OneOfOne/xxhash"

	"github.com/zhukovaskychina/segstore/segerr"
)

// StructureSize is the fixed on-disk size of a segment header: size(8) +
// next-location(8) + checksum(4), per spec §6.
const StructureSize = 20

// NoLocation is the sentinel value for an absent location (tail of chain,
// or an empty stream's FirstSegmentPosition).
const NoLocation int64 = -1

// Segment is a contiguous, block-aligned byte run starting at Location.
type Segment struct {
	Location     int64
	Size         int64
	NextLocation int64
}

// New builds a fresh, tail-of-chain segment covering [location, location+size).
func New(location, size int64) *Segment {
	return &Segment{Location: location, Size: size, NextLocation: NoLocation}
}

// HasNext reports whether the segment has a successor in its chain.
func (s *Segment) HasNext() bool { return s.NextLocation != NoLocation }

// DataAreaStart is the first byte offset of the segment's payload region.
func (s *Segment) DataAreaStart() int64 { return s.Location + StructureSize }

// DataAreaEnd is one past the last byte offset of the segment.
func (s *Segment) DataAreaEnd() int64 { return s.Location + s.Size }

// DataAreaSize is the number of payload bytes the segment carries.
func (s *Segment) DataAreaSize() int64 { return s.Size - StructureSize }

func (s *Segment) checksum() uint32 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.Location))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.Size))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(s.NextLocation))
	return xxhash.Checksum32(buf[:])
}

// Load reads and validates the segment header at location.
func Load(r io.ReaderAt, location int64) (*Segment, error) {
	var buf [StructureSize]byte
	if _, err := r.ReadAt(buf[:], location); err != nil {
		return nil, segerr.Wrapf(segerr.IO, err, "reading segment header at %d", location)
	}
	s := &Segment{
		Location:     location,
		Size:         int64(binary.LittleEndian.Uint64(buf[0:8])),
		NextLocation: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}
	wantChecksum := binary.LittleEndian.Uint32(buf[16:20])
	if s.checksum() != wantChecksum {
		return nil, segerr.Newf(segerr.ChecksumMismatch, "segment at %d failed checksum validation", location)
	}
	return s, nil
}

// Persist writes exactly the header; the data area is untouched.
func (s *Segment) Persist(w io.WriterAt) error {
	var buf [StructureSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.Size))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.NextLocation))
	binary.LittleEndian.PutUint32(buf[16:20], s.checksum())
	if _, err := w.WriteAt(buf[:], s.Location); err != nil {
		return segerr.Wrapf(segerr.IO, err, "writing segment header at %d", s.Location)
	}
	return nil
}

// floorToBlock rounds v down to the nearest multiple of blockSize.
func floorToBlock(v, blockSize int64) int64 {
	if v <= 0 {
		return 0
	}
	return (v / blockSize) * blockSize
}

// Split implements spec §4.1's split rule. amountToRemove and splitAtEnd
// follow the free-space stream's DeallocateSpace/SetLength callers exactly.
// It returns the new segment carved out of s (s is mutated in place to
// become the remainder) and a flag reporting whether the split had to be
// refused because the remainder would be smaller than one block — in which
// case the caller must take s whole instead and the returned segment is nil.
func (s *Segment) Split(amountToRemove int64, splitAtEnd bool, blockSize int64) (*Segment, bool) {
	var raw int64
	if splitAtEnd {
		raw = amountToRemove - StructureSize
	} else {
		raw = amountToRemove + StructureSize
	}

	newSize := floorToBlock(raw, blockSize)
	if !splitAtEnd && newSize != raw {
		newSize += blockSize
	}

	if newSize <= 0 || s.Size-newSize < blockSize {
		return nil, true
	}

	if splitAtEnd {
		tailLocation := s.Location + s.Size - newSize
		taken := New(tailLocation, newSize)
		s.Size -= newSize
		return taken, false
	}

	taken := New(s.Location, newSize)
	s.Location += newSize
	s.Size -= newSize
	return taken, false
}

// MergeWithNext folds next into s: s grows to cover both regions and
// inherits next's successor link. Callers must ensure the two segments are
// physically adjacent (s.DataAreaEnd-independent — next.Location ==
// s.Location+s.Size) before calling this.
func (s *Segment) MergeWithNext(next *Segment) {
	s.Size += next.Size
	s.NextLocation = next.NextLocation
}
