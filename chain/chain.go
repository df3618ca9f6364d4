// Package chain implements RebuildChain (spec §4.5): the post-mutation
// fix-up walked after any operation that adds, removes, or resizes
// segments in a stream's chain. It is shared by the free-space stream,
// the stream-table stream, and ordinary storage streams, mirroring how
// xmysql-server's segment/extent management (storage/wrapper/extent,
// storage/store/segs) centralizes "coalesce adjacent, relink the rest" as
// one routine used from several call sites.
package chain

import "github.com/zhukovaskychina/segstore/segment"

// Rebuild walks segs in traversal order, coalescing any segment whose data
// area ends exactly where the next one begins, and relinks the survivors'
// NextLocation fields. It returns the resulting chain (still in traversal
// order) and the head's location, or segment.NoLocation if segs is empty.
//
// Rebuild mutates the segments in segs in place (sizes grow on merge,
// NextLocation fields are rewritten) and returns a new backing slice.
func Rebuild(segs []*segment.Segment) ([]*segment.Segment, int64) {
	if len(segs) == 0 {
		return nil, segment.NoLocation
	}

	merged := make([]*segment.Segment, 0, len(segs))
	cur := segs[0]
	for i := 1; i < len(segs); i++ {
		next := segs[i]
		if cur.DataAreaEnd() == next.Location {
			cur.Size += next.Size
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	merged = append(merged, cur)

	for i := range merged {
		if i+1 < len(merged) {
			merged[i].NextLocation = merged[i+1].Location
		} else {
			merged[i].NextLocation = segment.NoLocation
		}
	}

	return merged, merged[0].Location
}

// Load walks a chain from its head, reading each segment header in turn.
func Load(r interface {
	ReadAt(p []byte, off int64) (int, error)
}, head int64) ([]*segment.Segment, error) {
	var segs []*segment.Segment
	loc := head
	for loc != segment.NoLocation {
		s, err := segment.Load(r, loc)
		if err != nil {
			return nil, err
		}
		segs = append(segs, s)
		loc = s.NextLocation
	}
	return segs, nil
}

// ReadAll reads every segment's data area in traversal order and
// concatenates it. It is used by read-only tooling (segfsck, segctl) that
// needs a chain's raw bytes without opening a full stream.Stream cursor.
func ReadAll(r interface {
	ReadAt(p []byte, off int64) (int, error)
}, segs []*segment.Segment) ([]byte, error) {
	buf := make([]byte, TotalDataBytes(segs))
	off := int64(0)
	for _, seg := range segs {
		n := seg.DataAreaSize()
		if n == 0 {
			continue
		}
		if _, err := r.ReadAt(buf[off:off+n], seg.DataAreaStart()); err != nil {
			return nil, err
		}
		off += n
	}
	return buf, nil
}

// TotalDataBytes sums the data-area size of every segment in the chain.
func TotalDataBytes(segs []*segment.Segment) int64 {
	var total int64
	for _, s := range segs {
		total += s.DataAreaSize()
	}
	return total
}
