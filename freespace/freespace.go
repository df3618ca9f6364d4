// Package freespace implements the free-space stream (component C3): a
// system-owned chain of segments describing every unused region of the
// master file, kept sorted by location (spec invariant 5) so adjacent
// segments coalesce cheaply. The allocation strategy — take from the head,
// split only as much as needed, refuse a split that would leave a
// sub-block remainder — is grounded on xmysql-server's Segment/Extent
// free-list bookkeeping (storage/store/segs/segment.go's
// FreeExtents/FragExtents/FullExtents lists), generalized from fixed
// 64-page extents to arbitrarily sized free segments.
package freespace

import (
	"sort"

	"github.com/zhukovaskychina/segstore/chain"
	"github.com/zhukovaskychina/segstore/segment"
	"github.com/zhukovaskychina/segstore/txio"
)

// Stream tracks the free-space chain's in-memory state and mirrors it to
// disk through a journaled file.
type Stream struct {
	file      *txio.File
	blockSize int64
	segs      []*segment.Segment

	// headListener, if set, is called with the chain's new head location
	// whenever a mutation might have changed it, so the owner can persist
	// its root pointer (the master header's FreeSpaceLocation) in the same
	// transaction.
	headListener func(head int64) error
}

// SetHeadListener installs fn to be called after any mutation that could
// move the chain's head.
func (s *Stream) SetHeadListener(fn func(head int64) error) {
	s.headListener = fn
}

func (s *Stream) notifyHeadChanged() error {
	if s.headListener == nil {
		return nil
	}
	return s.headListener(s.FirstLocation())
}

// Empty returns a free-space stream with no segments at all.
func Empty(file *txio.File, blockSize int64) *Stream {
	return &Stream{file: file, blockSize: blockSize}
}

// Load reads the free-space chain starting at head (segment.NoLocation for
// an empty chain).
func Load(file *txio.File, blockSize int64, head int64) (*Stream, error) {
	segs, err := chain.Load(file, head)
	if err != nil {
		return nil, err
	}
	return &Stream{file: file, blockSize: blockSize, segs: segs}, nil
}

// Reload discards the in-memory chain and re-derives it from what is
// currently on disk at head. Storage calls this after a transaction
// rollback, since journal.Rollback restores file bytes but not this
// Stream's cached segs slice.
func (s *Stream) Reload(head int64) error {
	segs, err := chain.Load(s.file, head)
	if err != nil {
		return err
	}
	s.segs = segs
	return nil
}

// FirstLocation is the chain head, or segment.NoLocation if empty.
func (s *Stream) FirstLocation() int64 {
	if len(s.segs) == 0 {
		return segment.NoLocation
	}
	return s.segs[0].Location
}

// TotalBytes sums the data-area size of every free segment.
func (s *Stream) TotalBytes() int64 { return chain.TotalDataBytes(s.segs) }

// FragmentCount is the number of distinct free segments, used for
// Storage.Stat's fragmentation figure.
func (s *Stream) FragmentCount() int { return len(s.segs) }

// Segments returns the chain's current segments in location order. The
// slice is owned by Stream; callers must not mutate it.
func (s *Stream) Segments() []*segment.Segment { return s.segs }

// DeallocateSpace removes amount data-area bytes from the head of the
// chain, splitting the head segment (front side, splitAtEnd=false) when
// only part of it is needed. It returns the segments handed out and, if
// the chain ran out before amount was satisfied, the unmet shortfall —
// the coordinator is responsible for growing the file and retrying with
// the shortfall (spec §4.2).
func (s *Stream) DeallocateSpace(amount int64) (taken []*segment.Segment, shortfall int64, err error) {
	remaining := amount
	for remaining > 0 && len(s.segs) > 0 {
		head := s.segs[0]
		if head.DataAreaSize() <= remaining {
			remaining -= head.DataAreaSize()
			taken = append(taken, head)
			s.segs = s.segs[1:]
			continue
		}

		newSeg, takeWhole := head.Split(remaining, false, s.blockSize)
		if takeWhole {
			remaining -= head.DataAreaSize()
			if remaining < 0 {
				remaining = 0
			}
			taken = append(taken, head)
			s.segs = s.segs[1:]
			continue
		}
		if err := newSeg.Persist(s.file); err != nil {
			return taken, remaining, err
		}
		taken = append(taken, newSeg)
		remaining = 0
	}

	for _, t := range taken {
		t.NextLocation = segment.NoLocation
		if err := t.Persist(s.file); err != nil {
			return taken, remaining, err
		}
	}
	if err := s.persistAll(); err != nil {
		return taken, remaining, err
	}
	if err := s.notifyHeadChanged(); err != nil {
		return taken, remaining, err
	}
	return taken, remaining, nil
}

// AddSegments merge-inserts newSegs into the chain in location order and
// coalesces adjacent runs (spec §4.2's AddSegments/RebuildChain).
func (s *Stream) AddSegments(newSegs []*segment.Segment) error {
	if len(newSegs) == 0 {
		return nil
	}
	all := make([]*segment.Segment, 0, len(s.segs)+len(newSegs))
	all = append(all, s.segs...)
	all = append(all, newSegs...)
	sort.Slice(all, func(i, j int) bool { return all[i].Location < all[j].Location })

	merged, _ := chain.Rebuild(all)
	s.segs = merged
	if err := s.persistAll(); err != nil {
		return err
	}
	return s.notifyHeadChanged()
}

func (s *Stream) persistAll() error {
	for _, seg := range s.segs {
		if err := seg.Persist(s.file); err != nil {
			return err
		}
	}
	return nil
}
