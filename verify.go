package segstore

import (
	"fmt"
	"sort"

	"github.com/zhukovaskychina/segstore/chain"
	"github.com/zhukovaskychina/segstore/master"
	"github.com/zhukovaskychina/segstore/segment"
	"github.com/zhukovaskychina/segstore/streamtable"
)

// Report is the result of Verify: a read-only pass over a master file
// checking the invariants spec §8 calls out (segment checksums, no
// overlapping regions, full coverage of the file). It never modifies the
// file — a failed Report is diagnostic input for a human, not something
// this package attempts to repair (spec §7).
type Report struct {
	FileLength    int64
	BlockSize     uint32
	StreamCount   int
	FreeBytes     int64
	FreeFragments int
	Problems      []string
}

// OK reports whether Verify found no problems.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

type interval struct {
	start, end int64
	owner      string
}

// Verify opens path and checks the master file's structural invariants
// without ever writing to it: header validity, every segment chain's
// checksums, that no two segments overlap, and that the header block plus
// all segments (stream and free) account for exactly FileLength bytes.
func Verify(path string) (*Report, error) {
	mf, err := master.Open(path)
	if err != nil {
		return nil, err
	}
	defer mf.Close()

	header, err := master.Load(mf)
	if err != nil {
		return nil, err
	}

	report := &Report{FileLength: header.FileLength, BlockSize: header.BlockSize}
	var intervals []interval
	addChain := func(owner string, segs []*segment.Segment) {
		for _, s := range segs {
			intervals = append(intervals, interval{start: s.Location, end: s.Location + s.Size, owner: owner})
		}
	}

	freeSegs, err := chain.Load(mf, header.FreeSpaceLocation)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("free-space chain: %v", err))
	} else {
		report.FreeBytes = chain.TotalDataBytes(freeSegs)
		report.FreeFragments = len(freeSegs)
		addChain("free-space", freeSegs)
	}

	tableSegs, err := chain.Load(mf, header.StreamTableLocation)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("stream table chain: %v", err))
		return report, nil
	}
	addChain("stream-table", tableSegs)

	raw, err := chain.ReadAll(mf, tableSegs)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("reading stream table: %v", err))
		return report, nil
	}

	// Only the table's occupied prefix (persisted in the header) holds
	// records; the rest of its chain capacity is unused.
	occupied := header.StreamTableLength
	if occupied > int64(len(raw)) {
		occupied = int64(len(raw))
	}
	n := int(occupied / streamtable.RecordSize)
	report.StreamCount = n
	for i := 0; i < n; i++ {
		rec := streamtable.DecodeRecord(raw[i*streamtable.RecordSize : (i+1)*streamtable.RecordSize])
		if rec.FirstSegmentPosition == segment.NoLocation {
			continue
		}
		segs, err := chain.Load(mf, rec.FirstSegmentPosition)
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("stream %x: %v", rec.StreamID, err))
			continue
		}
		if got := chain.TotalDataBytes(segs); got < rec.Length {
			report.Problems = append(report.Problems, fmt.Sprintf("stream %x: chain holds %d bytes, shorter than recorded length %d", rec.StreamID, got, rec.Length))
		}
		if rec.InitializedLength > rec.Length {
			report.Problems = append(report.Problems, fmt.Sprintf("stream %x: initialized length %d exceeds length %d", rec.StreamID, rec.InitializedLength, rec.Length))
		}
		addChain(fmt.Sprintf("stream %x", rec.StreamID), segs)
	}

	checkOverlap(report, intervals)
	checkCoverage(report, header, intervals)
	return report, nil
}

func checkOverlap(report *Report, intervals []interval) {
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].start < intervals[j].start })
	for i := 1; i < len(intervals); i++ {
		if intervals[i].start < intervals[i-1].end {
			report.Problems = append(report.Problems, fmt.Sprintf(
				"%s [%d,%d) overlaps %s [%d,%d)",
				intervals[i-1].owner, intervals[i-1].start, intervals[i-1].end,
				intervals[i].owner, intervals[i].start, intervals[i].end))
		}
	}
}

func checkCoverage(report *Report, header *master.Header, intervals []interval) {
	accounted := int64(header.BlockSize)
	for _, iv := range intervals {
		accounted += iv.end - iv.start
	}
	if accounted != header.FileLength {
		report.Problems = append(report.Problems, fmt.Sprintf(
			"segments account for %d bytes, file length is %d", accounted, header.FileLength))
	}
}
