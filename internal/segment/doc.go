// Package segment implements the segment information table of the
// log-structured main area.
//
// The main area is divided into sections of SegmentsPerSection
// consecutive segments of BlocksPerSegment blocks each. For every segment
// the Store keeps the valid-block bitmap, the bitmap as of the last
// checkpoint, the owner summary of each block and the averaged write
// time. Segments are tracked in roaring bitmaps:
//
//   - dirty, one per (type, temperature) class plus an aggregate, for
//     segments with at least one invalid block and at least one valid one
//   - prefree, for segments whose last valid block went away; they become
//     free at the next CommitCheckpoint
//   - free
//
// and sections in two more:
//
//   - victims, sections picked by background cleaning and not yet emptied
//   - claimed, sections that a cleaning operation is working on
//
// # Usage
//
//	store, err := segment.NewStore(segment.Geometry{
//	    BlocksPerSegment:   512,
//	    SegmentsPerSection: 4,
//	    Sections:           1024,
//	})
//	seg, _ := store.AllocateSegment(segment.Class{Type: segment.TypeData})
//	store.SetCurrent(segment.Class{Type: segment.TypeData}, seg)
//	store.MarkBlockValid(geo.AddrOf(seg, 0), segment.Summary{Owner: ino}, now)
package segment
