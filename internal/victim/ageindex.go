package victim

import (
	"github.com/google/btree"

	"github.com/dray-io/lfsgc/internal/segment"
)

// Candidate is one entry of the age index.
type Candidate struct {
	Segment segment.ID
	Mtime   uint64
}

func candidateLess(a, b Candidate) bool {
	if a.Mtime != b.Mtime {
		return a.Mtime < b.Mtime
	}
	return a.Segment < b.Segment
}

// AgeIndex orders candidates by mtime, oldest first. Entries live for one
// selection call; Reset returns the tree nodes to a free list so the next
// call does not allocate.
type AgeIndex struct {
	tree *btree.BTreeG[Candidate]
}

const ageIndexDegree = 16

// NewAgeIndex creates an empty index.
func NewAgeIndex() *AgeIndex {
	fl := btree.NewFreeListG[Candidate](btree.DefaultFreeListSize)
	return &AgeIndex{tree: btree.NewWithFreeListG(ageIndexDegree, candidateLess, fl)}
}

// Insert adds a candidate.
func (x *AgeIndex) Insert(c Candidate) {
	x.tree.ReplaceOrInsert(c)
}

// Len returns the number of candidates.
func (x *AgeIndex) Len() int {
	return x.tree.Len()
}

// Reset drops every candidate.
func (x *AgeIndex) Reset() {
	x.tree.Clear(true)
}

// Ascend visits candidates from oldest to newest until fn returns false.
func (x *AgeIndex) Ascend(fn func(Candidate) bool) {
	x.tree.Ascend(fn)
}

// Older visits candidates with mtime <= pivot, newest first.
func (x *AgeIndex) Older(pivot uint64, fn func(Candidate) bool) {
	x.tree.DescendLessOrEqual(Candidate{Segment: segment.NullID, Mtime: pivot}, fn)
}

// Newer visits candidates with mtime > pivot, oldest first.
func (x *AgeIndex) Newer(pivot uint64, fn func(Candidate) bool) {
	if pivot == ^uint64(0) {
		return
	}
	x.tree.AscendGreaterOrEqual(Candidate{Segment: 0, Mtime: pivot + 1}, fn)
}
