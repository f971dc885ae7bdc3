package segment

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
)

// Store errors.
var (
	// ErrSegmentBusy is returned when a section is already claimed by an
	// in-progress cleaning operation or is an open log head.
	ErrSegmentBusy = errors.New("segment: section busy")

	// ErrNoFreeSegment is returned when no free segment is left below the
	// allocation limit.
	ErrNoFreeSegment = errors.New("segment: no free segment")

	// ErrRangeInUse is returned by Shrink when the tail still holds data.
	ErrRangeInUse = errors.New("segment: range still in use")
)

type entry struct {
	class  Class
	valid  *bitset.BitSet
	ckpt   *bitset.BitSet
	nvalid int
	nckpt  int
	mtime  uint64
	sums   []Summary
}

// Store is the segment information table: per-segment valid-block
// accounting, mtimes and the dirty/victim/free bitmaps.
//
// All reads take the read lock; every mutation takes the write lock for
// the mutation only.
type Store struct {
	mu  sync.RWMutex
	geo Geometry

	segs     []entry
	secValid []int
	secFree  []int

	dirty      [NumClasses]*roaring.Bitmap
	dirtyAll   *roaring.Bitmap
	prefree    *roaring.Bitmap
	free       *roaring.Bitmap
	victims    *roaring.Bitmap // sections
	claimed    *roaring.Bitmap // sections
	quarantine *roaring.Bitmap // segments

	current [NumClasses]ID

	ckptDisabled bool
	allocLimit   int // sections usable by the allocator

	bounds mtimeBounds

	needFsck bool
	fatal    error
}

// NewStore creates a store for a freshly formatted main area: every
// segment is free.
func NewStore(geo Geometry) (*Store, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		geo:        geo,
		segs:       make([]entry, geo.Segments()),
		secValid:   make([]int, geo.Sections),
		secFree:    make([]int, geo.Sections),
		dirtyAll:   roaring.New(),
		prefree:    roaring.New(),
		free:       roaring.New(),
		victims:    roaring.New(),
		claimed:    roaring.New(),
		quarantine: roaring.New(),
		allocLimit: geo.Sections,
	}
	for i := range s.dirty {
		s.dirty[i] = roaring.New()
		s.current[i] = NullID
	}
	bps := uint(geo.BlocksPerSegment)
	for i := range s.segs {
		s.segs[i] = entry{
			valid: bitset.New(bps),
			ckpt:  bitset.New(bps),
			sums:  make([]Summary, geo.BlocksPerSegment),
		}
	}
	s.free.AddRange(0, uint64(geo.Segments()))
	for i := range s.secFree {
		s.secFree[i] = geo.SegmentsPerSection
	}
	return s, nil
}

// Geometry returns the current layout.
func (s *Store) Geometry() Geometry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.geo
}

func (s *Store) check(seg ID) {
	if int(seg) >= len(s.segs) {
		panic(fmt.Sprintf("segment: id %d out of range (%d segments)", seg, len(s.segs)))
	}
}

func (s *Store) checkSection(sec SectionID) {
	if int(sec) >= s.geo.Sections {
		panic(fmt.Sprintf("segment: section %d out of range (%d sections)", sec, s.geo.Sections))
	}
}

// ValidBlocks returns the number of valid blocks in seg. With
// includeCheckpointed it counts blocks that are valid now or were valid
// at the last checkpoint.
func (s *Store) ValidBlocks(seg ID, includeCheckpointed bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.check(seg)
	return s.validLocked(seg, includeCheckpointed)
}

func (s *Store) validLocked(seg ID, includeCheckpointed bool) int {
	e := &s.segs[seg]
	if !includeCheckpointed {
		return e.nvalid
	}
	return int(e.valid.UnionCardinality(e.ckpt))
}

// CkptValidBlocks returns the number of blocks valid as of the last
// checkpoint.
func (s *Store) CkptValidBlocks(seg ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.check(seg)
	return s.segs[seg].nckpt
}

// SectionCkptValidBlocks returns the sum of checkpointed valid blocks
// over the section.
func (s *Store) SectionCkptValidBlocks(sec SectionID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkSection(sec)
	first := s.geo.FirstSegment(sec)
	n := 0
	for i := 0; i < s.geo.SegmentsPerSection; i++ {
		n += s.segs[int(first)+i].nckpt
	}
	return n
}

// SectionValidBlocks returns the sum of valid blocks over the section.
func (s *Store) SectionValidBlocks(sec SectionID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkSection(sec)
	return s.secValid[sec]
}

// IsBlockValid reports whether the block at addr is currently valid.
func (s *Store) IsBlockValid(addr Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, off := s.geo.Split(addr)
	s.check(seg)
	return s.segs[seg].valid.Test(uint(off))
}

// HasFreeSlot reports whether seg has at least one block that is free
// both now and in the last checkpoint.
func (s *Store) HasFreeSlot(seg ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.check(seg)
	return s.validLocked(seg, true) < s.geo.BlocksPerSegment
}

// NextFreeSlot returns the first offset >= from in seg that is free both
// now and in the last checkpoint.
func (s *Store) NextFreeSlot(seg ID, from int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.check(seg)
	e := &s.segs[seg]
	for off := from; off < s.geo.BlocksPerSegment; off++ {
		if !e.valid.Test(uint(off)) && !e.ckpt.Test(uint(off)) {
			return off, true
		}
	}
	return 0, false
}

// Class returns the class seg was last allocated for.
func (s *Store) Class(seg ID) Class {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.check(seg)
	return s.segs[seg].class
}

// SummaryOf returns the owner summary recorded for addr.
func (s *Store) SummaryOf(addr Addr) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, off := s.geo.Split(addr)
	s.check(seg)
	return s.segs[seg].sums[off]
}

// ValidOffsets returns the offsets of every valid block in seg.
func (s *Store) ValidOffsets(seg ID) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.check(seg)
	e := &s.segs[seg]
	out := make([]int, 0, e.nvalid)
	for i, ok := e.valid.NextSet(0); ok && int(i) < s.geo.BlocksPerSegment; i, ok = e.valid.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// MarkBlockValid records a write of addr on behalf of sum. mtime is the
// block's write time; zero reuses the newest time observed so far.
// It returns false if the block was already valid.
func (s *Store) MarkBlockValid(addr Addr, sum Summary, mtime uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markValidLocked(addr, sum, mtime, true)
}

func (s *Store) markValidLocked(addr Addr, sum Summary, mtime uint64, fresh bool) bool {
	seg, off := s.geo.Split(addr)
	s.check(seg)
	e := &s.segs[seg]
	if e.valid.Test(uint(off)) {
		return false
	}
	if s.free.Contains(uint32(seg)) {
		s.takeFreeLocked(seg)
	}
	if mtime == 0 {
		mtime = s.bounds.max
	}
	if fresh {
		s.bounds.observe(mtime)
	} else {
		s.bounds.widen(mtime)
	}
	if e.mtime == 0 || e.nvalid == 0 {
		e.mtime = mtime
	} else {
		e.mtime = (e.mtime*uint64(e.nvalid) + mtime) / uint64(e.nvalid+1)
	}
	e.valid.Set(uint(off))
	e.nvalid++
	e.sums[off] = sum
	s.secValid[s.geo.SectionOf(seg)]++
	s.classifyLocked(seg)
	return true
}

// MarkBlockInvalid drops addr from the valid map. It returns false if the
// block was not valid.
func (s *Store) MarkBlockInvalid(addr Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markInvalidLocked(addr)
}

func (s *Store) markInvalidLocked(addr Addr) bool {
	seg, off := s.geo.Split(addr)
	s.check(seg)
	e := &s.segs[seg]
	if !e.valid.Test(uint(off)) {
		return false
	}
	e.valid.Clear(uint(off))
	e.nvalid--
	s.secValid[s.geo.SectionOf(seg)]--
	s.classifyLocked(seg)
	return true
}

// Relocate moves a valid block from one address to another in a single
// mutation, carrying its summary and the source segment's mtime.
func (s *Store) Relocate(from, to Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, off := s.geo.Split(from)
	s.check(seg)
	e := &s.segs[seg]
	if !e.valid.Test(uint(off)) {
		return fmt.Errorf("segment: relocate %d: source not valid", from)
	}
	sum, mtime := e.sums[off], e.mtime
	if !s.markValidLocked(to, sum, mtime, false) {
		return fmt.Errorf("segment: relocate %d: destination %d already valid", from, to)
	}
	s.markInvalidLocked(from)
	return nil
}

// classifyLocked places seg in exactly one of dirty / prefree / neither
// according to its counts. Open log heads are never dirty.
func (s *Store) classifyLocked(seg ID) {
	e := &s.segs[seg]
	id := uint32(seg)
	s.dirty[e.class.Index()].Remove(id)
	s.dirtyAll.Remove(id)
	s.prefree.Remove(id)
	if s.free.Contains(id) || s.isCurrentLocked(seg) {
		return
	}
	if e.nvalid == 0 && (!s.ckptDisabled || e.nckpt == 0) {
		s.prefree.Add(id)
		return
	}
	if e.nvalid < s.geo.BlocksPerSegment {
		s.dirty[e.class.Index()].Add(id)
		s.dirtyAll.Add(id)
	}
}

func (s *Store) isCurrentLocked(seg ID) bool {
	for _, c := range s.current {
		if c == seg {
			return true
		}
	}
	return false
}

// Mtime returns the averaged block-write time of seg.
func (s *Store) Mtime(seg ID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.check(seg)
	return s.segs[seg].mtime
}

// SectionMtime returns the average mtime over the segments of sec.
func (s *Store) SectionMtime(sec SectionID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkSection(sec)
	return s.sectionMtimeLocked(sec)
}

func (s *Store) sectionMtimeLocked(sec SectionID) uint64 {
	first := s.geo.FirstSegment(sec)
	var sum uint64
	for i := 0; i < s.geo.SegmentsPerSection; i++ {
		sum += s.segs[int(first)+i].mtime
	}
	return sum / uint64(s.geo.SegmentsPerSection)
}

// MtimeBounds returns the globally observed (min, max) mtime.
func (s *Store) MtimeBounds() (uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds.min, s.bounds.max
}

// ObserveMtime widens the mtime bounds with t. It reports whether t was
// older than the newest time seen so far (a clock regression).
func (s *Store) ObserveMtime(t uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds.observe(t)
}

// ClockRegressions returns the number of regressions seen by ObserveMtime.
func (s *Store) ClockRegressions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds.regressions
}

// DirtyBitmap returns a snapshot of the dirty segments of class c.
func (s *Store) DirtyBitmap(c Class) *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty[c.Index()].Clone()
}

// DirtyCount returns the number of dirty segments of class c.
func (s *Store) DirtyCount(c Class) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.dirty[c.Index()].GetCardinality())
}

// AllDirtyCount returns the number of dirty segments over every class.
func (s *Store) AllDirtyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.dirtyAll.GetCardinality())
}

// NextDirty returns the first dirty segment >= from, optionally
// restricted to one class. ok is false past the last dirty segment.
func (s *Store) NextDirty(c *Class, from ID) (ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bm := s.dirtyAll
	if c != nil {
		bm = s.dirty[c.Index()]
	}
	return nextIn(bm, uint32(from), uint32(len(s.segs)))
}

func nextIn(bm *roaring.Bitmap, from, limit uint32) (ID, bool) {
	it := bm.Iterator()
	it.AdvanceIfNeeded(from)
	if !it.HasNext() {
		return NullID, false
	}
	v := it.Next()
	if v >= limit {
		return NullID, false
	}
	return ID(v), true
}

// MarkVictim flags sec as selected by background GC.
func (s *Store) MarkVictim(sec SectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkSection(sec)
	s.victims.Add(uint32(sec))
}

// ClearVictim removes sec from the victim bitmap.
func (s *Store) ClearVictim(sec SectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.victims.Remove(uint32(sec))
}

// IsVictim reports whether sec is flagged in the victim bitmap.
func (s *Store) IsVictim(sec SectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.victims.Contains(uint32(sec))
}

// NextVictim returns the first victim-flagged section >= from.
func (s *Store) NextVictim(from SectionID) (SectionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := nextIn(s.victims, uint32(from), uint32(s.geo.Sections))
	return SectionID(id), ok
}

// ClaimSection marks sec as being cleaned. It fails with ErrSegmentBusy
// if sec is already claimed or holds an open log head.
func (s *Store) ClaimSection(sec SectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkSection(sec)
	if s.claimed.Contains(uint32(sec)) || s.isCurrentSectionLocked(sec) {
		return fmt.Errorf("%w: section %d", ErrSegmentBusy, sec)
	}
	s.claimed.Add(uint32(sec))
	return nil
}

// ReleaseSection clears the in-use marker set by ClaimSection.
func (s *Store) ReleaseSection(sec SectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed.Remove(uint32(sec))
	if int(sec) < len(s.secValid) && s.secValid[sec] == 0 {
		s.victims.Remove(uint32(sec))
	}
}

// IsClaimed reports whether sec is being cleaned.
func (s *Store) IsClaimed(sec SectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claimed.Contains(uint32(sec))
}

// IsCurrentSection reports whether sec holds any open log head.
func (s *Store) IsCurrentSection(sec SectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isCurrentSectionLocked(sec)
}

func (s *Store) isCurrentSectionLocked(sec SectionID) bool {
	for _, c := range s.current {
		if c != NullID && s.geo.SectionOf(c) == sec {
			return true
		}
	}
	return false
}

// Current returns the open log head of class c.
func (s *Store) Current(c Class) ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current[c.Index()]
}

// SetCurrent makes seg the open log head of class c. The previous head
// is reclassified. seg may be NullID to close the log.
func (s *Store) SetCurrent(c Class, seg ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current[c.Index()]
	if seg != NullID {
		s.check(seg)
		if s.free.Contains(uint32(seg)) {
			s.takeFreeLocked(seg)
		}
		s.segs[seg].class = c
	}
	s.current[c.Index()] = seg
	if seg != NullID {
		s.classifyLocked(seg)
	}
	if prev != NullID && prev != seg {
		s.classifyLocked(prev)
	}
}

// MarkSegmentInvalid quarantines seg after a failed consistency check.
func (s *Store) MarkSegmentInvalid(seg ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.check(seg)
	s.quarantine.Add(uint32(seg))
	s.needFsck = true
}

// IsSegmentInvalid reports whether seg is quarantined.
func (s *Store) IsSegmentInvalid(seg ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quarantine.Contains(uint32(seg))
}

// SetNeedFsck flags the filesystem for an offline consistency check.
func (s *Store) SetNeedFsck() {
	s.mu.Lock()
	s.needFsck = true
	s.mu.Unlock()
}

// NeedFsck reports whether an offline check has been requested.
func (s *Store) NeedFsck() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needFsck
}

// SetFatal records an unrecoverable filesystem error.
func (s *Store) SetFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
}

// Fatal returns the recorded unrecoverable error, if any.
func (s *Store) Fatal() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatal
}

// SetCheckpointDisabled toggles checkpoint-disabled accounting. While
// disabled, segments that still hold checkpointed blocks are not
// reclaimable.
func (s *Store) SetCheckpointDisabled(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ckptDisabled = disabled
	for i := range s.segs {
		if !s.free.Contains(uint32(i)) {
			s.classifyLocked(ID(i))
		}
	}
}

// CheckpointDisabled reports whether checkpointing is disabled.
func (s *Store) CheckpointDisabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ckptDisabled
}

// CommitCheckpoint records a completed checkpoint: the current valid maps
// become the checkpointed maps and prefree segments become free. It
// returns the number of segments freed.
func (s *Store) CommitCheckpoint() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.segs {
		e := &s.segs[i]
		e.ckpt.ClearAll()
		e.ckpt.InPlaceUnion(e.valid)
		e.nckpt = e.nvalid
	}
	freed := 0
	for _, id := range s.prefree.ToArray() {
		s.releaseLocked(ID(id))
		freed++
	}
	s.prefree.Clear()
	return freed
}

func (s *Store) releaseLocked(seg ID) {
	e := &s.segs[seg]
	e.mtime = 0
	e.valid.ClearAll()
	e.ckpt.ClearAll()
	e.nckpt = 0
	for i := range e.sums {
		e.sums[i] = Summary{}
	}
	s.free.Add(uint32(seg))
	s.quarantine.Remove(uint32(seg))
	sec := s.geo.SectionOf(seg)
	s.secFree[sec]++
	if s.secFree[sec] == s.geo.SegmentsPerSection {
		s.victims.Remove(uint32(sec))
	}
}

func (s *Store) takeFreeLocked(seg ID) {
	s.free.Remove(uint32(seg))
	s.secFree[s.geo.SectionOf(seg)]--
}

// AllocateSegment picks a free segment for class c below the allocation
// limit, outside sections being cleaned. It prefers the segment following
// the current head within the same section, then the first segment of a
// wholly free section, then any free segment. The caller makes it current
// with SetCurrent.
func (s *Store) AllocateSegment(c Class) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := uint32(s.allocLimit * s.geo.SegmentsPerSection)

	if cur := s.current[c.Index()]; cur != NullID {
		next := uint32(cur) + 1
		if next < limit && s.geo.SectionOf(ID(next)) == s.geo.SectionOf(cur) && s.free.Contains(next) {
			return ID(next), nil
		}
	}
	for sec := 0; sec < s.allocLimit; sec++ {
		if s.secFree[sec] == s.geo.SegmentsPerSection && !s.claimed.Contains(uint32(sec)) {
			return s.geo.FirstSegment(SectionID(sec)), nil
		}
	}
	for id, ok := nextIn(s.free, 0, limit); ok; id, ok = nextIn(s.free, uint32(id)+1, limit) {
		if !s.claimed.Contains(uint32(s.geo.SectionOf(id))) {
			return id, nil
		}
	}
	return NullID, ErrNoFreeSegment
}

// SetAllocLimit restricts allocation to the first sections sections.
func (s *Store) SetAllocLimit(sections int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sections > s.geo.Sections {
		sections = s.geo.Sections
	}
	s.allocLimit = sections
}

// AllocLimit returns the number of sections usable for allocation.
func (s *Store) AllocLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allocLimit
}

// Shrink removes the last n sections from the main area. Every segment in
// the range must be free.
func (s *Store) Shrink(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n >= s.geo.Sections {
		return fmt.Errorf("%w: cannot shrink %d of %d sections", ErrInvalidGeometry, n, s.geo.Sections)
	}
	newSecs := s.geo.Sections - n
	start := newSecs * s.geo.SegmentsPerSection
	for seg := start; seg < len(s.segs); seg++ {
		if !s.free.Contains(uint32(seg)) {
			return fmt.Errorf("%w: segment %d", ErrRangeInUse, seg)
		}
	}
	end := uint64(len(s.segs))
	for i := range s.dirty {
		s.dirty[i].RemoveRange(uint64(start), end)
	}
	s.dirtyAll.RemoveRange(uint64(start), end)
	s.free.RemoveRange(uint64(start), end)
	s.quarantine.RemoveRange(uint64(start), end)
	s.victims.RemoveRange(uint64(newSecs), uint64(s.geo.Sections))
	s.claimed.RemoveRange(uint64(newSecs), uint64(s.geo.Sections))

	s.segs = s.segs[:start]
	s.secValid = s.secValid[:newSecs]
	s.secFree = s.secFree[:newSecs]
	s.geo.Sections = newSecs
	if s.allocLimit > newSecs {
		s.allocLimit = newSecs
	}
	return nil
}

// Stats is a point-in-time summary of the main area.
type Stats struct {
	Segments        int
	Sections        int
	FreeSegments    int
	FreeSections    int
	PrefreeSegments int
	DirtySegments   int
	ValidBlocks     int64
	UserBlocks      int64
	VictimSections  int
}

// Stats returns a consistent summary of the main area.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Segments:        len(s.segs),
		Sections:        s.geo.Sections,
		FreeSegments:    int(s.free.GetCardinality()),
		PrefreeSegments: int(s.prefree.GetCardinality()),
		DirtySegments:   int(s.dirtyAll.GetCardinality()),
		UserBlocks:      int64(len(s.segs)) * int64(s.geo.BlocksPerSegment),
		VictimSections:  int(s.victims.GetCardinality()),
	}
	for sec, n := range s.secFree {
		if n == s.geo.SegmentsPerSection && sec < s.allocLimit {
			st.FreeSections++
		}
		st.ValidBlocks += int64(s.secValid[sec])
	}
	return st
}
