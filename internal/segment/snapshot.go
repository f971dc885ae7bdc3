package segment

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
)

// SegmentState is the persisted form of one segment entry.
type SegmentState struct {
	Class     Class
	Mtime     uint64
	Valid     []uint64
	Summaries []Summary
}

// Snapshot is a point-in-time copy of the store, as written into a
// checkpoint image. Derived state (counts, dirty and prefree sets) is
// rebuilt on Restore.
type Snapshot struct {
	Geometry   Geometry
	Segments   []SegmentState
	Free       *roaring.Bitmap
	Victims    *roaring.Bitmap
	Quarantine *roaring.Bitmap
	Current    [NumClasses]ID
	MinMtime   uint64
	MaxMtime   uint64
	NeedFsck   bool
}

// Snapshot copies the persistent part of the store.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{
		Geometry:   s.geo,
		Segments:   make([]SegmentState, len(s.segs)),
		Free:       s.free.Clone(),
		Victims:    s.victims.Clone(),
		Quarantine: s.quarantine.Clone(),
		Current:    s.current,
		MinMtime:   s.bounds.min,
		MaxMtime:   s.bounds.max,
		NeedFsck:   s.needFsck,
	}
	for i := range s.segs {
		e := &s.segs[i]
		st := SegmentState{
			Class: e.class,
			Mtime: e.mtime,
			Valid: append([]uint64(nil), e.valid.Bytes()...),
		}
		if e.nvalid > 0 {
			st.Summaries = append([]Summary(nil), e.sums...)
		}
		snap.Segments[i] = st
	}
	return snap
}

// Restore rebuilds a store from a snapshot. The restored valid maps are
// also the checkpointed maps.
func Restore(snap *Snapshot) (*Store, error) {
	s, err := NewStore(snap.Geometry)
	if err != nil {
		return nil, err
	}
	if len(snap.Segments) != len(s.segs) {
		return nil, fmt.Errorf("segment: restore: %d segment states for %d segments",
			len(snap.Segments), len(s.segs))
	}
	s.free = roaring.New()
	if snap.Free != nil {
		s.free = snap.Free.Clone()
	}
	if snap.Victims != nil {
		s.victims = snap.Victims.Clone()
	}
	if snap.Quarantine != nil {
		s.quarantine = snap.Quarantine.Clone()
	}
	s.current = snap.Current
	s.needFsck = snap.NeedFsck
	if snap.MinMtime != 0 || snap.MaxMtime != 0 {
		s.bounds = mtimeBounds{min: snap.MinMtime, max: snap.MaxMtime, set: true}
	}

	for i := range s.secFree {
		s.secFree[i] = 0
	}
	for i, st := range snap.Segments {
		e := &s.segs[i]
		e.class = st.Class
		e.mtime = st.Mtime
		if len(st.Valid) > 0 {
			e.valid = bitset.From(append([]uint64(nil), st.Valid...))
		}
		e.ckpt = e.valid.Clone()
		e.nvalid = int(e.valid.Count())
		e.nckpt = e.nvalid
		if len(st.Summaries) == len(e.sums) {
			copy(e.sums, st.Summaries)
		}
		sec := s.geo.SectionOf(ID(i))
		s.secValid[sec] += e.nvalid
		if s.free.Contains(uint32(i)) {
			s.secFree[sec]++
			continue
		}
		s.classifyLocked(ID(i))
	}
	return s, nil
}
