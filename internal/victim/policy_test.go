package victim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/lfsgc/internal/segment"
)

var hotData = segment.Class{Type: segment.TypeData, Temp: segment.TempHot}

func newStore(t *testing.T, bps, spsec, secs int) *segment.Store {
	t.Helper()
	s, err := segment.NewStore(segment.Geometry{BlocksPerSegment: bps, SegmentsPerSection: spsec, Sections: secs})
	require.NoError(t, err)
	return s
}

// write marks n blocks of seg valid at mtime and closes the log head.
func write(t *testing.T, s *segment.Store, seg segment.ID, n int, mtime uint64) {
	t.Helper()
	s.SetCurrent(hotData, seg)
	geo := s.Geometry()
	for i := 0; i < n; i++ {
		require.True(t, s.MarkBlockValid(geo.AddrOf(seg, i), segment.Summary{Owner: uint64(seg), Index: uint64(i)}, mtime))
	}
	s.SetCurrent(hotData, segment.NullID)
}

func lfs(t GCType) Request {
	return Request{GCType: t, Alloc: LFS, Hint: segment.NullID}
}

func TestGreedyPicksFewestValid(t *testing.T) {
	s := newStore(t, 100, 1, 4)
	for i, n := range []int{10, 90, 5, 95} {
		write(t, s, segment.ID(i), n, 1)
	}
	p := New(s, Config{Mode: Greedy})

	v, err := p.Select(lfs(Foreground))
	require.NoError(t, err)
	assert.Equal(t, segment.ID(2), v.Segment)
	assert.Equal(t, uint64(5), v.Cost)
	assert.Equal(t, Greedy, v.Mode)
	assert.Equal(t, 4, v.Searched)
}

func TestGreedyIgnoresSkippedCandidates(t *testing.T) {
	s := newStore(t, 100, 1, 4)
	for i, n := range []int{10, 90, 5, 95} {
		write(t, s, segment.ID(i), n, 1)
	}
	require.NoError(t, s.ClaimSection(2))
	s.MarkSegmentInvalid(0)
	p := New(s, Config{Mode: Greedy})

	v, err := p.Select(lfs(Foreground))
	require.NoError(t, err)
	assert.Equal(t, segment.ID(1), v.Segment, "claimed and quarantined segments are not candidates")
}

func TestCostBenefitPrefersOldEmptySections(t *testing.T) {
	s := newStore(t, 100, 1, 4)
	utils := []int{10, 90, 5, 95}
	mtimes := []uint64{1, 100, 1, 100}
	for i := range utils {
		write(t, s, segment.ID(i), utils[i], mtimes[i])
	}
	p := New(s, Config{Mode: CostBenefit})

	v, err := p.Select(lfs(Background))
	require.NoError(t, err)
	assert.Equal(t, segment.ID(2), v.Segment)
	assert.Equal(t, CostBenefit, v.Mode)
	assert.Equal(t, uint64(100), v.Age)
	assert.True(t, s.IsVictim(2), "background selection flags the section")
}

func TestCostBenefitMonotonic(t *testing.T) {
	for u := uint64(0); u <= 90; u += 10 {
		for age := uint64(10); age < 100; age += 10 {
			assert.Less(t, CostBenefitCost(u, age+10), CostBenefitCost(u, age), "u=%d age=%d", u, age)
		}
	}
	for age := uint64(10); age <= 100; age += 10 {
		for u := uint64(10); u <= 90; u += 10 {
			assert.Less(t, CostBenefitCost(u-10, age), CostBenefitCost(u, age), "u=%d age=%d", u, age)
		}
	}
}

func TestForegroundAlwaysGreedy(t *testing.T) {
	s := newStore(t, 100, 1, 2)
	write(t, s, 0, 50, 1)
	write(t, s, 1, 20, 100)
	p := New(s, Config{Mode: CostBenefit})

	v, err := p.Select(lfs(Foreground))
	require.NoError(t, err)
	assert.Equal(t, Greedy, v.Mode)
	assert.Equal(t, segment.ID(1), v.Segment)
}

func TestAgeThresholdSkipsYoungSections(t *testing.T) {
	s := newStore(t, 10, 1, 3)
	write(t, s, 0, 5, 60)
	write(t, s, 1, 5, 40)
	s.ObserveMtime(100)
	p := New(s, Config{Mode: AgeThreshold, AgeThreshold: 50, AgeWeight: 60})

	v, err := p.Select(lfs(Background))
	require.NoError(t, err)
	assert.Equal(t, segment.ID(1), v.Segment)
	assert.Equal(t, AgeThreshold, v.Mode)
	assert.False(t, v.Retried)
}

func TestAgeThresholdRetriesWithZeroThreshold(t *testing.T) {
	s := newStore(t, 10, 1, 3)
	write(t, s, 0, 5, 80)
	write(t, s, 1, 5, 70)
	s.ObserveMtime(100)
	p := New(s, Config{Mode: AgeThreshold, AgeThreshold: 50, AgeWeight: 60})

	v, err := p.Select(lfs(Background))
	require.NoError(t, err)
	assert.True(t, v.Retried)
	assert.Equal(t, segment.ID(1), v.Segment, "older of two young sections")
}

func TestAgeThresholdNeverReturnsYoungWithoutRetry(t *testing.T) {
	s := newStore(t, 10, 1, 8)
	for i := 0; i < 7; i++ {
		write(t, s, segment.ID(i), 1+i%5, uint64(20+i*10))
	}
	s.ObserveMtime(100)
	for _, threshold := range []uint64{10, 30, 50, 70} {
		p := New(s, Config{Mode: AgeThreshold, AgeThreshold: threshold, AgeWeight: 60})
		v, err := p.Select(lfs(Background))
		require.NoError(t, err)
		if !v.Retried {
			age := 100 - s.SectionMtime(v.Section)
			assert.GreaterOrEqual(t, age, threshold)
		}
		s.ClearVictim(v.Section)
	}
}

func TestCursorAdvancesRoundRobin(t *testing.T) {
	s := newStore(t, 10, 1, 8)
	for i := 0; i < 8; i++ {
		write(t, s, segment.ID(i), i+1, 1)
	}
	s.CommitCheckpoint()
	p := New(s, Config{Mode: Greedy, MaxVictimSearch: 3})
	req := Request{GCType: Background, Alloc: SSR, Class: hotData, Hint: segment.NullID}

	var got []segment.ID
	var cursors []segment.ID
	for i := 0; i < 3; i++ {
		v, err := p.Select(req)
		require.NoError(t, err)
		assert.Equal(t, 3, v.Searched)
		got = append(got, v.Segment)
		cursors = append(cursors, p.Cursors()[cursorSSR])
	}
	assert.Equal(t, []segment.ID{0, 3, 0}, got)
	assert.Equal(t, []segment.ID{3, 6, 1}, cursors, "cursor wraps past the end")
}

func TestUnboundedScanVisitsEverySegmentOnce(t *testing.T) {
	s := newStore(t, 10, 1, 8)
	for i := 0; i < 8; i++ {
		write(t, s, segment.ID(i), 9-i%3, 1)
	}
	p := New(s, Config{Mode: Greedy, MaxVictimSearch: 2})
	p.RestoreCursors(Cursors{5, 0, 0, 0, 0})

	v, err := p.Select(lfs(Foreground))
	require.NoError(t, err)
	assert.Equal(t, 8, v.Searched)
	assert.Equal(t, segment.ID(5), v.Segment, "first lowest-cost candidate in scan order")
}

func TestExplicitHint(t *testing.T) {
	s := newStore(t, 10, 2, 3)
	write(t, s, 3, 4, 1)
	p := New(s, DefaultConfig())

	_, err := p.Select(Request{GCType: Foreground, Alloc: LFS, Hint: 0})
	assert.ErrorIs(t, err, ErrNoVictim)

	v, err := p.Select(Request{GCType: Foreground, Alloc: LFS, Hint: 3})
	require.NoError(t, err)
	assert.Equal(t, segment.ID(2), v.Segment, "aligned to the section start")
	assert.Equal(t, segment.SectionID(1), v.Section)

	require.NoError(t, s.ClaimSection(1))
	_, err = p.Select(Request{GCType: Foreground, Alloc: LFS, Hint: 3})
	assert.True(t, errors.Is(err, segment.ErrSegmentBusy))
	s.ReleaseSection(1)

	s.SetCurrent(hotData, 2)
	_, err = p.Select(Request{GCType: Foreground, Alloc: LFS, Hint: 3})
	assert.ErrorIs(t, err, segment.ErrSegmentBusy)

	_, err = p.Select(Request{GCType: Foreground, Alloc: LFS, Hint: 99})
	assert.ErrorIs(t, err, ErrNoVictim)
}

func TestNoVictimWhenNothingDirty(t *testing.T) {
	s := newStore(t, 10, 1, 4)
	p := New(s, DefaultConfig())
	_, err := p.Select(lfs(Background))
	assert.ErrorIs(t, err, ErrNoVictim)
}

func TestBackgroundVictimReofferedOnce(t *testing.T) {
	s := newStore(t, 10, 1, 4)
	write(t, s, 1, 3, 1)
	write(t, s, 2, 6, 1)
	p := New(s, Config{Mode: Greedy})

	v, err := p.Select(lfs(Background))
	require.NoError(t, err)
	assert.Equal(t, segment.ID(1), v.Segment)
	require.True(t, s.IsVictim(1))

	v, err = p.Select(lfs(Foreground))
	require.NoError(t, err)
	assert.True(t, v.Reoffered)
	assert.Equal(t, segment.ID(1), v.Segment)
	assert.False(t, s.IsVictim(1))

	v, err = p.Select(lfs(Foreground))
	require.NoError(t, err)
	assert.False(t, v.Reoffered)
}

func TestBackgroundScanSkipsFlaggedSections(t *testing.T) {
	s := newStore(t, 10, 1, 4)
	write(t, s, 1, 3, 1)
	write(t, s, 2, 6, 1)
	s.MarkVictim(1)
	require.NoError(t, s.ClaimSection(1))
	p := New(s, Config{Mode: Greedy})

	v, err := p.Select(lfs(Background))
	require.NoError(t, err)
	assert.Equal(t, segment.ID(2), v.Segment)
}

func TestContinuationResumesMidSection(t *testing.T) {
	s := newStore(t, 10, 4, 2)
	write(t, s, 4, 2, 1)
	write(t, s, 6, 2, 1)
	p := New(s, Config{Mode: Greedy})
	p.SetContinuation(Foreground, 6)

	v, err := p.Select(lfs(Foreground))
	require.NoError(t, err)
	assert.True(t, v.Reoffered)
	assert.Equal(t, segment.ID(6), v.Segment)
	assert.Equal(t, segment.NullID, p.Continuation(Foreground))

	v, err = p.Select(lfs(Foreground))
	require.NoError(t, err)
	assert.Equal(t, segment.ID(4), v.Segment, "fresh scan returns the section start")
}

func TestCheckpointDisabledSkipsCheckpointedSources(t *testing.T) {
	s := newStore(t, 10, 1, 3)
	write(t, s, 0, 3, 1)
	s.CommitCheckpoint()
	write(t, s, 1, 5, 1)
	s.SetCheckpointDisabled(true)
	p := New(s, Config{Mode: Greedy})

	v, err := p.Select(lfs(Foreground))
	require.NoError(t, err)
	assert.Equal(t, segment.ID(1), v.Segment)
}

func TestCheckpointDisabledSkipsFullSSRTargets(t *testing.T) {
	s := newStore(t, 4, 1, 2)
	write(t, s, 0, 4, 1)
	s.CommitCheckpoint()
	s.SetCheckpointDisabled(true)
	s.MarkBlockInvalid(s.Geometry().AddrOf(0, 0))
	p := New(s, DefaultConfig())

	_, err := p.Select(Request{GCType: Foreground, Alloc: SSR, Class: hotData, Hint: segment.NullID})
	assert.ErrorIs(t, err, ErrNoVictim, "invalidated slot is still held by the checkpoint")
}

func TestAgeSSRPrefersFewestCheckpointedBlocks(t *testing.T) {
	s := newStore(t, 10, 1, 4)
	write(t, s, 0, 3, 40)
	write(t, s, 1, 3, 70)
	write(t, s, 2, 5, 20)
	s.CommitCheckpoint()
	p := New(s, DefaultConfig())
	req := Request{GCType: Foreground, Alloc: AgeSSR, Class: hotData, Hint: segment.NullID, SourceMtime: 50}

	v, err := p.Select(req)
	require.NoError(t, err)
	assert.Equal(t, segment.ID(0), v.Segment, "tie broken by closeness to the source age")
	assert.Equal(t, uint64(3), v.Cost)

	write(t, s, 3, 1, 90)
	s.CommitCheckpoint()
	v, err = p.Select(req)
	require.NoError(t, err)
	assert.Equal(t, segment.ID(3), v.Segment)
}

func TestAgeIndexOrder(t *testing.T) {
	x := NewAgeIndex()
	for _, c := range []Candidate{{3, 30}, {1, 10}, {2, 20}, {4, 20}} {
		x.Insert(c)
	}
	require.Equal(t, 4, x.Len())

	var asc []segment.ID
	x.Ascend(func(c Candidate) bool { asc = append(asc, c.Segment); return true })
	assert.Equal(t, []segment.ID{1, 2, 4, 3}, asc)

	var older []segment.ID
	x.Older(20, func(c Candidate) bool { older = append(older, c.Segment); return true })
	assert.Equal(t, []segment.ID{4, 2, 1}, older)

	var newer []segment.ID
	x.Newer(20, func(c Candidate) bool { newer = append(newer, c.Segment); return true })
	assert.Equal(t, []segment.ID{3}, newer)

	x.Reset()
	assert.Equal(t, 0, x.Len())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("cb")
	require.NoError(t, err)
	assert.Equal(t, CostBenefit, m)
	_, err = ParseMode("lru")
	assert.Error(t, err)
}
