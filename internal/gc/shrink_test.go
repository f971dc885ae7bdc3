package gc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/lfsgc/internal/cleaner"
	"github.com/dray-io/lfsgc/internal/segment"
	"github.com/dray-io/lfsgc/internal/simdev"
)

// tailFixture writes two files into the upper half of an eight-section
// main area by keeping the lower half claimed while writing.
func tailFixture(t *testing.T) (*fixture, *simdev.File, *simdev.File) {
	t.Helper()
	f := newFixture(t, 4, 8, testConfig())
	for sec := segment.SectionID(0); sec < 4; sec++ {
		require.NoError(t, f.fs.Store.ClaimSection(sec))
	}
	hot := f.file(t, 1, segment.TempHot, 3)
	pinned := f.file(t, 2, segment.TempCold, 2)
	pinned.SetPinned(true)
	for sec := segment.SectionID(0); sec < 4; sec++ {
		f.fs.Store.ReleaseSection(sec)
	}
	for owner := uint64(1); owner <= 2; owner++ {
		require.GreaterOrEqual(t, int(f.segOf(t, owner, 0)), 4)
	}
	return f, hot, pinned
}

func TestShrinkEvacuatesTail(t *testing.T) {
	f, _, _ := tailFixture(t)

	require.NoError(t, f.coord.Shrink(context.Background(), 4))

	store := f.fs.Store
	assert.Equal(t, 4, store.Geometry().Sections)
	assert.Equal(t, 4, store.AllocLimit())
	assert.Equal(t, 1, f.cp.Count(cleaner.ReasonResize))

	blocks := map[uint64]int{1: 3, 2: 2}
	for owner, n := range blocks {
		for i := 0; i < n; i++ {
			addr, ok := f.fs.Table.Lookup(owner, uint64(i))
			require.True(t, ok)
			seg, _ := store.Geometry().Split(addr)
			assert.Less(t, int(seg), 4)
			assert.True(t, store.IsBlockValid(addr))
			assert.Equal(t, []byte{byte(owner), byte(i)}, f.fs.Device.Peek(addr))
		}
		addr, ok := f.fs.Table.Lookup(simdev.NodeOwner(owner), 0)
		require.True(t, ok)
		seg, _ := store.Geometry().Split(addr)
		assert.Less(t, int(seg), 4)
	}
	assert.Equal(t, 1.0, counterValue(f.metrics.RoundsTotal.WithLabelValues("shrink", "freed")))
}

func TestShrinkFailsWhenBlocksCannotMove(t *testing.T) {
	f, hot, _ := tailFixture(t)
	hot.SetAtomic(true)

	err := f.coord.Shrink(context.Background(), 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShrinkFailed), "got %v", err)

	store := f.fs.Store
	assert.Equal(t, 8, store.Geometry().Sections)
	assert.Equal(t, 8, store.AllocLimit())
	assert.Equal(t, 0, f.cp.Count(cleaner.ReasonResize))
	assert.Equal(t, 3, store.ValidBlocks(f.segOf(t, 1, 0), false))
	assert.Equal(t, 1.0, counterValue(f.metrics.RoundsTotal.WithLabelValues("shrink", "error")))
}

func TestShrinkFailsWhenCheckpointFails(t *testing.T) {
	f, _, _ := tailFixture(t)
	f.cp.FailNext(1)

	err := f.coord.Shrink(context.Background(), 4)
	assert.True(t, errors.Is(err, ErrShrinkFailed), "got %v", err)
	assert.True(t, errors.Is(err, simdev.ErrInjected), "got %v", err)
	assert.Equal(t, 8, f.fs.Store.Geometry().Sections)
	assert.Equal(t, 8, f.fs.Store.AllocLimit())
}

func TestShrinkRejectsBadCounts(t *testing.T) {
	f := newFixture(t, 4, 8, testConfig())
	for _, n := range []int{0, -1, 8, 9} {
		err := f.coord.Shrink(context.Background(), n)
		assert.ErrorIs(t, err, segment.ErrInvalidGeometry, "sections=%d", n)
	}
	assert.Equal(t, 8, f.fs.Store.Geometry().Sections)
}

func TestShrinkOfEmptyTail(t *testing.T) {
	f := newFixture(t, 4, 8, testConfig())
	f.file(t, 1, segment.TempHot, 2)

	require.NoError(t, f.coord.Shrink(context.Background(), 6))
	assert.Equal(t, 2, f.fs.Store.Geometry().Sections)
	assert.Equal(t, int32(0), f.cl.calls.Load())
}

// crowdedFixture fills the four kept sections of an eight-section main
// area and leaves a cold file in the tail. File 2 keeps keep2 of its four
// blocks; with keep2 zero its segment is only prefree. The hot log head
// stays open in section 3 with two free slots.
func crowdedFixture(t *testing.T, keep2 int) *fixture {
	t.Helper()
	f := newFixture(t, 4, 8, testConfig())
	f.file(t, 2, segment.TempHot, 4)
	f.file(t, 3, segment.TempHot, 4)
	f.file(t, 4, segment.TempHot, 2)
	f.file(t, 1, segment.TempCold, 3)
	for i := keep2; i < 4; i++ {
		f.fs.Truncate(2, uint64(i))
	}
	require.Equal(t, segment.ID(1), f.segOf(t, 2, 0))
	require.GreaterOrEqual(t, int(f.segOf(t, 1, 0)), 4)
	require.Equal(t, 3, f.fs.Store.Stats().FreeSections)
	return f
}

func requireKept(t *testing.T, f *fixture, owner uint64, blocks, keep int) {
	t.Helper()
	for i := 0; i < blocks; i++ {
		seg := f.segOf(t, owner, uint64(i))
		assert.Less(t, int(seg), keep)
		addr, _ := f.fs.Table.Lookup(owner, uint64(i))
		assert.True(t, f.fs.Store.IsBlockValid(addr))
	}
}

func TestShrinkCommitsPrefreeSegmentsFirst(t *testing.T) {
	f := crowdedFixture(t, 0)
	require.Equal(t, 1, f.fs.Store.Stats().PrefreeSegments)

	require.NoError(t, f.coord.Shrink(context.Background(), 4))

	assert.Equal(t, 4, f.fs.Store.Geometry().Sections)
	assert.GreaterOrEqual(t, f.cp.Count(cleaner.ReasonPrefree), 1)
	requireKept(t, f, 1, 3, 4)
}

func TestShrinkCompactsKeptRange(t *testing.T) {
	f := crowdedFixture(t, 1)
	require.Equal(t, 0, f.fs.Store.Stats().PrefreeSegments)

	require.NoError(t, f.coord.Shrink(context.Background(), 4))

	assert.Equal(t, 4, f.fs.Store.Geometry().Sections)
	assert.GreaterOrEqual(t, f.cp.Count(cleaner.ReasonPrefree), 1)
	requireKept(t, f, 1, 3, 4)
	requireKept(t, f, 2, 1, 4)
}
