package storage

import (
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dsg.dev/kvkernel/common"
)

// statsPageStore wraps a PageStore and counts reads and writes dispatched
// through it, the way the teacher's StatsDBFile counts against a DBFile.
type statsPageStore struct {
	PageStore
	ReadCnt, WriteCnt atomic.Int64
}

func (s *statsPageStore) ReadPage(id common.PageID, buf []byte) error {
	s.ReadCnt.Add(1)
	return s.PageStore.ReadPage(id, buf)
}

func (s *statsPageStore) WritePage(id common.PageID, buf []byte) error {
	s.WriteCnt.Add(1)
	return s.PageStore.WritePage(id, buf)
}

// newTestPoolWithStats builds a pool identical to newTestPool but routes its
// scheduler through a statsPageStore, so tests can assert on read/write
// counts instead of only on observable page contents.
func newTestPoolWithStats(t *testing.T, poolSize, k int) (*BufferPool, *statsPageStore) {
	t.Helper()
	dm, err := NewDiskManager(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	stats := &statsPageStore{PageStore: dm}

	bp := &BufferPool{
		frames:    make([]PageFrame, poolSize),
		freeList:  make([]common.FrameID, poolSize),
		pageTable: make(map[common.PageID]common.FrameID, poolSize),
		replacer:  NewLRUKReplacer(k),
		scheduler: NewDiskScheduler(stats, nil, poolSize*2),
		dm:        dm,
		log:       zap.NewNop(),
	}
	for i := 0; i < poolSize; i++ {
		bp.freeList[i] = common.FrameID(i)
	}
	t.Cleanup(func() {
		bp.Close()
		_ = dm.Close()
	})
	return bp, stats
}

func newTestPool(t *testing.T, poolSize, k int) *BufferPool {
	t.Helper()
	dm, err := NewDiskManager(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	bp := NewBufferPool(poolSize, k, dm, nil)
	t.Cleanup(func() {
		bp.Close()
		_ = dm.Close()
	})
	return bp
}

func assertPoolConservation(t *testing.T, bp *BufferPool, poolSize int) {
	t.Helper()
	assert.Equal(t, poolSize, bp.FreeFrames()+bp.Resident(), "pool conservation: |free_list| + |page_table| == pool_size")
}

// TestBufferPool_EvictsUnpinnedPageWhenFull exercises a pool of size 3:
// three pages fill it, a fourth fails, and unpinning the first lets a
// fourth NewPage succeed by evicting it.
func TestBufferPool_EvictsUnpinnedPageWhenFull(t *testing.T) {
	bp := newTestPool(t, 3, 2)

	p1, _, ok := bp.NewPage()
	require.True(t, ok)
	_, _, ok = bp.NewPage()
	require.True(t, ok)
	_, _, ok = bp.NewPage()
	require.True(t, ok)

	_, _, ok = bp.NewPage()
	assert.False(t, ok, "pool is full and nothing is evictable")

	assert.True(t, bp.UnpinPage(p1, false))
	assertPoolConservation(t, bp, 3)

	p4, _, ok := bp.NewPage()
	require.True(t, ok, "NewPage should succeed by evicting p1")
	assert.NotEqual(t, p1, p4)
	assertPoolConservation(t, bp, 3)
}

// TestBufferPool_SinglePageSlotChurn exercises a pool of size 1, which
// forces every fetch to evict-and-flush the current occupant;
// round-tripped bytes must survive that churn.
func TestBufferPool_SinglePageSlotChurn(t *testing.T) {
	bp := newTestPool(t, 1, 2)

	p1, frame1, ok := bp.NewPage()
	require.True(t, ok)
	frame1.Bytes[0] = 0xAB
	require.True(t, bp.UnpinPage(p1, true))

	p2, frame2, ok := bp.NewPage()
	require.True(t, ok, "evicting the dirty p1 must flush it first")
	frame2.Bytes[0] = 0xCD
	require.True(t, bp.UnpinPage(p2, true))

	frame1Again, ok := bp.FetchPage(p1)
	require.True(t, ok, "fetching p1 must flush p2 and read p1 back")
	assert.Equal(t, byte(0xAB), frame1Again.Bytes[0])
	bp.UnpinPage(p1, false)
}

func TestBufferPool_UnpinPage_NotResidentOrAlreadyUnpinned(t *testing.T) {
	bp := newTestPool(t, 2, 2)

	assert.False(t, bp.UnpinPage(common.PageID(999), false))

	p1, _, ok := bp.NewPage()
	require.True(t, ok)
	require.True(t, bp.UnpinPage(p1, false))
	assert.False(t, bp.UnpinPage(p1, false), "unpinning an already-unpinned page fails")
}

func TestBufferPool_FlushPage_WritesEvenAClean_ViaReadWriteCounts(t *testing.T) {
	bp, stats := newTestPoolWithStats(t, 2, 2)

	p1, frame, ok := bp.NewPage()
	require.True(t, ok)
	frame.Bytes[0] = 0x7A
	require.True(t, bp.UnpinPage(p1, false)) // not marked dirty
	assert.Equal(t, int64(0), stats.WriteCnt.Load(), "unpinning clean shouldn't write")

	require.True(t, bp.FlushPage(p1))
	assert.Equal(t, int64(1), stats.WriteCnt.Load(), "FlushPage writes regardless of dirty flag")

	require.True(t, bp.FlushPage(p1))
	assert.Equal(t, int64(2), stats.WriteCnt.Load(), "a second FlushPage writes again, unconditionally")
}

func TestBufferPool_FetchPage_CacheHitThenDiskReadAfterEviction_ViaReadCounts(t *testing.T) {
	bp, stats := newTestPoolWithStats(t, 1, 2)

	p1, _, ok := bp.NewPage()
	require.True(t, ok)
	require.True(t, bp.UnpinPage(p1, false))
	assert.Equal(t, int64(0), stats.ReadCnt.Load(), "NewPage never reads from disk")

	_, ok = bp.FetchPage(p1)
	require.True(t, ok)
	assert.Equal(t, int64(0), stats.ReadCnt.Load(), "p1 is still resident, so this is a cache hit")
	bp.UnpinPage(p1, false)

	// Pool size 1: allocating a second page must evict p1's frame first.
	p2, _, ok := bp.NewPage()
	require.True(t, ok)
	require.True(t, bp.UnpinPage(p2, false))

	_, ok = bp.FetchPage(p1)
	require.True(t, ok, "fetching p1 must evict p2 and read p1 back from disk")
	assert.Equal(t, int64(1), stats.ReadCnt.Load(), "p1 was evicted, so this fetch must hit disk")
	bp.UnpinPage(p1, false)
}

func TestBufferPool_FetchPage_ScanIsNonMutating(t *testing.T) {
	bp := newTestPool(t, 2, 2)

	p1, _, ok := bp.NewPage()
	require.True(t, ok)
	require.True(t, bp.UnpinPage(p1, false))

	frame, ok := bp.FetchPage(p1)
	require.True(t, ok)
	assert.False(t, frame.IsDirty(), "FetchPage alone must never mark a page dirty")
	bp.UnpinPage(p1, false)
}

func TestBufferPool_FlushPage_WritesRegardlessOfDirtyFlag(t *testing.T) {
	bp := newTestPool(t, 2, 2)

	p1, frame, ok := bp.NewPage()
	require.True(t, ok)
	frame.Bytes[0] = 0x42
	require.True(t, bp.UnpinPage(p1, false)) // not marked dirty

	assert.True(t, bp.FlushPage(p1), "FlushPage writes even a clean page")
	assert.False(t, bp.FlushPage(common.PageID(999)))
}

func TestBufferPool_DeletePage(t *testing.T) {
	bp := newTestPool(t, 2, 2)

	assert.True(t, bp.DeletePage(common.PageID(999)), "deleting an absent page is idempotent")

	p1, _, ok := bp.NewPage()
	require.True(t, ok)
	assert.False(t, bp.DeletePage(p1), "deleting a pinned page fails")

	require.True(t, bp.UnpinPage(p1, false))
	assert.True(t, bp.DeletePage(p1))
	assertPoolConservation(t, bp, 2)

	_, ok = bp.FetchPage(p1)
	assert.False(t, ok, "deleted page id is not resident")
}

func TestBufferPool_PinSafety_PinnedFrameIsNeverEvicted(t *testing.T) {
	bp := newTestPool(t, 2, 2)

	p1, _, ok := bp.NewPage()
	require.True(t, ok)
	p2, _, ok := bp.NewPage()
	require.True(t, ok)
	// Both p1 and p2 remain pinned; the pool is exhausted.
	_, _, ok = bp.NewPage()
	assert.False(t, ok)
	assert.Equal(t, 2, bp.Resident())
	_ = p1
	_ = p2
}

func TestBufferPool_Concurrent_DisjointPages(t *testing.T) {
	bp := newTestPool(t, 8, 2)

	goroutines := runtime.NumCPU() * 4
	const perGoroutine = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				pageID, frame, ok := bp.NewPage()
				if !ok {
					continue
				}
				frame.Bytes[0] = byte(pageID)
				bp.UnpinPage(pageID, true)

				got, ok := bp.FetchPage(pageID)
				if ok {
					_ = got.Bytes[0]
					bp.UnpinPage(pageID, false)
				}
			}
		}()
	}
	wg.Wait()

	assertPoolConservation(t, bp, 8)
}
