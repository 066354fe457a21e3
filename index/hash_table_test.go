package index

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsg.dev/kvkernel/storage"
)

func newTestTable(t *testing.T, poolSize int, bucketMaxSize uint32) (*HashTable, *storage.BufferPool) {
	t.Helper()
	dm, err := storage.NewDiskManager(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	bp := storage.NewBufferPool(poolSize, 2, dm, nil)
	t.Cleanup(func() {
		bp.Close()
		_ = dm.Close()
	})

	ht, ok := NewHashTable(bp, 9, 9, bucketMaxSize, nil)
	require.True(t, ok)
	return ht, bp
}

// TestHashTable_GrowsDirectoryOnRepeatedSplits inserts enough keys into
// bucket_max_size=2 buckets that the directory grows to at least
// global_depth 2, and checks every key is still retrievable. The table
// uses header max depth 0 so every key shares one directory.
func TestHashTable_GrowsDirectoryOnRepeatedSplits(t *testing.T) {
	_, bp := newTestTable(t, 32, 2)
	ht, ok := NewHashTable(bp, 0, 9, 2, nil)
	require.True(t, ok)

	for k := Key(0); k < 5; k++ {
		require.True(t, ht.Insert(k, Value(k*10)))
	}
	for k := Key(0); k < 5; k++ {
		v, ok := ht.GetValue(k)
		require.True(t, ok)
		assert.Equal(t, Value(k*10), v)
	}
	require.NoError(t, ht.CheckInvariants())
}

// TestHashTable_DuplicateRejectedThenReinsertableAfterRemove checks no
// duplicate keys are ever accepted, and a removed key becomes insertable
// again.
func TestHashTable_DuplicateRejectedThenReinsertableAfterRemove(t *testing.T) {
	ht, _ := newTestTable(t, 32, 4)

	for k := Key(0); k < 32; k++ {
		require.True(t, ht.Insert(k, Value(k)))
	}
	assert.False(t, ht.Insert(0, Value(999)), "duplicate insert must fail")

	require.True(t, ht.Remove(0))
	assert.True(t, ht.Insert(0, Value(999)), "reinsert after remove must succeed")

	v, ok := ht.GetValue(0)
	require.True(t, ok)
	assert.Equal(t, Value(999), v)
	require.NoError(t, ht.CheckInvariants())
}

// TestHashTable_RemovingEveryKeyCollapsesDirectory inserts then removes
// every key and checks the index collapses back down cleanly. The table
// uses header max depth 0 so every key shares one directory, which must
// split on the way up and merge on the way down.
func TestHashTable_RemovingEveryKeyCollapsesDirectory(t *testing.T) {
	_, bp := newTestTable(t, 32, 3)
	ht, ok := NewHashTable(bp, 0, 9, 3, nil)
	require.True(t, ok)

	const n = 40
	for k := Key(0); k < n; k++ {
		require.True(t, ht.Insert(k, Value(k)))
	}
	for k := Key(0); k < n; k++ {
		require.True(t, ht.Remove(k))
	}
	for k := Key(0); k < n; k++ {
		_, ok := ht.GetValue(k)
		assert.False(t, ok)
	}
	require.NoError(t, ht.CheckInvariants())
}

// TestHashTable_ConcurrentDisjointInserts runs two goroutines inserting
// disjoint key ranges concurrently and checks every key survives exactly
// once.
func TestHashTable_ConcurrentDisjointInserts(t *testing.T) {
	const poolSize = 64
	ht, bp := newTestTable(t, poolSize, 4)

	const perGoroutine = 1000
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		base := Key(g * perGoroutine)
		go func(base Key) {
			defer wg.Done()
			for i := Key(0); i < perGoroutine; i++ {
				assert.True(t, ht.Insert(base+i, Value(base+i)))
			}
		}(base)
	}
	wg.Wait()

	assert.Equal(t, poolSize, bp.FreeFrames()+bp.Resident(), "pool conservation: |free_list| + |page_table| == pool_size")

	for i := Key(0); i < 2*perGoroutine; i++ {
		v, ok := ht.GetValue(i)
		require.True(t, ok)
		assert.Equal(t, Value(i), v)
	}
}

func TestHashTable_RoundTrip(t *testing.T) {
	ht, _ := newTestTable(t, 16, 4)

	require.True(t, ht.Insert(Key(1), Value(100)))
	v, ok := ht.GetValue(Key(1))
	require.True(t, ok)
	assert.Equal(t, Value(100), v)

	require.True(t, ht.Remove(Key(1)))
	_, ok = ht.GetValue(Key(1))
	assert.False(t, ok)
}

func TestHashTable_GetValue_AbsentKeyOnEmptyTable(t *testing.T) {
	ht, _ := newTestTable(t, 8, 4)
	_, ok := ht.GetValue(Key(42))
	assert.False(t, ok)
}

func TestHashTable_Remove_AbsentKeyFails(t *testing.T) {
	ht, _ := newTestTable(t, 8, 4)
	require.True(t, ht.Insert(Key(1), Value(1)))
	assert.False(t, ht.Remove(Key(2)))
}
