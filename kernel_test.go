package kvkernel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := NewKernel(KernelConfig{
		BackingFilePath:   filepath.Join(t.TempDir(), "kernel.db"),
		PoolSize:          16,
		ReplacerK:         2,
		HeaderMaxDepth:    9,
		DirectoryMaxDepth: 9,
		BucketMaxSize:     4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestNewKernel_WiresAllComponents(t *testing.T) {
	k := newTestKernel(t)
	require.NotNil(t, k.DiskManager)
	require.NotNil(t, k.BufferPool)
	require.NotNil(t, k.Index)
	require.NotNil(t, k.Logger)

	require.True(t, k.Index.Insert(1, 100))
	v, ok := k.Index.GetValue(1)
	require.True(t, ok)
	assert.Equal(t, uint64(100), uint64(v))
}

func TestNewKernel_CreatesBackingFileDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "kernel.db")
	k, err := NewKernel(KernelConfig{
		BackingFilePath:   path,
		PoolSize:          4,
		ReplacerK:         2,
		HeaderMaxDepth:    2,
		DirectoryMaxDepth: 2,
		BucketMaxSize:     2,
	})
	require.NoError(t, err)
	defer k.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "backing file should exist once its parent directory is created")
}
