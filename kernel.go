// Package kvkernel is the top-level container wiring the storage core's
// components together: a disk manager, a buffer pool, and a disk-backed
// extendible hash index. The buffer pool (with its disk scheduler) and
// the hash index share one logger; the disk manager does not log.
package kvkernel

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"dsg.dev/kvkernel/common"
	"dsg.dev/kvkernel/index"
	"dsg.dev/kvkernel/log"
	"dsg.dev/kvkernel/storage"
)

// KernelConfig configures a Kernel end to end: how many frames the buffer
// pool holds, how many accesses the LRU-K replacer tracks per frame, the
// extendible hash table's depth and bucket-size caps, where its backing
// file lives, and how it logs.
type KernelConfig struct {
	// BackingFilePath is the path to the single flat file the disk
	// manager reads and writes pages against. Its parent directory is
	// created if it does not already exist.
	BackingFilePath string
	// PoolSize is the number of frames the buffer pool holds.
	PoolSize int
	// ReplacerK is the k parameter of the LRU-K replacer.
	ReplacerK int
	// HeaderMaxDepth bounds the hash table's header page fan-out.
	HeaderMaxDepth uint32
	// DirectoryMaxDepth bounds how far a directory page may grow before
	// a split is rejected.
	DirectoryMaxDepth uint32
	// BucketMaxSize bounds how many entries a bucket page holds before
	// it must split.
	BucketMaxSize uint32
	// Log configures the kernel's logger. The zero value logs info-level
	// JSON to stdout.
	Log log.Config
}

// Kernel is the top-level container for the storage core.
type Kernel struct {
	Config      KernelConfig
	DiskManager *storage.DiskManager
	BufferPool  *storage.BufferPool
	Index       *index.HashTable
	Logger      *zap.Logger
}

// NewKernel opens (creating if necessary) the backing file at
// config.BackingFilePath and constructs the disk manager, buffer pool,
// and hash index config describes, all sharing one logger.
func NewKernel(config KernelConfig) (*Kernel, error) {
	if dir := filepath.Dir(config.BackingFilePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	logger, err := log.New(config.Log)
	if err != nil {
		return nil, err
	}

	dm, err := storage.NewDiskManager(config.BackingFilePath)
	if err != nil {
		return nil, err
	}

	bufferPool := storage.NewBufferPool(config.PoolSize, config.ReplacerK, dm, logger)

	hashTable, ok := index.NewHashTable(bufferPool, config.HeaderMaxDepth, config.DirectoryMaxDepth, config.BucketMaxSize, logger)
	if !ok {
		bufferPool.Close()
		_ = dm.Close()
		return nil, common.NewError(common.ErrOutOfFrames, "allocate hash table header page")
	}

	return &Kernel{
		Config:      config,
		DiskManager: dm,
		BufferPool:  bufferPool,
		Index:       hashTable,
		Logger:      logger,
	}, nil
}

// Close drains the buffer pool's disk scheduler and closes the backing
// file. It does not flush dirty pages first; callers that need
// durability should call k.BufferPool.FlushAllPages() before Close.
func (k *Kernel) Close() error {
	k.BufferPool.Close()
	return k.DiskManager.Close()
}
