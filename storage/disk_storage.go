package storage

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"dsg.dev/kvkernel/common"
)

// DiskManager provides synchronous fixed-size page read/write against a
// single backing file, indexed by a flat, monotonically-allocated page id.
// It is the external collaborator described as component A: everything
// above it (the scheduler, the pool) treats it as the durable substrate.
type DiskManager struct {
	file *os.File
	// numPages caches the file size in pages so ReadPage/WritePage don't
	// stat() on every call; updated atomically after physical allocation.
	numPages atomic.Int64
	// allocMu serializes file growth (Truncate) so two concurrent
	// AllocatePage calls cannot race on the same target offset.
	allocMu sync.Mutex
}

// NewDiskManager opens (creating if necessary) the backing file at path
// and initializes the page count from its current size.
func NewDiskManager(path string) (*DiskManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	dm := &DiskManager{file: f}
	dm.numPages.Store(stat.Size() / int64(common.PageSize))
	return dm, nil
}

// AllocatePage grows the backing file by one page and returns its id.
func (dm *DiskManager) AllocatePage() (common.PageID, error) {
	dm.allocMu.Lock()
	defer dm.allocMu.Unlock()

	id := dm.numPages.Load()
	newSize := (id + 1) * int64(common.PageSize)
	if err := dm.file.Truncate(newSize); err != nil {
		return common.InvalidPageID, fmt.Errorf("allocate page: %w", err)
	}
	dm.numPages.Store(id + 1)
	return common.PageID(id), nil
}

// ReadPage reads the page identified by id into buf, which must be
// exactly common.PageSize bytes.
func (dm *DiskManager) ReadPage(id common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "read buffer must match PageSize")
	if int64(id) >= dm.numPages.Load() || id < 0 {
		return common.NewError(common.ErrIO, "read out of bounds: page %s does not exist", id)
	}
	_, err := dm.file.ReadAt(buf, int64(id)*int64(common.PageSize))
	return err
}

// WritePage writes buf, which must be exactly common.PageSize bytes, to
// the page identified by id.
func (dm *DiskManager) WritePage(id common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "write buffer must match PageSize")
	if int64(id) >= dm.numPages.Load() || id < 0 {
		return common.NewError(common.ErrIO, "write out of bounds: page %s does not exist", id)
	}
	_, err := dm.file.WriteAt(buf, int64(id)*int64(common.PageSize))
	return err
}

// Sync flushes writes to stable storage.
func (dm *DiskManager) Sync() error {
	return dm.file.Sync()
}

// Close closes the underlying OS file.
func (dm *DiskManager) Close() error {
	return dm.file.Close()
}

// NumPages returns the number of pages currently allocated in the file.
func (dm *DiskManager) NumPages() int64 {
	return dm.numPages.Load()
}
