package storage

import (
	"sync"

	"dsg.dev/kvkernel/common"
)

// frameMetadata holds the bookkeeping the pool and replacer need for a
// resident page: identity, pin count, and dirty state. It is guarded by
// the pool's coordinating mutex, not by the frame's own latch.
type frameMetadata struct {
	pageID   common.PageID
	pinCount int
	dirty    bool
}

// PageFrame is a fixed-size in-memory slot holding at most one page's
// worth of bytes plus the metadata the buffer pool needs to manage it.
type PageFrame struct {
	// Bytes holds the raw physical data of the page.
	Bytes [common.PageSize]byte
	// Latch protects Bytes from concurrent access. It is ordered below
	// the pool's coordinating mutex: the pool mutex is never acquired
	// while a per-frame latch is held.
	Latch sync.RWMutex

	frameMetadata
}

// Reset zeroes the frame's contents and metadata, returning it to the
// state a free-list frame must be in before it is reused.
func (f *PageFrame) Reset() {
	for i := range f.Bytes {
		f.Bytes[i] = 0
	}
	f.pageID = common.InvalidPageID
	f.pinCount = 0
	f.dirty = false
}

// PageID returns the page currently bound to this frame.
func (f *PageFrame) PageID() common.PageID { return f.pageID }

// IsDirty reports whether the frame has unflushed writes.
func (f *PageFrame) IsDirty() bool { return f.dirty }

// PinCount returns the current pin count, for tests and diagnostics.
func (f *PageFrame) PinCount() int { return f.pinCount }
