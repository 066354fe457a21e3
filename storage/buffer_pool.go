package storage

import (
	"sync"

	"go.uber.org/zap"

	"dsg.dev/kvkernel/common"
)

// BufferPool owns a fixed array of frames, a free list, and a page-id to
// frame-id map, orchestrating allocation, fetch, pin/unpin, dirty
// write-back and eviction. It is component D: everything else in this
// package is a collaborator it drives.
type BufferPool struct {
	mu sync.Mutex

	frames    []PageFrame
	freeList  []common.FrameID
	pageTable map[common.PageID]common.FrameID

	replacer  *LRUKReplacer
	scheduler *DiskScheduler
	dm        *DiskManager
	log       *zap.Logger
}

// NewBufferPool constructs a pool of poolSize frames backed by dm, using
// an LRU-K replacer parameterized by k.
func NewBufferPool(poolSize int, k int, dm *DiskManager, log *zap.Logger) *BufferPool {
	common.Assert(poolSize > 0, "pool size must be positive")
	if log == nil {
		log = zap.NewNop()
	}
	bp := &BufferPool{
		frames:    make([]PageFrame, poolSize),
		freeList:  make([]common.FrameID, poolSize),
		pageTable: make(map[common.PageID]common.FrameID, poolSize),
		replacer:  NewLRUKReplacer(k),
		scheduler: NewDiskScheduler(dm, log, poolSize*2),
		dm:        dm,
		log:       log,
	}
	for i := 0; i < poolSize; i++ {
		bp.freeList[i] = common.FrameID(i)
	}
	return bp
}

// Close drains the disk scheduler's worker. It does not flush dirty
// pages; callers that need durability should call FlushAllPages first.
func (bp *BufferPool) Close() {
	bp.scheduler.Close()
}

// acquireFrame returns a frame to bind a page into: from the free list if
// one is available, otherwise by evicting a victim (flushing it first if
// dirty). Callers must hold bp.mu.
func (bp *BufferPool) acquireFrame() (common.FrameID, bool) {
	if n := len(bp.freeList); n > 0 {
		fid := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return fid, true
	}

	fid, ok := bp.replacer.Evict()
	if !ok {
		return 0, false
	}
	frame := &bp.frames[fid]
	if frame.dirty {
		bp.flushFrameLocked(frame)
	}
	delete(bp.pageTable, frame.pageID)
	frame.Reset()
	return fid, true
}

// flushFrameLocked schedules a write of frame's contents and clears its
// dirty bit on success. Callers must hold bp.mu; the frame's own latch is
// not touched here since the caller already has exclusive control of the
// frame during pool-internal operations.
func (bp *BufferPool) flushFrameLocked(frame *PageFrame) {
	err := <-bp.scheduler.ScheduleWrite(frame.pageID, frame.Bytes[:])
	if err != nil {
		bp.log.Warn("flush failed", zap.Int64("page_id", int64(frame.pageID)), zap.Error(err))
		return
	}
	frame.dirty = false
}

// NewPage allocates a fresh page id, binds it to a frame pinned once,
// and returns both. It fails if no frame can be acquired.
func (bp *BufferPool) NewPage() (common.PageID, *PageFrame, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.acquireFrame()
	if !ok {
		return common.InvalidPageID, nil, false
	}

	pageID, err := bp.dm.AllocatePage()
	if err != nil {
		bp.freeList = append(bp.freeList, fid)
		bp.log.Error("allocate page failed", zap.Error(err))
		return common.InvalidPageID, nil, false
	}

	frame := &bp.frames[fid]
	frame.Reset()
	frame.pageID = pageID
	frame.pinCount = 1
	bp.pageTable[pageID] = fid

	bp.replacer.RecordAccess(fid)
	bp.replacer.SetEvictable(fid, false)

	return pageID, frame, true
}

// FetchPage returns the frame holding pageID, pinning it and reading it
// from disk if it is not already resident. Fetch never marks the page
// dirty; only UnpinPage(..., true) does.
func (bp *BufferPool) FetchPage(pageID common.PageID) (*PageFrame, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if fid, ok := bp.pageTable[pageID]; ok {
		frame := &bp.frames[fid]
		frame.pinCount++
		bp.replacer.RecordAccess(fid)
		bp.replacer.SetEvictable(fid, false)
		return frame, true
	}

	fid, ok := bp.acquireFrame()
	if !ok {
		return nil, false
	}

	frame := &bp.frames[fid]
	frame.Reset()
	if err := <-bp.scheduler.ScheduleRead(pageID, frame.Bytes[:]); err != nil {
		bp.freeList = append(bp.freeList, fid)
		bp.log.Error("fetch page read failed", zap.Int64("page_id", int64(pageID)), zap.Error(err))
		return nil, false
	}
	frame.pageID = pageID
	frame.pinCount = 1
	bp.pageTable[pageID] = fid

	bp.replacer.RecordAccess(fid)
	bp.replacer.SetEvictable(fid, false)

	return frame, true
}

// UnpinPage decrements the pin count of pageID, marking it dirty if
// isDirty is set, and makes it evictable once the count reaches zero.
// It returns false if pageID is not resident or already unpinned.
func (bp *BufferPool) UnpinPage(pageID common.PageID, isDirty bool) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[pageID]
	if !ok {
		return false
	}
	frame := &bp.frames[fid]
	if frame.pinCount <= 0 {
		return false
	}

	frame.dirty = frame.dirty || isDirty
	frame.pinCount--
	if frame.pinCount == 0 {
		bp.replacer.SetEvictable(fid, true)
	}
	return true
}

// FlushPage schedules a write of pageID's contents regardless of its
// dirty flag, clearing the flag on success. It returns false if the page
// is not resident.
func (bp *BufferPool) FlushPage(pageID common.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[pageID]
	if !ok {
		return false
	}
	frame := &bp.frames[fid]
	err := <-bp.scheduler.ScheduleWrite(frame.pageID, frame.Bytes[:])
	if err != nil {
		bp.log.Warn("flush page failed", zap.Int64("page_id", int64(pageID)), zap.Error(err))
		return false
	}
	frame.dirty = false
	return true
}

// FlushAllPages flushes every resident page, per FlushPage's contract.
func (bp *BufferPool) FlushAllPages() {
	bp.mu.Lock()
	ids := make([]common.PageID, 0, len(bp.pageTable))
	for id := range bp.pageTable {
		ids = append(ids, id)
	}
	bp.mu.Unlock()

	for _, id := range ids {
		bp.FlushPage(id)
	}
}

// DeletePage removes pageID from the pool. It is idempotent if the page
// is not resident, and fails if the page is pinned; otherwise its frame
// is flushed if dirty and freed. No on-disk reclamation is performed:
// AllocatePage hands out ids monotonically, the backing file never
// shrinks, and a deleted page's id and on-disk space are never reused.
func (bp *BufferPool) DeletePage(pageID common.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[pageID]
	if !ok {
		return true
	}
	frame := &bp.frames[fid]
	if frame.pinCount > 0 {
		return false
	}

	if frame.dirty {
		bp.flushFrameLocked(frame)
	}
	delete(bp.pageTable, pageID)
	bp.replacer.Remove(fid)
	frame.Reset()
	bp.freeList = append(bp.freeList, fid)
	return true
}

// FreeFrames returns the number of frames on the free list, for pool
// conservation checks in tests.
func (bp *BufferPool) FreeFrames() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.freeList)
}

// Resident returns the number of pages currently in the page table, for
// pool conservation checks in tests.
func (bp *BufferPool) Resident() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.pageTable)
}
