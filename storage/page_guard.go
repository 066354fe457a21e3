package storage

import "dsg.dev/kvkernel/common"

// BasicPageGuard couples a pin on a page with automatic unpin on Drop.
// It does not itself acquire any latch; Read/WritePageGuard build on it
// for that. A guard constructed from a failed fetch/new (frame == nil)
// is valid to Drop as a no-op.
type BasicPageGuard struct {
	pool    *BufferPool
	pageID  common.PageID
	frame   *PageFrame
	dirty   bool
	dropped bool
}

func newBasicGuard(pool *BufferPool, pageID common.PageID, frame *PageFrame) BasicPageGuard {
	if frame == nil {
		return BasicPageGuard{dropped: true}
	}
	return BasicPageGuard{pool: pool, pageID: pageID, frame: frame}
}

// Valid reports whether the guard holds a pinned page.
func (g *BasicPageGuard) Valid() bool { return !g.dropped && g.frame != nil }

// PageID returns the guarded page's id.
func (g *BasicPageGuard) PageID() common.PageID { return g.pageID }

// Data returns the raw page bytes. Callers mutating through this view
// must call MarkDirty.
func (g *BasicPageGuard) Data() []byte { return g.frame.Bytes[:] }

// MarkDirty records that the page was mutated, so Drop unpins it dirty.
func (g *BasicPageGuard) MarkDirty() { g.dirty = true }

// Drop releases the pin. It is idempotent and safe to call from defer
// even on an already-dropped or never-valid guard.
func (g *BasicPageGuard) Drop() {
	if g.dropped {
		return
	}
	g.dropped = true
	g.pool.UnpinPage(g.pageID, g.dirty)
}

// UpgradeRead converts this basic guard into a read guard, acquiring the
// shared latch on the page. The basic guard is invalidated.
func (g *BasicPageGuard) UpgradeRead() ReadPageGuard {
	common.Assert(g.Valid(), "UpgradeRead on invalid guard")
	frame := g.frame
	inner := *g
	g.dropped = true
	frame.Latch.RLock()
	return ReadPageGuard{inner: inner}
}

// UpgradeWrite converts this basic guard into a write guard, acquiring
// the exclusive latch on the page. The basic guard is invalidated.
func (g *BasicPageGuard) UpgradeWrite() WritePageGuard {
	common.Assert(g.Valid(), "UpgradeWrite on invalid guard")
	frame := g.frame
	inner := *g
	g.dropped = true
	frame.Latch.Lock()
	return WritePageGuard{inner: inner}
}

// ReadPageGuard is a BasicPageGuard plus a held shared latch, released
// before the underlying pin on Drop.
type ReadPageGuard struct {
	inner BasicPageGuard
}

// Valid reports whether the guard holds a latched, pinned page.
func (g *ReadPageGuard) Valid() bool { return g.inner.Valid() }

// PageID returns the guarded page's id.
func (g *ReadPageGuard) PageID() common.PageID { return g.inner.PageID() }

// Data returns the raw page bytes under the held shared latch.
func (g *ReadPageGuard) Data() []byte { return g.inner.Data() }

// Drop releases the shared latch, then the pin. Idempotent.
func (g *ReadPageGuard) Drop() {
	if g.inner.dropped {
		return
	}
	frame := g.inner.frame
	frame.Latch.RUnlock()
	g.inner.Drop()
}

// WritePageGuard is a BasicPageGuard plus a held exclusive latch,
// released before the underlying pin on Drop. Any mutation through
// Data() should be followed by MarkDirty so Drop unpins it dirty.
type WritePageGuard struct {
	inner BasicPageGuard
}

// Valid reports whether the guard holds a latched, pinned page.
func (g *WritePageGuard) Valid() bool { return g.inner.Valid() }

// PageID returns the guarded page's id.
func (g *WritePageGuard) PageID() common.PageID { return g.inner.PageID() }

// Data returns the raw page bytes under the held exclusive latch.
func (g *WritePageGuard) Data() []byte { return g.inner.Data() }

// MarkDirty records that the page was mutated, so Drop unpins it dirty.
func (g *WritePageGuard) MarkDirty() { g.inner.MarkDirty() }

// Drop releases the exclusive latch, then the pin. Idempotent.
func (g *WritePageGuard) Drop() {
	if g.inner.dropped {
		return
	}
	frame := g.inner.frame
	frame.Latch.Unlock()
	g.inner.Drop()
}

// FetchPageBasic fetches pageID and wraps it in a BasicPageGuard.
func (bp *BufferPool) FetchPageBasic(pageID common.PageID) BasicPageGuard {
	frame, _ := bp.FetchPage(pageID)
	return newBasicGuard(bp, pageID, frame)
}

// FetchPageRead fetches pageID and returns it latched for shared access.
func (bp *BufferPool) FetchPageRead(pageID common.PageID) ReadPageGuard {
	g := bp.FetchPageBasic(pageID)
	if !g.Valid() {
		return ReadPageGuard{inner: g}
	}
	return g.UpgradeRead()
}

// FetchPageWrite fetches pageID and returns it latched for exclusive access.
func (bp *BufferPool) FetchPageWrite(pageID common.PageID) WritePageGuard {
	g := bp.FetchPageBasic(pageID)
	if !g.Valid() {
		return WritePageGuard{inner: g}
	}
	return g.UpgradeWrite()
}

// NewPageGuarded allocates a page and wraps it in a BasicPageGuard.
func (bp *BufferPool) NewPageGuarded() (common.PageID, BasicPageGuard) {
	pageID, frame, ok := bp.NewPage()
	if !ok {
		return common.InvalidPageID, newBasicGuard(bp, common.InvalidPageID, nil)
	}
	return pageID, newBasicGuard(bp, pageID, frame)
}
