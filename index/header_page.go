package index

import (
	"encoding/binary"

	"dsg.dev/kvkernel/common"
)

// HeaderMaxDepth bounds the number of top hash bits a header page can
// address; the on-disk array is sized to this constant regardless of
// the depth a particular table is configured with, matching the fixed
// page layout the persisted format requires.
const HeaderMaxDepth = 9

// HeaderArraySize is the fixed number of directory-page-id slots
// reserved on a header page.
const HeaderArraySize = 1 << HeaderMaxDepth

const (
	headerOffMaxDepth = 0
	headerOffIDs      = 4
)

// HeaderPage is a typed view over a storage.PageFrame holding the
// top-level directory_page_ids array indexed by the top maxDepth bits
// of a key's hash.
type HeaderPage struct {
	buf []byte
}

// NewHeaderPageView wraps a page's raw bytes as a HeaderPage.
func NewHeaderPageView(buf []byte) HeaderPage {
	return HeaderPage{buf: buf}
}

// Init sets maxDepth and clears every slot to InvalidPageID.
func (h HeaderPage) Init(maxDepth uint32) {
	common.Assert(maxDepth <= HeaderMaxDepth, "header max depth exceeds page capacity")
	binary.LittleEndian.PutUint32(h.buf[headerOffMaxDepth:], maxDepth)
	for i := 0; i < HeaderArraySize; i++ {
		h.setRaw(i, -1)
	}
}

func (h HeaderPage) MaxDepth() uint32 {
	return binary.LittleEndian.Uint32(h.buf[headerOffMaxDepth:])
}

func (h HeaderPage) setRaw(i int, id int32) {
	off := headerOffIDs + i*4
	binary.LittleEndian.PutUint32(h.buf[off:], uint32(id))
}

func (h HeaderPage) getRaw(i int) int32 {
	off := headerOffIDs + i*4
	return int32(binary.LittleEndian.Uint32(h.buf[off:]))
}

// HashToDirectoryIndex slices the top MaxDepth() bits of hash.
func (h HeaderPage) HashToDirectoryIndex(hash uint32) uint32 {
	maxDepth := h.MaxDepth()
	if maxDepth == 0 {
		return 0
	}
	return hash >> (32 - maxDepth)
}

// GetDirectoryPageId returns the directory page id at idx, or
// common.InvalidPageID if idx is out of range.
func (h HeaderPage) GetDirectoryPageId(idx uint32) common.PageID {
	if idx >= HeaderArraySize {
		return common.InvalidPageID
	}
	raw := h.getRaw(int(idx))
	if raw < 0 {
		return common.InvalidPageID
	}
	return common.PageID(raw)
}

// SetDirectoryPageId requires idx < 2^header_max_depth.
func (h HeaderPage) SetDirectoryPageId(idx uint32, id common.PageID) {
	common.Assert(idx < HeaderArraySize, "directory index out of range")
	h.setRaw(int(idx), int32(id))
}

// MaxSize returns the number of directory slots addressable at the
// configured max depth.
func (h HeaderPage) MaxSize() uint32 {
	return 1 << h.MaxDepth()
}
