package index

import (
	"encoding/binary"

	"dsg.dev/kvkernel/common"
)

// DirectoryMaxDepth bounds global_depth for any directory page; the
// on-disk arrays are sized to this constant regardless of the depth a
// particular table is configured with.
const DirectoryMaxDepth = 9

// DirectoryArraySize is the fixed number of (local_depth, bucket_page_id)
// slots reserved on a directory page.
const DirectoryArraySize = 1 << DirectoryMaxDepth

const (
	dirOffMaxDepth    = 0
	dirOffGlobalDepth = 4
	dirOffLocalDepths = 8
	dirOffBucketIDs   = dirOffLocalDepths + DirectoryArraySize
)

// DirectoryPage is a typed view over a storage.PageFrame holding the
// global/local depth metadata and bucket_page_id array of one directory
// level of the index.
type DirectoryPage struct {
	buf []byte
}

// NewDirectoryPageView wraps a page's raw bytes as a DirectoryPage.
func NewDirectoryPageView(buf []byte) DirectoryPage {
	return DirectoryPage{buf: buf}
}

// Init sets maxDepth, global_depth to 0, and clears every local depth
// and bucket page id.
func (d DirectoryPage) Init(maxDepth uint32) {
	common.Assert(maxDepth <= DirectoryMaxDepth, "directory max depth exceeds page capacity")
	binary.LittleEndian.PutUint32(d.buf[dirOffMaxDepth:], maxDepth)
	binary.LittleEndian.PutUint32(d.buf[dirOffGlobalDepth:], 0)
	for i := 0; i < DirectoryArraySize; i++ {
		d.buf[dirOffLocalDepths+i] = 0
		d.setBucketRaw(i, -1)
	}
}

func (d DirectoryPage) MaxDepth() uint32 {
	return binary.LittleEndian.Uint32(d.buf[dirOffMaxDepth:])
}

func (d DirectoryPage) GlobalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.buf[dirOffGlobalDepth:])
}

func (d DirectoryPage) setGlobalDepth(v uint32) {
	binary.LittleEndian.PutUint32(d.buf[dirOffGlobalDepth:], v)
}

func (d DirectoryPage) setBucketRaw(i int, id int32) {
	binary.LittleEndian.PutUint32(d.buf[dirOffBucketIDs+i*4:], uint32(id))
}

func (d DirectoryPage) getBucketRaw(i int) int32 {
	return int32(binary.LittleEndian.Uint32(d.buf[dirOffBucketIDs+i*4:]))
}

// GlobalDepthMask returns (1<<global_depth)-1.
func (d DirectoryPage) GlobalDepthMask() uint32 {
	return (1 << d.GlobalDepth()) - 1
}

// LocalDepthMask returns (1<<local_depth[i])-1.
func (d DirectoryPage) LocalDepthMask(i uint32) uint32 {
	return (1 << d.GetLocalDepth(i)) - 1
}

// HashToBucketIndex slices the low global_depth bits of hash.
func (d DirectoryPage) HashToBucketIndex(hash uint32) uint32 {
	return hash & d.GlobalDepthMask()
}

// GetBucketPageId returns the bucket page id at idx, or
// common.InvalidPageID if idx is out of range.
func (d DirectoryPage) GetBucketPageId(idx uint32) common.PageID {
	if idx >= DirectoryArraySize {
		return common.InvalidPageID
	}
	raw := d.getBucketRaw(int(idx))
	if raw < 0 {
		return common.InvalidPageID
	}
	return common.PageID(raw)
}

func (d DirectoryPage) SetBucketPageId(idx uint32, id common.PageID) {
	common.Assert(idx < DirectoryArraySize, "bucket index out of range")
	d.setBucketRaw(int(idx), int32(id))
}

func (d DirectoryPage) GetLocalDepth(idx uint32) uint32 {
	return uint32(d.buf[dirOffLocalDepths+int(idx)])
}

func (d DirectoryPage) SetLocalDepth(idx uint32, depth uint32) {
	d.buf[dirOffLocalDepths+int(idx)] = byte(depth)
}

func (d DirectoryPage) IncrLocalDepth(idx uint32) {
	d.buf[dirOffLocalDepths+int(idx)]++
}

func (d DirectoryPage) DecrLocalDepth(idx uint32) {
	d.buf[dirOffLocalDepths+int(idx)]--
}

// GetSplitImageIndex returns idx XOR (1 << local_depth[idx]).
func (d DirectoryPage) GetSplitImageIndex(idx uint32) uint32 {
	return idx ^ (1 << d.GetLocalDepth(idx))
}

// IncrGlobalDepth doubles the addressable directory by copying the low
// half of both arrays into the newly-exposed high half, then increments
// global_depth. Callers must hold the directory's write latch across the
// whole call so no reader observes global_depth incremented before the
// high half is initialized.
func (d DirectoryPage) IncrGlobalDepth() {
	gd := d.GlobalDepth()
	common.Assert(gd < d.MaxDepth(), "global depth already at max")
	half := uint32(1) << gd
	for i := half; i < 2*half; i++ {
		d.SetLocalDepth(i, d.GetLocalDepth(i-half))
		d.setBucketRaw(int(i), d.getBucketRaw(int(i-half)))
	}
	d.setGlobalDepth(gd + 1)
}

// DecrGlobalDepth clears the now-unused upper half and decrements
// global_depth.
func (d DirectoryPage) DecrGlobalDepth() {
	gd := d.GlobalDepth()
	common.Assert(gd > 0, "global depth already zero")
	half := uint32(1) << (gd - 1)
	for i := half; i < 2*half; i++ {
		d.SetLocalDepth(i, 0)
		d.setBucketRaw(int(i), -1)
	}
	d.setGlobalDepth(gd - 1)
}

// CanShrink reports whether every live slot's local depth is strictly
// less than the current global depth.
func (d DirectoryPage) CanShrink() bool {
	gd := d.GlobalDepth()
	size := uint32(1) << gd
	for i := uint32(0); i < size; i++ {
		if d.GetLocalDepth(i) >= gd {
			return false
		}
	}
	return true
}

// Size returns the number of directory slots live at the current global
// depth.
func (d DirectoryPage) Size() uint32 { return 1 << d.GlobalDepth() }

// MaxSize returns the fixed on-disk capacity of the directory arrays.
func (d DirectoryPage) MaxSize() uint32 { return DirectoryArraySize }
