package index

import (
	"encoding/binary"

	"dsg.dev/kvkernel/common"
)

const bucketEntrySize = 16 // Key (8) + Value (8)

const (
	bucketOffSize    = 0
	bucketOffMaxSize = 4
	bucketOffEntries = 8
)

// BucketArraySize is the fixed number of (key, value) entry slots
// reserved on a bucket page; a table's configured bucket_max_size must
// not exceed this.
const BucketArraySize = (common.PageSize - bucketOffEntries) / bucketEntrySize

// BucketPage is a typed view over a storage.PageFrame holding an
// ordered array of fixed-width (key, value) entries.
type BucketPage struct {
	buf []byte
}

// NewBucketPageView wraps a page's raw bytes as a BucketPage.
func NewBucketPageView(buf []byte) BucketPage {
	return BucketPage{buf: buf}
}

// Init sets the bucket's configured capacity and clears its size.
func (b BucketPage) Init(maxSize uint32) {
	common.Assert(maxSize <= uint32(BucketArraySize), "bucket max size exceeds page capacity")
	binary.LittleEndian.PutUint32(b.buf[bucketOffSize:], 0)
	binary.LittleEndian.PutUint32(b.buf[bucketOffMaxSize:], maxSize)
}

func (b BucketPage) Size() uint32 {
	return binary.LittleEndian.Uint32(b.buf[bucketOffSize:])
}

func (b BucketPage) setSize(v uint32) {
	binary.LittleEndian.PutUint32(b.buf[bucketOffSize:], v)
}

func (b BucketPage) MaxSize() uint32 {
	return binary.LittleEndian.Uint32(b.buf[bucketOffMaxSize:])
}

func (b BucketPage) IsFull() bool  { return b.Size() >= b.MaxSize() }
func (b BucketPage) IsEmpty() bool { return b.Size() == 0 }

func (b BucketPage) entryOffset(i uint32) int {
	return bucketOffEntries + int(i)*bucketEntrySize
}

// KeyAt returns the key at index i. i must be < Size().
func (b BucketPage) KeyAt(i uint32) Key {
	common.Assert(i < b.Size(), "bucket entry index out of range")
	off := b.entryOffset(i)
	return Key(binary.LittleEndian.Uint64(b.buf[off:]))
}

// ValueAt returns the value at index i. i must be < Size().
func (b BucketPage) ValueAt(i uint32) Value {
	common.Assert(i < b.Size(), "bucket entry index out of range")
	off := b.entryOffset(i)
	return Value(binary.LittleEndian.Uint64(b.buf[off+8:]))
}

// EntryAt returns the (key, value) pair at index i.
func (b BucketPage) EntryAt(i uint32) (Key, Value) {
	return b.KeyAt(i), b.ValueAt(i)
}

func (b BucketPage) setEntryAt(i uint32, k Key, v Value) {
	off := b.entryOffset(i)
	binary.LittleEndian.PutUint64(b.buf[off:], uint64(k))
	binary.LittleEndian.PutUint64(b.buf[off+8:], uint64(v))
}

// Lookup performs a linear scan for key, returning its value if present.
func (b BucketPage) Lookup(key Key) (Value, bool) {
	n := b.Size()
	for i := uint32(0); i < n; i++ {
		if b.KeyAt(i) == key {
			return b.ValueAt(i), true
		}
	}
	return 0, false
}

// Insert rejects duplicate keys and returns false if the bucket is full.
func (b BucketPage) Insert(key Key, value Value) bool {
	if _, ok := b.Lookup(key); ok {
		return false
	}
	if b.IsFull() {
		return false
	}
	n := b.Size()
	b.setEntryAt(n, key, value)
	b.setSize(n + 1)
	return true
}

// RemoveAt deletes the entry at index i, compacting the array left.
func (b BucketPage) RemoveAt(i uint32) {
	n := b.Size()
	common.Assert(i < n, "bucket entry index out of range")
	for j := i; j < n-1; j++ {
		k, v := b.EntryAt(j + 1)
		b.setEntryAt(j, k, v)
	}
	b.setSize(n - 1)
}

// Remove scans for key and removes it, returning whether it was found.
func (b BucketPage) Remove(key Key) bool {
	n := b.Size()
	for i := uint32(0); i < n; i++ {
		if b.KeyAt(i) == key {
			b.RemoveAt(i)
			return true
		}
	}
	return false
}
