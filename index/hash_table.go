// Package index implements the disk-backed extendible hash index: a
// three-level header/directory/bucket page hierarchy built on top of the
// storage package's buffer pool and page guards.
package index

import (
	"fmt"

	"go.uber.org/zap"

	"dsg.dev/kvkernel/common"
	"dsg.dev/kvkernel/storage"
)

// HashTable is a disk-backed extendible hash index: search, insert (with
// bucket split, local/global depth growth, directory doubling), and
// remove (with bucket merge and directory shrink), all built on the
// buffer pool's guard-returning fetch surface.
type HashTable struct {
	pool *storage.BufferPool
	log  *zap.Logger

	headerPageID common.PageID

	headerMaxDepth    uint32
	directoryMaxDepth uint32
	bucketMaxSize     uint32
}

// NewHashTable allocates a header page and initializes it to
// headerMaxDepth. directoryMaxDepth and bucketMaxSize configure every
// directory/bucket page the table subsequently allocates.
func NewHashTable(pool *storage.BufferPool, headerMaxDepth, directoryMaxDepth, bucketMaxSize uint32, log *zap.Logger) (*HashTable, bool) {
	if log == nil {
		log = zap.NewNop()
	}
	headerPageID, headerGuard := pool.NewPageGuarded()
	if !headerGuard.Valid() {
		return nil, false
	}
	header := NewHeaderPageView(headerGuard.Data())
	header.Init(headerMaxDepth)
	headerGuard.MarkDirty()
	headerGuard.Drop()

	return &HashTable{
		pool:              pool,
		log:               log,
		headerPageID:      headerPageID,
		headerMaxDepth:    headerMaxDepth,
		directoryMaxDepth: directoryMaxDepth,
		bucketMaxSize:     bucketMaxSize,
	}, true
}

// GetValue looks up key, latch-crabbing header -> directory -> bucket,
// dropping each read guard as soon as the next level is latched.
func (h *HashTable) GetValue(key Key) (Value, bool) {
	hash := hash32(key)

	headerGuard := h.pool.FetchPageRead(h.headerPageID)
	if !headerGuard.Valid() {
		return 0, false
	}
	header := NewHeaderPageView(headerGuard.Data())
	dirPageID := header.GetDirectoryPageId(header.HashToDirectoryIndex(hash))
	headerGuard.Drop()
	if !dirPageID.IsValid() {
		return 0, false
	}

	directoryGuard := h.pool.FetchPageRead(dirPageID)
	if !directoryGuard.Valid() {
		return 0, false
	}
	directory := NewDirectoryPageView(directoryGuard.Data())
	bucketPageID := directory.GetBucketPageId(directory.HashToBucketIndex(hash))
	directoryGuard.Drop()
	if !bucketPageID.IsValid() {
		return 0, false
	}

	bucketGuard := h.pool.FetchPageRead(bucketPageID)
	if !bucketGuard.Valid() {
		return 0, false
	}
	defer bucketGuard.Drop()
	return NewBucketPageView(bucketGuard.Data()).Lookup(key)
}

// Insert rejects duplicate keys and, on a full bucket, splits and
// retries from the top rather than mutating in place.
func (h *HashTable) Insert(key Key, value Value) bool {
	hash := hash32(key)

	headerGuard := h.pool.FetchPageWrite(h.headerPageID)
	if !headerGuard.Valid() {
		return false
	}
	header := NewHeaderPageView(headerGuard.Data())
	dirIdx := header.HashToDirectoryIndex(hash)
	dirPageID := header.GetDirectoryPageId(dirIdx)

	if !dirPageID.IsValid() {
		newDirPageID, dirGuard := h.pool.NewPageGuarded()
		if !dirGuard.Valid() {
			headerGuard.Drop()
			return false
		}
		dir := NewDirectoryPageView(dirGuard.Data())
		dir.Init(h.directoryMaxDepth)
		dirGuard.MarkDirty()
		dirGuard.Drop()

		header.SetDirectoryPageId(dirIdx, newDirPageID)
		headerGuard.MarkDirty()
		dirPageID = newDirPageID
		h.log.Info("allocated directory page", zap.Int64("directory_page_id", int64(newDirPageID)))
	}

	directoryGuard := h.pool.FetchPageWrite(dirPageID)
	headerGuard.Drop()
	if !directoryGuard.Valid() {
		return false
	}
	directory := NewDirectoryPageView(directoryGuard.Data())

	bucketIdx := directory.HashToBucketIndex(hash)
	bucketPageID := directory.GetBucketPageId(bucketIdx)

	if !bucketPageID.IsValid() {
		newBucketPageID, bucketGuard := h.pool.NewPageGuarded()
		if !bucketGuard.Valid() {
			directoryGuard.Drop()
			return false
		}
		bucket := NewBucketPageView(bucketGuard.Data())
		bucket.Init(h.bucketMaxSize)
		bucket.Insert(key, value)
		bucketGuard.MarkDirty()
		bucketGuard.Drop()

		directory.SetBucketPageId(bucketIdx, newBucketPageID)
		directory.SetLocalDepth(bucketIdx, 0)
		directoryGuard.MarkDirty()
		directoryGuard.Drop()
		return true
	}

	bucketGuard := h.pool.FetchPageWrite(bucketPageID)
	if !bucketGuard.Valid() {
		directoryGuard.Drop()
		return false
	}
	bucket := NewBucketPageView(bucketGuard.Data())

	if _, exists := bucket.Lookup(key); exists {
		bucketGuard.Drop()
		directoryGuard.Drop()
		return false
	}

	if !bucket.IsFull() {
		bucket.Insert(key, value)
		bucketGuard.MarkDirty()
		bucketGuard.Drop()
		directoryGuard.Drop()
		return true
	}

	if !h.splitBucket(directory, &directoryGuard, bucketIdx, bucketPageID, &bucketGuard) {
		return false
	}
	return h.Insert(key, value)
}

// splitBucket performs split-insert on a full bucket: it grows the
// directory if the bucket's local depth has caught up to the global
// depth, allocates the split-image bucket, redirects every directory
// slot that now maps to either sibling, and rehashes the original
// bucket's entries between the two. It always drops directoryGuard and
// bucketGuard before returning.
//
// This corrects two bugs a naive port of the reference algorithm
// carries: every directory slot sharing the new local-depth prefix must
// be redirected (not just a single slot), and the directory-growth
// check must compare the local depth against the global depth before
// incrementing.
func (h *HashTable) splitBucket(directory DirectoryPage, directoryGuard *storage.WritePageGuard, bucketIdx uint32, bucketPageID common.PageID, bucketGuard *storage.WritePageGuard) bool {
	defer directoryGuard.Drop()
	defer bucketGuard.Drop()

	localDepth := directory.GetLocalDepth(bucketIdx)
	if localDepth == h.directoryMaxDepth {
		return false
	}

	growDirectory := localDepth == directory.GlobalDepth()
	if growDirectory {
		directory.IncrGlobalDepth()
	}

	// GetSplitImageIndex reads local_depth[bucketIdx] to decide which bit
	// to flip, so it must be called before that depth is bumped below:
	// splitImageIdx is bucketIdx with the newly-significant bit (the one
	// local depth is about to grow into) flipped.
	splitImageIdx := directory.GetSplitImageIndex(bucketIdx)
	newLocalDepth := localDepth + 1
	directory.SetLocalDepth(bucketIdx, newLocalDepth)

	newBucketPageID, newBucketGuard := h.pool.NewPageGuarded()
	if !newBucketGuard.Valid() {
		directory.SetLocalDepth(bucketIdx, localDepth)
		if growDirectory {
			directory.DecrGlobalDepth()
		}
		return false
	}
	newBucket := NewBucketPageView(newBucketGuard.Data())
	newBucket.Init(h.bucketMaxSize)
	bucket := NewBucketPageView(bucketGuard.Data())

	mask := (uint32(1) << newLocalDepth) - 1
	bucketLowBits := bucketIdx & mask
	splitLowBits := splitImageIdx & mask
	size := directory.Size()
	for i := uint32(0); i < size; i++ {
		switch i & mask {
		case bucketLowBits:
			directory.SetBucketPageId(i, bucketPageID)
			directory.SetLocalDepth(i, newLocalDepth)
		case splitLowBits:
			directory.SetBucketPageId(i, newBucketPageID)
			directory.SetLocalDepth(i, newLocalDepth)
		}
	}

	for i := int(bucket.Size()) - 1; i >= 0; i-- {
		k, v := bucket.EntryAt(uint32(i))
		if (hash32(k) & mask) != bucketLowBits {
			newBucket.Insert(k, v)
			bucket.RemoveAt(uint32(i))
		}
	}

	bucketGuard.MarkDirty()
	newBucketGuard.MarkDirty()
	newBucketGuard.Drop()
	directoryGuard.MarkDirty()

	h.log.Info("split bucket",
		zap.Int64("bucket_page_id", int64(bucketPageID)),
		zap.Int64("new_bucket_page_id", int64(newBucketPageID)),
		zap.Uint32("new_local_depth", newLocalDepth))
	return true
}

// Remove deletes key, merging the emptied bucket with its split image
// (and recursively shrinking the directory) when possible.
func (h *HashTable) Remove(key Key) bool {
	hash := hash32(key)

	headerGuard := h.pool.FetchPageWrite(h.headerPageID)
	if !headerGuard.Valid() {
		return false
	}
	header := NewHeaderPageView(headerGuard.Data())
	dirPageID := header.GetDirectoryPageId(header.HashToDirectoryIndex(hash))
	headerGuard.Drop()
	if !dirPageID.IsValid() {
		return false
	}

	directoryGuard := h.pool.FetchPageWrite(dirPageID)
	if !directoryGuard.Valid() {
		return false
	}
	directory := NewDirectoryPageView(directoryGuard.Data())

	bucketIdx := directory.HashToBucketIndex(hash)
	bucketPageID := directory.GetBucketPageId(bucketIdx)
	if !bucketPageID.IsValid() {
		directoryGuard.Drop()
		return false
	}

	bucketGuard := h.pool.FetchPageWrite(bucketPageID)
	if !bucketGuard.Valid() {
		directoryGuard.Drop()
		return false
	}
	bucket := NewBucketPageView(bucketGuard.Data())

	if !bucket.Remove(key) {
		bucketGuard.Drop()
		directoryGuard.Drop()
		return false
	}
	bucketGuard.MarkDirty()
	empty := bucket.IsEmpty()
	bucketGuard.Drop()

	if !empty {
		directoryGuard.Drop()
		return true
	}

	h.mergeFrom(directory, &directoryGuard, hash)
	return true
}

// mergeFrom repeatedly merges the bucket at hash's current directory
// slot into its split image while that bucket is empty and the split
// image has the same local depth, shrinking the directory whenever every
// slot's local depth allows it. It always drops directoryGuard before
// returning.
func (h *HashTable) mergeFrom(directory DirectoryPage, directoryGuard *storage.WritePageGuard, hash uint32) {
	defer directoryGuard.Drop()

	for {
		bucketIdx := directory.HashToBucketIndex(hash)
		bucketPageID := directory.GetBucketPageId(bucketIdx)
		if !bucketPageID.IsValid() {
			return
		}

		bucketEmpty := h.pageIsEmptyBucket(bucketPageID)
		if !bucketEmpty {
			return
		}

		localDepth := directory.GetLocalDepth(bucketIdx)
		globalDepth := directory.GlobalDepth()
		if localDepth == 0 || globalDepth == 0 {
			return
		}

		// The merge partner is the slot whose index differs from bucketIdx
		// in the top bit of its local-depth prefix, i.e. the split image
		// computed one depth lower. GetSplitImageIndex flips bit
		// localDepth instead, which names the same bucket (or an unused
		// slot) and so cannot be used here.
		splitImageIdx := bucketIdx ^ (uint32(1) << (localDepth - 1))
		if directory.GetLocalDepth(splitImageIdx) != localDepth {
			return
		}
		survivorPageID := directory.GetBucketPageId(splitImageIdx)
		if !survivorPageID.IsValid() {
			return
		}

		victimPageID := bucketPageID
		newLocalDepth := localDepth - 1
		size := directory.Size()
		for i := uint32(0); i < size; i++ {
			switch directory.GetBucketPageId(i) {
			case victimPageID:
				directory.SetBucketPageId(i, survivorPageID)
				directory.SetLocalDepth(i, newLocalDepth)
			case survivorPageID:
				directory.SetLocalDepth(i, newLocalDepth)
			}
		}

		h.pool.DeletePage(victimPageID)
		directoryGuard.MarkDirty()
		h.log.Info("merged bucket",
			zap.Int64("victim_page_id", int64(victimPageID)),
			zap.Int64("survivor_page_id", int64(survivorPageID)))

		for directory.CanShrink() {
			directory.DecrGlobalDepth()
		}
	}
}

func (h *HashTable) pageIsEmptyBucket(pageID common.PageID) bool {
	guard := h.pool.FetchPageRead(pageID)
	if !guard.Valid() {
		return false
	}
	defer guard.Drop()
	return NewBucketPageView(guard.Data()).IsEmpty()
}

// CheckInvariants walks the whole directory tree and verifies directory
// consistency: every live index's local depth is at most the global
// depth, and every pair of indices sharing that many low bits agree on
// bucket id and local depth.
func (h *HashTable) CheckInvariants() error {
	headerGuard := h.pool.FetchPageRead(h.headerPageID)
	if !headerGuard.Valid() {
		return fmt.Errorf("header page %s not resident", h.headerPageID)
	}
	header := NewHeaderPageView(headerGuard.Data())
	var dirIDs []common.PageID
	for i := uint32(0); i < header.MaxSize(); i++ {
		if id := header.GetDirectoryPageId(i); id.IsValid() {
			dirIDs = append(dirIDs, id)
		}
	}
	headerGuard.Drop()

	for _, dirID := range dirIDs {
		if err := h.checkDirectoryInvariants(dirID); err != nil {
			return err
		}
	}
	return nil
}

func (h *HashTable) checkDirectoryInvariants(dirID common.PageID) error {
	guard := h.pool.FetchPageRead(dirID)
	if !guard.Valid() {
		return fmt.Errorf("directory page %s not resident", dirID)
	}
	defer guard.Drop()

	directory := NewDirectoryPageView(guard.Data())
	globalDepth := directory.GlobalDepth()
	size := directory.Size()
	for i := uint32(0); i < size; i++ {
		localDepth := directory.GetLocalDepth(i)
		if localDepth > globalDepth {
			return fmt.Errorf("directory %s: local depth %d exceeds global depth %d at index %d", dirID, localDepth, globalDepth, i)
		}
		mask := (uint32(1) << localDepth) - 1
		for j := uint32(0); j < size; j++ {
			if j&mask != i&mask {
				continue
			}
			if directory.GetBucketPageId(j) != directory.GetBucketPageId(i) {
				return fmt.Errorf("directory %s: indices %d and %d share %d low bits but map to different buckets", dirID, i, j, localDepth)
			}
			if directory.GetLocalDepth(j) != localDepth {
				return fmt.Errorf("directory %s: indices %d and %d share %d low bits but disagree on local depth", dirID, i, j, localDepth)
			}
		}
	}
	return nil
}
