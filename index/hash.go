package index

import (
	"encoding/binary"

	"dsg.dev/kvkernel/common"
)

// Key and Value are the fixed-width payload types the hash index stores.
// The executor layer that would otherwise supply variable-width record
// ids is out of scope; a uint64 stands in for whatever fixed-width
// identifier an executor serializes into a slot.
type Key uint64
type Value uint64

// hash32 derives a 32-bit hash from k with entropy folded across the
// whole word, since HashToDirectoryIndex consumes the top bits and
// HashToBucketIndex the bottom bits of the same value.
func hash32(k Key) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k))
	h := common.Hash(buf[:])
	return uint32(h ^ (h >> 32))
}
