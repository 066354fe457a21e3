package storage

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"

	"dsg.dev/kvkernel/common"
)

// lruNode is the per-frame access history: a bounded ring of the k most
// recent logical timestamps, plus whether the replacer may currently
// choose this frame as a victim.
type lruNode struct {
	history   []int64 // oldest first, length capped at k
	evictable bool
}

// candidate is the ordering key the replacer's eviction tree sorts on.
// rank separates frames with an infinite backward k-distance (fewer than
// k recorded accesses) from frames with a finite one; within a rank,
// value breaks ties per the LRU-K rule.
//
// Backward k-distance is `now - history[-k]`, but for any fixed "now"
// the difference between two frames' distances depends only on their
// history[-k] timestamps, not on "now" itself. Storing -history[-k]
// instead of the distance keeps candidates correctly ordered relative
// to each other without needing to recompute every entry against the
// current clock on every Evict.
type candidate struct {
	frameID common.FrameID
	rank    int   // 1 = infinite backward distance, 0 = finite
	value   int64 // -earliestAccess for rank 1, -kthMostRecentAccess for rank 0
}

func candidateLess(a, b candidate) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if a.value != b.value {
		return a.value < b.value
	}
	return a.frameID < b.frameID
}

// LRUKReplacer selects an eviction victim among evictable frames by
// maximum backward k-distance, tie-broken by classical LRU.
type LRUKReplacer struct {
	mu    sync.Mutex
	k     int
	clock int64 // monotonically increasing logical timestamp
	nodes *xsync.MapOf[common.FrameID, *lruNode]
	// candidates holds exactly the evictable frames, ordered so Max()
	// yields the correct victim under the rules above.
	candidates *btree.BTreeG[candidate]
	size       int
}

// NewLRUKReplacer constructs a replacer that considers the last k
// accesses of each frame when computing backward k-distance.
func NewLRUKReplacer(k int) *LRUKReplacer {
	common.Assert(k > 0, "replacer k must be positive")
	return &LRUKReplacer{
		k:          k,
		nodes:      xsync.NewMapOf[common.FrameID, *lruNode](),
		candidates: btree.NewBTreeG(candidateLess),
	}
}

// currentCandidate recomputes the ordering key for fid's node. Callers
// must hold r.mu.
func (r *LRUKReplacer) currentCandidate(fid common.FrameID, node *lruNode) candidate {
	if len(node.history) < r.k {
		return candidate{frameID: fid, rank: 1, value: -node.history[0]}
	}
	kthMostRecent := node.history[len(node.history)-r.k]
	return candidate{frameID: fid, rank: 0, value: -kthMostRecent}
}

// RecordAccess appends the current timestamp to fid's history, creating
// the node on first access. New nodes default to non-evictable.
func (r *LRUKReplacer) RecordAccess(fid common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clock++
	node, existed := r.nodes.Load(fid)
	if !existed {
		node = &lruNode{}
		r.nodes.Store(fid, node)
	}
	if node.evictable {
		r.candidates.Delete(r.currentCandidate(fid, node))
	}

	node.history = append(node.history, r.clock)
	if len(node.history) > r.k {
		node.history = node.history[len(node.history)-r.k:]
	}

	if node.evictable {
		r.candidates.Set(r.currentCandidate(fid, node))
	}
}

// SetEvictable toggles whether fid may be chosen by Evict, moving it
// between the resident and candidate populations.
func (r *LRUKReplacer) SetEvictable(fid common.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes.Load(fid)
	if !ok {
		return
	}
	if node.evictable == evictable {
		return
	}
	if node.evictable {
		r.candidates.Delete(r.currentCandidate(fid, node))
		r.size--
	} else {
		r.candidates.Set(r.currentCandidate(fid, node))
		r.size++
	}
	node.evictable = evictable
}

// Evict removes and returns the frame with the largest backward
// k-distance among evictable frames, or false if none are evictable.
func (r *LRUKReplacer) Evict() (common.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	victim, ok := r.candidates.Max()
	if !ok {
		return 0, false
	}
	r.candidates.Delete(victim)
	r.size--
	r.nodes.Delete(victim.frameID)
	return victim.frameID, true
}

// Remove drops fid's node entirely. It is a programming error to remove
// a currently non-evictable frame, since that frame is still meant to be
// pinned; this panics rather than silently corrupting replacer state.
func (r *LRUKReplacer) Remove(fid common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes.Load(fid)
	if !ok {
		return
	}
	common.Assert(node.evictable, "Remove called on non-evictable frame %d", fid)
	r.candidates.Delete(r.currentCandidate(fid, node))
	r.size--
	r.nodes.Delete(fid)
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
