// Package merkle implements the fixed-depth, append-only commitment tree
// backing a privacy pool.
//
// Hashing conventions are part of the proving contract and must match the
// withdrawal circuit bit for bit: leaves are MiMC(commitment), inner nodes
// are MiMC(left, right), and the sibling at level i sits on the side given
// by bit i (LSB first) of the leaf index - bit 0 means the current node is
// the left child.
package merkle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bzwallet/shieldpool/types"
	"github.com/bzwallet/shieldpool/utils"
)

// RootHistorySize is the number of historical roots a withdrawal may still
// target. On-chain pools accept the same window, so a proof built against
// any root in the ring remains broadcastable.
const RootHistorySize = 30

var (
	ErrTreeFull = errors.New("merkle: tree is full")
	ErrBadIndex = errors.New("merkle: leaf index out of range")
)

// Path is a Merkle membership path from a leaf to the root. Length equals
// the tree depth. Paths are recomputed fresh for every proof and are only
// valid against the root the tree had when they were produced.
type Path struct {
	Index    uint32
	Siblings [][]byte
}

// ComputeRoot folds the path over the leaf commitment using the same
// ordering convention as the circuit and returns the implied root.
func (p *Path) ComputeRoot(leaf types.Commitment) types.Root {
	cur := utils.MiMCHash(leaf)
	idx := p.Index
	for _, sib := range p.Siblings {
		if idx&1 == 0 {
			cur = utils.MiMCHash(cur, sib)
		} else {
			cur = utils.MiMCHash(sib, cur)
		}
		idx >>= 1
	}
	return types.Root(cur)
}

// Tree is an append-only incremental Merkle tree over deposit commitments.
// Inserts update the root through a filled-subtree cache; full layers are
// only rebuilt when a membership path is requested.
type Tree struct {
	mu       sync.RWMutex
	depth    int
	capacity uint64

	leafHashes [][]byte // MiMC(commitment) per leaf, insertion order
	filled     [][]byte // filled left-subtree cache, one per level
	zeros      [][]byte // empty subtree hash per level
	root       []byte

	history    [][]byte // ring buffer of accepted roots, newest last
	historyCap int
}

// New creates an empty tree of the given depth. Depth bounds the pool at
// 2^depth deposits.
func New(depth int) *Tree {
	if depth <= 0 || depth > 32 {
		panic(fmt.Sprintf("merkle: unsupported depth %d", depth))
	}
	t := &Tree{
		depth:      depth,
		capacity:   1 << uint(depth),
		filled:     make([][]byte, depth),
		zeros:      make([][]byte, depth+1),
		historyCap: RootHistorySize,
	}

	var zeroLeaf [32]byte
	t.zeros[0] = utils.MiMCHash(zeroLeaf[:])
	for i := 1; i <= depth; i++ {
		t.zeros[i] = utils.MiMCHash(t.zeros[i-1], t.zeros[i-1])
	}
	t.root = t.zeros[depth]
	t.pushHistory(t.root)
	return t
}

// Depth returns the fixed tree depth.
func (t *Tree) Depth() int { return t.depth }

// Size returns the number of inserted leaves.
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.leafHashes))
}

// CurrentRoot returns the root after the latest insert.
func (t *Tree) CurrentRoot() types.Root {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneBytes(t.root)
}

// InsertLeaf appends a commitment at the next free index and returns that
// index. Fails with ErrTreeFull once the pool is at capacity.
func (t *Tree) InsertLeaf(c types.Commitment) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := uint64(len(t.leafHashes))
	if idx >= t.capacity {
		return 0, ErrTreeFull
	}

	cur := utils.MiMCHash(c)
	t.leafHashes = append(t.leafHashes, cur)

	pos := idx
	for level := 0; level < t.depth; level++ {
		if pos&1 == 0 {
			// Left child: remember it for the future right sibling,
			// pair with the empty subtree for now.
			t.filled[level] = cur
			cur = utils.MiMCHash(cur, t.zeros[level])
		} else {
			cur = utils.MiMCHash(t.filled[level], cur)
		}
		pos >>= 1
	}
	t.root = cur
	t.pushHistory(cur)
	return uint32(idx), nil
}

// PathTo rebuilds the membership path for the leaf at index against the
// current root.
func (t *Tree) PathTo(index uint32) (*Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := uint64(len(t.leafHashes))
	if uint64(index) >= n {
		return nil, ErrBadIndex
	}

	path := &Path{
		Index:    index,
		Siblings: make([][]byte, t.depth),
	}

	layer := make([][]byte, n)
	for i, h := range t.leafHashes {
		layer[i] = h
	}

	pos := uint64(index)
	for level := 0; level < t.depth; level++ {
		if len(layer)%2 != 0 {
			layer = append(layer, t.zeros[level])
		}

		sib := pos ^ 1
		if sib < uint64(len(layer)) {
			path.Siblings[level] = cloneBytes(layer[sib])
		} else {
			path.Siblings[level] = cloneBytes(t.zeros[level])
		}

		next := make([][]byte, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			next[i/2] = utils.MiMCHash(layer[i], layer[i+1])
		}
		layer = next
		pos >>= 1
	}
	return path, nil
}

// IsKnownRoot reports whether root is the current root or one of the last
// RootHistorySize accepted roots. Withdrawals proven against an evicted
// root must be re-proven.
func (t *Tree) IsKnownRoot(root types.Root) bool {
	if len(root) == 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.history) - 1; i >= 0; i-- {
		if root.Equal(types.Root(t.history[i])) {
			return true
		}
	}
	return false
}

func (t *Tree) pushHistory(root []byte) {
	t.history = append(t.history, cloneBytes(root))
	if len(t.history) > t.historyCap {
		t.history = t.history[len(t.history)-t.historyCap:]
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
