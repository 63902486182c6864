package merkle

import (
	"errors"
	"sort"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/layer-3/pingmark/core"
)

// DefaultDepth bounds the tree at 65,536 leaves, comfortably above the
// per-epoch challenge count.
const DefaultDepth = 16

var (
	ErrNoLeaves       = errors.New("no leaves to build tree")
	ErrTooManyLeaves  = errors.New("sample count exceeds tree capacity")
	ErrLeafOutOfRange = errors.New("leaf index out of range")
	ErrOddLevel       = errors.New("odd-length tree level")
	ErrMalformedTree  = errors.New("malformed tree levels")
)

// Tree is a binary hash tree over ordered samples. Leaves are padded with
// the zero field element to the next power of two, every level is
// retained, and the single node of the last level is the root.
type Tree struct {
	hasher    FieldHasher
	levels    [][]fr.Element
	leafCount int
}

// Build constructs the commitment tree for a batch of samples. The batch
// is sorted by index first so the root is a pure function of its
// contents regardless of input order.
func Build(samples []core.Sample, maxDepth int, h FieldHasher) (*Tree, error) {
	if len(samples) == 0 {
		return nil, ErrNoLeaves
	}
	if len(samples) > 1<<maxDepth {
		return nil, ErrTooManyLeaves
	}

	sorted := make([]core.Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	width := 2
	for width < len(sorted) {
		width <<= 1
	}
	leaves := make([]fr.Element, width) // zero elements pad the tail
	for i, s := range sorted {
		leaves[i] = LeafHash(h, s.Index, s.Nonce, s.RTTMs)
	}

	levels := [][]fr.Element{leaves}
	for level := leaves; len(level) > 1; {
		// Padding to a power of two makes an odd level impossible;
		// hitting one means the builder is broken.
		if len(level)%2 != 0 {
			return nil, ErrOddLevel
		}
		next := make([]fr.Element, len(level)/2)
		for i := range next {
			next[i] = NodeHash(h, level[2*i], level[2*i+1])
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{hasher: h, levels: levels, leafCount: len(sorted)}, nil
}

// Restore rebuilds a Tree from persisted levels, leaves first. It
// validates the shape but trusts the hashes; callers hold the same data
// the root was computed from.
func Restore(levels [][]fr.Element, leafCount int, h FieldHasher) (*Tree, error) {
	if len(levels) < 2 || len(levels[len(levels)-1]) != 1 {
		return nil, ErrMalformedTree
	}
	for i := 0; i < len(levels)-1; i++ {
		if len(levels[i]) != 2*len(levels[i+1]) {
			return nil, ErrMalformedTree
		}
	}
	if leafCount < 1 || leafCount > len(levels[0]) {
		return nil, ErrMalformedTree
	}
	return &Tree{hasher: h, levels: levels, leafCount: leafCount}, nil
}

// Root returns the tree root as a field element.
func (t *Tree) Root() fr.Element {
	return t.levels[len(t.levels)-1][0]
}

// RootBytes returns the canonical ledger encoding of the root.
func (t *Tree) RootBytes() core.Hash {
	return HashBytes(t.Root())
}

// Depth is the number of hashing levels above the leaves.
func (t *Tree) Depth() int { return len(t.levels) - 1 }

// LeafCount is the number of real (unpadded) leaves.
func (t *Tree) LeafCount() int { return t.leafCount }

// Leaf returns the hash of leaf i, padding included.
func (t *Tree) Leaf(i int) (fr.Element, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return fr.Element{}, ErrLeafOutOfRange
	}
	return t.levels[0][i], nil
}

// Levels exposes every level of the tree, leaves first, for persistence.
func (t *Tree) Levels() [][]fr.Element {
	out := make([][]fr.Element, len(t.levels))
	for i, level := range t.levels {
		out[i] = make([]fr.Element, len(level))
		copy(out[i], level)
	}
	return out
}

// Proof is the sibling path from one leaf to the root. PathBits[i] is 1
// when the node at level i was a right child.
type Proof struct {
	LeafHash fr.Element
	Siblings []fr.Element
	PathBits []uint8
}

// Proof emits the inclusion proof for leaf i in O(depth), walking the
// retained levels without recomputation.
func (t *Tree) Proof(i int) (Proof, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return Proof{}, ErrLeafOutOfRange
	}

	p := Proof{
		LeafHash: t.levels[0][i],
		Siblings: make([]fr.Element, 0, t.Depth()),
		PathBits: make([]uint8, 0, t.Depth()),
	}
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		p.Siblings = append(p.Siblings, t.levels[level][idx^1])
		p.PathBits = append(p.PathBits, uint8(idx&1))
		idx >>= 1
	}
	return p, nil
}

// Verify folds a proof from the leaf hash up and compares against the
// claimed root. Any altered bit in the leaf, path, or root fails.
func Verify(h FieldHasher, leaf fr.Element, proof Proof, root fr.Element) bool {
	if len(proof.Siblings) != len(proof.PathBits) {
		return false
	}
	cur := leaf
	for i, sibling := range proof.Siblings {
		if proof.PathBits[i] == 1 {
			cur = NodeHash(h, sibling, cur)
		} else {
			cur = NodeHash(h, cur, sibling)
		}
	}
	return cur.Equal(&root)
}
