package merkle

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"github.com/layer-3/pingmark/core"
)

// FieldHasher is a fixed-arity hash over the BN254 scalar field. Every
// input and output is a reduced field element so the hash can be
// recomputed bit-for-bit inside the proving circuit. A generic byte hash
// does not satisfy this contract.
type FieldHasher interface {
	Hash2(a, b fr.Element) fr.Element
}

// MiMCHasher implements FieldHasher with the MiMC permutation over the
// BN254 scalar field.
type MiMCHasher struct{}

func (MiMCHasher) Hash2(a, b fr.Element) fr.Element {
	h := mimc.NewMiMC()
	ab := a.Bytes()
	bb := b.Bytes()
	h.Write(ab[:])
	h.Write(bb[:])
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// LeafHash commits to a single sample: H(H(index, nonce), rtt). The
// 128-bit nonce fits the field without reduction; a negative RTT is
// clamped to the sentinel so the leaf domain stays non-negative.
func LeafHash(h FieldHasher, index uint32, nonce core.Nonce, rttMs int32) fr.Element {
	if rttMs < 0 {
		rttMs = core.SentinelRTT
	}
	var idx, n, rtt fr.Element
	idx.SetUint64(uint64(index))
	n.SetBytes(nonce[:])
	rtt.SetUint64(uint64(rttMs))
	return h.Hash2(h.Hash2(idx, n), rtt)
}

// NodeHash combines two child nodes.
func NodeHash(h FieldHasher, left, right fr.Element) fr.Element {
	return h.Hash2(left, right)
}

// HashBytes returns the canonical big-endian encoding used on the ledger.
func HashBytes(e fr.Element) core.Hash {
	return core.Hash(e.Bytes())
}

// HashElement decodes a canonical encoding back into the field.
func HashElement(h core.Hash) fr.Element {
	var e fr.Element
	e.SetBytes(h[:])
	return e
}
