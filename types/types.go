package types

import (
	"bytes"
	"encoding/hex"

	"github.com/bzwallet/shieldpool/utils"
	"github.com/holiman/uint256"
)

// Commitment is the field element H(secret, nullifierSeed, amount) stored as
// a leaf in a pool's Merkle tree. Immutable once created.
type Commitment []byte

// Nullifier is the field element H(secret, leafIndex) published at spend
// time. Each nullifier may appear on chain at most once.
type Nullifier []byte

// Root is a Merkle tree root over commitments.
type Root []byte

func (c Commitment) String() string { return "0x" + hex.EncodeToString(c) }
func (n Nullifier) String() string  { return "0x" + hex.EncodeToString(n) }
func (r Root) String() string       { return "0x" + hex.EncodeToString(r) }

func (c Commitment) Equal(o Commitment) bool { return bytes.Equal(c, o) }
func (n Nullifier) Equal(o Nullifier) bool   { return bytes.Equal(n, o) }
func (r Root) Equal(o Root) bool             { return bytes.Equal(r, o) }

// Key returns the nullifier as a map key.
func (n Nullifier) Key() [32]byte {
	return utils.ToFieldBytes(n)
}

// ComputeCommitment derives the deposit commitment from the spending secret,
// the nullifier seed and the denomination amount. All three are bound
// in-circuit with the same MiMC transcript.
func ComputeCommitment(secret, nullifierSeed [32]byte, amount *uint256.Int) Commitment {
	amt := amount.Bytes32()
	return Commitment(utils.MiMCHash(secret[:], nullifierSeed[:], amt[:]))
}

// ComputeNullifier derives the spend nullifier from the secret and the leaf
// index the commitment was inserted at.
func ComputeNullifier(secret [32]byte, leafIndex uint32) Nullifier {
	idx := utils.Uint64FieldBytes(uint64(leafIndex))
	return Nullifier(utils.MiMCHash(secret[:], idx[:]))
}
