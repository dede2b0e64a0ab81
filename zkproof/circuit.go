package zkproof

import (
	"github.com/consensys/gnark/frontend"
	std_mimc "github.com/consensys/gnark/std/hash/mimc"
)

// WithdrawCircuit proves, without revealing which deposit is spent, that:
//
//   - the prover knows (secret, nullifierSeed) for a commitment
//     MiMC(secret, nullifierSeed, amount) present in the pool tree,
//   - the published nullifier equals MiMC(secret, leafIndex),
//   - the fee does not exceed the withdrawn amount.
//
// The public field order below is the public-signal layout: any reordering
// changes the statement and invalidates existing proofs.
//
// The Merkle fold must match merkle.Path.ComputeRoot exactly: the sibling
// at level i sits on the side given by bit i of the leaf index, bit 0
// meaning the current node is the left child.
type WithdrawCircuit struct {
	Root          frontend.Variable `gnark:",public"`
	NullifierHash frontend.Variable `gnark:",public"`
	Recipient     frontend.Variable `gnark:",public"`
	Amount        frontend.Variable `gnark:",public"`
	Fee           frontend.Variable `gnark:",public"`

	Secret        frontend.Variable
	NullifierSeed frontend.Variable
	LeafIndex     frontend.Variable
	Path          []frontend.Variable
}

func (c *WithdrawCircuit) Define(api frontend.API) error {
	hasher, err := std_mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	// Commitment recomputation binds Amount into the statement.
	hasher.Write(c.Secret, c.NullifierSeed, c.Amount)
	commitment := hasher.Sum()

	// Nullifier derivation: one nullifier per (secret, leafIndex) pair.
	hasher.Reset()
	hasher.Write(c.Secret, c.LeafIndex)
	api.AssertIsEqual(c.NullifierHash, hasher.Sum())

	// Merkle membership of the commitment.
	hasher.Reset()
	hasher.Write(commitment)
	cur := hasher.Sum()

	indexBits := api.ToBinary(c.LeafIndex, len(c.Path))
	for i, sibling := range c.Path {
		hasher.Reset()
		left := api.Select(indexBits[i], sibling, cur)
		right := api.Select(indexBits[i], cur, sibling)
		hasher.Write(left, right)
		cur = hasher.Sum()
	}
	api.AssertIsEqual(cur, c.Root)

	// Fee sanity; also keeps Fee bound in the constraint system.
	api.AssertIsLessOrEqual(c.Fee, c.Amount)

	// Recipient is not otherwise constrained; squaring it pins the public
	// input so a relayer cannot swap the payout address on a valid proof.
	api.Mul(c.Recipient, c.Recipient)

	return nil
}
