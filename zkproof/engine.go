// Package zkproof builds and checks the zero-knowledge proofs that make a
// withdrawal unlinkable to its deposit. It consumes compiled proving and
// verifying keys; it is not a circuit compiler.
package zkproof

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/constraint/solver"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/bzwallet/shieldpool/merkle"
	"github.com/bzwallet/shieldpool/types"
	"github.com/bzwallet/shieldpool/utils"
)

// Kind names a supported proof circuit.
type Kind string

const KindWithdraw Kind = "withdraw"

var (
	ErrProofGeneration = errors.New("zkproof: proof generation failed")
	ErrUnknownKind     = errors.New("zkproof: unknown proof kind")
	ErrBadRequest      = errors.New("zkproof: malformed proof request")
)

// ProofRequest carries everything the withdrawal circuit needs. Secret and
// NullifierSeed are the deposit's spend material and never leave the
// process.
type ProofRequest struct {
	Secret        [32]byte
	NullifierSeed [32]byte
	Path          *merkle.Path
	Root          types.Root
	Recipient     common.Address
	Amount        *uint256.Int
	Fee           *uint256.Int
}

// ProofResult is a generated proof plus its ordered public signals:
// [root, nullifierHash, recipient, amount, fee], each a canonical 32-byte
// field element. A result is valid only against exactly these signals.
type ProofResult struct {
	Kind          Kind
	Proof         groth16.Proof
	PublicSignals [][]byte
}

// Bytes serializes the proof for embedding in a transaction.
func (r *ProofResult) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := r.Proof.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseProof deserializes a proof previously produced by Bytes.
func ParseProof(kind Kind, bz []byte, publicSignals [][]byte) (*ProofResult, error) {
	if kind != KindWithdraw {
		return nil, ErrUnknownKind
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(bz)); err != nil {
		return nil, fmt.Errorf("zkproof: cannot unmarshal proof: %w", err)
	}
	return &ProofResult{Kind: kind, Proof: proof, PublicSignals: publicSignals}, nil
}

// RandomFieldElement returns a fresh random field element for secrets and
// nullifier seeds. Cryptographically secure; see utils.RandFieldElement.
func RandomFieldElement() [32]byte {
	return utils.RandFieldElement()
}

// Engine owns the compiled withdrawal circuit and its Groth16 keys for one
// tree depth. Proof generation is a pure function of the request; the
// engine itself holds no per-proof state.
type Engine struct {
	log   zerolog.Logger
	depth int
	ccs   constraint.ConstraintSystem
	pk    groth16.ProvingKey
	vk    groth16.VerifyingKey
}

// NewEngine compiles the withdrawal circuit for the given tree depth and
// runs the Groth16 setup. Production deployments would load keys from a
// trusted ceremony instead; see LoadKeys.
func NewEngine(log zerolog.Logger, depth int) (*Engine, error) {
	circuit := WithdrawCircuit{Path: make([]frontend.Variable, depth)}
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("zkproof: circuit compile: %w", err)
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("zkproof: groth16 setup: %w", err)
	}
	log.Info().Int("depth", depth).Int("constraints", ccs.GetNbConstraints()).
		Msg("withdrawal circuit compiled")
	return &Engine{log: log, depth: depth, ccs: ccs, pk: pk, vk: vk}, nil
}

// LoadKeys constructs an engine around externally provided keys, e.g. from
// a published ceremony artifact.
func LoadKeys(log zerolog.Logger, depth int, ccs constraint.ConstraintSystem, pk groth16.ProvingKey, vk groth16.VerifyingKey) *Engine {
	return &Engine{log: log, depth: depth, ccs: ccs, pk: pk, vk: vk}
}

// Depth returns the tree depth the engine's circuit was compiled for.
func (e *Engine) Depth() int { return e.depth }

// ConstraintSystem exposes the compiled circuit for tooling.
func (e *Engine) ConstraintSystem() constraint.ConstraintSystem { return e.ccs }

// GenerateWithdrawalProof proves the withdrawal statement for req. The call
// blocks for the duration of proving (seconds for realistic depths) and
// honors ctx cancellation: on cancel or timeout the partial result is
// discarded and ErrProofGeneration is returned wrapped around ctx.Err().
func (e *Engine) GenerateWithdrawalProof(ctx context.Context, req *ProofRequest) (*ProofResult, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}

	nullifierHash := types.ComputeNullifier(req.Secret, req.Path.Index)

	assignment := WithdrawCircuit{
		Root:          []byte(req.Root),
		NullifierHash: []byte(nullifierHash),
		Recipient:     new(big.Int).SetBytes(req.Recipient.Bytes()),
		Amount:        req.Amount.Bytes(),
		Fee:           req.Fee.Bytes(),
		Secret:        req.Secret[:],
		NullifierSeed: req.NullifierSeed[:],
		LeafIndex:     uint64(req.Path.Index),
		Path:          make([]frontend.Variable, e.depth),
	}
	for i := 0; i < e.depth; i++ {
		assignment.Path[i] = req.Path.Siblings[i]
	}

	wtn, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("%w: witness: %v", ErrProofGeneration, err)
	}

	type proveOut struct {
		proof groth16.Proof
		err   error
	}
	done := make(chan proveOut, 1)
	go func() {
		proof, err := groth16.Prove(
			e.ccs,
			e.pk,
			wtn,
			backend.WithSolverOptions(solver.WithLogger(e.log)),
		)
		done <- proveOut{proof: proof, err: err}
	}()

	select {
	case <-ctx.Done():
		// The prover goroutine finishes on its own; its result is dropped
		// and no partial proof state survives the cancel.
		return nil, fmt.Errorf("%w: %v", ErrProofGeneration, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProofGeneration, out.err)
		}
		return &ProofResult{
			Kind:          KindWithdraw,
			Proof:         out.proof,
			PublicSignals: publicSignals(req.Root, nullifierHash, req.Recipient, req.Amount, req.Fee),
		}, nil
	}
}

// VerifyProof checks a proof against the given public signals. It returns
// false for signal mismatches, malformed group elements and unrecognized
// kinds; it never panics for a proof that merely does not verify.
func (e *Engine) VerifyProof(kind Kind, proof groth16.Proof, signals [][]byte) bool {
	if kind != KindWithdraw || proof == nil || len(signals) != numPublicSignals {
		return false
	}

	assignment := WithdrawCircuit{
		Root:          signals[0],
		NullifierHash: signals[1],
		Recipient:     new(big.Int).SetBytes(signals[2]),
		Amount:        new(big.Int).SetBytes(signals[3]),
		Fee:           new(big.Int).SetBytes(signals[4]),
	}
	pubWtn, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false
	}
	if err := groth16.Verify(proof, e.vk, pubWtn); err != nil {
		e.log.Debug().Err(err).Msg("proof rejected")
		return false
	}
	return true
}

// VerifyResult is VerifyProof applied to a ProofResult's own signals.
func (e *Engine) VerifyResult(res *ProofResult) bool {
	if res == nil {
		return false
	}
	return e.VerifyProof(res.Kind, res.Proof, res.PublicSignals)
}

const numPublicSignals = 5

func (e *Engine) checkRequest(req *ProofRequest) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: nil request", ErrBadRequest)
	case req.Path == nil:
		return fmt.Errorf("%w: nil merkle path", ErrBadRequest)
	case len(req.Path.Siblings) != e.depth:
		return fmt.Errorf("%w: path length %d, circuit depth %d",
			ErrBadRequest, len(req.Path.Siblings), e.depth)
	case len(req.Root) == 0:
		return fmt.Errorf("%w: empty root", ErrBadRequest)
	case req.Amount == nil || req.Fee == nil:
		return fmt.Errorf("%w: nil amount or fee", ErrBadRequest)
	case req.Fee.Gt(req.Amount):
		return fmt.Errorf("%w: fee exceeds amount", ErrBadRequest)
	}
	return nil
}

// publicSignals builds the canonical ordered signal list. Every entry is a
// 32-byte big-endian field element.
func publicSignals(root types.Root, nh types.Nullifier, recipient common.Address, amount, fee *uint256.Int) [][]byte {
	rootF := utils.ToFieldBytes(root)
	nhF := utils.ToFieldBytes(nh)
	var recF [32]byte
	copy(recF[12:], recipient.Bytes())
	amtF := amount.Bytes32()
	feeF := fee.Bytes32()
	return [][]byte{rootF[:], nhF[:], recF[:], amtF[:], feeF[:]}
}
