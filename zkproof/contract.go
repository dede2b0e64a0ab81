package zkproof

import (
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ContractProof is the on-chain wire format: the three Groth16 group
// elements flattened into the argument layout of the verifier contract,
// plus the ordered public signals. All words are 0x-prefixed 32-byte
// big-endian hex.
type ContractProof struct {
	A      [2]string    `json:"a"`
	B      [2][2]string `json:"b"`
	C      [2]string    `json:"c"`
	Inputs []string     `json:"inputs"`
}

// FormatProofForContract reshapes a ProofResult into ContractProof. It is a
// pure reformatting step: no cryptographic work, no failure path for a
// well-formed result, and applying it twice to the same result yields
// identical output.
//
// The B coordinates are emitted imaginary-part first, matching the EVM
// pairing precompile's G2 encoding.
func FormatProofForContract(res *ProofResult) ContractProof {
	var out ContractProof
	if res == nil {
		return out
	}
	proof, ok := res.Proof.(*groth16_bn254.Proof)
	if !ok {
		return out
	}

	arX := proof.Ar.X.Bytes()
	arY := proof.Ar.Y.Bytes()
	out.A[0] = hexutil.Encode(arX[:])
	out.A[1] = hexutil.Encode(arY[:])

	bsX0 := proof.Bs.X.A0.Bytes()
	bsX1 := proof.Bs.X.A1.Bytes()
	bsY0 := proof.Bs.Y.A0.Bytes()
	bsY1 := proof.Bs.Y.A1.Bytes()
	out.B[0][0] = hexutil.Encode(bsX1[:])
	out.B[0][1] = hexutil.Encode(bsX0[:])
	out.B[1][0] = hexutil.Encode(bsY1[:])
	out.B[1][1] = hexutil.Encode(bsY0[:])

	krsX := proof.Krs.X.Bytes()
	krsY := proof.Krs.Y.Bytes()
	out.C[0] = hexutil.Encode(krsX[:])
	out.C[1] = hexutil.Encode(krsY[:])

	out.Inputs = make([]string, len(res.PublicSignals))
	for i, sig := range res.PublicSignals {
		out.Inputs[i] = hexutil.Encode(sig)
	}
	return out
}
