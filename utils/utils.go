package utils

import (
	crand "crypto/rand"
	"hash"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	_ "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	gnark_hash "github.com/consensys/gnark-crypto/hash"
)

// MiMCHasher returns the MiMC hasher over the BN254 scalar field.
// The same permutation runs in-circuit, so every native hash computed here
// can be recomputed inside a proof.
func MiMCHasher() hash.Hash {
	return gnark_hash.MIMC_BN254.New()
}

// MiMCHash hashes the concatenation of the inputs. Each input is consumed
// in 32-byte chunks; full chunks are reduced to canonical fr elements first
// because the native MiMC writer rejects values above the modulus.
func MiMCHash(ins ...[]byte) []byte {
	hasher := MiMCHasher()
	blockSize := hasher.Size()

	hasher.Reset()
	for _, in := range ins {
		for i := 0; i < len(in); i += blockSize {
			end := i + blockSize
			if end > len(in) {
				end = len(in)
			}
			chunk := in[i:end]

			if len(chunk) == blockSize {
				var elem fr.Element
				elem.SetBytes(chunk)
				chunk = elem.Marshal()
			}
			if _, err := hasher.Write(chunk); err != nil {
				panic(err)
			}
		}
	}
	return hasher.Sum(nil)
}

// RandFieldElement returns a uniformly random BN254 scalar in canonical
// 32-byte big-endian form. The sampler reads crypto/rand, so two calls
// return equal values only with negligible probability.
func RandFieldElement() [32]byte {
	var elem fr.Element
	if _, err := elem.SetRandom(); err != nil {
		panic(err)
	}
	return elem.Bytes()
}

// RandBytes returns n random bytes from crypto/rand.
func RandBytes(n int) []byte {
	rbz := make([]byte, n)
	_, _ = crand.Read(rbz)
	return rbz
}

// ToFieldBytes canonicalizes an arbitrary byte string into a 32-byte BN254
// scalar. Values above the modulus are reduced.
func ToFieldBytes(b []byte) [32]byte {
	var elem fr.Element
	elem.SetBytes(b)
	return elem.Bytes()
}

// Uint64FieldBytes encodes v as a canonical 32-byte BN254 scalar.
func Uint64FieldBytes(v uint64) [32]byte {
	var elem fr.Element
	elem.SetUint64(v)
	return elem.Bytes()
}
