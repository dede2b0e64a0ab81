package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PrivacyPool is one fixed-denomination anonymity pool. AnonymitySetSize is
// the pool's leaf count; it only ever grows and is the privacy metric shown
// to the user.
type PrivacyPool struct {
	Denomination     *uint256.Int
	ContractAddress  common.Address
	TreeDepth        int
	AnonymitySetSize uint64
	IsActive         bool
	Network          string
}

// SupportsAmount reports whether amount matches the pool's denomination.
// Pools accept exact denominations only.
func (p *PrivacyPool) SupportsAmount(amount *uint256.Int) bool {
	return p.Denomination != nil && amount != nil && p.Denomination.Eq(amount)
}
