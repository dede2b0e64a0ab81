package pool

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/bzwallet/shieldpool/types"
	"github.com/bzwallet/shieldpool/zkproof"
)

// LedgerSigner signs and broadcasts pool transactions. The subsystem never
// sees the wallet's spending key; only the pool-specific secret material it
// generates itself.
type LedgerSigner interface {
	BroadcastDeposit(ctx context.Context, poolAddr common.Address, commitment types.Commitment, amount *uint256.Int) (common.Hash, error)
	BroadcastWithdrawal(ctx context.Context, poolAddr common.Address, proof zkproof.ContractProof, recipient common.Address) (common.Hash, error)
}

// Receipt is the chain's view of a broadcast transaction. LeafIndex is the
// authoritative on-chain insertion index for deposit transactions; local
// submission order is never trusted.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	LeafIndex   uint32
	Included    bool
}

// DepositEvent is one on-chain commitment insertion, in confirmation order.
type DepositEvent struct {
	Commitment types.Commitment
	LeafIndex  uint32
	TxHash     common.Hash
	Timestamp  time.Time
}

// ChainReader reads pool state from the chain. TxReceipt is a single
// status probe; the manager wraps it in bounded-backoff polling.
type ChainReader interface {
	MerkleRoot(ctx context.Context, poolAddr common.Address) (types.Root, error)
	PoolMetadata(ctx context.Context, poolAddr common.Address) (*types.PrivacyPool, error)
	IsNullifierSpent(ctx context.Context, poolAddr common.Address, n types.Nullifier) (bool, error)
	TxReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
	DepositEvents(ctx context.Context, poolAddr common.Address) ([]DepositEvent, error)
}

// DepositStore is the local persistence boundary. Failures are advisory
// for already-broadcast operations and fatal only to future spendability.
type DepositStore interface {
	Put(d *types.ShieldedDeposit) error
	Get(id string) (*types.ShieldedDeposit, error)
	List() ([]*types.ShieldedDeposit, error)
	Delete(id string) error
}
