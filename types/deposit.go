package types

import (
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// DepositState tracks the lifecycle of a shielded deposit.
// Transitions are strictly forward: Created -> Confirmed -> Spendable -> Spent.
type DepositState uint8

const (
	DepositCreated DepositState = iota
	DepositConfirmed
	DepositSpendable
	DepositSpent
)

func (s DepositState) String() string {
	switch s {
	case DepositCreated:
		return "created"
	case DepositConfirmed:
		return "confirmed"
	case DepositSpendable:
		return "spendable"
	case DepositSpent:
		return "spent"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ShieldedDeposit is one pool entry. Secret and NullifierSeed are the only
// material needed to spend it; they never leave the wallet unencrypted.
// Losing them makes the deposit permanently unspendable.
type ShieldedDeposit struct {
	ID            string
	Amount        *uint256.Int
	Commitment    Commitment
	Secret        [32]byte
	NullifierSeed [32]byte
	LeafIndex     uint32
	RootAtDeposit Root
	TxHash        common.Hash
	Timestamp     time.Time
	PoolAddress   common.Address
	State         DepositState
}

// ShieldedWithdrawal is one pool exit. Immutable after broadcast.
type ShieldedWithdrawal struct {
	ID            string
	Amount        *uint256.Int
	Recipient     common.Address
	NullifierHash Nullifier
	ProofBytes    []byte
	PublicSignals [][]byte
	Root          Root
	Fee           *uint256.Int
	TxHash        common.Hash
	Timestamp     time.Time
}

// depositRecord is the RLP wire form of a ShieldedDeposit. Amount travels as
// *big.Int because rlp has native support for it.
type depositRecord struct {
	ID            string
	Amount        *big.Int
	Commitment    []byte
	Secret        [32]byte
	NullifierSeed [32]byte
	LeafIndex     uint32
	RootAtDeposit []byte
	TxHash        common.Hash
	Timestamp     uint64
	PoolAddress   common.Address
	State         uint8
}

// EncodeRLP implements the rlp.Encoder interface.
func (d *ShieldedDeposit) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, &depositRecord{
		ID:            d.ID,
		Amount:        d.Amount.ToBig(),
		Commitment:    d.Commitment,
		Secret:        d.Secret,
		NullifierSeed: d.NullifierSeed,
		LeafIndex:     d.LeafIndex,
		RootAtDeposit: d.RootAtDeposit,
		TxHash:        d.TxHash,
		Timestamp:     uint64(d.Timestamp.Unix()),
		PoolAddress:   d.PoolAddress,
		State:         uint8(d.State),
	})
}

// DecodeRLP implements the rlp.Decoder interface.
func (d *ShieldedDeposit) DecodeRLP(s *rlp.Stream) error {
	var rec depositRecord
	if err := s.Decode(&rec); err != nil {
		return err
	}

	amount, overflow := uint256.FromBig(rec.Amount)
	if overflow {
		return fmt.Errorf("deposit amount overflows uint256")
	}

	d.ID = rec.ID
	d.Amount = amount
	d.Commitment = rec.Commitment
	d.Secret = rec.Secret
	d.NullifierSeed = rec.NullifierSeed
	d.LeafIndex = rec.LeafIndex
	d.RootAtDeposit = rec.RootAtDeposit
	d.TxHash = rec.TxHash
	d.Timestamp = time.Unix(int64(rec.Timestamp), 0).UTC()
	d.PoolAddress = rec.PoolAddress
	d.State = DepositState(rec.State)
	return nil
}

// Nullifier derives the spend nullifier for this deposit.
func (d *ShieldedDeposit) Nullifier() Nullifier {
	return ComputeNullifier(d.Secret, d.LeafIndex)
}

// Spendable reports whether the deposit can back a withdrawal.
func (d *ShieldedDeposit) Spendable() bool {
	return d.State == DepositSpendable
}
