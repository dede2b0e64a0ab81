package shieldpool

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bzwallet/shieldpool/pool"
	"github.com/bzwallet/shieldpool/routing"
	"github.com/bzwallet/shieldpool/types"
	"github.com/bzwallet/shieldpool/utils"
	"github.com/bzwallet/shieldpool/zkproof"
)

var (
	poolAddr  = common.HexToAddress("0x100000000000000000000000000000000000000f")
	recipient = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// chainStub is a minimal in-memory chain backing one pool.
type chainStub struct {
	mu       sync.Mutex
	meta     *types.PrivacyPool
	events   []pool.DepositEvent
	receipts map[common.Hash]*pool.Receipt
	spent    map[string]bool
}

func newChainStub(denomination *uint256.Int, depth int) *chainStub {
	return &chainStub{
		meta: &types.PrivacyPool{
			Denomination:    denomination,
			ContractAddress: poolAddr,
			TreeDepth:       depth,
			IsActive:        true,
			Network:         "testnet",
		},
		receipts: make(map[common.Hash]*pool.Receipt),
		spent:    make(map[string]bool),
	}
}

func (c *chainStub) BroadcastDeposit(_ context.Context, _ common.Address, commitment types.Commitment, _ *uint256.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := uint32(len(c.events))
	tx := common.BytesToHash(utils.RandBytes(32))
	c.events = append(c.events, pool.DepositEvent{Commitment: commitment, LeafIndex: idx, TxHash: tx, Timestamp: time.Now()})
	c.meta.AnonymitySetSize++
	c.receipts[tx] = &pool.Receipt{TxHash: tx, LeafIndex: idx, Included: true}
	return tx, nil
}

func (c *chainStub) BroadcastWithdrawal(_ context.Context, _ common.Address, proof zkproof.ContractProof, _ common.Address) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := common.BytesToHash(utils.RandBytes(32))
	c.spent[proof.Inputs[1]] = true
	c.receipts[tx] = &pool.Receipt{TxHash: tx, Included: true}
	return tx, nil
}

func (c *chainStub) MerkleRoot(context.Context, common.Address) (types.Root, error) {
	return nil, nil
}

func (c *chainStub) PoolMetadata(context.Context, common.Address) (*types.PrivacyPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.meta
	return &cp, nil
}

func (c *chainStub) IsNullifierSpent(_ context.Context, _ common.Address, n types.Nullifier) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := utils.ToFieldBytes(n)
	return c.spent["0x"+common.Bytes2Hex(f[:])], nil
}

func (c *chainStub) TxReceipt(_ context.Context, tx common.Hash) (*pool.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[tx]; ok {
		return r, nil
	}
	return &pool.Receipt{TxHash: tx}, nil
}

func (c *chainStub) DepositEvents(context.Context, common.Address) ([]pool.DepositEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pool.DepositEvent, len(c.events))
	copy(out, c.events)
	return out, nil
}

func newTestSession(t *testing.T, chain *chainStub) *Session {
	t.Helper()
	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	s, err := NewSession(log, Config{
		DataDir:           t.TempDir(),
		TreeDepth:         6,
		Network:           "testnet",
		ConfirmInterval:   time.Millisecond,
		ConfirmMaxElapsed: 200 * time.Millisecond,
	}, chain, chain, utils.RandFieldElement())
	require.NoError(t, err)
	return s
}

func TestSessionRequiresDataDir(t *testing.T) {
	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	chain := newChainStub(uint256.NewInt(1), 6)
	_, err := NewSession(log, Config{}, chain, chain, utils.RandFieldElement())
	require.ErrorIs(t, err, pool.ErrValidation)
}

func TestSessionEndToEnd(t *testing.T) {
	denom := uint256.NewInt(100_000_000_000_000_000) // 0.1 ether
	chain := newChainStub(denom, 6)
	s := newTestSession(t, chain)
	ctx := context.Background()

	alias, err := s.Router().CreateAlias("daily")
	require.NoError(t, err)

	d, err := s.Manager().CreateShieldedDeposit(ctx, denom, poolAddr)
	require.NoError(t, err)
	require.Equal(t, types.DepositSpendable, d.State)
	require.NoError(t, s.Router().BindDeposit(alias.AliasID, d.ID))

	quote, err := s.Router().QuotePrivateSend(recipient, denom, routing.RouteRequest{
		Recipient: recipient,
		Amount:    denom,
	})
	require.NoError(t, err)

	w, err := s.Router().SendPrivateWithAlias(ctx, quote)
	require.NoError(t, err)
	require.Equal(t, recipient, w.Recipient)
	require.True(t, w.Amount.Eq(denom))

	// The note is gone from the balance view.
	require.Empty(t, s.Manager().ShieldedBalance())
}

func TestSessionAnalyzerIsReused(t *testing.T) {
	chain := newChainStub(uint256.NewInt(1), 6)
	s := newTestSession(t, chain)
	require.Same(t, s.Analyzer(), s.Analyzer())
}
