package pool

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bzwallet/shieldpool/nullifier"
	"github.com/bzwallet/shieldpool/types"
	"github.com/bzwallet/shieldpool/utils"
	"github.com/bzwallet/shieldpool/zkproof"
)

const testDepth = 6

var (
	testPoolAddr = common.HexToAddress("0x100000000000000000000000000000000000000f")
	testRecipient = common.HexToAddress("0x2222222222222222222222222222222222222222")

	engineOnce sync.Once
	engine     *zkproof.Engine
	engineErr  error
)

func testEngine(t *testing.T) *zkproof.Engine {
	t.Helper()
	engineOnce.Do(func() {
		log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
		engine, engineErr = zkproof.NewEngine(log, testDepth)
	})
	require.NoError(t, engineErr)
	return engine
}

// fakeChain plays both boundary roles: it broadcasts, confirms and serves
// the event log the way an on-chain pool contract would.
type fakeChain struct {
	mu           sync.Mutex
	meta         *types.PrivacyPool
	events       []DepositEvent
	receipts     map[common.Hash]*Receipt
	spent        map[string]bool
	neverConfirm bool
	broadcasts   int
}

func newFakeChain(denomination *uint256.Int) *fakeChain {
	return &fakeChain{
		meta: &types.PrivacyPool{
			Denomination:    denomination,
			ContractAddress: testPoolAddr,
			TreeDepth:       testDepth,
			IsActive:        true,
			Network:         "testnet",
		},
		receipts: make(map[common.Hash]*Receipt),
		spent:    make(map[string]bool),
	}
}

func (f *fakeChain) BroadcastDeposit(_ context.Context, _ common.Address, c types.Commitment, _ *uint256.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	idx := uint32(len(f.events))
	tx := common.BytesToHash(utils.RandBytes(32))
	f.events = append(f.events, DepositEvent{
		Commitment: c,
		LeafIndex:  idx,
		TxHash:     tx,
		Timestamp:  time.Now(),
	})
	f.meta.AnonymitySetSize++
	f.receipts[tx] = &Receipt{TxHash: tx, BlockNumber: uint64(idx + 1), LeafIndex: idx, Included: !f.neverConfirm}
	return tx, nil
}

func (f *fakeChain) BroadcastWithdrawal(_ context.Context, _ common.Address, proof zkproof.ContractProof, _ common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	tx := common.BytesToHash(utils.RandBytes(32))
	// Inputs[1] is the nullifier hash; the contract would record it.
	f.spent[proof.Inputs[1]] = true
	f.receipts[tx] = &Receipt{TxHash: tx, Included: !f.neverConfirm}
	return tx, nil
}

func (f *fakeChain) MerkleRoot(context.Context, common.Address) (types.Root, error) {
	return nil, nil
}

func (f *fakeChain) PoolMetadata(context.Context, common.Address) (*types.PrivacyPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.meta
	return &cp, nil
}

func (f *fakeChain) IsNullifierSpent(_ context.Context, _ common.Address, n types.Nullifier) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spent[signalHex(n)], nil
}

func (f *fakeChain) TxReceipt(_ context.Context, txHash common.Hash) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return &Receipt{TxHash: txHash}, nil
	}
	return r, nil
}

func (f *fakeChain) DepositEvents(context.Context, common.Address) ([]DepositEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DepositEvent, len(f.events))
	copy(out, f.events)
	return out, nil
}

// signalHex mirrors the contract-proof encoding of a public signal.
func signalHex(n types.Nullifier) string {
	f := utils.ToFieldBytes(n)
	return "0x" + common.Bytes2Hex(f[:])
}

// memStore is an in-memory DepositStore; failPut simulates storage loss.
type memStore struct {
	mu      sync.Mutex
	records map[string]*types.ShieldedDeposit
	failPut bool
	putErrs int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*types.ShieldedDeposit)}
}

func (s *memStore) Put(d *types.ShieldedDeposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		s.putErrs++
		return errors.New("disk full")
	}
	cp := *d
	s.records[d.ID] = &cp
	return nil
}

func (s *memStore) Get(id string) (*types.ShieldedDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) List() ([]*types.ShieldedDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.ShieldedDeposit, 0, len(s.records))
	for _, d := range s.records {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func newTestManager(t *testing.T, chain *fakeChain, st DepositStore) *Manager {
	t.Helper()
	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	cfg := Config{
		TreeDepth:         testDepth,
		ConfirmInterval:   time.Millisecond,
		ConfirmMaxElapsed: 200 * time.Millisecond,
	}
	m, err := NewManager(log, cfg, chain, chain, st, testEngine(t))
	require.NoError(t, err)
	return m
}

func denom01() *uint256.Int {
	// 0.1 ether in wei.
	return uint256.NewInt(100_000_000_000_000_000)
}

func TestDepositLifecycle(t *testing.T) {
	chain := newFakeChain(denom01())
	m := newTestManager(t, chain, newMemStore())
	ctx := context.Background()

	setBefore := chain.meta.AnonymitySetSize

	d, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
	require.NoError(t, err)
	require.Equal(t, types.DepositSpendable, d.State)
	require.Equal(t, uint32(setBefore), d.LeafIndex)
	require.NotEmpty(t, d.Commitment)
	require.NotEmpty(t, d.RootAtDeposit)

	pools := m.PrivacyPools(ctx)
	require.Len(t, pools, 1)
	require.Equal(t, setBefore+1, pools[0].AnonymitySetSize)
}

func TestDepositRejectsWrongDenomination(t *testing.T) {
	chain := newFakeChain(denom01())
	m := newTestManager(t, chain, newMemStore())

	_, err := m.CreateShieldedDeposit(context.Background(), uint256.NewInt(42), testPoolAddr)
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, 0, chain.broadcasts, "validation must fail before any broadcast")
}

func TestWithdrawOnceThenDoubleSpend(t *testing.T) {
	chain := newFakeChain(denom01())
	m := newTestManager(t, chain, newMemStore())
	ctx := context.Background()

	d, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
	require.NoError(t, err)

	w, err := m.CreateShieldedWithdrawal(ctx, d.ID, testRecipient)
	require.NoError(t, err)
	require.True(t, w.Amount.Eq(denom01()))
	require.Equal(t, testRecipient, w.Recipient)
	require.Len(t, w.PublicSignals, 5)

	got, err := m.Deposit(d.ID)
	require.NoError(t, err)
	require.Equal(t, types.DepositSpent, got.State)

	// Second attempt with the same deposit always fails, whatever the
	// recipient.
	_, err = m.CreateShieldedWithdrawal(ctx, d.ID, common.HexToAddress("0x3333333333333333333333333333333333333333"))
	require.ErrorIs(t, err, nullifier.ErrDoubleSpend)
}

func TestWithdrawAfterTreeAdvances(t *testing.T) {
	chain := newFakeChain(denom01())
	m := newTestManager(t, chain, newMemStore())
	ctx := context.Background()

	d, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
	require.NoError(t, err)

	// Later deposits move the root past the one recorded at deposit time;
	// the withdrawal proves against a fresh root inside the accepted window.
	for i := 0; i < 4; i++ {
		_, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
		require.NoError(t, err)
	}

	w, err := m.CreateShieldedWithdrawal(ctx, d.ID, testRecipient)
	require.NoError(t, err)
	require.False(t, w.Root.Equal(d.RootAtDeposit))
}

func TestConcurrentWithdrawalsSingleWinner(t *testing.T) {
	chain := newFakeChain(denom01())
	m := newTestManager(t, chain, newMemStore())
	ctx := context.Background()

	d, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
	require.NoError(t, err)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateShieldedWithdrawal(ctx, d.ID, testRecipient)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.True(t,
			errors.Is(err, nullifier.ErrDoubleSpend) || errors.Is(err, nullifier.ErrPending),
			"unexpected error: %v", err)
	}
	require.Equal(t, 1, wins)

	got, err := m.Deposit(d.ID)
	require.NoError(t, err)
	require.Equal(t, types.DepositSpent, got.State)
}

func TestWithdrawDetectsOnChainSpend(t *testing.T) {
	chain := newFakeChain(denom01())
	m := newTestManager(t, chain, newMemStore())
	ctx := context.Background()

	d, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
	require.NoError(t, err)

	// Some other wallet instance already spent this nullifier on chain.
	chain.mu.Lock()
	chain.spent[signalHex(d.Nullifier())] = true
	chain.mu.Unlock()

	_, err = m.CreateShieldedWithdrawal(ctx, d.ID, testRecipient)
	require.ErrorIs(t, err, nullifier.ErrDoubleSpend)

	got, err := m.Deposit(d.ID)
	require.NoError(t, err)
	require.Equal(t, types.DepositSpent, got.State, "a double-spend signal means some attempt succeeded")
}

func TestBalanceNeverInflates(t *testing.T) {
	chain := newFakeChain(denom01())
	m := newTestManager(t, chain, newMemStore())
	ctx := context.Background()

	require.Empty(t, m.ShieldedBalance())

	d1, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
	require.NoError(t, err)
	d2, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
	require.NoError(t, err)
	_ = d2

	bal := m.ShieldedBalance()
	require.Len(t, bal, 1)
	want := new(uint256.Int).Mul(denom01(), uint256.NewInt(2))
	require.True(t, bal[denom01().Dec()].Eq(want))

	_, err = m.CreateShieldedWithdrawal(ctx, d1.ID, testRecipient)
	require.NoError(t, err)

	bal = m.ShieldedBalance()
	require.True(t, bal[denom01().Dec()].Eq(denom01()))
}

func TestDepositStillPending(t *testing.T) {
	chain := newFakeChain(denom01())
	chain.neverConfirm = true
	m := newTestManager(t, chain, newMemStore())

	d, err := m.CreateShieldedDeposit(context.Background(), denom01(), testPoolAddr)
	require.ErrorIs(t, err, ErrStillPending)
	require.NotNil(t, d, "pending deposit record is returned for later reconciliation")
	require.Equal(t, types.DepositCreated, d.State)
}

func TestStorageFailureDoesNotRollBackDeposit(t *testing.T) {
	chain := newFakeChain(denom01())
	st := newMemStore()
	st.failPut = true
	m := newTestManager(t, chain, st)

	d, err := m.CreateShieldedDeposit(context.Background(), denom01(), testPoolAddr)
	require.NoError(t, err, "storage failure must not fail a confirmed deposit")
	require.Equal(t, types.DepositSpendable, d.State)
	require.Greater(t, st.putErrs, 0)

	// The deposit stays spendable in the session view.
	bal := m.ShieldedBalance()
	require.True(t, bal[denom01().Dec()].Eq(denom01()))
}

func TestWithdrawUnknownDeposit(t *testing.T) {
	chain := newFakeChain(denom01())
	m := newTestManager(t, chain, newMemStore())

	_, err := m.CreateShieldedWithdrawal(context.Background(), "nope", testRecipient)
	require.ErrorIs(t, err, ErrUnknownDeposit)
}

func TestReconcileRebuildsTreeInNewSession(t *testing.T) {
	chain := newFakeChain(denom01())
	st := newMemStore()
	m := newTestManager(t, chain, st)
	ctx := context.Background()

	d, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
	require.NoError(t, err)

	// New session, records intact but tree state empty: reconcile replays
	// the chain's event log and the deposit stays spendable.
	m2 := newTestManager(t, chain, st)
	require.NoError(t, m2.Reconcile(ctx, testPoolAddr))

	got, err := m2.Deposit(d.ID)
	require.NoError(t, err)
	require.Equal(t, types.DepositSpendable, got.State)

	w, err := m2.CreateShieldedWithdrawal(ctx, d.ID, testRecipient)
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestManagerLoadsPersistedDeposits(t *testing.T) {
	chain := newFakeChain(denom01())
	st := newMemStore()
	m := newTestManager(t, chain, st)
	ctx := context.Background()

	d, err := m.CreateShieldedDeposit(ctx, denom01(), testPoolAddr)
	require.NoError(t, err)
	_, err = m.CreateShieldedWithdrawal(ctx, d.ID, testRecipient)
	require.NoError(t, err)

	m2 := newTestManager(t, chain, st)
	got, err := m2.Deposit(d.ID)
	require.NoError(t, err)
	require.Equal(t, types.DepositSpent, got.State)

	// The spent nullifier is rehydrated into the session ledger.
	require.True(t, m2.Nullifiers().IsSpent(got.Nullifier()))
}
