// Package pool orchestrates the shielded deposit and withdrawal
// lifecycles: Created -> Confirmed -> Spendable -> Spent. It composes the
// Merkle tree, the nullifier ledger and the proof engine, and talks to the
// chain only through the LedgerSigner and ChainReader boundaries.
package pool

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/bzwallet/shieldpool/merkle"
	"github.com/bzwallet/shieldpool/nullifier"
	"github.com/bzwallet/shieldpool/types"
	"github.com/bzwallet/shieldpool/utils"
	"github.com/bzwallet/shieldpool/zkproof"
)

// Config carries the manager's tunables. Zero values resolve to defaults
// at construction, not at call sites.
type Config struct {
	TreeDepth         int
	ConfirmInterval   time.Duration // initial confirmation poll interval
	ConfirmMaxElapsed time.Duration // total confirmation budget before ErrStillPending
	WithdrawalFee     *uint256.Int
	Network           string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TreeDepth:         20,
		ConfirmInterval:   500 * time.Millisecond,
		ConfirmMaxElapsed: 30 * time.Second,
		WithdrawalFee:     uint256.NewInt(0),
		Network:           "mainnet",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TreeDepth == 0 {
		c.TreeDepth = def.TreeDepth
	}
	if c.ConfirmInterval == 0 {
		c.ConfirmInterval = def.ConfirmInterval
	}
	if c.ConfirmMaxElapsed == 0 {
		c.ConfirmMaxElapsed = def.ConfirmMaxElapsed
	}
	if c.WithdrawalFee == nil {
		c.WithdrawalFee = def.WithdrawalFee
	}
	if c.Network == "" {
		c.Network = def.Network
	}
	return c
}

// Manager owns all mutable pool state for one wallet session. It is safe
// for concurrent use; spends against the same deposit are serialized by
// the nullifier ledger's pending set.
type Manager struct {
	log        zerolog.Logger
	cfg        Config
	signer     LedgerSigner
	reader     ChainReader
	store      DepositStore
	engine     *zkproof.Engine
	nullifiers *nullifier.Ledger

	mu       sync.Mutex
	trees    map[common.Address]*merkle.Tree
	pools    map[common.Address]*types.PrivacyPool
	deposits map[string]*types.ShieldedDeposit
}

// NewManager wires a manager from its collaborators and loads any locally
// persisted deposits.
func NewManager(log zerolog.Logger, cfg Config, signer LedgerSigner, reader ChainReader, st DepositStore, engine *zkproof.Engine) (*Manager, error) {
	cfg = cfg.withDefaults()
	if engine.Depth() != cfg.TreeDepth {
		return nil, fmt.Errorf("%w: engine depth %d, config depth %d",
			ErrValidation, engine.Depth(), cfg.TreeDepth)
	}

	m := &Manager{
		log:        log,
		cfg:        cfg,
		signer:     signer,
		reader:     reader,
		store:      st,
		engine:     engine,
		nullifiers: nullifier.NewLedger(),
		trees:      make(map[common.Address]*merkle.Tree),
		pools:      make(map[common.Address]*types.PrivacyPool),
		deposits:   make(map[string]*types.ShieldedDeposit),
	}

	persisted, err := st.List()
	if err != nil {
		// Storage loss is advisory; Reconcile recovers what it can.
		log.Warn().Err(err).Msg("could not load persisted deposits")
	}
	for _, d := range persisted {
		m.deposits[d.ID] = d
		if d.State == types.DepositSpent {
			_ = m.nullifiers.RecordSpent(d.Nullifier())
		}
	}
	return m, nil
}

// Nullifiers exposes the session's nullifier ledger.
func (m *Manager) Nullifiers() *nullifier.Ledger { return m.nullifiers }

// CreateShieldedDeposit deposits amount into the pool at poolAddr. The
// amount must equal the pool's denomination exactly. On a confirmation
// budget overrun the deposit is returned in the created state together
// with ErrStillPending; funds may still land.
func (m *Manager) CreateShieldedDeposit(ctx context.Context, amount *uint256.Int, poolAddr common.Address) (*types.ShieldedDeposit, error) {
	meta, err := m.poolMetadata(ctx, poolAddr)
	if err != nil {
		return nil, err
	}
	if !meta.IsActive {
		return nil, fmt.Errorf("%w: pool %s is not active", ErrValidation, poolAddr)
	}
	if !meta.SupportsAmount(amount) {
		return nil, fmt.Errorf("%w: amount %s does not match pool denomination %s",
			ErrValidation, amount, meta.Denomination)
	}

	secret := zkproof.RandomFieldElement()
	seed := zkproof.RandomFieldElement()
	commitment := types.ComputeCommitment(secret, seed, amount)

	deposit := &types.ShieldedDeposit{
		ID:            hex.EncodeToString(utils.RandBytes(16)),
		Amount:        amount.Clone(),
		Commitment:    commitment,
		Secret:        secret,
		NullifierSeed: seed,
		Timestamp:     time.Now().UTC(),
		PoolAddress:   poolAddr,
		State:         types.DepositCreated,
	}

	txHash, err := m.signer.BroadcastDeposit(ctx, poolAddr, commitment, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: broadcast deposit: %v", ErrNetwork, err)
	}
	deposit.TxHash = txHash

	receipt, err := m.waitForConfirmation(ctx, txHash)
	if err != nil {
		// Funds may have moved; keep the record so Reconcile can finish
		// the bookkeeping later.
		m.rememberDeposit(deposit)
		return deposit, err
	}

	deposit.State = types.DepositConfirmed
	deposit.LeafIndex = receipt.LeafIndex

	if err := m.syncTree(ctx, poolAddr, deposit); err != nil {
		m.rememberDeposit(deposit)
		return deposit, err
	}
	deposit.RootAtDeposit = m.tree(poolAddr).CurrentRoot()
	deposit.State = types.DepositSpendable

	m.mu.Lock()
	meta.AnonymitySetSize++
	m.mu.Unlock()

	m.rememberDeposit(deposit)
	m.log.Info().Str("id", deposit.ID).Uint32("leaf", deposit.LeafIndex).
		Stringer("pool", poolAddr).Msg("shielded deposit confirmed")
	return deposit, nil
}

// CreateShieldedWithdrawal spends the deposit to recipient. The deposit
// must be spendable; its nullifier is reserved for the duration of the
// attempt and released on every failure path except a confirmed spend.
func (m *Manager) CreateShieldedWithdrawal(ctx context.Context, depositID string, recipient common.Address) (*types.ShieldedWithdrawal, error) {
	// State is written by markSpent under the lock; read it there too.
	m.mu.Lock()
	deposit, ok := m.deposits[depositID]
	var state types.DepositState
	if ok {
		state = deposit.State
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownDeposit
	}
	if state == types.DepositSpent {
		return nil, fmt.Errorf("%w: deposit already spent", nullifier.ErrDoubleSpend)
	}
	if state != types.DepositSpendable {
		return nil, fmt.Errorf("%w: state %s", ErrNotSpendable, state)
	}

	nh := deposit.Nullifier()
	if err := m.nullifiers.Acquire(nh); err != nil {
		if errors.Is(err, nullifier.ErrDoubleSpend) {
			m.markSpent(deposit)
		}
		return nil, err
	}

	// The on-chain nullifier set is authoritative; a hit means some
	// earlier attempt succeeded, so the deposit is spent regardless of
	// how this attempt ends.
	spentOnChain, err := m.reader.IsNullifierSpent(ctx, deposit.PoolAddress, nh)
	if err != nil {
		m.nullifiers.Release(nh)
		return nil, fmt.Errorf("%w: nullifier check: %v", ErrNetwork, err)
	}
	if spentOnChain {
		m.nullifiers.Release(nh)
		_ = m.nullifiers.RecordSpent(nh)
		m.markSpent(deposit)
		return nil, fmt.Errorf("%w: nullifier already on chain", nullifier.ErrDoubleSpend)
	}

	if err := m.syncTree(ctx, deposit.PoolAddress, nil); err != nil {
		m.nullifiers.Release(nh)
		return nil, err
	}
	tree := m.tree(deposit.PoolAddress)
	path, err := tree.PathTo(deposit.LeafIndex)
	if err != nil {
		m.nullifiers.Release(nh)
		return nil, fmt.Errorf("%w: merkle path: %v", ErrValidation, err)
	}
	root := tree.CurrentRoot()

	res, err := m.engine.GenerateWithdrawalProof(ctx, &zkproof.ProofRequest{
		Secret:        deposit.Secret,
		NullifierSeed: deposit.NullifierSeed,
		Path:          path,
		Root:          root,
		Recipient:     recipient,
		Amount:        deposit.Amount,
		Fee:           m.cfg.WithdrawalFee,
	})
	if err != nil {
		// Retryable; the reservation must not outlive the attempt.
		m.nullifiers.Release(nh)
		return nil, err
	}

	if !m.engine.VerifyResult(res) {
		m.nullifiers.Release(nh)
		return nil, ErrProofVerification
	}

	// Proving can take seconds and deposits may advance the tree meanwhile.
	// The contract accepts the last RootHistorySize roots, so broadcast only
	// while the proving root is still inside that window.
	if !tree.IsKnownRoot(root) {
		m.nullifiers.Release(nh)
		return nil, fmt.Errorf("%w: proving root evicted; re-sync and retry", ErrValidation)
	}

	contractProof := zkproof.FormatProofForContract(res)
	txHash, err := m.signer.BroadcastWithdrawal(ctx, deposit.PoolAddress, contractProof, recipient)
	if err != nil {
		m.nullifiers.Release(nh)
		return nil, fmt.Errorf("%w: broadcast withdrawal: %v", ErrNetwork, err)
	}

	receipt, err := m.waitForConfirmation(ctx, txHash)
	if err != nil {
		if errors.Is(err, ErrStillPending) {
			// Keep the reservation: a blind re-broadcast from this client
			// would be the exact double-submit the pending set prevents.
			return nil, err
		}
		m.nullifiers.Release(nh)
		return nil, err
	}

	if err := m.nullifiers.RecordSpent(nh); err != nil {
		// Lost a race with another local path; the chain accepted one
		// spend either way.
		m.log.Warn().Err(err).Msg("nullifier recorded concurrently")
	}
	m.markSpent(deposit)

	proofBytes, err := res.Bytes()
	if err != nil {
		m.log.Warn().Err(err).Msg("could not serialize proof for the withdrawal record")
	}

	w := &types.ShieldedWithdrawal{
		ID:            hex.EncodeToString(utils.RandBytes(16)),
		Amount:        deposit.Amount.Clone(),
		Recipient:     recipient,
		NullifierHash: nh,
		ProofBytes:    proofBytes,
		PublicSignals: res.PublicSignals,
		Root:          root,
		Fee:           m.cfg.WithdrawalFee.Clone(),
		TxHash:        receipt.TxHash,
		Timestamp:     time.Now().UTC(),
	}
	m.log.Info().Str("deposit", deposit.ID).Stringer("recipient", recipient).
		Msg("shielded withdrawal confirmed")
	return w, nil
}

// ShieldedBalance sums all locally known spendable deposits grouped by
// denomination (decimal string). Spent deposits are never counted, so the
// view can under-report after storage loss but never over-report.
func (m *Manager) ShieldedBalance() map[string]*uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*uint256.Int)
	for _, d := range m.deposits {
		if !d.Spendable() {
			continue
		}
		key := d.Amount.Dec()
		if total, ok := out[key]; ok {
			total.Add(total, d.Amount)
		} else {
			out[key] = d.Amount.Clone()
		}
	}
	return out
}

// PrivacyPools lists known pools. Metadata is re-read from the chain so
// anonymity-set sizes are current; on network failure the cached copy is
// returned with a warning.
func (m *Manager) PrivacyPools(ctx context.Context) []*types.PrivacyPool {
	m.mu.Lock()
	addrs := make([]common.Address, 0, len(m.pools))
	for addr := range m.pools {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	out := make([]*types.PrivacyPool, 0, len(addrs))
	for _, addr := range addrs {
		fresh, err := m.reader.PoolMetadata(ctx, addr)
		if err != nil {
			m.log.Warn().Stringer("pool", addr).Err(err).Msg("using cached pool metadata")
			m.mu.Lock()
			out = append(out, m.pools[addr])
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		m.pools[addr] = fresh
		m.mu.Unlock()
		out = append(out, fresh)
	}
	return out
}

// Deposit returns the local record for id.
func (m *Manager) Deposit(id string) (*types.ShieldedDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok {
		return nil, ErrUnknownDeposit
	}
	return d, nil
}

// Reconcile replays on-chain deposit events for the pool, rebuilding the
// local tree and correcting leaf indices of owned deposits. It is the
// best-effort recovery path after local storage loss; deposits whose
// secrets are gone stay unspendable.
func (m *Manager) Reconcile(ctx context.Context, poolAddr common.Address) error {
	events, err := m.reader.DepositEvents(ctx, poolAddr)
	if err != nil {
		return fmt.Errorf("%w: deposit events: %v", ErrNetwork, err)
	}

	tree := merkle.New(m.cfg.TreeDepth)
	byCommitment := make(map[string]*types.ShieldedDeposit)
	m.mu.Lock()
	for _, d := range m.deposits {
		if d.PoolAddress == poolAddr {
			byCommitment[string(d.Commitment)] = d
		}
	}
	m.mu.Unlock()

	recovered := 0
	for _, ev := range events {
		idx, err := tree.InsertLeaf(ev.Commitment)
		if err != nil {
			return fmt.Errorf("replay leaf %d: %w", ev.LeafIndex, err)
		}
		if idx != ev.LeafIndex {
			return fmt.Errorf("%w: event order mismatch at leaf %d", ErrValidation, ev.LeafIndex)
		}
		if d, ok := byCommitment[string(ev.Commitment)]; ok {
			m.mu.Lock()
			fixed := d.LeafIndex != idx || d.State == types.DepositCreated
			if fixed {
				d.LeafIndex = idx
				if d.State == types.DepositCreated || d.State == types.DepositConfirmed {
					d.State = types.DepositSpendable
				}
				d.RootAtDeposit = tree.CurrentRoot()
			}
			m.mu.Unlock()
			if fixed {
				m.persistBestEffort(d)
				recovered++
			}
		}
	}

	m.mu.Lock()
	m.trees[poolAddr] = tree
	if meta, ok := m.pools[poolAddr]; ok {
		meta.AnonymitySetSize = tree.Size()
	}
	m.mu.Unlock()

	m.log.Info().Stringer("pool", poolAddr).Int("events", len(events)).
		Int("recovered", recovered).Msg("pool reconciled")
	return nil
}

// waitForConfirmation polls TxReceipt with bounded exponential backoff.
// Exhausting the budget yields ErrStillPending, not a hard failure.
func (m *Manager) waitForConfirmation(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ConfirmInterval
	bo.MaxElapsedTime = m.cfg.ConfirmMaxElapsed

	var receipt *Receipt
	notIncluded := errors.New("not yet included")
	err := backoff.Retry(func() error {
		r, err := m.reader.TxReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		if !r.Included {
			return notIncluded
		}
		receipt = r
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: tx %s", ErrStillPending, txHash)
	}
	return receipt, nil
}

// syncTree brings the local tree for poolAddr up to the chain's leaf set.
// When forDeposit is non-nil its commitment must land at the receipt's
// index; a mismatch means confirmations arrived out of local-submission
// order and the authoritative event log wins.
func (m *Manager) syncTree(ctx context.Context, poolAddr common.Address, forDeposit *types.ShieldedDeposit) error {
	tree := m.tree(poolAddr)
	if forDeposit != nil && tree.Size() > uint64(forDeposit.LeafIndex) {
		return nil
	}

	events, err := m.reader.DepositEvents(ctx, poolAddr)
	if err != nil {
		return fmt.Errorf("%w: deposit events: %v", ErrNetwork, err)
	}
	for _, ev := range events {
		if uint64(ev.LeafIndex) < tree.Size() {
			continue
		}
		idx, err := tree.InsertLeaf(ev.Commitment)
		if err != nil {
			return fmt.Errorf("sync leaf %d: %w", ev.LeafIndex, err)
		}
		if idx != ev.LeafIndex {
			return fmt.Errorf("%w: event order mismatch at leaf %d", ErrValidation, ev.LeafIndex)
		}
		if forDeposit != nil && idx == forDeposit.LeafIndex &&
			!ev.Commitment.Equal(forDeposit.Commitment) {
			return fmt.Errorf("%w: chain has a different commitment at leaf %d",
				ErrValidation, idx)
		}
	}
	return nil
}

func (m *Manager) tree(poolAddr common.Address) *merkle.Tree {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trees[poolAddr]
	if !ok {
		t = merkle.New(m.cfg.TreeDepth)
		m.trees[poolAddr] = t
	}
	return t
}

func (m *Manager) poolMetadata(ctx context.Context, poolAddr common.Address) (*types.PrivacyPool, error) {
	m.mu.Lock()
	meta, ok := m.pools[poolAddr]
	m.mu.Unlock()
	if ok {
		return meta, nil
	}
	meta, err := m.reader.PoolMetadata(ctx, poolAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: pool metadata: %v", ErrNetwork, err)
	}
	m.mu.Lock()
	m.pools[poolAddr] = meta
	m.mu.Unlock()
	return meta, nil
}

func (m *Manager) rememberDeposit(d *types.ShieldedDeposit) {
	m.mu.Lock()
	m.deposits[d.ID] = d
	m.mu.Unlock()
	m.persistBestEffort(d)
}

// markSpent is terminal; once spent a deposit can never return to the
// spendable state, so the balance view cannot over-report.
func (m *Manager) markSpent(d *types.ShieldedDeposit) {
	m.mu.Lock()
	d.State = types.DepositSpent
	m.mu.Unlock()
	m.persistBestEffort(d)
}

// persistBestEffort writes the record, logging instead of failing: a local
// storage error must never roll back an operation whose funds already
// moved on chain.
func (m *Manager) persistBestEffort(d *types.ShieldedDeposit) {
	if err := m.store.Put(d); err != nil {
		m.log.Warn().Str("id", d.ID).Err(err).
			Msg("deposit record not persisted; local bookkeeping may be incomplete")
	}
}
