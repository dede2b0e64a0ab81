// Package nullifier tracks spent nullifiers for a wallet session.
//
// The confirmed set mirrors what the chain has accepted and is the local
// source of truth for "already withdrawn". The pending set is advisory: it
// stops one client from double-submitting the same nullifier while a
// withdrawal is in flight, and is always released on failure or cancel.
package nullifier

import (
	"errors"
	"sync"

	"github.com/bzwallet/shieldpool/types"
)

var (
	ErrDoubleSpend = errors.New("nullifier: already spent")
	ErrPending     = errors.New("nullifier: spend already in flight")
)

// Ledger is safe for concurrent use. RecordSpent is the single write path
// into the confirmed set: two racing callers on the same nullifier get
// exactly one success and one ErrDoubleSpend.
type Ledger struct {
	mu      sync.Mutex
	spent   map[[32]byte]struct{}
	pending map[[32]byte]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		spent:   make(map[[32]byte]struct{}),
		pending: make(map[[32]byte]struct{}),
	}
}

// IsSpent reports whether the nullifier is in the confirmed set.
func (l *Ledger) IsSpent(n types.Nullifier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.spent[n.Key()]
	return ok
}

// RecordSpent moves a nullifier into the confirmed set. A second call for
// the same nullifier fails with ErrDoubleSpend. Any pending entry for the
// nullifier is consumed.
func (l *Ledger) RecordSpent(n types.Nullifier) error {
	key := n.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.spent[key]; ok {
		return ErrDoubleSpend
	}
	l.spent[key] = struct{}{}
	delete(l.pending, key)
	return nil
}

// Acquire reserves a nullifier for an in-flight withdrawal. It acts as a
// local mutex keyed by nullifier: spends against the same deposit are
// serialized within one wallet instance. Fails with ErrDoubleSpend if the
// nullifier is already confirmed spent, ErrPending if another attempt holds
// the reservation.
func (l *Ledger) Acquire(n types.Nullifier) error {
	key := n.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.spent[key]; ok {
		return ErrDoubleSpend
	}
	if _, ok := l.pending[key]; ok {
		return ErrPending
	}
	l.pending[key] = struct{}{}
	return nil
}

// Release drops a pending reservation so a legitimate retry can proceed.
// Releasing a nullifier that is not pending is a no-op.
func (l *Ledger) Release(n types.Nullifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, n.Key())
}

// IsPending reports whether a spend of the nullifier is in flight.
func (l *Ledger) IsPending(n types.Nullifier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[n.Key()]
	return ok
}

// SpentCount returns the size of the confirmed set.
func (l *Ledger) SpentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.spent)
}
