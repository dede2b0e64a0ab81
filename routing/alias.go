// Package routing sits in front of the pool manager. It owns the wallet's
// aliases, recommends a route (public, private or mixed) per transaction,
// and drives private sends through the active alias's note-set.
package routing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards"
	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/consensys/gnark-crypto/signature"
	"github.com/rs/zerolog"

	"github.com/bzwallet/shieldpool/types"
	"github.com/bzwallet/shieldpool/utils"
)

var (
	ErrUnknownAlias    = errors.New("routing: unknown alias")
	ErrAliasChanged    = errors.New("routing: active alias changed since quote")
	ErrNoSpendableNote = errors.New("routing: no spendable note for amount under this alias")
	ErrBadName         = errors.New("routing: alias name must not be empty")
)

// aliasEntry pairs the public Alias record with the key material and
// note-set that never leave the router.
type aliasEntry struct {
	alias  *types.Alias
	signer signature.Signer
	notes  map[string]struct{} // deposit ids bound to this alias
}

// Router owns alias state for one wallet session. Safe for concurrent use.
type Router struct {
	log     zerolog.Logger
	spender Spender

	mu      sync.Mutex
	aliases map[string]*aliasEntry
	active  string
}

// NewRouter wires a router over the pool manager (or any Spender).
func NewRouter(log zerolog.Logger, spender Spender) *Router {
	return &Router{
		log:     log,
		spender: spender,
		aliases: make(map[string]*aliasEntry),
	}
}

// CreateAlias mints a new routing identity: a fresh jubjub keypair whose
// public point hash becomes the alias address. The first alias created
// becomes the active one.
func (r *Router) CreateAlias(name string) (*types.Alias, error) {
	if name == "" {
		return nil, ErrBadName
	}

	prvKey, err := eddsa.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("alias keypair: %w", err)
	}

	var p twistededwards.PointAffine
	if _, err := p.SetBytes(prvKey.Public().Bytes()); err != nil {
		return nil, fmt.Errorf("alias public key: %w", err)
	}
	x := p.X.Bytes()
	y := p.Y.Bytes()

	alias := &types.Alias{
		AliasID:     hex.EncodeToString(utils.RandBytes(16)),
		DisplayName: name,
		Address:     types.EncodeAliasAddress(utils.MiMCHash(x[:], y[:])),
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		alias.IsActive = true
		r.active = alias.AliasID
	}
	r.aliases[alias.AliasID] = &aliasEntry{
		alias:  alias,
		signer: prvKey,
		notes:  make(map[string]struct{}),
	}
	r.log.Info().Str("alias", alias.AliasID).Str("name", name).Msg("alias created")
	return alias, nil
}

// SetActiveAlias switches which note-set future private sends draw from.
func (r *Router) SetActiveAlias(aliasID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.aliases[aliasID]
	if !ok {
		return ErrUnknownAlias
	}
	if prev, ok := r.aliases[r.active]; ok {
		prev.alias.IsActive = false
	}
	next.alias.IsActive = true
	r.active = aliasID
	return nil
}

// ActiveAlias returns the alias future private sends draw from.
func (r *Router) ActiveAlias() (*types.Alias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.aliases[r.active]
	if !ok {
		return nil, ErrUnknownAlias
	}
	return e.alias, nil
}

// Aliases lists all aliases; order is not guaranteed.
func (r *Router) Aliases() []*types.Alias {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Alias, 0, len(r.aliases))
	for _, e := range r.aliases {
		out = append(out, e.alias)
	}
	return out
}

// BindDeposit attaches a deposit's note to an alias. A note belongs to
// exactly one alias; rebinding moves it.
func (r *Router) BindDeposit(aliasID, depositID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.aliases[aliasID]
	if !ok {
		return ErrUnknownAlias
	}
	for id, other := range r.aliases {
		if id != aliasID {
			delete(other.notes, depositID)
		}
	}
	e.notes[depositID] = struct{}{}
	return nil
}

// NotesFor returns the deposit ids bound to an alias.
func (r *Router) NotesFor(aliasID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.aliases[aliasID]
	if !ok {
		return nil, ErrUnknownAlias
	}
	out := make([]string, 0, len(e.notes))
	for id := range e.notes {
		out = append(out, id)
	}
	return out, nil
}
