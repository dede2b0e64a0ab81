package routing

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/bzwallet/shieldpool/types"
	"github.com/bzwallet/shieldpool/utils"
)

// Spender is the pool-manager surface the router needs. The router sits
// above the manager; nothing below ever calls back up.
type Spender interface {
	Deposit(id string) (*types.ShieldedDeposit, error)
	CreateShieldedWithdrawal(ctx context.Context, depositID string, recipient common.Address) (*types.ShieldedWithdrawal, error)
}

// Route is the recommended transaction path.
type Route string

const (
	RoutePublic  Route = "public"
	RoutePrivate Route = "private"
	RouteMixed   Route = "mixed"
)

// Recommendation is the routing verdict with its reasoning, suitable for
// showing to the user before they commit.
type Recommendation struct {
	Route        Route
	PrivacyScore int // 0..100
	Reasons      []string
}

// RouteRequest carries the routing inputs. RecipientPrefersPrivate is a
// tri-state: nil means the preference is unknown.
type RouteRequest struct {
	Recipient               common.Address
	Amount                  *uint256.Int // wei
	RecipientPrefersPrivate *bool
	ForcePrivate            bool
}

// Amount thresholds, in wei.
var (
	largeAmount = uint256.NewInt(1_000_000_000_000_000_000) // 1 ether
	midAmount   = uint256.NewInt(10_000_000_000_000_000)    // 0.01 ether
	dustAmount  = uint256.NewInt(1_000_000_000_000_000)     // 0.001 ether
)

// RecommendRoute is a deterministic function of amount magnitude, recipient
// preference and the explicit override. Unknown preference breaks ties
// toward the more private option.
func RecommendRoute(req RouteRequest) Recommendation {
	score := 50
	var reasons []string

	switch {
	case req.Amount == nil || req.Amount.IsZero():
		score -= 30
		reasons = append(reasons, "zero or missing amount")
	case req.Amount.Lt(dustAmount):
		score -= 30
		reasons = append(reasons, "dust-sized amount; shielding overhead outweighs the privacy gain")
	case req.Amount.Cmp(largeAmount) >= 0:
		score += 30
		reasons = append(reasons, "large amount; on-chain linkage is most damaging for large transfers")
	case req.Amount.Cmp(midAmount) >= 0:
		score += 10
		reasons = append(reasons, "mid-sized amount")
	}

	switch {
	case req.RecipientPrefersPrivate == nil:
		score += 5
		reasons = append(reasons, "recipient preference unknown; defaulting toward privacy")
	case *req.RecipientPrefersPrivate:
		score += 25
		reasons = append(reasons, "recipient accepts private payments")
	default:
		score -= 25
		reasons = append(reasons, "recipient prefers public payments")
	}

	if req.ForcePrivate {
		score = 100
		reasons = append(reasons, "user forced private routing")
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	route := RouteMixed
	switch {
	case score >= 70:
		route = RoutePrivate
	case score <= 40:
		route = RoutePublic
	}
	return Recommendation{Route: route, PrivacyScore: score, Reasons: reasons}
}

// Quote pins the routing decision and the alias it was made under. A quote
// is only submittable while that alias is still the active one.
type Quote struct {
	ID             string
	AliasID        string
	Recipient      common.Address
	Amount         *uint256.Int
	Recommendation Recommendation
	CreatedAt      time.Time
}

// QuotePrivateSend prepares a private send under the currently active
// alias. The returned quote must be submitted before the active alias
// changes, otherwise SendPrivateWithAlias rejects it.
func (r *Router) QuotePrivateSend(recipient common.Address, amount *uint256.Int, req RouteRequest) (*Quote, error) {
	active, err := r.ActiveAlias()
	if err != nil {
		return nil, err
	}
	return &Quote{
		ID:             hex.EncodeToString(utils.RandBytes(16)),
		AliasID:        active.AliasID,
		Recipient:      recipient,
		Amount:         amount.Clone(),
		Recommendation: RecommendRoute(req),
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// SendPrivateWithAlias spends one note from the quoted alias's note-set to
// the quoted recipient. If the active alias changed between quote and
// submit the send is rejected with ErrAliasChanged; the caller re-quotes.
// Notes are never drawn from another alias's set.
func (r *Router) SendPrivateWithAlias(ctx context.Context, quote *Quote) (*types.ShieldedWithdrawal, error) {
	r.mu.Lock()
	if r.active != quote.AliasID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: quoted %s, active %s", ErrAliasChanged, quote.AliasID, r.active)
	}
	entry, ok := r.aliases[quote.AliasID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownAlias
	}
	noteIDs := make([]string, 0, len(entry.notes))
	for id := range entry.notes {
		noteIDs = append(noteIDs, id)
	}
	r.mu.Unlock()

	for _, id := range noteIDs {
		d, err := r.spender.Deposit(id)
		if err != nil || !d.Spendable() || !d.Amount.Eq(quote.Amount) {
			continue
		}
		w, err := r.spender.CreateShieldedWithdrawal(ctx, id, quote.Recipient)
		if err != nil {
			return nil, err
		}
		r.log.Info().Str("alias", quote.AliasID).Str("quote", quote.ID).
			Msg("private send submitted")
		return w, nil
	}
	return nil, fmt.Errorf("%w: amount %s", ErrNoSpendableNote, quote.Amount)
}
