// Package credits manages off-chain credit grants: promo redemptions,
// referral rewards and manual grants. Credits are consumed before escrow
// balance, FIFO by expiry so the soonest-expiring grant burns first.
package credits

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

// Promo describes one redeemable code.
type Promo struct {
	Code     string
	Amount   float64
	ValidFor time.Duration // 0 = granted credit never expires
}

// DefaultPromos is the built-in promo catalog. Operators replace it via
// their own deployment tooling; codes are case-sensitive.
func DefaultPromos() []Promo {
	return []Promo{
		{Code: "WELCOME10", Amount: 10, ValidFor: 30 * 24 * time.Hour},
		{Code: "LAUNCH25", Amount: 25, ValidFor: 14 * 24 * time.Hour},
	}
}

// Service owns the credit grant aggregate.
type Service struct {
	store  storage.Store
	promos map[string]Promo
	logger zerolog.Logger
}

// NewService creates the credit service with the given promo catalog.
func NewService(store storage.Store, promos []Promo) *Service {
	catalog := make(map[string]Promo, len(promos))
	for _, p := range promos {
		catalog[p.Code] = p
	}
	return &Service{
		store:  store,
		promos: catalog,
		logger: log.WithComponent("credits"),
	}
}

// Available returns the user's total unexpired remaining credit.
func (s *Service) Available(userID string, now time.Time) (float64, error) {
	grants, err := s.store.ListCreditGrantsByUser(userID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, g := range grants {
		if !g.Expired(now) {
			total += g.RemainingAmount
		}
	}
	return total, nil
}

// Consume burns up to amount of the user's credit, soonest-expiring grants
// first, and returns how much was actually consumed.
func (s *Service) Consume(userID string, amount float64, now time.Time) (float64, error) {
	if amount <= 0 {
		return 0, nil
	}

	grants, err := s.store.ListCreditGrantsByUser(userID)
	if err != nil {
		return 0, err
	}

	var usable []*types.CreditGrant
	for _, g := range grants {
		if !g.Expired(now) && g.RemainingAmount > 0 {
			usable = append(usable, g)
		}
	}
	sort.Slice(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		// never-expiring grants sort last
		switch {
		case a.ExpiresAt.IsZero() && !b.ExpiresAt.IsZero():
			return false
		case !a.ExpiresAt.IsZero() && b.ExpiresAt.IsZero():
			return true
		case !a.ExpiresAt.Equal(b.ExpiresAt):
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	remaining := amount
	var consumed float64
	for _, g := range usable {
		if remaining <= 0 {
			break
		}
		take := g.RemainingAmount
		if take > remaining {
			take = remaining
		}

		s.store.Lock(g.ID)
		g.RemainingAmount -= take
		err := s.store.SaveCreditGrant(g)
		s.store.Unlock(g.ID)
		if err != nil {
			return consumed, err
		}

		consumed += take
		remaining -= take
	}
	return consumed, nil
}

// RedeemPromo grants the code's credit to the user. A code can be redeemed
// once per user.
func (s *Service) RedeemPromo(userID, code string) (*types.CreditGrant, error) {
	promo, ok := s.promos[code]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "unknown promo code")
	}

	existing, err := s.store.ListCreditGrantsByUser(userID)
	if err != nil {
		return nil, err
	}
	for _, g := range existing {
		if g.Type == types.CreditPromo && g.Code == code {
			return nil, errdefs.New(errdefs.KindConflict, "promo code already redeemed")
		}
	}

	grant := &types.CreditGrant{
		ID:              uuid.New().String(),
		UserID:          userID,
		Type:            types.CreditPromo,
		Code:            code,
		OriginalAmount:  promo.Amount,
		RemainingAmount: promo.Amount,
		CreatedAt:       time.Now(),
	}
	if promo.ValidFor > 0 {
		grant.ExpiresAt = grant.CreatedAt.Add(promo.ValidFor)
	}

	if err := s.store.SaveCreditGrant(grant); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", userID).Str("code", code).Float64("amount", promo.Amount).Msg("promo redeemed")
	return grant, nil
}

// ApplyReferral credits the referred user once; a second application for the
// same user reports "already referred".
func (s *Service) ApplyReferral(userID, referralCode string, amount float64) (*types.CreditGrant, error) {
	existing, err := s.store.ListCreditGrantsByUser(userID)
	if err != nil {
		return nil, err
	}
	for _, g := range existing {
		if g.Type == types.CreditReferral {
			return nil, errdefs.New(errdefs.KindConflict, "already referred")
		}
	}

	grant := &types.CreditGrant{
		ID:              uuid.New().String(),
		UserID:          userID,
		Type:            types.CreditReferral,
		Code:            referralCode,
		OriginalAmount:  amount,
		RemainingAmount: amount,
		CreatedAt:       time.Now(),
	}
	if err := s.store.SaveCreditGrant(grant); err != nil {
		return nil, err
	}
	return grant, nil
}
