// Package balance computes user balances from three sources: the escrow
// contract's confirmed balance, pending deposits still below the confirmation
// threshold, and unsettled usage records. The engine is stateless; every call
// recomputes from the current sources so there is no balance row to drift.
package balance

import (
	"context"
	"time"

	"github.com/decloud/orchestrator/pkg/credits"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
)

// ChainReader is the slice of the escrow client the engine needs.
type ChainReader interface {
	GetConfirmedBalance(ctx context.Context, wallet string) (float64, error)
}

// Summary is the full balance breakdown returned to API callers.
type Summary struct {
	ConfirmedBalance float64                 `json:"confirmed"`
	PendingDeposits  float64                 `json:"pendingDeposits"`
	PendingList      []*types.PendingDeposit `json:"pendingDepositsList"`
	Credits          float64                 `json:"credits"`
	UnpaidUsage      float64                 `json:"unpaidUsage"`
	Available        float64                 `json:"availableBalance"`
	Total            float64                 `json:"totalBalance"`
}

// Engine derives balances on demand.
type Engine struct {
	store   storage.Store
	chain   ChainReader
	credits *credits.Service
}

func NewEngine(store storage.Store, chain ChainReader, credits *credits.Service) *Engine {
	return &Engine{store: store, chain: chain, credits: credits}
}

// Summary computes the user's balance breakdown.
//
// Available is what the user can spend right now: confirmed escrow balance
// plus credits minus unpaid usage, floored at zero. Pending deposits count
// toward Total only; they are not spendable until confirmed.
func (e *Engine) Summary(ctx context.Context, userID, wallet string) (*Summary, error) {
	confirmed, err := e.chain.GetConfirmedBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}

	pendingList, err := e.store.ListPendingDepositsByWallet(wallet)
	if err != nil {
		return nil, err
	}
	var pending float64
	for _, d := range pendingList {
		pending += d.Amount
	}

	creditTotal, err := e.credits.Available(userID, time.Now())
	if err != nil {
		return nil, err
	}

	unpaid, err := e.unpaidUsage(userID)
	if err != nil {
		return nil, err
	}

	available := confirmed + creditTotal - unpaid
	if available < 0 {
		available = 0
	}

	return &Summary{
		ConfirmedBalance: confirmed,
		PendingDeposits:  pending,
		PendingList:      pendingList,
		Credits:          creditTotal,
		UnpaidUsage:      unpaid,
		Available:        available,
		Total:            confirmed + pending + creditTotal - unpaid,
	}, nil
}

// Available returns only the spendable amount.
func (e *Engine) Available(ctx context.Context, userID, wallet string) (float64, error) {
	s, err := e.Summary(ctx, userID, wallet)
	if err != nil {
		return 0, err
	}
	return s.Available, nil
}

// HasSufficient reports whether the user can cover the required amount.
func (e *Engine) HasSufficient(ctx context.Context, userID, wallet string, required float64) (bool, error) {
	available, err := e.Available(ctx, userID, wallet)
	if err != nil {
		return false, err
	}
	return available >= required, nil
}

func (e *Engine) unpaidUsage(userID string) (float64, error) {
	records, err := e.store.ListUnpaidUsageByUser(userID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, r := range records {
		total += r.TotalCost
	}
	return total, nil
}
