package api

import (
	"net/http"
	"time"

	"github.com/decloud/orchestrator/pkg/types"
)

// referralBonus is the USDC credited when a referral code is applied.
const referralBonus = 5.0

type pendingDepositView struct {
	TxHash        string    `json:"txHash"`
	Amount        float64   `json:"amount"`
	BlockNumber   uint64    `json:"blockNumber"`
	Confirmations uint64    `json:"confirmations"`
	Required      uint64    `json:"required"`
	FirstSeenAt   time.Time `json:"firstSeenAt"`
}

type balanceView struct {
	Confirmed       float64              `json:"confirmed"`
	PendingDeposits float64              `json:"pendingDeposits"`
	PendingList     []pendingDepositView `json:"pendingDepositsList"`
	Credits         float64              `json:"credits"`
	UnpaidUsage     float64              `json:"unpaidUsage"`
	Available       float64              `json:"availableBalance"`
	Total           float64              `json:"totalBalance"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	claims, err := subject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// user identity is the wallet address
	summary, err := s.Balances.Summary(r.Context(), claims.Subject, claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}

	view := balanceView{
		Confirmed:       summary.ConfirmedBalance,
		PendingDeposits: summary.PendingDeposits,
		PendingList:     make([]pendingDepositView, 0, len(summary.PendingList)),
		Credits:         summary.Credits,
		UnpaidUsage:     summary.UnpaidUsage,
		Available:       summary.Available,
		Total:           summary.Total,
	}
	for _, d := range summary.PendingList {
		view.PendingList = append(view.PendingList, pendingDepositView{
			TxHash:        d.TxHash,
			Amount:        d.Amount,
			BlockNumber:   d.BlockNumber,
			Confirmations: d.Confirmations,
			Required:      s.RequiredConfirmations,
			FirstSeenAt:   d.FirstSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

type creditView struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Code      string     `json:"code,omitempty"`
	Original  float64    `json:"originalAmount"`
	Remaining float64    `json:"remainingAmount"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleListCredits(w http.ResponseWriter, r *http.Request) {
	claims, err := subject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	grants, err := s.Store.ListCreditGrantsByUser(claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	available, err := s.Credits.Available(claims.Subject, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]creditView, 0, len(grants))
	for _, g := range grants {
		views = append(views, grantView(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": available,
		"grants":    views,
	})
}

func grantView(g *types.CreditGrant) creditView {
	v := creditView{
		ID:        g.ID,
		Type:      string(g.Type),
		Code:      g.Code,
		Original:  g.OriginalAmount,
		Remaining: g.RemainingAmount,
	}
	if !g.ExpiresAt.IsZero() {
		expires := g.ExpiresAt
		v.ExpiresAt = &expires
	}
	return v
}

type codeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleRedeemPromo(w http.ResponseWriter, r *http.Request) {
	claims, err := subject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req codeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	grant, err := s.Credits.RedeemPromo(claims.Subject, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantView(grant))
}

func (s *Server) handleReferral(w http.ResponseWriter, r *http.Request) {
	claims, err := subject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req codeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	grant, err := s.Credits.ApplyReferral(claims.Subject, req.Code, referralBonus)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantView(grant))
}
