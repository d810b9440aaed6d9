package api

import (
	"net/http"
	"strings"

	"github.com/decloud/orchestrator/pkg/auth"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/types"
)

// handleChallenge hands out a nonce the wallet must personal-sign.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	wallet := strings.ToLower(r.URL.Query().Get("wallet"))
	if wallet == "" || types.IsZeroAddress(wallet) {
		writeError(w, errdefs.New(errdefs.KindInvalidInput, "valid wallet address required"))
		return
	}

	nonce, err := s.Challenges.Issue(wallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"wallet":  wallet,
		"nonce":   nonce,
		"message": auth.ChallengeMessage(wallet, nonce),
	})
}

type loginRequest struct {
	Wallet    string `json:"wallet"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// handleLogin verifies the signed challenge and mints a tenant token. The
// wallet address is the user identity everywhere downstream.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.Challenges.Redeem(req.Wallet, req.Nonce); err != nil {
		writeError(w, err)
		return
	}
	if err := auth.VerifyWalletSignature(req.Wallet, req.Nonce, req.Signature); err != nil {
		writeError(w, err)
		return
	}

	token, err := s.Tokens.Issue(strings.ToLower(req.Wallet), auth.RoleUser)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str("wallet", strings.ToLower(req.Wallet)).Msg("tenant logged in")
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleCreateAPIKey mints a long-lived key bound to the caller's identity,
// for CLI and automation use where interactive wallet login is impractical.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	claims, err := subject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	key, err := s.Tokens.IssueAPIKey(claims.Subject, claims.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"apiKey": key})
}
