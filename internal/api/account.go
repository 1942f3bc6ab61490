package api

import (
	"net/http"
	"strconv"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/ledger"
)

type accountResponse struct {
	ledger.Account
	Available clone.Credits `json:"available"`
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Accounts.Account(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": accountResponse{acct, acct.Available()}})
}

func (s *Server) openAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.deps.Accounts.OpenAccount(r.Context(), ownerFrom(r.Context()), req.PlanTier)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"account": accountResponse{acct, acct.Available()}})
}

// creditAccount adds purchased, refunded, or adjusted credits. Proxy credits
// only arrive through settlement.
func (s *Server) creditAccount(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.deps.Accounts.Credit(r.Context(), ledger.CreditRequest{
		OwnerID:     ownerFrom(r.Context()),
		Amount:      req.Amount,
		Source:      ledger.Source(req.Source),
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": accountResponse{acct, acct.Available()}})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			s.fail(w, r, &clone.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = min(val, maxListLimit)
	}
	txns, err := s.deps.Accounts.Transactions(r.Context(), ownerFrom(r.Context()), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}
