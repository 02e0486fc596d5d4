package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomoyo-network/tomoyo/internal/app/contract"
	"github.com/tomoyo-network/tomoyo/internal/app/review"
	"github.com/tomoyo-network/tomoyo/internal/domain"
)

// ─── Membership ─────────────────────────────────────────────────────────────

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")

	member, err := s.lifecycle.EnrollMember(r.Context(), tenant, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":   "ok",
		"member": member,
	})
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")

	var req struct {
		Days int `json:"days"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	outcome, err := s.lifecycle.ActivateFreeze(r.Context(), tenant, user, req.Days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    string(outcome.Result),
		"outcome": outcome,
	})
}

func (s *Server) handleBlackholeStatus(w http.ResponseWriter, r *http.Request) {
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")

	status, err := s.lifecycle.BlackholeStatus(r.Context(), tenant, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !status.Enrolled {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"kind": "not_enrolled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":   "ok",
		"status": status,
	})
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")

	eligible, reason, err := s.lifecycle.WorkEligibility(r.Context(), tenant, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"kind": "ok", "eligible": eligible}
	if reason != "" {
		resp["reason"] = reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Wallets ────────────────────────────────────────────────────────────────

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	tenant, account := chi.URLParam(r, "tenant"), chi.URLParam(r, "account")

	wallet, err := s.ledger.GetOrCreateWallet(r.Context(), tenant, account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":   "ok",
		"wallet": wallet,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	tenant, account := chi.URLParam(r, "tenant"), chi.URLParam(r, "account")

	entries, err := s.ledger.History(r.Context(), tenant, account, queryInt(r, "limit", 50))
	if errors.Is(err, domain.ErrWalletNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"kind": "wallet_not_found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    "ok",
		"entries": entries,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount int64  `json:"amount"`
		Note   string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.ledger.Transfer(r.Context(), tenant, req.From, req.To, req.Amount, req.Note)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"kind": string(result)})
}

// ─── Contracts ──────────────────────────────────────────────────────────────

func (s *Server) handleAcceptContract(w http.ResponseWriter, r *http.Request) {
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")

	var terms contract.Terms
	if !decodeBody(w, r, &terms) {
		return
	}

	result, c, err := s.contracts.Accept(r.Context(), tenant, user, terms)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"kind": string(result)}
	if c != nil {
		resp["contract"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")

	var (
		c   *domain.Contract
		err error
	)
	if r.URL.Query().Get("latest") == "true" {
		c, err = s.contracts.LatestContract(r.Context(), tenant, user)
	} else {
		c, err = s.contracts.ActiveContract(r.Context(), tenant, user)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"kind": "no_contract"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":     "ok",
		"contract": c,
	})
}

func (s *Server) handleSubmitDelivery(w http.ResponseWriter, r *http.Request) {
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")

	var req struct {
		Attachments []string `json:"attachments"`
		Notes       string   `json:"notes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, c, err := s.contracts.SubmitDelivery(r.Context(), tenant, user, domain.DeliverySubmission{
		Attachments: req.Attachments,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"kind": string(result)}
	if c != nil {
		resp["contract"] = c
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Reviews ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req struct {
		Evaluatee string `json:"evaluatee"`
		Evaluator string `json:"evaluator"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, session, err := s.reviews.CreateSession(r.Context(), tenant, req.Evaluatee, req.Evaluator)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"kind": string(result)}
	if session != nil {
		resp["session"] = session
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitOutcome(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req struct {
		Evaluator  string `json:"evaluator"`
		Evaluatee  string `json:"evaluatee"`
		Score      int    `json:"score"`
		Difficulty int    `json:"difficulty"`
		Comment    string `json:"comment"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	outcome, err := s.reviews.SubmitOutcome(r.Context(), tenant, req.Evaluator, req.Evaluatee, review.Verdict{
		Score:      req.Score,
		Difficulty: req.Difficulty,
		Comment:    req.Comment,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    string(outcome.Result),
		"outcome": outcome,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenant, sessionID := chi.URLParam(r, "tenant"), chi.URLParam(r, "session")

	session, err := s.reviews.Session(r.Context(), tenant, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"kind": "session_not_found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    "ok",
		"session": session,
	})
}

func (s *Server) handleRateReviewer(w http.ResponseWriter, r *http.Request) {
	tenant, sessionID := chi.URLParam(r, "tenant"), chi.URLParam(r, "session")

	var req struct {
		Evaluatee string `json:"evaluatee"`
		Evaluator string `json:"evaluator"`
		Rating    int    `json:"rating"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.reviews.RateReviewer(r.Context(), tenant, req.Evaluatee, req.Evaluator, sessionID, req.Rating)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"kind": string(result)})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	tenant, user := chi.URLParam(r, "tenant"), chi.URLParam(r, "user")

	session, err := s.reviews.OpenSessionFor(r.Context(), tenant, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"kind": "no_open_session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    "ok",
		"session": session,
	})
}
