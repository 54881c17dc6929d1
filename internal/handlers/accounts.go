package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/contracts"
	"github.com/GiorgiUbiria/notary_ledger/internal/httputil"
	"github.com/GiorgiUbiria/notary_ledger/internal/ledger"
)

type IssueContractRequest struct {
	ServerID string `json:"server_id"`
	// Body is the YAML contract definition.
	Body          string `json:"body"`
	IssueForNymID string `json:"issue_for_nym_id"`
}

func (h *Handler) IssueContract(w http.ResponseWriter, r *http.Request) {
	var req IssueContractRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	c, err := h.svc.Contracts.Issue(r.Context(), contracts.IssueRequest{
		NymID:         actor(r),
		ServerID:      req.ServerID,
		Body:          []byte(req.Body),
		IssueForNymID: req.IssueForNymID,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, c)
}

func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Contracts.List(r.Context(), r.URL.Query().Get("server"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) ParseAmount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	units, err := h.svc.Contracts.StringToAmount(r.Context(), id, r.URL.Query().Get("text"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"contract_id": id, "amount": units})
}

func (h *Handler) FormatAmount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	units, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.InvalidArgument, "http.format_amount", err))
		return
	}
	symbol, _ := strconv.ParseBool(q.Get("symbol"))
	text, err := h.svc.Contracts.FormatAmount(r.Context(), id, units, symbol)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"contract_id": id, "amount": units, "text": text})
}

type CreateAccountRequest struct {
	ServerID   string `json:"server_id"`
	ContractID string `json:"contract_id"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	acct, err := h.svc.Ledger.CreateAccount(r.Context(), actor(r), req.ContractID, req.ServerID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acct)
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.svc.Ledger.ListByNym(r.Context(), actor(r))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accts)
}

// ownAccount loads the {id} account and checks the caller owns it.
func (h *Handler) ownAccount(r *http.Request) (ledger.Account, error) {
	acct, err := h.svc.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return acct, err
	}
	if acct.NymID != actor(r) {
		return acct, apperr.E(apperr.OwnershipMismatch, "http.account", "account %s belongs to another nym", acct.ID)
	}
	return acct, nil
}

type BalanceResponse struct {
	AccountID  string `json:"account_id"`
	ContractID string `json:"contract_id"`
	Balance    int64  `json:"balance"`
	Formatted  string `json:"formatted"`
}

func (h *Handler) AccountBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ownAccount(r)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	text, err := h.svc.Contracts.FormatAmount(r.Context(), acct.ContractID, acct.Balance, true)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, BalanceResponse{
		AccountID:  acct.ID,
		ContractID: acct.ContractID,
		Balance:    acct.Balance,
		Formatted:  text,
	})
}

func (h *Handler) AccountLedger(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ownAccount(r)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	entries, err := h.svc.Ledger.Entries(r.Context(), acct.ID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}
