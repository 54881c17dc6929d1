package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GiorgiUbiria/notary_ledger/internal/httputil"
	"github.com/GiorgiUbiria/notary_ledger/internal/instrument"
)

type WriteChequeRequest struct {
	ServerID        string    `json:"server_id"`
	SourceAccountID string    `json:"source_account_id"`
	RecipientNymID  string    `json:"recipient_nym_id"`
	Amount          int64     `json:"amount"`
	ValidFrom       time.Time `json:"valid_from"`
	ValidTo         time.Time `json:"valid_to"`
	Memo            string    `json:"memo"`
}

func (h *Handler) WriteCheque(w http.ResponseWriter, r *http.Request) {
	var req WriteChequeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	env, err := h.svc.Instruments.WriteCheque(r.Context(), instrument.ChequeRequest{
		ServerID:        req.ServerID,
		Amount:          req.Amount,
		ValidFrom:       req.ValidFrom,
		ValidTo:         req.ValidTo,
		SourceAccountID: req.SourceAccountID,
		DrawerNymID:     actor(r),
		Memo:            req.Memo,
		RecipientNymID:  req.RecipientNymID,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, env)
}

type WriteVoucherRequest struct {
	ServerID        string `json:"server_id"`
	SourceAccountID string `json:"source_account_id"`
	RecipientNymID  string `json:"recipient_nym_id"`
	Amount          int64  `json:"amount"`
	Memo            string `json:"memo"`
}

func (h *Handler) WriteVoucher(w http.ResponseWriter, r *http.Request) {
	var req WriteVoucherRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	env, err := h.svc.Instruments.WriteVoucher(r.Context(), instrument.VoucherRequest{
		ServerID:        req.ServerID,
		Amount:          req.Amount,
		SourceAccountID: req.SourceAccountID,
		DrawerNymID:     actor(r),
		Memo:            req.Memo,
		RecipientNymID:  req.RecipientNymID,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, env)
}

type DepositRequest struct {
	// Instrument is the envelope exactly as returned when it was written.
	Instrument json.RawMessage `json:"instrument"`
	AccountID  string          `json:"account_id"`
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	rcpt, err := h.svc.Instruments.Deposit(r.Context(), req.Instrument, actor(r), req.AccountID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rcpt)
}

func (h *Handler) CancelInstrument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Instruments.Cancel(r.Context(), actor(r), id); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	st, err := h.svc.Instruments.Get(r.Context(), id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Instruments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

type TransferRequest struct {
	ServerID      string `json:"server_id"`
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
	Memo          string `json:"memo"`
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	env, err := h.svc.Instruments.DirectTransfer(r.Context(), instrument.TransferRequest{
		ServerID:      req.ServerID,
		NymID:         actor(r),
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Memo:          req.Memo,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, env)
}
