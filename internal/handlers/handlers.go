package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/httputil"
	"github.com/GiorgiUbiria/notary_ledger/internal/identity"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
	"github.com/GiorgiUbiria/notary_ledger/internal/middleware"
	"github.com/GiorgiUbiria/notary_ledger/internal/notary"
)

// Handler serves the JSON API over one notary Service.
type Handler struct {
	svc      *notary.Service
	secret   []byte
	tokenTTL time.Duration
	clockNow func() time.Time
}

func New(svc *notary.Service, secret []byte, tokenTTL time.Duration) *Handler {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Handler{svc: svc, secret: secret, tokenTTL: tokenTTL, clockNow: time.Now}
}

type LoginRequest struct {
	NymID      string `json:"nym_id"`
	Passphrase string `json:"passphrase"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// actor returns the authenticated nym. Routes behind Authenticated always have one.
func actor(r *http.Request) string {
	id, _ := middleware.NymID(r.Context())
	return id
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if req.NymID == "" || req.Passphrase == "" {
		httputil.WriteError(w, http.StatusBadRequest, "nym_id and passphrase are required")
		return
	}
	if err := h.svc.Identities.Authenticate(r.Context(), req.NymID, req.Passphrase); err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			httputil.WriteAppError(w, err)
			return
		}
		httputil.WriteError(w, http.StatusUnauthorized, "invalid nym or passphrase")
		return
	}

	now := h.clockNow()
	token, err := middleware.IssueToken(h.secret, req.NymID, h.tokenTTL, now)
	if err != nil {
		logger.Log.Error("failed to sign jwt", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: now.Add(h.tokenTTL)})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	nym, err := h.svc.Identities.Get(r.Context(), actor(r))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, nym)
}

type CreateNymRequest struct {
	KeyBits     int    `json:"key_bits"`
	Name        string `json:"name"`
	Source      string `json:"source"`
	AltLocation string `json:"alt_location"`
	Passphrase  string `json:"passphrase"`
}

func (h *Handler) CreateNym(w http.ResponseWriter, r *http.Request) {
	var req CreateNymRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	nym, err := h.svc.Identities.CreateNym(r.Context(), identity.CreateNymRequest{
		KeyBits:     req.KeyBits,
		Name:        req.Name,
		Source:      req.Source,
		AltLocation: req.AltLocation,
		Passphrase:  req.Passphrase,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, nym)
}

func (h *Handler) ListNyms(w http.ResponseWriter, r *http.Request) {
	nyms, err := h.svc.Identities.ListNyms(r.Context())
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, nyms)
}

func (h *Handler) NymName(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name, err := h.svc.Identities.NymName(r.Context(), id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "name": name})
}

// RegisterNym registers the caller on a server. A nym may only register itself.
func (h *Handler) RegisterNym(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != actor(r) {
		httputil.WriteAppError(w, apperr.E(apperr.OwnershipMismatch, "http.register", "cannot register nym %s", id))
		return
	}
	res, err := h.svc.Identities.RegisterNym(r.Context(), chi.URLParam(r, "server"), id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	code := http.StatusCreated
	if res.AlreadyRegistered {
		code = http.StatusOK
	}
	httputil.WriteJSON(w, code, res)
}

func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Identities.ListServers())
}
