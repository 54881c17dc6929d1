package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/httputil"
	"github.com/GiorgiUbiria/notary_ledger/internal/market"
)

type PlaceOfferRequest struct {
	AssetAccountID    string `json:"asset_account_id"`
	CurrencyAccountID string `json:"currency_account_id"`
	Scale             int64  `json:"scale"`
	MinIncrement      int64  `json:"min_increment"`
	Quantity          int64  `json:"quantity"`
	Price             int64  `json:"price"`
	IsBid             bool   `json:"is_bid"`
	// Lifetime is a Go duration such as "1h"; empty means the default.
	Lifetime        string `json:"lifetime"`
	StopSign        string `json:"stop_sign"`
	ActivationPrice int64  `json:"activation_price"`
	AllOrNone       bool   `json:"all_or_none"`
}

func (h *Handler) PlaceOffer(w http.ResponseWriter, r *http.Request) {
	var req PlaceOfferRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	var lifetime time.Duration
	if req.Lifetime != "" {
		d, err := time.ParseDuration(req.Lifetime)
		if err != nil {
			httputil.WriteAppError(w, apperr.Wrap(apperr.InvalidArgument, "http.place_offer", err))
			return
		}
		lifetime = d
	}
	offer, err := h.svc.Market.PlaceOffer(r.Context(), market.OfferRequest{
		NymID:             actor(r),
		AssetAccountID:    req.AssetAccountID,
		CurrencyAccountID: req.CurrencyAccountID,
		Scale:             req.Scale,
		MinIncrement:      req.MinIncrement,
		Quantity:          req.Quantity,
		Price:             req.Price,
		IsBid:             req.IsBid,
		Lifetime:          lifetime,
		StopSign:          req.StopSign,
		ActivationPrice:   req.ActivationPrice,
		AllOrNone:         req.AllOrNone,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, offer)
}

func (h *Handler) CancelOffer(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Market.CancelOffer(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Market.Markets(r.URL.Query().Get("server")))
}

type OffersResponse struct {
	MarketID string         `json:"market_id"`
	Bids     []market.Offer `json:"bids"`
	Asks     []market.Offer `json:"asks"`
}

func (h *Handler) MarketOffers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.WriteAppError(w, apperr.E(apperr.InvalidArgument, "http.market_offers", "invalid depth %q", raw))
			return
		}
		depth = n
	}
	bids, asks, err := h.svc.Market.Offers(id, depth)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, OffersResponse{MarketID: id, Bids: bids, Asks: asks})
}

func (h *Handler) MarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.svc.Market.Trades(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, trades)
}
