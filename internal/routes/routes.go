package routes

import (
	_ "embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/GiorgiUbiria/notary_ledger/internal/handlers"
	"github.com/GiorgiUbiria/notary_ledger/internal/metrics"
	appmw "github.com/GiorgiUbiria/notary_ledger/internal/middleware"
)

// RateGroup is the limiter key shared by every API route.
const RateGroup = "api"

//go:embed openapi.json
var openAPI []byte

func NewRoutes(h *handlers.Handler, secret []byte, limiter *appmw.RateLimiter) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appmw.Metrics)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Works Fine!"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/doc.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(openAPI)
	})
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware(RateGroup))

		r.Post("/auth/login", h.Login)
		r.Post("/nyms", h.CreateNym)
		r.Get("/nyms", h.ListNyms)
		r.Get("/nyms/{id}/name", h.NymName)
		r.Get("/servers", h.ListServers)
		r.Get("/contracts", h.ListContracts)
		r.Get("/contracts/{id}/amount", h.ParseAmount)
		r.Get("/contracts/{id}/format", h.FormatAmount)
		r.Get("/instruments/{id}", h.GetInstrument)
		r.Get("/markets", h.ListMarkets)
		r.Get("/markets/{id}/offers", h.MarketOffers)
		r.Get("/markets/{id}/trades", h.MarketTrades)

		r.Group(func(r chi.Router) {
			r.Use(appmw.Authenticated(secret))

			r.Get("/auth/me", h.Me)
			r.Post("/servers/{server}/nyms/{id}/register", h.RegisterNym)
			r.Post("/contracts", h.IssueContract)
			r.Post("/accounts", h.CreateAccount)
			r.Get("/accounts", h.ListAccounts)
			r.Get("/accounts/{id}/balance", h.AccountBalance)
			r.Get("/accounts/{id}/ledger", h.AccountLedger)
			r.Post("/cheques", h.WriteCheque)
			r.Post("/vouchers", h.WriteVoucher)
			r.Post("/instruments/deposit", h.Deposit)
			r.Post("/instruments/{id}/cancel", h.CancelInstrument)
			r.Post("/transfers", h.Transfer)
			r.Post("/offers", h.PlaceOffer)
			r.Delete("/offers/{id}", h.CancelOffer)
		})
	})

	return r
}
