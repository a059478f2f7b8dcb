package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/peage/internal/custody"
	"github.com/alecgard/peage/internal/metrics"
	"github.com/alecgard/peage/internal/x402"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps holds all dependencies for the API router. PaymentGate, Metrics
// and Audit are optional; their routes are omitted when nil.
type RouterDeps struct {
	Wallets      WalletStore
	Transactions TransactionLister
	Budgets      BudgetReader
	Spender      Spender
	Custody      *custody.Custody
	Client       BalanceReader
	Pricer       Quoter
	Audit        AuditLister
	Metrics      *metrics.Metrics
	PaymentGate  func(http.Handler) http.Handler
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// Handlers.
	wallets := newWalletsHandler(deps.Wallets, deps.Transactions, deps.Budgets, deps.Spender, deps.Custody, deps.Client, deps.Metrics)
	quotes := newQuotesHandler(deps.Pricer)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Well-known manifest.
	r.Get("/.well-known/peage.json", WellKnownHandler)

	r.Route("/api/v1", func(ar chi.Router) {
		// Pricing.
		ar.Post("/quotes", quotes.CreateQuote)

		// Wallet custody and spending.
		ar.Post("/wallets", wallets.CreateWallet)
		ar.Get("/wallets", wallets.ListWallets)
		ar.Get("/wallets/{id}", wallets.GetWallet)
		ar.Get("/wallets/deployment/{deploymentID}", wallets.GetWalletByDeployment)
		ar.Post("/wallets/{id}/freeze", wallets.FreezeWallet)
		ar.Post("/wallets/{id}/unfreeze", wallets.UnfreezeWallet)
		ar.Get("/wallets/{id}/budget", wallets.GetBudget)
		ar.Get("/wallets/{id}/balance", wallets.GetBalance)
		ar.Get("/wallets/{id}/transactions", wallets.ListTransactions)
		ar.Post("/wallets/{id}/spend", wallets.Spend)

		// Verification audit log.
		if deps.Audit != nil {
			audits := newAuditHandler(deps.Audit)
			ar.Get("/verifications", audits.ListVerifications)
		}

		// Operational metrics.
		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}

		// Demo paid route: any request through the gate has already settled
		// its payment.
		if deps.PaymentGate != nil {
			ar.Group(func(pr chi.Router) {
				pr.Use(deps.PaymentGate)
				pr.Get("/paid/echo", paidEchoHandler)
			})
		}
	})

	return r
}

// paidEchoHandler answers a paid request with the verified payer.
func paidEchoHandler(w http.ResponseWriter, r *http.Request) {
	payer, _ := x402.PayerFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "payment received",
		"payer":   payer,
	})
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
		)
	})
}
