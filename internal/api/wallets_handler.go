package api

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/alecgard/peage/internal/custody"
	"github.com/alecgard/peage/internal/metrics"
	"github.com/alecgard/peage/internal/settlement"
	"github.com/alecgard/peage/internal/wallet"
	"github.com/go-chi/chi/v5"
)

// WalletStore is the persistence surface the wallet handlers need.
type WalletStore interface {
	Create(ctx context.Context, in wallet.CreateWalletInput) (*wallet.Wallet, error)
	GetByID(ctx context.Context, id string) (*wallet.Wallet, error)
	GetByDeployment(ctx context.Context, deploymentID string) (*wallet.Wallet, error)
	SetActive(ctx context.Context, id string, active bool) (*wallet.Wallet, error)
	ListByOrg(ctx context.Context, orgID string) ([]*wallet.Wallet, error)
}

// TransactionLister reads a wallet's transaction history.
type TransactionLister interface {
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*wallet.Transaction, error)
}

// BudgetReader derives a wallet's current budget position.
type BudgetReader interface {
	BudgetStatus(ctx context.Context, walletID string) (*wallet.BudgetStatus, error)
}

// Spender executes outbound transfers under custody policy.
type Spender interface {
	Execute(ctx context.Context, walletID, recipient string, amount *big.Int, asset settlement.Asset, memo string) (*wallet.Result, error)
}

// BalanceReader looks up on-chain native balances.
type BalanceReader interface {
	Balance(ctx context.Context, addr settlement.Address) (uint64, error)
}

// walletsHandler groups wallet-related HTTP handlers.
type walletsHandler struct {
	store   WalletStore
	txs     TransactionLister
	budgets BudgetReader
	spender Spender
	custody *custody.Custody
	client  BalanceReader
	metrics *metrics.Metrics // optional
}

func newWalletsHandler(store WalletStore, txs TransactionLister, budgets BudgetReader, spender Spender, cust *custody.Custody, client BalanceReader, m *metrics.Metrics) *walletsHandler {
	return &walletsHandler{
		store:   store,
		txs:     txs,
		budgets: budgets,
		spender: spender,
		custody: cust,
		client:  client,
		metrics: m,
	}
}

// createWalletRequest is the JSON body for provisioning a wallet.
type createWalletRequest struct {
	OrgID           string   `json:"org_id"`
	DeploymentID    string   `json:"deployment_id"`
	DailyLimitCents *int64   `json:"daily_limit_cents"`
	PerTxLimitCents *int64   `json:"per_tx_limit_cents"`
	Allowlist       []string `json:"allowlist"`
}

// CreateWallet handles POST /api/v1/wallets.
// A fresh keypair is generated server-side; the private key is sealed under
// the org's envelope key and never leaves the service.
func (h *walletsHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := readJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}
	if req.OrgID == "" {
		writeValidationError(w, "org_id is required")
		return
	}
	if req.DeploymentID == "" {
		writeValidationError(w, "deployment_id is required")
		return
	}
	if (req.DailyLimitCents != nil && *req.DailyLimitCents <= 0) ||
		(req.PerTxLimitCents != nil && *req.PerTxLimitCents <= 0) {
		writeValidationError(w, "limits must be positive when set")
		return
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate wallet key")
		return
	}
	addr, err := settlement.AddressFromPublicKey(pub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to derive wallet address")
		return
	}

	seed := priv.Seed()
	blob, err := h.custody.Encrypt(seed, req.OrgID)
	custody.Zero(seed)
	custody.Zero(priv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to seal wallet key")
		return
	}

	created, err := h.store.Create(r.Context(), wallet.CreateWalletInput{
		OrgID:           req.OrgID,
		DeploymentID:    req.DeploymentID,
		Address:         addr.String(),
		EncryptedKey:    blob,
		DailyLimitCents: req.DailyLimitCents,
		PerTxLimitCents: req.PerTxLimitCents,
		Allowlist:       req.Allowlist,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create wallet")
		return
	}

	auditLog(r, "create", "wallet", created.ID, "org_id", created.OrgID, "deployment_id", created.DeploymentID)

	writeJSON(w, http.StatusCreated, created)
}

// GetWallet handles GET /api/v1/wallets/{id}.
func (h *walletsHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	got, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			writeNotFound(w, "wallet not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load wallet")
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// GetWalletByDeployment handles GET /api/v1/wallets/deployment/{deploymentID}.
func (h *walletsHandler) GetWalletByDeployment(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")
	got, err := h.store.GetByDeployment(r.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			writeNotFound(w, "no wallet for deployment")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load wallet")
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// ListWallets handles GET /api/v1/wallets?org_id=...
func (h *walletsHandler) ListWallets(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "org_id query parameter is required")
		return
	}
	wallets, err := h.store.ListByOrg(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list wallets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": wallets})
}

// FreezeWallet handles POST /api/v1/wallets/{id}/freeze. Frozen wallets keep
// their history; there is no delete.
func (h *walletsHandler) FreezeWallet(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// UnfreezeWallet handles POST /api/v1/wallets/{id}/unfreeze.
func (h *walletsHandler) UnfreezeWallet(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *walletsHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")
	updated, err := h.store.SetActive(r.Context(), id, active)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			writeNotFound(w, "wallet not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update wallet")
		return
	}

	action := "freeze"
	if active {
		action = "unfreeze"
	}
	auditLog(r, action, "wallet", id)

	writeJSON(w, http.StatusOK, updated)
}

// GetBudget handles GET /api/v1/wallets/{id}/budget.
func (h *walletsHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.budgets.BudgetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			writeNotFound(w, "wallet not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to derive budget status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetBalance handles GET /api/v1/wallets/{id}/balance.
func (h *walletsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	got, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			writeNotFound(w, "wallet not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load wallet")
		return
	}
	addr, err := settlement.AddressFromBase58(got.Address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "wallet address on record is invalid")
		return
	}
	lamports, err := h.client.Balance(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusBadGateway, "settlement_unavailable", "failed to fetch balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet_id": got.ID,
		"address":   got.Address,
		"lamports":  strconv.FormatUint(lamports, 10),
	})
}

// ListTransactions handles GET /api/v1/wallets/{id}/transactions.
func (h *walletsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	txs, err := h.txs.ListByWallet(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// spendRequest is the JSON body for an outbound transfer. Amount is in the
// asset's smallest unit as a decimal string.
type spendRequest struct {
	Recipient string           `json:"recipient"`
	Amount    string           `json:"amount"`
	Asset     settlement.Asset `json:"asset"`
	Memo      string           `json:"memo"`
}

// Spend handles POST /api/v1/wallets/{id}/spend.
func (h *walletsHandler) Spend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req spendRequest
	if err := readJSON(r, &req); err != nil {
		writeInvalidBody(w)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		writeValidationError(w, "amount must be a positive decimal integer")
		return
	}
	if _, err := settlement.AddressFromBase58(req.Recipient); err != nil {
		writeValidationError(w, "recipient is not a valid address")
		return
	}
	if _, err := req.Asset.Decimals(); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	result, err := h.spender.Execute(r.Context(), id, req.Recipient, amount, req.Asset, req.Memo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "spend attempt failed")
		return
	}
	h.recordSpendMetrics(req.Asset, result)
	if !result.Success {
		writeJSON(w, spendStatus(result.Reason), result)
		return
	}

	auditLog(r, "spend", "wallet", id,
		"transaction_id", result.TransactionID, "asset", req.Asset, "amount", req.Amount)

	writeJSON(w, http.StatusOK, result)
}

// recordSpendMetrics counts the spend outcome and, for policy denials, the
// budget rejection reason.
func (h *walletsHandler) recordSpendMetrics(asset settlement.Asset, result *wallet.Result) {
	if h.metrics == nil {
		return
	}
	if result.Success {
		h.metrics.IncSpend("confirmed", string(asset))
		h.metrics.AddSpendCents(result.AmountCents)
		return
	}
	h.metrics.IncSpend(string(result.Reason), string(asset))
	switch result.Reason {
	case wallet.ReasonWalletFrozen, wallet.ReasonPerTxLimitExceeded,
		wallet.ReasonDailyBudgetExceeded, wallet.ReasonRecipientNotAllowlisted:
		h.metrics.IncBudgetRejection(string(result.Reason))
	}
}

// spendStatus maps a denial reason to an HTTP status. Policy denials are the
// caller's problem; settlement and key failures are the service's.
func spendStatus(reason wallet.Reason) int {
	switch reason {
	case wallet.ReasonWalletNotFound:
		return http.StatusNotFound
	case wallet.ReasonKeyDecryptionFailure, wallet.ReasonSubmissionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusForbidden
	}
}
