package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/peage/internal/api"
	"github.com/alecgard/peage/internal/audit"
	"github.com/alecgard/peage/internal/config"
	"github.com/alecgard/peage/internal/custody"
	"github.com/alecgard/peage/internal/metrics"
	"github.com/alecgard/peage/internal/pricing"
	"github.com/alecgard/peage/internal/settlement"
	"github.com/alecgard/peage/internal/wallet"
	"github.com/alecgard/peage/internal/x402"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Péage payment service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cust, err := custody.New(cfg.Custody.MasterKey)
	if err != nil {
		return fmt.Errorf("custody master key: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		stat := pool.Stat()
		return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns()
	})

	// Pricing: a static oracle snapshot from config behind the cache layer.
	sol, usdc, usdt, err := cfg.OraclePrices()
	if err != nil {
		return err
	}
	static, err := pricing.NewStaticOracle(pricing.Prices{
		settlement.AssetSOL:  sol,
		settlement.AssetUSDC: usdc,
		settlement.AssetUSDT: usdt,
	})
	if err != nil {
		return err
	}
	engine := pricing.NewEngine(pricing.NewCachedOracle(static, cfg.Oracle.CacheTTL))

	// Settlement: a real RPC node in submit mode, the in-process simulator
	// otherwise.
	var client settlement.Client
	if cfg.Settlement.Submit {
		client = settlement.NewRPCClient(cfg.RPCURL(), cfg.Settlement.SubmitTimeout)
		slog.Info("settlement client ready", "network", cfg.Settlement.Network, "endpoint", cfg.RPCURL())
	} else {
		client = settlement.NewSimClient()
		slog.Info("settlement running in simulation mode")
	}
	client = metrics.InstrumentClient(client, m)

	mints, err := tokenMints(cfg)
	if err != nil {
		return err
	}

	// Custody and spending.
	walletStore := wallet.NewStore(pool)
	txStore := wallet.NewTxStore(pool)
	ledger := wallet.NewLedger(walletStore, txStore)
	executor := wallet.NewExecutor(ledger, walletStore, txStore, cust, client, engine, mints,
		cfg.Settlement.SubmitTimeout, cfg.Settlement.ConfirmTimeout)

	// Verification audit log.
	auditStore := audit.NewStore(pool)
	collector := audit.NewCollector(auditStore, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	go collector.Start(ctx)

	verifier := x402.NewVerifier(client, mints, cfg.Settlement.Submit,
		cfg.Settlement.SubmitTimeout, cfg.Settlement.ConfirmTimeout)

	// The paid demo route needs a treasury to pay into; without one the
	// service still serves quotes and custody.
	var gate func(http.Handler) http.Handler
	if cfg.Settlement.Treasury != "" {
		treasury, err := settlement.AddressFromBase58(cfg.Settlement.Treasury)
		if err != nil {
			return fmt.Errorf("treasury address: %w", err)
		}
		issuer, err := x402.NewIssuer(cfg.Settlement.Network, treasury)
		if err != nil {
			return err
		}
		gate = x402.Gate(x402.GateConfig{
			Engine:       engine,
			Issuer:       issuer,
			Verifier:     verifier,
			Asset:        settlement.AssetUSDC,
			Tier:         pricing.TierSmall,
			InputTokens:  1000,
			OutputTokens: 1000,
			Audit:        collector,
			OnOutcome:    m.IncVerification,
		})
	} else {
		slog.Warn("no treasury configured, paid routes disabled")
	}

	router := api.NewRouter(api.RouterDeps{
		Wallets:      walletStore,
		Transactions: txStore,
		Budgets:      ledger,
		Spender:      executor,
		Custody:      cust,
		Client:       client,
		Pricer:       engine,
		Audit:        auditStore,
		Metrics:      m,
		PaymentGate:  gate,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "network", cfg.Settlement.Network)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}

// tokenMints parses the configured mint addresses for the token assets.
func tokenMints(cfg *config.Config) (map[settlement.Asset]settlement.Address, error) {
	mints := make(map[settlement.Asset]settlement.Address, 2)
	for asset, raw := range map[settlement.Asset]string{
		settlement.AssetUSDC: cfg.Settlement.USDCMint,
		settlement.AssetUSDT: cfg.Settlement.USDTMint,
	} {
		if raw == "" {
			continue
		}
		addr, err := settlement.AddressFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("%s mint address: %w", asset, err)
		}
		mints[asset] = addr
	}
	return mints, nil
}
