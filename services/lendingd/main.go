package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agrilend/attest"
	"agrilend/audit"
	"agrilend/collateral"
	appconfig "agrilend/config"
	"agrilend/gateway/middleware"
	"agrilend/gateway/routes"
	"agrilend/ledger"
	"agrilend/native/liquidation"
	"agrilend/native/loan"
	"agrilend/native/pool"
	"agrilend/observability"
	"agrilend/observability/logging"
	"agrilend/oracle"
	"agrilend/services/lendingd/config"
	"agrilend/storage"
	"agrilend/treasury"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	logger := logging.Setup("lendingd", os.Getenv("LENDING_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("load config", err)
	}
	if cfg.Environment != "" {
		logger = logging.Setup("lendingd", cfg.Environment)
	}

	params, err := appconfig.Load(cfg.ParamsPath)
	if err != nil {
		fatal("load protocol params", err)
	}

	var db storage.Database
	if cfg.DataDir != "" {
		db, err = storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			fatal("open state database", err)
		}
	} else {
		logger.Warn("running with in-memory state, all data is lost on restart")
		db = storage.NewMemDB()
	}
	defer func() { _ = db.Close() }()
	state := storage.NewState(db)

	sink := buildAuditSink(cfg, logger)
	emitter := observability.NewMeteredEmitter(nil)

	// Collaborator clients. The in-memory implementations stand in until the
	// custody, warehouse-receipt, and market-data integrations are dialed in;
	// every engine talks to them through the same interfaces.
	settlement := ledger.NewMemLedger()
	registry := collateral.NewMemRegistry()
	prices := oracle.NewManual()
	fees := treasury.NewMemCollector()

	signer, err := buildSigner(cfg)
	if err != nil {
		fatal("configure attestation signer", err)
	}

	poolEngine := pool.NewEngine(cfg.CustodyAccount, cfg.OperatorAccount, params.Pool)
	poolEngine.SetState(state)
	poolEngine.SetLedger(settlement)
	poolEngine.SetAuditSink(sink)
	poolEngine.SetEmitter(emitter)
	poolEngine.AuthorizeDisburser(loan.CallerID)

	loanEngine := loan.NewEngine(cfg.CustodyAccount, params.Loan, params.Oracle.MaxQuoteAge())
	loanEngine.SetState(state)
	loanEngine.SetPool(poolEngine)
	loanEngine.SetRegistry(registry)
	loanEngine.SetOracle(prices)
	loanEngine.SetLedger(settlement)
	loanEngine.SetTreasury(fees)
	loanEngine.SetAuditSink(sink)
	loanEngine.SetEmitter(emitter)

	liquidationEngine := liquidation.NewEngine(params.Loan, params.Liquidation)
	liquidationEngine.SetState(state)
	liquidationEngine.SetPool(poolEngine)
	liquidationEngine.SetRegistry(registry)
	liquidationEngine.SetTreasury(fees)
	liquidationEngine.SetSigner(signer)
	liquidationEngine.SetAuditSink(sink)
	liquidationEngine.SetEmitter(emitter)
	for _, admin := range cfg.Admins {
		liquidationEngine.AuthorizeAdmin(admin)
	}

	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, logger)

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for group, limit := range cfg.RateLimits {
		limits[group] = middleware.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}

	router := routes.New(routes.Config{
		Handlers: &routes.Handlers{
			Pool:        poolEngine,
			Loans:       loanEngine,
			Liquidation: liquidationEngine,
		},
		Investor:      routes.ScopeGroup{RequiredScope: "investor", RateLimitKey: "investor"},
		Borrower:      routes.ScopeGroup{RequiredScope: "borrower", RateLimitKey: "borrower"},
		Admin:         routes.ScopeGroup{RequiredScope: "admin", RateLimitKey: "admin"},
		Authenticator: authenticator,
		RateLimiter:   middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "lendingd",
			LogRequests: cfg.LogRequests,
			Enabled:     true,
		}, logger),
	})

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "address", cfg.ListenAddress)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("forcing server stop", "error", err)
			_ = server.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("serve http", err)
		}
	}
}

func buildAuditSink(cfg config.Config, logger *slog.Logger) audit.Sink {
	slogSink := audit.NewSlogSink(logger)
	if cfg.AuditDB == "" {
		logger.Warn("audit entries are not persisted, set audit_db to enable the audit store")
		return slogSink
	}
	store, err := audit.NewStoreSink(cfg.AuditDB, logger)
	if err != nil {
		fatal("open audit store", err)
	}
	return audit.MultiSink{slogSink, store}
}

func buildSigner(cfg config.Config) (attest.Signer, error) {
	if cfg.AttesterKey == "" {
		return attest.GenerateSigner()
	}
	key, err := ethcrypto.HexToECDSA(cfg.AttesterKey)
	if err != nil {
		return nil, err
	}
	return attest.NewSecp256k1Signer(key)
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
