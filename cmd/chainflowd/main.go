package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gorm.io/gorm"

	"chainflow/config"
	"chainflow/core/events"
	"chainflow/credit"
	"chainflow/custody"
	"chainflow/indexer"
	"chainflow/lending"
	"chainflow/observability/logging"
	"chainflow/observability/metrics"
	cfotel "chainflow/observability/otel"
	"chainflow/oracle"
	"chainflow/rpc"
	"chainflow/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	rpcConfigFile := flag.String("rpc-config", "", "Optional YAML override for the RPC listener")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *rpcConfigFile != "" {
		svc, err := rpc.LoadServiceConfig(*rpcConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load rpc config: %v\n", err)
			os.Exit(1)
		}
		cfg.RPCAddress = svc.ListenAddress
		if svc.AuthSecret != "" {
			cfg.Auth.HMACSecret = svc.AuthSecret
			cfg.Auth.Issuer = svc.AuthIssuer
			cfg.Auth.Audience = svc.AuthAudience
		}
		if svc.RatePerMinute > 0 {
			cfg.RateLimit.RequestsPerMinute = svc.RatePerMinute
			cfg.RateLimit.Burst = svc.RateBurst
		}
	}

	logger := logging.Setup("chainflowd", cfg.Environment)

	admin, err := cfg.AdminAddr()
	if err != nil {
		logger.Error("resolve admin address", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" && (cfg.Telemetry.Metrics || cfg.Telemetry.Traces) {
		shutdown, err := cfotel.Init(ctx, cfotel.Config{
			ServiceName: "chainflowd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("init telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	loanDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "loans"))
	if err != nil {
		logger.Error("open loan database", "error", err)
		os.Exit(1)
	}
	defer loanDB.Close()

	creditStore, err := credit.NewBoltStore(filepath.Join(cfg.DataDir, "credit.db"), nil)
	if err != nil {
		logger.Error("open credit store", "error", err)
		os.Exit(1)
	}
	defer creditStore.Close()

	registry := credit.NewRegistry(creditStore, admin)

	feed, err := buildOracle(cfg)
	if err != nil {
		logger.Error("configure oracle", "error", err)
		os.Exit(1)
	}

	ledger := lending.NewLedger(admin, lending.LiquidationParams{
		ThresholdBps: cfg.Liquidation.ThresholdBps,
		BonusBps:     cfg.Liquidation.BonusBps,
	})
	vault := custody.NewVault()
	treasury := custody.NewTreasury()
	if seed, err := cfg.InitialReserve(); err != nil {
		logger.Error("parse treasury seed", "error", err)
		os.Exit(1)
	} else if seed != nil && seed.Sign() > 0 {
		if err := treasury.Fund(seed); err != nil {
			logger.Error("seed treasury", "error", err)
			os.Exit(1)
		}
		logger.Info("seeded treasury reserve", "amount", seed.String())
	}

	ledger.SetState(lending.NewKVState(loanDB))
	ledger.SetOracle(feed)
	ledger.SetTierSource(registry)
	ledger.SetCustody(vault)
	ledger.SetLiquidityPool(treasury)
	for _, tier := range cfg.Tiers {
		params := lending.TierParams{LTVBps: tier.LTVBps, APRBps: tier.APRBps}
		if err := ledger.Policy().Set(lending.Tier(tier.Tier), params); err != nil {
			logger.Error("configure tier", "tier", tier.Tier, "error", err)
			os.Exit(1)
		}
	}

	emitters := events.Fanout{metrics.NewRecorder()}
	var eventIndex *indexer.Indexer
	if dsn := strings.TrimSpace(cfg.Indexer.DSN); dsn != "" {
		db, err := openIndexerDB(cfg.Indexer.Driver, dsn)
		if err != nil {
			logger.Error("open event index", "error", err)
			os.Exit(1)
		}
		eventIndex = indexer.New(db, logger)
		emitters = append(emitters, eventIndex)
	}
	ledger.SetEmitter(emitters)
	registry.SetEmitter(emitters)

	var auth *rpc.Authenticator
	if strings.TrimSpace(cfg.Auth.HMACSecret) != "" {
		auth = rpc.NewAuthenticator(rpc.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		})
	} else {
		logger.Warn("no auth secret configured, administrative RPC methods disabled")
	}
	limiter := rpc.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	server := rpc.NewServer(ledger, registry, eventIndex, vault, treasury, auth, limiter, logger)
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting JSON-RPC server", "addr", cfg.RPCAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("rpc server", "error", err)
		os.Exit(1)
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown", "error", err)
	}
}

func buildOracle(cfg *config.Config) (*oracle.Feed, error) {
	agg := oracle.NewAggregator(nil, time.Duration(cfg.Oracle.MaxAgeSecs)*time.Second)
	agg.SetDeviationBps(cfg.Oracle.DeviationBps)
	agg.SetFailureHook(metrics.Lending().ObserveOracleFailure)

	for _, src := range cfg.Oracle.Sources {
		if strings.TrimSpace(src.Endpoint) == "" {
			return nil, fmt.Errorf("oracle source %q missing endpoint", src.Name)
		}
		agg.Register(src.Name, oracle.NewHTTPSource(nil, src.Name, src.Endpoint, src.APIKey))
	}
	if raw := strings.TrimSpace(cfg.Oracle.StaticPrice); raw != "" {
		price, ok := new(big.Int).SetString(raw, 10)
		if !ok || price.Sign() <= 0 {
			return nil, fmt.Errorf("invalid static oracle price %q", raw)
		}
		agg.Register("static", oracle.NewStaticSource(price, time.Now()))
	}
	if len(cfg.Oracle.Sources) == 0 && strings.TrimSpace(cfg.Oracle.StaticPrice) == "" {
		return nil, fmt.Errorf("no oracle sources configured")
	}
	return oracle.NewFeed(agg, cfg.Oracle.Symbol), nil
}

func openIndexerDB(driver, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		return indexer.OpenPostgres(dsn)
	case "", "sqlite":
		return indexer.OpenSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported indexer driver %q", driver)
	}
}
