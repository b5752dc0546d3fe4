package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/aggregation"
	"github.com/cygnus-wealth/portfolio-engine/internal/alert"
	"github.com/cygnus-wealth/portfolio-engine/internal/api"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/cex"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/evm"
	"github.com/cygnus-wealth/portfolio-engine/internal/chain/solana"
	"github.com/cygnus-wealth/portfolio-engine/internal/circuitbreaker"
	"github.com/cygnus-wealth/portfolio-engine/internal/config"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/identity"
	"github.com/cygnus-wealth/portfolio-engine/internal/session"
	"github.com/cygnus-wealth/portfolio-engine/internal/store"
	redispkg "github.com/cygnus-wealth/portfolio-engine/internal/store/redis"
	"github.com/cygnus-wealth/portfolio-engine/internal/subscription"
	"github.com/cygnus-wealth/portfolio-engine/internal/tracing"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const serviceName = "portfolio-engine"

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildAdapters constructs one adapter per configured source. The returned
// func closes any dialed connections.
func buildAdapters(ctx context.Context, src config.SourcesFile, logger *slog.Logger) ([]chain.Adapter, func(), error) {
	prices, err := src.PriceTable()
	if err != nil {
		return nil, nil, err
	}
	valuer := chain.NewStaticValuer(prices)

	var (
		adapters []chain.Adapter
		closers  []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if len(src.EVM.Chains) > 0 {
		evmCfg := evm.Config{
			Concurrency: src.EVM.Concurrency,
			HeadRefresh: src.EVM.HeadRefresh,
			Valuer:      valuer,
		}
		for _, c := range src.EVM.Chains {
			cc := evm.ChainConfig{
				ChainID:        model.ChainID(c.ChainID),
				Name:           c.Name,
				RPCURL:         c.RPCURL,
				WSURL:          c.WSURL,
				NativeSymbol:   c.NativeSymbol,
				NativeDecimals: c.NativeDecimals,
			}
			for _, t := range c.Tokens {
				cc.Tokens = append(cc.Tokens, evm.Token{Address: t.Address, Symbol: t.Symbol, Decimals: t.Decimals})
			}
			evmCfg.Chains = append(evmCfg.Chains, cc)
		}
		a, err := evm.New(ctx, evmCfg, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("build evm adapter: %w", err)
		}
		adapters = append(adapters, a)
		closers = append(closers, a.Close)
	}

	if s := src.Solana; s != nil {
		adapters = append(adapters, solana.NewAdapter(solana.Config{
			RPCURL:      s.RPCURL,
			WSURL:       s.WSURL,
			ChainID:     model.ChainID(s.ChainID),
			Mints:       s.Mints,
			Concurrency: s.Concurrency,
			Valuer:      valuer,
		}, logger))
	}

	if len(src.CEX) > 0 {
		clients := make([]cex.AccountClient, 0, len(src.CEX))
		for _, c := range src.CEX {
			clients = append(clients, cex.NewFileClient(c.Exchange, c.File))
		}
		adapters = append(adapters, cex.NewAdapter(clients, valuer, logger))
	}

	return adapters, closeAll, nil
}

// buildAlerter always logs; Slack and webhook channels are added when
// configured.
func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	channels := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

// registerAccounts loads configured accounts into the registry. A repeated
// AccountID updates the earlier entry.
func registerAccounts(registry *identity.Registry, entries []config.AccountEntry) error {
	for i, e := range entries {
		acct, err := e.TrackedAccount()
		if err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if err := registry.RegisterAccount(acct); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
	}
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting portfolio engine",
		"api_addr", cfg.Server.Addr,
		"accounts_file", cfg.AccountsFile,
		"accounts", len(cfg.Sources.Accounts),
		"evm_chains", len(cfg.Sources.EVM.Chains),
		"solana", cfg.Sources.Solana != nil,
		"cex_exchanges", len(cfg.Sources.CEX),
		"redis_publisher", cfg.Redis.URL != "",
	)

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapters, closeAdapters, err := buildAdapters(ctx, cfg.Sources, logger)
	if err != nil {
		logger.Error("failed to build adapters", "error", err)
		os.Exit(1)
	}
	defer closeAdapters()

	registry := identity.NewRegistry(logger)
	if err := registerAccounts(registry, cfg.Sources.Accounts); err != nil {
		logger.Error("failed to register accounts", "error", err)
		os.Exit(1)
	}

	alerter := buildAlerter(cfg.Alert, logger)
	engine := aggregation.New(registry, adapters, aggregation.Config{
		SourceTimeout:      cfg.Aggregation.SourceTimeout,
		AggregationTimeout: cfg.Aggregation.AggregationTimeout,
		CacheTTL:           cfg.Aggregation.CacheTTL,
		UnhealthyThreshold: cfg.Aggregation.UnhealthyThreshold,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Aggregation.BreakerFailures,
			OpenTimeout:      cfg.Aggregation.BreakerOpenTimeout,
		},
		Alerter: alerter,
	}, logger)

	st := store.New(logger)
	if cfg.Redis.URL != "" {
		client, err := redispkg.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		publisher := redispkg.NewPublisher(client, cfg.Redis.Stream, cfg.Redis.MaxLen, logger)
		defer st.OnPortfolioUpdated(publisher.Handle)()
		logger.Info("redis publisher enabled", "stream", cfg.Redis.Stream)
	}

	orchestrator := subscription.New(registry, engine, st, adapters, subscription.Config{
		DedupWindow:  cfg.Subscription.DedupWindow,
		MergeTimeout: cfg.Subscription.MergeTimeout,
		PollInterval: cfg.Subscription.PollInterval,
		PollRPS:      cfg.Subscription.PollRPS,
		PollBurst:    cfg.Subscription.PollBurst,
	}, logger)

	sess := session.New(registry, engine, orchestrator, st, session.Config{
		RefreshInterval: cfg.Aggregation.RefreshInterval,
		VerifyInterval:  cfg.Aggregation.VerifyInterval,
		Alerter:         alerter,
	}, logger)
	defer sess.Close()

	handler, limiter := api.NewServer(st, logger,
		api.WithHealthProvider(engine),
		api.WithAccountManager(sess),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	).Handler()
	defer limiter.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runAPIServer(gCtx, cfg.Server.Addr, handler, cfg.Server.ShutdownTimeout, logger)
	})

	g.Go(func() error {
		return sess.Run(gCtx)
	})

	if cfg.AccountsFile != "" && cfg.AccountsReload > 0 {
		watcher := session.NewAccountsWatcher(cfg.AccountsFile, sess, logger, cfg.AccountsReload)
		if err := watcher.Seed(cfg.Sources.Accounts); err != nil {
			logger.Error("failed to seed accounts watcher", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			if err := watcher.Run(gCtx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("portfolio engine exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("portfolio engine shut down gracefully")
}

func runAPIServer(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("api server shutdown error", "error", err)
		}
	}()

	logger.Info("api server started", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}
