package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/session-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/session-relayer/pkg/config"
	"github.com/speedrun-hq/session-relayer/pkg/ledger"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
	"github.com/speedrun-hq/session-relayer/pkg/queue"
	"github.com/speedrun-hq/session-relayer/pkg/relayer"
	"github.com/speedrun-hq/session-relayer/pkg/server"
	"github.com/speedrun-hq/session-relayer/pkg/store"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	envFile := pflag.String("env-file", "", "path of the .env file to load")
	authorize := pflag.String("authorize-relayer", "", "authorize a relayer address on the SessionManager and exit")
	revoke := pflag.Bool("revoke", false, "with --authorize-relayer, revoke instead of grant")
	pflag.Parse()

	// Load configuration from environment variables
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.AuthorizeRelayerTarget = *authorize

	stdLogger := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *revoke, stdLogger); err != nil {
		stdLogger.Error("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, revoke bool, log logger.Logger) error {
	client, monitor, err := setupLedger(ctx, cfg, log.With(logger.Ledger))
	if err != nil {
		return err
	}
	log.Info("Relayer %s on %s (chain %s, %s mode)",
		client.RelayerAddress().Hex(), config.GetChainName(cfg.ChainID.Int64()), cfg.ChainID, client.Mode())

	if cfg.AuthorizeRelayerTarget != "" {
		return authorizeRelayer(ctx, client, cfg, !revoke, log)
	}

	payments, closeStore, err := setupStore(ctx, cfg, log.With(logger.Store))
	if err != nil {
		return err
	}
	defer closeStore()

	retryQueue, err := setupQueue(ctx, cfg, log.With(logger.Store))
	if err != nil {
		return err
	}
	defer func() { _ = retryQueue.Close() }()

	nonces := relayer.NewNonceTracker(cfg.StrictNonce, log.With(logger.QuickPay))
	executor := relayer.NewExecutor(client, payments, retryQueue, nonces, relayer.ExecutorConfig{
		CommissionAddress:   common.HexToAddress(cfg.CommissionAddress),
		LedgerDecimals:      cfg.LedgerDecimals,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
	}, log.With(logger.QuickPay))

	breaker := circuitbreaker.NewCircuitBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.Threshold,
		cfg.CircuitBreaker.WindowDuration,
		cfg.CircuitBreaker.ResetTimeout,
		log.With(logger.Batch),
	)

	scheduler := relayer.NewScheduler(client, retryQueue, payments, breaker, relayer.SchedulerConfig{
		Interval:            cfg.Batch.Interval,
		BatchSize:           cfg.Batch.Size,
		StaleAfter:          cfg.Batch.StaleAfter,
		MaxRetries:          cfg.Batch.MaxRetries,
		LedgerDecimals:      cfg.LedgerDecimals,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
	}, log.With(logger.Batch))

	srv := server.NewServer(server.Config{
		Port:           cfg.ServerPort,
		OperatorAPIKey: cfg.OperatorAPIKey,
		MetricsAPIKey:  cfg.MetricsAPIKey,
	}, executor, scheduler, client, breaker, log.With(logger.HTTP))

	if monitor != nil {
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})

	err = g.Wait()
	log.Info("Relayer stopped")
	return err
}

// setupLedger selects the ledger from configuration. No SessionManager address means mock mode.
func setupLedger(ctx context.Context, cfg *config.Config, log logger.Logger) (ledger.Client, *ledger.AccountMonitor, error) {
	if cfg.MockMode() {
		log.Notice("SESSION_MANAGER_ADDRESS not set, running against the mock ledger")
		return ledger.NewMockClient(cfg.ChainID, log), nil, nil
	}

	var commission common.Address
	if cfg.CommissionAddress != "" {
		commission = common.HexToAddress(cfg.CommissionAddress)
	}

	live, err := ledger.Dial(ctx, cfg.RPCURL, ledger.LiveConfig{
		ChainID:               cfg.ChainID,
		SessionManagerAddress: common.HexToAddress(cfg.SessionManagerAddress),
		CommissionAddress:     commission,
		PrivateKey:            cfg.PrivateKey,
		GasMultiplier:         cfg.GasMultiplier,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return live, ledger.NewAccountMonitor(live, ledger.DefaultMonitorInterval, log), nil
}

// setupStore selects the payment store: postgres, then the payment API, then memory
func setupStore(ctx context.Context, cfg *config.Config, log logger.Logger) (store.PaymentStore, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open payment database: %w", err)
		}
		log.Info("Using postgres payment store")
		return pg, pg.Close, nil
	case cfg.PaymentAPIEndpoint != "":
		log.Info("Using payment API at %s", cfg.PaymentAPIEndpoint)
		return store.NewHTTPStore(cfg.PaymentAPIEndpoint, log), func() {}, nil
	default:
		log.Notice("No payment store configured, payment records are kept in memory")
		return store.NewMemoryStore(), func() {}, nil
	}
}

// setupQueue selects the retry queue: durable SQLite when a path is configured
func setupQueue(ctx context.Context, cfg *config.Config, log logger.Logger) (queue.Queue, error) {
	if cfg.QueueDBPath == "" {
		log.Notice("QUEUE_DB_PATH not set, queued payments are lost on restart")
		return queue.NewMemoryQueue(), nil
	}
	q, err := queue.OpenSQLiteQueue(ctx, cfg.QueueDBPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open retry queue: %w", err)
	}
	log.Info("Using durable retry queue at %s", cfg.QueueDBPath)
	return q, nil
}

func authorizeRelayer(ctx context.Context, client ledger.Client, cfg *config.Config, authorized bool, log logger.Logger) error {
	if !common.IsHexAddress(cfg.AuthorizeRelayerTarget) {
		return fmt.Errorf("invalid relayer address: %s", cfg.AuthorizeRelayerTarget)
	}
	target := common.HexToAddress(cfg.AuthorizeRelayerTarget)

	h, err := client.AuthorizeRelayer(ctx, target, authorized)
	if err != nil {
		return fmt.Errorf("authorizeRelayer failed: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConfirmationTimeout)
	defer cancel()
	conf, err := client.WaitConfirmed(waitCtx, h)
	if err != nil {
		return fmt.Errorf("authorizeRelayer %s not confirmed: %w", h.Hash, err)
	}

	log.Info("Relayer %s authorized=%t in %s (block %d)", target.Hex(), authorized, h.Hash, conf.BlockNumber)
	return nil
}
