// Package main implements poold, the tidepool mining pool daemon. It wires
// the template source, stratum server, share ledger, PPLNS engine, operator
// API and the optional event and storage backends into one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bardlex/tidepool/internal/api"
	"github.com/bardlex/tidepool/internal/bitcoin"
	"github.com/bardlex/tidepool/internal/config"
	"github.com/bardlex/tidepool/internal/database"
	"github.com/bardlex/tidepool/internal/database/influx"
	"github.com/bardlex/tidepool/internal/database/postgres"
	"github.com/bardlex/tidepool/internal/database/redis"
	"github.com/bardlex/tidepool/internal/jobs"
	"github.com/bardlex/tidepool/internal/ledger"
	"github.com/bardlex/tidepool/internal/messaging"
	"github.com/bardlex/tidepool/internal/pplns"
	"github.com/bardlex/tidepool/internal/stratum"
	"github.com/bardlex/tidepool/internal/validation"
	"github.com/bardlex/tidepool/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting poold",
		"version", cfg.Version,
		"network", cfg.Stratum.Network,
		"reward_scheme", cfg.Pool.RewardScheme,
	)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("poold failed")
		os.Exit(1)
	}
	logger.Info("poold stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	chainParams, err := cfg.ChainParams()
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open share ledger: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("failed to close ledger")
		}
	}()

	engine := pplns.NewEngine(pplns.Config{
		WindowShares:     cfg.Pool.PPLNSWindowShares,
		WindowSpan:       cfg.Pool.PPLNSWindowSpan,
		DonationFraction: cfg.Pool.DonationFraction,
		DonationAddress:  cfg.Pool.DonationAddress,
		Disabled:         cfg.DonationOnly(),
		Solo:             cfg.Pool.RewardScheme == "solo",
	}, logger)

	jobManager := jobs.NewManager(jobs.Config{
		ExtraNonce2Size:  cfg.Stratum.ExtraNonce2Size,
		PoolAddress:      cfg.Pool.PayoutAddress,
		DonationAddress:  cfg.Pool.DonationAddress,
		DonationFraction: cfg.Pool.DonationFraction,
		Tag: bitcoin.CoinbaseTag{
			Pool:     cfg.CoinbaseTag.Pool,
			Miner:    cfg.CoinbaseTag.Miner,
			Software: cfg.CoinbaseTag.Software,
			Website:  cfg.CoinbaseTag.Website,
			Custom:   cfg.CoinbaseTag.Custom,
		},
		ChainParams: chainParams,
		Backlog:     cfg.Pool.JobBacklog,
	}, logger)

	validator := validation.NewValidator(validation.Config{
		ExtraNonce2Size:  cfg.Stratum.ExtraNonce2Size,
		IgnoreDifficulty: cfg.Stratum.IgnoreDifficulty,
	}, jobManager, logger)

	// One pass over the ledger rebuilds the PPLNS window and fast-forwards
	// the share id counter so ids stay monotonic across restarts
	var maxShareID uint64
	replayed := 0
	err = store.Replay(func(s *ledger.Share) error {
		engine.AddShare(s)
		if s.ID > maxShareID {
			maxShareID = s.ID
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay share ledger: %w", err)
	}
	validator.SeedShareID(maxShareID)
	logger.Info("replayed share ledger",
		"records", replayed,
		"window_size", engine.WindowSize(),
		"last_share_id", maxShareID,
	)

	rpcClient, err := bitcoin.NewRPCClient(cfg.Bitcoin.RPCHost, cfg.Bitcoin.RPCPort,
		cfg.Bitcoin.RPCUser, cfg.Bitcoin.RPCPassword)
	if err != nil {
		return fmt.Errorf("failed to create bitcoin RPC client: %w", err)
	}
	defer rpcClient.Close()

	var notifier bitcoin.BlockNotifier
	if cfg.Bitcoin.ZMQHashBlockAddr != "" {
		zmqNotifier, err := bitcoin.NewZMQNotifier(cfg.Bitcoin.ZMQHashBlockAddr, logger)
		if err != nil {
			return fmt.Errorf("failed to create ZMQ notifier: %w", err)
		}
		defer func() {
			if err := zmqNotifier.Close(); err != nil {
				logger.WithError(err).Error("failed to close ZMQ notifier")
			}
		}()
		notifier = zmqNotifier
	}

	events, cleanupEvents, err := buildEventSinks(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupEvents()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An integrity failure means the ledger on disk can no longer be
	// trusted; stop taking shares rather than corrupt the accounting
	var fatal atomic.Bool
	onFatal := func(err error) {
		fatal.Store(true)
		logger.WithError(err).Error("ledger integrity failure, shutting down")
		cancel()
	}

	server := stratum.NewServer(stratum.Config{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.Stratum.ListenAddr, cfg.Stratum.ListenPort),
		StartDifficulty: cfg.Stratum.StartDifficulty,
		MinDifficulty:   cfg.Stratum.MinimumDifficulty,
		MaxDifficulty:   cfg.Stratum.MaximumDifficulty,
		ExtraNonce2Size: cfg.Stratum.ExtraNonce2Size,
		ReadTimeout:     cfg.Stratum.ReadTimeout,
		WriteTimeout:    cfg.Stratum.WriteTimeout,
		JobQueueSize:    cfg.Stratum.JobQueueSize,
		PersistRejected: cfg.Pool.PersistRejectedShares,
		Auth: stratum.AuthPolicy{
			DonationOnly: cfg.DonationOnly(),
			ChainParams:  chainParams,
		},
	}, jobManager, validator, store, engine, rpcClient, events, onFatal, logger)

	source := jobs.NewSource(rpcClient, notifier, jobManager,
		cfg.Bitcoin.PollInterval, cfg.Bitcoin.TemplateMaxAge,
		func(job *jobs.Job) {
			validator.PruneJobs()
			server.BroadcastJob(job)
		}, logger)

	// Shares are only accepted while the template is fresh enough to credit
	server.SetUpstreamCheck(source.Healthy)

	apiServer := api.NewServer(api.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.API.ListenAddr, cfg.API.ListenPort),
		Username:   cfg.API.Username,
		Password:   cfg.API.Password,
	}, store, engine, source, logger)

	errCh := make(chan error, 3)
	go func() {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("stratum server failed: %w", err)
		}
	}()
	go func() {
		if err := source.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("template source failed: %w", err)
		}
	}()
	go func() {
		if err := apiServer.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("api server failed: %w", err)
		}
	}()

	go pruneLoop(ctx, store, cfg.Ledger.WeightTTL, cfg.Ledger.PruneInterval, logger)

	if manager, ok := eventsManager(events); ok {
		manager.StartPeriodicTasks(ctx, func() (int, int, float64) {
			_, totalWeight := engine.Weights()
			return server.SessionCount(), engine.WindowSize(), totalWeight
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		runErr = err
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("stratum shutdown failed")
	}

	if fatal.Load() && runErr == nil {
		runErr = fmt.Errorf("stopped after ledger integrity failure")
	}
	return runErr
}

// pruneLoop enforces the weight retention window on the ledger. Entries old
// enough to have left every possible PPLNS window are deleted.
func pruneLoop(ctx context.Context, store *ledger.Store, ttl, interval time.Duration, logger *log.Logger) {
	if ttl <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := store.PruneBefore(time.Now().Add(-ttl))
			if err != nil {
				logger.WithError(err).Error("ledger prune failed")
				continue
			}
			if pruned > 0 {
				logger.Info("pruned aged ledger records", "records", pruned)
			}
		}
	}
}

// eventFanout delivers every pool event to each configured sink
type eventFanout []stratum.Events

func (f eventFanout) ShareOutcome(ctx context.Context, share *ledger.Share) {
	for _, e := range f {
		e.ShareOutcome(ctx, share)
	}
}

func (f eventFanout) BlockFound(ctx context.Context, share *ledger.Share, blockHex string) {
	for _, e := range f {
		e.BlockFound(ctx, share, blockHex)
	}
}

func (f eventFanout) RewardDistributions(ctx context.Context, blockHash string, dists []pplns.Distribution) {
	for _, e := range f {
		e.RewardDistributions(ctx, blockHash, dists)
	}
}

// buildEventSinks assembles the optional Kafka producer and storage manager
// into one Events sink. Returns nil when nothing is enabled.
func buildEventSinks(cfg *config.Config, logger *log.Logger) (stratum.Events, func(), error) {
	var sinks eventFanout
	var cleanups []func()
	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	if cfg.Kafka.Enabled {
		client := messaging.NewKafkaClient(cfg.Kafka.Brokers, logger.Logger)
		cleanups = append(cleanups, func() {
			if err := client.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka client")
			}
		})
		sinks = append(sinks, messaging.NewProducer(client, logger))
	}

	dbCfg := &database.Config{}
	if cfg.Postgres.Enabled {
		dbCfg.Postgres = &postgres.Config{
			Host:         cfg.Postgres.Host,
			Port:         cfg.Postgres.Port,
			Database:     cfg.Postgres.Database,
			User:         cfg.Postgres.User,
			Password:     cfg.Postgres.Password,
			SSLMode:      cfg.Postgres.SSLMode,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.Redis.Enabled {
		dbCfg.Redis = &redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.Influx.Enabled {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}
	}

	if dbCfg.Postgres != nil || dbCfg.Redis != nil || dbCfg.Influx != nil {
		manager, err := database.NewManager(dbCfg, logger)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to connect storage backends: %w", err)
		}
		cleanups = append(cleanups, func() {
			if err := manager.Close(); err != nil {
				logger.WithError(err).Error("failed to close storage backends")
			}
		})
		sinks = append(sinks, manager)
	}

	if len(sinks) == 0 {
		return nil, cleanup, nil
	}
	return sinks, cleanup, nil
}

// eventsManager digs the storage manager back out of the fanout so periodic
// metric tasks can be started with live pool state.
func eventsManager(events stratum.Events) (*database.Manager, bool) {
	fanout, ok := events.(eventFanout)
	if !ok {
		return nil, false
	}
	for _, sink := range fanout {
		if manager, ok := sink.(*database.Manager); ok {
			return manager, true
		}
	}
	return nil, false
}
