// Package database coordinates the pool's optional storage backends:
// PostgreSQL for the found-block and reward archive, Redis for hot stats,
// and InfluxDB for time-series metrics. The append-only share ledger is
// the record of truth; everything here is derived and best-effort, so
// backend outages never reject shares.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/tidepool/internal/database/influx"
	"github.com/bardlex/tidepool/internal/database/postgres"
	"github.com/bardlex/tidepool/internal/database/redis"
	"github.com/bardlex/tidepool/internal/ledger"
	"github.com/bardlex/tidepool/internal/pplns"
	"github.com/bardlex/tidepool/pkg/circuit"
	"github.com/bardlex/tidepool/pkg/errors"
	"github.com/bardlex/tidepool/pkg/log"
	"github.com/bardlex/tidepool/pkg/retry"
)

// hashrateWindow bounds how long per-worker hashrate samples stay relevant
const hashrateWindow = 10 * time.Minute

// Config holds configuration for the storage backends. A nil section
// disables that backend.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// PoolStatsFunc supplies a point-in-time pool snapshot for periodic metrics
type PoolStatsFunc func() (activeSessions int, windowShares int, totalWeight float64)

// Manager fans pool events out to whichever backends are configured
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Blocks *postgres.BlockRepository

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// NewManager connects the configured backends. Connections that were
// opened before a later one fails are closed again.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		circuitBreaker: circuit.New("archive", &circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.StoreConfig(),
		logger:      logger.WithComponent("database"),
	}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connection",
				"failed to connect to PostgreSQL")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = pgClient.EnsureSchema(ctx)
		cancel()
		if err != nil {
			_ = pgClient.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_schema",
				"failed to ensure archive schema")
		}

		m.Postgres = pgClient
		m.Blocks = postgres.NewBlockRepository(pgClient.DB())
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			m.close()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
				"failed to connect to Redis")
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			m.close()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "influx_connection",
				"failed to connect to InfluxDB")
		}
		m.Influx = influxClient
	}

	return m, nil
}

// Enabled reports whether any backend is configured
func (m *Manager) Enabled() bool {
	return m.Postgres != nil || m.Redis != nil || m.Influx != nil
}

func (m *Manager) close() {
	if m.Postgres != nil {
		_ = m.Postgres.Close()
	}
	if m.Redis != nil {
		_ = m.Redis.Close()
	}
	if m.Influx != nil {
		m.Influx.Close()
	}
}

// Close closes all configured backends
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks connectivity of every configured backend
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// ShareOutcome records one share result as metrics and hashrate samples.
// Failures are logged, never propagated.
func (m *Manager) ShareOutcome(ctx context.Context, share *ledger.Share) {
	if m.Influx != nil {
		m.Influx.WriteShareMetric(
			share.Username,
			share.WorkerName,
			share.Difficulty,
			share.ActualDifficulty,
			share.Outcome.String(),
		)
	}

	if m.Redis != nil && share.Outcome.Counts() {
		// Each share at difficulty D represents ~D*2^32 hashes; spread over
		// the 600s block interval this approximates the worker's hashrate.
		hashrate := share.Difficulty * 4294967296 / 600
		if err := m.Redis.SetHashrate(ctx, share.Username, share.WorkerName, hashrate, hashrateWindow); err != nil {
			m.logger.WithError(err).Warn("failed to update hashrate cache",
				"miner", share.Username, "worker", share.WorkerName)
		}
	}
}

// BlockFound archives a network-submitted block. The PostgreSQL insert
// runs behind the circuit breaker with retries; Redis and InfluxDB writes
// are best-effort.
func (m *Manager) BlockFound(ctx context.Context, share *ledger.Share, _ string) {
	block := &postgres.Block{
		Height:       share.BlockHeight,
		Hash:         share.BlockHash.String(),
		MinerAddress: share.Username,
		WorkerName:   share.WorkerName,
		ShareID:      int64(share.ID),
		Difficulty:   share.ActualDifficulty,
		Status:       postgres.BlockStatusPending,
		FoundAt:      share.SubmittedAt,
	}

	if m.Blocks != nil {
		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				return m.Blocks.CreateBlock(ctx, block)
			})
		})
		if err != nil {
			m.logger.WithError(err).Error("failed to archive block",
				"block_hash", block.Hash, "block_height", block.Height)
		}
	}

	if m.Influx != nil {
		m.Influx.WriteBlockMetric(block.Height, block.Hash, block.MinerAddress,
			block.WorkerName, block.Difficulty, block.Reward)
	}

	if m.Redis != nil {
		key := fmt.Sprintf("block:%d", block.Height)
		if err := m.Redis.SetCache(ctx, key, block, 24*time.Hour); err != nil {
			m.logger.WithError(err).Warn("failed to cache block", "block_hash", block.Hash)
		}
	}
}

// RewardDistributions archives the reward split computed for a found block
func (m *Manager) RewardDistributions(ctx context.Context, blockHash string, dists []pplns.Distribution) {
	if len(dists) == 0 {
		return
	}

	if m.Blocks != nil {
		rows := make([]*postgres.RewardDistribution, 0, len(dists))
		for _, d := range dists {
			rows = append(rows, &postgres.RewardDistribution{
				BlockHash:  blockHash,
				Address:    d.Address,
				Amount:     d.Amount,
				Weight:     d.Weight,
				IsDonation: d.IsDonation,
			})
		}

		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				return m.Blocks.CreateDistributions(ctx, rows)
			})
		})
		if err != nil {
			m.logger.WithError(err).Error("failed to archive reward distributions",
				"block_hash", blockHash, "outputs", len(dists))
		}
	}

	if m.Influx != nil {
		for _, d := range dists {
			m.Influx.WritePayoutMetric(d.Address, d.Amount, d.IsDonation)
		}
	}
}

// StartPeriodicTasks runs metric flushing and pool-stats sampling until
// ctx is cancelled. stats may be nil to disable the pool snapshot.
func (m *Manager) StartPeriodicTasks(ctx context.Context, stats PoolStatsFunc) {
	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	if stats == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sessions, windowShares, totalWeight := stats()
				m.Influx.WritePoolStatsMetric(int64(sessions), int64(windowShares), totalWeight)
			}
		}
	}()
}
