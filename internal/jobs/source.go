package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/tidepool/internal/bitcoin"
	"github.com/bardlex/tidepool/pkg/errors"
	"github.com/bardlex/tidepool/pkg/log"
)

// Source drives job production: it polls getblocktemplate on an interval and
// refreshes immediately when a hashblock notification reports a new tip.
// Tip changes produce clean jobs; interval refreshes do not.
type Source struct {
	rpc      bitcoin.TemplateSource
	notifier bitcoin.BlockNotifier
	manager  *Manager
	logger   *log.Logger

	pollInterval time.Duration
	maxAge       time.Duration

	// onJob is invoked for every published job, typically to broadcast
	// mining.notify to connected sessions
	onJob func(*Job)

	trigger chan struct{}

	mu           sync.RWMutex
	lastFetch    time.Time
	lastPrevHash string
}

// NewSource creates a template source. notifier may be nil, in which case
// only interval polling drives refreshes.
func NewSource(rpc bitcoin.TemplateSource, notifier bitcoin.BlockNotifier, manager *Manager,
	pollInterval, maxAge time.Duration, onJob func(*Job), logger *log.Logger) *Source {
	return &Source{
		rpc:          rpc,
		notifier:     notifier,
		manager:      manager,
		logger:       logger.WithComponent("template_source"),
		pollInterval: pollInterval,
		maxAge:       maxAge,
		onJob:        onJob,
		trigger:      make(chan struct{}, 1),
	}
}

// Run blocks until ctx is cancelled. The first template fetch happens
// immediately so miners get work as soon as the daemon is up.
func (s *Source) Run(ctx context.Context) error {
	if s.notifier != nil {
		if err := s.notifier.Connect(); err != nil {
			return err
		}
		go func() {
			err := s.notifier.Listen(ctx, func(blockHash string) error {
				s.logger.Info("tip changed, requesting template refresh", "block_hash", blockHash)
				s.requestRefresh()
				return nil
			})
			if err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("ZMQ listener exited")
			}
		}()
	}

	if err := s.refresh(ctx); err != nil {
		// The node may still be warming up; polling will retry
		s.logger.WithError(err).Warn("initial template fetch failed")
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil {
				s.logger.WithError(err).Error("template refresh failed")
			}
		case <-s.trigger:
			if err := s.refresh(ctx); err != nil {
				s.logger.WithError(err).Error("template refresh failed")
			}
		}
	}
}

// requestRefresh coalesces refresh requests; a pending one is enough
func (s *Source) requestRefresh() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Source) refresh(ctx context.Context) error {
	template, err := s.rpc.GetBlockTemplate(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeUpstream, "template_refresh", "failed to fetch block template")
	}

	s.mu.Lock()
	cleanJobs := s.lastPrevHash != template.PreviousHash
	s.lastPrevHash = template.PreviousHash
	s.lastFetch = time.Now()
	s.mu.Unlock()

	job, err := s.manager.BuildJob(template, cleanJobs)
	if err != nil {
		return err
	}

	s.logger.WithJob(job.ID, job.Height).Info("published job", "clean_jobs", job.CleanJobs)
	if s.onJob != nil {
		s.onJob(job)
	}
	return nil
}

// Healthy reports whether a template was fetched recently enough to keep
// serving work. The health endpoint and submit path use this to surface
// upstream outages.
func (s *Source) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.lastFetch.IsZero() && time.Since(s.lastFetch) < s.maxAge
}
