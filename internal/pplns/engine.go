// Package pplns maintains the share window used for pay-per-last-N-shares
// reward accounting and computes per-miner reward distributions when a block
// is found.
package pplns

import (
	"sort"
	"sync"
	"time"

	"github.com/bardlex/tidepool/internal/ledger"
	"github.com/bardlex/tidepool/pkg/log"
)

// Config bounds the share window and describes the donation split
type Config struct {
	// WindowShares caps the window by share count when > 0
	WindowShares int
	// WindowSpan caps the window by age, measured against the newest share's
	// submission time so replaying the ledger reproduces the same window
	WindowSpan time.Duration
	// DonationFraction of every reward goes to DonationAddress before the
	// pro-rata split
	DonationFraction float64
	DonationAddress  string
	// Disabled turns the engine into a no-op; set when the pool runs in
	// 100%-donation mode and per-miner accounting is meaningless
	Disabled bool
	// Solo attributes the whole miner split to the block finder instead of
	// the pro-rata window. The window is still tracked for statistics.
	Solo bool
}

type entry struct {
	shareID     uint64
	username    string
	weight      float64
	submittedAt time.Time
}

// Engine holds the rolling share window. Weights are the difficulty each
// counted share actually achieved; per-miner running sums avoid rescanning
// the window.
type Engine struct {
	cfg    Config
	logger *log.Logger

	mu          sync.Mutex
	window      []entry
	weights     map[string]float64
	totalWeight float64
}

// Distribution is one output of a reward split
type Distribution struct {
	Address    string
	Amount     int64
	Weight     float64
	IsDonation bool
}

// NewEngine creates a PPLNS engine
func NewEngine(cfg Config, logger *log.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		logger:  logger.WithComponent("pplns"),
		weights: make(map[string]float64),
	}
}

// AddShare admits a share into the window and evicts whatever no longer
// fits, oldest first. Shares that did not pass validation carry no weight.
func (e *Engine) AddShare(s *ledger.Share) {
	if e.cfg.Disabled || !s.Outcome.Counts() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.window = append(e.window, entry{
		shareID:     s.ID,
		username:    s.Username,
		weight:      s.ActualDifficulty,
		submittedAt: s.SubmittedAt,
	})
	e.weights[s.Username] += s.ActualDifficulty
	e.totalWeight += s.ActualDifficulty

	e.evictLocked(s.SubmittedAt)
}

// evictLocked drops entries beyond the count bound and entries older than
// the span bound relative to newest. Caller holds e.mu.
func (e *Engine) evictLocked(newest time.Time) {
	drop := 0

	if e.cfg.WindowShares > 0 {
		if excess := len(e.window) - e.cfg.WindowShares; excess > 0 {
			drop = excess
		}
	}

	if e.cfg.WindowSpan > 0 {
		cutoff := newest.Add(-e.cfg.WindowSpan)
		for drop < len(e.window) && e.window[drop].submittedAt.Before(cutoff) {
			drop++
		}
	}

	if drop == 0 {
		return
	}

	for _, old := range e.window[:drop] {
		e.weights[old.username] -= old.weight
		e.totalWeight -= old.weight
		if e.weights[old.username] <= 0 {
			delete(e.weights, old.username)
		}
	}
	e.window = append(e.window[:0], e.window[drop:]...)
}

// Replay rebuilds the window from the ledger, oldest first. Run at startup
// before accepting new shares; the resulting state matches what incremental
// AddShare calls would have produced.
func (e *Engine) Replay(store *ledger.Store) error {
	if e.cfg.Disabled {
		return nil
	}

	count := 0
	err := store.Replay(func(s *ledger.Share) error {
		e.AddShare(s)
		count++
		return nil
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	windowLen := len(e.window)
	e.mu.Unlock()

	e.logger.Info("replayed share ledger", "records", count, "window_size", windowLen)
	return nil
}

// WindowSize returns the number of shares currently in the window
func (e *Engine) WindowSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.window)
}

// Weights returns a copy of the per-miner weight sums and the total
func (e *Engine) Weights() (map[string]float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out, e.totalWeight
}

// Distribute splits a block reward: the donation fraction off the top, the
// remainder pro rata by window weight, or entirely to the finder in solo
// mode. Sub-satoshi remainders from flooring go to the heaviest miner (ties
// broken by address order) so the amounts always sum to the full reward.
// Returns nil when the engine is disabled or the window is empty.
func (e *Engine) Distribute(reward int64, finder string) []Distribution {
	if e.cfg.Disabled || reward <= 0 {
		return nil
	}

	donation := int64(float64(reward) * e.cfg.DonationFraction)

	if e.cfg.Solo {
		if finder == "" {
			return nil
		}
		var out []Distribution
		if donation > 0 {
			out = append(out, Distribution{
				Address:    e.cfg.DonationAddress,
				Amount:     donation,
				IsDonation: true,
			})
		}
		return append(out, Distribution{Address: finder, Amount: reward - donation})
	}

	weights, total := e.Weights()
	if total <= 0 || len(weights) == 0 {
		return nil
	}

	minerPool := reward - donation

	// Deterministic order for the pro-rata pass
	addresses := make([]string, 0, len(weights))
	for addr := range weights {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	var out []Distribution
	if donation > 0 {
		out = append(out, Distribution{
			Address:    e.cfg.DonationAddress,
			Amount:     donation,
			IsDonation: true,
		})
	}

	var assigned int64
	heaviest := 0
	for i, addr := range addresses {
		amount := int64(float64(minerPool) * (weights[addr] / total))
		assigned += amount
		out = append(out, Distribution{
			Address: addr,
			Amount:  amount,
			Weight:  weights[addr],
		})
		if weights[addr] > weights[addresses[heaviest]] {
			heaviest = i
		}
	}

	if residue := minerPool - assigned; residue > 0 {
		for i := range out {
			if !out[i].IsDonation && out[i].Address == addresses[heaviest] {
				out[i].Amount += residue
				break
			}
		}
	}

	return out
}
