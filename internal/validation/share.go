// Package validation runs submitted shares through the acceptance pipeline:
// job lookup, staleness, field parsing, time bounds, duplicate detection,
// difficulty and block candidacy, in that order. The first failing stage
// determines the rejection code, so miners always see the most specific
// reason.
package validation

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/bardlex/tidepool/internal/bitcoin"
	"github.com/bardlex/tidepool/internal/jobs"
	"github.com/bardlex/tidepool/internal/ledger"
	"github.com/bardlex/tidepool/pkg/log"
)

// Config holds validator tuning
type Config struct {
	ExtraNonce2Size int
	// IgnoreDifficulty skips the share target check; duplicate and
	// staleness checks still run. For load-testing setups.
	IgnoreDifficulty bool
	// MaxTimeSkew bounds how far a share's ntime may sit in the future
	MaxTimeSkew time.Duration
}

// Validator validates share submissions against current jobs
type Validator struct {
	cfg    Config
	jobs   *jobs.Manager
	dupes  *duplicateIndex
	logger *log.Logger

	// lastShareID seeds share ids; restored from the ledger on startup so
	// ids stay monotonic across restarts
	lastShareID atomic.Uint64
}

// NewValidator creates a share validator
func NewValidator(cfg Config, jobManager *jobs.Manager, logger *log.Logger) *Validator {
	if cfg.MaxTimeSkew <= 0 {
		cfg.MaxTimeSkew = 2 * time.Hour
	}
	return &Validator{
		cfg:    cfg,
		jobs:   jobManager,
		dupes:  newDuplicateIndex(),
		logger: logger.WithComponent("validation"),
	}
}

// SeedShareID fast-forwards the id counter past ids already in the ledger
func (v *Validator) SeedShareID(id uint64) {
	for {
		current := v.lastShareID.Load()
		if id <= current || v.lastShareID.CompareAndSwap(current, id) {
			return
		}
	}
}

// Validate runs the full pipeline on a submission. It never returns nil; a
// rejected share carries its stratum code in Result.Rejection.
func (v *Validator) Validate(sub *Submission) *Result {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now()
	}

	jobID, err := jobs.ParseJobID(sub.JobID)
	if err != nil {
		return &Result{Rejection: reject(CodeJobNotFound, "unknown job")}
	}

	job, ok := v.jobs.Get(jobID)
	if !ok {
		return &Result{Rejection: reject(CodeJobNotFound, "unknown job")}
	}
	if v.jobs.IsStale(jobID) {
		return &Result{Rejection: reject(CodeJobNotFound, "stale share")}
	}

	extraNonce2, err := hex.DecodeString(sub.ExtraNonce2)
	if err != nil || len(extraNonce2) != v.cfg.ExtraNonce2Size {
		return &Result{Rejection: reject(CodeOther, "invalid extranonce2")}
	}

	ntime, err := bitcoin.ParseHexUint32(sub.NTime)
	if err != nil {
		return &Result{Rejection: reject(CodeOther, "invalid ntime")}
	}
	nonce, err := bitcoin.ParseHexUint32(sub.Nonce)
	if err != nil {
		return &Result{Rejection: reject(CodeOther, "invalid nonce")}
	}

	var version uint32
	if sub.Version != "" {
		version, err = bitcoin.ParseHexUint32(sub.Version)
		if err != nil {
			return &Result{Rejection: reject(CodeOther, "invalid version")}
		}
	}

	if rej := v.checkNTime(ntime, job, sub.SubmittedAt); rej != nil {
		return &Result{Rejection: rej}
	}

	// Atomic check-and-record: concurrent identical submissions resolve to
	// exactly one acceptance
	key := shareKey(sub.ExtraNonce1, sub.ExtraNonce2, sub.NTime, sub.Nonce, sub.Version)
	if v.dupes.seenOrAdd(jobID, key) {
		return &Result{Rejection: reject(CodeDuplicate, "duplicate share")}
	}

	header, coinbaseTx, err := job.HeaderFromSubmission(sub.ExtraNonce1, extraNonce2, ntime, nonce, version)
	if err != nil {
		return &Result{Rejection: reject(CodeOther, "invalid share")}
	}

	hash, err := bitcoin.HeaderHash(header)
	if err != nil {
		return &Result{Rejection: reject(CodeOther, "invalid share")}
	}

	share := &ledger.Share{
		ID:               v.lastShareID.Add(1),
		JobID:            jobID,
		Username:         sub.Username,
		WorkerName:       sub.WorkerName,
		ExtraNonce2:      extraNonce2,
		NTime:            ntime,
		Nonce:            nonce,
		Version:          version,
		Difficulty:       sub.Difficulty,
		ActualDifficulty: bitcoin.HashDifficulty(hash),
		BlockHeight:      job.Height,
		BlockHash:        hash,
		SubmittedAt:      sub.SubmittedAt,
		Outcome:          ledger.OutcomeAccepted,
	}

	if !v.cfg.IgnoreDifficulty {
		target := bitcoin.DifficultyToTarget(sub.Difficulty)
		if !bitcoin.HashMeetsTarget(hash, target) {
			share.Outcome = ledger.OutcomeRejected
			share.RejectReason = "low difficulty share"
			return &Result{
				Share:     share,
				Rejection: reject(CodeLowDifficulty, "low difficulty share"),
				dupJobID:  jobID,
				dupKey:    key,
			}
		}
	}

	result := &Result{Share: share, dupJobID: jobID, dupKey: key}
	if bitcoin.HashMeetsTarget(hash, job.Target) {
		share.Outcome = ledger.OutcomeBlock
		result.BlockCandidate = true
		result.CoinbaseTx = coinbaseTx
	}
	return result
}

// checkNTime bounds the share timestamp: not before the template's time and
// not further than MaxTimeSkew into the future.
func (v *Validator) checkNTime(ntime uint32, job *jobs.Job, now time.Time) *Rejection {
	if int64(ntime) < job.Template.CurTime {
		return reject(CodeOther, "ntime out of range")
	}
	if int64(ntime) > now.Add(v.cfg.MaxTimeSkew).Unix() {
		return reject(CodeOther, "ntime out of range")
	}
	return nil
}

// Release forgets the duplicate-index entry recorded for result. Called when
// the share's ledger append failed: work that never became durable was never
// accepted, so resubmitting it must not be judged a duplicate.
func (v *Validator) Release(result *Result) {
	if result == nil || result.dupKey == "" {
		return
	}
	v.dupes.remove(result.dupJobID, result.dupKey)
}

// PruneJobs drops duplicate-tracking state for jobs that can no longer be
// submitted against.
func (v *Validator) PruneJobs() {
	v.dupes.retain(func(jobID uint64) bool {
		return !v.jobs.IsStale(jobID)
	})
}
