// Package jobs turns block templates from Bitcoin Core into stratum mining
// jobs and tracks which job ids are still valid for share submission.
package jobs

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/tidepool/internal/bitcoin"
	"github.com/bardlex/tidepool/pkg/errors"
	"github.com/bardlex/tidepool/pkg/log"
)

// Job is a prepared unit of work distributed to miners. Coinb1/Coinb2 are
// shared across sessions; miners splice their own extranonce between them.
type Job struct {
	ID           uint64
	Height       int64
	PrevHash     string   // word-swapped hex as stratum expects
	Coinb1       string   // hex, up to the extranonce placeholder
	Coinb2       string   // hex, after the extranonce placeholder
	MerkleBranch []string // hex, internal byte order
	Version      string   // big-endian hex
	NBits        string
	NTime        string
	CleanJobs    bool
	Target       []byte // network target, 32 bytes big-endian
	Template     *btcjson.GetBlockTemplateResult
	CreatedAt    time.Time
}

// IDHex returns the job id as stratum sends it
func (j *Job) IDHex() string {
	return strconv.FormatUint(j.ID, 16)
}

// ParseJobID parses a stratum job id back to its numeric form
func ParseJobID(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// NotifyParams builds the mining.notify parameter list for this job
func (j *Job) NotifyParams() []any {
	return []any{
		j.IDHex(),
		j.PrevHash,
		j.Coinb1,
		j.Coinb2,
		j.MerkleBranch,
		j.Version,
		j.NBits,
		j.NTime,
		j.CleanJobs,
	}
}

// Config holds the parameters the manager needs to construct coinbases
type Config struct {
	ExtraNonce2Size  int
	PoolAddress      string
	DonationAddress  string
	DonationFraction float64
	Tag              bitcoin.CoinbaseTag
	ChainParams      *chaincfg.Params
	// Backlog is how many job generations back a submission is still honored
	// when no intervening job requested clean_jobs
	Backlog int
}

// Manager assigns monotonically increasing job ids, builds jobs from
// templates and answers staleness queries. Ids never repeat within a
// process, so a job id uniquely identifies its work.
type Manager struct {
	cfg    Config
	logger *log.Logger

	mu          sync.RWMutex
	nextID      uint64
	currentID   uint64
	lastCleanID uint64
	jobs        map[uint64]*Job
}

// NewManager creates a job manager
func NewManager(cfg Config, logger *log.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.WithComponent("jobs"),
		jobs:   make(map[uint64]*Job),
	}
}

// BuildJob constructs a job from a block template. cleanJobs marks work that
// invalidates everything before it, set when the chain tip moved.
func (m *Manager) BuildJob(template *btcjson.GetBlockTemplateResult, cleanJobs bool) (*Job, error) {
	var coinbaseValue int64
	if template.CoinbaseValue != nil {
		coinbaseValue = *template.CoinbaseValue
	}

	witnessCommitment := ""
	if template.DefaultWitnessCommitment != "" {
		witnessCommitment = template.DefaultWitnessCommitment
	}

	// The extranonce placeholder only needs the right width here; sessions
	// splice their own extranonce1 at submit time
	_, coinb1, coinb2, err := bitcoin.CreateCoinbase(bitcoin.CoinbaseParams{
		BlockHeight:       template.Height,
		Value:             coinbaseValue,
		ExtraNonce1:       make([]byte, extraNonce1Size),
		ExtraNonce2Size:   m.cfg.ExtraNonce2Size,
		PoolAddress:       m.cfg.PoolAddress,
		DonationAddress:   m.cfg.DonationAddress,
		DonationFraction:  m.cfg.DonationFraction,
		WitnessCommitment: witnessCommitment,
		Tag:               m.cfg.Tag,
		ChainParams:       m.cfg.ChainParams,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_job", "failed to build coinbase").
			WithContext("block_height", template.Height)
	}

	branch, err := merkleBranch(template)
	if err != nil {
		return nil, err
	}

	prevHash, err := stratumPrevHash(template.PreviousHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_job", "invalid previous hash").
			WithContext("prev_hash", template.PreviousHash)
	}

	target, err := bitcoin.ParseHexTarget(template.Target)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_job", "invalid network target")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	job := &Job{
		ID:           m.nextID,
		Height:       template.Height,
		PrevHash:     prevHash,
		Coinb1:       coinb1,
		Coinb2:       coinb2,
		MerkleBranch: branch,
		Version:      fmt.Sprintf("%08x", uint32(template.Version)),
		NBits:        template.Bits,
		NTime:        fmt.Sprintf("%08x", uint32(template.CurTime)),
		CleanJobs:    cleanJobs,
		Target:       target,
		Template:     template,
		CreatedAt:    time.Now(),
	}

	m.jobs[job.ID] = job
	m.currentID = job.ID
	if cleanJobs {
		m.lastCleanID = job.ID
	}
	m.pruneLocked()

	return job, nil
}

// Current returns the most recently built job, or nil before the first
// template arrives.
func (m *Manager) Current() *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[m.currentID]
}

// Get looks up a job by id
func (m *Manager) Get(id uint64) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// IsStale reports whether a submission against the given job id must be
// rejected as stale. A job is stale once a newer job requested clean work,
// or once it has fallen more than the configured backlog behind.
func (m *Manager) IsStale(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[id]; !ok {
		return true
	}
	if id < m.lastCleanID {
		return true
	}
	return id+uint64(m.cfg.Backlog) < m.currentID
}

// pruneLocked drops jobs that can no longer be submitted against, bounding
// the map. Caller holds m.mu.
func (m *Manager) pruneLocked() {
	for id := range m.jobs {
		if id != m.currentID && (id < m.lastCleanID || id+uint64(m.cfg.Backlog) < m.currentID) {
			delete(m.jobs, id)
		}
	}
}

// extraNonce1Size is the fixed width of the per-session extranonce prefix
const extraNonce1Size = 4

// ExtraNonce1Size exposes the session extranonce width
func ExtraNonce1Size() int { return extraNonce1Size }

// merkleBranch computes the coinbase merkle branch from the template's
// transaction ids. The branch is independent of the coinbase hash itself.
func merkleBranch(template *btcjson.GetBlockTemplateResult) ([]string, error) {
	hashes := make([]chainhash.Hash, len(template.Transactions)+1)
	for i, tx := range template.Transactions {
		id := tx.TxID
		if id == "" {
			id = tx.Hash
		}
		h, err := chainhash.NewHashFromStr(id)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "merkle_branch", "invalid transaction id").
				WithContext("txid", id)
		}
		hashes[i+1] = *h
	}

	branch := bitcoin.GetMerkleBranch(hashes, 0)
	out := make([]string, len(branch))
	for i, h := range branch {
		out[i] = hex.EncodeToString(h[:])
	}
	return out, nil
}

// stratumPrevHash converts a display-order block hash into the word-swapped
// form mining.notify carries: reverse the 32 bytes, then byte-swap each
// 32-bit word.
func stratumPrevHash(hash string) (string, error) {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("previous hash must be 32 bytes, got %d", len(raw))
	}

	reversed := make([]byte, 32)
	for i := range raw {
		reversed[i] = raw[31-i]
	}

	swapped := make([]byte, 32)
	for i := 0; i < 32; i += 4 {
		swapped[i] = reversed[i+3]
		swapped[i+1] = reversed[i+2]
		swapped[i+2] = reversed[i+1]
		swapped[i+3] = reversed[i]
	}
	return hex.EncodeToString(swapped), nil
}

// HeaderFromSubmission assembles the 80-byte header a miner claims to have
// solved, using the job's template and the session's extranonce.
func (j *Job) HeaderFromSubmission(extraNonce1, extraNonce2 []byte, ntime, nonce, version uint32) (*wire.BlockHeader, *wire.MsgTx, error) {
	coinbaseTx, err := bitcoin.FillExtraNonce(j.Coinb1, j.Coinb2, extraNonce1, extraNonce2)
	if err != nil {
		return nil, nil, err
	}

	coinbaseHash := coinbaseTx.TxHash()
	branch := make([]chainhash.Hash, len(j.MerkleBranch))
	for i, s := range j.MerkleBranch {
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != 32 {
			return nil, nil, fmt.Errorf("invalid merkle branch entry %d", i)
		}
		copy(branch[i][:], raw)
	}
	merkleRoot := bitcoin.MerkleRootFromBranch(coinbaseHash, branch)

	prevHash, err := chainhash.NewHashFromStr(j.Template.PreviousHash)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid previous hash: %w", err)
	}

	bits, err := bitcoin.ParseHexUint32(j.NBits)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid nbits: %w", err)
	}

	headerVersion := int32(j.Template.Version)
	if version != 0 {
		headerVersion = int32(version)
	}

	header := &wire.BlockHeader{
		Version:    headerVersion,
		PrevBlock:  *prevHash,
		MerkleRoot: merkleRoot,
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       bits,
		Nonce:      nonce,
	}
	return header, coinbaseTx, nil
}
