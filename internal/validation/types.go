package validation

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/tidepool/internal/ledger"
)

// Stratum rejection codes returned to miners
const (
	CodeOther         = 20
	CodeJobNotFound   = 21
	CodeDuplicate     = 22
	CodeLowDifficulty = 23
	CodeUnauthorized  = 24
	CodeNotSubscribed = 25
)

// Rejection carries the stratum error code and reason for a rejected share
type Rejection struct {
	Code   int
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("share rejected (%d): %s", r.Code, r.Reason)
}

func reject(code int, reason string) *Rejection {
	return &Rejection{Code: code, Reason: reason}
}

// Submission is a mining.submit request paired with the submitting session's
// state. Hex fields arrive exactly as the miner sent them.
type Submission struct {
	Username    string
	WorkerName  string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	// Version is the optional version-rolling bits parameter; empty when the
	// miner did not negotiate version rolling
	Version string

	// Session state at submit time
	ExtraNonce1 []byte
	Difficulty  float64
	SubmittedAt time.Time
}

// Result is the outcome of running a submission through the validator.
// Share is populated for accepted shares and, when rejected-share retention
// is on, for rejections past the duplicate check.
type Result struct {
	Share          *ledger.Share
	Rejection      *Rejection
	BlockCandidate bool
	// CoinbaseTx is the filled-in coinbase for block candidates, needed to
	// reconstruct the full block for submission
	CoinbaseTx *wire.MsgTx

	// Duplicate-index entry recorded for this submission, so the caller can
	// release it when the share never became durable
	dupJobID uint64
	dupKey   string
}

// Accepted reports whether the share passed the full pipeline
func (r *Result) Accepted() bool {
	return r.Rejection == nil
}
