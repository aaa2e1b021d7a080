// Package ledger implements the durable, append-only share ledger backing
// PPLNS accounting. Records are stored in LevelDB under keys ordered by
// submission time, so range scans replay shares in the order they were
// accepted.
package ledger

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Outcome is the validated result of a share submission
type Outcome uint8

const (
	// OutcomeAccepted means the share passed validation and counts toward
	// the PPLNS window
	OutcomeAccepted Outcome = 1
	// OutcomeRejected means the share failed validation; persisted only when
	// rejected-share retention is enabled
	OutcomeRejected Outcome = 2
	// OutcomeBlock means the share additionally met the network target
	OutcomeBlock Outcome = 3
)

// String returns a human-readable outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Counts reports whether the outcome contributes PPLNS weight
func (o Outcome) Counts() bool {
	return o == OutcomeAccepted || o == OutcomeBlock
}

// Share is the canonical ledger record for a validated share submission.
// IDs are assigned from a process-wide monotonic counter; the pair
// (SubmittedAt, ID) forms the ledger key and must be unique.
type Share struct {
	ID          uint64
	JobID       uint64
	Username    string
	WorkerName  string
	ExtraNonce2 []byte
	NTime       uint32
	Nonce       uint32
	Version     uint32
	// Difficulty is the session difficulty the share was submitted against
	Difficulty float64
	// ActualDifficulty is the difficulty implied by the share's header hash
	ActualDifficulty float64
	BlockHeight      int64
	BlockHash        chainhash.Hash
	SubmittedAt      time.Time
	Outcome          Outcome
	RejectReason     string
}
