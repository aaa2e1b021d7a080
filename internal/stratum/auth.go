package stratum

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/tidepool/internal/bitcoin"
	"github.com/bardlex/tidepool/pkg/errors"
)

// maxAuthFailures is how many consecutive failed mining.authorize attempts a
// username gets before it is blocked. The first failure answers with an
// error so a miner with a typo can retry; the second one blocks the username
// until the process restarts.
const maxAuthFailures = 2

// AuthRecord is the strike state for one username, shared by every session
// that submits it.
type AuthRecord struct {
	Failures int
	Blocked  bool
}

// authTracker keys strike state by submitted username so a reconnect does
// not grant a fresh strike budget. Blocked usernames stay blocked for the
// life of the process.
type authTracker struct {
	mu      sync.Mutex
	records map[string]*AuthRecord
}

func newAuthTracker() *authTracker {
	return &authTracker{records: make(map[string]*AuthRecord)}
}

// Blocked reports whether username has struck out. Blocked usernames are
// rejected before any address validation runs.
func (t *authTracker) Blocked(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[username]
	return ok && rec.Blocked
}

// RecordFailure counts one failed authorize for username and reports whether
// it just struck out.
func (t *authTracker) RecordFailure(username string) (failures int, blocked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[username]
	if !ok {
		rec = &AuthRecord{}
		t.records[username] = rec
	}
	rec.Failures++
	if rec.Failures >= maxAuthFailures {
		rec.Blocked = true
	}
	return rec.Failures, rec.Blocked
}

// Reset clears the strike count after a successful authorize; only
// consecutive failures block.
func (t *authTracker) Reset(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, username)
}

// AuthPolicy decides whether a mining.authorize username grants access
type AuthPolicy struct {
	// DonationOnly skips payout address validation; the pool pays the whole
	// reward to the donation address so any username is accepted as a label
	DonationOnly bool
	ChainParams  *chaincfg.Params
}

// Authorize validates a username of the form "address.worker" and returns
// its parts. The address must be a valid payout address for the configured
// network unless the pool runs donation-only.
func (p AuthPolicy) Authorize(username string) (address, worker string, err error) {
	address, worker = SplitUsername(username)
	if address == "" {
		return "", "", errors.New(errors.ErrorTypeAuth, "authorize", "empty payout address")
	}

	if p.DonationOnly {
		return address, worker, nil
	}

	if err := bitcoin.ValidatePayoutAddress(address, p.ChainParams); err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeAuth, "authorize", "invalid payout address")
	}
	return address, worker, nil
}
