package validation

import (
	"encoding/hex"
	"strings"
	"sync"
)

// duplicateIndex records every share key seen per job so a resubmission of
// the same work is caught exactly once, even under concurrent submits. The
// check and the record are a single operation under the job set's lock; two
// racing identical submissions can never both pass.
type duplicateIndex struct {
	mu   sync.Mutex
	jobs map[uint64]*jobShareSet
}

type jobShareSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newDuplicateIndex() *duplicateIndex {
	return &duplicateIndex{jobs: make(map[uint64]*jobShareSet)}
}

// shareKey builds the uniqueness key for a submission within a job. The
// extranonce1 participates because two sessions can legitimately submit the
// same (extranonce2, ntime, nonce) against different headers; the version
// bits participate so a version-rolled resubmission of the same nonce is
// distinct work.
func shareKey(extraNonce1 []byte, extraNonce2, ntime, nonce, version string) string {
	en1 := hex.EncodeToString(extraNonce1)
	var b strings.Builder
	b.Grow(len(en1) + len(extraNonce2) + len(ntime) + len(nonce) + len(version) + 4)
	b.WriteString(en1)
	b.WriteByte(':')
	b.WriteString(strings.ToLower(extraNonce2))
	b.WriteByte(':')
	b.WriteString(strings.ToLower(ntime))
	b.WriteByte(':')
	b.WriteString(strings.ToLower(nonce))
	b.WriteByte(':')
	b.WriteString(strings.ToLower(version))
	return b.String()
}

// seenOrAdd atomically checks whether key was already submitted for jobID
// and records it if not. Returns true when the key was already present.
func (d *duplicateIndex) seenOrAdd(jobID uint64, key string) bool {
	d.mu.Lock()
	set, ok := d.jobs[jobID]
	if !ok {
		set = &jobShareSet{seen: make(map[string]struct{})}
		d.jobs[jobID] = set
	}
	d.mu.Unlock()

	set.mu.Lock()
	defer set.mu.Unlock()
	if _, dup := set.seen[key]; dup {
		return true
	}
	set.seen[key] = struct{}{}
	return false
}

// remove forgets one recorded key, making a resubmission of that work look
// fresh again. Used when the accepted share failed to reach durable storage.
func (d *duplicateIndex) remove(jobID uint64, key string) {
	d.mu.Lock()
	set, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return
	}

	set.mu.Lock()
	delete(set.seen, key)
	set.mu.Unlock()
}

// retain drops the per-job sets for every job not in keep. Called when jobs
// age out; submissions against those jobs are already rejected as stale
// before the duplicate check.
func (d *duplicateIndex) retain(keep func(jobID uint64) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.jobs {
		if !keep(id) {
			delete(d.jobs, id)
		}
	}
}

// size returns the number of tracked jobs, for tests and stats
func (d *duplicateIndex) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}
