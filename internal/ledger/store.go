package ledger

import (
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/bardlex/tidepool/pkg/errors"
	"github.com/bardlex/tidepool/pkg/log"
)

// syncWrite forces every append through fsync. Accounting durability depends
// on the record being on disk before the miner sees the accept response.
var syncWrite = &opt.WriteOptions{Sync: true}

// Store is the append-only share ledger. Appends are durable before they
// return; iteration yields records in submission order.
type Store struct {
	db     *leveldb.DB
	logger *log.Logger
}

// Open opens (or creates) the ledger at path. A corrupted manifest is
// recovered in place; corrupted data blocks surface later as integrity
// errors during reads.
func Open(path string, logger *log.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lerrors.IsCorrupted(err) {
		logger.Warn("ledger corrupted, attempting recovery", "path", path)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "ledger_open", "failed to open share ledger").
			WithContext("path", path)
	}

	return &Store{db: db, logger: logger.WithComponent("ledger")}, nil
}

// OpenMemory opens an in-memory ledger. Used by tests and throwaway
// load-testing setups.
func OpenMemory(logger *log.Logger) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "ledger_open", "failed to open in-memory ledger")
	}
	return &Store{db: db, logger: logger.WithComponent("ledger")}, nil
}

// Close flushes and closes the underlying database
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "ledger_close", "failed to close share ledger")
	}
	return nil
}

// Append durably writes a share record. The (SubmittedAt, ID) key must be
// unused; a collision means the id counter or clock went backwards and the
// ledger can no longer be trusted, so the error is fatal.
func (s *Store) Append(share *Share) error {
	key := encodeKey(share.SubmittedAt, share.ID)

	exists, err := s.db.Has(key, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "ledger_append", "failed to check ledger key").
			WithContext("share_id", share.ID)
	}
	if exists {
		return errors.New(errors.ErrorTypeIntegrity, "ledger_append", "ledger key collision").
			WithContext("share_id", share.ID).
			WithContext("submitted_at", share.SubmittedAt)
	}

	data, err := EncodeShare(share)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "ledger_append", "failed to encode share").
			WithContext("share_id", share.ID)
	}

	if err := s.db.Put(key, data, syncWrite); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "ledger_append", "failed to write share").
			WithContext("share_id", share.ID)
	}

	return nil
}

// AscendRange calls fn for every share with from <= SubmittedAt <= to, in
// submission order. A zero bound is unbounded on that side. Returning a
// non-nil error from fn stops the scan.
func (s *Store) AscendRange(from, to time.Time, fn func(*Share) error) error {
	r := &util.Range{}
	if !from.IsZero() {
		r.Start = encodeKey(from, 0)
	}
	if !to.IsZero() {
		// Keys carry nanosecond timestamps, so the first key past to is the
		// exclusive limit for an inclusive bound
		r.Limit = encodeKey(to.Add(time.Nanosecond), 0)
	}
	return s.scan(r, fn)
}

// Replay calls fn for every share in the ledger, oldest first. Used on
// startup to rebuild the in-memory PPLNS window.
func (s *Store) Replay(fn func(*Share) error) error {
	return s.scan(nil, fn)
}

func (s *Store) scan(r *util.Range, fn func(*Share) error) error {
	iter := s.db.NewIterator(r, nil)
	defer iter.Release()

	for iter.Next() {
		share, err := DecodeShare(iter.Value())
		if err != nil {
			_, id, _ := decodeKey(iter.Key())
			return errors.Wrap(err, errors.ErrorTypeIntegrity, "ledger_scan", "undecodable ledger record").
				WithContext("share_id", id)
		}
		if err := fn(share); err != nil {
			return err
		}
	}

	if err := iter.Error(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "ledger_scan", "ledger iteration failed")
	}
	return nil
}

// PruneBefore deletes every record older than cutoff and returns the number
// removed. Retention is bounded by the configured weight TTL; pruned records
// have already aged out of any PPLNS window.
func (s *Store) PruneBefore(cutoff time.Time) (int, error) {
	r := &util.Range{Limit: encodeKey(cutoff, 0)}

	iter := s.db.NewIterator(r, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "ledger_prune", "ledger iteration failed")
	}

	if batch.Len() == 0 {
		return 0, nil
	}

	if err := s.db.Write(batch, syncWrite); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "ledger_prune", "failed to delete pruned records")
	}

	s.logger.Info("pruned ledger records", "count", batch.Len(), "cutoff", cutoff)
	return batch.Len(), nil
}
