package postgres

import "time"

// Block status values as stored in the blocks table
const (
	BlockStatusPending   = "pending"
	BlockStatusConfirmed = "confirmed"
	BlockStatusOrphaned  = "orphaned"
)

// Block is a network-submitted block found by the pool
type Block struct {
	ID            int64      `db:"id"`
	Height        int64      `db:"height"`
	Hash          string     `db:"hash"`
	MinerAddress  string     `db:"miner_address"`
	WorkerName    string     `db:"worker_name"`
	ShareID       int64      `db:"share_id"`
	Difficulty    float64    `db:"difficulty"`
	Reward        int64      `db:"reward_sats"`
	Status        string     `db:"status"`
	Confirmations int64      `db:"confirmations"`
	FoundAt       time.Time  `db:"found_at"`
	ConfirmedAt   *time.Time `db:"confirmed_at"`
}

// RewardDistribution is one output of a block reward split. Amounts are
// satoshis so they round-trip through the database exactly.
type RewardDistribution struct {
	ID         int64     `db:"id"`
	BlockHash  string    `db:"block_hash"`
	Address    string    `db:"address"`
	Amount     int64     `db:"amount_sats"`
	Weight     float64   `db:"weight"`
	IsDonation bool      `db:"is_donation"`
	CreatedAt  time.Time `db:"created_at"`
}
