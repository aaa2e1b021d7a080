package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BlockRepository handles found-block and reward archive operations
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock inserts a found block
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (height, hash, miner_address, worker_name, share_id,
		                    difficulty, reward_sats, status, confirmations, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		block.Height, block.Hash, block.MinerAddress, block.WorkerName, block.ShareID,
		block.Difficulty, block.Reward, block.Status, block.Confirmations, block.FoundAt,
	).Scan(&block.ID)

	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}

	return nil
}

// CreateDistributions inserts the reward split for a block in one transaction
func (r *BlockRepository) CreateDistributions(ctx context.Context, dists []*RewardDistribution) error {
	if len(dists) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO reward_distributions (block_hash, address, amount_sats, weight, is_donation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	now := time.Now()
	for _, d := range dists {
		if err := tx.QueryRowContext(ctx, query,
			d.BlockHash, d.Address, d.Amount, d.Weight, d.IsDonation, now,
		).Scan(&d.ID); err != nil {
			return fmt.Errorf("failed to create reward distribution: %w", err)
		}
		d.CreatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reward distributions: %w", err)
	}

	return nil
}

// UpdateBlockStatus updates a block's confirmation state
func (r *BlockRepository) UpdateBlockStatus(ctx context.Context, hash, status string, confirmations int64) error {
	query := `
		UPDATE blocks
		SET status = $1, confirmations = $2,
		    confirmed_at = CASE WHEN $1 = 'confirmed' AND confirmed_at IS NULL THEN $3 ELSE confirmed_at END
		WHERE hash = $4`

	result, err := r.db.ExecContext(ctx, query, status, confirmations, time.Now(), hash)
	if err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("block not found: %s", hash)
	}

	return nil
}

// GetBlockByHash retrieves a block by its hash
func (r *BlockRepository) GetBlockByHash(ctx context.Context, hash string) (*Block, error) {
	query := `
		SELECT id, height, hash, miner_address, worker_name, share_id,
		       difficulty, reward_sats, status, confirmations, found_at, confirmed_at
		FROM blocks WHERE hash = $1`

	block := &Block{}
	err := r.db.QueryRowContext(ctx, query, hash).Scan(
		&block.ID, &block.Height, &block.Hash, &block.MinerAddress, &block.WorkerName,
		&block.ShareID, &block.Difficulty, &block.Reward, &block.Status,
		&block.Confirmations, &block.FoundAt, &block.ConfirmedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("block not found")
		}
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	return block, nil
}

// GetRecentBlocks retrieves the most recently found blocks
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit int) ([]*Block, error) {
	query := `
		SELECT id, height, hash, miner_address, worker_name, share_id,
		       difficulty, reward_sats, status, confirmations, found_at, confirmed_at
		FROM blocks
		ORDER BY found_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		if err := rows.Scan(
			&block.ID, &block.Height, &block.Hash, &block.MinerAddress, &block.WorkerName,
			&block.ShareID, &block.Difficulty, &block.Reward, &block.Status,
			&block.Confirmations, &block.FoundAt, &block.ConfirmedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading blocks: %w", err)
	}

	return blocks, nil
}

// GetDistributionsByBlock retrieves the reward split recorded for a block
func (r *BlockRepository) GetDistributionsByBlock(ctx context.Context, blockHash string) ([]*RewardDistribution, error) {
	query := `
		SELECT id, block_hash, address, amount_sats, weight, is_donation, created_at
		FROM reward_distributions
		WHERE block_hash = $1
		ORDER BY amount_sats DESC`

	rows, err := r.db.QueryContext(ctx, query, blockHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get reward distributions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dists []*RewardDistribution
	for rows.Next() {
		d := &RewardDistribution{}
		if err := rows.Scan(
			&d.ID, &d.BlockHash, &d.Address, &d.Amount, &d.Weight, &d.IsDonation, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reward distribution: %w", err)
		}
		dists = append(dists, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading reward distributions: %w", err)
	}

	return dists, nil
}
