package messaging

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/bardlex/tidepool/internal/ledger"
	"github.com/bardlex/tidepool/internal/pplns"
	"github.com/bardlex/tidepool/pkg/log"
)

// Topics carrying pool events for external consumers
const (
	TopicShareOutcomes = "pool.share_outcomes"
	TopicBlocks        = "pool.blocks"
	TopicRewards       = "pool.reward_distributions"
)

// ShareOutcomeEvent records the result of one share submission
type ShareOutcomeEvent struct {
	ShareID          uint64    `json:"share_id"`
	JobID            uint64    `json:"job_id"`
	MinerAddress     string    `json:"miner_address"`
	WorkerName       string    `json:"worker_name"`
	Difficulty       float64   `json:"difficulty"`
	ActualDifficulty float64   `json:"actual_difficulty"`
	BlockHeight      int64     `json:"block_height"`
	Outcome          string    `json:"outcome"`
	RejectReason     string    `json:"reject_reason,omitempty"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// BlockFoundEvent records a block the pool submitted to the network
type BlockFoundEvent struct {
	ShareID      uint64    `json:"share_id"`
	BlockHash    string    `json:"block_hash"`
	BlockHeight  int64     `json:"block_height"`
	MinerAddress string    `json:"miner_address"`
	WorkerName   string    `json:"worker_name"`
	Difficulty   float64   `json:"difficulty"`
	FoundAt      time.Time `json:"found_at"`
}

// RewardEvent records one output of a block reward split
type RewardEvent struct {
	BlockHash  string  `json:"block_hash"`
	Address    string  `json:"address"`
	Amount     int64   `json:"amount_sats"`
	Weight     float64 `json:"weight"`
	IsDonation bool    `json:"is_donation"`
}

// Producer publishes pool events. Errors are logged, never propagated: a
// broker outage must not reject shares.
type Producer struct {
	client *KafkaClient
	logger *log.Logger
}

// NewProducer creates an event producer on top of a Kafka client
func NewProducer(client *KafkaClient, logger *log.Logger) *Producer {
	return &Producer{
		client: client,
		logger: logger.WithComponent("messaging"),
	}
}

// ShareOutcome publishes the result of a share submission
func (p *Producer) ShareOutcome(ctx context.Context, share *ledger.Share) {
	p.emit(ctx, TopicShareOutcomes, strconv.FormatUint(share.ID, 10), shareOutcomeEvent(share))
}

// BlockFound publishes a network-submitted block
func (p *Producer) BlockFound(ctx context.Context, share *ledger.Share, _ string) {
	p.emit(ctx, TopicBlocks, share.BlockHash.String(), blockFoundEvent(share))
}

// RewardDistributions publishes the reward split computed for a found block
func (p *Producer) RewardDistributions(ctx context.Context, blockHash string, dists []pplns.Distribution) {
	for _, d := range dists {
		p.emit(ctx, TopicRewards, blockHash, RewardEvent{
			BlockHash:  blockHash,
			Address:    d.Address,
			Amount:     d.Amount,
			Weight:     d.Weight,
			IsDonation: d.IsDonation,
		})
	}
}

func (p *Producer) emit(ctx context.Context, topic, key string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("failed to marshal event", "topic", topic)
		return
	}
	if err := p.client.PublishJSON(ctx, topic, key, data); err != nil {
		p.logger.WithError(err).Error("failed to publish event", "topic", topic, "key", key)
	}
}

func shareOutcomeEvent(share *ledger.Share) ShareOutcomeEvent {
	return ShareOutcomeEvent{
		ShareID:          share.ID,
		JobID:            share.JobID,
		MinerAddress:     share.Username,
		WorkerName:       share.WorkerName,
		Difficulty:       share.Difficulty,
		ActualDifficulty: share.ActualDifficulty,
		BlockHeight:      share.BlockHeight,
		Outcome:          share.Outcome.String(),
		RejectReason:     share.RejectReason,
		SubmittedAt:      share.SubmittedAt,
	}
}

func blockFoundEvent(share *ledger.Share) BlockFoundEvent {
	return BlockFoundEvent{
		ShareID:      share.ID,
		BlockHash:    share.BlockHash.String(),
		BlockHeight:  share.BlockHeight,
		MinerAddress: share.Username,
		WorkerName:   share.WorkerName,
		Difficulty:   share.ActualDifficulty,
		FoundAt:      share.SubmittedAt,
	}
}
