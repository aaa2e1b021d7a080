package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
)

// TemplateSource is the subset of RPC operations the job manager needs.
// Defined here so consumers can substitute a fake node in tests.
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetBlockCount(ctx context.Context) (int64, error)
	SubmitBlock(ctx context.Context, blockHex string) error
	Ping(ctx context.Context) error
	Close()
}

// BlockNotifier delivers chain tip changes. Implemented by ZMQNotifier.
type BlockNotifier interface {
	Connect() error
	Listen(ctx context.Context, onNewBlock func(blockHash string) error) error
	Close() error
}

// Compile-time interface compliance checks
var (
	_ TemplateSource = (*RPCClient)(nil)
	_ BlockNotifier  = (*ZMQNotifier)(nil)
)
