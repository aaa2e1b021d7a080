package bitcoin

import (
	"context"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/tidepool/pkg/log"
)

// ZMQNotifier subscribes to Bitcoin Core's hashblock notifications so the
// pool can fetch a fresh template the moment the chain tip moves, instead of
// waiting for the next poll.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket subscribed to hashblock
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.SetSubscribe("hashblock"); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to subscribe to hashblock: %w", err)
	}

	// Bounded receive timeout keeps the listen loop responsive to ctx
	if err := socket.SetRcvtimeo(time.Second); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set receive timeout: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Connect connects to the configured endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen blocks until ctx is cancelled, invoking onNewBlock with the hex
// block hash for every hashblock notification. Handler errors are logged,
// not propagated; a failed template refresh must not kill the listener.
func (z *ZMQNotifier) Listen(ctx context.Context, onNewBlock func(blockHash string) error) error {
	z.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(11) { // EAGAIN, receive timeout
				continue
			}
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		data := msg[1]

		if topic != "hashblock" {
			continue
		}
		if len(data) != 32 {
			z.logger.Warn("invalid block hash length", "length", len(data))
			continue
		}

		blockHash := reverseHex(data)
		z.logger.Info("new block notification", "block_hash", blockHash)

		if err := onNewBlock(blockHash); err != nil {
			z.logger.WithError(err).Error("failed to handle block notification", "block_hash", blockHash)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// reverseHex reverses bytes and converts to hex; ZMQ delivers hashes in
// internal little-endian order.
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return fmt.Sprintf("%x", reversed)
}
