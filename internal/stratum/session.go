package stratum

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/tidepool/pkg/log"
)

// Session represents one miner connection and its protocol state. The state
// machine is: connected, subscribed after mining.subscribe, authorized after
// mining.authorize; submits are only honored once both have happened.
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	// Session state
	subscribed  bool
	authorized  bool
	username    string
	workerName  string
	extraNonce1 []byte
	difficulty  float64

	// Vardiff tracking
	lastShareTime time.Time
	shareCount    int64
	vardiffWindow time.Duration
	vardiffTarget time.Duration

	// Connection management
	readTimeout  time.Duration
	writeTimeout time.Duration

	// outbound carries responses; jobQueue carries mining.notify payloads
	// and drops its oldest entry when a slow miner lets it fill up
	outbound chan []byte
	jobQueue chan []byte
	done     chan struct{}

	mu sync.RWMutex
}

// NewSession creates a session for an accepted connection. jobQueueSize
// bounds buffered job notifications.
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration, jobQueueSize int) *Session {
	return &Session{
		id:            id,
		conn:          conn,
		logger:        logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		difficulty:    1.0,
		vardiffWindow: 90 * time.Second,
		vardiffTarget: 30 * time.Second,
		readTimeout:   readTimeout,
		writeTimeout:  writeTimeout,
		outbound:      make(chan []byte, 100),
		jobQueue:      make(chan []byte, jobQueueSize),
		done:          make(chan struct{}),
	}
}

// Start begins processing the session
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handler)
}

// readLoop handles incoming messages from the client
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	buf := GetBuffer()
	defer PutBuffer(buf)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(buf, len(buf))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		// The read deadline doubles as the idle timeout; a miner that goes
		// quiet past it is disconnected
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.logger.WithError(err).Error("failed to set read deadline")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.logger.WithError(err).Error("scanner error")
				return err
			}
			s.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			// Malformed traffic is a protocol violation; answer and drop
			// the connection
			s.logger.WithError(err).Warn("failed to parse message, closing session")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			return nil
		}

		err = handler.HandleMessage(ctx, s, msg)
		PutMessage(msg)
		if err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
	}
}

// writeLoop drains responses and job notifications to the client. Responses
// take priority over queued jobs.
func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Error("failed to close connection", "error", err)
		}
	}()

	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			s.flushOutbound()
			return
		case data = <-s.outbound:
		default:
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				s.flushOutbound()
				return
			case data = <-s.outbound:
			case data = <-s.jobQueue:
			}
		}

		if err := s.writeLine(data); err != nil {
			return
		}
	}
}

// flushOutbound drains responses queued before the session closed, so a
// miner disconnected for cause still sees the final error.
func (s *Session) flushOutbound() {
	for {
		select {
		case data := <-s.outbound:
			if err := s.writeLine(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeLine(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.logger.WithError(err).Error("failed to set write deadline")
		return err
	}

	data = append(data, '\n')
	if _, err := s.conn.Write(data); err != nil {
		s.logger.WithError(err).Error("failed to write message")
		return err
	}

	s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
	return nil
}

// SendMessage sends a message to the client
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendJob queues a mining.notify. When the queue is full the oldest pending
// job is dropped; the miner only ever misses work that newer work already
// superseded.
func (s *Session) SendJob(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	for {
		select {
		case s.jobQueue <- data:
			return nil
		case <-s.done:
			return fmt.Errorf("session closed")
		default:
		}

		select {
		case <-s.jobQueue:
			s.logger.Debug("dropped oldest queued job")
		default:
		}
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close closes the session
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	}
}

// Done exposes the session's closed state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// IsSubscribed returns whether the session has completed mining.subscribe.
func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// SetSubscribed sets the subscription status of the session.
func (s *Session) SetSubscribed(subscribed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = subscribed
}

// IsAuthorized returns whether the session has completed mining.authorize.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// SetAuthorized sets the authorization status of the session.
func (s *Session) SetAuthorized(authorized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = authorized
}

// Username returns the miner's username (payout address).
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetUsername sets the miner's username (payout address).
func (s *Session) SetUsername(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
}

// WorkerName returns the worker name for this session.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// SetWorkerName sets the worker name for this session.
func (s *Session) SetWorkerName(workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerName = workerName
}

// ExtraNonce1 returns the session's extranonce prefix.
func (s *Session) ExtraNonce1() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce1
}

// ExtraNonce1Hex returns the extranonce prefix as subscribe responses
// carry it.
func (s *Session) ExtraNonce1Hex() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hex.EncodeToString(s.extraNonce1)
}

// SetExtraNonce1 sets the session's extranonce prefix.
func (s *Session) SetExtraNonce1(extraNonce1 []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraNonce1 = extraNonce1
}

// Difficulty returns the current difficulty target for this session.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty sets the difficulty target for this session.
func (s *Session) SetDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = difficulty
}

// RecordShare records a share submission for vardiff calculation
func (s *Session) RecordShare() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastShareTime = time.Now()
	s.shareCount++
}

// ShouldAdjustDifficulty checks if difficulty should be adjusted based on
// the observed share rate
func (s *Session) ShouldAdjustDifficulty() (bool, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.shareCount == 0 {
		return false, s.difficulty
	}

	timeSinceLastShare := time.Since(s.lastShareTime)
	if timeSinceLastShare < s.vardiffWindow {
		return false, s.difficulty
	}

	avgShareTime := timeSinceLastShare / time.Duration(s.shareCount)

	targetRatio := avgShareTime.Seconds() / s.vardiffTarget.Seconds()
	newDifficulty := s.difficulty * targetRatio

	// 10% hysteresis
	const minAdjustment = 0.1
	if targetRatio > 1+minAdjustment || targetRatio < 1-minAdjustment {
		return true, newDifficulty
	}

	return false, s.difficulty
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
