package stratum

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/tidepool/internal/bitcoin"
	"github.com/bardlex/tidepool/internal/jobs"
	"github.com/bardlex/tidepool/internal/ledger"
	"github.com/bardlex/tidepool/internal/pplns"
	"github.com/bardlex/tidepool/internal/validation"
	"github.com/bardlex/tidepool/pkg/errors"
	"github.com/bardlex/tidepool/pkg/log"
)

// Config holds server tuning
type Config struct {
	ListenAddr      string
	StartDifficulty float64
	MinDifficulty   float64
	MaxDifficulty   float64
	ExtraNonce2Size int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// JobQueueSize bounds per-session buffered job notifications
	JobQueueSize int
	// PersistRejected records rejected shares in the ledger for auditing
	PersistRejected bool
	Auth            AuthPolicy
}

// Events receives share and block notifications for downstream consumers.
// A nil Events sink disables event publication.
type Events interface {
	ShareOutcome(ctx context.Context, share *ledger.Share)
	BlockFound(ctx context.Context, share *ledger.Share, blockHex string)
	RewardDistributions(ctx context.Context, blockHash string, dists []pplns.Distribution)
}

// Server accepts miner connections and drives the stratum protocol. Each
// connection gets its own Session; the server is the MessageHandler for all
// of them.
type Server struct {
	cfg       Config
	logger    *log.Logger
	jobs      *jobs.Manager
	validator *validation.Validator
	store     *ledger.Store
	engine    *pplns.Engine
	node      bitcoin.TemplateSource
	events    Events

	listener net.Listener
	sessions map[string]*Session
	auth     *authTracker
	mu       sync.RWMutex
	wg       sync.WaitGroup

	// upstreamOK reports whether the template source is fresh enough to
	// accept work against; nil means always accept
	upstreamOK func() bool

	extraNonceSeq atomic.Uint32
	sessionSeq    atomic.Uint64

	// onFatal is invoked when the ledger reports an integrity violation;
	// accounting cannot be trusted past that point
	onFatal func(error)
}

// NewServer creates a stratum server. events and onFatal may be nil.
func NewServer(cfg Config, jobManager *jobs.Manager, validator *validation.Validator, store *ledger.Store, engine *pplns.Engine, node bitcoin.TemplateSource, events Events, onFatal func(error), logger *log.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.WithComponent("stratum"),
		jobs:      jobManager,
		validator: validator,
		store:     store,
		engine:    engine,
		node:      node,
		events:    events,
		sessions:  make(map[string]*Session),
		auth:      newAuthTracker(),
		onFatal:   onFatal,
	}
	// Seed so extranonce prefixes differ across restarts
	s.extraNonceSeq.Store(uint32(time.Now().UnixNano()))
	return s
}

// Start listens for miner connections and blocks until ctx is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "listen",
			fmt.Sprintf("failed to listen on %s", s.cfg.ListenAddr))
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("server listening", "address", s.cfg.ListenAddr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.logger.WithError(err).Error("failed to accept connection")
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sessionID := fmt.Sprintf("session_%d", s.sessionSeq.Add(1))
	session := NewSession(sessionID, conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout, s.cfg.JobQueueSize)

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}()

	if err := session.Start(ctx, s); err != nil && err != context.Canceled {
		s.logger.WithError(err).Debug("session ended with error", "session_id", sessionID)
	}
}

// Shutdown closes the listener and all sessions, then waits for connection
// goroutines to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.RLock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close listener")
		}
	}
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// SetUpstreamCheck wires the template source's freshness probe into the
// submit path. Called once during startup, before Start.
func (s *Server) SetUpstreamCheck(fn func() bool) {
	s.upstreamOK = fn
}

// SessionCount returns the number of connected miners
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// BroadcastJob pushes a job to every subscribed session. Wired as the job
// source's publication callback.
func (s *Server) BroadcastJob(job *jobs.Job) {
	params := job.NotifyParams()

	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for _, session := range s.sessions {
		if !session.IsSubscribed() {
			continue
		}
		if err := session.SendJob(NewNotification("mining.notify", params)); err != nil {
			s.logger.WithError(err).Debug("failed to queue job", "session_id", session.ID())
			continue
		}
		sent++
	}

	s.logger.LogJobDistribution(job.ID, job.Height, job.CleanJobs, sent)
}

// HandleMessage dispatches one parsed stratum message for a session
func (s *Server) HandleMessage(ctx context.Context, session *Session, msg *Message) error {
	if !msg.IsRequest() {
		s.logger.Debug("ignoring non-request message", "method", msg.Method)
		return nil
	}

	switch msg.Method {
	case "mining.subscribe":
		return s.handleSubscribe(session, msg)
	case "mining.authorize":
		return s.handleAuthorize(session, msg)
	case "mining.submit":
		return s.handleSubmit(ctx, session, msg)
	default:
		s.logger.Warn("unknown method", "method", msg.Method)
		return session.SendError(msg.ID, ErrorMethodNotFound, "Method not found")
	}
}

func (s *Server) handleSubscribe(session *Session, msg *Message) error {
	req, err := ParseSubscribeRequest(msg.Params)
	if err != nil {
		// A client that cannot form a subscribe request is not worth keeping
		sendErr := session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
		session.Close()
		return sendErr
	}

	extraNonce1 := s.nextExtraNonce1()
	session.SetExtraNonce1(extraNonce1)
	session.SetSubscribed(true)

	s.logger.Info("miner subscribed",
		"session_id", session.ID(),
		"user_agent", req.UserAgent,
	)

	return session.SendResponse(msg.ID, []any{
		[][]string{
			{"mining.set_difficulty", session.ID()},
			{"mining.notify", session.ID()},
		},
		session.ExtraNonce1Hex(),
		s.cfg.ExtraNonce2Size,
	})
}

// nextExtraNonce1 allocates a session-unique extranonce prefix
func (s *Server) nextExtraNonce1() []byte {
	buf := make([]byte, jobs.ExtraNonce1Size())
	binary.BigEndian.PutUint32(buf, s.extraNonceSeq.Add(1))
	return buf
}

func (s *Server) handleAuthorize(session *Session, msg *Message) error {
	if !session.IsSubscribed() {
		return session.SendError(msg.ID, ErrorNotSubscribed, "Not subscribed")
	}

	req, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	// Strike state is keyed by username, not session; donation-only pools
	// accept any label so nothing is tracked there
	if !s.cfg.Auth.DonationOnly && s.auth.Blocked(req.Username) {
		s.logger.Info("authorization blocked", "username", req.Username)
		if sendErr := session.SendError(msg.ID, ErrorUnauthorized, "Unauthorized"); sendErr != nil {
			return sendErr
		}
		session.Close()
		return nil
	}

	address, worker, err := s.cfg.Auth.Authorize(req.Username)
	if err != nil {
		failures, blocked := 1, false
		if !s.cfg.Auth.DonationOnly {
			failures, blocked = s.auth.RecordFailure(req.Username)
		}
		s.logger.WithError(err).Info("authorization rejected",
			"username", req.Username,
			"failures", failures,
		)

		if sendErr := session.SendError(msg.ID, ErrorUnauthorized, "Invalid payout address"); sendErr != nil {
			return sendErr
		}
		if blocked {
			session.Close()
		}
		return nil
	}

	if !s.cfg.Auth.DonationOnly {
		s.auth.Reset(req.Username)
	}

	session.SetUsername(address)
	session.SetWorkerName(worker)
	session.SetAuthorized(true)

	s.logger.Info("miner authorized",
		"miner_address", address,
		"worker_name", worker,
	)

	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}

	difficulty := s.clampDifficulty(s.cfg.StartDifficulty)
	session.SetDifficulty(difficulty)
	if err := session.SendNotification("mining.set_difficulty", []any{difficulty}); err != nil {
		s.logger.WithError(err).Error("failed to send difficulty")
	}

	// A freshly authorized miner starts clean on the current job
	if job := s.jobs.Current(); job != nil {
		params := job.NotifyParams()
		params[len(params)-1] = true
		if err := session.SendJob(NewNotification("mining.notify", params)); err != nil {
			s.logger.WithError(err).Error("failed to send initial job")
		}
	}

	return nil
}

func (s *Server) handleSubmit(ctx context.Context, session *Session, msg *Message) error {
	if !session.IsSubscribed() {
		return session.SendError(msg.ID, ErrorNotSubscribed, "Not subscribed")
	}
	if !session.IsAuthorized() {
		return session.SendError(msg.ID, ErrorUnauthorized, "Not authorized")
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	// Once the current template is past its staleness tolerance, work
	// against it cannot be honestly credited; pause until the source recovers
	if s.upstreamOK != nil && !s.upstreamOK() {
		return session.SendError(msg.ID, ErrorOther, "Upstream unavailable")
	}

	session.RecordShare()

	result := s.validator.Validate(&validation.Submission{
		Username:    session.Username(),
		WorkerName:  session.WorkerName(),
		JobID:       req.JobID,
		ExtraNonce2: req.ExtraNonce2,
		NTime:       req.NTime,
		Nonce:       req.Nonce,
		Version:     req.Version,
		ExtraNonce1: session.ExtraNonce1(),
		Difficulty:  session.Difficulty(),
		SubmittedAt: time.Now(),
	})

	// The ledger write must be durable before the miner hears an accept;
	// a share the pool acknowledged is a share it accounts for
	if result.Share != nil && (result.Accepted() || s.cfg.PersistRejected) {
		if err := s.store.Append(result.Share); err != nil {
			if errors.IsFatal(err) {
				s.fatal(err)
			} else {
				s.logger.WithError(err).Error("ledger append failed")
			}
			// Work that never reached the ledger was never accepted; a
			// resubmission must be judged fresh, not duplicate
			s.validator.Release(result)
			return session.SendError(msg.ID, ErrorOther, "Internal error")
		}
	}

	if result.Share != nil && s.events != nil {
		s.events.ShareOutcome(ctx, result.Share)
	}

	if !result.Accepted() {
		s.logger.LogShareOutcome(session.Username(), session.WorkerName(),
			0, session.Difficulty(), "rejected")
		return session.SendError(msg.ID, result.Rejection.Code, result.Rejection.Reason)
	}

	s.engine.AddShare(result.Share)

	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}

	s.logger.LogShareOutcome(session.Username(), session.WorkerName(),
		result.Share.JobID, session.Difficulty(), result.Share.Outcome.String())

	if result.BlockCandidate {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.submitBlock(ctx, session, result)
		}()
	}

	s.adjustDifficulty(session)
	return nil
}

// submitBlock reconstructs and submits a block-candidate share upstream
func (s *Server) submitBlock(ctx context.Context, session *Session, result *validation.Result) {
	share := result.Share

	job, ok := s.jobs.Get(share.JobID)
	if !ok {
		s.logger.Error("block candidate references pruned job", "job_id", share.JobID)
		return
	}

	_, blockHex, err := bitcoin.ReconstructBlock(job.Template, result.CoinbaseTx,
		share.NTime, share.Nonce, share.Version)
	if err != nil {
		s.logger.WithError(err).Error("failed to reconstruct block",
			"block_hash", share.BlockHash.String())
		return
	}

	s.logger.LogBlockFound(share.BlockHash.String(), share.BlockHeight,
		share.Username, share.WorkerName, share.ActualDifficulty)

	if err := s.node.SubmitBlock(ctx, blockHex); err != nil {
		s.logger.WithError(err).Error("block submission failed",
			"block_hash", share.BlockHash.String())
		return
	}

	s.logger.Info("block accepted by network",
		"block_hash", share.BlockHash.String(),
		"block_height", share.BlockHeight,
	)

	if s.events == nil {
		return
	}
	s.events.BlockFound(ctx, share, blockHex)

	var reward int64
	if job.Template.CoinbaseValue != nil {
		reward = *job.Template.CoinbaseValue
	}
	if dists := s.engine.Distribute(reward, share.Username); len(dists) > 0 {
		s.events.RewardDistributions(ctx, share.BlockHash.String(), dists)
	}
}

func (s *Server) adjustDifficulty(session *Session) {
	shouldAdjust, newDiff := session.ShouldAdjustDifficulty()
	if !shouldAdjust {
		return
	}

	newDiff = s.clampDifficulty(newDiff)
	if newDiff == session.Difficulty() {
		return
	}

	s.logger.Info("adjusting difficulty",
		"session_id", session.ID(),
		"old_difficulty", session.Difficulty(),
		"new_difficulty", newDiff,
	)

	session.SetDifficulty(newDiff)
	if err := session.SendNotification("mining.set_difficulty", []any{newDiff}); err != nil {
		s.logger.WithError(err).Error("failed to send difficulty adjustment")
	}
}

func (s *Server) clampDifficulty(d float64) float64 {
	if d < s.cfg.MinDifficulty {
		return s.cfg.MinDifficulty
	}
	if s.cfg.MaxDifficulty > 0 && d > s.cfg.MaxDifficulty {
		return s.cfg.MaxDifficulty
	}
	return d
}

func (s *Server) fatal(err error) {
	s.logger.WithError(err).Error("accounting integrity violation")
	if s.onFatal != nil {
		s.onFatal(err)
	}
}
