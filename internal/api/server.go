// Package api serves the pool's HTTP surface: PPLNS window queries for
// payout auditing and a health endpoint for monitoring.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bardlex/tidepool/internal/ledger"
	"github.com/bardlex/tidepool/internal/pplns"
	"github.com/bardlex/tidepool/pkg/log"
)

// Config holds API server settings. Username and Password protect the share
// query endpoint with HTTP basic auth.
type Config struct {
	ListenAddr   string
	Username     string
	Password     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HealthChecker reports whether the upstream job pipeline is live
type HealthChecker interface {
	Healthy() bool
}

// Server exposes the ledger and PPLNS state over HTTP
type Server struct {
	cfg    Config
	logger *log.Logger
	store  *ledger.Store
	engine *pplns.Engine
	health HealthChecker

	httpServer *http.Server
}

// NewServer creates an API server. health may be nil, in which case /health
// only reports process liveness.
func NewServer(cfg Config, store *ledger.Store, engine *pplns.Engine, health HealthChecker, logger *log.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.WithComponent("api"),
		store:  store,
		engine: engine,
		health: health,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /pplns_shares", s.requireAuth(s.handleShares))
	mux.HandleFunc("GET /stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /health", s.handleHealth)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "address", s.cfg.ListenAddr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("api shutdown failed")
		}
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Handler exposes the routing table for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="tidepool"`)
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// shareRecord is the JSON shape of one ledger entry
type shareRecord struct {
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

type sharesResponse struct {
	StartTime *time.Time    `json:"start_time,omitempty"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Count     int           `json:"count"`
	Shares    []shareRecord `json:"shares"`
}

// parseTimeParam parses an optional RFC 3339 query parameter. An absent
// parameter leaves that side of the range unbounded.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// handleShares returns ledger entries with start_time <= SubmittedAt <=
// end_time. Both bounds are optional.
func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	start, err := parseTimeParam(r, "start_time")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "start_time must be RFC 3339")
		return
	}
	end, err := parseTimeParam(r, "end_time")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "end_time must be RFC 3339")
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		s.writeError(w, http.StatusBadRequest, "end_time must not be before start_time")
		return
	}

	resp := sharesResponse{Shares: []shareRecord{}}
	if !start.IsZero() {
		resp.StartTime = &start
	}
	if !end.IsZero() {
		resp.EndTime = &end
	}
	err = s.store.AscendRange(start, end, func(share *ledger.Share) error {
		resp.Shares = append(resp.Shares, shareRecord{
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
		})
		return nil
	})
	if err != nil {
		s.logger.WithError(err).Error("share range query failed")
		s.writeError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}

	resp.Count = len(resp.Shares)
	s.writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	WindowSize  int                `json:"window_size"`
	TotalWeight float64            `json:"total_weight"`
	Miners      map[string]float64 `json:"miners"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	weights, total := s.engine.Weights()
	s.writeJSON(w, http.StatusOK, statsResponse{
		WindowSize:  s.engine.WindowSize(),
		TotalWeight: total,
		Miners:      weights,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil && !s.health.Healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": "no recent block template",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
