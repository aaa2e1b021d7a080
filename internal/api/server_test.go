package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bardlex/tidepool/internal/ledger"
	"github.com/bardlex/tidepool/internal/pplns"
	"github.com/bardlex/tidepool/pkg/log"
)

var apiBase = time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

type staticHealth bool

func (h staticHealth) Healthy() bool { return bool(h) }

func newTestServer(t *testing.T, healthy bool) (*Server, *ledger.Store, *pplns.Engine) {
	t.Helper()
	logger := log.New("api-test", "dev", "error", "text")

	store, err := ledger.OpenMemory(logger)
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := pplns.NewEngine(pplns.Config{WindowShares: 100}, logger)

	server := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		Username:   "admin",
		Password:   "hunter2",
	}, store, engine, staticHealth(healthy), logger)

	return server, store, engine
}

func seedShare(t *testing.T, store *ledger.Store, engine *pplns.Engine, id uint64, at time.Time) {
	t.Helper()
	share := &ledger.Share{
		ID:               id,
		JobID:            1,
		Username:         "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		WorkerName:       "rig01",
		Difficulty:       512,
		ActualDifficulty: 512,
		BlockHeight:      850000,
		SubmittedAt:      at,
		Outcome:          ledger.OutcomeAccepted,
	}
	if err := store.Append(share); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	engine.AddShare(share)
}

func doRequest(t *testing.T, server *Server, target string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth {
		req.SetBasicAuth("admin", "hunter2")
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSharesRequiresAuth(t *testing.T) {
	server, _, _ := newTestServer(t, true)

	rec := doRequest(t, server, "/pplns_shares", false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/pplns_shares", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func querySharesOK(t *testing.T, server *Server, target string) sharesResponse {
	t.Helper()
	rec := doRequest(t, server, target, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s: status = %d, body = %s", target, rec.Code, rec.Body.String())
	}
	var resp sharesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

func TestSharesRangeQuery(t *testing.T) {
	server, store, engine := newTestServer(t, true)

	seedShare(t, store, engine, 1, apiBase.Add(1*time.Hour))
	seedShare(t, store, engine, 2, apiBase.Add(2*time.Hour))
	seedShare(t, store, engine, 3, apiBase.Add(26*time.Hour)) // outside range

	target := fmt.Sprintf("/pplns_shares?start_time=%s&end_time=%s",
		apiBase.Format(time.RFC3339),
		apiBase.Add(24*time.Hour).Format(time.RFC3339))
	resp := querySharesOK(t, server, target)
	if resp.Count != 2 || len(resp.Shares) != 2 {
		t.Fatalf("count = %d, want 2 shares inside the range", resp.Count)
	}
	if resp.Shares[0].ShareID != 1 || resp.Shares[1].ShareID != 2 {
		t.Errorf("shares out of submission order: %+v", resp.Shares)
	}
	if resp.Shares[0].Outcome != "accepted" {
		t.Errorf("outcome = %q, want accepted", resp.Shares[0].Outcome)
	}
}

func TestSharesRangeInclusive(t *testing.T) {
	server, store, engine := newTestServer(t, true)

	seedShare(t, store, engine, 1, apiBase.Add(1*time.Hour))
	seedShare(t, store, engine, 2, apiBase.Add(2*time.Hour))

	// Bounds landing exactly on submission times include those shares
	target := fmt.Sprintf("/pplns_shares?start_time=%s&end_time=%s",
		apiBase.Add(1*time.Hour).Format(time.RFC3339),
		apiBase.Add(2*time.Hour).Format(time.RFC3339))
	resp := querySharesOK(t, server, target)
	if resp.Count != 2 {
		t.Errorf("count = %d, want both boundary shares", resp.Count)
	}
}

func TestSharesOptionalBounds(t *testing.T) {
	server, store, engine := newTestServer(t, true)

	seedShare(t, store, engine, 1, apiBase.Add(1*time.Hour))
	seedShare(t, store, engine, 2, apiBase.Add(2*time.Hour))
	seedShare(t, store, engine, 3, apiBase.Add(3*time.Hour))

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"no bounds", "/pplns_shares", 3},
		{"start only", "/pplns_shares?start_time=" + apiBase.Add(2*time.Hour).Format(time.RFC3339), 2},
		{"end only", "/pplns_shares?end_time=" + apiBase.Add(2*time.Hour).Format(time.RFC3339), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := querySharesOK(t, server, tt.target)
			if resp.Count != tt.want {
				t.Errorf("count = %d, want %d", resp.Count, tt.want)
			}
		})
	}
}

func TestSharesBadRange(t *testing.T) {
	server, _, _ := newTestServer(t, true)

	tests := []string{
		"/pplns_shares?start_time=notatime&end_time=2026-08-26T00:00:00Z",
		"/pplns_shares?start_time=2026-08-25T00:00:00Z&end_time=notatime",
		"/pplns_shares?start_time=2026-08-26T00:00:00Z&end_time=2026-08-25T00:00:00Z",
	}
	for _, target := range tests {
		if rec := doRequest(t, server, target, true); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", target, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestStats(t *testing.T) {
	server, store, engine := newTestServer(t, true)
	seedShare(t, store, engine, 1, apiBase)
	seedShare(t, store, engine, 2, apiBase.Add(time.Minute))

	rec := doRequest(t, server, "/stats", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.WindowSize != 2 || resp.TotalWeight != 1024 {
		t.Errorf("stats = %+v, want window 2 weight 1024", resp)
	}
}

func TestHealth(t *testing.T) {
	healthy, _, _ := newTestServer(t, true)
	if rec := doRequest(t, healthy, "/health", false); rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want %d", rec.Code, http.StatusOK)
	}

	degraded, _, _ := newTestServer(t, false)
	if rec := doRequest(t, degraded, "/health", false); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
