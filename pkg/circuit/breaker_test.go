package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	poolerrors "github.com/bardlex/tidepool/pkg/errors"
)

func testBreaker(maxFailures, successRequired int, timeout time.Duration) *Breaker {
	return New("upstream", &Config{
		MaxFailures:     maxFailures,
		SuccessRequired: successRequired,
		Timeout:         timeout,
		ResetTimeout:    30 * time.Second,
	})
}

func failing(calls *int) func() error {
	return func() error {
		*calls++
		return errors.New("dependency down")
	}
}

func succeeding(calls *int) func() error {
	return func() error {
		*calls++
		return nil
	}
}

func TestNewDefaults(t *testing.T) {
	b := New("bitcoind", nil)
	if b.config == nil {
		t.Fatal("nil config should fall back to defaults")
	}
	if b.GetState() != StateClosed {
		t.Errorf("initial state = %s, want closed", b.GetState())
	}

	c := DefaultConfig()
	if c.MaxFailures <= 0 || c.SuccessRequired <= 0 {
		t.Errorf("default thresholds (%d, %d) must be positive", c.MaxFailures, c.SuccessRequired)
	}
	if c.Timeout <= 0 || c.ResetTimeout <= 0 {
		t.Errorf("default timeouts (%v, %v) must be positive", c.Timeout, c.ResetTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestExecuteSuccessStaysClosed(t *testing.T) {
	b := testBreaker(3, 2, 10*time.Second)
	calls := 0

	if err := b.Execute(context.Background(), succeeding(&calls)); err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", b.GetState())
	}
}

func TestExecuteTripsAndShedsCalls(t *testing.T) {
	b := testBreaker(2, 1, 10*time.Second)
	ctx := context.Background()
	calls := 0

	for range 2 {
		if err := b.Execute(ctx, failing(&calls)); err == nil {
			t.Fatal("failing call should return its error")
		}
	}
	if b.GetState() != StateOpen {
		t.Fatalf("state = %s, want open after %d failures", b.GetState(), 2)
	}

	// Shed without invoking the function
	err := b.Execute(ctx, failing(&calls))
	if err == nil {
		t.Fatal("open breaker should shed the call")
	}
	if !poolerrors.IsType(err, poolerrors.ErrorTypeInternal) {
		t.Error("shed-call error should be internal type")
	}
	if calls != 2 {
		t.Errorf("calls = %d, open breaker must not invoke the function", calls)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b := testBreaker(2, 1, time.Millisecond)
	ctx := context.Background()
	calls := 0

	for range 2 {
		_ = b.Execute(ctx, failing(&calls))
	}
	if b.GetState() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(2 * time.Millisecond)

	// The probe succeeds and closes the breaker
	if err := b.Execute(ctx, succeeding(&calls)); err != nil {
		t.Errorf("probe call error = %v", err)
	}
	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed after successful probe", b.GetState())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(2, 1, time.Millisecond)
	ctx := context.Background()
	calls := 0

	for range 2 {
		_ = b.Execute(ctx, failing(&calls))
	}
	time.Sleep(2 * time.Millisecond)

	if err := b.Execute(ctx, failing(&calls)); err == nil {
		t.Fatal("failing probe should return its error")
	}
	if b.GetState() != StateOpen {
		t.Errorf("state = %s, want open after failed probe", b.GetState())
	}
}

func TestSuccessRequiredBeforeClosing(t *testing.T) {
	b := testBreaker(2, 3, time.Millisecond)
	ctx := context.Background()
	calls := 0

	for range 2 {
		_ = b.Execute(ctx, failing(&calls))
	}
	time.Sleep(2 * time.Millisecond)

	// Two probes are not enough when three are required
	for range 2 {
		if err := b.Execute(ctx, succeeding(&calls)); err != nil {
			t.Fatalf("probe call error = %v", err)
		}
	}
	if b.GetState() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open before the last required probe", b.GetState())
	}

	if err := b.Execute(ctx, succeeding(&calls)); err != nil {
		t.Fatalf("probe call error = %v", err)
	}
	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed after required probes", b.GetState())
	}
}

func TestResetTimeoutForgivesFailures(t *testing.T) {
	b := New("upstream", &Config{
		MaxFailures:     2,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    time.Millisecond,
	})
	ctx := context.Background()
	calls := 0

	_ = b.Execute(ctx, failing(&calls))
	time.Sleep(2 * time.Millisecond)

	// An isolated failure ages out rather than accumulating toward a trip
	if err := b.Execute(ctx, succeeding(&calls)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if stats := b.GetStats(); stats.Failures != 0 {
		t.Errorf("failures = %d, want 0 after reset timeout", stats.Failures)
	}
}

func TestExecuteWithResult(t *testing.T) {
	b := testBreaker(1, 1, 10*time.Second)
	ctx := context.Background()

	got, err := ExecuteWithResult(ctx, b, func() (string, error) {
		return "height 850000", nil
	})
	if err != nil || got != "height 850000" {
		t.Errorf("ExecuteWithResult() = (%q, %v), want success", got, err)
	}

	// One failure trips this breaker; the next call is shed with a zero value
	_, _ = ExecuteWithResult(ctx, b, func() (string, error) {
		return "", errors.New("dependency down")
	})
	got, err = ExecuteWithResult(ctx, b, func() (string, error) {
		return "should not run", nil
	})
	if err == nil {
		t.Error("open breaker should shed the call")
	}
	if got != "" {
		t.Errorf("shed call result = %q, want zero value", got)
	}
}

func TestGetStats(t *testing.T) {
	b := testBreaker(3, 2, 10*time.Second)
	ctx := context.Background()
	calls := 0

	_ = b.Execute(ctx, succeeding(&calls))
	_ = b.Execute(ctx, failing(&calls))

	stats := b.GetStats()
	if stats.State != StateClosed {
		t.Errorf("state = %s, want closed", stats.State)
	}
	if stats.Failures != 1 || stats.Successes != 1 {
		t.Errorf("counters = (%d, %d), want (1, 1)", stats.Failures, stats.Successes)
	}
	if stats.LastFailTime.IsZero() {
		t.Error("LastFailTime should be set after a failure")
	}
}

func TestReset(t *testing.T) {
	b := testBreaker(1, 1, 10*time.Second)
	calls := 0

	_ = b.Execute(context.Background(), failing(&calls))
	if b.GetState() != StateOpen {
		t.Fatal("breaker should be open")
	}

	b.Reset()
	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed after reset", b.GetState())
	}
	if stats := b.GetStats(); stats.Failures != 0 || stats.Successes != 0 {
		t.Errorf("counters = (%d, %d), want (0, 0) after reset", stats.Failures, stats.Successes)
	}
}
