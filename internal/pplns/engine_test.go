package pplns

import (
	"testing"
	"time"

	"github.com/bardlex/tidepool/internal/ledger"
	"github.com/bardlex/tidepool/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("pplns-test", "dev", "error", "text")
}

var windowBase = time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

// countedShare builds a counted share whose achieved difficulty is the
// weight. The session difficulty stays at 1 so tests that assert weights
// would catch the engine crediting the assigned difficulty instead.
func countedShare(id uint64, username string, achieved float64, at time.Time) *ledger.Share {
	return &ledger.Share{
		ID:               id,
		JobID:            1,
		Username:         username,
		WorkerName:       "rig01",
		Difficulty:       1,
		ActualDifficulty: achieved,
		SubmittedAt:      at,
		Outcome:          ledger.OutcomeAccepted,
	}
}

func TestAddShareAccumulatesWeight(t *testing.T) {
	e := NewEngine(Config{WindowShares: 100}, testLogger())

	e.AddShare(countedShare(1, "alice", 10, windowBase))
	e.AddShare(countedShare(2, "bob", 5, windowBase.Add(time.Second)))
	e.AddShare(countedShare(3, "alice", 15, windowBase.Add(2*time.Second)))

	weights, total := e.Weights()
	if weights["alice"] != 25 || weights["bob"] != 5 {
		t.Errorf("weights = %v, want alice 25 bob 5", weights)
	}
	if total != 30 {
		t.Errorf("total = %v, want 30", total)
	}
}

func TestWeightIsDifficultyAchieved(t *testing.T) {
	e := NewEngine(Config{WindowShares: 100}, testLogger())

	share := countedShare(1, "alice", 512, windowBase)
	share.Difficulty = 1
	e.AddShare(share)

	weights, total := e.Weights()
	if weights["alice"] != 512 || total != 512 {
		t.Errorf("weights = %v total = %v, want the achieved difficulty 512, not the assigned 1",
			weights, total)
	}
}

func TestRejectedSharesCarryNoWeight(t *testing.T) {
	e := NewEngine(Config{WindowShares: 100}, testLogger())

	rejected := countedShare(1, "alice", 10, windowBase)
	rejected.Outcome = ledger.OutcomeRejected
	e.AddShare(rejected)

	if _, total := e.Weights(); total != 0 {
		t.Errorf("total = %v, want 0 for a rejected share", total)
	}

	// Block shares count like accepted ones
	block := countedShare(2, "alice", 10, windowBase)
	block.Outcome = ledger.OutcomeBlock
	e.AddShare(block)

	if _, total := e.Weights(); total != 10 {
		t.Errorf("total = %v, want 10", total)
	}
}

func TestCountBoundEvictsOldestFirst(t *testing.T) {
	e := NewEngine(Config{WindowShares: 3}, testLogger())

	for i := uint64(1); i <= 5; i++ {
		e.AddShare(countedShare(i, "alice", float64(i), windowBase.Add(time.Duration(i)*time.Second)))
	}

	if e.WindowSize() != 3 {
		t.Fatalf("window size = %d, want 3", e.WindowSize())
	}

	// Shares 1 and 2 evicted; 3+4+5 remain
	weights, total := e.Weights()
	if total != 12 || weights["alice"] != 12 {
		t.Errorf("total = %v, want 12 (shares 3..5)", total)
	}
}

func TestSpanBoundEvictsByShareTime(t *testing.T) {
	e := NewEngine(Config{WindowSpan: 10 * time.Minute}, testLogger())

	e.AddShare(countedShare(1, "alice", 1, windowBase))
	e.AddShare(countedShare(2, "bob", 2, windowBase.Add(5*time.Minute)))
	// This share pushes the cutoff past share 1
	e.AddShare(countedShare(3, "carol", 4, windowBase.Add(12*time.Minute)))

	weights, total := e.Weights()
	if total != 6 {
		t.Errorf("total = %v, want 6 after evicting the oldest share", total)
	}
	if _, ok := weights["alice"]; ok {
		t.Error("alice's aged-out share should be fully evicted")
	}
}

func TestDisabledEngineIsNoOp(t *testing.T) {
	e := NewEngine(Config{WindowShares: 100, Disabled: true}, testLogger())

	e.AddShare(countedShare(1, "alice", 10, windowBase))

	if e.WindowSize() != 0 {
		t.Error("disabled engine should track no shares")
	}
	if dist := e.Distribute(625000000, "alice"); dist != nil {
		t.Error("disabled engine should produce no distributions")
	}
}

func TestDistribute(t *testing.T) {
	e := NewEngine(Config{
		WindowShares:     100,
		DonationFraction: 0.02,
		DonationAddress:  "bc1qdonation",
	}, testLogger())

	e.AddShare(countedShare(1, "alice", 30, windowBase))
	e.AddShare(countedShare(2, "bob", 10, windowBase.Add(time.Second)))

	const reward = int64(312500000)
	dist := e.Distribute(reward, "alice")
	if len(dist) != 3 {
		t.Fatalf("got %d distributions, want donation + 2 miners", len(dist))
	}

	var sum int64
	var donation, alice, bob int64
	for _, d := range dist {
		sum += d.Amount
		switch {
		case d.IsDonation:
			donation = d.Amount
		case d.Address == "alice":
			alice = d.Amount
		case d.Address == "bob":
			bob = d.Amount
		}
	}

	if sum != reward {
		t.Errorf("distributions sum to %d, want the full reward %d", sum, reward)
	}
	if donation != int64(float64(reward)*0.02) {
		t.Errorf("donation = %d, want 2%% off the top", donation)
	}
	// alice has 3x bob's weight
	if alice <= bob*2 {
		t.Errorf("alice = %d, bob = %d; alice should earn about 3x", alice, bob)
	}
}

func TestDistributeRoundingConservation(t *testing.T) {
	e := NewEngine(Config{WindowShares: 100}, testLogger())

	// Three equal miners force a flooring residue on most rewards
	e.AddShare(countedShare(1, "alice", 1, windowBase))
	e.AddShare(countedShare(2, "bob", 1, windowBase.Add(time.Second)))
	e.AddShare(countedShare(3, "carol", 1, windowBase.Add(2*time.Second)))

	for _, reward := range []int64{100, 1000000001, 312500000} {
		var sum int64
		for _, d := range e.Distribute(reward, "alice") {
			sum += d.Amount
		}
		if sum != reward {
			t.Errorf("reward %d: distributions sum to %d", reward, sum)
		}
	}
}

func TestDistributeEmptyWindow(t *testing.T) {
	e := NewEngine(Config{WindowShares: 100}, testLogger())
	if dist := e.Distribute(625000000, "alice"); dist != nil {
		t.Error("empty window should produce no distributions")
	}
}

func TestDistributeSolo(t *testing.T) {
	e := NewEngine(Config{
		WindowShares:     100,
		Solo:             true,
		DonationFraction: 0.1,
		DonationAddress:  "bc1qdonation",
	}, testLogger())

	// Other miners' shares must not dilute the finder's payout
	e.AddShare(countedShare(1, "alice", 30, windowBase))
	e.AddShare(countedShare(2, "bob", 10, windowBase.Add(time.Second)))

	const reward = int64(312500000)
	dist := e.Distribute(reward, "bob")
	if len(dist) != 2 {
		t.Fatalf("got %d distributions, want donation + finder", len(dist))
	}
	if !dist[0].IsDonation || dist[0].Amount != reward/10 {
		t.Errorf("donation = %+v, want 10%% off the top", dist[0])
	}
	if dist[1].Address != "bob" || dist[1].Amount != reward-reward/10 {
		t.Errorf("finder payout = %+v, want the full miner split to bob", dist[1])
	}

	if dist := e.Distribute(reward, ""); dist != nil {
		t.Error("solo distribution without a finder should be nil")
	}
}

func TestReplayMatchesIncrementalState(t *testing.T) {
	cfg := Config{WindowShares: 4, WindowSpan: time.Hour}

	store, err := ledger.OpenMemory(testLogger())
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer store.Close()

	live := NewEngine(cfg, testLogger())

	shares := []*ledger.Share{
		countedShare(1, "alice", 10, windowBase),
		countedShare(2, "bob", 20, windowBase.Add(10*time.Minute)),
		countedShare(3, "alice", 5, windowBase.Add(30*time.Minute)),
		countedShare(4, "carol", 8, windowBase.Add(65*time.Minute)), // ages out share 1
		countedShare(5, "bob", 12, windowBase.Add(70*time.Minute)),
		countedShare(6, "alice", 7, windowBase.Add(80*time.Minute)), // count bound evicts share 2
	}
	rejected := countedShare(7, "mallory", 99, windowBase.Add(81*time.Minute))
	rejected.Outcome = ledger.OutcomeRejected
	shares = append(shares, rejected)

	for _, s := range shares {
		if err := store.Append(s); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		live.AddShare(s)
	}

	restarted := NewEngine(cfg, testLogger())
	if err := restarted.Replay(store); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	liveWeights, liveTotal := live.Weights()
	replayWeights, replayTotal := restarted.Weights()

	if liveTotal != replayTotal {
		t.Errorf("replay total = %v, live total = %v", replayTotal, liveTotal)
	}
	if len(liveWeights) != len(replayWeights) {
		t.Fatalf("replay tracks %d miners, live tracks %d", len(replayWeights), len(liveWeights))
	}
	for addr, w := range liveWeights {
		if replayWeights[addr] != w {
			t.Errorf("miner %s: replay weight %v, live weight %v", addr, replayWeights[addr], w)
		}
	}
	if live.WindowSize() != restarted.WindowSize() {
		t.Errorf("replay window %d, live window %d", restarted.WindowSize(), live.WindowSize())
	}
}
