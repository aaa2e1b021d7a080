package stratum

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

func TestAuthPolicyAuthorize(t *testing.T) {
	mainnet := AuthPolicy{ChainParams: &chaincfg.MainNetParams}

	tests := []struct {
		name        string
		policy      AuthPolicy
		username    string
		wantAddress string
		wantWorker  string
		wantErr     bool
	}{
		{
			name:        "valid p2pkh address",
			policy:      mainnet,
			username:    "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
			wantAddress: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		},
		{
			name:        "address with worker",
			policy:      mainnet,
			username:    "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa.rig01",
			wantAddress: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
			wantWorker:  "rig01",
		},
		{
			name:        "valid bech32 address",
			policy:      mainnet,
			username:    "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4.asic",
			wantAddress: "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
			wantWorker:  "asic",
		},
		{
			name:     "garbage address",
			policy:   mainnet,
			username: "notanaddress.rig01",
			wantErr:  true,
		},
		{
			name:     "wrong network",
			policy:   AuthPolicy{ChainParams: &chaincfg.TestNet3Params},
			username: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
			wantErr:  true,
		},
		{
			name:     "empty username",
			policy:   mainnet,
			username: "",
			wantErr:  true,
		},
		{
			name:        "donation only accepts any label",
			policy:      AuthPolicy{DonationOnly: true, ChainParams: &chaincfg.MainNetParams},
			username:    "anything-goes.rig01",
			wantAddress: "anything-goes",
			wantWorker:  "rig01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			address, worker, err := tt.policy.Authorize(tt.username)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authorize(%q) error = %v, wantErr %v", tt.username, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if address != tt.wantAddress || worker != tt.wantWorker {
				t.Errorf("Authorize(%q) = (%q, %q), want (%q, %q)",
					tt.username, address, worker, tt.wantAddress, tt.wantWorker)
			}
		})
	}
}

func TestAuthTrackerBlocksOnSecondFailure(t *testing.T) {
	tr := newAuthTracker()

	if failures, blocked := tr.RecordFailure("mallory"); failures != 1 || blocked {
		t.Fatalf("first failure = (%d, %v), want (1, false)", failures, blocked)
	}
	if tr.Blocked("mallory") {
		t.Fatal("one failure should not block")
	}

	if failures, blocked := tr.RecordFailure("mallory"); failures != 2 || !blocked {
		t.Fatalf("second failure = (%d, %v), want (2, true)", failures, blocked)
	}
	if !tr.Blocked("mallory") {
		t.Error("second consecutive failure should block the username")
	}

	// Other usernames carry their own state
	if tr.Blocked("alice") {
		t.Error("unrelated username should not be blocked")
	}
}

func TestAuthTrackerResetClearsStrikes(t *testing.T) {
	tr := newAuthTracker()

	tr.RecordFailure("alice")
	tr.Reset("alice")

	// Failures separated by a success are not consecutive
	if failures, blocked := tr.RecordFailure("alice"); failures != 1 || blocked {
		t.Errorf("failure after reset = (%d, %v), want (1, false)", failures, blocked)
	}
}
