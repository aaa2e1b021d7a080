package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tidepool.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

const validConfig = `
service_name = "tidepool-test"

[stratum]
listen_port = 4444
network = "regtest"
start_difficulty = 2.0

[pool]
payout_address = "bcrt1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qzf4jry"
donation_fraction = 0.02
donation_address = "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080"
pplns_window_shares = 1000

[api]
username = "operator"
password = "hunter2"
`

func TestLoad(t *testing.T) {
	path := writeConfigFile(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServiceName != "tidepool-test" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "tidepool-test")
	}
	if cfg.Stratum.ListenPort != 4444 {
		t.Errorf("Stratum.ListenPort = %d, want 4444", cfg.Stratum.ListenPort)
	}
	if cfg.Stratum.Network != "regtest" {
		t.Errorf("Stratum.Network = %q, want %q", cfg.Stratum.Network, "regtest")
	}
	if cfg.Pool.DonationFraction != 0.02 {
		t.Errorf("Pool.DonationFraction = %v, want 0.02", cfg.Pool.DonationFraction)
	}
	if cfg.Pool.PPLNSWindowShares != 1000 {
		t.Errorf("Pool.PPLNSWindowShares = %d, want 1000", cfg.Pool.PPLNSWindowShares)
	}

	// Unset fields keep their defaults
	if cfg.Stratum.ExtraNonce2Size != 4 {
		t.Errorf("Stratum.ExtraNonce2Size = %d, want default 4", cfg.Stratum.ExtraNonce2Size)
	}
	if cfg.Bitcoin.PollInterval != 10*time.Second {
		t.Errorf("Bitcoin.PollInterval = %v, want default 10s", cfg.Bitcoin.PollInterval)
	}
	if cfg.Pool.JobBacklog != 1 {
		t.Errorf("Pool.JobBacklog = %d, want default 1", cfg.Pool.JobBacklog)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load() should fail for a missing config file")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := writeConfigFile(t, "[stratum\nlisten_port = 4444")
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail for malformed TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, validConfig)

	t.Setenv("BITCOIN_RPC_USER", "rpcuser")
	t.Setenv("BITCOIN_RPC_PASSWORD", "rpcpass")
	t.Setenv("API_PASSWORD", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bitcoin.RPCUser != "rpcuser" {
		t.Errorf("Bitcoin.RPCUser = %q, want %q", cfg.Bitcoin.RPCUser, "rpcuser")
	}
	if cfg.Bitcoin.RPCPassword != "rpcpass" {
		t.Errorf("Bitcoin.RPCPassword = %q, want %q", cfg.Bitcoin.RPCPassword, "rpcpass")
	}
	if cfg.API.Password != "from-env" {
		t.Errorf("API.Password = %q, want env override", cfg.API.Password)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Pool.PayoutAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
		cfg.API.Username = "op"
		cfg.API.Password = "pw"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() should pass for defaults with API credentials: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"port too high", func(c *Config) { c.Stratum.ListenPort = 99999 }},
		{"unknown network", func(c *Config) { c.Stratum.Network = "liquid" }},
		{"donation above one", func(c *Config) { c.Pool.DonationFraction = 1.5 }},
		{"donation without address", func(c *Config) { c.Pool.DonationFraction = 0.05 }},
		{"missing payout address", func(c *Config) { c.Pool.PayoutAddress = "" }},
		{"bad reward scheme", func(c *Config) { c.Pool.RewardScheme = "pps" }},
		{"pplns without window", func(c *Config) {
			c.Pool.PPLNSWindowShares = 0
			c.Pool.PPLNSWindowSpan = 0
		}},
		{"negative backlog", func(c *Config) { c.Pool.JobBacklog = -1 }},
		{"zero min difficulty", func(c *Config) { c.Stratum.MinimumDifficulty = 0 }},
		{"max below min difficulty", func(c *Config) { c.Stratum.MaximumDifficulty = c.Stratum.MinimumDifficulty / 2 }},
		{"extranonce2 too small", func(c *Config) { c.Stratum.ExtraNonce2Size = 1 }},
		{"extranonce2 too large", func(c *Config) { c.Stratum.ExtraNonce2Size = 16 }},
		{"zero job queue", func(c *Config) { c.Stratum.JobQueueSize = 0 }},
		{"empty ledger path", func(c *Config) { c.Ledger.Path = "" }},
		{"missing api credentials", func(c *Config) { c.API.Password = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestChainParams(t *testing.T) {
	cfg := Default()

	for _, network := range []string{"mainnet", "testnet3", "signet", "regtest", ""} {
		cfg.Stratum.Network = network
		if _, err := cfg.ChainParams(); err != nil {
			t.Errorf("ChainParams(%q) error = %v", network, err)
		}
	}
}

func TestDonationOnly(t *testing.T) {
	cfg := Default()
	if cfg.DonationOnly() {
		t.Error("DonationOnly() should be false at the default fraction")
	}

	cfg.Pool.DonationFraction = 1.0
	if !cfg.DonationOnly() {
		t.Error("DonationOnly() should be true at fraction 1.0")
	}
}
