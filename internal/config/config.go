// Package config provides configuration management for the tidepool mining pool.
// It loads a TOML configuration file with sensible defaults and allows secrets
// to be overridden from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pelletier/go-toml"
)

// Config holds the full configuration for the pool daemon
type Config struct {
	// Service identification
	ServiceName string `toml:"service_name"`
	Version     string `toml:"version"`

	Stratum     StratumConfig     `toml:"stratum"`
	Pool        PoolConfig        `toml:"pool"`
	CoinbaseTag CoinbaseTagConfig `toml:"coinbase_tag"`
	Bitcoin     BitcoinConfig     `toml:"bitcoin"`
	Ledger      LedgerConfig      `toml:"ledger"`
	API         APIConfig         `toml:"api"`
	Kafka       KafkaConfig       `toml:"kafka"`
	Redis       RedisConfig       `toml:"redis"`
	Influx      InfluxConfig      `toml:"influx"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Log         LogConfig         `toml:"log"`
}

// StratumConfig configures the miner-facing TCP listener
type StratumConfig struct {
	ListenAddr        string        `toml:"listen_addr"`
	ListenPort        int           `toml:"listen_port"`
	Network           string        `toml:"network"` // mainnet, testnet3, signet, regtest
	StartDifficulty   float64       `toml:"start_difficulty"`
	MinimumDifficulty float64       `toml:"minimum_difficulty"`
	MaximumDifficulty float64       `toml:"maximum_difficulty"`
	// IgnoreDifficulty disables the share difficulty check for load-testing
	// setups. Duplicate and staleness checks still apply.
	IgnoreDifficulty bool          `toml:"ignore_difficulty"`
	ExtraNonce2Size  int           `toml:"extranonce2_size"`
	ReadTimeout      time.Duration `toml:"read_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout"`
	// JobQueueSize bounds the per-session buffered job notifications; on
	// overflow the oldest buffered job is dropped.
	JobQueueSize int `toml:"job_queue_size"`
}

// PoolConfig configures reward accounting
type PoolConfig struct {
	// PayoutAddress receives the non-donation coinbase output. Reward
	// distributions computed against the share window are settled from it.
	PayoutAddress string `toml:"payout_address"`
	// DonationFraction routes this portion of every block reward to the
	// donation address. At 1.0 address validation, strike tracking and all
	// PPLNS bookkeeping are bypassed.
	DonationFraction float64 `toml:"donation_fraction"`
	DonationAddress  string  `toml:"donation_address"`
	// RewardScheme selects "pplns" or "solo" attribution
	RewardScheme string `toml:"reward_scheme"`
	// PPLNSWindowShares bounds the window by share count when > 0
	PPLNSWindowShares int `toml:"pplns_window_shares"`
	// PPLNSWindowSpan bounds the window by age when PPLNSWindowShares is 0
	PPLNSWindowSpan time.Duration `toml:"pplns_window_span"`
	// JobBacklog is how many job generations back a submission is still
	// honored when the replacing job did not set clean_jobs
	JobBacklog int `toml:"job_backlog"`
	// PersistRejectedShares controls whether rejected (non-duplicate) shares
	// are written to the ledger for audit
	PersistRejectedShares bool `toml:"persist_rejected_shares"`
}

// CoinbaseTagConfig holds the optional fields composed into the TLV coinbase
// signature. Empty fields are omitted from the signature.
type CoinbaseTagConfig struct {
	Pool     string `toml:"pool"`
	Miner    string `toml:"miner"`
	Software string `toml:"software"`
	Website  string `toml:"website"`
	Custom   string `toml:"custom"`
}

// BitcoinConfig configures the template source
type BitcoinConfig struct {
	RPCHost          string        `toml:"rpc_host"`
	RPCPort          int           `toml:"rpc_port"`
	RPCUser          string        `toml:"rpc_user"`
	RPCPassword      string        `toml:"rpc_password"`
	ZMQHashBlockAddr string        `toml:"zmq_hashblock_addr"`
	PollInterval     time.Duration `toml:"poll_interval"`
	// TemplateMaxAge is how long the last template keeps being served while
	// the node is unreachable before the pool pauses new work
	TemplateMaxAge time.Duration `toml:"template_max_age"`
}

// LedgerConfig configures the durable share ledger
type LedgerConfig struct {
	Path string `toml:"path"`
	// WeightTTL is how long PPLNS weight records are retained
	WeightTTL time.Duration `toml:"weight_ttl"`
	// PruneInterval is how often the retention task runs
	PruneInterval time.Duration `toml:"prune_interval"`
}

// APIConfig configures the operator HTTP API
type APIConfig struct {
	ListenAddr string `toml:"listen_addr"`
	ListenPort int    `toml:"listen_port"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
}

// KafkaConfig configures optional share/block event emission
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	GroupID string   `toml:"group_id"`
}

// RedisConfig configures the optional hot statistics cache
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// InfluxConfig configures optional time-series metrics
type InfluxConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Token   string `toml:"token"`
	Org     string `toml:"org"`
	Bucket  string `toml:"bucket"`
}

// PostgresConfig configures the optional found-block archive
type PostgresConfig struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	SSLMode  string `toml:"ssl_mode"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in defaults applied before the file is parsed
func Default() *Config {
	return &Config{
		ServiceName: "tidepool",
		Version:     "dev",
		Stratum: StratumConfig{
			ListenAddr:        "0.0.0.0",
			ListenPort:        3333,
			Network:           "mainnet",
			StartDifficulty:   1.0,
			MinimumDifficulty: 0.001,
			MaximumDifficulty: 1e9,
			ExtraNonce2Size:   4,
			ReadTimeout:       5 * time.Minute,
			WriteTimeout:      30 * time.Second,
			JobQueueSize:      8,
		},
		Pool: PoolConfig{
			DonationFraction:  0.0,
			RewardScheme:      "pplns",
			PPLNSWindowShares: 0,
			PPLNSWindowSpan:   24 * time.Hour,
			JobBacklog:        1,
		},
		Bitcoin: BitcoinConfig{
			RPCHost:          "localhost",
			RPCPort:          8332,
			ZMQHashBlockAddr: "tcp://localhost:28332",
			PollInterval:     10 * time.Second,
			TemplateMaxAge:   2 * time.Minute,
		},
		Ledger: LedgerConfig{
			Path:          "data/ledger",
			WeightTTL:     7 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1",
			ListenPort: 8080,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			GroupID: "tidepool",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the TOML configuration file at path, layered over the defaults,
// then applies environment overrides and validates the result. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides credential-bearing fields from the environment so they
// can be kept out of the config file.
func (c *Config) applyEnv() {
	c.Bitcoin.RPCUser = getEnv("BITCOIN_RPC_USER", c.Bitcoin.RPCUser)
	c.Bitcoin.RPCPassword = getEnv("BITCOIN_RPC_PASSWORD", c.Bitcoin.RPCPassword)
	c.API.Username = getEnv("API_USERNAME", c.API.Username)
	c.API.Password = getEnv("API_PASSWORD", c.API.Password)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Postgres.Password = getEnv("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Influx.Token = getEnv("INFLUX_TOKEN", c.Influx.Token)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// ChainParams resolves the configured network name to chain parameters
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Stratum.Network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Stratum.Network)
	}
}

// DonationOnly reports whether the pool runs in 100%-donation mode, which
// bypasses address validation, strike tracking and PPLNS accounting.
func (c *Config) DonationOnly() bool {
	return c.Pool.DonationFraction >= 1.0
}

// Validate performs basic validation of configuration values
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}

	if c.Stratum.ListenPort <= 0 || c.Stratum.ListenPort > 65535 {
		return fmt.Errorf("stratum.listen_port must be between 1 and 65535")
	}

	if _, err := c.ChainParams(); err != nil {
		return err
	}

	if c.Pool.DonationFraction < 0 || c.Pool.DonationFraction > 1 {
		return fmt.Errorf("pool.donation_fraction must be between 0 and 1")
	}

	if c.Pool.DonationFraction > 0 && c.Pool.DonationAddress == "" {
		return fmt.Errorf("pool.donation_address is required when pool.donation_fraction > 0")
	}

	if c.Pool.DonationFraction < 1 && c.Pool.PayoutAddress == "" {
		return fmt.Errorf("pool.payout_address is required unless pool.donation_fraction is 1")
	}

	switch c.Pool.RewardScheme {
	case "pplns", "solo":
	default:
		return fmt.Errorf("pool.reward_scheme must be \"pplns\" or \"solo\"")
	}

	if c.Pool.RewardScheme == "pplns" && c.Pool.PPLNSWindowShares <= 0 && c.Pool.PPLNSWindowSpan <= 0 {
		return fmt.Errorf("pplns requires pplns_window_shares or pplns_window_span")
	}

	if c.Pool.JobBacklog < 0 {
		return fmt.Errorf("pool.job_backlog cannot be negative")
	}

	if c.Stratum.MinimumDifficulty <= 0 {
		return fmt.Errorf("stratum.minimum_difficulty must be positive")
	}

	if c.Stratum.MaximumDifficulty <= c.Stratum.MinimumDifficulty {
		return fmt.Errorf("stratum.maximum_difficulty must be greater than minimum_difficulty")
	}

	if c.Stratum.ExtraNonce2Size < 2 || c.Stratum.ExtraNonce2Size > 8 {
		return fmt.Errorf("stratum.extranonce2_size must be between 2 and 8")
	}

	if c.Stratum.JobQueueSize <= 0 {
		return fmt.Errorf("stratum.job_queue_size must be positive")
	}

	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path cannot be empty")
	}

	if c.API.Username == "" || c.API.Password == "" {
		return fmt.Errorf("api.username and api.password are required")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
