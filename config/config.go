package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the runtime configuration. Every field can be set through
// the environment with the PINGMARK_ prefix, e.g. PINGMARK_LISTEN_ADDR.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// RedisURL selects the Redis-backed stores and event stream. When
	// empty, in-memory stores and an in-process publisher are used.
	RedisURL string `mapstructure:"redis_url"`

	ChallengeCount int           `mapstructure:"challenge_count"`
	Interval       time.Duration `mapstructure:"challenge_interval"`
	Jitter         time.Duration `mapstructure:"challenge_jitter"`
	ChallengeTTL   time.Duration `mapstructure:"challenge_ttl"`
	TailWait       time.Duration `mapstructure:"tail_wait"`
	EpochWindow    time.Duration `mapstructure:"epoch_window"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	CommitmentTTL  time.Duration `mapstructure:"commitment_ttl"`

	TreeDepth      int           `mapstructure:"tree_depth"`
	AnchorAttempts int           `mapstructure:"anchor_attempts"`
	AnchorBackoff  time.Duration `mapstructure:"anchor_backoff"`

	// Ledger settings. When EthRPCURL is empty the mock ledger is used.
	EthRPCURL     string `mapstructure:"eth_rpc_url"`
	EthContract   string `mapstructure:"eth_contract"`
	EthPrivateKey string `mapstructure:"eth_private_key"`
	EthChainID    int64  `mapstructure:"eth_chain_id"`
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PINGMARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":9000")
	v.SetDefault("redis_url", "")
	v.SetDefault("challenge_count", 32)
	v.SetDefault("challenge_interval", time.Second)
	v.SetDefault("challenge_jitter", 200*time.Millisecond)
	v.SetDefault("challenge_ttl", 1500*time.Millisecond)
	v.SetDefault("tail_wait", 3*time.Second)
	v.SetDefault("epoch_window", 5*time.Minute)
	v.SetDefault("session_ttl", 5*time.Minute)
	v.SetDefault("commitment_ttl", time.Hour)
	v.SetDefault("tree_depth", 16)
	v.SetDefault("anchor_attempts", 5)
	v.SetDefault("anchor_backoff", 2*time.Second)
	v.SetDefault("eth_rpc_url", "")
	v.SetDefault("eth_contract", "")
	v.SetDefault("eth_private_key", "")
	v.SetDefault("eth_chain_id", 1)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
