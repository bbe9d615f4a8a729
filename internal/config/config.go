// Package config defines the top-level configuration for a foresight node
// and provides validation helpers.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FORESIGHT_* environment variables.
type Config struct {
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Cluster     ClusterConfig     `toml:"cluster"`
	Engine      EngineConfig      `toml:"engine"`
	Risk        RiskConfig        `toml:"risk"`
	Snapshot    SnapshotConfig    `toml:"snapshot"`
	Checkpoint  CheckpointConfig  `toml:"checkpoint"`
	Idempotency IdempotencyConfig `toml:"idempotency"`
	RateLimit   RateLimitConfig   `toml:"ratelimit"`
	Auth        AuthConfig        `toml:"auth"`
	Storage     StorageConfig     `toml:"storage"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Pebble      PebbleConfig      `toml:"pebble"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Kafka       KafkaConfig       `toml:"kafka"`
	Chain       ChainConfig       `toml:"chain"`
	Settlement  SettlementConfig  `toml:"settlement"`
	Notify      NotifyConfig      `toml:"notify"`
}

// LogConfig controls the optional rotated log file. Output always goes to
// stdout as well.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	CORSOrigins     []string `toml:"cors_origins"`
	TrustProxy      bool     `toml:"trust_proxy"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// ClusterConfig holds leader election and write forwarding parameters.
type ClusterConfig struct {
	// NodeID defaults to hostname-pid-random.
	NodeID                string   `toml:"node_id"`
	AdvertiseURL          string   `toml:"advertise_url"`
	LeaseTTL              duration `toml:"lease_ttl"`
	RenewInterval         duration `toml:"renew_interval"`
	RetryInterval         duration `toml:"retry_interval"`
	StopOnRecoveryFailure bool     `toml:"stop_on_recovery_failure"`
	Proxy                 bool     `toml:"proxy"`
	ProxyTimeout          duration `toml:"proxy_timeout"`
	ForwardSecret         string   `toml:"forward_secret"`
	ForwardMaxAge         duration `toml:"forward_max_age"`
}

// EngineConfig holds order validation and matching parameters. Amounts are
// 18-decimal base-unit integers.
type EngineConfig struct {
	VerifyingContracts []string `toml:"verifying_contracts"`
	VerifySignatures   bool     `toml:"verify_signatures"`
	MaxOutcomes        int      `toml:"max_outcomes"`
	MinPrice           int64    `toml:"min_price"`
	MaxPrice           int64    `toml:"max_price"`
	TickSize           int64    `toml:"tick_size"`
	MinOrderAmount     string   `toml:"min_order_amount"`
	MaxOrderAmount     string   `toml:"max_order_amount"`
	MakerFeeBps        int64    `toml:"maker_fee_bps"`
	TakerFeeBps        int64    `toml:"taker_fee_bps"`
	MaxOrdersPerMarket int      `toml:"max_orders_per_market"`
	MaxOrdersPerUser   int      `toml:"max_orders_per_user"`
	GTDMaxExpiryDays   int      `toml:"gtd_max_expiry_days"`
	DepthLevels        int      `toml:"depth_levels"`
	ExpirySweep        duration `toml:"expiry_sweep"`
	EventBuffer        int      `toml:"event_buffer"`
}

// RiskConfig caps resting notional per maker per market in USDC micro
// units. Zero disables a cap.
type RiskConfig struct {
	MaxLongExposureUSDC  int64 `toml:"max_long_exposure_usdc"`
	MaxShortExposureUSDC int64 `toml:"max_short_exposure_usdc"`
}

// SnapshotConfig controls book replication to followers.
type SnapshotConfig struct {
	Interval duration `toml:"interval"`
	TTL      duration `toml:"ttl"`
	Levels   int      `toml:"levels"`
}

// CheckpointConfig controls durable checkpoints and their archive.
type CheckpointConfig struct {
	Interval     duration `toml:"interval"`
	LockTTL      duration `toml:"lock_ttl"`
	ArchiveEvery int      `toml:"archive_every"`
}

// IdempotencyConfig bounds the response replay cache.
type IdempotencyConfig struct {
	TTL     duration `toml:"ttl"`
	MaxKeys int      `toml:"max_keys"`
}

// RuleConfig is one rate-limit budget.
type RuleConfig struct {
	Limit  int      `toml:"limit"`
	Window duration `toml:"window"`
}

// RateLimitConfig overrides the built-in budgets per group and tier, e.g.
// [ratelimit.rules.orders.anonymous].
type RateLimitConfig struct {
	Enabled bool                             `toml:"enabled"`
	Rules   map[string]map[string]RuleConfig `toml:"rules"`
}

// APIKeyConfig is one static credential.
type APIKeyConfig struct {
	ID    string   `toml:"id"`
	Key   string   `toml:"key"`
	Tiers []string `toml:"tiers"`
}

// AuthConfig lists the accepted credentials.
type AuthConfig struct {
	JWTSecret string         `toml:"jwt_secret"`
	APIKeys   []APIKeyConfig `toml:"api_keys"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	// Backend is one of "postgres", "pebble" or "memory".
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// PebbleConfig locates the embedded store.
type PebbleConfig struct {
	Dir string `toml:"dir"`
}

// RedisConfig holds Redis connection parameters. Without redis a node keeps
// every shared structure in process and cannot join a cluster.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	DialTimeout  duration `toml:"dial_timeout"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
}

// S3Config holds S3-compatible object storage parameters for the
// checkpoint archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig configures the trade event sink.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchTimeout duration `toml:"batch_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
}

// ChainConfig holds the RPC endpoint and operator credentials.
type ChainConfig struct {
	ChainID          int64  `toml:"chain_id"`
	RPCURL           string `toml:"rpc_url"`
	OperatorKey      string `toml:"operator_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// SettlementConfig controls on-chain ingestion and the gasless relay.
type SettlementConfig struct {
	Ingest         bool     `toml:"ingest"`
	Contracts      []string `toml:"contracts"`
	Confirmations  uint64   `toml:"confirmations"`
	BlockWindow    uint64   `toml:"block_window"`
	StartBlock     uint64   `toml:"start_block"`
	PollInterval   duration `toml:"poll_interval"`
	Gasless        bool     `toml:"gasless"`
	TokenName      string   `toml:"token_name"`
	TokenVersion   string   `toml:"token_version"`
	TokenAddress   string   `toml:"token_address"`
	DailyQuotaUSDC int64    `toml:"daily_quota_usdc"`
	MaxAttempts    int      `toml:"max_attempts"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
	GasLimit       uint64   `toml:"gas_limit"`
	PermitGasLimit uint64   `toml:"permit_gas_limit"`
	DenyAddresses  []string `toml:"deny_addresses"`
	DenyIPs        []string `toml:"deny_ips"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPI       string   `toml:"telegram_api"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the production defaults.
func Defaults() Config {
	return Config{
		Mode:     ModeNode,
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     duration{15 * time.Second},
			WriteTimeout:    duration{30 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Cluster: ClusterConfig{
			LeaseTTL:      duration{30 * time.Second},
			RenewInterval: duration{10 * time.Second},
			RetryInterval: duration{5 * time.Second},
			ProxyTimeout:  duration{5 * time.Second},
			ForwardMaxAge: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			VerifySignatures:   true,
			MaxOutcomes:        32,
			MinPrice:           1,
			MaxPrice:           domain.PriceScale - 1,
			TickSize:           1,
			MinOrderAmount:     "1000000000000",
			MaxOrderAmount:     "1000000000000000000000000",
			MaxOrdersPerMarket: 10_000,
			MaxOrdersPerUser:   100,
			GTDMaxExpiryDays:   90,
			DepthLevels:        20,
			ExpirySweep:        duration{time.Second},
			EventBuffer:        4096,
		},
		Snapshot: SnapshotConfig{
			Interval: duration{2 * time.Second},
			TTL:      duration{20 * time.Second},
			Levels:   20,
		},
		Checkpoint: CheckpointConfig{
			Interval:     duration{time.Minute},
			LockTTL:      duration{30 * time.Second},
			ArchiveEvery: 60,
		},
		Idempotency: IdempotencyConfig{
			TTL:     duration{24 * time.Hour},
			MaxKeys: 100_000,
		},
		RateLimit: RateLimitConfig{Enabled: true},
		Storage:   StorageConfig{Backend: BackendPostgres},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "foresight",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Pebble: PebbleConfig{Dir: "data/pebble"},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			DialTimeout:  duration{5 * time.Second},
			ReadTimeout:  duration{3 * time.Second},
			WriteTimeout: duration{3 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "foresight-checkpoints",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Topic:        "foresight.trades",
			BatchTimeout: duration{50 * time.Millisecond},
			WriteTimeout: duration{10 * time.Second},
		},
		Chain: ChainConfig{ChainID: 137},
		Settlement: SettlementConfig{
			Confirmations:  5,
			BlockWindow:    2000,
			PollInterval:   duration{5 * time.Second},
			TokenName:      "USD Coin",
			TokenVersion:   "2",
			DailyQuotaUSDC: 1_000_000_000,
			MaxAttempts:    3,
			ReceiptTimeout: duration{2 * time.Minute},
			GasLimit:       400_000,
			PermitGasLimit: 120_000,
		},
		Notify: NotifyConfig{
			Events:   []string{"leader_promoted", "leader_demoted", "recovery_failed", "settlement_failed"},
			Cooldown: duration{time.Minute},
		},
	}
}

// Operating modes.
const (
	// ModeNode campaigns for leadership and serves reads and writes.
	ModeNode = "node"
	// ModeReplica never campaigns. It serves reads from snapshots and
	// forwards or refuses writes.
	ModeReplica = "replica"
)

// Durable store backends.
const (
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
	BackendMemory   = "memory"
)

var validModes = map[string]bool{
	ModeNode:    true,
	ModeReplica: true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	BackendPostgres: true,
	BackendPebble:   true,
	BackendMemory:   true,
}

var validTiers = map[string]bool{
	string(domain.TierAnonymous): true,
	string(domain.TierTrader):    true,
	string(domain.TierAdmin):     true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: node, replica)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Server
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server: addr %q: %v", c.Server.Addr, err)
	}

	// Cluster
	if c.Cluster.LeaseTTL.Duration <= 0 {
		add("cluster: lease_ttl must be > 0")
	}
	if c.Cluster.RenewInterval.Duration <= 0 || c.Cluster.RenewInterval.Duration >= c.Cluster.LeaseTTL.Duration {
		add("cluster: renew_interval must be > 0 and shorter than lease_ttl")
	}
	if c.Cluster.AdvertiseURL != "" {
		if u, err := url.Parse(c.Cluster.AdvertiseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("cluster: advertise_url %q is not an absolute URL", c.Cluster.AdvertiseURL)
		}
	}
	if c.Cluster.Proxy && c.Cluster.ForwardSecret == "" {
		add("cluster: forward_secret is required when proxy is enabled")
	}
	if c.Mode == ModeReplica && !c.Redis.Enabled {
		add("redis: a replica needs redis to find the leader and read snapshots")
	}

	// Engine
	e := c.Engine
	if e.MaxOutcomes < 1 {
		add("engine: max_outcomes must be >= 1")
	}
	if e.MinPrice < 1 || e.MaxPrice >= domain.PriceScale || e.MinPrice > e.MaxPrice {
		add("engine: need 1 <= min_price <= max_price < %d", domain.PriceScale)
	}
	if e.TickSize < 1 {
		add("engine: tick_size must be >= 1")
	}
	minAmt, err1 := domain.ParseAmount(e.MinOrderAmount)
	maxAmt, err2 := domain.ParseAmount(e.MaxOrderAmount)
	switch {
	case err1 != nil:
		add("engine: min_order_amount: %v", err1)
	case err2 != nil:
		add("engine: max_order_amount: %v", err2)
	case minAmt.IsZero() || minAmt.Gt(maxAmt):
		add("engine: need 0 < min_order_amount <= max_order_amount")
	}
	if e.MakerFeeBps < 0 || e.MakerFeeBps > 10_000 || e.TakerFeeBps < 0 || e.TakerFeeBps > 10_000 {
		add("engine: fee bps must be within [0, 10000]")
	}
	if e.DepthLevels < 1 {
		add("engine: depth_levels must be >= 1")
	}
	for _, addr := range e.VerifyingContracts {
		if !common.IsHexAddress(addr) {
			add("engine: verifying contract %q is not an address", addr)
		}
	}
	if c.Risk.MaxLongExposureUSDC < 0 || c.Risk.MaxShortExposureUSDC < 0 {
		add("risk: exposure caps must be >= 0")
	}

	if c.Snapshot.Interval.Duration <= 0 {
		add("snapshot: interval must be > 0")
	}
	if c.Checkpoint.Interval.Duration <= 0 {
		add("checkpoint: interval must be > 0")
	}
	if c.Idempotency.TTL.Duration <= 0 {
		add("idempotency: ttl must be > 0")
	}

	// Rate limits
	for group, tiers := range c.RateLimit.Rules {
		for tier, rule := range tiers {
			if !validTiers[tier] {
				add("ratelimit: rules.%s: unknown tier %q", group, tier)
			}
			if rule.Limit < 1 || rule.Window.Duration <= 0 {
				add("ratelimit: rules.%s.%s needs limit >= 1 and a positive window", group, tier)
			}
		}
	}

	// Auth
	seen := make(map[string]bool, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		if k.ID == "" || k.Key == "" {
			add("auth: api_keys[%d] needs id and key", i)
		}
		if seen[k.Key] {
			add("auth: api_keys[%d] duplicates another key", i)
		}
		seen[k.Key] = true
		for _, t := range k.Tiers {
			if !validTiers[t] {
				add("auth: api_keys[%d]: unknown tier %q", i, t)
			}
		}
	}

	// Storage
	if !validBackends[c.Storage.Backend] {
		add("storage: unknown backend %q (valid: postgres, pebble, memory)", c.Storage.Backend)
	}
	switch c.Storage.Backend {
	case BackendPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be within [0, pool_max_conns]")
		}
	case BackendPebble:
		if c.Pebble.Dir == "" {
			add("pebble: dir must not be empty")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			add("kafka: brokers must not be empty")
		}
		if c.Kafka.Topic == "" {
			add("kafka: topic must not be empty")
		}
	}

	// Chain and settlement
	if c.Chain.ChainID <= 0 {
		add("chain: chain_id must be positive")
	}
	s := c.Settlement
	if s.Ingest || s.Gasless {
		if c.Chain.RPCURL == "" {
			add("chain: rpc_url is required for settlement")
		}
		if len(s.Contracts) == 0 {
			add("settlement: contracts must not be empty")
		}
		for _, addr := range s.Contracts {
			if !common.IsHexAddress(addr) {
				add("settlement: contract %q is not an address", addr)
			}
		}
	}
	if s.Gasless {
		if c.Chain.OperatorKey == "" && c.Chain.EncryptedKeyPath == "" {
			add("chain: operator_key or encrypted_key_path is required for gasless settlement")
		}
		if c.Chain.EncryptedKeyPath != "" && c.Chain.KeyPassword == "" {
			add("chain: key_password is required when encrypted_key_path is set")
		}
		if !common.IsHexAddress(s.TokenAddress) {
			add("settlement: token_address %q is not an address", s.TokenAddress)
		}
		if s.DailyQuotaUSDC < 0 {
			add("settlement: daily_quota_usdc must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
