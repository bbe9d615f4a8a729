package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FORESIGHT_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FORESIGHT_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FORESIGHT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.Log.File, "LOG_FILE")

	// ── Server ──
	setStr(&cfg.Server.Addr, "SERVER_ADDR")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setBool(&cfg.Server.TrustProxy, "SERVER_TRUST_PROXY")

	// ── Cluster ──
	setStr(&cfg.Cluster.NodeID, "CLUSTER_NODE_ID")
	setStr(&cfg.Cluster.AdvertiseURL, "CLUSTER_ADVERTISE_URL")
	setDuration(&cfg.Cluster.LeaseTTL, "CLUSTER_LEASE_TTL")
	setDuration(&cfg.Cluster.RenewInterval, "CLUSTER_RENEW_INTERVAL")
	setDuration(&cfg.Cluster.RetryInterval, "CLUSTER_RETRY_INTERVAL")
	setBool(&cfg.Cluster.Proxy, "CLUSTER_PROXY")
	setStr(&cfg.Cluster.ForwardSecret, "CLUSTER_FORWARD_SECRET")

	// ── Engine / risk ──
	setStringSlice(&cfg.Engine.VerifyingContracts, "ENGINE_VERIFYING_CONTRACTS")
	setBool(&cfg.Engine.VerifySignatures, "ENGINE_VERIFY_SIGNATURES")
	setInt64(&cfg.Engine.MakerFeeBps, "ENGINE_MAKER_FEE_BPS")
	setInt64(&cfg.Engine.TakerFeeBps, "ENGINE_TAKER_FEE_BPS")
	setInt64(&cfg.Risk.MaxLongExposureUSDC, "RISK_MAX_LONG_EXPOSURE_USDC")
	setInt64(&cfg.Risk.MaxShortExposureUSDC, "RISK_MAX_SHORT_EXPOSURE_USDC")

	// ── Snapshot / checkpoint ──
	setDuration(&cfg.Snapshot.Interval, "SNAPSHOT_INTERVAL")
	setDuration(&cfg.Checkpoint.Interval, "CHECKPOINT_INTERVAL")
	setInt(&cfg.Checkpoint.ArchiveEvery, "CHECKPOINT_ARCHIVE_EVERY")

	// ── Auth / rate limit ──
	setStr(&cfg.Auth.JWTSecret, "AUTH_JWT_SECRET")
	setBool(&cfg.RateLimit.Enabled, "RATELIMIT_ENABLED")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")
	setStr(&cfg.Pebble.Dir, "PEBBLE_DIR")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "KAFKA_TOPIC")

	// ── Chain / settlement ──
	setInt64(&cfg.Chain.ChainID, "CHAIN_ID")
	setStr(&cfg.Chain.RPCURL, "CHAIN_RPC_URL")
	setStr(&cfg.Chain.OperatorKey, "CHAIN_OPERATOR_KEY")
	setStr(&cfg.Chain.EncryptedKeyPath, "CHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Chain.KeyPassword, "CHAIN_KEY_PASSWORD")
	setBool(&cfg.Settlement.Ingest, "SETTLEMENT_INGEST")
	setBool(&cfg.Settlement.Gasless, "SETTLEMENT_GASLESS")
	setStringSlice(&cfg.Settlement.Contracts, "SETTLEMENT_CONTRACTS")
	setUint64(&cfg.Settlement.StartBlock, "SETTLEMENT_START_BLOCK")
	setStr(&cfg.Settlement.TokenAddress, "SETTLEMENT_TOKEN_ADDRESS")
	setInt64(&cfg.Settlement.DailyQuotaUSDC, "SETTLEMENT_DAILY_QUOTA_USDC")
	setStringSlice(&cfg.Settlement.DenyAddresses, "SETTLEMENT_DENY_ADDRESSES")
	setStringSlice(&cfg.Settlement.DenyIPs, "SETTLEMENT_DENY_IPS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func getenv(key string) string { return os.Getenv(EnvPrefix + key) }

func setStr(dst *string, key string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
