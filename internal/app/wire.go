package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/foresight/internal/blob/s3"
	"github.com/alanyoungcy/foresight/internal/cache/redis"
	"github.com/alanyoungcy/foresight/internal/config"
	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/notify"
	"github.com/alanyoungcy/foresight/internal/sink"
	"github.com/alanyoungcy/foresight/internal/store/memory"
	"github.com/alanyoungcy/foresight/internal/store/pebble"
	"github.com/alanyoungcy/foresight/internal/store/postgres"
)

// Dependencies bundles every store, cache and outbound client a node needs.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Durable stores
	EventLog    domain.EventLog
	Checkpoints domain.CheckpointStore
	Intents     domain.IntentStore
	Audit       domain.AuditStore

	// Shared state. Redis when enabled, otherwise in process.
	Leases      domain.LeaseStore
	Locks       domain.LockManager
	Quota       domain.QuotaStore
	Deny        domain.DenyList
	Cursors     domain.CursorStore
	Bus         domain.SignalBus
	Snapshots   domain.SnapshotCache
	Idempotency domain.IdempotencyStore
	RateBackend domain.RateLimiter

	// Optional
	Archive domain.CheckpointArchive
	Kafka   *sink.Kafka

	Notifier *notify.Notifier

	// Shared reports whether the shared state lives outside this process.
	Shared bool
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- Durable stores ---
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.EventLog = postgres.NewEventLog(pool)
		deps.Checkpoints = postgres.NewCheckpointStore(pool)
		deps.Intents = postgres.NewIntentStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)

	case config.BackendPebble:
		st, err := pebble.Open(cfg.Pebble.Dir)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, func() {
			if err := st.Close(); err != nil {
				logger.Warn("pebble close failed", slog.String("error", err.Error()))
			}
		})
		deps.EventLog = st
		deps.Checkpoints = st
		deps.Intents = st
		deps.Audit = st

	default:
		logger.Warn("using in-memory durable stores; state is lost on restart")
		deps.EventLog = memory.NewEventLog()
		deps.Checkpoints = memory.NewCheckpointStore()
		deps.Intents = memory.NewIntentStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			DialTimeout:  cfg.Redis.DialTimeout.Duration,
			ReadTimeout:  cfg.Redis.ReadTimeout.Duration,
			WriteTimeout: cfg.Redis.WriteTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Shared = true
		deps.Leases = redis.NewLeaseStore(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Quota = redis.NewQuotaStore(redisClient)
		deps.Deny = redis.NewDenyList(redisClient)
		deps.Cursors = redis.NewCursorStore(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Snapshots = redis.NewSnapshotCache(redisClient)
		deps.Idempotency = redis.NewIdempotencyStore(redisClient)
		deps.RateBackend = redis.NewRateLimiter(redisClient)
	} else {
		logger.Info("redis disabled; shared state is process-local")
		deps.Leases = memory.NewLeaseStore()
		deps.Locks = memory.NewLocks()
		deps.Quota = memory.NewQuotaStore()
		deps.Deny = memory.NewDenyList()
		deps.Cursors = memory.NewCursors()
		deps.Bus = memory.NewSignalBus()
		deps.Snapshots = memory.NewSnapshotCache()
		deps.Idempotency = memory.NewIdempotencyStore()
		deps.RateBackend = memory.NewRateLimiter()
	}

	// --- S3 checkpoint archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archive = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.Audit)
	}

	// --- Kafka trade sink ---
	if cfg.Kafka.Enabled {
		deps.Kafka = sink.NewKafka(sink.NewKafkaWriter(sink.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout.Duration,
			WriteTimeout: cfg.Kafka.WriteTimeout.Duration,
		}))
		k := deps.Kafka
		closers = append(closers, func() {
			if err := k.Close(); err != nil {
				logger.Warn("kafka writer close failed", slog.String("error", err.Error()))
			}
		})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramAPI, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}
