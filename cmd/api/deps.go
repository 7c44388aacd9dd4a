package main

import (
	"context"
	"crypto/rsa"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"moneymanager/internal/domain/banksync"
	"moneymanager/internal/domain/callback"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/infrastructure/crypto"
	"moneymanager/internal/infrastructure/firebase"
	"moneymanager/internal/infrastructure/kafka"
	"moneymanager/internal/infrastructure/postgres"
	"moneymanager/internal/infrastructure/rabbitmq"
	"moneymanager/internal/infrastructure/redis"
	"moneymanager/internal/infrastructure/saltedge"
	httphandlers "moneymanager/internal/interfaces/http"
	"moneymanager/internal/interfaces/scheduler"
	"moneymanager/internal/shared/config"
	"moneymanager/internal/shared/messages"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB    *postgres.DB
	Store *postgres.Store
	Redis *goredis.Client

	// Sync engine
	Orchestrator *banksync.Orchestrator
	Lanes        *scheduler.WorkerPool
	SyncJob      *scheduler.SyncJob
	Publisher    *rabbitmq.Publisher
	Kafka        *kafka.Publisher

	// Handlers
	CallbackHandler *httphandlers.CallbackHandler
	SyncHandler     *httphandlers.SyncHandler
	HealthHandler   *httphandlers.HealthHandler
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	deps.DB = db
	logger.Info().Str("host", cfg.Database.Host).Msg("connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Store = postgres.NewStore(db, encryptor)

	client, err := newSaltEdgeClient(cfg.SaltEdge)
	if err != nil {
		deps.Close()
		return nil, err
	}

	verifier, err := callback.LoadVerifier(cfg.SaltEdge.PublicKeyPath)
	if err != nil {
		deps.Close()
		return nil, err
	}

	policy, err := connection.ParseNotifyPolicy(cfg.Sync.NotifyWithoutHint)
	if err != nil {
		deps.Close()
		return nil, err
	}

	deps.Lanes = scheduler.NewWorkerPool(cfg.Sync.LaneWorkers, cfg.Sync.LaneQueueSize, cfg.Sync.JobTimeout, logger)

	engine := banksync.Deps{
		Store:    deps.Store,
		Client:   client,
		Verifier: verifier,
		Lanes:    deps.Lanes,
		Logger:   logger,
	}

	// Optional collaborators: each falls back to an in-process equivalent.
	if cfg.Redis.URL != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Redis = rdb
		engine.Dedup = redis.NewDeduper(rdb, cfg.Redis.Prefix)
		engine.Locks = redis.NewLocker(rdb, cfg.Redis.LockPrefix, cfg.Redis.LockTTL, logger)
		logger.Info().Msg("callback deduplication and connection locks backed by redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set, deduplication and connection locks are process-local; run a single replica")
	}

	var publishers banksync.MultiPublisher
	if cfg.RabbitMQ.URL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("rabbitmq unavailable, skipping exchange publisher")
		} else {
			deps.Publisher = pub
			publishers = append(publishers, pub)
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Kafka = pub
		publishers = append(publishers, pub)
	}
	switch len(publishers) {
	case 0:
		engine.Publisher = rabbitmq.FallbackPublisher{Logger: logger}
	case 1:
		engine.Publisher = publishers[0]
	default:
		engine.Publisher = publishers
	}

	if cfg.Firebase.CredentialsFile != "" {
		texts, err := messages.Load(cfg.Firebase.MessagesFile)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Firebase.MessagesFile).Msg("using default notification texts")
			texts = messages.Defaults()
		}
		notifier, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, texts, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		engine.Notifier = notifier
	} else {
		logger.Info().Msg("FIREBASE_CREDENTIALS_FILE not set, push notifications disabled")
	}

	deps.Orchestrator = banksync.NewOrchestrator(engine, banksync.Config{
		NotifyPolicy: policy,
		Retry: banksync.Backoff{
			Base:       cfg.Sync.BaseDelay,
			Max:        cfg.Sync.MaxDelay,
			MaxRetries: cfg.Sync.MaxRetries,
		},
		PersistTimeout:      cfg.Sync.PersistTimeout,
		CustomerConcurrency: cfg.Sync.CustomerConcurrency,
		DedupWindow:         cfg.Sync.DedupWindow,
		ConsentScopes:       cfg.Sync.ConsentScopes,
		PeriodDays:          cfg.Sync.FetchPeriodDays,
	})

	if cfg.Scheduler.Enabled {
		job, err := scheduler.NewSyncJob(deps.Orchestrator, cfg.Scheduler.Spec, cfg.Scheduler.RunOnStartup, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.SyncJob = job
	}

	deps.CallbackHandler = httphandlers.NewCallbackHandler(deps.Orchestrator, cfg.SaltEdge.CallbackBaseURL, logger)
	deps.SyncHandler = httphandlers.NewSyncHandler(deps.Orchestrator, logger)
	deps.HealthHandler = httphandlers.NewHealthHandler(deps.Store)

	return deps, nil
}

func newSaltEdgeClient(cfg config.SaltEdgeConfig) (*saltedge.Client, error) {
	var key *rsa.PrivateKey
	if cfg.PrivateKeyPath != "" {
		var err error
		key, err = saltedge.LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
	}
	return saltedge.NewClient(saltedge.Config{
		BaseURL:    cfg.BaseURL,
		AppID:      cfg.AppID,
		Secret:     cfg.Secret,
		ClientID:   cfg.ClientID,
		PrivateKey: key,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
	})
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.Publisher != nil {
		d.Publisher.Close()
	}
	if d.Kafka != nil {
		d.Kafka.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
