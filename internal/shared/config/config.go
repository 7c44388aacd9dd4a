package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	SaltEdge   SaltEdgeConfig
	Sync       SyncConfig
	Scheduler  SchedulerConfig
	Redis      RedisConfig
	RabbitMQ   RabbitMQConfig
	Kafka      KafkaConfig
	Firebase   FirebaseConfig
	Encryption EncryptionConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
	TLS        TLSConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// Pool sizing; zero keeps the driver defaults chosen by postgres.New.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type SaltEdgeConfig struct {
	BaseURL  string
	AppID    string
	Secret   string
	ClientID string
	// PrivateKeyPath is the app's RSA key used to sign outbound requests.
	// When empty, requests are signed with HMAC-SHA256 keyed by Secret.
	PrivateKeyPath string
	// PublicKeyPath is the provider's published key used to verify callbacks.
	PublicKeyPath   string
	CallbackBaseURL string
	Timeout         time.Duration
	RateLimit       float64
	RateBurst       int
}

type SyncConfig struct {
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	NotifyWithoutHint   string
	PersistTimeout      time.Duration
	JobTimeout          time.Duration
	CustomerConcurrency int
	DedupWindow         time.Duration
	LaneQueueSize       int
	LaneWorkers         int
	FetchPeriodDays     int
	ConsentScopes       []string
}

type SchedulerConfig struct {
	Enabled      bool
	Spec         string
	RunOnStartup bool
}

type RedisConfig struct {
	URL        string
	Prefix     string
	LockPrefix string
	LockTTL    time.Duration
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type FirebaseConfig struct {
	CredentialsFile string
	MessagesFile    string
}

type EncryptionConfig struct {
	Key string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
	SampleRatio  float64
}

type LogConfig struct {
	Level  string
	Format string
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

// env reads settings from the process environment. A .env file in the working
// directory, when present, is loaded first and never overrides real variables.
var env = newEnv()

func newEnv() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	saltEdgeTimeout, err := time.ParseDuration(getEnv("SALTEDGE_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SALTEDGE_TIMEOUT: %w", err)
	}
	rateLimit, err := strconv.ParseFloat(getEnv("SALTEDGE_RATE_LIMIT", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid SALTEDGE_RATE_LIMIT: %w", err)
	}
	rateBurst, err := strconv.Atoi(getEnv("SALTEDGE_RATE_BURST", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid SALTEDGE_RATE_BURST: %w", err)
	}

	// Parse sync configuration
	maxRetries, err := strconv.Atoi(getEnv("SYNC_MAX_RETRIES", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_MAX_RETRIES: %w", err)
	}
	baseDelay, err := time.ParseDuration(getEnv("SYNC_RETRY_BASE_DELAY", "500ms"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_RETRY_BASE_DELAY: %w", err)
	}
	maxDelay, err := time.ParseDuration(getEnv("SYNC_RETRY_MAX_DELAY", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_RETRY_MAX_DELAY: %w", err)
	}
	persistTimeout, err := time.ParseDuration(getEnv("SYNC_PERSIST_TIMEOUT", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_PERSIST_TIMEOUT: %w", err)
	}
	jobTimeout, err := time.ParseDuration(getEnv("SYNC_JOB_TIMEOUT", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_JOB_TIMEOUT: %w", err)
	}
	customerConcurrency, err := strconv.Atoi(getEnv("SYNC_CUSTOMER_CONCURRENCY", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_CUSTOMER_CONCURRENCY: %w", err)
	}
	dedupWindow, err := time.ParseDuration(getEnv("SYNC_DEDUP_WINDOW", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_DEDUP_WINDOW: %w", err)
	}
	laneQueueSize, err := strconv.Atoi(getEnv("SYNC_LANE_QUEUE_SIZE", "32"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_LANE_QUEUE_SIZE: %w", err)
	}
	laneWorkers, err := strconv.Atoi(getEnv("SYNC_LANE_WORKERS", "16"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_LANE_WORKERS: %w", err)
	}
	fetchPeriodDays, err := strconv.Atoi(getEnv("SYNC_FETCH_PERIOD_DAYS", "90"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_FETCH_PERIOD_DAYS: %w", err)
	}

	lockTTL, err := time.ParseDuration(getEnv("REDIS_LOCK_TTL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_LOCK_TTL: %w", err)
	}

	maxOpenConns, err := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdleConns, err := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	connMaxLifetime, err := time.ParseDuration(getEnv("DB_CONN_MAX_LIFETIME", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}

	sampleRatio, err := strconv.ParseFloat(getEnv("OTEL_TRACE_SAMPLE_RATIO", "1"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_TRACE_SAMPLE_RATIO: %w", err)
	}

	consentScopes := splitList(getEnv("SYNC_CONSENT_SCOPES", "account_details,transactions_details"))

	// Parse allowed hosts (comma-separated list)
	allowedHosts := splitList(getEnv("ALLOWED_HOSTS", ""))

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: allowedHosts,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "moneymanager"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "moneymanager"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			MaxOpenConns:    maxOpenConns,
			MaxIdleConns:    maxIdleConns,
			ConnMaxLifetime: connMaxLifetime,
		},
		SaltEdge: SaltEdgeConfig{
			BaseURL:         getEnv("SALTEDGE_BASE_URL", "https://www.saltedge.com/api/v5"),
			AppID:           getEnv("SALTEDGE_APP_ID", ""),
			Secret:          getEnv("SALTEDGE_SECRET", ""),
			ClientID:        getEnv("SALTEDGE_CLIENT_ID", ""),
			PrivateKeyPath:  getEnv("SALTEDGE_PRIVATE_KEY_PATH", ""),
			PublicKeyPath:   getEnv("SALTEDGE_PUBLIC_KEY_PATH", ""),
			CallbackBaseURL: strings.TrimSuffix(getEnv("SALTEDGE_CALLBACK_BASE_URL", ""), "/"),
			Timeout:         saltEdgeTimeout,
			RateLimit:       rateLimit,
			RateBurst:       rateBurst,
		},
		Sync: SyncConfig{
			MaxRetries:          maxRetries,
			BaseDelay:           baseDelay,
			MaxDelay:            maxDelay,
			NotifyWithoutHint:   strings.ToLower(getEnv("SYNC_NOTIFY_WITHOUT_HINT", "skip")),
			PersistTimeout:      persistTimeout,
			JobTimeout:          jobTimeout,
			CustomerConcurrency: customerConcurrency,
			DedupWindow:         dedupWindow,
			LaneQueueSize:       laneQueueSize,
			LaneWorkers:         laneWorkers,
			FetchPeriodDays:     fetchPeriodDays,
			ConsentScopes:       consentScopes,
		},
		Scheduler: SchedulerConfig{
			Enabled:      getBoolEnv("SCHEDULER_ENABLED", true),
			Spec:         getEnv("SCHEDULER_SPEC", "0 5,14,20 * * *"),
			RunOnStartup: getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
		},
		Redis: RedisConfig{
			URL:        getEnv("REDIS_URL", ""),
			Prefix:     getEnv("REDIS_DEDUP_PREFIX", "moneymanager:callback"),
			LockPrefix: getEnv("REDIS_LOCK_PREFIX", "moneymanager:lock"),
			LockTTL:    lockTTL,
		},
		RabbitMQ: RabbitMQConfig{
			URL:      getEnv("RABBITMQ_URL", ""),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "banksync.events"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "banksync.events"),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
			MessagesFile:    getEnv("NOTIFICATION_MESSAGES_FILE", "messages/notifications.json"),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "moneymanager-api"),
			Environment:  getEnv("OTEL_ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9464"),
			SampleRatio:  sampleRatio,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		TLS: TLSConfig{
			Enabled:      getBoolEnv("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: getBoolEnv("TLS_REDIRECT_HTTP", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SaltEdge.AppID == "" {
		return fmt.Errorf("SALTEDGE_APP_ID is required")
	}
	if c.SaltEdge.Secret == "" {
		return fmt.Errorf("SALTEDGE_SECRET is required")
	}
	if c.SaltEdge.PublicKeyPath == "" {
		return fmt.Errorf("SALTEDGE_PUBLIC_KEY_PATH is required to verify callbacks")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}
	switch c.Sync.NotifyWithoutHint {
	case "pull", "skip":
	default:
		return fmt.Errorf("SYNC_NOTIFY_WITHOUT_HINT must be \"pull\" or \"skip\", got %q", c.Sync.NotifyWithoutHint)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative")
	}
	if c.Sync.CustomerConcurrency < 1 {
		return fmt.Errorf("SYNC_CUSTOMER_CONCURRENCY must be at least 1")
	}
	if c.Sync.LaneWorkers < 1 {
		return fmt.Errorf("SYNC_LANE_WORKERS must be at least 1")
	}
	if c.Sync.LaneQueueSize < 1 {
		return fmt.Errorf("SYNC_LANE_QUEUE_SIZE must be at least 1")
	}
	if c.Redis.LockTTL < time.Second {
		return fmt.Errorf("REDIS_LOCK_TTL must be at least 1s")
	}

	// Validate TLS configuration
	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the database location in URL form, as expected by the migrator.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.DBName,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

func getEnv(key, defaultValue string) string {
	if value := env.GetString(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping blank entries.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := env.GetString(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
