package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	GCP       GCPConfig
	Kafka     KafkaConfig
	EventBus  EventBusConfig
	Inventory InventoryConfig
	Cache     CacheConfig
	Outbox    OutboxConfig
	Cron      CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.EventBus.validate(cfg.GCP, cfg.Kafka); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STAYLEDGER_APP_ENV" required:"true"`
	OpsPort      string `envconfig:"STAYLEDGER_OPS_PORT" default:"9090"`
	LogLevel     string `envconfig:"STAYLEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STAYLEDGER_LOG_WARN_STACK" default:"false"`
	LogFormatSet string `envconfig:"STAYLEDGER_LOG_FORMAT"`
	AutoMigrate  bool   `envconfig:"STAYLEDGER_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// LogFormat is always json in prod. Elsewhere STAYLEDGER_LOG_FORMAT wins and
// the fallback is console.
func (a AppConfig) LogFormat() string {
	if a.IsProd() {
		return "json"
	}
	if format := strings.ToLower(strings.TrimSpace(a.LogFormatSet)); format != "" {
		return format
	}
	return "console"
}

type ServiceConfig struct {
	Kind string `envconfig:"STAYLEDGER_SERVICE_KIND" default:"inventory"`
}

type DBConfig struct {
	DSN    string `envconfig:"STAYLEDGER_DB_DSN"`
	Driver string `envconfig:"STAYLEDGER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STAYLEDGER_DB_HOST"`
	LegacyPort     int    `envconfig:"STAYLEDGER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STAYLEDGER_DB_USER"`
	LegacyPassword string `envconfig:"STAYLEDGER_DB_PASSWORD"`
	LegacyName     string `envconfig:"STAYLEDGER_DB_NAME"`
	LegacySSLMode  string `envconfig:"STAYLEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STAYLEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STAYLEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STAYLEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STAYLEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"STAYLEDGER_DB_SLOW_QUERY" default:"200ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STAYLEDGER_REDIS_URL"`
	Address      string        `envconfig:"STAYLEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"STAYLEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"STAYLEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STAYLEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STAYLEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STAYLEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STAYLEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STAYLEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Configured reports whether a redis endpoint was supplied.
func (r RedisConfig) Configured() bool {
	return r.URL != "" || r.Address != ""
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STAYLEDGER_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"STAYLEDGER_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"STAYLEDGER_GOOGLE_APPLICATION_CREDENTIALS"`
	PubSubEndpoint         string `envconfig:"STAYLEDGER_PUBSUB_ENDPOINT"`
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"STAYLEDGER_KAFKA_BROKERS"`
	ClientID     string        `envconfig:"STAYLEDGER_KAFKA_CLIENT_ID" default:"stayledger"`
	BatchTimeout time.Duration `envconfig:"STAYLEDGER_KAFKA_BATCH_TIMEOUT" default:"10ms"`
	WriteTimeout time.Duration `envconfig:"STAYLEDGER_KAFKA_WRITE_TIMEOUT" default:"10s"`
}

// EventBusConfig selects the transport and names the topics events are routed to.
type EventBusConfig struct {
	Driver         string `envconfig:"STAYLEDGER_EVENTBUS_DRIVER" default:"pubsub"`
	InventoryTopic string `envconfig:"STAYLEDGER_EVENTBUS_INVENTORY_TOPIC" default:"inventory-events"`
	HoldsTopic     string `envconfig:"STAYLEDGER_EVENTBUS_HOLDS_TOPIC" default:"inventory-hold-events"`
	AllotmentTopic string `envconfig:"STAYLEDGER_EVENTBUS_ALLOTMENT_TOPIC" default:"inventory-allotment-events"`
}

func (e EventBusConfig) validate(gcp GCPConfig, kafka KafkaConfig) error {
	switch strings.ToLower(strings.TrimSpace(e.Driver)) {
	case EventBusDriverPubSub:
		if strings.TrimSpace(gcp.ProjectID) == "" {
			return fmt.Errorf("%s is required for the pubsub event bus", EnvGCPProjectID)
		}
	case EventBusDriverKafka:
		if len(kafka.Brokers) == 0 {
			return fmt.Errorf("%s is required for the kafka event bus", EnvKafkaBrokers)
		}
	case EventBusDriverLog:
	default:
		return fmt.Errorf("unsupported event bus driver %q", e.Driver)
	}
	if e.InventoryTopic == "" || e.HoldsTopic == "" || e.AllotmentTopic == "" {
		return fmt.Errorf("event bus topics must not be empty")
	}
	return nil
}

// InventoryConfig carries the policy and retry bounds for ledger mutations.
type InventoryConfig struct {
	LockRetryAttempts      int           `envconfig:"STAYLEDGER_INVENTORY_LOCK_RETRY_ATTEMPTS" default:"5"`
	LockRetryBaseDelay     time.Duration `envconfig:"STAYLEDGER_INVENTORY_LOCK_RETRY_BASE_DELAY" default:"20ms"`
	LockRetryMaxDelay      time.Duration `envconfig:"STAYLEDGER_INVENTORY_LOCK_RETRY_MAX_DELAY" default:"500ms"`
	LockRetryJitter        time.Duration `envconfig:"STAYLEDGER_INVENTORY_LOCK_RETRY_JITTER" default:"25ms"`
	OverbookingCoversHolds bool          `envconfig:"STAYLEDGER_INVENTORY_OVERBOOKING_COVERS_HOLDS" default:"true"`
	DefaultHoldTTL         time.Duration `envconfig:"STAYLEDGER_INVENTORY_DEFAULT_HOLD_TTL" default:"15m"`
	MaxHoldTTL             time.Duration `envconfig:"STAYLEDGER_INVENTORY_MAX_HOLD_TTL" default:"24h"`
	MaxRangeDays           int           `envconfig:"STAYLEDGER_INVENTORY_MAX_RANGE_DAYS" default:"366"`
}

type CacheConfig struct {
	Enabled  bool          `envconfig:"STAYLEDGER_CACHE_ENABLED" default:"true"`
	PointTTL time.Duration `envconfig:"STAYLEDGER_CACHE_POINT_TTL" default:"10m"`
	RangeTTL time.Duration `envconfig:"STAYLEDGER_CACHE_RANGE_TTL" default:"30s"`
}

type OutboxConfig struct {
	BatchSize        int           `envconfig:"STAYLEDGER_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS   int           `envconfig:"STAYLEDGER_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts      int           `envconfig:"STAYLEDGER_OUTBOX_MAX_ATTEMPTS" default:"10"`
	PublishRetries   int           `envconfig:"STAYLEDGER_OUTBOX_PUBLISH_RETRIES" default:"3"`
	PublishBaseDelay time.Duration `envconfig:"STAYLEDGER_OUTBOX_PUBLISH_BASE_DELAY" default:"100ms"`
	PublishMaxDelay  time.Duration `envconfig:"STAYLEDGER_OUTBOX_PUBLISH_MAX_DELAY" default:"5s"`
	RelayGrace       time.Duration `envconfig:"STAYLEDGER_OUTBOX_RELAY_GRACE" default:"30s"`
	Workers          int           `envconfig:"STAYLEDGER_OUTBOX_WORKERS" default:"4"`
	QueueSize        int           `envconfig:"STAYLEDGER_OUTBOX_QUEUE_SIZE" default:"1024"`
	RetentionDays    int           `envconfig:"STAYLEDGER_OUTBOX_RETENTION_DAYS" default:"30"`
	ClaimTTL         time.Duration `envconfig:"STAYLEDGER_OUTBOX_CLAIM_TTL" default:"2m"`
}

type CronConfig struct {
	Interval       time.Duration `envconfig:"STAYLEDGER_CRON_INTERVAL" default:"1m"`
	LockTTL        time.Duration `envconfig:"STAYLEDGER_CRON_LOCK_TTL" default:"5m"`
	HoldSweepBatch int           `envconfig:"STAYLEDGER_CRON_HOLD_SWEEP_BATCH" default:"200"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
