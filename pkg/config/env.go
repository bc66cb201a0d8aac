package config

const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EventBusDriverPubSub = "pubsub"
	EventBusDriverKafka  = "kafka"
	EventBusDriverLog    = "log"
)

const (
	EnvAppEnv          = "STAYLEDGER_APP_ENV"
	EnvDBDSN           = "STAYLEDGER_DB_DSN"
	EnvDBHost          = "STAYLEDGER_DB_HOST"
	EnvDBUser          = "STAYLEDGER_DB_USER"
	EnvDBName          = "STAYLEDGER_DB_NAME"
	EnvRedisURL        = "STAYLEDGER_REDIS_URL"
	EnvGCPProjectID    = "STAYLEDGER_GCP_PROJECT_ID"
	EnvKafkaBrokers    = "STAYLEDGER_KAFKA_BROKERS"
	EnvEventBusDriver  = "STAYLEDGER_EVENTBUS_DRIVER"
	EnvInventoryTopic  = "STAYLEDGER_EVENTBUS_INVENTORY_TOPIC"
	EnvLockRetries     = "STAYLEDGER_INVENTORY_LOCK_RETRY_ATTEMPTS"
	EnvDefaultHoldTTL  = "STAYLEDGER_INVENTORY_DEFAULT_HOLD_TTL"
	EnvCacheRangeTTL   = "STAYLEDGER_CACHE_RANGE_TTL"
	EnvOutboxQueueSize = "STAYLEDGER_OUTBOX_QUEUE_SIZE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
