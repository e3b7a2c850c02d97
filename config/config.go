package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Ramsey-B/clover/pkg/clustering"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/realtime"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	LockerLocal   = "local"
	LockerRedis   = "redis"
)

type Config struct {
	AppName                       string `mapstructure:"app_name" validate:"required"`
	Version                       string `mapstructure:"app_version"`
	Port                          int    `mapstructure:"port" validate:"gt=0,lt=65536"`
	LogLevel                      string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	HttpServerWriteTimeoutSeconds int    `mapstructure:"http_server_write_timeout_seconds"`
	HttpServerReadTimeoutSeconds  int    `mapstructure:"http_server_read_timeout_seconds"`
	HttpServerIdleTimeoutSeconds  int    `mapstructure:"http_server_idle_timeout_seconds"`
	MaxHeaderBytes                int    `mapstructure:"http_server_max_header_bytes"` // 64KB
	ReadHeaderTimeoutSeconds      int    `mapstructure:"http_server_read_header_timeout_seconds"`
	StartupMaxAttempts            int    `mapstructure:"startup_max_attempts" validate:"gt=0"`

	// PostgreSQL (linking store)
	DatabaseHost                string        `mapstructure:"db_host"`
	DatabasePort                int           `mapstructure:"db_port"`
	DatabaseUserName            string        `mapstructure:"db_user_name"`
	DatabasePassword            string        `mapstructure:"db_password"`
	DatabaseName                string        `mapstructure:"db_name"`
	DatabaseSSLMode             string        `mapstructure:"db_ssl_mode"`
	DatabaseMaxOpenConns        int           `mapstructure:"db_max_open_conns"`
	DatabaseMaxIdleConns        int           `mapstructure:"db_max_idle_conns"`
	DatabaseConnMaxLifetime     time.Duration `mapstructure:"db_conn_max_lifetime"`
	DatabaseMigrationFolderPath string        `mapstructure:"db_migration_folder_path"`
	DatabaseMigrationVersion    uint          `mapstructure:"db_migration_version"`

	// Graph Database (Memgraph)
	GraphDBEnabled  bool   `mapstructure:"graph_db_enabled"`
	GraphDBHost     string `mapstructure:"graph_db_host"`
	GraphDBPort     int    `mapstructure:"graph_db_port"`
	GraphDBUser     string `mapstructure:"graph_db_user"`
	GraphDBPassword string `mapstructure:"graph_db_password"`

	// Redis (distributed cluster lock)
	RedisHost       string `mapstructure:"redis_host"`
	RedisPort       int    `mapstructure:"redis_port"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`
	RedisLockPrefix string `mapstructure:"redis_lock_prefix"`

	// Tracing
	OTLPEndpoint string        `mapstructure:"otlp_endpoint"`
	OTLPProtocol string        `mapstructure:"otlp_protocol" validate:"oneof=grpc http"`
	OTLPInsecure bool          `mapstructure:"otlp_insecure"`
	OTLPTimeout  time.Duration `mapstructure:"otlp_timeout"`

	// Auth. Without an issuer the X-Roles header is trusted, which DevMode must allow.
	OIDCIssuerURL string `mapstructure:"oidc_issuer_url"`
	OIDCClientID  string `mapstructure:"oidc_client_id"`
	AdminRole     string `mapstructure:"admin_role" validate:"required"`
	DevMode       bool   `mapstructure:"dev_mode"`

	// Kafka consumer (entity writes)
	KafkaBrokers         []string `mapstructure:"kafka_brokers"`
	KafkaInputTopic      string   `mapstructure:"kafka_input_topic"`
	KafkaConsumerGroup   string   `mapstructure:"kafka_consumer_group"`
	KafkaConsumerEnabled bool     `mapstructure:"kafka_consumer_enabled"`
	KafkaEntityWritePath string   `mapstructure:"kafka_entity_write_path"`

	// Kafka producer (cluster and feedback events)
	KafkaProducerEnabled bool   `mapstructure:"kafka_producer_enabled"`
	KafkaOutputTopic     string `mapstructure:"kafka_output_topic"`
	KafkaBatchSize       int    `mapstructure:"kafka_batch_size"`
	KafkaBatchTimeout    int    `mapstructure:"kafka_batch_timeout_ms"`
	KafkaRequiredAcks    int    `mapstructure:"kafka_required_acks"`
	KafkaCompression     string `mapstructure:"kafka_compression" validate:"oneof=snappy gzip lz4 zstd none"`

	// Linking loop
	LinkingEnabled          bool          `mapstructure:"linking_enabled"`
	LinkingAcceptThreshold  float64       `mapstructure:"linking_accept_threshold" validate:"gte=0,lte=1"`
	LinkingStrategy         string        `mapstructure:"linking_strategy" validate:"required"`
	LinkingWorkers          int           `mapstructure:"linking_workers" validate:"gt=0"`
	LinkingQueueCapacity    int           `mapstructure:"linking_queue_capacity" validate:"gt=0"`
	LinkingBatchSize        int           `mapstructure:"linking_batch_size" validate:"gt=0"`
	LinkingPollInterval     time.Duration `mapstructure:"linking_poll_interval"`
	LinkingCandidateLimit   int           `mapstructure:"linking_candidate_limit" validate:"gte=0"`
	LinkingLockTimeout      time.Duration `mapstructure:"linking_lock_timeout"`
	LinkingLockTTL          time.Duration `mapstructure:"linking_lock_ttl"`
	LinkingMaxRetries       int           `mapstructure:"linking_max_retries" validate:"gte=0"`
	LinkingFailureCooldown  time.Duration `mapstructure:"linking_failure_cooldown"`
	LinkingTypes            []string      `mapstructure:"linking_types"`
	LinkingBlacklist        []string      `mapstructure:"linking_blacklist" validate:"dive,uuid"`
	LinkingWhitelist        []string      `mapstructure:"linking_whitelist" validate:"dive,uuid"`
	LinkingTypeDependencies []string      `mapstructure:"linking_type_dependencies"`
	LinkingStore            string        `mapstructure:"linking_store" validate:"oneof=memory postgres"`
	LinkingLocker           string        `mapstructure:"linking_locker" validate:"oneof=local redis"`

	// Matching
	OracleURL         string        `mapstructure:"oracle_url" validate:"omitempty,url"`
	OracleTimeout     time.Duration `mapstructure:"oracle_timeout"`
	OracleCacheTTL    time.Duration `mapstructure:"oracle_cache_ttl"`
	OracleRateLimit   float64       `mapstructure:"oracle_rate_limit" validate:"gte=0"`
	OracleRateBurst   int           `mapstructure:"oracle_rate_burst"`
	OracleMaxFailures uint32        `mapstructure:"oracle_max_failures"`
	ModelPath         string        `mapstructure:"model_path"`
	FeatureSchemaPath string        `mapstructure:"feature_schema_path"`
	BlockingSpecPath  string        `mapstructure:"blocking_spec_path"`
	EntitySchemaPath  string        `mapstructure:"entity_schema_path"`
}

var defaults = map[string]any{
	"app_name":    "clover",
	"app_version": "dev",
	"port":        3004,
	"log_level":   "info",

	"http_server_write_timeout_seconds":       10,
	"http_server_read_timeout_seconds":        10,
	"http_server_idle_timeout_seconds":        10,
	"http_server_max_header_bytes":            64000,
	"http_server_read_header_timeout_seconds": 10,
	"startup_max_attempts":                    5,

	"db_host":                  "localhost",
	"db_port":                  5432,
	"db_user_name":             "",
	"db_password":              "",
	"db_name":                  "clover",
	"db_ssl_mode":              "disable",
	"db_max_open_conns":        25,
	"db_max_idle_conns":        10,
	"db_conn_max_lifetime":     "10s",
	"db_migration_folder_path": "db/pg",
	"db_migration_version":     0,

	"graph_db_enabled":  false,
	"graph_db_host":     "localhost",
	"graph_db_port":     7687,
	"graph_db_user":     "",
	"graph_db_password": "",

	"redis_host":        "localhost",
	"redis_port":        6379,
	"redis_password":    "",
	"redis_db":          0,
	"redis_lock_prefix": "clover:lock:",

	"otlp_endpoint": "",
	"otlp_protocol": "grpc",
	"otlp_insecure": true,
	"otlp_timeout":  "10s",

	"oidc_issuer_url": "",
	"oidc_client_id":  "",
	"admin_role":      "admin",
	"dev_mode":        false,

	"kafka_brokers":           []string{"localhost:9092"},
	"kafka_input_topic":       "entity-writes",
	"kafka_consumer_group":    "clover-consumer",
	"kafka_consumer_enabled":  false,
	"kafka_entity_write_path": "",
	"kafka_producer_enabled":  false,
	"kafka_output_topic":      "linking-events",
	"kafka_batch_size":        100,
	"kafka_batch_timeout_ms":  100,
	"kafka_required_acks":     1,
	"kafka_compression":       "snappy",

	"linking_enabled":           true,
	"linking_accept_threshold":  0.9,
	"linking_strategy":          clustering.StrategyMinimumSpanning,
	"linking_workers":           4,
	"linking_queue_capacity":    256,
	"linking_batch_size":        100,
	"linking_poll_interval":     "1s",
	"linking_candidate_limit":   200,
	"linking_lock_timeout":      "2s",
	"linking_lock_ttl":          "30s",
	"linking_max_retries":       3,
	"linking_failure_cooldown":  "1m",
	"linking_types":             []string{"person"},
	"linking_blacklist":         []string{},
	"linking_whitelist":         []string{},
	"linking_type_dependencies": []string{},
	"linking_store":             StoreMemory,
	"linking_locker":            LockerLocal,

	"oracle_url":          "",
	"oracle_timeout":      "2s",
	"oracle_cache_ttl":    "10m",
	"oracle_rate_limit":   0,
	"oracle_rate_burst":   10,
	"oracle_max_failures": 5,
	"model_path":          "",
	"feature_schema_path": "",
	"blocking_spec_path":  "",
	"entity_schema_path":  "",
}

var validate = validator.New()

// Load reads an optional .env file, an optional config file and the
// environment, in increasing precedence. An empty path skips the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field tags, the linking strategy, the auth mode and the
// linking type dependencies.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := clustering.StrategyByName(c.LinkingStrategy); err != nil {
		return err
	}
	if c.OIDCIssuerURL == "" && !c.DevMode {
		return errors.New("oidc_issuer_url is required unless dev_mode is set")
	}
	rt, err := c.Realtime()
	if err != nil {
		return err
	}
	return rt.Validate()
}

// Realtime builds the linking loop configuration.
func (c *Config) Realtime() (realtime.Config, error) {
	blacklist, err := parseIDs(c.LinkingBlacklist)
	if err != nil {
		return realtime.Config{}, fmt.Errorf("linking_blacklist: %w", err)
	}
	whitelist, err := parseIDs(c.LinkingWhitelist)
	if err != nil {
		return realtime.Config{}, fmt.Errorf("linking_whitelist: %w", err)
	}
	deps, err := ParseTypeDependencies(c.LinkingTypeDependencies)
	if err != nil {
		return realtime.Config{}, err
	}

	return realtime.Config{
		AcceptThreshold:  c.LinkingAcceptThreshold,
		Workers:          c.LinkingWorkers,
		QueueCapacity:    c.LinkingQueueCapacity,
		BatchSize:        c.LinkingBatchSize,
		PollInterval:     c.LinkingPollInterval,
		CandidateLimit:   c.LinkingCandidateLimit,
		LockTimeout:      c.LinkingLockTimeout,
		LockTTL:          c.LinkingLockTTL,
		MaxRetries:       c.LinkingMaxRetries,
		FailureCooldown:  c.LinkingFailureCooldown,
		LinkableTypes:    c.LinkingTypes,
		Blacklist:        blacklist,
		Whitelist:        whitelist,
		TypeDependencies: deps,
	}, nil
}

func (c *Config) Database() database.Config {
	return database.Config{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             c.DatabaseMigrationVersion,
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

func (c *Config) Graph() graph.Config {
	return graph.Config{
		Host:     c.GraphDBHost,
		Port:     c.GraphDBPort,
		Username: c.GraphDBUser,
		Password: c.GraphDBPassword,
	}
}

func (c *Config) Tracing() tracing.Config {
	return tracing.Config{
		ServiceName: c.AppName,
		Endpoint:    c.OTLPEndpoint,
		Protocol:    c.OTLPProtocol,
		Insecure:    c.OTLPInsecure,
		Timeout:     c.OTLPTimeout,
	}
}

func (c *Config) Consumer() kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:         c.KafkaBrokers,
		Topic:           c.KafkaInputTopic,
		ConsumerGroup:   c.KafkaConsumerGroup,
		EntityWritePath: c.KafkaEntityWritePath,
	}
}

func (c *Config) Producer() kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      c.KafkaBrokers,
		Topic:        c.KafkaOutputTopic,
		BatchSize:    c.KafkaBatchSize,
		BatchTimeout: time.Duration(c.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: c.KafkaRequiredAcks,
		Compression:  c.KafkaCompression,
	}
}

func (c *Config) Oracle() matching.RemoteOracleConfig {
	return matching.RemoteOracleConfig{
		URL:         c.OracleURL,
		MaxFailures: c.OracleMaxFailures,
		OpenTimeout: 30 * time.Second,
		HTTPTimeout: c.OracleTimeout,
	}
}

// ParseTypeDependencies reads "type:dependency" entries, e.g. "person:household".
// A bare "type" entry declares a type with no dependencies.
func ParseTypeDependencies(entries []string) (map[string][]string, error) {
	deps := make(map[string][]string)
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		typ, dep, found := strings.Cut(entry, ":")
		typ, dep = strings.TrimSpace(typ), strings.TrimSpace(dep)
		if typ == "" || (found && dep == "") {
			return nil, fmt.Errorf("invalid linking type dependency %q", raw)
		}
		if !found {
			if _, ok := deps[typ]; !ok {
				deps[typ] = nil
			}
			continue
		}
		deps[typ] = append(deps[typ], dep)
	}
	return deps, nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
