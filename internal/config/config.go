package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DevJWTSecret is the built-in signing secret. It is only accepted with the
// in-memory store.
const DevJWTSecret = "dev-secret-change-me"

type ParametricServiceConfig struct {
	Port     string `env:"PORT" envDefault:"8083"`
	LogDir   string `env:"LOG_DIR" envDefault:"logs"`
	Store    string `env:"STORE" envDefault:"postgres"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	PostgresCfg PostgresConfig `envPrefix:"POSTGRES_"`
	RabbitMQCfg RabbitMQConfig `envPrefix:"RABBITMQ_"`
	RedisCfg    RedisConfig    `envPrefix:"REDIS_"`
	MinioCfg    MinioConfig    `envPrefix:"MINIO_"`
	NatsCfg     NatsConfig     `envPrefix:"NATS_"`
	AuthCfg     AuthConfig
	RulesCfg    RulesConfig
	WorkerCfg   WorkerConfig
}

type PostgresConfig struct {
	DBname   string `env:"DB" envDefault:"parametric"`
	Username string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
}

type RabbitMQConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
	Username string `env:"USER" envDefault:"admin"`
	Password string `env:"PWD" envDefault:"admin"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5672"`
}

type RedisConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB" envDefault:"0"`
}

type MinioConfig struct {
	Enabled        bool   `env:"ENABLED" envDefault:"true"`
	MinioURL       string `env:"ENDPOINT" envDefault:"localhost:9407"`
	MinioAccessKey string `env:"ACCESS_KEY" envDefault:"minio"`
	MinioSecretKey string `env:"SECRET_KEY" envDefault:"minio123"`
	MinioLocation  string `env:"LOCATION" envDefault:"us-east-1"`
	MinioSecure    bool   `env:"SECURE" envDefault:"false"`
	ReportBucket   string `env:"REPORT_BUCKET" envDefault:"damage-reports"`
}

type NatsConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	URL      string `env:"URL" envDefault:"nats://localhost:4222"`
	Stream   string `env:"STREAM" envDefault:"PARAMETRIC_REPORTS"`
	Subject  string `env:"SUBJECT" envDefault:"parametric.reports.>"`
	Consumer string `env:"CONSUMER" envDefault:"parametric-service"`
}

// AuthConfig carries the bearer token secret and the identity of the one
// damage assessment feed whose reports are trusted.
type AuthConfig struct {
	JWTSecret         string  `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	TrustedFeedID     string  `env:"TRUSTED_FEED_ID" envDefault:"damage-feed"`
	TrustedSourceID   string  `env:"TRUSTED_SOURCE_ID" envDefault:"damage-feed"`
	TrustedWorkflowID string  `env:"TRUSTED_WORKFLOW_ID" envDefault:"damage-assessment-v1"`
	ReportRatePerSec  float64 `env:"REPORT_RATE_PER_SEC" envDefault:"10"`
	ReportRateBurst   int     `env:"REPORT_RATE_BURST" envDefault:"20"`
}

type RulesConfig struct {
	MinSumInsured     int64         `env:"MIN_SUM_INSURED" envDefault:"100000000"`
	MaxSumInsured     int64         `env:"MAX_SUM_INSURED" envDefault:"1000000000000"`
	MinDurationDays   int           `env:"MIN_DURATION_DAYS" envDefault:"30"`
	MaxDurationDays   int           `env:"MAX_DURATION_DAYS" envDefault:"365"`
	MaxActivePolicies int           `env:"MAX_ACTIVE_POLICIES" envDefault:"5"`
	MaxClaimsPerYear  int           `env:"MAX_CLAIMS_PER_YEAR" envDefault:"3"`
	MinThresholdBP    int64         `env:"MIN_THRESHOLD_BP" envDefault:"3000"`
	MaxReportAge      time.Duration `env:"MAX_REPORT_AGE" envDefault:"1h"`
	MinReservePct     int64         `env:"MIN_RESERVE_PCT" envDefault:"20"`
	MaxFeePct         int64         `env:"MAX_FEE_PCT" envDefault:"20"`
	DefaultFeePct     int64         `env:"DEFAULT_FEE_PCT" envDefault:"10"`
	CalendarYears     bool          `env:"CALENDAR_YEAR_BUCKETS" envDefault:"false"`
	MaxExposurePct    int64         `env:"POOL_MAX_EXPOSURE_PCT" envDefault:"50"`
	InitialCapital    int64         `env:"POOL_INITIAL_CAPITAL" envDefault:"1000000000000"`
}

type WorkerConfig struct {
	PoolSize        int           `env:"WORKER_POOL_SIZE" envDefault:"4"`
	QueueSize       int           `env:"WORKER_QUEUE_SIZE" envDefault:"256"`
	ReserveInterval time.Duration `env:"RESERVE_CHECK_INTERVAL" envDefault:"1m"`
	SweepInterval   time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"10m"`
	SweepBatch      int           `env:"EXPIRY_SWEEP_BATCH" envDefault:"500"`
	ServiceCallerID string        `env:"SERVICE_CALLER_ID" envDefault:"parametric-service"`
}

// New loads an optional .env file and parses the environment into the
// service config.
func New() (*ParametricServiceConfig, error) {
	_ = godotenv.Load()

	cfg := &ParametricServiceConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RulesCfg.DefaultFeePct > cfg.RulesCfg.MaxFeePct {
		return nil, fmt.Errorf("DEFAULT_FEE_PCT %d exceeds MAX_FEE_PCT %d", cfg.RulesCfg.DefaultFeePct, cfg.RulesCfg.MaxFeePct)
	}
	switch cfg.Store {
	case "memory", "postgres":
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}
	if cfg.AuthCfg.JWTSecret == DevJWTSecret && cfg.Store != "memory" {
		return nil, fmt.Errorf("JWT_SECRET must be set when STORE=%s", cfg.Store)
	}
	return cfg, nil
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.Username, c.Password, c.DBname)
}
