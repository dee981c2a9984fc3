package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "FRANKSTEIN"

// Config is read from FRANKSTEIN_* variables (the unprefixed name is also
// accepted), optionally seeded from a local .env file.
type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`
	SeedMemory  bool   `envconfig:"SEED_MEMORY" default:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AuthSecret     string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	OperationTimeout       time.Duration `envconfig:"OPERATION_TIMEOUT" default:"5s"`
	MaxConflictRetries     int           `envconfig:"MAX_CONFLICT_RETRIES" default:"3"`
	ReportCacheTTL         time.Duration `envconfig:"REPORT_CACHE_TTL" default:"30s"`
	VarianceToleranceCents int64         `envconfig:"VARIANCE_TOLERANCE_CENTS" default:"500"`
}

func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 8 * time.Hour
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if cfg.MaxConflictRetries < 0 {
		cfg.MaxConflictRetries = 0
	}
	if cfg.ReportCacheTTL <= 0 {
		cfg.ReportCacheTTL = 30 * time.Second
	}
	if cfg.VarianceToleranceCents < 0 {
		cfg.VarianceToleranceCents = 0
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
