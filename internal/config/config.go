// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/blendguard/safety-vault/internal/model"
)

// Oracle modes.
const (
	OracleLedger = "ledger"
	OracleStatic = "static"
)

// Config is the full service configuration. Every field has an environment
// variable; most have a default suitable for local development.
type Config struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	RiskThresholdBps        uint32 `env:"RISK_THRESHOLD_BPS" envDefault:"7000"`
	LiquidationThresholdBps uint32 `env:"LIQUIDATION_THRESHOLD_BPS" envDefault:"8500"`
	OracleMode              string `env:"ORACLE_MODE" envDefault:"ledger"`

	JWTSecret      string `env:"JWT_SECRET"`
	JWTIssuer      string `env:"JWT_ISSUER"`
	JWTAudience    string `env:"JWT_AUDIENCE"`
	DeeplinkSecret string `env:"DEEPLINK_SECRET"`

	NATSURL      string   `env:"NATS_URL"`
	NATSSubject  string   `env:"NATS_SUBJECT" envDefault:"safetyvault.protected"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"safetyvault.protected"`

	SnowflakeNode int64  `env:"SNOWFLAKE_NODE" envDefault:"1"`
	SeedFile      string `env:"SEED_FILE"`

	Log LogConfig
}

// LogConfig controls the slog handler and optional rotating log file.
type LogConfig struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"28"`
	Compress   bool   `env:"LOG_COMPRESS" envDefault:"true"`
}

// Load reads an optional .env file, parses the environment and validates
// the result. Variables already set in the environment win over .env.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	const scale = uint32(model.BasisPointsScale)
	if c.RiskThresholdBps == 0 || c.RiskThresholdBps > scale {
		errs = append(errs, fmt.Errorf("RISK_THRESHOLD_BPS must be in (0, %d], got %d", scale, c.RiskThresholdBps))
	}
	if c.LiquidationThresholdBps == 0 || c.LiquidationThresholdBps > scale {
		errs = append(errs, fmt.Errorf("LIQUIDATION_THRESHOLD_BPS must be in (0, %d], got %d", scale, c.LiquidationThresholdBps))
	}
	switch strings.ToLower(c.OracleMode) {
	case OracleLedger, OracleStatic:
	default:
		errs = append(errs, fmt.Errorf("ORACLE_MODE must be %q or %q, got %q", OracleLedger, OracleStatic, c.OracleMode))
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		errs = append(errs, fmt.Errorf("SNOWFLAKE_NODE must be in [0, 1023], got %d", c.SnowflakeNode))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	return errors.Join(errs...)
}

// LoadSeed reads a YAML seed file of pools and accounts.
func LoadSeed(path string) (model.Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var seed model.Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return model.Seed{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return seed, nil
}
