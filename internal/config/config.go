package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Addr        string `env:"BASELINE_REGISTRY_ADDR" envDefault:":8071"`
	Environment string `env:"NODE_ENV" envDefault:"development"`

	StoreDriver  string        `env:"BASELINE_REGISTRY_STORE" envDefault:"postgres"`
	DatabaseURL  string        `env:"BASELINE_REGISTRY_DATABASE_URL"`
	StoreTimeout time.Duration `env:"BASELINE_REGISTRY_STORE_TIMEOUT" envDefault:"5s"`

	// RequireApproval is the only tunable behavior of change governance.
	RequireApproval bool `env:"BASELINE_REGISTRY_REQUIRE_APPROVAL" envDefault:"true"`

	SignerKeyB64 string `env:"BASELINE_REGISTRY_SIGNER_KEY_B64"`
	SignerID     string `env:"BASELINE_REGISTRY_SIGNER_ID" envDefault:"baseline-registry-dev"`
	KMSEndpoint  string `env:"BASELINE_REGISTRY_KMS_ENDPOINT"`

	KafkaBrokers []string `env:"BASELINE_REGISTRY_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"BASELINE_REGISTRY_KAFKA_TOPIC" envDefault:"baseline-changes"`

	S3Bucket string `env:"BASELINE_REGISTRY_S3_BUCKET"`
	S3Prefix string `env:"BASELINE_REGISTRY_S3_PREFIX" envDefault:"baseline-registry"`

	SweepInterval    time.Duration `env:"BASELINE_REGISTRY_SWEEP_INTERVAL" envDefault:"1h"`
	ArchiveAfterDays int           `env:"BASELINE_REGISTRY_ARCHIVE_AFTER_DAYS" envDefault:"90"`
	RelayInterval    time.Duration `env:"BASELINE_REGISTRY_RELAY_INTERVAL" envDefault:"5s"`

	JWTSecret         string `env:"BASELINE_REGISTRY_JWT_SECRET"`
	JWTPublicKeysFile string `env:"BASELINE_REGISTRY_JWT_PUBLIC_KEYS_FILE"`
	ApproverScope     string `env:"BASELINE_REGISTRY_APPROVER_SCOPE" envDefault:"baseline:approve"`
	AllowDebugToken   bool   `env:"BASELINE_REGISTRY_ALLOW_DEBUG_TOKEN" envDefault:"false"`
	DebugToken        string `env:"BASELINE_REGISTRY_DEBUG_TOKEN"`

	LogLevel  string `env:"BASELINE_REGISTRY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BASELINE_REGISTRY_LOG_FORMAT" envDefault:"json"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL or BASELINE_REGISTRY_DATABASE_URL required")
		}
	case StoreDriverMemory:
		if c.Production() {
			return fmt.Errorf("memory store is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("BASELINE_REGISTRY_STORE_TIMEOUT must be positive")
	}
	if c.KMSEndpoint == "" && c.SignerKeyB64 == "" {
		return fmt.Errorf("BASELINE_REGISTRY_SIGNER_KEY_B64 required when BASELINE_REGISTRY_KMS_ENDPOINT unset")
	}
	if c.Production() && c.KMSEndpoint == "" {
		return fmt.Errorf("BASELINE_REGISTRY_KMS_ENDPOINT required in production")
	}
	if c.Production() && c.AllowDebugToken {
		return fmt.Errorf("BASELINE_REGISTRY_ALLOW_DEBUG_TOKEN is forbidden in production")
	}
	if c.ArchiveAfterDays <= 0 {
		return fmt.Errorf("BASELINE_REGISTRY_ARCHIVE_AFTER_DAYS must be positive")
	}
	return nil
}

// NewLogger builds the process logger and installs it as the zap global.
func NewLogger(c Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if c.LogFormat == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zapCfg.Level.SetLevel(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
