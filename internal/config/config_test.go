package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BASELINE_REGISTRY_DATABASE_URL", "postgres://localhost/registry")
	t.Setenv("BASELINE_REGISTRY_SIGNER_KEY_B64", "c2VjcmV0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8071", cfg.Addr)
	assert.True(t, cfg.RequireApproval)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 90, cfg.ArchiveAfterDays)
	assert.Equal(t, "baseline-changes", cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadFallsBackToDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://fallback/db")
	t.Setenv("BASELINE_REGISTRY_SIGNER_KEY_B64", "c2VjcmV0")
	t.Setenv("BASELINE_REGISTRY_REQUIRE_APPROVAL", "false")
	t.Setenv("BASELINE_REGISTRY_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://fallback/db", cfg.DatabaseURL)
	assert.False(t, cfg.RequireApproval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestValidate(t *testing.T) {
	base := Config{
		StoreDriver:      StoreDriverMemory,
		StoreTimeout:     time.Second,
		SignerKeyB64:     "c2VjcmV0",
		ArchiveAfterDays: 30,
		Environment:      "development",
	}
	require.NoError(t, base.Validate())

	noSigner := base
	noSigner.SignerKeyB64 = ""
	assert.Error(t, noSigner.Validate())

	prod := base
	prod.Environment = "production"
	assert.Error(t, prod.Validate(), "memory store rejected in production")

	prodPG := prod
	prodPG.StoreDriver = StoreDriverPostgres
	prodPG.DatabaseURL = "postgres://db"
	assert.Error(t, prodPG.Validate(), "kms required in production")
	prodPG.KMSEndpoint = "https://kms"
	assert.NoError(t, prodPG.Validate())

	unknown := base
	unknown.StoreDriver = "mysql"
	assert.Error(t, unknown.Validate())
}
