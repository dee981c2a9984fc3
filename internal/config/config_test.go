package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FRANKSTEIN_AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.AuthSecret)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 3, cfg.MaxConflictRetries)
	assert.Equal(t, int64(500), cfg.VarianceToleranceCents)
	assert.Equal(t, ":8080", cfg.Address())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FRANKSTEIN_PORT", "9090")
	t.Setenv("FRANKSTEIN_OPERATION_TIMEOUT", "750ms")
	t.Setenv("FRANKSTEIN_MAX_CONFLICT_RETRIES", "5")
	t.Setenv("FRANKSTEIN_AUTH_SECRET", "  secret-with-spaces  ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.OperationTimeout)
	assert.Equal(t, 5, cfg.MaxConflictRetries)
	assert.Equal(t, "secret-with-spaces", cfg.AuthSecret)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("FRANKSTEIN_REPORT_CACHE_TTL", "soon")

	_, err := Load()
	assert.Error(t, err)
}
