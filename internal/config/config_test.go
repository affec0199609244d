package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"IDEMPOTENCY_TTL_SECONDS", "IDEMPOTENCY_MAX_RETRIES", "IDEMPOTENCY_PRE_VALIDATION", "REDIS_ENABLED", "RECONCILE_MIN_AGE"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, 300, cfg.IdempotencyTTLSeconds)
	assert.Equal(t, 3, cfg.IdempotencyMaxRetries)
	assert.True(t, cfg.IdempotencyPreValidation)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, 10*time.Minute, cfg.ReconcileMinAge)
	assert.Equal(t, "@every 10m", cfg.CleanupSchedule)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("IDEMPOTENCY_TTL_SECONDS", "60")
	t.Setenv("IDEMPOTENCY_PRE_VALIDATION", "false")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("RECONCILE_MIN_AGE", "2m")
	t.Setenv("DB_MAX_CONNS", "25")
	t.Setenv("JWT_AUDIENCE", "ops")

	cfg := Load()

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 60, cfg.IdempotencyTTLSeconds)
	assert.False(t, cfg.IdempotencyPreValidation)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileMinAge)
	assert.Equal(t, int32(25), cfg.DBMaxConns)
	assert.Equal(t, "ops", cfg.JWT.Audience)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("IDEMPOTENCY_MAX_RETRIES", "three")
	t.Setenv("IDEMPOTENCY_PRE_VALIDATION", "maybe")
	t.Setenv("RECONCILE_MIN_AGE", "soon")

	cfg := Load()

	assert.Equal(t, 3, cfg.IdempotencyMaxRetries)
	assert.True(t, cfg.IdempotencyPreValidation)
	assert.Equal(t, 10*time.Minute, cfg.ReconcileMinAge)
}
