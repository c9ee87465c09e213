package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("YAKUIN_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid YAKUIN_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !contains(got, "YAKUIN_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention YAKUIN_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("YAKUIN_PORT", "abc")
	t.Setenv("YAKUIN_LLM_TIMEOUT", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "YAKUIN_PORT") {
		t.Fatalf("error should mention YAKUIN_PORT, got: %s", got)
	}
	if !contains(got, "YAKUIN_LLM_TIMEOUT") {
		t.Fatalf("error should mention YAKUIN_LLM_TIMEOUT, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxIterations != 5 {
		t.Fatalf("expected 5 max iterations, got %d", cfg.MaxIterations)
	}
	if cfg.LLMTimeout != 120*time.Second {
		t.Fatalf("expected 120s LLM timeout, got %s", cfg.LLMTimeout)
	}
	if cfg.NightlySchedule != "0 2 * * *" {
		t.Fatalf("unexpected nightly schedule %q", cfg.NightlySchedule)
	}
	if cfg.RunLock != "memory" {
		t.Fatalf("expected memory run lock, got %q", cfg.RunLock)
	}
	if cfg.ScheduleSyncInterval != 5*time.Minute {
		t.Fatalf("expected 5m schedule sync, got %s", cfg.ScheduleSyncInterval)
	}
}

func TestValidateRejectsNonPositiveScheduleSync(t *testing.T) {
	t.Setenv("YAKUIN_SCHEDULE_SYNC_INTERVAL", "0s")
	_, err := Load()
	if err == nil || !contains(err.Error(), "YAKUIN_SCHEDULE_SYNC_INTERVAL") {
		t.Fatalf("expected schedule sync error, got %v", err)
	}
}

func TestValidateRedisLockNeedsURL(t *testing.T) {
	t.Setenv("YAKUIN_RUN_LOCK", "redis")
	_, err := Load()
	if err == nil || !contains(err.Error(), "REDIS_URL") {
		t.Fatalf("expected REDIS_URL error, got %v", err)
	}
}

func TestValidateRejectsUnknownEmbeddingProvider(t *testing.T) {
	t.Setenv("YAKUIN_EMBEDDING_PROVIDER", "cohere")
	_, err := Load()
	if err == nil || !contains(err.Error(), "cohere") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
