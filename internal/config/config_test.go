package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 on unparseable value, got %d", v)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "2.5")
	if v := envFloat("TEST_FLOAT", 0); v != 2.5 {
		t.Fatalf("expected 2.5, got %v", v)
	}
	if v := envFloat("TEST_FLOAT_MISSING", 1.5); v != 1.5 {
		t.Fatalf("expected fallback 1.5, got %v", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m on unparseable value, got %s", v)
	}
}

func TestEnvStrList(t *testing.T) {
	t.Setenv("TEST_LIST", "repo-core, docs-api ,wiki")
	got := envStrList("TEST_LIST", nil)
	want := []string{"repo-core", "docs-api", "wiki"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	t.Setenv("TEST_LIST_BLANK", " , ,")
	if got := envStrList("TEST_LIST_BLANK", []string{"fallback"}); len(got) != 1 || got[0] != "fallback" {
		t.Fatalf("expected fallback for blank list, got %v", got)
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
	if cfg.NotifyURL != cfg.DatabaseURL {
		t.Fatalf("expected NotifyURL to fall back to DatabaseURL")
	}
	if cfg.DefaultRetrievalMode != "hybrid" {
		t.Fatalf("expected default retrieval mode hybrid, got %s", cfg.DefaultRetrievalMode)
	}
}

func TestLoadFailsOnBadRetrievalMode(t *testing.T) {
	t.Setenv("LOUPE_DEFAULT_RETRIEVAL_MODE", "psychic")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid retrieval mode")
	}
}

func TestLoadFailsOnPartialAdminBootstrap(t *testing.T) {
	t.Setenv("LOUPE_ADMIN_EMAIL", "root@example.com")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when only LOUPE_ADMIN_EMAIL is set")
	}
}

func TestValidateRejectsNonPositive(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.DefaultTopK = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero top_k")
	}

	cfg, _ = Load()
	cfg.HistoryCapacity = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative history capacity")
	}

	cfg, _ = Load()
	cfg.MaxRequestBodyBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero body limit")
	}
}
