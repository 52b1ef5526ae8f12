package config

import (
	"testing"
	"time"
)

func TestLoadLedger_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := LoadLedger(false); err == nil {
		t.Fatalf("expected missing JWT_SECRET to fail")
	}
}

func TestLoadLedger_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_STORE", "")
	cfg, err := LoadLedger(false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.Store)
	}
	if cfg.Policy.MaxStrikes != 3 || cfg.Policy.MaxClockSkew != 30*time.Second {
		t.Fatalf("unexpected policy defaults: %+v", cfg.Policy)
	}
	if cfg.DefaultPlaybackRate != 1.0 || cfg.DefaultMaxReports != 10_000 {
		t.Fatalf("unexpected content defaults: %+v", cfg)
	}
}

func TestLoadLedger_PostgresSelection(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("LEDGER_STORE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	cfg, err := LoadLedger(true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StorePostgres {
		t.Fatalf("expected postgres store, got %q", cfg.Store)
	}

	t.Setenv("LEDGER_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadLedger(false); err == nil {
		t.Fatalf("expected postgres without DATABASE_URL to fail")
	}
}

func TestLoadLedger_MemoryForbiddenInProd(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("LEDGER_STORE", "memory")
	if _, err := LoadLedger(true); err == nil {
		t.Fatalf("expected memory store to be rejected in production")
	}
}

func TestLoadLedger_PolicyOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("LEDGER_STORE", "memory")
	t.Setenv("LEDGER_MAX_STRIKES", "0")
	t.Setenv("LEDGER_STRIKE_WINDOW", "1m")
	cfg, err := LoadLedger(false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.MaxStrikes != 0 || cfg.Policy.StrikeWindow != time.Minute {
		t.Fatalf("expected overrides, got %+v", cfg.Policy)
	}
}
