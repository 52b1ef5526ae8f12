package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	platformconfig "github.com/example/consumption-ledger/internal/platform/config"
	"github.com/example/consumption-ledger/services/ledger/internal/policy"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type LedgerConfig struct {
	JWTSecret   []byte
	JWTIssuer   string
	JWTAudience string

	Store       string
	DatabaseURL string

	Policy              policy.Config
	DefaultMaxReports   int64
	DefaultPlaybackRate float64

	ChainID           int64
	VerifyingContract string

	// Owner initializes an empty ledger when no genesis file is given.
	Owner       string
	GenesisFile string

	RateLimitRPS   float64
	RateLimitBurst int
	RedisDSN       string

	// NATSURL empty disables event publishing and report ingestion.
	NATSURL      string
	OTLPEndpoint string
}

func LoadLedger(isProd bool) (LedgerConfig, error) {
	secret := platformconfig.EnvString("JWT_SECRET", "")
	if secret == "" {
		return LedgerConfig{}, errors.New("JWT_SECRET is required")
	}

	def := policy.DefaultConfig()
	cfg := LedgerConfig{
		JWTSecret:   []byte(secret),
		JWTIssuer:   platformconfig.EnvString("JWT_ISSUER", ""),
		JWTAudience: platformconfig.EnvString("JWT_AUDIENCE", ""),

		Store:       strings.ToLower(platformconfig.EnvString("LEDGER_STORE", "")),
		DatabaseURL: platformconfig.EnvString("DATABASE_URL", ""),

		Policy: policy.Config{
			MaxClockSkew:    platformconfig.EnvDuration("LEDGER_MAX_CLOCK_SKEW", def.MaxClockSkew),
			StrikeWindow:    platformconfig.EnvDuration("LEDGER_STRIKE_WINDOW", def.StrikeWindow),
			MaxStrikes:      platformconfig.EnvInt("LEDGER_MAX_STRIKES", def.MaxStrikes),
			PacingWindowGap: platformconfig.EnvDuration("LEDGER_PACING_WINDOW_GAP", def.PacingWindowGap),
		},
		DefaultMaxReports:   platformconfig.EnvInt64("LEDGER_DEFAULT_MAX_REPORTS", 10_000),
		DefaultPlaybackRate: platformconfig.EnvFloat("LEDGER_DEFAULT_PLAYBACK_RATE", 1.0),

		ChainID:           platformconfig.EnvInt64("LEDGER_CHAIN_ID", 1),
		VerifyingContract: platformconfig.EnvString("LEDGER_VERIFYING_CONTRACT", ""),

		Owner:       platformconfig.EnvString("LEDGER_OWNER", ""),
		GenesisFile: platformconfig.EnvString("LEDGER_GENESIS_FILE", ""),

		RateLimitRPS:   platformconfig.EnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: platformconfig.EnvInt("RATE_LIMIT_BURST", 40),
		RedisDSN:       platformconfig.EnvString("REDIS_DSN", ""),

		NATSURL:      platformconfig.EnvString("NATS_URL", ""),
		OTLPEndpoint: platformconfig.EnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if cfg.Store == "" {
		cfg.Store = StoreMemory
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}
	switch cfg.Store {
	case StoreMemory:
		if isProd {
			return LedgerConfig{}, errors.New("LEDGER_STORE=memory is not allowed in production")
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return LedgerConfig{}, errors.New("DATABASE_URL is required for LEDGER_STORE=postgres")
		}
	default:
		return LedgerConfig{}, fmt.Errorf("unknown LEDGER_STORE %q", cfg.Store)
	}

	if cfg.Policy.MaxClockSkew > time.Hour {
		return LedgerConfig{}, errors.New("LEDGER_MAX_CLOCK_SKEW must not exceed 1h")
	}
	return cfg, nil
}
