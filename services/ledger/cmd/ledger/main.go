package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/consumption-ledger/internal/platform/auth"
	"github.com/example/consumption-ledger/internal/platform/config"
	"github.com/example/consumption-ledger/internal/platform/db"
	"github.com/example/consumption-ledger/internal/platform/httpserver"
	"github.com/example/consumption-ledger/internal/platform/logging"
	"github.com/example/consumption-ledger/internal/platform/natsconn"
	"github.com/example/consumption-ledger/internal/platform/ratelimit"
	"github.com/example/consumption-ledger/internal/platform/run"
	"github.com/example/consumption-ledger/internal/platform/signing"
	"github.com/example/consumption-ledger/internal/platform/telemetry"
	"github.com/example/consumption-ledger/services/ledger/internal/clock"
	ledgerconfig "github.com/example/consumption-ledger/services/ledger/internal/config"
	"github.com/example/consumption-ledger/services/ledger/internal/events"
	"github.com/example/consumption-ledger/services/ledger/internal/handlers"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
	"github.com/example/consumption-ledger/services/ledger/internal/outbox"
	"github.com/example/consumption-ledger/services/ledger/internal/store"
	"github.com/example/consumption-ledger/services/ledger/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.ForService(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	lcfg, err := ledgerconfig.LoadLedger(cfg.IsProd())
	if err != nil {
		log.Error("ledger config", zap.Error(err))
		run.Exit(1)
	}

	ctx := context.Background()
	var shutdown []func(context.Context) error

	stopTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Env,
		OTLPEndpoint: lcfg.OTLPEndpoint,
		Insecure:     !cfg.IsProd(),
	})
	if err != nil {
		log.Warn("telemetry disabled", zap.Error(err))
	} else {
		shutdown = append(shutdown, stopTelemetry)
	}

	nc, js := connectNATS(log, cfg, lcfg)
	if nc != nil {
		shutdown = append(shutdown, func(context.Context) error { return nc.Drain() })
	}
	publisher := events.NewPublisher(js, log)
	if js != nil {
		if err := natsconn.EnsureStream(js, natsconn.StreamSpec{
			Name:     events.StreamName,
			Subjects: []string{events.StreamSubject},
		}); err != nil {
			log.Warn("ledger event stream unavailable", zap.Error(err))
		}
	}

	st, relay := openStore(ctx, log, lcfg, publisher)
	shutdown = append(shutdown, func(context.Context) error { st.Close(); return nil })

	l, err := ledger.New(ledger.Options{
		Store:               st,
		Policy:              lcfg.Policy,
		Domain:              signing.NewDomain(lcfg.ChainID, lcfg.VerifyingContract),
		DefaultMaxReports:   lcfg.DefaultMaxReports,
		DefaultPlaybackRate: lcfg.DefaultPlaybackRate,
		Log:                 log,
	})
	if err != nil {
		log.Error("ledger init", zap.Error(err))
		run.Exit(1)
	}
	if err := bootstrap(ctx, l, lcfg); err != nil {
		log.Error("ledger bootstrap", zap.Error(err))
		run.Exit(1)
	}

	limiter := ratelimit.New(lcfg.RedisDSN, lcfg.RateLimitRPS, lcfg.RateLimitBurst)
	if c, ok := limiter.(io.Closer); ok {
		shutdown = append(shutdown, func(context.Context) error { return c.Close() })
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		Logger: log,
		ReadyFunc: func() error {
			c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return st.Ping(c)
		},
	})
	verifier := auth.JWTVerifier{Secret: lcfg.JWTSecret, Issuer: lcfg.JWTIssuer, Audience: lcfg.JWTAudience}
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireCaller(verifier))
		r.Use(ratelimit.Middleware(limiter, callerKey, log))
		handlers.Mount(r, l)
	})

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})
	shutdown = append(shutdown, srv.Shutdown)

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		// Outbox rows stay pending until JetStream is reachable.
		if relay != nil && js != nil {
			go func() {
				if err := relay.Run(ctx); err != nil {
					log.Error("outbox relay stopped", zap.Error(err))
				}
			}()
		}
		if js != nil {
			consumer := worker.NewReportConsumer(log, l)
			go func() {
				if err := consumer.Run(ctx, js); err != nil {
					log.Error("report consumer stopped", zap.Error(err))
				}
			}()
		}
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, shutdown...)

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// connectNATS returns nil handles when NATS_URL is unset. Production
// requires a working connection.
func connectNATS(log *zap.Logger, cfg config.AppConfig, lcfg ledgerconfig.LedgerConfig) (*nats.Conn, nats.JetStreamContext) {
	if lcfg.NATSURL == "" {
		if cfg.IsProd() {
			log.Error("NATS_URL is required in production")
			run.Exit(1)
		}
		log.Warn("NATS_URL not set, events are logged only and report ingestion is disabled")
		return nil, nil
	}
	nc, err := natsconn.Connect(natsconn.Options{URL: lcfg.NATSURL, Name: cfg.ServiceName})
	if err != nil {
		if cfg.IsProd() {
			log.Error("NATS unavailable in production", zap.Error(err))
			run.Exit(1)
		}
		log.Warn("NATS unavailable, continuing without events", zap.Error(err))
		return nil, nil
	}
	js, err := nc.JetStream()
	if err != nil {
		log.Warn("jetstream unavailable", zap.Error(err))
		nc.Close()
		return nil, nil
	}
	log.Info("nats connected", zap.String("url", lcfg.NATSURL))
	return nc, js
}

// openStore selects the backend and with it the ledger's time source: the
// database clock for Postgres, this process's clock for memory. The
// Postgres store publishes through the outbox relay; the memory store
// hands events straight to the emitters.
func openStore(ctx context.Context, log *zap.Logger, lcfg ledgerconfig.LedgerConfig, pub *events.Publisher) (store.Store, *outbox.Relay) {
	if lcfg.Store == ledgerconfig.StoreMemory {
		log.Warn("using in-memory ledger store (development only)")
		sink := events.Multi{events.LogEmitter{Log: log}, pub}
		return store.NewMemory(clock.NewMonotonic(time.Time{}), sink, log), nil
	}

	pool, err := db.Open(ctx, lcfg.DatabaseURL)
	if err != nil {
		log.Error("postgres unavailable", zap.Error(err))
		run.Exit(1)
	}
	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		log.Error("schema migration failed", zap.Error(err))
		run.Exit(1)
	}
	log.Info("postgres ledger store ready")
	return pg, outbox.NewRelay(log, pool, pub)
}

func bootstrap(ctx context.Context, l *ledger.Ledger, lcfg ledgerconfig.LedgerConfig) error {
	if lcfg.GenesisFile != "" {
		g, err := ledger.LoadGenesis(lcfg.GenesisFile)
		if err != nil {
			return err
		}
		return l.ApplyGenesis(ctx, g)
	}
	if lcfg.Owner != "" {
		if err := l.Initialize(ctx, lcfg.Owner); err != nil && !errors.Is(err, ledger.ErrAlreadyInitialized) {
			return err
		}
	}
	return nil
}

// callerKey rate limits per authenticated caller.
func callerKey(r *http.Request) string {
	if caller, ok := auth.CallerFromContext(r.Context()); ok {
		return "caller:" + caller
	}
	return ratelimit.ClientIP(r)
}
