package main

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/auth"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/config"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/gate"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/httpserver"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/metrics"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/orchestrator"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/policy"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/store"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/stream"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/telemetry"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("[startup] load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("tracing init: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()
	metrics.Register()

	st, pg, closeStore := openStore(ctx, cfg)
	defer closeStore()

	presets, err := policy.LoadPresets(cfg.PresetsFile)
	if err != nil {
		log.Fatalf("load presets: %v", err)
	}
	for _, p := range presets {
		if err := st.UpsertPresetPolicy(ctx, p); err != nil {
			log.Fatalf("seed preset %s: %v", p.ID, err)
		}
	}
	log.Printf("seeded %d preset policies", len(presets))

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pctx, pcancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pctx).Err()
		pcancel()
		if err != nil {
			log.Fatalf("redis ping: %v", err)
		}
	}
	if cfg.LockBackend == config.BackendRedis {
		st = store.WithLocker(st, store.NewRedisLocker(rdb, store.DefaultLockPrefix))
	}

	ks, err := newKillSwitch(cfg, st, rdb)
	if err != nil {
		log.Fatalf("kill switch init: %v", err)
	}
	safety := gate.New(ks, gate.Options{WritesEnabled: cfg.WritesEnabled, Window: cfg.WriteWindow})
	log.Printf("safety gate: writes_enabled=%t window=%s kill_switch=%s", cfg.WritesEnabled, cfg.WriteWindow, cfg.KillSwitchBackend)

	orch := orchestrator.New(st, safety, orchestrator.Config{
		LockTTL:             cfg.LockTTL,
		ExecutionTimeout:    cfg.ExecutionTimeout,
		DefaultSourceOutlet: cfg.DefaultSourceOutlet,
	})

	var verifier *auth.Verifier
	if cfg.AuthEnabled() {
		verifier, err = auth.NewVerifier(auth.Config{
			HMACSecret:     cfg.JWTSecret,
			PublicKeysFile: cfg.JWTPublicKeysFile,
			WriteScope:     cfg.WriteScope,
			DevAllowLocal:  cfg.DevAllowLocal,
		})
		if err != nil {
			log.Fatalf("auth init: %v", err)
		}
	} else {
		log.Printf("WARNING: write routes are unauthenticated (set TRANSFER_JWT_SECRET)")
	}

	if cfg.StreamingEnabled() {
		if pg == nil {
			log.Printf("streaming requires the postgres store; skipping")
		} else if err := startStreamer(ctx, cfg, pg); err != nil {
			log.Fatalf("streamer init: %v", err)
		}
	}

	server := httpserver.New(orch, st, ks, verifier)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("transfer service listening on %s (store=%s)", cfg.Addr, cfg.Store)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

// openStore returns the configured store, the PG store when the outbox is
// available, and a close func.
func openStore(ctx context.Context, cfg config.Config) (store.Store, *store.PGStore, func()) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		pg := store.NewPGStore(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("db migrate: %v", err)
		}
		return pg, pg, func() { _ = db.Close() }
	case config.StoreSQLite:
		sq, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite open: %v", err)
		}
		return sq, nil, func() { _ = sq.Close() }
	default:
		log.Printf("WARNING: using the in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil, func() {}
	}
}

func newKillSwitch(cfg config.Config, st store.Store, rdb *redis.Client) (gate.KillSwitch, error) {
	switch cfg.KillSwitchBackend {
	case config.BackendRedis:
		return gate.NewRedisKillSwitch(rdb, gate.DefaultRedisKey), nil
	case config.BackendHTTP:
		return gate.NewHTTPKillSwitch(gate.HTTPKillSwitchConfig{
			BaseURL: cfg.KillSwitchURL,
			Token:   cfg.KillSwitchToken,
			Timeout: 5 * time.Second,
			Retries: 2,
		})
	case config.BackendMemory:
		return gate.NewMemoryKillSwitch(), nil
	default:
		return gate.NewStoreKillSwitch(st), nil
	}
}

func startStreamer(ctx context.Context, cfg config.Config, pg *store.PGStore) error {
	producer, err := stream.NewKafkaProducer(stream.KafkaProducerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		return err
	}
	var archiver stream.Archiver
	if cfg.S3Bucket != "" {
		a, err := stream.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			_ = producer.Close()
			return err
		}
		archiver = a
	}
	streamer := stream.NewStreamer(pg, producer, archiver, stream.Config{
		BatchSize:      cfg.StreamBatchSize,
		PollInterval:   cfg.StreamPollInterval,
		MaxConcurrency: cfg.StreamMaxConcurrency,
	})
	go func() {
		if err := streamer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("streamer stopped: %v", err)
		}
	}()
	log.Printf("streaming finalized executions to kafka topic %s (s3 bucket=%q)", cfg.KafkaTopic, cfg.S3Bucket)
	return nil
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
