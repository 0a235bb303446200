package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/gate"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"

	BackendStore  = "store"
	BackendRedis  = "redis"
	BackendHTTP   = "http"
	BackendMemory = "memory"
)

type Config struct {
	Addr        string
	Store       string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	LockBackend       string
	KillSwitchBackend string
	KillSwitchURL     string
	KillSwitchToken   string

	WritesEnabled       bool
	WriteWindow         gate.WriteWindow
	ExecutionTimeout    time.Duration
	LockTTL             time.Duration
	DefaultSourceOutlet string
	PresetsFile         string

	JWTSecret         string
	JWTPublicKeysFile string
	WriteScope        string
	DevAllowLocal     bool

	KafkaBrokers         []string
	KafkaTopic           string
	S3Bucket             string
	S3Prefix             string
	StreamBatchSize      int
	StreamMaxConcurrency int
	StreamPollInterval   time.Duration

	OTLPEndpoint string
	ServiceName  string
}

// StreamingEnabled reports whether finalized records should be published.
func (c Config) StreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

// AuthEnabled reports whether write routes require a verified principal.
func (c Config) AuthEnabled() bool {
	return c.JWTSecret != "" || c.JWTPublicKeysFile != "" || c.DevAllowLocal
}

type rawEnv struct {
	Addr              string        `env:"TRANSFER_ADDR" envDefault:":8070"`
	Store             string        `env:"TRANSFER_STORE"`
	TransferDBURL     string        `env:"TRANSFER_DATABASE_URL"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	SQLitePath        string        `env:"TRANSFER_SQLITE_PATH" envDefault:"transfer.db"`
	RedisAddr         string        `env:"TRANSFER_REDIS_ADDR"`
	LockBackend       string        `env:"TRANSFER_LOCK_BACKEND" envDefault:"store"`
	KillSwitchBackend string        `env:"TRANSFER_KILLSWITCH_BACKEND" envDefault:"store"`
	KillSwitchURL     string        `env:"TRANSFER_KILLSWITCH_URL"`
	KillSwitchToken   string        `env:"TRANSFER_KILLSWITCH_TOKEN"`
	WritesEnabled     bool          `env:"TRANSFER_WRITES_ENABLED" envDefault:"true"`
	WindowStart       int           `env:"TRANSFER_WRITE_WINDOW_START" envDefault:"0"`
	WindowEnd         int           `env:"TRANSFER_WRITE_WINDOW_END" envDefault:"0"`
	WindowDays        []string      `env:"TRANSFER_WRITE_WINDOW_DAYS" envSeparator:","`
	WindowTZ          string        `env:"TRANSFER_WRITE_WINDOW_TZ" envDefault:"UTC"`
	ExecutionTimeout  time.Duration `env:"TRANSFER_EXECUTION_TIMEOUT" envDefault:"2m"`
	LockTTL           time.Duration `env:"TRANSFER_LOCK_TTL"`
	DefaultSource     string        `env:"TRANSFER_DEFAULT_SOURCE_OUTLET" envDefault:"warehouse"`
	PresetsFile       string        `env:"TRANSFER_PRESETS_FILE"`
	JWTSecret         string        `env:"TRANSFER_JWT_SECRET"`
	JWTPublicKeysFile string        `env:"TRANSFER_JWT_PUBLIC_KEYS_FILE"`
	WriteScope        string        `env:"TRANSFER_WRITE_SCOPE" envDefault:"transfers:write"`
	DevAllowLocal     bool          `env:"TRANSFER_DEV_ALLOW_LOCAL"`
	NodeEnv           string        `env:"NODE_ENV" envDefault:"development"`
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic        string        `env:"KAFKA_TOPIC" envDefault:"transfer.executions"`
	S3Bucket          string        `env:"S3_BUCKET"`
	S3Prefix          string        `env:"S3_PREFIX" envDefault:"transfer"`
	StreamBatchSize   int           `env:"STREAM_BATCH_SIZE" envDefault:"10"`
	StreamConcurrency int           `env:"STREAM_MAX_CONCURRENCY" envDefault:"5"`
	StreamPoll        time.Duration `env:"STREAM_POLL_INTERVAL" envDefault:"3s"`
	OTLPEndpoint      string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName       string        `env:"OTEL_SERVICE_NAME" envDefault:"transfer-service"`
}

func Load() (Config, error) {
	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		Addr:                 raw.Addr,
		Store:                strings.ToLower(raw.Store),
		DatabaseURL:          firstNonEmpty(raw.TransferDBURL, raw.DatabaseURL),
		SQLitePath:           raw.SQLitePath,
		RedisAddr:            raw.RedisAddr,
		LockBackend:          strings.ToLower(raw.LockBackend),
		KillSwitchBackend:    strings.ToLower(raw.KillSwitchBackend),
		KillSwitchURL:        raw.KillSwitchURL,
		KillSwitchToken:      raw.KillSwitchToken,
		WritesEnabled:        raw.WritesEnabled,
		ExecutionTimeout:     raw.ExecutionTimeout,
		LockTTL:              raw.LockTTL,
		DefaultSourceOutlet:  raw.DefaultSource,
		PresetsFile:          raw.PresetsFile,
		JWTSecret:            raw.JWTSecret,
		JWTPublicKeysFile:    raw.JWTPublicKeysFile,
		WriteScope:           raw.WriteScope,
		DevAllowLocal:        raw.DevAllowLocal,
		KafkaBrokers:         trimCSV(raw.KafkaBrokers),
		KafkaTopic:           raw.KafkaTopic,
		S3Bucket:             raw.S3Bucket,
		S3Prefix:             raw.S3Prefix,
		StreamBatchSize:      raw.StreamBatchSize,
		StreamMaxConcurrency: raw.StreamConcurrency,
		StreamPollInterval:   raw.StreamPoll,
		OTLPEndpoint:         raw.OTLPEndpoint,
		ServiceName:          raw.ServiceName,
	}
	if cfg.Store == "" {
		cfg.Store = StoreSQLite
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}

	window, err := parseWindow(raw.WindowStart, raw.WindowEnd, raw.WindowDays, raw.WindowTZ)
	if err != nil {
		return Config{}, err
	}
	cfg.WriteWindow = window

	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL or TRANSFER_DATABASE_URL required")
		}
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return Config{}, fmt.Errorf("TRANSFER_SQLITE_PATH required for the sqlite store")
		}
	case StoreMemory:
		if raw.NodeEnv == "production" {
			return Config{}, fmt.Errorf("TRANSFER_STORE=memory is forbidden in production")
		}
	default:
		return Config{}, fmt.Errorf("unknown TRANSFER_STORE %q", cfg.Store)
	}

	switch cfg.LockBackend {
	case BackendStore:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("TRANSFER_REDIS_ADDR required for the redis lock backend")
		}
	default:
		return Config{}, fmt.Errorf("unknown TRANSFER_LOCK_BACKEND %q", cfg.LockBackend)
	}

	switch cfg.KillSwitchBackend {
	case BackendStore, BackendMemory:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("TRANSFER_REDIS_ADDR required for the redis kill switch")
		}
	case BackendHTTP:
		if cfg.KillSwitchURL == "" {
			return Config{}, fmt.Errorf("TRANSFER_KILLSWITCH_URL required for the http kill switch")
		}
	default:
		return Config{}, fmt.Errorf("unknown TRANSFER_KILLSWITCH_BACKEND %q", cfg.KillSwitchBackend)
	}

	if raw.NodeEnv == "production" && cfg.DevAllowLocal {
		return Config{}, fmt.Errorf("TRANSFER_DEV_ALLOW_LOCAL=true is forbidden in production")
	}
	if cfg.ExecutionTimeout <= 0 {
		return Config{}, fmt.Errorf("TRANSFER_EXECUTION_TIMEOUT must be positive")
	}
	if cfg.LockTTL > 0 && cfg.LockTTL <= cfg.ExecutionTimeout {
		return Config{}, fmt.Errorf("TRANSFER_LOCK_TTL (%s) must exceed TRANSFER_EXECUTION_TIMEOUT (%s)", cfg.LockTTL, cfg.ExecutionTimeout)
	}
	if cfg.S3Bucket != "" && !cfg.StreamingEnabled() {
		return Config{}, fmt.Errorf("S3_BUCKET requires KAFKA_BROKERS")
	}
	return cfg, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func parseWindow(start, end int, days []string, tz string) (gate.WriteWindow, error) {
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return gate.WriteWindow{}, fmt.Errorf("write window hours must be within 0-23, got %d-%d", start, end)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return gate.WriteWindow{}, fmt.Errorf("TRANSFER_WRITE_WINDOW_TZ: %w", err)
	}
	w := gate.WriteWindow{Location: loc, StartHour: start, EndHour: end}
	for _, d := range trimCSV(days) {
		key := strings.ToLower(d)
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdays[key]
		if !ok {
			return gate.WriteWindow{}, fmt.Errorf("unknown weekday %q in TRANSFER_WRITE_WINDOW_DAYS", d)
		}
		w.Days = append(w.Days, wd)
	}
	return w, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func trimCSV(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
