package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/gate"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/orchestrator"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/store"
)

type backend struct {
	store store.Store
	close func() error
}

// openBackend opens the configured store and applies its schema.
func openBackend(ctx context.Context, opts *RootOptions) (*backend, error) {
	kind := opts.Store
	if kind == "" {
		kind = "sqlite"
		if opts.DatabaseURL != "" {
			kind = "postgres"
		}
	}
	switch kind {
	case "sqlite":
		st, err := store.OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{store: st, close: st.Close}, nil
	case "postgres":
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("--database-url required for the postgres store")
		}
		db, err := sql.Open("postgres", opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		st := store.NewPGStore(db)
		if err := st.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{store: st, close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

// killSwitch prefers a remote service when --killswitch-url is set.
func (b *backend) killSwitch(opts *RootOptions) (gate.KillSwitch, error) {
	if opts.KillSwitchURL == "" {
		return gate.NewStoreKillSwitch(b.store), nil
	}
	return gate.NewHTTPKillSwitch(gate.HTTPKillSwitchConfig{
		BaseURL: opts.KillSwitchURL,
		Token:   opts.Token,
		Timeout: 5 * time.Second,
		Retries: 2,
	})
}

func (b *backend) orchestrator(g gate.Gate, logs io.Writer) *orchestrator.Orchestrator {
	return orchestrator.New(b.store, g, orchestrator.Config{
		Logger: log.New(logs, "[transferctl] ", log.LstdFlags),
	})
}

// withBackend opens the store for the duration of fn.
func withBackend(ctx context.Context, opts *RootOptions, f *OutputFormatter, fn func(b *backend) error) error {
	b, err := openBackend(ctx, opts)
	if err != nil {
		return f.Fail(ExitCommandError, "open store", err, nil)
	}
	defer b.close()
	return fn(b)
}
