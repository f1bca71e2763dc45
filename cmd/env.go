package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/harvest-cli/internal/orchestrator"
	"github.com/sells-group/harvest-cli/internal/registry"
	"github.com/sells-group/harvest-cli/internal/session"
	"github.com/sells-group/harvest-cli/internal/store"
)

// engineEnv bundles the wired subsystems a job-running command needs.
type engineEnv struct {
	Store    store.Store
	Sessions *session.Manager
	Orch     *orchestrator.Orchestrator
}

func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "harvest.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine wires store, registry client, session pool, and orchestrator.
// The store is migrated so commands work against a fresh database.
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	client, err := registry.NewHTTPClient(cfg.Registry)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	sessions := session.NewManager(cfg.Session, st)
	return &engineEnv{
		Store:    st,
		Sessions: sessions,
		Orch:     orchestrator.New(st, cfg, client, sessions),
	}, nil
}
