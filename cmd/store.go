package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/servicing-import/internal/identity"
	"github.com/sells-group/servicing-import/internal/ingest"
	"github.com/sells-group/servicing-import/internal/schema"
	"github.com/sells-group/servicing-import/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "servicing.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// env bundles the wired import engine for commands that process rows.
type env struct {
	Store  store.Store
	Engine *ingest.Engine
}

func initEngine(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	schemas := schema.NewManager(st)
	resolver := identity.NewResolver(st)
	engine := ingest.NewEngine(st, schemas, resolver, cfg.Import.SheetWorkers, cfg.Import.TablePrefix)

	return &env{Store: st, Engine: engine}, nil
}

func (e *env) Close() {
	_ = e.Engine.Wait()
	_ = e.Store.Close()
}
