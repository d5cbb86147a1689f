package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/db"
	"github.com/teranos/reel/errors"
	"github.com/teranos/reel/fetch"
	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/pulse"
	"github.com/teranos/reel/pulse/schedule"
)

// loadConfig loads and validates the effective configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// openDatabase opens and migrates the job database. An empty dbPath uses
// the configured one.
func openDatabase(cfg *am.Config, dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// newInvoker builds the retrieval tool invoker from configuration.
func newInvoker(cfg *am.Config) (*fetch.Invoker, error) {
	return fetch.NewInvoker(fetch.ConfigFromAM(cfg), nil, logger.ComponentLogger("fetch"))
}

// openService opens the database and wires a stopped service over it. The
// returned close function releases the database.
func openService(ctx context.Context, cfg *am.Config, dbPath string) (*pulse.Service, *schedule.Store, func(), error) {
	invoker, err := newInvoker(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	database, err := openDatabase(cfg, dbPath)
	if err != nil {
		return nil, nil, nil, err
	}

	store := schedule.NewStore(database)
	svc := pulse.NewService(ctx, store, invoker, cfg, logger.ComponentLogger("pulse"))
	return svc, store, func() { database.Close() }, nil
}
