package walletmigrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/surrealdb/walletmigrate/pkg/gate"
	"github.com/surrealdb/walletmigrate/pkg/logger"
	"github.com/surrealdb/walletmigrate/pkg/migrator"
	"github.com/surrealdb/walletmigrate/pkg/poller"
	"github.com/surrealdb/walletmigrate/pkg/recordstore"
	"github.com/surrealdb/walletmigrate/pkg/recordstore/badgerstore"
	"github.com/surrealdb/walletmigrate/pkg/recordstore/sqlstore"
	"github.com/surrealdb/walletmigrate/pkg/recordstore/surrealstore"
	"github.com/surrealdb/walletmigrate/pkg/retry"
	"github.com/surrealdb/walletmigrate/pkg/statuscache"
	"github.com/surrealdb/walletmigrate/pkg/walletdata"
	"github.com/surrealdb/walletmigrate/pkg/walletdata/sqldata"
	"github.com/surrealdb/walletmigrate/pkg/walletdata/surrealdata"
)

// Migration record engines.
const (
	// EngineBadger keeps wallet data and records in one local badger
	// database. Badger locks its directory, so only one process can use it.
	EngineBadger = "badger"

	// EnginePostgres and EngineSurrealDB keep wallet data and records in a
	// database that several processes share.
	EnginePostgres  = "postgres"
	EngineSurrealDB = "surrealdb"
)

type Config struct {
	Engine  string
	DataDir string

	PostgresDSN   string
	SurrealDBURL  string
	SurrealDBNS   string
	SurrealDBDB   string
	SurrealDBUser string
	SurrealDBPass string

	Instance     string
	PollInterval time.Duration
	StuckAfter   time.Duration
	RetryAfter   time.Duration
	BatchSize    int

	ServerPort string
	LogLevel   string
	LogFile    string
}

type App struct {
	config  *Config
	log     zerolog.Logger
	logData *logger.LogData
	out     io.Writer

	db      *badger.DB
	wallets walletdata.Store
	records recordstore.Store

	cache   *statuscache.Cache
	pollers *poller.Registry
	worker  *migrator.Worker
	gate    *gate.Gate
}

// New opens the stores and assembles the coordinator.
func New(ctx context.Context, config *Config) (*App, error) {
	logData, err := logger.New().
		WithLevel(config.LogLevel).
		FromPath(config.LogFile).
		WithField("instance", config.Instance).
		Make()
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	app := &App{
		config:  config,
		log:     logData.Logger,
		logData: logData,
		out:     os.Stdout,
	}
	if err := app.open(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) open(ctx context.Context) error {
	// Wallet data and migration records always share one engine instance, so
	// a conversion run by any process is visible to all of them.
	switch a.config.Engine {
	case EngineBadger, "":
		opts := badger.DefaultOptions(a.config.DataDir).WithLogger(nil)
		if a.config.DataDir == "" {
			opts = opts.WithInMemory(true)
		}
		db, err := badger.Open(opts)
		if err != nil {
			return fmt.Errorf("failed to open wallet data: %w", err)
		}
		a.db = db
		a.wallets = walletdata.NewBadgerStore(db)
		if a.records, err = badgerstore.New(db); err != nil {
			return err
		}
		a.log.Info().Str("data_dir", a.config.DataDir).Msg("migration records stored with wallet data")
	case EnginePostgres:
		s, err := sqlstore.NewPostgresStore(a.config.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		a.records = s
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		wallets := sqldata.New(s.DB())
		if err := wallets.Migrate(ctx); err != nil {
			return err
		}
		a.wallets = wallets
		a.log.Info().Msg("connected to PostgreSQL")
	case EngineSurrealDB:
		s, err := surrealstore.New(ctx, surrealstore.Config{
			URL:       a.config.SurrealDBURL,
			Namespace: a.config.SurrealDBNS,
			Database:  a.config.SurrealDBDB,
			Username:  a.config.SurrealDBUser,
			Password:  a.config.SurrealDBPass,
		})
		if err != nil {
			return err
		}
		a.records = s
		a.wallets = surrealdata.New(s.DB())
		a.log.Info().Str("url", a.config.SurrealDBURL).Msg("connected to SurrealDB")
	default:
		return fmt.Errorf("invalid engine: %s", a.config.Engine)
	}
	a.assemble()
	return nil
}

// assemble builds the coordinator on top of the opened stores.
func (a *App) assemble() {
	a.cache = statuscache.New()
	a.pollers = poller.New(a.records, a.cache, poller.Config{
		Interval:   a.config.PollInterval,
		StuckAfter: a.config.StuckAfter,
		Backoff:    retry.NewExponentialBackoffRetryer(),
	}, a.log)
	a.worker = migrator.New(a.records, a.cache, a.pollers,
		walletdata.NewConverter(a.wallets, a.config.BatchSize, a.log),
		migrator.Config{Instance: a.config.Instance},
		a.log)
	a.gate = gate.New(a.records, a.cache, a.pollers, gate.Config{
		RetryAfter: a.config.RetryAfter,
		Local:      a.worker.Running,
	}, a.log)
}

// Close stops background work first, then releases the stores.
func (a *App) Close() error {
	var errs []error
	if a.worker != nil {
		a.worker.Close()
	}
	if a.pollers != nil {
		a.pollers.Close()
	}
	if a.records != nil {
		errs = append(errs, a.records.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.logData != nil {
		errs = append(errs, a.logData.Close())
	}
	return errors.Join(errs...)
}

// Records returns the migration record store.
func (a *App) Records() recordstore.Store {
	return a.records
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
