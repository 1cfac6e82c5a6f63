package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dealdecision-ai/ingestion-engine/internal/config"
	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/queue"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// infra is the storage and queue plumbing shared by every command.
type infra struct {
	cfg     *config.Config
	logger  *observability.Logger
	db      *sql.DB
	repos   *storage.Repositories
	broker  queue.Broker
	runtime *queue.Runtime
}

func newLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	pg := cfg.Database.Postgres
	return storage.OpenPostgres(ctx, storage.PostgresConfig{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: pg.ConnMaxLifetime,
	})
}

func openInfra(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*infra, error) {
	in := &infra{cfg: cfg, logger: logger}

	switch cfg.Database.Driver {
	case "postgres":
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		in.db = db
		in.repos = storage.NewRepositories(db)
	default:
		in.repos = storage.NewMemoryRepositories()
	}

	switch cfg.Queue.Driver {
	case "redis":
		rc := cfg.Queue.Redis
		broker, err := queue.NewRedisBroker(queue.RedisConfig{
			Addr:              rc.Addr,
			Password:          rc.Password,
			DB:                rc.DB,
			PoolSize:          rc.PoolSize,
			Prefix:            rc.Prefix,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			FailedHistory:     cfg.Queue.FailedHistory,
		})
		if err != nil {
			_ = in.Close()
			return nil, err
		}
		in.broker = broker
	default:
		in.broker = queue.NewMemoryBroker(cfg.Queue.VisibilityTimeout)
	}

	in.runtime = queue.NewRuntime(in.broker, in.repos.Jobs, logger)
	return in, nil
}

// ephemeral reports whether state vanishes with the process, which makes
// one-shot commands pointless.
func (in *infra) ephemeral() bool {
	return in.cfg.Database.Driver != "postgres" || in.cfg.Queue.Driver != "redis"
}

func (in *infra) Close() error {
	var errs []error
	if in.broker != nil {
		if err := in.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if in.db != nil {
		if err := in.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
