package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fabfab/policybot/chat"
	"github.com/fabfab/policybot/config"
	"github.com/fabfab/policybot/database"
	"github.com/fabfab/policybot/ingestion"
	"github.com/fabfab/policybot/knowledge"
	"github.com/fabfab/policybot/llm"
)

// snapshotStore is satisfied by both the Postgres and the SQLite store.
type snapshotStore interface {
	knowledge.SnapshotStore
	Purge(ctx context.Context) (int64, error)
}

// app holds the components shared by the commands.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	pool    *pgxpool.Pool
	sqlite  *database.SQLiteSnapshotStore
	driver  neo4j.DriverWithContext
	store   snapshotStore
	catalog *knowledge.Neo4jCatalog

	extractor *ingestion.Extractor
	base      *knowledge.Base
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

// newApp wires the knowledge base. The snapshot store (Postgres, else
// SQLite) and the Neo4j catalog are optional: when configured but unreachable
// they are skipped with a warning unless required is set.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, required bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.PostgresDSN != "" {
		if err := a.openPostgres(ctx); err != nil {
			if required {
				a.close(ctx)
				return nil, err
			}
			logger.Warn("snapshot store disabled", zap.Error(err))
		}
	} else if cfg.SnapshotDB != "" {
		store, err := database.OpenSQLiteSnapshotStore(ctx, cfg.SnapshotDB, logger.Named("snapshots"))
		if err != nil {
			if required {
				a.close(ctx)
				return nil, err
			}
			logger.Warn("snapshot store disabled", zap.Error(err))
		} else {
			a.sqlite, a.store = store, store
		}
	}
	if cfg.Neo4jURI != "" {
		if err := a.openNeo4j(ctx); err != nil {
			if required {
				a.close(ctx)
				return nil, err
			}
			logger.Warn("document catalog disabled", zap.Error(err))
		}
	}

	a.extractor = ingestion.NewExtractor(logger.Named("ingestion"))

	var opts []knowledge.Option
	opts = append(opts, knowledge.WithSheetTTL(cfg.SheetRefreshInterval))
	if a.store != nil {
		opts = append(opts, knowledge.WithSnapshotStore(a.store))
	}
	if a.catalog != nil {
		opts = append(opts, knowledge.WithCatalog(a.catalog))
	}
	a.base = knowledge.NewBase(a.extractor, a.source(), logger.Named("knowledge"), opts...)
	return a, nil
}

func (a *app) openPostgres(ctx context.Context) error {
	pool, err := database.NewPostgresPool(ctx, a.cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	store, err := database.NewSnapshotStore(ctx, pool, a.logger.Named("snapshots"))
	if err != nil {
		pool.Close()
		return fmt.Errorf("snapshot store: %w", err)
	}
	a.pool, a.store = pool, store
	return nil
}

func (a *app) openNeo4j(ctx context.Context) error {
	driver, err := database.NewNeo4jDriver(ctx, a.cfg.Neo4jURI, a.cfg.Neo4jUser, a.cfg.Neo4jPass)
	if err != nil {
		return fmt.Errorf("neo4j connection: %w", err)
	}
	catalog, err := knowledge.NewNeo4jCatalog(driver)
	if err != nil {
		_ = driver.Close(ctx)
		return err
	}
	a.driver, a.catalog = driver, catalog
	return nil
}

func (a *app) source() ingestion.Source {
	return ingestion.Source{Dir: a.cfg.DataDir, SheetURL: a.cfg.SheetURL}
}

func (a *app) chatService(ctx context.Context) (*chat.Service, error) {
	client, err := llm.NewClient(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}
	generator := llm.NewGenerator(client, a.cfg.LLM.Model, a.cfg.LLM.FallbackModel, a.logger.Named("llm"))

	return chat.NewService(a.base, generator, chat.Config{
		ContextBudget: a.cfg.Chat.ContextBudget,
		Template: chat.Template{
			Persona:        a.cfg.Chat.Persona,
			FallbackPhrase: a.cfg.Chat.FallbackPhrase,
		},
	}, a.logger.Named("chat")), nil
}

func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("close sqlite", zap.Error(err))
		}
	}
	if a.driver != nil {
		if err := a.driver.Close(ctx); err != nil {
			a.logger.Warn("close neo4j driver", zap.Error(err))
		}
	}
}
