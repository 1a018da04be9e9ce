// Package postgres provides a PostgreSQL implementation of the workflow
// store for multi-instance deployments that need durable, queryable state.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	workflowRepo   *WorkflowRepository
	checkpointRepo *CheckpointRepository
	messageRepo    *MessageRepository
}

// NewPersistence opens a PostgreSQL-backed store from a postgres:// URL
// and brings the schema up to date.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	manager := NewMigrationManager(logger, database, migrations())
	if err := manager.Run(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger,
		workflowRepo:   &WorkflowRepository{db: database},
		checkpointRepo: &CheckpointRepository{db: database},
		messageRepo:    &MessageRepository{db: database},
	}, nil
}

// HealthCheck pings the database.
func (pp *Persistence) HealthCheck(ctx context.Context) error {
	if err := pp.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (pp *Persistence) Close(_ context.Context) error {
	return pp.db.Close()
}

func (pp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return pp.workflowRepo
}

func (pp *Persistence) CheckpointRepository() persistence.CheckpointRepository {
	return pp.checkpointRepo
}

func (pp *Persistence) MessageRepository() persistence.MessageRepository {
	return pp.messageRepo
}
