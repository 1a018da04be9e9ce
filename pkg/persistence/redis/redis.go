// Package redis provides a Redis implementation of the workflow store,
// suitable for multi-instance deployments where the file driver cannot be
// shared.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/scriptorhq/scriptor/pkg/persistence"
)

const (
	workflowKeyPrefix   = "scriptor:workflow:"
	activeSetKey        = "scriptor:workflows:active"
	checkpointKeyPrefix = "scriptor:checkpoints:"
	checkpointIndexKey  = "scriptor:checkpoints"
	messageKeyPrefix    = "scriptor:messages:"
)

// Persistence implements persistence.Persistence on Redis.
type Persistence struct {
	client         *goredis.Client
	workflowRepo   *WorkflowRepository
	checkpointRepo *CheckpointRepository
	messageRepo    *MessageRepository
}

// NewPersistence creates a Redis-backed store from a redis:// URL.
func NewPersistence(url string) (*Persistence, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	return &Persistence{
		client:         client,
		workflowRepo:   &WorkflowRepository{client: client},
		checkpointRepo: &CheckpointRepository{client: client},
		messageRepo:    &MessageRepository{client: client},
	}, nil
}

// HealthCheck pings the Redis server.
func (rp *Persistence) HealthCheck(ctx context.Context) error {
	return rp.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (rp *Persistence) Close(_ context.Context) error {
	return rp.client.Close()
}

func (rp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return rp.workflowRepo
}

func (rp *Persistence) CheckpointRepository() persistence.CheckpointRepository {
	return rp.checkpointRepo
}

func (rp *Persistence) MessageRepository() persistence.MessageRepository {
	return rp.messageRepo
}
