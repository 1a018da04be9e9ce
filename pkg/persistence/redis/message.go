package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/scriptorhq/scriptor/pkg/models"
)

// MessageRepository appends brokered messages to per-workflow lists.
type MessageRepository struct {
	client *goredis.Client
}

// Append writes one message record to the workflow's log.
func (mr *MessageRepository) Append(ctx context.Context, message *models.Message) error {
	if message.WorkflowID == "" {
		return fmt.Errorf("message requires a workflow id")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", message.ID, err)
	}

	if err := mr.client.RPush(ctx, messageKeyPrefix+message.WorkflowID, data).Err(); err != nil {
		return fmt.Errorf("failed to append message %s: %w", message.ID, err)
	}

	return nil
}

// ByWorkflow returns a workflow's messages oldest first.
func (mr *MessageRepository) ByWorkflow(ctx context.Context, workflowID string) ([]*models.Message, error) {
	entries, err := mr.client.LRange(ctx, messageKeyPrefix+workflowID, 0, -1).Result()
	if err != nil {
		if err == goredis.Nil {
			return []*models.Message{}, nil
		}

		return nil, fmt.Errorf("failed to read message log for %s: %w", workflowID, err)
	}

	messages := make([]*models.Message, 0, len(entries))

	for _, entry := range entries {
		var message models.Message
		if err := json.Unmarshal([]byte(entry), &message); err != nil {
			return nil, fmt.Errorf("corrupt message log for %s: %w", workflowID, err)
		}

		messages = append(messages, &message)
	}

	return messages, nil
}
