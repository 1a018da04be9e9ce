package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/scriptorhq/scriptor/pkg/models"
)

// MessageRepository is the append-only message log.
type MessageRepository struct {
	db *sql.DB
}

// Append inserts a message row.
func (mr *MessageRepository) Append(ctx context.Context, message *models.Message) error {
	content, err := json.Marshal(message.Content)
	if err != nil {
		return fmt.Errorf("encoding message content: %w", err)
	}

	_, err = mr.db.ExecContext(ctx, `
		INSERT INTO messages (id, workflow_id, sender, recipient, message_type, content, status, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, message.ID, message.WorkflowID, message.From, message.To,
		string(message.Type), content, string(message.Status), message.Timestamp)
	if err != nil {
		return fmt.Errorf("appending message %s: %w", message.ID, err)
	}

	return nil
}

// ByWorkflow returns a workflow's messages oldest first.
func (mr *MessageRepository) ByWorkflow(ctx context.Context, workflowID string) ([]*models.Message, error) {
	rows, err := mr.db.QueryContext(ctx, `
		SELECT
			id
		  , workflow_id
		  , sender
		  , recipient
		  , message_type
		  , content
		  , status
		  , sent_at
		FROM messages
		WHERE workflow_id = $1
		ORDER BY seq ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("querying messages for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)

	for rows.Next() {
		var (
			message models.Message
			content []byte
		)

		err := rows.Scan(&message.ID, &message.WorkflowID, &message.From, &message.To,
			&message.Type, &content, &message.Status, &message.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		if len(content) > 0 {
			if err := json.Unmarshal(content, &message.Content); err != nil {
				return nil, fmt.Errorf("decoding message content: %w", err)
			}
		}

		messages = append(messages, &message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}
