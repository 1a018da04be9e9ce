package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/scriptorhq/scriptor/pkg/models"
)

// MessageRepository appends brokered messages to a per-workflow JSON Lines
// log. Appends are serialized repository-wide; the log is append-only.
type MessageRepository struct {
	mu   sync.Mutex
	root string
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(root string) *MessageRepository {
	return &MessageRepository{root: root}
}

func (mr *MessageRepository) path(workflowID string) string {
	return filepath.Join(mr.root, "messages", workflowID+".jsonl")
}

// Append writes one message record to the workflow's log.
func (mr *MessageRepository) Append(_ context.Context, message *models.Message) error {
	if message.WorkflowID == "" {
		return fmt.Errorf("message requires a workflow id")
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(mr.path(message.WorkflowID)), 0o755); err != nil {
		return fmt.Errorf("failed to create message log directory: %w", err)
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", message.ID, err)
	}

	f, err := os.OpenFile(mr.path(message.WorkflowID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open message log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append message %s: %w", message.ID, err)
	}

	return nil
}

// ByWorkflow returns a workflow's messages oldest first.
func (mr *MessageRepository) ByWorkflow(_ context.Context, workflowID string) ([]*models.Message, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	data, err := os.ReadFile(mr.path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Message{}, nil
		}

		return nil, fmt.Errorf("failed to read message log for %s: %w", workflowID, err)
	}

	var messages []*models.Message

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var message models.Message
		if err := json.Unmarshal(line, &message); err != nil {
			return nil, fmt.Errorf("corrupt message log for %s: %w", workflowID, err)
		}

		messages = append(messages, &message)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan message log for %s: %w", workflowID, err)
	}

	return messages, nil
}
