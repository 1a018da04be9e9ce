// Package file provides a file-system implementation of the workflow store.
// Documents are stored as JSON under the configured root; writes go through
// renameio so readers never observe a partially written file.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local file system.
type Persistence struct {
	root           string
	workflowRepo   *WorkflowRepository
	checkpointRepo *CheckpointRepository
	messageRepo    *MessageRepository
}

// NewPersistence creates a file-backed store rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:           cleanRoot,
		workflowRepo:   NewWorkflowRepository(cleanRoot),
		checkpointRepo: NewCheckpointRepository(cleanRoot),
		messageRepo:    NewMessageRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) CheckpointRepository() persistence.CheckpointRepository {
	return fp.checkpointRepo
}

func (fp *Persistence) MessageRepository() persistence.MessageRepository {
	return fp.messageRepo
}
