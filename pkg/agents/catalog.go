// Package agents loads persona definitions and section permission rules.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/scriptorhq/scriptor/pkg/cache"
	"github.com/scriptorhq/scriptor/pkg/models"
)

// ErrAgentNotFound indicates no persona definition exists for the given ID.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentUnresolved indicates the "various" sentinel reached the catalog;
// the engine must elicit a concrete agent from the user instead.
var ErrAgentUnresolved = errors.New("agent must be selected by the user")

var validate = validator.New()

// Catalog loads agent personas from a directory of YAML definitions.
// Parsed personas are cached through the shared cache manager.
type Catalog struct {
	dir    string
	caches *cache.Manager
	logger *slog.Logger
}

// NewCatalog creates a catalog reading persona files from dir.
func NewCatalog(dir string, caches *cache.Manager, logger *slog.Logger) *Catalog {
	return &Catalog{
		dir:    dir,
		caches: caches,
		logger: logger.With("module", "agent_catalog"),
	}
}

// LoadAgent returns the persona for agentID. The "various" sentinel is never
// resolvable here and returns ErrAgentUnresolved.
func (c *Catalog) LoadAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	if agentID == models.AgentVarious {
		return nil, ErrAgentUnresolved
	}

	if cached, ok := c.caches.Tasks.Get("agent:" + agentID); ok {
		if agent, ok := cached.(*models.Agent); ok {
			return agent, nil
		}
	}

	data, err := os.ReadFile(filepath.Join(c.dir, agentID+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}

		return nil, fmt.Errorf("failed to read agent %s: %w", agentID, err)
	}

	var agent models.Agent
	if err := yaml.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("failed to parse agent %s: %w", agentID, err)
	}

	if agent.ID == "" {
		agent.ID = agentID
	}

	if err := validate.Struct(&agent); err != nil {
		return nil, fmt.Errorf("invalid agent %s: %w", agentID, err)
	}

	c.caches.Tasks.Set("agent:"+agentID, &agent)
	c.logger.DebugContext(ctx, "Loaded agent persona", "agent_id", agentID)

	return &agent, nil
}

// CanEditSection reports whether the agent may edit the given section.
// Section rules are glob patterns over section IDs; owned sections imply
// edit permission.
func (c *Catalog) CanEditSection(ctx context.Context, agentID, sectionID string) (bool, error) {
	agent, err := c.LoadAgent(ctx, agentID)
	if err != nil {
		return false, err
	}

	for _, pattern := range agent.OwnedSections {
		if matched, _ := path.Match(pattern, sectionID); matched {
			return true, nil
		}
	}

	for _, pattern := range agent.EditableSections {
		if matched, _ := path.Match(pattern, sectionID); matched {
			return true, nil
		}
	}

	return false, nil
}
