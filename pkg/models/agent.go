package models

// Agent is a named persona used to parameterize completion calls. Personas
// are loaded from the agent catalog and are read-only at runtime.
type Agent struct {
	ID           string `json:"id"      yaml:"id"      validate:"required"`
	Name         string `json:"name"    yaml:"name"    validate:"required"`
	Role         string `json:"role"    yaml:"role"`
	Persona      string `json:"persona" yaml:"persona"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions"`
	// OwnedSections lists section ID globs this agent may edit.
	OwnedSections []string `json:"owned_sections,omitempty" yaml:"owned_sections"`
	// EditableSections lists section ID globs editable but not owned.
	EditableSections []string `json:"editable_sections,omitempty" yaml:"editable_sections"`
}
