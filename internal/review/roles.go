package review

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
)

// Role describes one reviewer in the chain.
type Role struct {
	// ID is the stable identifier sent to the gateway.
	ID string `yaml:"id" json:"id"`
	// Name is the human-readable role name used in escalations.
	Name string `yaml:"name" json:"name"`
	// Prompt seeds the reviewer agent.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	// FrontendOnly roles join the chain only when the phase touched
	// frontend files.
	FrontendOnly bool `yaml:"frontend_only,omitempty" json:"frontend_only,omitempty"`
}

// RoleSet is the ordered reviewer configuration plus the glob patterns
// that classify a changed file as frontend.
type RoleSet struct {
	Roles         []Role   `yaml:"roles"`
	FrontendGlobs []string `yaml:"frontend_globs"`
}

// DefaultRoleSet returns the built-in reviewer chain used when no roles
// file is configured.
func DefaultRoleSet() RoleSet {
	return RoleSet{
		Roles: []Role{
			{ID: "architect", Name: "Architect"},
			{ID: "security", Name: "Security Reviewer"},
			{ID: "designer", Name: "Designer", FrontendOnly: true},
		},
		FrontendGlobs: DefaultFrontendGlobs(),
	}
}

// LoadRoleSet reads a reviewer configuration from a YAML file.
func LoadRoleSet(path string) (RoleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RoleSet{}, errors.Wrapf(err, "reading reviewer roles from %s", path)
	}

	var rs RoleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RoleSet{}, errors.Wrapf(err, "parsing reviewer roles from %s", path)
	}
	if err := rs.Validate(); err != nil {
		return RoleSet{}, err
	}
	if len(rs.FrontendGlobs) == 0 {
		rs.FrontendGlobs = DefaultFrontendGlobs()
	}
	return rs, nil
}

// Validate checks the role set for structural problems.
func (rs RoleSet) Validate() error {
	if len(rs.Roles) == 0 {
		return errors.NewValidationError("reviewer role set is empty")
	}
	seen := make(map[string]bool, len(rs.Roles))
	unconditional := false
	for _, role := range rs.Roles {
		if role.ID == "" {
			return errors.NewValidationError("reviewer role has no ID")
		}
		if seen[role.ID] {
			return errors.NewValidationError("duplicate reviewer role ID: " + role.ID)
		}
		seen[role.ID] = true
		if !role.FrontendOnly {
			unconditional = true
		}
	}
	// A chain of only frontend-only roles would have no reviewers for a
	// backend phase.
	if !unconditional {
		return errors.NewValidationError("reviewer role set needs at least one role that is not frontend-only")
	}
	return nil
}

// Applicable returns the reviewer roles for a phase, in configured order.
// FrontendOnly roles are included only when the phase touched frontend
// files.
func (rs RoleSet) Applicable(touchedFrontend bool) []Role {
	out := make([]Role, 0, len(rs.Roles))
	for _, role := range rs.Roles {
		if role.FrontendOnly && !touchedFrontend {
			continue
		}
		out = append(out, role)
	}
	return out
}
