// Package skills models skill manifests and applies them to agents. A skill
// is a named capability bundle: directives the agent follows, the platform
// tools it requires, and the data sources it may touch. Loading a skill
// rewrites the agent's dcf_active_skills memory block and attaches the
// required tools.
package skills

import (
	"encoding/json"
	"fmt"
	"strings"
)

type (
	// Manifest describes one loadable skill (manifest schema v2).
	Manifest struct {
		ManifestID     string       `json:"manifestId"`
		SkillPackageID string       `json:"skillPackageId"`
		SchemaVersion  string       `json:"schemaVersion,omitempty"`
		Name           string       `json:"name"`
		Version        string       `json:"version"`
		Description    string       `json:"description,omitempty"`
		Permissions    []string     `json:"permissions,omitempty"`
		Directives     []string     `json:"directives,omitempty"`
		RequiredTools  []string     `json:"requiredTools,omitempty"`
		DataSources    []DataSource `json:"dataSources,omitempty"`
	}

	// DataSource names an external source the skill reads.
	DataSource struct {
		Name string `json:"name,omitempty"`
		Type string `json:"type,omitempty"`
		URI  string `json:"uri,omitempty"`
	}
)

// ParseImport decodes a skill import payload: either a single manifest
// object or a {"skills": [...]} collection.
func ParseImport(raw []byte) ([]Manifest, error) {
	var coll struct {
		Skills []Manifest `json:"skills"`
	}
	if err := json.Unmarshal(raw, &coll); err == nil && len(coll.Skills) > 0 {
		return coll.Skills, nil
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("skills: decode import: %w", err)
	}
	if m.ManifestID == "" && m.SkillPackageID == "" && m.Name == "" {
		return nil, fmt.Errorf("skills: import carries no manifest")
	}
	return []Manifest{m}, nil
}

// Canonical returns the manifest's canonical skill reference:
// skill://{packageId}@{version} when a package id exists, the manifest id
// otherwise.
func (m Manifest) Canonical() string {
	if m.SkillPackageID != "" {
		return "skill://" + m.SkillPackageID + "@" + m.Version
	}
	return m.ManifestID
}

// Aliases returns every reference form the manifest resolves under: the two
// ids, lowercased name@version, and both skill:// spellings.
func (m Manifest) Aliases() []string {
	var out []string
	add := func(s string) {
		if s == "" {
			return
		}
		for _, existing := range out {
			if existing == s {
				return
			}
		}
		out = append(out, s)
	}
	add(m.ManifestID)
	add(m.SkillPackageID)
	if m.Name != "" && m.Version != "" {
		lower := strings.ToLower(m.Name)
		add(lower + "@" + m.Version)
		add("skill://" + lower + "@" + m.Version)
	}
	if m.SkillPackageID != "" && m.Version != "" {
		add("skill://" + m.SkillPackageID + "@" + m.Version)
	}
	return out
}
