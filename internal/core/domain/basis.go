package domain

import "strings"

// BasisConfig is the structured ground truth injected into every prompt to
// anchor model answers: known people and organizations, stable identifiers,
// free-form classification rules, and hard guardrails.
type BasisConfig struct {
	People              []string   `yaml:"people" json:"people,omitempty"`
	Organizations       []string   `yaml:"organizations" json:"organizations,omitempty"`
	Identifiers         []string   `yaml:"identifiers" json:"identifiers,omitempty"`
	ClassificationRules []string   `yaml:"classification_rules" json:"classification_rules,omitempty"`
	Guardrails          Guardrails `yaml:"guardrails" json:"guardrails,omitempty"`
}

type Guardrails struct {
	ForbiddenPathAssignments []string `yaml:"forbidden_path_assignments" json:"forbidden_path_assignments,omitempty"`
}

func (b BasisConfig) Empty() bool {
	return len(b.People) == 0 &&
		len(b.Organizations) == 0 &&
		len(b.Identifiers) == 0 &&
		len(b.ClassificationRules) == 0 &&
		len(b.Guardrails.ForbiddenPathAssignments) == 0
}

// ForbiddenPath reports whether the proposed storage path is on the guardrail
// list, compared case-insensitively.
func (g Guardrails) ForbiddenPath(name string) bool {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return false
	}
	for _, forbidden := range g.ForbiddenPathAssignments {
		if strings.ToLower(strings.TrimSpace(forbidden)) == needle {
			return true
		}
	}
	return false
}
