package usecase

import (
	"strings"
	"testing"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

func TestBuildIsDeterministic(t *testing.T) {
	builder := NewPromptBuilder("Privatrechnungen nach Finanzen.", domain.BasisConfig{
		People: []string{"Max Mustermann"},
	}, true)
	builder.SetKnownEntities([]string{"rechnung"}, []string{"stadtwerke"}, []string{"finanzen"})

	doc := domain.Document{ID: 1, Title: "Rechnung 42", Content: "Betrag: 80 EUR", Tags: []int{30}}

	system1, user1 := builder.Build(doc)
	system2, user2 := builder.Build(doc)
	if system1 != system2 || user1 != user2 {
		t.Fatalf("prompt must be deterministic for identical input")
	}
}

func TestBuildIncludesGroundingSections(t *testing.T) {
	builder := NewPromptBuilder("Eigene Regel.", domain.BasisConfig{
		Organizations: []string{"Stadtwerke"},
	}, true)
	builder.SetKnownEntities([]string{"rechnung"}, nil, nil)

	system, user := builder.Build(domain.Document{Title: "Brief", Content: "Inhalt", Created: "2026-01-01"})

	for _, want := range []string{"Eigene Regel.", "Stadtwerke", "known_document_types", "rechnung"} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if !strings.Contains(user, `"title":"Brief"`) {
		t.Errorf("user prompt missing document payload: %s", user)
	}
}

func TestBuildOmitsKnownEntitiesWhenDisabled(t *testing.T) {
	builder := NewPromptBuilder("", domain.BasisConfig{}, false)
	builder.SetKnownEntities([]string{"rechnung"}, nil, nil)

	system, _ := builder.Build(domain.Document{Title: "Brief"})
	if strings.Contains(system, "known_document_types") {
		t.Errorf("system prompt must not list entities when disabled")
	}
}

func TestBuildCapsContentPreview(t *testing.T) {
	builder := NewPromptBuilder("", domain.BasisConfig{}, false)

	_, user := builder.Build(domain.Document{
		Title:   "Lang",
		Content: strings.Repeat("a", maxContentPreview+500),
	})
	if strings.Contains(user, strings.Repeat("a", maxContentPreview+1)) {
		t.Errorf("content preview not capped")
	}
}

func TestBuildKeepsPreviewCutOnRuneBoundary(t *testing.T) {
	builder := NewPromptBuilder("", domain.BasisConfig{}, false)

	_, user := builder.Build(domain.Document{
		Title:   "Umlaute",
		Content: strings.Repeat("ü", maxContentPreview+5),
	})
	if strings.ContainsRune(user, '�') {
		t.Errorf("preview cap split a multibyte character: %s", user[len(user)-40:])
	}
	if strings.Contains(user, strings.Repeat("ü", maxContentPreview+1)) {
		t.Errorf("content preview not capped")
	}
}
