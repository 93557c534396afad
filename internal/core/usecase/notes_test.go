package usecase

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

func noteTestCache(t *testing.T) *TaxonomyCache {
	t.Helper()
	store := newFakeEntityStore()
	store.seed(domain.KindDocumentType, "rechnung", 1)
	store.seed(domain.KindTag, "finance", 10)
	store.seed(domain.KindTag, "#neu", 30)
	return loadedCache(t, store)
}

func TestBuildUpdateNoteFormat(t *testing.T) {
	builder := NewNoteBuilder(noteTestCache(t), 800, true, 220)
	now := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)

	change := &domain.ChangeSet{
		DocumentType: &domain.FieldChange{New: intPtr(1)},
		Tags:         &domain.TagDelta{Added: []int{10}, Removed: []int{30}, Final: []int{10}},
	}
	note := builder.BuildUpdateNote(domain.ClassificationResult{
		Summary:    "Stromrechnung Februar",
		Rationale:  "Abschlagsrechnung",
		Confidence: 0.92,
	}, change, now)

	if !strings.HasPrefix(note, "[KI-Update 2026-02-10 09:30]") {
		t.Fatalf("note prefix wrong: %q", note)
	}
	for _, want := range []string{"Zusammenfassung: Stromrechnung Februar", "Dokumenttyp: - -> rechnung", "+finance", "-#neu", "Konfidenz: 0.92"} {
		if !strings.Contains(note, want) {
			t.Errorf("note missing %q:\n%s", want, note)
		}
	}
}

func TestBuildUpdateNoteTruncatesSummary(t *testing.T) {
	builder := NewNoteBuilder(noteTestCache(t), 800, true, 20)
	note := builder.BuildUpdateNote(domain.ClassificationResult{
		Summary: strings.Repeat("x", 100),
	}, &domain.ChangeSet{}, time.Now())

	if !strings.Contains(note, strings.Repeat("x", 17)+"...") {
		t.Errorf("summary not truncated with ellipsis:\n%s", note)
	}
}

func TestBuildUpdateNoteRationaleUsesNoteLimitNotSummaryLimit(t *testing.T) {
	builder := NewNoteBuilder(noteTestCache(t), 800, true, 20)
	rationale := strings.Repeat("r", 100)
	note := builder.BuildUpdateNote(domain.ClassificationResult{
		Summary:   strings.Repeat("x", 100),
		Rationale: rationale,
	}, &domain.ChangeSet{}, time.Now())

	if !strings.Contains(note, "Begründung: "+rationale) {
		t.Errorf("rationale must only be capped by the note limit:\n%s", note)
	}
	if !strings.Contains(note, strings.Repeat("x", 17)+"...") {
		t.Errorf("summary cap must stay in effect:\n%s", note)
	}
}

func TestBuildErrorNoteIncludesKindAndPayload(t *testing.T) {
	builder := NewNoteBuilder(noteTestCache(t), 800, true, 220)
	cause := domain.WrapError(domain.ErrSchemaViolation, "validate model answer", errors.New("missing required fields: tags"))
	raw := "{\n  \"document_type\": \"Rechnung\"\n}"

	note := builder.BuildErrorNote(cause, raw, time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC))

	if !strings.HasPrefix(note, "[KI-Fehler 2026-02-10 09:30]") {
		t.Fatalf("note prefix wrong: %q", note)
	}
	if !strings.Contains(note, "SchemaViolation") {
		t.Errorf("note missing error kind:\n%s", note)
	}
	if !strings.Contains(note, `{"document_type":"Rechnung"}`) {
		t.Errorf("payload not compacted:\n%s", note)
	}
}

func TestBuildErrorNoteCapsPayload(t *testing.T) {
	builder := NewNoteBuilder(noteTestCache(t), 800, true, 220)
	raw := strings.Repeat("y", 5000)

	note := builder.BuildErrorNote(errors.New("boom"), raw, time.Now())
	if len(note) > 2000 {
		t.Errorf("error note too long: %d chars", len(note))
	}
}
