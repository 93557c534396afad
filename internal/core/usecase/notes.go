package usecase

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

const (
	noteTimeLayout    = "2006-01-02 15:04"
	errorNoteMaxChars = 800
	payloadNoteChars  = 900
)

// NoteBuilder renders the German audit notes attached to documents after an
// update or a failure. The wording is stable because downstream automations
// parse the "[KI-Update ...]" and "[KI-Fehler ...]" prefixes.
type NoteBuilder struct {
	cache *TaxonomyCache

	maxChars        int
	summaryEnabled  bool
	summaryMaxChars int
}

func NewNoteBuilder(cache *TaxonomyCache, maxChars int, summaryEnabled bool, summaryMaxChars int) *NoteBuilder {
	if maxChars <= 0 {
		maxChars = 800
	}
	if summaryMaxChars <= 0 {
		summaryMaxChars = 220
	}
	return &NoteBuilder{
		cache:           cache,
		maxChars:        maxChars,
		summaryEnabled:  summaryEnabled,
		summaryMaxChars: summaryMaxChars,
	}
}

// BuildUpdateNote describes what changed on a document and why.
func (b *NoteBuilder) BuildUpdateNote(result domain.ClassificationResult, change *domain.ChangeSet, now time.Time) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("[KI-Update %s]", now.Format(noteTimeLayout)))

	if b.summaryEnabled && result.Summary != "" {
		lines = append(lines, "Zusammenfassung: "+truncate(result.Summary, b.summaryMaxChars))
	}
	if changes := b.describeChanges(change); changes != "" {
		lines = append(lines, "Änderungen: "+changes)
	}
	if result.Rationale != "" {
		lines = append(lines, "Begründung: "+truncate(result.Rationale, b.maxChars))
	}
	lines = append(lines, fmt.Sprintf("Konfidenz: %.2f", result.Confidence))

	return truncate(strings.Join(lines, "\n"), b.maxChars)
}

// BuildErrorNote records a failed classification on the document itself so
// the error survives log rotation. The raw model payload is kept, capped, as
// debugging material.
func (b *NoteBuilder) BuildErrorNote(err error, rawAnswer string, now time.Time) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("[KI-Fehler %s]", now.Format(noteTimeLayout)))
	builder.WriteString("\nFehler (" + domain.ErrorKind(err) + "): ")
	builder.WriteString(truncate(compactWhitespace(err.Error()), errorNoteMaxChars))
	if trimmed := strings.TrimSpace(rawAnswer); trimmed != "" {
		builder.WriteString("\nAntwort: ")
		builder.WriteString(truncate(compactWhitespace(compactJSON(trimmed)), payloadNoteChars))
	}
	return builder.String()
}

func (b *NoteBuilder) describeChanges(change *domain.ChangeSet) string {
	if change.Empty() {
		return ""
	}
	var parts []string
	if change.DocumentType != nil {
		parts = append(parts, b.fieldLine("Dokumenttyp", domain.KindDocumentType, change.DocumentType))
	}
	if change.Correspondent != nil {
		parts = append(parts, b.fieldLine("Korrespondent", domain.KindCorrespondent, change.Correspondent))
	}
	if change.StoragePath != nil {
		parts = append(parts, b.fieldLine("Ablagepfad", domain.KindStoragePath, change.StoragePath))
	}
	if change.Date != nil {
		old := change.Date.Old
		if old == "" {
			old = "-"
		}
		parts = append(parts, fmt.Sprintf("Datum: %s -> %s", old, change.Date.New))
	}
	if change.Tags != nil {
		parts = append(parts, b.tagLine(change.Tags))
	}
	return strings.Join(parts, "; ")
}

func (b *NoteBuilder) fieldLine(label string, kind domain.EntityKind, change *domain.FieldChange) string {
	old := "-"
	if change.Old != nil {
		old = b.cache.Label(kind, *change.Old)
	}
	return fmt.Sprintf("%s: %s -> %s", label, old, b.cache.Label(kind, *change.New))
}

func (b *NoteBuilder) tagLine(delta *domain.TagDelta) string {
	var ops []string
	for _, id := range delta.Added {
		ops = append(ops, "+"+b.cache.Label(domain.KindTag, id))
	}
	for _, id := range delta.Removed {
		ops = append(ops, "-"+b.cache.Label(domain.KindTag, id))
	}
	sort.Strings(ops)
	return "Tags: " + strings.Join(ops, ", ")
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

func compactWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// compactJSON re-renders a JSON payload without insignificant whitespace so
// more of it fits inside the note cap. Non-JSON input passes through.
func compactJSON(raw string) string {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	out, err := json.Marshal(value)
	if err != nil {
		return raw
	}
	return string(out)
}
