package usecase

import (
	"encoding/json"
	"sort"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

const maxContentPreview = 6000

const basePrompt = "Du bist ein präziser Dokumenten-Klassifizierer für Paperless-ngx. " +
	"Antworte ausschließlich als JSON mit den Feldern: " +
	"document_type, correspondent, storage_path, tags (Liste), " +
	"document_date (YYYY-MM-DD oder null), summary, confidence (0-1), rationale. " +
	"Keine zusätzlichen Schlüssel, keine Markdown-Ausgabe."

// PromptBuilder renders the grounded classification prompt. Pure: the same
// inputs always produce the same output, no network or state access.
type PromptBuilder struct {
	customInstructions string
	basis              domain.BasisConfig
	includeEntities    bool

	knownDocumentTypes  []string
	knownCorrespondents []string
	knownStoragePaths   []string
}

func NewPromptBuilder(customInstructions string, basis domain.BasisConfig, includeEntities bool) *PromptBuilder {
	return &PromptBuilder{
		customInstructions: customInstructions,
		basis:              basis,
		includeEntities:    includeEntities,
	}
}

// SetKnownEntities records the current taxonomy names as available-choice
// hints. Sorted so the rendered prompt stays deterministic.
func (b *PromptBuilder) SetKnownEntities(documentTypes, correspondents, storagePaths []string) {
	b.knownDocumentTypes = sortedCopy(documentTypes)
	b.knownCorrespondents = sortedCopy(correspondents)
	b.knownStoragePaths = sortedCopy(storagePaths)
}

type knownEntities struct {
	KnownDocumentTypes  []string `json:"known_document_types"`
	KnownCorrespondents []string `json:"known_correspondents"`
	KnownStoragePaths   []string `json:"known_storage_paths"`
}

type documentPayload struct {
	Title          string `json:"title"`
	ContentPreview string `json:"content_preview"`
	Created        string `json:"created"`
	CurrentTags    []int  `json:"current_tags"`
}

// Build returns the system instruction and the per-document user message.
func (b *PromptBuilder) Build(doc domain.Document) (string, string) {
	system := basePrompt
	if b.customInstructions != "" {
		system += "\n\nZusätzliche projektspezifische Regeln (hoch priorisiert):\n" + b.customInstructions
	}
	if !b.basis.Empty() {
		raw, _ := json.Marshal(b.basis)
		system += "\n\nStrukturierte Basis-Konfiguration (priorisiert, kompakt):\n" + string(raw)
	}
	if b.includeEntities {
		raw, _ := json.Marshal(knownEntities{
			KnownDocumentTypes:  emptyIfNil(b.knownDocumentTypes),
			KnownCorrespondents: emptyIfNil(b.knownCorrespondents),
			KnownStoragePaths:   emptyIfNil(b.knownStoragePaths),
		})
		system += "\n\nBevorzuge vorhandene Werte aus diesem Bestand und erfinde nichts unnötig neu:\n" + string(raw)
	}

	// The preview cap keeps token cost and latency bounded. Clamp on runes
	// so a multibyte character is never cut in half.
	preview := doc.Content
	if runes := []rune(preview); len(runes) > maxContentPreview {
		preview = string(runes[:maxContentPreview])
	}
	tags := doc.Tags
	if tags == nil {
		tags = []int{}
	}
	raw, _ := json.Marshal(documentPayload{
		Title:          doc.Title,
		ContentPreview: preview,
		Created:        doc.Created,
		CurrentTags:    tags,
	})
	user := "Klassifiziere dieses Dokument für eine Ablagestruktur.\n" + string(raw)

	return system, user
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
