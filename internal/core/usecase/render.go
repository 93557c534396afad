package usecase

import (
	"fmt"
	"io"
	"strings"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

const (
	colField = 14
	colValue = 42
)

// RenderChangeTable prints one document's pending changes as a fixed-width
// table. Used by dry-run so an operator can review before a real run.
func RenderChangeTable(w io.Writer, doc domain.Document, change *domain.ChangeSet, cache *TaxonomyCache) {
	fmt.Fprintf(w, "\nDokument %d: %s\n", doc.ID, doc.Title)
	if change.Empty() {
		fmt.Fprintln(w, "  keine Änderungen")
		return
	}

	printRow(w, "Feld", "Aktuell", "Neu")
	printRow(w, strings.Repeat("-", colField), strings.Repeat("-", colValue), strings.Repeat("-", colValue))

	if change.DocumentType != nil {
		printRow(w, "Dokumenttyp", labelOrDash(cache, domain.KindDocumentType, change.DocumentType.Old),
			labelOrDash(cache, domain.KindDocumentType, change.DocumentType.New))
	}
	if change.Correspondent != nil {
		printRow(w, "Korrespondent", labelOrDash(cache, domain.KindCorrespondent, change.Correspondent.Old),
			labelOrDash(cache, domain.KindCorrespondent, change.Correspondent.New))
	}
	if change.StoragePath != nil {
		printRow(w, "Ablagepfad", labelOrDash(cache, domain.KindStoragePath, change.StoragePath.Old),
			labelOrDash(cache, domain.KindStoragePath, change.StoragePath.New))
	}
	if change.Date != nil {
		old := change.Date.Old
		if old == "" {
			old = "-"
		}
		printRow(w, "Datum", old, change.Date.New)
	}
	if change.Tags != nil {
		printRow(w, "Tags", tagNames(cache, change.Tags.Removed, "-"), tagNames(cache, change.Tags.Added, "+"))
	}
}

// RenderRunSummary prints the end-of-run totals.
func RenderRunSummary(w io.Writer, summary *domain.RunSummary) {
	mode := "Live"
	if summary.DryRun {
		mode = "Testlauf (keine Änderungen geschrieben)"
	}
	fmt.Fprintf(w, "\nLauf %s abgeschlossen (%s)\n", summary.RunID, mode)
	fmt.Fprintf(w, "  Geprüft:       %d\n", summary.Scanned)
	fmt.Fprintf(w, "  Aktualisiert:  %d\n", summary.Updated)
	fmt.Fprintf(w, "  Übersprungen:  %d\n", summary.Skipped)
	fmt.Fprintf(w, "  Fehlerhaft:    %d\n", summary.Errored)
	if len(summary.Created) > 0 {
		fmt.Fprintf(w, "  Neu angelegt:  %d\n", len(summary.Created))
		for kind, names := range summary.CreatedByKind() {
			fmt.Fprintf(w, "    %s: %s\n", kind, strings.Join(names, ", "))
		}
	}
	if summary.Usage.TotalTokens > 0 {
		fmt.Fprintf(w, "  Tokens:        %d (Prompt %d, Antwort %d)\n",
			summary.Usage.TotalTokens, summary.Usage.PromptTokens, summary.Usage.CompletionTokens)
	}
	if summary.CostEUR > 0 {
		fmt.Fprintf(w, "  Kosten:        %.4f EUR\n", summary.CostEUR)
	}
	for _, outcome := range summary.Errors() {
		fmt.Fprintf(w, "  Fehler bei Dokument %d (%s): %s\n", outcome.DocumentID, outcome.ErrorKind, outcome.Message)
	}
}

func printRow(w io.Writer, field, current, next string) {
	fmt.Fprintf(w, "  %-*s | %-*s | %-*s\n", colField, clip(field, colField), colValue, clip(current, colValue), colValue, clip(next, colValue))
}

func clip(text string, width int) string {
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	if width <= 1 {
		return string(runes[:width])
	}
	return string(runes[:width-1]) + "…"
}

func labelOrDash(cache *TaxonomyCache, kind domain.EntityKind, id *int) string {
	if id == nil {
		return "-"
	}
	return cache.Label(kind, *id)
}

func tagNames(cache *TaxonomyCache, ids []int, prefix string) string {
	if len(ids) == 0 {
		return "-"
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, prefix+cache.Label(domain.KindTag, id))
	}
	return strings.Join(names, ", ")
}
