// Package xlsx renders a finished run into a spreadsheet for manual review
// of what the classifier changed.
package xlsx

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

const (
	summarySheet   = "Lauf"
	documentsSheet = "Dokumente"
	entitiesSheet  = "Neue Entitäten"
)

type ReportWriter struct {
	path string
}

func New(path string) *ReportWriter {
	return &ReportWriter{path: path}
}

func (w *ReportWriter) WriteReport(summary *domain.RunSummary) error {
	file := excelize.NewFile()
	defer file.Close()

	if err := w.writeSummary(file, summary); err != nil {
		return err
	}
	if err := w.writeDocuments(file, summary); err != nil {
		return err
	}
	if err := w.writeEntities(file, summary); err != nil {
		return err
	}

	file.DeleteSheet("Sheet1")
	if err := file.SaveAs(w.path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (w *ReportWriter) writeSummary(file *excelize.File, summary *domain.RunSummary) error {
	if _, err := file.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}

	mode := "Live"
	if summary.DryRun {
		mode = "Testlauf"
	}
	rows := [][]any{
		{"Lauf-ID", summary.RunID},
		{"Modell", summary.Model},
		{"Modus", mode},
		{"Gestartet", summary.StartedAt.Format(time.RFC3339)},
		{"Beendet", summary.FinishedAt.Format(time.RFC3339)},
		{"Geprüft", summary.Scanned},
		{"Aktualisiert", summary.Updated},
		{"Übersprungen", summary.Skipped},
		{"Fehlerhaft", summary.Errored},
		{"Prompt-Tokens", summary.Usage.PromptTokens},
		{"Antwort-Tokens", summary.Usage.CompletionTokens},
		{"Tokens gesamt", summary.Usage.TotalTokens},
		{"Kosten (EUR)", summary.CostEUR},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("summary cell: %w", err)
		}
		if err := file.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}
	return nil
}

func (w *ReportWriter) writeDocuments(file *excelize.File, summary *domain.RunSummary) error {
	if _, err := file.NewSheet(documentsSheet); err != nil {
		return fmt.Errorf("create documents sheet: %w", err)
	}

	header := []any{"Dokument-ID", "Titel", "Ergebnis", "Grund", "Fehlerart", "Details"}
	if err := file.SetSheetRow(documentsSheet, "A1", &header); err != nil {
		return fmt.Errorf("write documents header: %w", err)
	}
	for i, outcome := range summary.Outcomes {
		row := []any{
			outcome.DocumentID,
			outcome.Title,
			string(outcome.Outcome),
			string(outcome.SkipReason),
			outcome.ErrorKind,
			outcome.Message,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("documents cell: %w", err)
		}
		if err := file.SetSheetRow(documentsSheet, cell, &row); err != nil {
			return fmt.Errorf("write documents row: %w", err)
		}
	}
	return nil
}

func (w *ReportWriter) writeEntities(file *excelize.File, summary *domain.RunSummary) error {
	if _, err := file.NewSheet(entitiesSheet); err != nil {
		return fmt.Errorf("create entities sheet: %w", err)
	}

	header := []any{"Art", "Name", "ID"}
	if err := file.SetSheetRow(entitiesSheet, "A1", &header); err != nil {
		return fmt.Errorf("write entities header: %w", err)
	}
	for i, created := range summary.Created {
		row := []any{string(created.Kind), created.Name, created.ID}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("entities cell: %w", err)
		}
		if err := file.SetSheetRow(entitiesSheet, cell, &row); err != nil {
			return fmt.Errorf("write entities row: %w", err)
		}
	}
	return nil
}
