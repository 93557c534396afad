package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

func newArchiveWithMock(t *testing.T) (*RunArchive, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &RunArchive{db: db}, mock, func() { _ = db.Close() }
}

func sampleSummary() *domain.RunSummary {
	started := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	summary := &domain.RunSummary{
		RunID:      "run-1",
		Model:      "gpt-4o-mini",
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Minute),
		Scanned:    2,
	}
	summary.RecordUpdated(11, "Rechnung Strom")
	summary.RecordError(12, "Unbekannt", domain.WrapError(domain.ErrSchemaViolation, "validate model answer", errors.New("missing fields")))
	summary.Usage = domain.TokenUsage{PromptTokens: 900, CompletionTokens: 100, TotalTokens: 1000}
	summary.CostEUR = 0.0123
	return summary
}

func TestSaveRunWritesHeaderAndOutcomesInOneTx(t *testing.T) {
	archive, mock, done := newArchiveWithMock(t)
	defer done()

	summary := sampleSummary()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").
		WithArgs(summary.RunID, summary.Model, summary.DryRun, summary.StartedAt, summary.FinishedAt,
			summary.Scanned, summary.Updated, summary.Skipped, summary.Errored,
			summary.Usage.PromptTokens, summary.Usage.CompletionTokens, summary.Usage.TotalTokens,
			summary.CostEUR, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_documents").
		WithArgs(summary.RunID, 11, "Rechnung Strom", "updated", "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_documents").
		WithArgs(summary.RunID, 12, "Unbekannt", "errored", "", "SchemaViolation", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := archive.SaveRun(context.Background(), summary); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveRunRollsBackWhenOutcomeInsertFails(t *testing.T) {
	archive, mock, done := newArchiveWithMock(t)
	defer done()

	summary := sampleSummary()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_documents").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if err := archive.SaveRun(context.Background(), summary); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	archive, mock, done := newArchiveWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS runs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := archive.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
