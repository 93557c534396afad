// Package postgres keeps a durable history of finished runs for auditing and
// trend queries. The archive is optional; the pipeline runs fine without a
// database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

type RunArchive struct {
	db *sql.DB
}

func NewRunArchive(db *sql.DB) *RunArchive {
	return &RunArchive{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (a *RunArchive) EnsureSchema(ctx context.Context) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across concurrent worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026030501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	dry_run BOOLEAN NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	scanned INTEGER NOT NULL,
	updated INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	errored INTEGER NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost_eur DOUBLE PRECISION NOT NULL,
	created_entities JSONB NOT NULL DEFAULT '[]'::jsonb
);

CREATE TABLE IF NOT EXISTS run_documents (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	document_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	outcome TEXT NOT NULL,
	skip_reason TEXT,
	error_kind TEXT,
	message TEXT,
	PRIMARY KEY (run_id, document_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_documents_outcome ON run_documents(outcome);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SaveRun writes the run header and its per-document outcomes in one
// transaction so a partial archive row never exists.
func (a *RunArchive) SaveRun(ctx context.Context, summary *domain.RunSummary) error {
	createdJSON, err := json.Marshal(summary.Created)
	if err != nil {
		return fmt.Errorf("marshal created entities: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs (
	id, model, dry_run, started_at, finished_at, scanned, updated, skipped, errored,
	prompt_tokens, completion_tokens, total_tokens, cost_eur, created_entities
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`,
		summary.RunID, summary.Model, summary.DryRun, summary.StartedAt, summary.FinishedAt,
		summary.Scanned, summary.Updated, summary.Skipped, summary.Errored,
		summary.Usage.PromptTokens, summary.Usage.CompletionTokens, summary.Usage.TotalTokens,
		summary.CostEUR, createdJSON,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, outcome := range summary.Outcomes {
		_, err = tx.ExecContext(ctx, `
INSERT INTO run_documents (run_id, document_id, title, outcome, skip_reason, error_kind, message)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`,
			summary.RunID, outcome.DocumentID, outcome.Title, string(outcome.Outcome),
			string(outcome.SkipReason), outcome.ErrorKind, outcome.Message,
		)
		if err != nil {
			return fmt.Errorf("insert run document %d: %w", outcome.DocumentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}
