package ports

import (
	"context"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

// DocumentQuery narrows the candidate documents fetched from the store.
type DocumentQuery struct {
	// FilterTagID restricts results to documents carrying the tag. Ignored
	// when nil.
	FilterTagID *int
	// Limit bounds the total number of documents yielded across pages.
	Limit int
}

// DocumentStore reads and mutates documents in the external
// document-management service.
type DocumentStore interface {
	// Preflight verifies the store is reachable before any work starts.
	Preflight(ctx context.Context) error
	// FetchDocuments walks the store's pages in its default ordering and
	// streams each snapshot to visit until the limit is reached, the pages
	// are exhausted, or visit returns false.
	FetchDocuments(ctx context.Context, query DocumentQuery, visit func(domain.Document) bool) error
	// UpdateDocument issues a partial update containing only the given fields.
	UpdateDocument(ctx context.Context, documentID int, patch map[string]any) error
	// UpdateTagsOnce replaces only the tag list in a single attempt, without
	// retries or payload fallbacks. Used to mark documents on the failure path.
	UpdateTagsOnce(ctx context.Context, documentID int, tagIDs []int) error
	// DownloadOriginal fetches the stored source file for local text
	// extraction when the store holds no OCR content.
	DownloadOriginal(ctx context.Context, documentID int) ([]byte, error)
}

// EntityStore reads and creates taxonomy entities.
type EntityStore interface {
	// ListEntities returns the display-label→id mapping of one kind. Labels
	// keep the store's original casing.
	ListEntities(ctx context.Context, kind domain.EntityKind) (map[string]int, error)
	// CreateEntity creates a named entity and returns its id.
	CreateEntity(ctx context.Context, kind domain.EntityKind, name string) (int, error)
}

// NoteStore appends notes to documents. Note creation may duplicate on retry,
// which is acceptable: notes are additive history.
type NoteStore interface {
	AddNote(ctx context.Context, documentID int, note string) error
}

// Classifier sends a built prompt to the model endpoint and returns the raw
// JSON answer text together with token usage.
type Classifier interface {
	Classify(ctx context.Context, systemPrompt, userPrompt string) (string, domain.TokenUsage, error)
	// VerifyTokenBudget optionally checks the provider's remaining token
	// budget before a run starts.
	VerifyTokenBudget(ctx context.Context) error
}

// TextExtractor recovers plain text from a downloaded source file.
type TextExtractor interface {
	Extract(ctx context.Context, content []byte) (string, error)
}

// QuarantineStore persists failure cooldowns and cached patches between runs.
type QuarantineStore interface {
	Load(ctx context.Context) (domain.QuarantineState, error)
	Save(ctx context.Context, state domain.QuarantineState) error
}

// MetricsStore persists last-run and lifetime token/cost metrics.
type MetricsStore interface {
	Load(ctx context.Context) (domain.RunMetrics, error)
	Save(ctx context.Context, metrics domain.RunMetrics) error
}

// RunArchive keeps a durable history of finished runs. Optional; a nil
// archive disables it.
type RunArchive interface {
	SaveRun(ctx context.Context, summary *domain.RunSummary) error
}

// ReportWriter renders a finished run into an external report artifact.
type ReportWriter interface {
	WriteReport(summary *domain.RunSummary) error
}
