package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
	"github.com/paperless-kiplus/sorter/internal/core/ports"
)

const (
	processedTagName = "KI"
	errorTagName     = "KI_FEHLER"
	pendingTagName   = "#NEU"
)

// RunnerConfig carries the per-run behavior knobs, resolved from the config
// file before the pipeline is built.
type RunnerConfig struct {
	Model                 string
	DryRun                bool
	CreateMissingEntities bool
	ConfidenceThreshold   float64
	MaxDocuments          int
	ProcessOnlyTag        string
	Guardrails            domain.Guardrails

	EnableNotes         bool
	NotesMaxChars       int
	NoteSummaryEnabled  bool
	NoteSummaryMaxChars int

	InputCostPer1kEUR  float64
	OutputCostPer1kEUR float64

	QuarantineEnabled bool
	FailedCooldown    time.Duration
	TagsOnlyCooldown  time.Duration
}

// Dependencies bundles the outbound ports the pipeline drives. Archive and
// Report may be nil; the corresponding step is skipped.
type Dependencies struct {
	Documents  ports.DocumentStore
	Entities   ports.EntityStore
	Notes      ports.NoteStore
	Classifier ports.Classifier
	Extractor  ports.TextExtractor
	Quarantine ports.QuarantineStore
	Metrics    ports.MetricsStore
	Archive    ports.RunArchive
	Report     ports.ReportWriter

	Prompt *PromptBuilder
	Output io.Writer
	Logger *slog.Logger
	Now    func() time.Time
}

// Pipeline implements one full classification run: fetch candidates, classify
// each through the model, resolve names to store ids, and apply the resulting
// patches. All state lives in the run, so the same Pipeline may execute runs
// sequentially.
type Pipeline struct {
	cfg  RunnerConfig
	deps Dependencies
	log  *slog.Logger
	now  func() time.Time
}

func NewPipeline(cfg RunnerConfig, deps Dependencies) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Output == nil {
		deps.Output = io.Discard
	}
	return &Pipeline{cfg: cfg, deps: deps, log: logger, now: now}
}

// runState holds everything resolved during one run's setup phase.
type runState struct {
	cache    *TaxonomyCache
	resolver *EntityResolver
	notes    *NoteBuilder
	rules    TagRules

	errorTagID  *int
	filterTagID *int

	quarantine domain.QuarantineState

	dryRun       bool
	allDocuments bool
	maxDocuments int
}

// Run executes one pipeline pass. A returned error means the run could not
// start or finish at all; per-document failures are reported inside the
// summary instead.
func (p *Pipeline) Run(ctx context.Context, overrides ports.RunOverrides) (*domain.RunSummary, error) {
	summary := &domain.RunSummary{
		RunID:     uuid.NewString(),
		Model:     p.cfg.Model,
		StartedAt: p.now(),
	}

	state, err := p.prepare(ctx, overrides, summary)
	if err != nil {
		return nil, err
	}
	if state == nil {
		p.finish(ctx, summary, nil)
		return summary, nil
	}
	summary.DryRun = state.dryRun

	p.log.Info("run started",
		"run_id", summary.RunID,
		"model", summary.Model,
		"dry_run", state.dryRun,
		"max_documents", state.maxDocuments)

	docs, err := p.fetch(ctx, state)
	if err != nil {
		return nil, err
	}

	for _, doc := range docs {
		if ctx.Err() != nil {
			p.log.Warn("run interrupted", "run_id", summary.RunID, "processed", summary.Scanned)
			break
		}
		p.processDocument(ctx, doc, state, summary)
	}

	p.finish(ctx, summary, &state.quarantine)
	return summary, nil
}

// prepare resolves overrides, verifies the model and store are reachable and
// loads the taxonomy. A (nil, nil) return means the run ends immediately with
// an empty summary, such as when the configured filter tag does not exist.
func (p *Pipeline) prepare(ctx context.Context, overrides ports.RunOverrides, summary *domain.RunSummary) (*runState, error) {
	state := &runState{
		dryRun:       p.cfg.DryRun,
		maxDocuments: p.cfg.MaxDocuments,
		quarantine:   domain.NewQuarantineState(),
	}
	if overrides.DryRun != nil {
		state.dryRun = *overrides.DryRun
	}
	if overrides.AllDocuments != nil {
		state.allDocuments = *overrides.AllDocuments
	}
	if overrides.MaxDocuments != nil && *overrides.MaxDocuments > 0 {
		state.maxDocuments = *overrides.MaxDocuments
	}

	if err := p.deps.Classifier.VerifyTokenBudget(ctx); err != nil {
		return nil, err
	}
	if err := p.deps.Documents.Preflight(ctx); err != nil {
		return nil, err
	}

	state.cache = NewTaxonomyCache(p.deps.Entities)
	if err := state.cache.Load(ctx); err != nil {
		return nil, err
	}
	// Record creations the moment they happen. A later write failure must
	// not erase entities that already exist in the store.
	state.cache.OnCreate(func(entity domain.CreatedEntity) {
		summary.RecordCreated([]domain.CreatedEntity{entity})
	})
	if p.deps.Prompt != nil {
		p.deps.Prompt.SetKnownEntities(
			state.cache.Names(domain.KindDocumentType),
			state.cache.Names(domain.KindCorrespondent),
			state.cache.Names(domain.KindStoragePath),
		)
	}

	mode := CreateDisabled
	if p.cfg.CreateMissingEntities {
		mode = CreateInStore
		if state.dryRun {
			mode = CreateVirtual
		}
	}
	state.resolver = NewEntityResolver(state.cache, mode)
	state.notes = NewNoteBuilder(state.cache, p.cfg.NotesMaxChars, p.cfg.NoteSummaryEnabled, p.cfg.NoteSummaryMaxChars)

	state.rules.ProcessedTagID = p.markerTag(ctx, state, processedTagName, mode)
	state.errorTagID = p.markerTag(ctx, state, errorTagName, mode)
	if id, ok := state.cache.Lookup(domain.KindTag, pendingTagName); ok {
		state.rules.PendingTagID = &id
	}

	if p.cfg.ProcessOnlyTag != "" && !state.allDocuments {
		id, ok := state.cache.Lookup(domain.KindTag, p.cfg.ProcessOnlyTag)
		if !ok {
			p.log.Warn("configured filter tag does not exist, nothing to process",
				"tag", p.cfg.ProcessOnlyTag)
			summary.DryRun = state.dryRun
			return nil, nil
		}
		state.filterTagID = &id
	}

	if p.cfg.QuarantineEnabled && p.deps.Quarantine != nil {
		loaded, err := p.deps.Quarantine.Load(ctx)
		if err != nil {
			p.log.Warn("quarantine state unreadable, starting empty", "error", err)
		} else {
			state.quarantine = loaded
		}
		state.quarantine.Prune(p.now())
	}

	return state, nil
}

// markerTag resolves one of the fixed marker tags, creating it when entity
// creation is allowed. A missing marker disables its rule for the run.
func (p *Pipeline) markerTag(ctx context.Context, state *runState, name string, mode CreateMode) *int {
	if id, ok := state.cache.Lookup(domain.KindTag, name); ok {
		return &id
	}
	if mode == CreateDisabled {
		p.log.Warn("marker tag missing and entity creation disabled", "tag", name)
		return nil
	}
	id, _, err := state.cache.ResolveOrCreate(ctx, domain.KindTag, name, mode)
	if err != nil {
		p.log.Warn("marker tag could not be created", "tag", name, "error", err)
		return nil
	}
	return &id
}

func (p *Pipeline) fetch(ctx context.Context, state *runState) ([]domain.Document, error) {
	query := ports.DocumentQuery{
		FilterTagID: state.filterTagID,
		Limit:       state.maxDocuments,
	}
	var docs []domain.Document
	err := p.deps.Documents.FetchDocuments(ctx, query, func(doc domain.Document) bool {
		docs = append(docs, doc)
		return true
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (p *Pipeline) processDocument(ctx context.Context, doc domain.Document, state *runState, summary *domain.RunSummary) {
	summary.Scanned++
	log := p.log.With("document_id", doc.ID, "title", doc.Title)

	if until, blocked := state.quarantine.Blocked(doc.ID, p.now()); blocked {
		log.Info("document quarantined after earlier failure", "retry_after", until)
		summary.RecordSkip(doc.ID, doc.Title, domain.SkipQuarantined)
		return
	}

	if p.replayCachedPatch(ctx, doc, state, summary, log) {
		return
	}

	if state.filterTagID != nil {
		if _, tagged := doc.TagSet()[*state.filterTagID]; !tagged {
			summary.RecordSkip(doc.ID, doc.Title, domain.SkipTagFiltered)
			return
		}
	}

	// Without a filter tag the only signal that a document was handled
	// before is that it already carries a type and tags.
	if state.filterTagID == nil && !state.allDocuments &&
		doc.DocumentType != nil && len(doc.Tags) > 0 {
		summary.RecordSkip(doc.ID, doc.Title, domain.SkipAlreadyClassified)
		return
	}

	if strings.TrimSpace(doc.Content) == "" {
		text, ok := p.recoverText(ctx, doc, log)
		if !ok {
			summary.RecordSkip(doc.ID, doc.Title, domain.SkipNoText)
			return
		}
		doc.Content = text
	}

	systemPrompt, userPrompt := p.deps.Prompt.Build(doc)
	answer, usage, err := p.deps.Classifier.Classify(ctx, systemPrompt, userPrompt)
	summary.AddUsage(usage, p.cfg.InputCostPer1kEUR, p.cfg.OutputCostPer1kEUR)
	if err != nil {
		p.handleFailure(ctx, doc, err, answer, nil, state, summary, log)
		return
	}

	result, err := ValidateClassification(answer, p.cfg.ConfidenceThreshold, p.cfg.Guardrails)
	if err != nil {
		if domain.IsKind(err, domain.ErrLowConfidence) {
			log.Info("classification below confidence threshold", "detail", err.Error())
			summary.RecordSkip(doc.ID, doc.Title, domain.SkipLowConfidence)
			return
		}
		p.handleFailure(ctx, doc, err, answer, nil, state, summary, log)
		return
	}

	resolved, err := state.resolver.Resolve(ctx, result)
	if err != nil {
		p.handleFailure(ctx, doc, err, answer, nil, state, summary, log)
		return
	}

	change := ComputeChangeSet(doc, resolved, state.rules)
	if change.Empty() {
		log.Info("document already matches the proposed classification")
		summary.RecordSkip(doc.ID, doc.Title, domain.SkipNoOp)
		return
	}

	if state.dryRun {
		RenderChangeTable(p.deps.Output, doc, change, state.cache)
		summary.RecordUpdated(doc.ID, doc.Title)
		return
	}

	if err := p.deps.Documents.UpdateDocument(ctx, doc.ID, change.Patch()); err != nil {
		p.handleFailure(ctx, doc, err, answer, change, state, summary, log)
		return
	}

	summary.RecordUpdated(doc.ID, doc.Title)
	state.quarantine.Clear(doc.ID)
	log.Info("document updated", "fields", change.Fields())

	if p.cfg.EnableNotes {
		note := state.notes.BuildUpdateNote(result, change, p.now())
		if err := p.deps.Notes.AddNote(ctx, doc.ID, note); err != nil {
			log.Warn("audit note could not be added", "error", err)
		}
	}
}

// replayCachedPatch retries a tags-only patch that a previous run cached
// after the store rejected the full update. Returns true when the document is
// consumed either way.
func (p *Pipeline) replayCachedPatch(ctx context.Context, doc domain.Document, state *runState, summary *domain.RunSummary, log *slog.Logger) bool {
	patch, ok := state.quarantine.PatchCache[doc.ID]
	if !ok {
		return false
	}
	if state.dryRun {
		log.Info("cached patch pending, left untouched in dry run")
		summary.RecordSkip(doc.ID, doc.Title, domain.SkipQuarantined)
		return true
	}

	log.Info("replaying cached patch from earlier failed run")
	if err := p.deps.Documents.UpdateDocument(ctx, doc.ID, patch); err != nil {
		log.Warn("cached patch replay failed", "error", err)
		state.quarantine.Block(doc.ID, p.now().Add(p.tagsOnlyCooldown()))
		summary.RecordError(doc.ID, doc.Title, err)
		return true
	}
	state.quarantine.Clear(doc.ID)
	summary.RecordUpdated(doc.ID, doc.Title)
	return true
}

// recoverText downloads the original file and extracts text locally when the
// store holds no OCR content for the document.
func (p *Pipeline) recoverText(ctx context.Context, doc domain.Document, log *slog.Logger) (string, bool) {
	if p.deps.Extractor == nil {
		log.Info("document has no text content")
		return "", false
	}
	raw, err := p.deps.Documents.DownloadOriginal(ctx, doc.ID)
	if err != nil {
		log.Warn("original file download failed", "error", err)
		return "", false
	}
	text, err := p.deps.Extractor.Extract(ctx, raw)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Info("no text recoverable from original file", "error", err)
		return "", false
	}
	log.Info("text recovered from original file", "chars", len(text))
	return text, true
}

// handleFailure runs the per-document error protocol: record the outcome,
// quarantine the document, mark it with the error tags and leave an error
// note. Everything here is best effort; the pipeline continues regardless.
func (p *Pipeline) handleFailure(ctx context.Context, doc domain.Document, cause error, rawAnswer string, change *domain.ChangeSet, state *runState, summary *domain.RunSummary, log *slog.Logger) {
	log.Error("document processing failed", "kind", domain.ErrorKind(cause), "error", cause)
	summary.RecordError(doc.ID, doc.Title, cause)

	if p.cfg.QuarantineEnabled {
		cooldown := p.failedCooldown()
		if change != nil && change.Tags != nil && domain.IsKind(cause, domain.ErrWriteFailed) {
			// The store rejected the content fields but a tags-only patch may
			// still land. Cache it for replay and back off longer.
			state.quarantine.PatchCache[doc.ID] = map[string]any{"tags": change.Tags.Final}
			cooldown = p.tagsOnlyCooldown()
		}
		state.quarantine.Block(doc.ID, p.now().Add(cooldown))
	}

	if state.dryRun {
		return
	}

	p.markFailed(ctx, doc, state, log)

	if p.cfg.EnableNotes {
		note := state.notes.BuildErrorNote(cause, rawAnswer, p.now())
		if err := p.deps.Notes.AddNote(ctx, doc.ID, note); err != nil {
			log.Warn("error note could not be added", "error", err)
		}
	}
}

// markFailed tags the document so it leaves the pending queue and becomes
// visible as failed: error and processed markers on, pending marker off.
func (p *Pipeline) markFailed(ctx context.Context, doc domain.Document, state *runState, log *slog.Logger) {
	if state.errorTagID == nil {
		return
	}
	tags := make(map[int]bool, len(doc.Tags)+2)
	for _, id := range doc.Tags {
		tags[id] = true
	}
	tags[*state.errorTagID] = true
	if state.rules.ProcessedTagID != nil {
		tags[*state.rules.ProcessedTagID] = true
	}
	if state.rules.PendingTagID != nil {
		delete(tags, *state.rules.PendingTagID)
	}
	final := make([]int, 0, len(tags))
	for id := range tags {
		final = append(final, id)
	}
	if err := p.deps.Documents.UpdateTagsOnce(ctx, doc.ID, final); err != nil {
		log.Warn("error marker tags could not be written", "error", err)
	}
}

// finish persists run artifacts: quarantine state, the metrics file, the run
// archive and the report. Failures degrade to warnings since the run itself
// already completed.
func (p *Pipeline) finish(ctx context.Context, summary *domain.RunSummary, quarantine *domain.QuarantineState) {
	summary.FinishedAt = p.now()

	if p.cfg.QuarantineEnabled && p.deps.Quarantine != nil && quarantine != nil {
		if err := p.deps.Quarantine.Save(ctx, *quarantine); err != nil {
			p.log.Warn("quarantine state could not be saved", "error", err)
		}
	}

	if p.deps.Metrics != nil {
		previous, err := p.deps.Metrics.Load(ctx)
		if err != nil {
			p.log.Warn("metrics file unreadable, restarting totals", "error", err)
			previous = domain.RunMetrics{}
		}
		folded := previous.Fold(summary, summary.FinishedAt.Format(time.RFC3339))
		if err := p.deps.Metrics.Save(ctx, folded); err != nil {
			p.log.Warn("metrics file could not be saved", "error", err)
		}
	}

	if p.deps.Archive != nil {
		if err := p.deps.Archive.SaveRun(ctx, summary); err != nil {
			p.log.Warn("run archive write failed", "error", err)
		}
	}
	if p.deps.Report != nil {
		if err := p.deps.Report.WriteReport(summary); err != nil {
			p.log.Warn("run report write failed", "error", err)
		}
	}

	RenderRunSummary(p.deps.Output, summary)
	p.log.Info("run finished",
		"run_id", summary.RunID,
		"scanned", summary.Scanned,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"errored", summary.Errored,
		"total_tokens", summary.Usage.TotalTokens,
		"cost_eur", fmt.Sprintf("%.4f", summary.CostEUR))
}

func (p *Pipeline) failedCooldown() time.Duration {
	if p.cfg.FailedCooldown > 0 {
		return p.cfg.FailedCooldown
	}
	return 24 * time.Hour
}

func (p *Pipeline) tagsOnlyCooldown() time.Duration {
	if p.cfg.TagsOnlyCooldown > 0 {
		return p.cfg.TagsOnlyCooldown
	}
	return 7 * 24 * time.Hour
}
