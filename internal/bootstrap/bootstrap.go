// Package bootstrap wires configuration, adapters and the pipeline into a
// runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/paperless-kiplus/sorter/internal/config"
	"github.com/paperless-kiplus/sorter/internal/core/ports"
	"github.com/paperless-kiplus/sorter/internal/core/usecase"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/extractor/pdftext"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/llm/openai"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/paperless"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/report/xlsx"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/repository/postgres"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/resilience"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/storage/statefile"
)

type App struct {
	Config   config.Config
	Pipeline ports.PipelineRunner

	closeFn func()
}

// Options carries runtime wiring that is not part of the config file.
type Options struct {
	Logger *slog.Logger
	Output io.Writer
}

func New(ctx context.Context, cfg config.Config, options Options) (*App, error) {
	executor := resilience.NewExecutor(resilience.DefaultPolicy())
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	store := paperless.New(cfg.PaperlessURL, cfg.PaperlessToken, timeout, executor)

	classifier := openai.New(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, openai.Options{
		RequestTimeout:      timeout,
		RatePerMinute:       cfg.AIRateLimitPerMinute,
		EnableTokenPrecheck: cfg.EnableTokenPrecheck,
		MinRemainingTokens:  cfg.MinRemainingTokens,
		Executor:            executor,
	})

	var quarantine ports.QuarantineStore
	if cfg.QuarantineFailedDocuments {
		quarantine = statefile.NewQuarantineFile(cfg.FailedDocumentsFile, cfg.FailedPatchCacheFile)
	}

	var metricsStore ports.MetricsStore
	if cfg.MetricsFile != "" {
		metricsStore = statefile.NewMetricsFile(cfg.MetricsFile)
	}

	var archive ports.RunArchive
	closeFn := func() {}
	if cfg.ArchiveDSN != "" {
		db, err := postgres.OpenDB(cfg.ArchiveDSN)
		if err != nil {
			return nil, fmt.Errorf("open archive db: %w", err)
		}
		runArchive := postgres.NewRunArchive(db)
		if err := runArchive.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure archive schema: %w", err)
		}
		archive = runArchive
		closeFn = func() { _ = db.Close() }
	}

	var report ports.ReportWriter
	if cfg.ReportFile != "" {
		report = xlsx.New(cfg.ReportFile)
	}

	prompt := usecase.NewPromptBuilder(cfg.CustomPromptInstructions, cfg.BasisConfig, cfg.IncludeExistingEntitiesInPrompt)

	pipeline := usecase.NewPipeline(
		usecase.RunnerConfig{
			Model:                 cfg.AIModel,
			DryRun:                cfg.DryRun,
			CreateMissingEntities: cfg.CreateMissingEntities,
			ConfidenceThreshold:   cfg.ConfidenceThreshold,
			MaxDocuments:          cfg.MaxDocuments,
			ProcessOnlyTag:        cfg.ProcessOnlyTag,
			Guardrails:            cfg.BasisConfig.Guardrails,
			EnableNotes:           cfg.EnableAINotes,
			NotesMaxChars:         cfg.AINotesMaxChars,
			NoteSummaryEnabled:    cfg.EnableAINoteSummary,
			NoteSummaryMaxChars:   cfg.AINoteSummaryMaxChars,
			InputCostPer1kEUR:     cfg.InputCostPer1kTokensEUR,
			OutputCostPer1kEUR:    cfg.OutputCostPer1kTokensEUR,
			QuarantineEnabled:     cfg.QuarantineFailedDocuments,
			FailedCooldown:        time.Duration(cfg.FailedDocumentCooldownHours) * time.Hour,
			TagsOnlyCooldown:      time.Duration(cfg.FailedTagsOnlyCooldownHours) * time.Hour,
		},
		usecase.Dependencies{
			Documents:  store,
			Entities:   store,
			Notes:      store,
			Classifier: classifier,
			Extractor:  pdftext.New(0),
			Quarantine: quarantine,
			Metrics:    metricsStore,
			Archive:    archive,
			Report:     report,
			Prompt:     prompt,
			Output:     options.Output,
			Logger:     options.Logger,
		},
	)

	return &App{
		Config:   cfg,
		Pipeline: pipeline,
		closeFn:  closeFn,
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
