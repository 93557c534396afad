package ports

import (
	"context"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

// RunOverrides carries per-invocation parameter overrides from the CLI or the
// run-trigger surface. Nil fields fall back to the configured defaults.
type RunOverrides struct {
	DryRun       *bool `json:"dry_run,omitempty"`
	AllDocuments *bool `json:"all_documents,omitempty"`
	MaxDocuments *int  `json:"max_documents,omitempty"`
}

// PipelineRunner is the inbound contract for one classification run.
type PipelineRunner interface {
	Run(ctx context.Context, overrides RunOverrides) (*domain.RunSummary, error)
}

// TriggerRequest is the payload accepted by the host automation's run
// trigger.
type TriggerRequest struct {
	Force bool `json:"force,omitempty"`
	Wait  bool `json:"wait,omitempty"`
	RunOverrides
}

// TriggerResult reports what a trigger invocation did.
type TriggerResult struct {
	Status  string             `json:"status"`
	Message string             `json:"message,omitempty"`
	Summary *domain.RunSummary `json:"summary,omitempty"`
}

// RunTrigger is the invocable entry point used by a host scheduling layer.
type RunTrigger interface {
	Subscribe(ctx context.Context, handle func(context.Context, TriggerRequest) TriggerResult) error
}
