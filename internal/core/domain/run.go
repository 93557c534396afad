package domain

import "time"

type Outcome string

const (
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeErrored Outcome = "errored"
)

type SkipReason string

const (
	SkipNoOp              SkipReason = "no-op"
	SkipLowConfidence     SkipReason = "low-confidence"
	SkipTagFiltered       SkipReason = "tag-filtered"
	SkipAlreadyClassified SkipReason = "already-classified"
	SkipQuarantined       SkipReason = "quarantined"
	SkipNoText            SkipReason = "no-text"
)

type DocumentOutcome struct {
	DocumentID int        `json:"document_id"`
	Title      string     `json:"title"`
	Outcome    Outcome    `json:"outcome"`
	SkipReason SkipReason `json:"skip_reason,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// RunSummary accumulates per-document outcomes for one pipeline run. It is a
// value threaded through the loop, never ambient state, so a partial summary
// stays meaningful when a run is cut short.
type RunSummary struct {
	RunID      string
	Model      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time

	Scanned int
	Updated int
	Skipped int
	Errored int

	Outcomes []DocumentOutcome
	Created  []CreatedEntity
	Usage    TokenUsage
	CostEUR  float64
}

func (s *RunSummary) RecordUpdated(id int, title string) {
	s.Updated++
	s.Outcomes = append(s.Outcomes, DocumentOutcome{
		DocumentID: id,
		Title:      title,
		Outcome:    OutcomeUpdated,
	})
}

func (s *RunSummary) RecordSkip(id int, title string, reason SkipReason) {
	s.Skipped++
	s.Outcomes = append(s.Outcomes, DocumentOutcome{
		DocumentID: id,
		Title:      title,
		Outcome:    OutcomeSkipped,
		SkipReason: reason,
	})
}

func (s *RunSummary) RecordError(id int, title string, err error) {
	s.Errored++
	s.Outcomes = append(s.Outcomes, DocumentOutcome{
		DocumentID: id,
		Title:      title,
		Outcome:    OutcomeErrored,
		ErrorKind:  ErrorKind(err),
		Message:    err.Error(),
	})
}

func (s *RunSummary) RecordCreated(entities []CreatedEntity) {
	s.Created = append(s.Created, entities...)
}

// AddUsage folds token usage into the run totals and prices it per the
// configured EUR rates per 1k tokens.
func (s *RunSummary) AddUsage(usage TokenUsage, inputCostPer1k, outputCostPer1k float64) {
	s.Usage = s.Usage.Add(usage)
	s.CostEUR += float64(usage.PromptTokens)/1000.0*inputCostPer1k +
		float64(usage.CompletionTokens)/1000.0*outputCostPer1k
}

// Errors returns only the errored outcomes.
func (s *RunSummary) Errors() []DocumentOutcome {
	var out []DocumentOutcome
	for _, o := range s.Outcomes {
		if o.Outcome == OutcomeErrored {
			out = append(out, o)
		}
	}
	return out
}

// CreatedByKind groups newly created entity names per taxonomy kind.
func (s *RunSummary) CreatedByKind() map[EntityKind][]string {
	grouped := make(map[EntityKind][]string)
	for _, c := range s.Created {
		grouped[c.Kind] = append(grouped[c.Kind], c.Name)
	}
	return grouped
}
