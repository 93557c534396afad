package domain

// RunMetrics is the persisted token/cost record consumed by the host
// automation's sensors: the most recent run plus lifetime totals.
type RunMetrics struct {
	LastRun LastRunMetrics `json:"last_run"`
	Totals  TotalMetrics   `json:"totals"`
}

type LastRunMetrics struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostEUR          float64 `json:"cost_eur"`
	FinishedAt       string  `json:"finished_at"`
	Model            string  `json:"model"`
}

type TotalMetrics struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostEUR          float64 `json:"cost_eur"`
	Runs             int     `json:"runs"`
}

// Fold merges one finished run into the lifetime totals and replaces the
// last-run block.
func (m RunMetrics) Fold(summary *RunSummary, finishedAt string) RunMetrics {
	return RunMetrics{
		LastRun: LastRunMetrics{
			PromptTokens:     summary.Usage.PromptTokens,
			CompletionTokens: summary.Usage.CompletionTokens,
			TotalTokens:      summary.Usage.TotalTokens,
			CostEUR:          summary.CostEUR,
			FinishedAt:       finishedAt,
			Model:            summary.Model,
		},
		Totals: TotalMetrics{
			PromptTokens:     m.Totals.PromptTokens + summary.Usage.PromptTokens,
			CompletionTokens: m.Totals.CompletionTokens + summary.Usage.CompletionTokens,
			TotalTokens:      m.Totals.TotalTokens + summary.Usage.TotalTokens,
			CostEUR:          m.Totals.CostEUR + summary.CostEUR,
			Runs:             m.Totals.Runs + 1,
		},
	}
}
