package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

type Config struct {
	PaperlessURL   string `yaml:"paperless_url"`
	PaperlessToken string `yaml:"paperless_token"`

	AIAPIKey  string `yaml:"ai_api_key"`
	AIModel   string `yaml:"ai_model"`
	AIBaseURL string `yaml:"ai_base_url"`

	MaxDocuments          int     `yaml:"max_documents"`
	DryRun                bool    `yaml:"dry_run"`
	CreateMissingEntities bool    `yaml:"create_missing_entities"`
	ConfidenceThreshold   float64 `yaml:"confidence_threshold"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	LogLevel              string  `yaml:"log_level"`

	EnableTokenPrecheck  bool `yaml:"enable_token_precheck"`
	MinRemainingTokens   int  `yaml:"min_remaining_tokens"`
	AIRateLimitPerMinute int  `yaml:"ai_rate_limit_per_minute"`

	CustomPromptInstructions        string             `yaml:"custom_prompt_instructions"`
	BasisConfig                     domain.BasisConfig `yaml:"basis_config"`
	ProcessOnlyTag                  string             `yaml:"process_only_tag"`
	IncludeExistingEntitiesInPrompt bool               `yaml:"include_existing_entities_in_prompt"`

	EnableAINotes         bool `yaml:"enable_ai_notes"`
	AINotesMaxChars       int  `yaml:"ai_notes_max_chars"`
	EnableAINoteSummary   bool `yaml:"enable_ai_note_summary"`
	AINoteSummaryMaxChars int  `yaml:"ai_note_summary_max_chars"`

	MetricsFile              string  `yaml:"metrics_file"`
	InputCostPer1kTokensEUR  float64 `yaml:"input_cost_per_1k_tokens_eur"`
	OutputCostPer1kTokensEUR float64 `yaml:"output_cost_per_1k_tokens_eur"`

	QuarantineFailedDocuments   bool   `yaml:"quarantine_failed_documents"`
	FailedDocumentCooldownHours int    `yaml:"failed_document_cooldown_hours"`
	FailedDocumentsFile         string `yaml:"failed_documents_file"`
	FailedTagsOnlyCooldownHours int    `yaml:"failed_tags_only_cooldown_hours"`
	FailedPatchCacheFile        string `yaml:"failed_patch_cache_file"`

	ReportFile string `yaml:"report_file"`
	ArchiveDSN string `yaml:"archive_dsn"`

	Trigger TriggerConfig `yaml:"trigger"`
}

// TriggerConfig configures the NATS run-trigger surface of cmd/worker.
type TriggerConfig struct {
	NATSURL         string `yaml:"nats_url"`
	Subject         string `yaml:"subject"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
	MetricsPort     string `yaml:"metrics_port"`
}

// Default returns the configuration before the YAML file is applied, so
// absent keys keep the same defaults the original deployment used.
func Default() Config {
	return Config{
		AIBaseURL:                       "https://api.openai.com/v1",
		MaxDocuments:                    25,
		CreateMissingEntities:           true,
		ConfidenceThreshold:             0.70,
		RequestTimeoutSeconds:           30,
		LogLevel:                        "info",
		MinRemainingTokens:              1500,
		IncludeExistingEntitiesInPrompt: true,
		EnableAINotes:                   true,
		AINotesMaxChars:                 800,
		EnableAINoteSummary:             true,
		AINoteSummaryMaxChars:           220,
		MetricsFile:                     "run_metrics.json",
		QuarantineFailedDocuments:       true,
		FailedDocumentCooldownHours:     24,
		FailedDocumentsFile:             "failed_documents.json",
		FailedTagsOnlyCooldownHours:     168,
		FailedPatchCacheFile:            "failed_patch_cache.json",
		Trigger: TriggerConfig{
			Subject:         "paperless.sorter.run",
			CooldownSeconds: 900,
			MetricsPort:     "9090",
		},
	}
}

// Load reads and validates the YAML configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, domain.WrapError(domain.ErrConfig, "read config file", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, domain.WrapError(domain.ErrConfig, "parse config yaml", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.PaperlessURL = strings.TrimRight(strings.TrimSpace(c.PaperlessURL), "/")
	c.AIBaseURL = strings.TrimRight(strings.TrimSpace(c.AIBaseURL), "/")
	c.CustomPromptInstructions = strings.TrimSpace(c.CustomPromptInstructions)
	c.ProcessOnlyTag = strings.TrimSpace(c.ProcessOnlyTag)
	c.MetricsFile = strings.TrimSpace(c.MetricsFile)
	c.FailedDocumentsFile = strings.TrimSpace(c.FailedDocumentsFile)
	c.FailedPatchCacheFile = strings.TrimSpace(c.FailedPatchCacheFile)
}

func (c *Config) Validate() error {
	var missing []string
	if c.PaperlessURL == "" {
		missing = append(missing, "paperless_url")
	}
	if c.PaperlessToken == "" {
		missing = append(missing, "paperless_token")
	}
	if c.AIAPIKey == "" {
		missing = append(missing, "ai_api_key")
	}
	if c.AIModel == "" {
		missing = append(missing, "ai_model")
	}
	if len(missing) > 0 {
		return domain.WrapError(domain.ErrConfig, "validate config",
			fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")))
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return domain.WrapError(domain.ErrConfig, "validate config",
			errors.New("confidence_threshold must be within [0,1]"))
	}
	if c.MaxDocuments <= 0 {
		return domain.WrapError(domain.ErrConfig, "validate config",
			errors.New("max_documents must be positive"))
	}
	if c.RequestTimeoutSeconds <= 0 {
		return domain.WrapError(domain.ErrConfig, "validate config",
			errors.New("request_timeout_seconds must be positive"))
	}
	return nil
}
