package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

// requiredFields must be present in every model answer.
var requiredFields = []string{"document_type", "correspondent", "storage_path", "tags", "confidence"}

// ValidateClassification is the single boundary between the model's
// untrusted JSON answer and the typed pipeline. Everything downstream may
// assume the returned result is well-formed.
func ValidateClassification(raw string, confidenceThreshold float64, guardrails domain.Guardrails) (domain.ClassificationResult, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return domain.ClassificationResult{}, domain.WrapError(domain.ErrMalformedResponse, "parse model answer", err)
	}

	var missing []string
	for _, field := range requiredFields {
		if _, ok := payload[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return domain.ClassificationResult{}, domain.WrapError(domain.ErrSchemaViolation, "validate model answer",
			fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")))
	}

	result := domain.ClassificationResult{}
	var err error
	if result.DocumentType, err = stringField(payload, "document_type"); err != nil {
		return domain.ClassificationResult{}, err
	}
	if result.Correspondent, err = stringField(payload, "correspondent"); err != nil {
		return domain.ClassificationResult{}, err
	}
	if result.StoragePath, err = stringField(payload, "storage_path"); err != nil {
		return domain.ClassificationResult{}, err
	}
	if result.Summary, err = stringField(payload, "summary"); err != nil {
		return domain.ClassificationResult{}, err
	}
	if result.Rationale, err = stringField(payload, "rationale"); err != nil {
		return domain.ClassificationResult{}, err
	}

	tags, err := tagList(payload["tags"])
	if err != nil {
		return domain.ClassificationResult{}, err
	}
	result.Tags = tags

	confidence, ok := payload["confidence"].(float64)
	if !ok {
		return domain.ClassificationResult{}, domain.WrapError(domain.ErrSchemaViolation, "validate model answer",
			errors.New("'confidence' must be numeric"))
	}
	if confidence < 0 || confidence > 1 {
		return domain.ClassificationResult{}, domain.WrapError(domain.ErrSchemaViolation, "validate model answer",
			fmt.Errorf("'confidence' %v outside [0,1]", confidence))
	}
	result.Confidence = confidence

	rawDate, err := stringField(payload, "document_date")
	if err != nil {
		return domain.ClassificationResult{}, err
	}
	if rawDate != "" {
		date, dateErr := NormalizeISODate(rawDate)
		if dateErr != nil {
			return domain.ClassificationResult{}, domain.WrapError(domain.ErrSchemaViolation, "validate model answer",
				fmt.Errorf("'document_date' %q is not an ISO date", rawDate))
		}
		result.DocumentDate = date
	}

	if confidence < confidenceThreshold {
		return domain.ClassificationResult{}, domain.WrapError(domain.ErrLowConfidence, "validate model answer",
			fmt.Errorf("confidence %.2f below threshold %.2f", confidence, confidenceThreshold))
	}

	// Guardrail: a storage path on the forbidden list is rejected outright
	// rather than silently corrected.
	if guardrails.ForbiddenPath(result.StoragePath) {
		return domain.ClassificationResult{}, domain.WrapError(domain.ErrSchemaViolation, "validate model answer",
			fmt.Errorf("storage path %q is on the forbidden assignment list", result.StoragePath))
	}

	return result, nil
}

func stringField(payload map[string]any, field string) (string, error) {
	value, ok := payload[field]
	if !ok || value == nil {
		return "", nil
	}
	text, ok := value.(string)
	if !ok {
		return "", domain.WrapError(domain.ErrSchemaViolation, "validate model answer",
			fmt.Errorf("'%s' must be a string or null", field))
	}
	return strings.TrimSpace(text), nil
}

func tagList(value any) ([]string, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, domain.WrapError(domain.ErrSchemaViolation, "validate model answer",
			errors.New("'tags' must be a list"))
	}
	tags := make([]string, 0, len(list))
	for _, item := range list {
		tag, ok := item.(string)
		if !ok {
			return nil, domain.WrapError(domain.ErrSchemaViolation, "validate model answer",
				errors.New("'tags' must be a list of strings"))
		}
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags, nil
}

// NormalizeISODate reduces ISO date and datetime strings to YYYY-MM-DD.
func NormalizeISODate(value string) (string, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		return "", nil
	}
	if idx := strings.IndexAny(candidate, "T "); idx > 0 {
		candidate = candidate[:idx]
	}
	parsed, err := time.Parse("2006-01-02", candidate)
	if err != nil {
		return "", err
	}
	return parsed.Format("2006-01-02"), nil
}
