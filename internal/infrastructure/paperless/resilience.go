package paperless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/paperless-kiplus/sorter/internal/infrastructure/resilience"
)

// StatusError carries the HTTP status of a failed store call so the retry
// classifier and the 500-fallback cascade can inspect it.
type StatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	hint := setupHint(e.StatusCode, e.Operation, e.Body)
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("paperless %s status: %s%s", e.Operation, e.Status, hint)
	}
	return fmt.Sprintf("paperless %s status: %s: %s%s", e.Operation, e.Status, strings.TrimSpace(e.Body), hint)
}

// setupHint annotates the status codes that almost always mean a deployment
// problem rather than a transient fault.
func setupHint(statusCode int, operation, body string) string {
	switch statusCode {
	case http.StatusBadRequest:
		if strings.HasPrefix(operation, "create storage_path") ||
			(strings.Contains(body, `"path"`) || strings.Contains(body, `"name"`)) && strings.Contains(operation, "storage_path") {
			return " | hint: storage-path creation expects different fields ('path' or 'name') depending on the Paperless version"
		}
		return " | hint: HTTP 400 from Paperless often points at a wrong paperless_url or host/proxy setup (PAPERLESS_URL, ALLOWED_HOSTS, reverse-proxy host header)"
	case http.StatusNotAcceptable:
		return " | hint: HTTP 406 usually comes from an upstream proxy/WAF for certain paths or headers"
	default:
		return ""
	}
}

func newStatusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

// ClassifyStoreError decides retry behavior for Paperless calls: network
// faults and 408/429/5xx retry, other client errors fail fast.
func ClassifyStoreError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if retryableStatus(statusErr.StatusCode) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func retryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
