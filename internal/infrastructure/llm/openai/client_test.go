package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

func newTestClient(serverURL string, options Options) *Client {
	if options.RequestTimeout == 0 {
		options.RequestTimeout = time.Second
	}
	return New(serverURL, "test-key", "gpt-4o-mini", options)
}

func chatBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

func TestClassifyReturnsAnswerAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		body := chatBody(t, r)
		format, _ := body["response_format"].(map[string]any)
		if format["type"] != "json_object" {
			t.Errorf("response_format = %v", body["response_format"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "{\"document_type\": \"Rechnung\"}"}}],
			"usage": {"prompt_tokens": 900, "completion_tokens": 100, "total_tokens": 1000}
		}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, Options{})
	answer, usage, err := client.Classify(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if answer != `{"document_type": "Rechnung"}` {
		t.Errorf("answer = %q", answer)
	}
	if usage.TotalTokens != 1000 || usage.PromptTokens != 900 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestClassifyComputesTotalWhenMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "{}"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, Options{})
	_, usage, err := client.Classify(context.Background(), "s", "u")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if usage.TotalTokens != 15 {
		t.Errorf("total = %d, want 15", usage.TotalTokens)
	}
}

func TestClassifySignalsMalformedAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [{"message": {"content": "Hier ist das JSON: {..."}}], "usage": {}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, Options{})
	_, _, err := client.Classify(context.Background(), "s", "u")
	if !domain.IsKind(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestClassifySignalsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [], "usage": {}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, Options{})
	_, _, err := client.Classify(context.Background(), "s", "u")
	if !domain.IsKind(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestClassifyWrapsRequestFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "invalid api key"}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, Options{})
	_, _, err := client.Classify(context.Background(), "s", "u")
	if !domain.IsKind(err, domain.ErrClassificationRequest) {
		t.Fatalf("expected ErrClassificationRequest, got %v", err)
	}
}

func TestVerifyTokenBudgetDisabled(t *testing.T) {
	client := newTestClient("http://unused.invalid", Options{EnableTokenPrecheck: false})
	if err := client.VerifyTokenBudget(context.Background()); err != nil {
		t.Fatalf("disabled precheck must pass, got %v", err)
	}
}

func TestVerifyTokenBudgetRejectsLowBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("x-ratelimit-remaining-tokens", "500")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, Options{EnableTokenPrecheck: true, MinRemainingTokens: 1500})
	err := client.VerifyTokenBudget(context.Background())
	if !domain.IsKind(err, domain.ErrClassificationRequest) {
		t.Fatalf("expected ErrClassificationRequest, got %v", err)
	}
}

func TestVerifyTokenBudgetPassesWithHeadroom(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("x-ratelimit-remaining-tokens", "90000")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, Options{EnableTokenPrecheck: true, MinRemainingTokens: 1500})
	if err := client.VerifyTokenBudget(context.Background()); err != nil {
		t.Fatalf("VerifyTokenBudget() error = %v", err)
	}
}

func TestVerifyTokenBudgetSkipsWhenHeaderMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, Options{EnableTokenPrecheck: true, MinRemainingTokens: 1500})
	if err := client.VerifyTokenBudget(context.Background()); err != nil {
		t.Fatalf("missing header must not fail the run, got %v", err)
	}
}
