// Package openai implements the classifier port against any
// OpenAI-compatible chat-completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter

	tokenPrecheck      bool
	minRemainingTokens int
}

type Options struct {
	RequestTimeout      time.Duration
	RatePerMinute       int
	EnableTokenPrecheck bool
	MinRemainingTokens  int
	Executor            *resilience.Executor
}

func New(baseURL, apiKey, model string, options Options) *Client {
	timeout := options.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if options.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(options.RatePerMinute)), 1)
	}

	return &Client{
		baseURL:            strings.TrimRight(baseURL, "/"),
		apiKey:             apiKey,
		model:              model,
		httpClient:         &http.Client{Timeout: timeout},
		executor:           options.Executor,
		limiter:            limiter,
		tokenPrecheck:      options.EnableTokenPrecheck,
		minRemainingTokens: options.MinRemainingTokens,
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Classify sends the built prompt and returns the raw JSON answer text plus
// token usage. Transient failures retry with backoff; other client errors
// fail fast as a classification request error.
func (c *Client) Classify(ctx context.Context, systemPrompt, userPrompt string) (string, domain.TokenUsage, error) {
	body := chatRequest{
		Model:          c.model,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.1,
	}

	var parsed chatResponse
	call := func(callCtx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(callCtx); err != nil {
				return err
			}
		}
		resp, err := c.post(callCtx, body)
		if err != nil {
			return err
		}
		parsed = *resp
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "model.classify", call, ClassifyModelError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", domain.TokenUsage{}, domain.WrapError(domain.ErrClassificationRequest, "model classify", err)
	}

	if len(parsed.Choices) == 0 {
		return "", domain.TokenUsage{}, domain.WrapError(domain.ErrMalformedResponse, "model classify",
			errors.New("response contains no choices"))
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return "", usageOf(parsed), domain.WrapError(domain.ErrMalformedResponse, "model classify",
			fmt.Errorf("answer is not valid JSON: %.120s", content))
	}
	return content, usageOf(parsed), nil
}

func usageOf(resp chatResponse) domain.TokenUsage {
	usage := domain.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// VerifyTokenBudget optionally probes the provider's rate-limit headers
// before a run. These are API rate limits, not any subscription quota; a
// provider that omits the header only logs a hint.
func (c *Client) VerifyTokenBudget(ctx context.Context) error {
	if !c.tokenPrecheck {
		slog.Info("token precheck disabled")
		return nil
	}

	probe := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: "healthcheck"}},
		MaxTokens:   1,
		Temperature: 0,
	}
	raw, err := json.Marshal(probe)
	if err != nil {
		return fmt.Errorf("marshal probe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WrapError(domain.ErrClassificationRequest, "token precheck", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return domain.WrapError(domain.ErrClassificationRequest, "token precheck", newStatusError("precheck", resp))
	}
	io.Copy(io.Discard, resp.Body)

	remainingRaw := resp.Header.Get("x-ratelimit-remaining-tokens")
	if remainingRaw == "" {
		slog.Warn("token precheck: provider does not expose x-ratelimit-remaining-tokens, skipping budget check")
		return nil
	}
	remaining, err := strconv.Atoi(remainingRaw)
	if err != nil {
		return domain.WrapError(domain.ErrClassificationRequest, "token precheck",
			fmt.Errorf("invalid x-ratelimit-remaining-tokens header %q: %w", remainingRaw, err))
	}

	slog.Info("token precheck", "remaining_tokens", remaining, "min_remaining_tokens", c.minRemainingTokens)
	if remaining < c.minRemainingTokens {
		return domain.WrapError(domain.ErrClassificationRequest, "token precheck",
			fmt.Errorf("remaining API tokens %d below required minimum %d", remaining, c.minRemainingTokens))
	}
	return nil
}

func (c *Client) post(ctx context.Context, body chatRequest) (*chatResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, newStatusError("classify", resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	return &parsed, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "paperless-kiplus/0.1")
}
