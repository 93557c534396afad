package paperless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

type documentPage struct {
	Next    string            `json:"next"`
	Results []domain.Document `json:"results"`
}

type entityPage struct {
	Next    string         `json:"next"`
	Results []entityResult `json:"results"`
}

type entityResult struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

type createdEntity struct {
	ID int `json:"id"`
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any, operation string) error {
	call := func(callCtx context.Context) error {
		return c.do(callCtx, http.MethodGet, path, params, nil, out, operation)
	}
	if c.executor == nil {
		return call(ctx)
	}
	return c.executor.Execute(ctx, "paperless."+operation, call, ClassifyStoreError)
}

// sendJSON writes to the store. retryable selects whether the resilience
// executor wraps the call; single-shot writes (note, marker tags, payload
// variants) bypass it.
func (c *Client) sendJSON(ctx context.Context, method, path string, payload any, out any, operation string, retryable bool) error {
	call := func(callCtx context.Context) error {
		return c.do(callCtx, method, path, nil, payload, out, operation)
	}
	if !retryable || c.executor == nil {
		return call(ctx)
	}
	return c.executor.Execute(ctx, "paperless."+operation, call, ClassifyStoreError)
}

func (c *Client) getRaw(ctx context.Context, path string, operation string) ([]byte, error) {
	var data []byte
	call := func(callCtx context.Context) error {
		req, err := c.newRequest(callCtx, http.MethodGet, path, nil, nil)
		if err != nil {
			return err
		}
		req.Header.Del("Content-Type")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("paperless %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return newStatusError(operation, resp)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s response: %w", operation, err)
		}
		return nil
	}
	if c.executor == nil {
		return data, call(ctx)
	}
	if err := c.executor.Execute(ctx, "paperless."+operation, call, ClassifyStoreError); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload any, out any, operation string) error {
	req, err := c.newRequest(ctx, method, path, params, payload)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paperless %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return newStatusError(operation, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, payload any) (*http.Request, error) {
	// Pagination `next` links come back as absolute URLs.
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}
	if len(params) > 0 {
		separator := "?"
		if strings.Contains(target, "?") {
			separator = "&"
		}
		target += separator + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "paperless-kiplus/0.1")
	return req, nil
}

// signature canonicalizes a patch payload so the fallback cascade never
// re-sends an already-attempted combination.
func signature(patch map[string]any) string {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		raw, _ := json.Marshal(patch[k])
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(raw)
		b.WriteByte(';')
	}
	return b.String()
}
