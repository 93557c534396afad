// Package paperless implements the document-store ports against the
// Paperless-ngx REST API.
package paperless

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
	"github.com/paperless-kiplus/sorter/internal/core/ports"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/resilience"
)

const maxPageSize = 100

var kindEndpoints = map[domain.EntityKind]string{
	domain.KindTag:           "/api/tags/",
	domain.KindCorrespondent: "/api/correspondents/",
	domain.KindDocumentType:  "/api/document_types/",
	domain.KindStoragePath:   "/api/storage_paths/",
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, token string, timeout time.Duration, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

// Preflight hits a real JSON endpoint instead of the API root: some
// deployments answer 406 on /api/ behind proxies or a WAF.
func (c *Client) Preflight(ctx context.Context) error {
	params := url.Values{"page_size": {"1"}}
	var page documentPage
	if err := c.getJSON(ctx, "/api/documents/", params, &page, "preflight"); err != nil {
		return domain.WrapError(domain.ErrStoreUnavailable, "paperless preflight", err)
	}
	return nil
}

// FetchDocuments walks the store pages newest-first and streams each document
// until the limit is reached or visit declines more.
func (c *Client) FetchDocuments(ctx context.Context, query ports.DocumentQuery, visit func(domain.Document) bool) error {
	pageSize := query.Limit
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	params := url.Values{
		"ordering":  {"-created"},
		"page_size": {strconv.Itoa(pageSize)},
	}
	if query.FilterTagID != nil {
		params.Set("tags__id", strconv.Itoa(*query.FilterTagID))
	}

	next := "/api/documents/"
	loaded := 0
	for next != "" && (query.Limit <= 0 || loaded < query.Limit) {
		var page documentPage
		if err := c.getJSON(ctx, next, params, &page, "list documents"); err != nil {
			return domain.WrapError(domain.ErrStoreUnavailable, "paperless list documents", err)
		}
		// Past the first page the pagination lives inside the next link.
		params = nil

		for _, doc := range page.Results {
			if !visit(doc) {
				return nil
			}
			loaded++
			if query.Limit > 0 && loaded >= query.Limit {
				return nil
			}
		}
		next = page.Next
	}
	return nil
}

// ListEntities returns the display-label→id mapping of one kind, keeping the
// store's original casing; case normalization happens in the taxonomy cache.
// Storage paths may label themselves via `path` instead of `name`.
func (c *Client) ListEntities(ctx context.Context, kind domain.EntityKind) (map[string]int, error) {
	endpoint, ok := kindEndpoints[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}

	mapping := make(map[string]int)
	next := endpoint
	params := url.Values{"page_size": {strconv.Itoa(maxPageSize)}}
	for next != "" {
		var page entityPage
		if err := c.getJSON(ctx, next, params, &page, "list "+string(kind)); err != nil {
			return nil, domain.WrapError(domain.ErrStoreUnavailable, "paperless list entities", err)
		}
		params = nil

		for _, item := range page.Results {
			label := strings.TrimSpace(item.Name)
			if label == "" {
				label = strings.TrimSpace(item.Path)
			}
			if label != "" {
				mapping[label] = item.ID
			}
		}
		next = page.Next
	}
	return mapping, nil
}

// CreateEntity creates a named entity and returns its id. Paperless versions
// disagree on the storage-path payload, so those are tried in variants.
func (c *Client) CreateEntity(ctx context.Context, kind domain.EntityKind, name string) (int, error) {
	endpoint, ok := kindEndpoints[kind]
	if !ok {
		return 0, fmt.Errorf("unknown entity kind: %s", kind)
	}

	payloads := []map[string]any{{"name": name}}
	if kind == domain.KindStoragePath {
		payloads = []map[string]any{
			{"name": name, "path": name},
			{"path": name},
			{"name": name},
		}
	}

	var lastErr error
	for _, payload := range payloads {
		var created createdEntity
		err := c.sendJSON(ctx, http.MethodPost, endpoint, payload, &created, "create "+string(kind), false)
		if err != nil {
			lastErr = err
			continue
		}
		if created.ID == 0 {
			lastErr = fmt.Errorf("entity created without id: %s %q", kind, name)
			continue
		}
		return created.ID, nil
	}
	return 0, domain.WrapError(domain.ErrStoreUnavailable, "paperless create entity", lastErr)
}

// UpdateDocument patches only the given fields. Some installations answer
// sporadic 500s for certain field combinations; the fallback cascade narrows
// the payload and finally patches field by field to land what it can.
func (c *Client) UpdateDocument(ctx context.Context, documentID int, patch map[string]any) error {
	path := fmt.Sprintf("/api/documents/%d/", documentID)

	err := c.sendJSON(ctx, http.MethodPatch, path, patch, nil, "update document", true)
	if err == nil {
		return nil
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		return domain.WrapError(domain.ErrWriteFailed, "paperless update document", err)
	}

	lastErr := err
	tried := map[string]struct{}{signature(patch): {}}
	for _, candidate := range fallbackPayloads(patch) {
		sig := signature(candidate)
		if _, seen := tried[sig]; seen {
			continue
		}
		tried[sig] = struct{}{}

		if fallbackErr := c.sendJSON(ctx, http.MethodPatch, path, candidate, nil, "update document", false); fallbackErr == nil {
			slog.Warn("patch_fallback_succeeded", "document_id", documentID, "fields", fieldNames(candidate))
			return nil
		} else {
			lastErr = fallbackErr
		}
	}

	// Last escalation: field-by-field, to land partial changes and expose
	// the offending key.
	partial := false
	var fieldFailures []string
	for _, key := range patchFieldOrder {
		value, ok := patch[key]
		if !ok {
			continue
		}
		single := map[string]any{key: value}
		sig := signature(single)
		if _, seen := tried[sig]; seen {
			fieldFailures = append(fieldFailures, fmt.Sprintf("%s: already rejected", key))
			continue
		}
		tried[sig] = struct{}{}
		if fieldErr := c.sendJSON(ctx, http.MethodPatch, path, single, nil, "update document", false); fieldErr != nil {
			fieldFailures = append(fieldFailures, fmt.Sprintf("%s: %v", key, fieldErr))
		} else {
			partial = true
		}
	}
	if partial {
		slog.Warn("patch_partially_applied", "document_id", documentID, "failed_fields", strings.Join(fieldFailures, "; "))
		return nil
	}

	return domain.WrapError(domain.ErrWriteFailed, "paperless update document",
		fmt.Errorf("%w; fallback patches failed: %v; field analysis: %s",
			err, lastErr, strings.Join(fieldFailures, "; ")))
}

// UpdateTagsOnce sets the document's tag set with a single attempt and no
// fallback cascade, used for error markers on already broken documents.
func (c *Client) UpdateTagsOnce(ctx context.Context, documentID int, tagIDs []int) error {
	path := fmt.Sprintf("/api/documents/%d/", documentID)
	payload := map[string]any{"tags": tagIDs}
	if err := c.sendJSON(ctx, http.MethodPatch, path, payload, nil, "mark document", false); err != nil {
		return domain.WrapError(domain.ErrWriteFailed, "paperless mark document", err)
	}
	return nil
}

// AddNote posts through the dedicated notes endpoint. Not retried: a retry
// could duplicate the note, and notes are additive history anyway.
func (c *Client) AddNote(ctx context.Context, documentID int, note string) error {
	path := fmt.Sprintf("/api/documents/%d/notes/", documentID)
	return c.sendJSON(ctx, http.MethodPost, path, map[string]any{"note": note}, nil, "add note", false)
}

// DownloadOriginal fetches the stored source file for local text extraction.
func (c *Client) DownloadOriginal(ctx context.Context, documentID int) ([]byte, error) {
	path := fmt.Sprintf("/api/documents/%d/download/", documentID)
	data, err := c.getRaw(ctx, path, "download document")
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreUnavailable, "paperless download document", err)
	}
	return data, nil
}

var patchFieldOrder = []string{"document_type", "correspondent", "storage_path", "created", "tags"}

func fallbackPayloads(patch map[string]any) []map[string]any {
	var candidates []map[string]any
	_, hasCreated := patch["created"]
	_, hasTags := patch["tags"]

	if hasCreated {
		candidates = append(candidates, without(patch, "created"))
	}
	if hasTags {
		candidates = append(candidates, without(patch, "tags"))
	}
	if hasCreated && hasTags {
		candidates = append(candidates, without(patch, "created", "tags"))
	}

	var nonEmpty []map[string]any
	for _, candidate := range candidates {
		if len(candidate) > 0 {
			nonEmpty = append(nonEmpty, candidate)
		}
	}
	return nonEmpty
}

func without(patch map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func fieldNames(patch map[string]any) string {
	var names []string
	for _, key := range patchFieldOrder {
		if _, ok := patch[key]; ok {
			names = append(names, key)
		}
	}
	return strings.Join(names, ",")
}
