// Package statefile persists small JSON state blobs between runs: the
// failure quarantine and the token/cost metrics consumed by the host
// automation's sensors.
package statefile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

// QuarantineFile stores the retry cooldowns and the cached patches in two
// separate JSON files, so operators can clear one without losing the other.
type QuarantineFile struct {
	cooldownPath string
	patchPath    string
}

func NewQuarantineFile(cooldownPath, patchPath string) *QuarantineFile {
	return &QuarantineFile{cooldownPath: cooldownPath, patchPath: patchPath}
}

func (f *QuarantineFile) Load(_ context.Context) (domain.QuarantineState, error) {
	state := domain.NewQuarantineState()
	if err := readJSON(f.cooldownPath, &state.RetryAfter); err != nil {
		return domain.NewQuarantineState(), err
	}
	if f.patchPath != "" {
		if err := readJSON(f.patchPath, &state.PatchCache); err != nil {
			return domain.NewQuarantineState(), err
		}
	}
	// Unmarshal may have replaced the maps with nil.
	if state.RetryAfter == nil || state.PatchCache == nil {
		fresh := domain.NewQuarantineState()
		if state.RetryAfter == nil {
			state.RetryAfter = fresh.RetryAfter
		}
		if state.PatchCache == nil {
			state.PatchCache = fresh.PatchCache
		}
	}
	return state, nil
}

func (f *QuarantineFile) Save(_ context.Context, state domain.QuarantineState) error {
	if err := writeJSON(f.cooldownPath, state.RetryAfter); err != nil {
		return err
	}
	if f.patchPath != "" {
		return writeJSON(f.patchPath, state.PatchCache)
	}
	return nil
}

// MetricsFile stores last-run and lifetime token metrics.
type MetricsFile struct {
	path string
}

func NewMetricsFile(path string) *MetricsFile {
	return &MetricsFile{path: path}
}

func (f *MetricsFile) Load(_ context.Context) (domain.RunMetrics, error) {
	var metrics domain.RunMetrics
	if err := readJSON(f.path, &metrics); err != nil {
		return domain.RunMetrics{}, err
	}
	return metrics, nil
}

func (f *MetricsFile) Save(_ context.Context, metrics domain.RunMetrics) error {
	return writeJSON(f.path, metrics)
}

// readJSON treats a missing file as empty state, not an error.
func readJSON(path string, target any) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("parse state file %s: %w", path, err)
	}
	return nil
}

// writeJSON writes to a sibling temp file and renames it into place so a
// crash mid-write never truncates existing state.
func writeJSON(path string, value any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
