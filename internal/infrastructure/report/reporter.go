// Package report implements the Progress & Result Reporter (spec.md
// §4.E): serializing a finished enrichment RunResult to the stable
// JSON export schema, using the same temp-file + fsync + rename
// discipline as the Cache Store.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aucontraire/chronovista-core/internal/domain/model"
)

// Detail is one per-item entry in the exported detail list.
type Detail struct {
	ID    string `json:"id"`
	Status string `json:"status"`
	Old   map[string]any `json:"old,omitempty"`
	New   map[string]any `json:"new,omitempty"`
	Error string `json:"error,omitempty"`
}

// Summary carries the run's aggregate counts.
type Summary struct {
	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	BatchCount int `json:"batch_count"`
	QuotaUnits int `json:"quota_units"`

	ConsecutiveFailureStreak int  `json:"consecutive_failure_streak"`
	NetworkInstabilityWarning bool `json:"network_instability_warning"`
	WasInterrupted           bool `json:"was_interrupted"`
}

// Export is the stable JSON document written to disk.
type Export struct {
	Timestamp   time.Time `json:"timestamp"`
	Priority    string    `json:"priority"`
	DurationSec float64   `json:"duration_seconds"`
	Summary     Summary   `json:"summary"`
	Details     []Detail  `json:"details,omitempty"`
}

// Reporter writes a finished RunResult to a stable JSON file.
type Reporter struct {
	exportDir string
}

// New returns a Reporter that writes under exportDir.
func New(exportDir string) *Reporter {
	return &Reporter{exportDir: exportDir}
}

// BuildExport converts a RunResult into the stable export schema.
func BuildExport(result model.RunResult, priority model.Priority, timestamp time.Time) Export {
	export := Export{
		Timestamp:   timestamp,
		Priority:    string(priority),
		DurationSec: result.Duration.Seconds(),
		Summary: Summary{
			Updated:                    result.UpdatedCount,
			Deleted:                    result.DeletedCount,
			Skipped:                    result.SkippedCount,
			Failed:                     result.FailedCount,
			BatchCount:                 result.BatchCount,
			QuotaUnits:                 result.QuotaUnits,
			ConsecutiveFailureStreak:   result.ConsecutiveFailureStreak,
			NetworkInstabilityWarning: result.NetworkInstabilityWarning,
			WasInterrupted:            result.WasInterrupted,
		},
	}

	for _, outcome := range result.Details {
		detail := Detail{ID: outcome.EntityID, Status: string(outcome.Kind)}
		if len(outcome.FieldsChanged) > 0 {
			detail.New = map[string]any{"fields_changed": outcome.FieldsChanged}
		}
		if outcome.ErrorMessage != "" {
			detail.Error = outcome.ErrorMessage
		}
		export.Details = append(export.Details, detail)
	}

	return export
}

// Write serializes export to <exports>/enrichment-YYYYMMDD-HHMMSS.json,
// creating the export directory if missing, via temp-file + fsync +
// rename. It returns the path written.
func (r *Reporter) Write(export Export) (string, error) {
	if err := os.MkdirAll(r.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("report: create export dir %s: %w", r.exportDir, err)
	}

	name := fmt.Sprintf("enrichment-%s.json", export.Timestamp.Format("20060102-150405"))
	path := filepath.Join(r.exportDir, name)

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return "", fmt.Errorf("report: marshal export: %w", err)
	}

	if err := atomicWrite(path, data); err != nil {
		return "", fmt.Errorf("report: write export: %w", err)
	}
	return path, nil
}

// atomicWrite writes data to a sibling temp file, fsyncs it, and renames
// it onto path, mirroring the Cache Store's write discipline.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("report: create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("report: write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("report: fsync temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: close temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("report: rename %s to %s: %w", tmpPath, path, err)
	}

	cleanup = false
	return nil
}
