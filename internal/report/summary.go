// Package report aggregates task outcomes into the run summary artifact and
// the append-only progress log that monitoring tooling tails.
package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecomtree/modelfetch/internal/fetch"
	"github.com/ecomtree/modelfetch/internal/verify"
)

// SummaryName is the run summary artifact filename.
const SummaryName = "downloaded_models_summary.json"

// RunLogName is the append-only progress log filename.
const RunLogName = "modelfetch.log"

// FailedEntry names one entry that did not complete, with its specific
// reason. Stage distinguishes verification failures from transfer failures.
type FailedEntry struct {
	FileName string `json:"file_name"`
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
}

// CategoryStats is the per-category slice of the breakdown.
type CategoryStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Summary is the final aggregate report of a pipeline run. Built
// incrementally, serialized exactly once at the end.
type Summary struct {
	RunID         string                   `json:"run_id"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
	TotalEntries  int                      `json:"total_entries"`
	Verified      int                      `json:"verified"`
	Downloaded    int                      `json:"downloaded"`
	Failed        int                      `json:"failed"`
	Skipped       int                      `json:"skipped"`
	TotalBytes    int64                    `json:"total_bytes"`
	Categories    map[string]CategoryStats `json:"per_category"`
	FailedEntries []FailedEntry            `json:"failed_entries"`
	Interrupted   bool                     `json:"interrupted,omitempty"`
}

// NewSummary starts a summary for a run over totalEntries manifest entries.
func NewSummary(totalEntries int) *Summary {
	return &Summary{
		RunID:        uuid.NewString(),
		StartedAt:    time.Now().UTC(),
		TotalEntries: totalEntries,
		Categories:   make(map[string]CategoryStats),
	}
}

// AddVerification folds the verification report in: reachable entries count
// as verified, unreachable ones as failed with their probe reason.
func (s *Summary) AddVerification(report verify.Report) {
	for _, res := range report.Results {
		if res.Reachable {
			s.Verified++
			continue
		}
		s.Failed++
		s.FailedEntries = append(s.FailedEntries, FailedEntry{
			FileName: res.FileName,
			URL:      res.URL,
			Stage:    "verification",
			Reason:   res.ErrorDetail,
		})
	}
}

// AddResult folds one transfer result in.
func (s *Summary) AddResult(result fetch.Result) {
	switch result.Status {
	case fetch.StatusSuccess:
		s.Downloaded++
		s.TotalBytes += result.BytesWritten
		cs := s.Categories[result.Category]
		cs.Files++
		cs.Bytes += result.BytesWritten
		s.Categories[result.Category] = cs
	case fetch.StatusSkipped:
		s.Skipped++
		cs := s.Categories[result.Category]
		cs.Files++
		s.Categories[result.Category] = cs
	case fetch.StatusFailed:
		s.Failed++
		s.FailedEntries = append(s.FailedEntries, FailedEntry{
			FileName: result.Entry.FileName,
			URL:      result.Entry.SourceURL,
			Category: result.Category,
			Stage:    "transfer",
			Reason:   result.Reason,
		})
	}
}

// Write finalizes the summary and persists it. Always called, even after a
// partially failed or interrupted run.
func (s *Summary) Write(path string) error {
	s.FinishedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Log emits the trailing human-readable summary line.
func (s *Summary) Log(logger *slog.Logger) {
	logger.Info("run complete",
		"run_id", s.RunID,
		"entries", s.TotalEntries,
		"verified", s.Verified,
		"downloaded", s.Downloaded,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"total_bytes", s.TotalBytes,
		"duration", time.Since(s.StartedAt).Round(time.Second))
	for _, fe := range s.FailedEntries {
		logger.Warn("entry failed", "file", fe.FileName, "stage", fe.Stage, "reason", fe.Reason)
	}
}

// RunLog appends one line per terminal task. The file is opened append-only
// so successive runs accumulate history and a crash loses at most the last
// line.
type RunLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenRunLog opens (or creates) the progress log at path.
func OpenRunLog(path string) (*RunLog, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &RunLog{file: file}, nil
}

// Record writes one line for a terminal result.
func (l *RunLog) Record(runID string, result fetch.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s run=%s file=%s status=%s bytes=%d duration=%s",
		time.Now().UTC().Format(time.RFC3339),
		runID, result.Entry.FileName, result.Status,
		result.BytesWritten, result.Duration.Round(time.Millisecond))
	if result.Reason != "" {
		line += fmt.Sprintf(" reason=%q", result.Reason)
	}
	fmt.Fprintln(l.file, line)
}

// Close flushes and closes the log.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
