// Package pipeline wires the stages together: manifest load, link
// verification, classification, scheduling, transfer, and reporting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ecomtree/modelfetch/internal/classify"
	"github.com/ecomtree/modelfetch/internal/config"
	"github.com/ecomtree/modelfetch/internal/fetch"
	"github.com/ecomtree/modelfetch/internal/manifest"
	"github.com/ecomtree/modelfetch/internal/progress"
	"github.com/ecomtree/modelfetch/internal/report"
	"github.com/ecomtree/modelfetch/internal/scheduler"
	"github.com/ecomtree/modelfetch/internal/verify"
)

// ErrDestination indicates the destination root cannot be created or
// written. Nothing can proceed without it.
var ErrDestination = errors.New("destination not writable")

// Pipeline runs one complete batch over a manifest.
type Pipeline struct {
	cfg    config.Config
	logger *slog.Logger
}

// New builds a pipeline from a resolved configuration.
func New(cfg config.Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, logger: logger}
}

// Run executes the full batch. The summary is written to the destination
// root before returning, including after cancellation, so a partial run
// still leaves a record. A nil summary is returned only for errors that
// prevent the run from starting at all.
func (p *Pipeline) Run(ctx context.Context) (*report.Summary, error) {
	if err := p.ensureWritable(); err != nil {
		return nil, err
	}

	entries, _, err := manifest.Load(p.cfg.ManifestPath, p.cfg.DestRoot, p.logger)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	summary := report.NewSummary(len(entries))
	meter := progress.NewMeter()
	client := fetch.NewClient(p.cfg)

	if p.cfg.ProgressAddr != "" {
		feed := progress.NewFeed(meter, p.logger)
		if err := feed.Start(p.cfg.ProgressAddr); err != nil {
			p.logger.Warn("progress feed unavailable", "addr", p.cfg.ProgressAddr, "error", err)
		} else {
			defer feed.Close()
		}
	}

	verifier := verify.New(client, p.cfg.VerifyWorkers, p.cfg.ProbeTimeout, p.logger)
	vreport := verifier.Run(ctx, entries)
	summary.AddVerification(vreport)
	if err := vreport.Write(filepath.Join(p.cfg.DestRoot, verify.ReportName)); err != nil {
		p.logger.Warn("verification artifact not written", "error", err)
	}

	tasks, totalBytes := p.buildTasks(vreport.Reachable())
	p.createCategoryDirs(tasks)
	meter.Start(len(tasks), totalBytes)

	runLog, err := report.OpenRunLog(filepath.Join(p.cfg.DestRoot, report.RunLogName))
	if err != nil {
		p.logger.Warn("run log unavailable", "error", err)
		runLog = nil
	}

	engine := fetch.NewEngine(client, meter, p.logger, p.cfg.MaxRetries)
	sched := scheduler.New(engine, p.cfg.DownloadWorkers, meter, p.logger)
	results := sched.Run(ctx, tasks)

	for _, res := range results {
		summary.AddResult(res)
		if runLog != nil {
			runLog.Record(summary.RunID, res)
		}
	}
	if runLog != nil {
		if err := runLog.Close(); err != nil {
			p.logger.Warn("run log close failed", "error", err)
		}
	}
	if ctx.Err() != nil {
		summary.Interrupted = true
		p.logger.Warn("run interrupted, partial downloads kept for resume")
	}

	if err := summary.Write(filepath.Join(p.cfg.DestRoot, report.SummaryName)); err != nil {
		p.logger.Warn("summary artifact not written", "error", err)
	}
	summary.Log(p.logger)
	return summary, nil
}

// buildTasks resolves each reachable entry to a category and destination
// path, in manifest order.
func (p *Pipeline) buildTasks(entries []manifest.Entry) ([]*fetch.Task, int64) {
	tasks := make([]*fetch.Task, 0, len(entries))
	var totalBytes int64
	for _, entry := range entries {
		category := entry.Category
		if category == "" {
			category = classify.Classify(entry.FileName)
		}
		tasks = append(tasks, &fetch.Task{
			Entry:    entry,
			Category: category,
			DestPath: filepath.Join(p.cfg.DestRoot, category, entry.FileName),
		})
		totalBytes += entry.SizeBytes
	}
	return tasks, totalBytes
}

// createCategoryDirs pre-creates every directory a task will write into,
// plus the standard layout, so an empty run still leaves the skeleton.
func (p *Pipeline) createCategoryDirs(tasks []*fetch.Task) {
	dirs := make(map[string]struct{})
	for _, category := range classify.Categories() {
		dirs[category] = struct{}{}
	}
	for _, task := range tasks {
		dirs[task.Category] = struct{}{}
	}
	for dir := range dirs {
		if err := os.MkdirAll(filepath.Join(p.cfg.DestRoot, dir), 0755); err != nil {
			p.logger.Warn("category directory not created", "category", dir, "error", err)
		}
	}
}

// ensureWritable creates the destination root and proves it accepts writes.
func (p *Pipeline) ensureWritable() error {
	if err := os.MkdirAll(p.cfg.DestRoot, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDestination, err)
	}
	probe, err := os.CreateTemp(p.cfg.DestRoot, ".modelfetch-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestination, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}
