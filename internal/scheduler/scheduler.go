// Package scheduler fans verified entries out to a bounded pool of transfer
// workers and aggregates their results.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ecomtree/modelfetch/internal/fetch"
	"github.com/ecomtree/modelfetch/internal/progress"
)

// Transferrer downloads one task to a terminal result. Satisfied by
// *fetch.Engine; an interface so scheduler tests don't need a live server.
type Transferrer interface {
	Download(ctx context.Context, task *fetch.Task) fetch.Result
}

// Scheduler owns the transfer worker pool: start, drain, cancel. Tasks are
// dispatched in manifest order and complete in whatever order the network
// allows.
type Scheduler struct {
	transferrer Transferrer
	workers     int
	meter       *progress.Meter
	logger      *slog.Logger

	inFlight atomic.Int64
	done     atomic.Int64
}

// New builds a scheduler with a fixed worker count.
func New(transferrer Transferrer, workers int, meter *progress.Meter, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{transferrer: transferrer, workers: workers, meter: meter, logger: logger}
}

// InFlight returns the number of tasks currently downloading.
func (s *Scheduler) InFlight() int64 { return s.inFlight.Load() }

// Completed returns the number of tasks that reached a terminal state.
func (s *Scheduler) Completed() int64 { return s.done.Load() }

// Run processes every task and returns one result per task, in task order.
// Duplicate destinations are skipped before dispatch: two workers must
// never write the same path concurrently. A panicking task is recorded as
// failed and the rest of the queue keeps draining. On cancellation,
// undispatched tasks are recorded as skipped and in-flight transfers are
// left to reach a resumable checkpoint.
func (s *Scheduler) Run(ctx context.Context, tasks []*fetch.Task) []fetch.Result {
	results := make([]fetch.Result, len(tasks))

	seen := make(map[string]int, len(tasks))
	dispatch := make([]int, 0, len(tasks))
	for i, task := range tasks {
		if _, dup := seen[task.DestPath]; dup {
			results[i] = fetch.Result{
				Entry:    task.Entry,
				Category: task.Category,
				DestPath: task.DestPath,
				Status:   fetch.StatusSkipped,
				Reason:   "duplicate destination",
			}
			s.logger.Warn("duplicate destination, skipping",
				"file", task.Entry.FileName, "dest", task.DestPath)
			continue
		}
		seen[task.DestPath] = i
		dispatch = append(dispatch, i)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.process(ctx, tasks[i])
				s.done.Add(1)
				s.meter.TaskDone()
				s.logTerminal(tasks[i], results[i])
			}
		}()
	}

	for _, i := range dispatch {
		select {
		case jobs <- i:
		case <-ctx.Done():
			results[i] = fetch.Result{
				Entry:    tasks[i].Entry,
				Category: tasks[i].Category,
				DestPath: tasks[i].DestPath,
				Status:   fetch.StatusSkipped,
				Reason:   "run canceled before dispatch",
			}
			s.done.Add(1)
			s.meter.TaskDone()
		}
	}
	close(jobs)
	wg.Wait()

	return results
}

// process runs one download, converting a worker panic into a failed result
// so a single bad entry cannot abort the batch.
func (s *Scheduler) process(ctx context.Context, task *fetch.Task) (result fetch.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("transfer worker panicked",
				"file", task.Entry.FileName, "panic", r)
			result = fetch.Result{
				Entry:    task.Entry,
				Category: task.Category,
				DestPath: task.DestPath,
				Status:   fetch.StatusFailed,
				Reason:   fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	return s.transferrer.Download(ctx, task)
}

func (s *Scheduler) logTerminal(task *fetch.Task, result fetch.Result) {
	switch result.Status {
	case fetch.StatusSuccess:
		s.logger.Info("download complete",
			"file", task.Entry.FileName,
			"category", result.Category,
			"bytes", result.BytesWritten,
			"duration", result.Duration,
			"attempts", task.Attempts)
	case fetch.StatusSkipped:
		s.logger.Info("download skipped",
			"file", task.Entry.FileName, "reason", result.Reason)
	case fetch.StatusFailed:
		s.logger.Error("download failed",
			"file", task.Entry.FileName,
			"reason", result.Reason,
			"attempts", task.Attempts)
	}
}
