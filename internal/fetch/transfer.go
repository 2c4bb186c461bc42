package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ecomtree/modelfetch/internal/progress"
	"github.com/ecomtree/modelfetch/internal/retry"
)

const (
	copyBufferSize = 256 * 1024
	// Pre-existing files smaller than this are assumed to be the debris of
	// an earlier failed run. Small LoRAs stay above it.
	minValidSize = 10 * 1024

	retryBase = 2 * time.Second
	retryCap  = 60 * time.Second
)

// Engine downloads a single task: skip-if-complete, ranged resume, chunked
// streaming, checksum verification, and retry with exponential backoff.
type Engine struct {
	client     *Client
	meter      *progress.Meter
	logger     *slog.Logger
	maxRetries uint64

	// newPolicy builds the per-task backoff policy; swapped in tests to
	// avoid multi-second sleeps.
	newPolicy func() backoff.BackOff
}

// NewEngine builds a transfer engine sharing the run's client and meter.
func NewEngine(client *Client, meter *progress.Meter, logger *slog.Logger, maxRetries int) *Engine {
	if maxRetries < 0 {
		maxRetries = 0
	}
	e := &Engine{client: client, meter: meter, logger: logger, maxRetries: uint64(maxRetries)}
	e.newPolicy = func() backoff.BackOff {
		return retry.Exponential(retryBase, retryCap, e.maxRetries)
	}
	return e
}

// Download drives task to a terminal Result. Transient failures are retried
// inside this call and never surface to the caller; cancellation preserves
// the partial file for a future resume.
func (e *Engine) Download(ctx context.Context, task *Task) Result {
	start := time.Now()
	result := Result{
		Entry:    task.Entry,
		Category: task.Category,
		DestPath: task.DestPath,
	}

	if reason, done := e.alreadyComplete(task); done {
		result.Status = StatusSkipped
		result.Reason = reason
		result.Duration = time.Since(start)
		return result
	}

	if err := os.MkdirAll(filepath.Dir(task.DestPath), 0755); err != nil {
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("create destination directory: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	var written int64
	op := func() error {
		task.Attempts++
		err := e.attempt(ctx, task, &written)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Permanent() {
			return retry.Permanent(err)
		}
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		e.logger.Warn("download attempt failed",
			"file", task.Entry.FileName, "attempt", task.Attempts, "error", err)
		return err
	}

	err := retry.Do(ctx, op, e.newPolicy())
	result.BytesWritten = written
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusFailed
		result.Reason = err.Error()
		return result
	}
	result.Status = StatusSuccess
	return result
}

// attempt performs one full download attempt, resuming from whatever the
// part file already holds. It returns nil only when the destination file is
// complete, verified, and renamed into place.
func (e *Engine) attempt(ctx context.Context, task *Task, written *int64) error {
	partPath := task.DestPath + partSuffix
	offset := partSize(partPath)

	// A partial file without a matching sidecar cannot be attributed to
	// this URL; start over.
	if offset > 0 {
		sc, ok := LoadSidecar(task.DestPath)
		if !ok || sc.SourceURL != task.Entry.SourceURL {
			if err := os.Truncate(partPath, 0); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("discard stale partial: %w", err)
			}
			offset = 0
		}
	}

	req, err := e.client.NewRequest(ctx, http.MethodGet, task.Entry.SourceURL)
	if err != nil {
		return retry.Permanent(fmt.Errorf("malformed URL: %w", err))
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Server ignored the range request; restart from zero.
			if err := os.Truncate(partPath, 0); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("restart partial: %w", err)
			}
			offset = 0
		}
	case resp.StatusCode == http.StatusPartialContent:
		// resuming at offset
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		if err := os.Truncate(partPath, 0); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("restart partial: %w", err)
		}
		return errors.New("range not satisfied, restarting from zero")
	default:
		return &StatusError{
			Code:     resp.StatusCode,
			Gated:    IsGatedHost(task.Entry.SourceURL),
			HadToken: e.client.HasToken(),
		}
	}

	etag := resp.Header.Get("ETag")
	total := responseTotalSize(resp)

	// Resuming against a changed remote file would splice two versions
	// together; detect it via the validators recorded at first write.
	if offset > 0 {
		if sc, ok := LoadSidecar(task.DestPath); ok && !sc.Matches(task.Entry.SourceURL, etag, total) {
			if err := os.Truncate(partPath, 0); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("discard outdated partial: %w", err)
			}
			return errors.New("remote file changed, restarting from zero")
		}
	}
	if err := WriteSidecar(task.DestPath, Sidecar{
		SourceURL: task.Entry.SourceURL,
		ETag:      etag,
		TotalSize: total,
	}); err != nil {
		return fmt.Errorf("write resume sidecar: %w", err)
	}

	if total > 0 && task.Entry.SizeBytes == 0 && !task.sizeRecorded {
		e.meter.AddTotalBytes(total)
		task.sizeRecorded = true
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if offset == 0 {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		// Bytes from a discarded earlier attempt are no longer on disk;
		// starting over must not count them into the result.
		*written = 0
	}
	file, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}

	copied, copyErr := e.copyChunks(ctx, file, resp.Body, task, written)
	task.PartialBytes = offset + copied
	if copyErr != nil {
		// Flush what arrived so the next run can resume from it.
		_ = file.Sync()
		_ = file.Close()
		return copyErr
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("flush partial file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close partial file: %w", err)
	}

	return e.finalize(task, partPath, offset+copied, total)
}

// copyChunks streams the body to disk in fixed-size chunks, checking for
// cancellation between chunks.
func (e *Engine) copyChunks(ctx context.Context, dst io.Writer, body io.Reader, task *Task, written *int64) (int64, error) {
	reader := e.client.Body(ctx, body)
	buf := make([]byte, copyBufferSize)
	var copied int64
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return copied, fmt.Errorf("write chunk: %w", writeErr)
			}
			copied += int64(n)
			*written += int64(n)
			e.meter.AddBytes(n)
		}
		if readErr == io.EOF {
			return copied, nil
		}
		if readErr != nil {
			return copied, fmt.Errorf("read body: %w", readErr)
		}
	}
}

// finalize validates the completed part file and moves it into place.
func (e *Engine) finalize(task *Task, partPath string, size, responseTotal int64) error {
	if size == 0 {
		_ = os.Remove(partPath)
		RemoveSidecar(task.DestPath)
		return ErrZeroByteResponse
	}
	if want := task.Entry.SizeBytes; want > 0 && size != want {
		_ = os.Remove(partPath)
		RemoveSidecar(task.DestPath)
		return fmt.Errorf("size mismatch: got %d bytes, expected %d", size, want)
	}
	if responseTotal > 0 && size != responseTotal {
		_ = os.Remove(partPath)
		RemoveSidecar(task.DestPath)
		return fmt.Errorf("truncated transfer: got %d of %d bytes", size, responseTotal)
	}
	if want := task.Entry.SHA256; want != "" {
		got, err := fileSHA256(partPath)
		if err != nil {
			return fmt.Errorf("hash completed file: %w", err)
		}
		if got != want {
			// The remote copy may have been corrupted in transit, so this
			// stays retryable up to the budget.
			_ = os.Remove(partPath)
			RemoveSidecar(task.DestPath)
			return fmt.Errorf("%w: got %s, expected %s", ErrChecksumMismatch, got, want)
		}
	}
	if err := os.Rename(partPath, task.DestPath); err != nil {
		return fmt.Errorf("move completed file: %w", err)
	}
	RemoveSidecar(task.DestPath)
	return nil
}

// alreadyComplete reports whether the destination already holds the finished
// artifact, making the task an idempotent skip. Files that fail the check
// are deleted so the download starts clean.
func (e *Engine) alreadyComplete(task *Task) (string, bool) {
	info, err := os.Stat(task.DestPath)
	if err != nil {
		return "", false
	}

	if want := task.Entry.SHA256; want != "" {
		got, err := fileSHA256(task.DestPath)
		if err == nil && got == want {
			return "already downloaded (checksum match)", true
		}
		e.logger.Warn("existing file fails checksum, re-downloading", "file", task.Entry.FileName)
		_ = os.Remove(task.DestPath)
		return "", false
	}
	if want := task.Entry.SizeBytes; want > 0 {
		if info.Size() == want {
			return "already downloaded (size match)", true
		}
		e.logger.Warn("existing file has wrong size, re-downloading",
			"file", task.Entry.FileName, "size", info.Size(), "expected", want)
		_ = os.Remove(task.DestPath)
		return "", false
	}
	if info.Size() >= minValidSize {
		return "already downloaded", true
	}
	e.logger.Warn("existing file suspiciously small, re-downloading",
		"file", task.Entry.FileName, "size", info.Size())
	_ = os.Remove(task.DestPath)
	return "", false
}

func partSize(partPath string) int64 {
	info, err := os.Stat(partPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// responseTotalSize extracts the full artifact size from a response: the
// Content-Length of a 200, or the total in a 206 Content-Range header.
func responseTotalSize(resp *http.Response) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		cr := resp.Header.Get("Content-Range")
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return total
			}
		}
		return 0
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}

func fileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
