package fetch

import (
	"errors"
	"fmt"
	"time"

	"github.com/ecomtree/modelfetch/internal/manifest"
)

// Status is the terminal state of a download task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Task is one scheduled download. The scheduler creates it; the transfer
// engine mutates Attempts and PartialBytes across retries until the task
// reaches a terminal state.
type Task struct {
	Entry        manifest.Entry
	Category     string // resolved category (manifest or classifier)
	DestPath     string // absolute destination file path
	Attempts     int
	PartialBytes int64

	sizeRecorded bool // total already added to the progress meter
}

// Result is the immutable outcome of one task.
type Result struct {
	Entry        manifest.Entry
	Category     string
	DestPath     string
	Status       Status
	BytesWritten int64
	Duration     time.Duration
	Reason       string // populated for failed and skipped results
}

// ErrChecksumMismatch indicates the completed file's checksum did not match
// the manifest's expectation, even after the retry budget.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrZeroByteResponse indicates the server returned an empty body. No model
// artifact is legitimately empty, so this counts as a failure.
var ErrZeroByteResponse = errors.New("zero-byte response")

// StatusError is a non-2xx HTTP response. Retryability depends on the code:
// 5xx is transient, 401/403/404 are permanent.
type StatusError struct {
	Code     int
	Gated    bool // request went to the gated provider
	HadToken bool
}

func (e *StatusError) Error() string {
	if e.Code == 401 && e.Gated && !e.HadToken {
		return "HTTP 401: authentication required for gated provider (no token configured)"
	}
	if e.Code == 401 || e.Code == 403 {
		return fmt.Sprintf("HTTP %d: authentication or access denied", e.Code)
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

// Permanent reports whether the status must not be retried.
func (e *StatusError) Permanent() bool {
	switch e.Code {
	case 401, 403, 404, 410:
		return true
	}
	return false
}
