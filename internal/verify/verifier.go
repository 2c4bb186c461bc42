// Package verify performs lightweight reachability probes against every
// manifest entry before any download is committed to.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ecomtree/modelfetch/internal/fetch"
	"github.com/ecomtree/modelfetch/internal/manifest"
	"github.com/ecomtree/modelfetch/internal/retry"
)

const (
	probeRetries   = 2
	probeRetryBase = time.Second
)

type errKind int

const (
	kindNone errKind = iota
	kindInvalid
	kindTimeout
	kindConnection
	kindError
)

// Result records the reachability of one entry. Created once, never
// mutated; consumed to filter entries before scheduling.
type Result struct {
	Entry       manifest.Entry `json:"-"`
	URL         string         `json:"url"`
	FileName    string         `json:"file_name"`
	Reachable   bool           `json:"reachable"`
	HTTPStatus  int            `json:"http_status,omitempty"`
	ErrorDetail string         `json:"error,omitempty"`

	errKind errKind
}

// Stats aggregates probe outcomes by kind.
type Stats struct {
	Valid           int `json:"valid"`
	Invalid         int `json:"invalid"`
	Timeout         int `json:"timeout"`
	ConnectionError int `json:"connection_error"`
	Error           int `json:"error"`
}

// ReportName is the verification results artifact filename.
const ReportName = "link_verification_results.json"

// Report is the full verification outcome for a run.
type Report struct {
	Stats     Stats     `json:"stats"`
	Results   []Result  `json:"results"`
	Timestamp time.Time `json:"timestamp"`
}

// Write persists the report as the verification results artifact.
func (r Report) Write(path string) error {
	r.Timestamp = time.Now().UTC()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Reachable returns only the entries whose probes succeeded, in manifest
// order.
func (r Report) Reachable() []manifest.Entry {
	var out []manifest.Entry
	for _, res := range r.Results {
		if res.Reachable {
			out = append(out, res.Entry)
		}
	}
	return out
}

// Verifier probes entries with a bounded worker pool.
type Verifier struct {
	client  *fetch.Client
	workers int
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a verifier. workers bounds concurrency so hundreds of links
// don't hammer the remote host at once.
func New(client *fetch.Client, workers int, timeout time.Duration, logger *slog.Logger) *Verifier {
	if workers < 1 {
		workers = 1
	}
	return &Verifier{client: client, workers: workers, timeout: timeout, logger: logger}
}

// Run probes every entry and returns the full report. Unreachable links are
// recorded, not fatal; results keep manifest order regardless of completion
// order.
func (v *Verifier) Run(ctx context.Context, entries []manifest.Entry) Report {
	results := make([]Result, len(entries))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < v.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = v.probe(ctx, entries[i])
			}
		}()
	}

	for i := range entries {
		select {
		case jobs <- i:
		case <-ctx.Done():
			// Mark everything not yet dispatched instead of blocking.
			results[i] = Result{
				Entry:       entries[i],
				URL:         entries[i].SourceURL,
				FileName:    entries[i].FileName,
				ErrorDetail: "verification canceled",
			}
		}
	}
	close(jobs)
	wg.Wait()

	report := Report{Results: results}
	for _, res := range results {
		report.Stats.count(res)
	}
	v.logger.Info("verification complete",
		"entries", len(entries),
		"reachable", report.Stats.Valid,
		"unreachable", len(entries)-report.Stats.Valid)
	return report
}

// probe checks one entry with retries. 4xx statuses are recorded without
// retrying; network errors and 5xx are retried with linear backoff.
func (v *Verifier) probe(ctx context.Context, entry manifest.Entry) Result {
	result := Result{Entry: entry, URL: entry.SourceURL, FileName: entry.FileName}

	op := func() error {
		status, err := v.probeOnce(ctx, entry.SourceURL)
		if err != nil {
			return err
		}
		result.HTTPStatus = status
		if reachableStatus(status) {
			result.Reachable = true
			return nil
		}
		if status >= 500 {
			return fmt.Errorf("HTTP %d", status)
		}
		// Client errors (401, 403, 404) are definitive. StatusError keeps
		// the auth wording so a gated 401 is diagnosable from the report.
		return retry.Permanent(&fetch.StatusError{
			Code:     status,
			Gated:    fetch.IsGatedHost(entry.SourceURL),
			HadToken: v.client.HasToken(),
		})
	}

	err := retry.Do(ctx, op, retry.Linear(probeRetryBase, probeRetries))
	if err != nil {
		result.Reachable = false
		result.ErrorDetail = err.Error()
		result.errKind = classifyError(err, result.HTTPStatus)
	}
	return result
}

// classifyError buckets a failed probe for the stats block.
func classifyError(err error, status int) errKind {
	if status != 0 {
		return kindInvalid
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return kindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return kindConnection
	}
	return kindError
}

// probeOnce issues a HEAD request, falling back to a zero-byte ranged GET
// when the server disallows HEAD.
func (v *Verifier) probeOnce(ctx context.Context, url string) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	status, err := v.request(probeCtx, http.MethodHead, url, "")
	if err != nil {
		return 0, err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		return v.request(probeCtx, http.MethodGet, url, "bytes=0-0")
	}
	return status, nil
}

func (v *Verifier) request(ctx context.Context, method, url, rangeHeader string) (int, error) {
	req, err := v.client.NewRequest(ctx, method, url)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("malformed URL: %w", err))
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// reachableStatus mirrors the provider's behavior: 200 and 206 are direct
// hits, 302/307 are the redirects gated files answer with.
func reachableStatus(status int) bool {
	switch status {
	case http.StatusOK, http.StatusPartialContent, http.StatusFound, http.StatusTemporaryRedirect:
		return true
	}
	return false
}

func (s *Stats) count(res Result) {
	switch {
	case res.Reachable:
		s.Valid++
	case res.errKind == kindInvalid:
		s.Invalid++
	case res.errKind == kindTimeout:
		s.Timeout++
	case res.errKind == kindConnection:
		s.ConnectionError++
	default:
		s.Error++
	}
}
