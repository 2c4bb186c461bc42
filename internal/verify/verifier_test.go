package verify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ecomtree/modelfetch/internal/config"
	"github.com/ecomtree/modelfetch/internal/fetch"
	"github.com/ecomtree/modelfetch/internal/manifest"
)

func testVerifier(workers int) *Verifier {
	client := fetch.NewClient(config.Config{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(client, workers, 2*time.Second, logger)
}

func entriesFor(urls ...string) []manifest.Entry {
	out := make([]manifest.Entry, len(urls))
	for i, u := range urls {
		out[i] = manifest.Entry{SourceURL: u, FileName: manifest.FileNameFromURL(u)}
	}
	return out
}

func TestRunPartitionsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	entries := entriesFor(
		srv.URL+"/a.safetensors",
		srv.URL+"/missing.safetensors",
		srv.URL+"/b.ckpt",
	)
	report := testVerifier(4).Run(context.Background(), entries)

	if report.Stats.Valid != 2 || report.Stats.Invalid != 1 {
		t.Fatalf("unexpected stats %+v", report.Stats)
	}
	reachable := report.Reachable()
	if len(reachable) != 2 {
		t.Fatalf("expected 2 reachable entries, got %d", len(reachable))
	}
	// Manifest order must survive out-of-order probe completion.
	if reachable[0].FileName != "a.safetensors" || reachable[1].FileName != "b.ckpt" {
		t.Fatalf("order lost: %+v", reachable)
	}
	for _, res := range report.Results {
		if res.FileName == "missing.safetensors" {
			if res.Reachable {
				t.Fatal("404 entry marked reachable")
			}
			if !strings.Contains(res.ErrorDetail, "404") {
				t.Fatalf("error detail %q does not mention 404", res.ErrorDetail)
			}
			if res.HTTPStatus != 404 {
				t.Fatalf("http status %d, want 404", res.HTTPStatus)
			}
		}
	}
}

func TestRunFallsBackToRangedGet(t *testing.T) {
	var sawGet atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Method == http.MethodGet && r.Header.Get("Range") == "bytes=0-0" {
			sawGet.Store(true)
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	report := testVerifier(1).Run(context.Background(), entriesFor(srv.URL+"/m.safetensors"))
	if !sawGet.Load() {
		t.Fatal("HEAD rejection did not fall back to a ranged GET")
	}
	if report.Stats.Valid != 1 {
		t.Fatalf("fallback probe not counted reachable: %+v", report.Stats)
	}
}

func TestRun401RecordedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	report := testVerifier(1).Run(context.Background(), entriesFor(srv.URL+"/gated.safetensors"))
	res := report.Results[0]
	if res.Reachable {
		t.Fatal("401 marked reachable")
	}
	if res.HTTPStatus != 401 {
		t.Fatalf("http status %d, want 401", res.HTTPStatus)
	}
	// The recorded reason must be diagnosable as an auth problem, not a
	// bare status code.
	if !strings.Contains(res.ErrorDetail, "401") || !strings.Contains(res.ErrorDetail, "authentication") {
		t.Fatalf("error detail %q must mention the status and authentication", res.ErrorDetail)
	}
}

func TestRunRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	report := testVerifier(1).Run(context.Background(), entriesFor(srv.URL+"/m.safetensors"))
	if report.Stats.Valid != 1 {
		t.Fatalf("transient 500 not retried: %+v", report.Stats)
	}
	if requests.Load() < 2 {
		t.Fatalf("expected a retry, got %d requests", requests.Load())
	}
}

func TestRunSingleWorkerStillCorrect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	entries := entriesFor(
		srv.URL+"/a.safetensors", srv.URL+"/b.safetensors",
		srv.URL+"/c.safetensors", srv.URL+"/d.safetensors",
	)
	report := testVerifier(1).Run(context.Background(), entries)
	if report.Stats.Valid != len(entries) {
		t.Fatalf("serialized verification lost entries: %+v", report.Stats)
	}
}

func TestReportWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), ReportName)
	report := Report{
		Stats: Stats{Valid: 1, Invalid: 1},
		Results: []Result{
			{URL: "https://huggingface.co/a", FileName: "a", Reachable: true, HTTPStatus: 200},
			{URL: "https://huggingface.co/b", FileName: "b", HTTPStatus: 404, ErrorDetail: "HTTP 404"},
		},
	}
	if err := report.Write(path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("artifact not valid JSON: %v", err)
	}
	if decoded.Stats.Valid != 1 || len(decoded.Results) != 2 {
		t.Fatalf("artifact content wrong: %+v", decoded)
	}
	if decoded.Timestamp.IsZero() {
		t.Fatal("artifact missing timestamp")
	}
}
