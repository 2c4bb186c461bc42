package config

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv("/tmp/models", testLogger())
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.DestRoot != "/tmp/models" {
		t.Fatalf("unexpected dest root %q", cfg.DestRoot)
	}
	if cfg.VerifyWorkers != 10 || cfg.DownloadWorkers != 4 {
		t.Fatalf("unexpected worker defaults: verify=%d download=%d", cfg.VerifyWorkers, cfg.DownloadWorkers)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("unexpected retry default %d", cfg.MaxRetries)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Fatalf("unexpected probe timeout %v", cfg.ProbeTimeout)
	}
	if cfg.UseHTTP3 {
		t.Fatal("HTTP/3 should default off")
	}
}

func TestFromEnvWorkerClamping(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  int
	}{
		{"above maximum", "100", 32},
		{"below minimum", "0", 1},
		{"not a number", "many", 4},
		{"valid", "8", 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DOWNLOAD_MAX_WORKERS", tc.value)
			cfg, err := FromEnv("/tmp/models", testLogger())
			if err != nil {
				t.Fatalf("FromEnv failed: %v", err)
			}
			if cfg.DownloadWorkers != tc.want {
				t.Fatalf("DOWNLOAD_MAX_WORKERS=%s: got %d, want %d", tc.value, cfg.DownloadWorkers, tc.want)
			}
		})
	}
}

func TestFromEnvBadBoolIsFatal(t *testing.T) {
	t.Setenv("MODELFETCH_HTTP3", "yes please")
	if _, err := FromEnv("/tmp/models", testLogger()); err == nil {
		t.Fatal("expected error for malformed MODELFETCH_HTTP3")
	}
}

func TestFromEnvReadsSettings(t *testing.T) {
	t.Setenv("HF_TOKEN", "hf_abcdefghij")
	t.Setenv("HTTP_TIMEOUT_SECONDS", "3")
	t.Setenv("MODELFETCH_HTTP3", "true")
	t.Setenv("MODELFETCH_RATE_LIMIT_MBPS", "12.5")
	cfg, err := FromEnv("/tmp/models", testLogger())
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Token != "hf_abcdefghij" {
		t.Fatalf("unexpected token %q", cfg.Token)
	}
	if cfg.ProbeTimeout != 3*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.ProbeTimeout)
	}
	if !cfg.UseHTTP3 {
		t.Fatal("expected HTTP/3 enabled")
	}
	if cfg.RateLimitMBps != 12.5 {
		t.Fatalf("unexpected rate limit %v", cfg.RateLimitMBps)
	}
}

func TestValidTokenShape(t *testing.T) {
	if validTokenShape("sk-not-a-hf-token") {
		t.Fatal("non-hf token accepted")
	}
	if validTokenShape("hf_short") {
		t.Fatal("too-short token accepted")
	}
	if !validTokenShape("hf_abcdefghijklmno") {
		t.Fatal("valid token rejected")
	}
}
