package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultVerifyWorkers   = 10
	defaultDownloadWorkers = 4
	defaultMaxRetries      = 5
	defaultProbeTimeout    = 10 * time.Second
	maxWorkers             = 32
)

// GatedHost is the provider host that requires bearer authentication.
const GatedHost = "huggingface.co"

// Config holds all runtime settings for one pipeline run. It is built once
// at process start and passed into every component; nothing else reads the
// environment.
type Config struct {
	DestRoot        string        // destination root directory (positional arg)
	ManifestPath    string        // explicit manifest path, may be empty
	Token           string        // bearer token for the gated host, may be empty
	VerifyWorkers   int           // verification pool size (1..32)
	DownloadWorkers int           // transfer pool size (1..32)
	MaxRetries      int           // transfer retry budget
	ProbeTimeout    time.Duration // verification probe timeout
	RateLimitMBps   float64       // whole-run bandwidth cap, 0 disables
	UseHTTP3        bool          // use the HTTP/3 transport for all requests
	ProgressAddr    string        // listen address for the live progress feed, may be empty
	LogLevel        string        // slog level (debug, info, warn, error)
}

// FromEnv builds a Config from the environment and the destination root.
// Out-of-range numeric values are clamped with a warning rather than
// rejected; a malformed boolean is a hard error so a typo cannot silently
// flip a mode.
func FromEnv(destRoot string, logger *slog.Logger) (Config, error) {
	cfg := Config{
		DestRoot:        destRoot,
		ManifestPath:    os.Getenv("MODELS_MANIFEST"),
		Token:           strings.TrimSpace(os.Getenv("HF_TOKEN")),
		VerifyWorkers:   defaultVerifyWorkers,
		DownloadWorkers: defaultDownloadWorkers,
		MaxRetries:      defaultMaxRetries,
		ProbeTimeout:    defaultProbeTimeout,
		ProgressAddr:    os.Getenv("MODELFETCH_PROGRESS_ADDR"),
		LogLevel:        "info",
	}

	if lvl := os.Getenv("MODELFETCH_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}

	cfg.VerifyWorkers = intFromEnv("VERIFY_MAX_WORKERS", cfg.VerifyWorkers, 1, maxWorkers, logger)
	cfg.DownloadWorkers = intFromEnv("DOWNLOAD_MAX_WORKERS", cfg.DownloadWorkers, 1, maxWorkers, logger)
	cfg.MaxRetries = intFromEnv("DOWNLOAD_MAX_RETRIES", cfg.MaxRetries, 0, 20, logger)

	if raw := os.Getenv("HTTP_TIMEOUT_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 1 {
			logger.Warn("invalid HTTP_TIMEOUT_SECONDS, using default",
				"value", raw, "default", defaultProbeTimeout)
		} else {
			cfg.ProbeTimeout = time.Duration(secs) * time.Second
		}
	}

	if raw := os.Getenv("MODELFETCH_RATE_LIMIT_MBPS"); raw != "" {
		mbps, err := strconv.ParseFloat(raw, 64)
		if err != nil || mbps < 0 {
			logger.Warn("invalid MODELFETCH_RATE_LIMIT_MBPS, rate limiting disabled", "value", raw)
		} else {
			cfg.RateLimitMBps = mbps
		}
	}

	if raw := os.Getenv("MODELFETCH_HTTP3"); raw != "" {
		use, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("MODELFETCH_HTTP3 must be a boolean, got %q", raw)
		}
		cfg.UseHTTP3 = use
	}

	if cfg.Token != "" && !validTokenShape(cfg.Token) {
		logger.Warn("HF_TOKEN does not look like a Hugging Face token; gated downloads may fail")
	}

	return cfg, nil
}

// intFromEnv parses an integer env var, clamping it into [min, max].
func intFromEnv(name string, def, min, max int, logger *slog.Logger) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer env var, using default", "var", name, "value", raw, "default", def)
		return def
	}
	if n < min {
		logger.Warn("env var below minimum, clamping", "var", name, "value", n, "min", min)
		return min
	}
	if n > max {
		logger.Warn("env var above maximum, clamping", "var", name, "value", n, "max", max)
		return max
	}
	return n
}

// Hugging Face tokens start with "hf_" and are longer than ten characters.
// A wrong-looking token is still sent; the warning just saves debugging time.
func validTokenShape(token string) bool {
	return strings.HasPrefix(token, "hf_") && len(token) >= 10
}
