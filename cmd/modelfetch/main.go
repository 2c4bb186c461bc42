package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ecomtree/modelfetch/internal/config"
	"github.com/ecomtree/modelfetch/internal/logging"
	"github.com/ecomtree/modelfetch/internal/pipeline"
)

const version = "v0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if hasHelpFlag(args) {
		printUsage()
		return 0
	}
	if hasVersionFlag(args) {
		fmt.Println(version)
		return 0
	}

	destRoot := "."
	if len(args) > 0 {
		destRoot = args[0]
	}

	bootstrap := logging.New("modelfetch", "info")
	cfg, err := config.FromEnv(destRoot, bootstrap)
	if err != nil {
		bootstrap.Error("invalid configuration", "category", "config", "error", err)
		return 2
	}
	logger := logging.New("modelfetch", cfg.LogLevel)

	// First interrupt cancels the run gracefully; partial downloads keep
	// their sidecars so the next run resumes.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = pipeline.New(cfg, logger).Run(ctx)
	if err != nil {
		if errors.Is(err, pipeline.ErrDestination) {
			logger.Error("destination root not usable", "category", "filesystem", "error", err)
			return 3
		}
		logger.Error("manifest unavailable", "category", "manifest", "error", err)
		return 2
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: modelfetch [dest-root]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Downloads every model named in the manifest into a ComfyUI-style")
	fmt.Fprintln(os.Stderr, "directory layout under dest-root (default: current directory).")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "environment:")
	fmt.Fprintln(os.Stderr, "  MODELS_MANIFEST            explicit manifest path")
	fmt.Fprintln(os.Stderr, "  HF_TOKEN                   bearer token for gated Hugging Face models")
	fmt.Fprintln(os.Stderr, "  VERIFY_MAX_WORKERS         verification pool size (default 10)")
	fmt.Fprintln(os.Stderr, "  DOWNLOAD_MAX_WORKERS       download pool size (default 4)")
	fmt.Fprintln(os.Stderr, "  DOWNLOAD_MAX_RETRIES       retry budget per download (default 5)")
	fmt.Fprintln(os.Stderr, "  HTTP_TIMEOUT_SECONDS       verification probe timeout (default 10)")
	fmt.Fprintln(os.Stderr, "  MODELFETCH_RATE_LIMIT_MBPS whole-run bandwidth cap")
	fmt.Fprintln(os.Stderr, "  MODELFETCH_HTTP3           use the HTTP/3 transport (true/false)")
	fmt.Fprintln(os.Stderr, "  MODELFETCH_PROGRESS_ADDR   live progress feed listen address")
	fmt.Fprintln(os.Stderr, "  MODELFETCH_LOG_LEVEL       debug, info, warn, or error")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
