package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mtzanidakis/syntonia/internal/config"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("syntonia %s\n", version)
		return
	case "serve":
		err = runServe()
	case "snapshot":
		err = runSnapshot(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: syntonia <command>

Commands:
  serve                               Start the coordinator service
  snapshot -f <out.tar.zst>           Export the memory store
  restore -f <in.tar.zst> [-overwrite] Import a memory store snapshot
  version                             Print version
`)
}

// setupLogger installs the default slog logger described by cfg.
func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
