// main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pagepatch/internal/app"
	"pagepatch/internal/config"
	"pagepatch/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagepatch: %v\n", err)
		os.Exit(1)
	}

	closeLogs := setupLogging(cfg)
	defer closeLogs()

	ctx := app.NewContext(cfg)
	defer ctx.Close()

	srv := ws.NewServer(ctx)
	port, err := srv.Start()
	if err != nil {
		slog.Error("starting server", "error", err)
		os.Exit(1)
	}

	// The overlay extension reads this line to find the endpoint
	fmt.Printf("WS_PORT:%d\n", port)
	slog.Info("pagepatch ready", "port", port, "project", cfg.ProjectDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}

// setupLogging installs a JSON slog handler writing to stderr and the log
// file under ~/.pagepatch/logs.
func setupLogging(cfg *config.Config) func() {
	out := io.Writer(os.Stderr)
	closer := func() {}

	path := filepath.Join(cfg.LogDir, "pagepatch.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagepatch: cannot open log file %s: %v\n", path, err)
	} else {
		out = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
	return closer
}
