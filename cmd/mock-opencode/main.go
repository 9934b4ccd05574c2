// Command mock-opencode is a stand-in OpenCode server for development and
// end-to-end tests. It serves the HTTP and SSE surface the daemon consumes
// and writes the same storage tree a real install maintains, so session
// discovery, file watching, and the event stream can all be exercised
// without OpenCode present.
//
// Scenarios are chosen by prompt: /error, /slow [duration], /thinking,
// /tool:<read|edit|exec|search|webfetch|todo>, /todo, and /e2e:<name> for
// fixed-timing flows. Anything else gets a random response mix. Set
// XDG_DATA_HOME to point the mock and the daemon at an isolated storage
// tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
)

func main() {
	var (
		port    = flag.Int("port", 4096, "listen port; daemon discovery sweeps 4096 and up")
		dataDir = flag.String("data-dir", defaultDataDir(), "OpenCode data directory to write under")
		dir     = flag.String("dir", "", "project directory recorded in sessions (default: working directory)")
		model   = flag.String("model", "mock-default", "model id; mock-fast and mock-slow change pacing")
	)
	flag.Parse()

	if err := run(*port, *dataDir, *dir, *model); err != nil {
		fmt.Fprintf(os.Stderr, "mock-opencode: %v\n", err)
		os.Exit(1)
	}
}

func run(port int, dataDir, dir, model string) error {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "text", OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}
	if dataDir == "" {
		return errors.New("no data directory resolved; pass --data-dir")
	}

	writer := newStoreWriter(filepath.Join(dataDir, "storage"), "mock")
	srv := newMockServer(writer, newWorkspace(dir), model, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: srv.engine(),
		// No write timeout: /event streams for the process lifetime and
		// /session/:id/message is held open for whole turns.
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("mock OpenCode server listening",
		zap.String("addr", httpSrv.Addr),
		zap.String("storage", writer.root),
		zap.String("project", dir))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// defaultDataDir resolves the same data root the daemon's adapter reads:
// $XDG_DATA_HOME/opencode, falling back to ~/.local/share/opencode.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "opencode")
}
