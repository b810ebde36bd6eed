package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/profilesync/internal/api"
	"github.com/kalambet/profilesync/internal/config"
	"github.com/kalambet/profilesync/internal/profile"
	"github.com/kalambet/profilesync/internal/realtime"
	"github.com/kalambet/profilesync/internal/storage"
	"github.com/kalambet/profilesync/internal/storage/postgres"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the profilesync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running profilesync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show profilesync server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the profile tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// backingStore is what both storage drivers provide.
type backingStore interface {
	profile.Store
	Broker() *storage.Broker
	Close() error
}

func openStore(ctx context.Context, cfg config.Config) (backingStore, error) {
	if cfg.Storage.Driver == "postgres" {
		s, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func newManager(store profile.Store, cfg config.Config, logger *slog.Logger) *profile.Manager {
	return profile.NewManager(store, profile.Options{
		TTL:        cfg.Cache.TTL,
		StaleAfter: cfg.Cache.StaleAfter,
		BatchSize:  cfg.Cache.BatchSize,
		Logger:     logger,
	})
}

// relayEnabled reports whether the Redis change relay should run. Postgres
// instances already share changes through LISTEN/NOTIFY.
func relayEnabled(cfg config.Config, logger *slog.Logger) bool {
	if cfg.Realtime.RedisAddr == "" {
		return false
	}
	if cfg.Storage.Driver == "postgres" {
		logger.Info("change relay not needed with postgres storage", "redis_addr", cfg.Realtime.RedisAddr)
		return false
	}
	return true
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "profilesync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	logger.Info("starting profilesync", "version", version, "driver", cfg.Storage.Driver)

	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice on the same port.
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	if relayEnabled(cfg, logger) {
		relay := realtime.NewRelay(ctx, cfg.Realtime.RedisAddr, cfg.Realtime.Channel, store.Broker(), logger)
		defer relay.Close()
	}

	mgr := newManager(store, cfg, logger)
	defer mgr.Close()

	handler := api.NewAppHandler(api.AppDeps{
		Profile:   mgr,
		Token:     apiToken,
		JWTSecret: cfg.Auth.JWTSecret,
		Logger:    logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConns)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "max_conns", cfg.Server.MaxConns)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	if relayEnabled(cfg, logger) {
		relay := realtime.NewRelay(ctx, cfg.Realtime.RedisAddr, cfg.Realtime.Channel, store.Broker(), logger)
		defer relay.Close()
	}

	mgr := newManager(store, cfg, logger)
	defer mgr.Close()

	s := api.NewMCPServer(api.MCPDeps{Profile: mgr, Version: version})
	logger.Info("MCP server started (stdio transport)")
	if err := server.ServeStdio(s); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("profilesync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop profilesync (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to profilesync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	if relayEnabled(cfg, slog.New(slog.DiscardHandler)) {
		printStatus("Relay", "redis %s (%s)", cfg.Realtime.RedisAddr, cfg.Realtime.Channel)
	}
	printStatus("Cache", "ttl %s, stale after %s, batch %d", cfg.Cache.TTL, cfg.Cache.StaleAfter, cfg.Cache.BatchSize)

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	resp, err = client.get(ctx, "/cache/stats")
	if err != nil {
		return nil
	}
	var stats profile.Stats
	if err := decodeJSON(resp, &stats); err != nil {
		printWarning("could not read cache stats: %v", err)
		return nil
	}
	printStats(stats)
	return nil
}

func printStats(s profile.Stats) {
	printStatus("Entries", "%d", s.Entries)
	printStatus("Hit rate", "%s", hitRate(s.Hits, s.Misses))
	printStatus("Stale serves", "%d", s.StaleServes)
	printStatus("Rollbacks", "%d", s.Rollbacks)
	printStatus("Queued writes", "%d", s.QueueDepth)
}

func hitRate(hits, misses int64) string {
	total := hits + misses
	if total == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%% (%d/%d)", 100*float64(hits)/float64(total), hits, total)
}

// printJSON writes v to stdout, indented.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
