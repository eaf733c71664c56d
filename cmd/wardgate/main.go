// ABOUTME: Entry point for the wardgate relay server
// ABOUTME: Wires storage, the risk engine, the journal, and the HTTP surface

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/wardgate/wardgate/internal/config"
	"github.com/wardgate/wardgate/internal/gravity"
	"github.com/wardgate/wardgate/internal/guard"
	"github.com/wardgate/wardgate/internal/journal"
	"github.com/wardgate/wardgate/internal/orchestrator"
	"github.com/wardgate/wardgate/internal/registry"
	"github.com/wardgate/wardgate/internal/relay"
	"github.com/wardgate/wardgate/internal/server"
	"github.com/wardgate/wardgate/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _            _
 __      ____ _ _ __ __| | __ _  __ _| |_ ___
 \ \ /\ / / _' | '__/ _' |/ _' |/ _' | __/ _ \
  \ V  V / (_| | | | (_| | (_| | (_| | ||  __/
   \_/\_/ \__,_|_|  \__,_|\__, |\__,_|\__\___|
                          |___/
`

// getConfigPath returns the path to the wardgate config file.
// Priority: WARDGATE_CONFIG env var > XDG_CONFIG_HOME/wardgate/config.yaml > ~/.config/wardgate/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARDGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wardgate", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: wardgate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the relay server")
		fmt.Println("  init                  Write a starter config file")
		fmt.Println("  health                Check relay health")
		fmt.Println("  unlock-token USER_ID  Mint a panic unlock token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "unlock-token":
		err = runUnlockToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Journal:  %s\n", cfg.Journal.Dir)
	fmt.Println()

	logger.Info("starting wardgate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	jrnl, err := journal.Open(cfg.Journal.Dir, journal.Options{
		CheckpointCap:     cfg.Journal.CheckpointCap,
		AutoCheckpointCap: cfg.Journal.AutoCheckpointCap,
	})
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}

	engine := gravity.NewEngine()
	if cfg.Gravity.PatternsPath != "" {
		table, err := gravity.LoadPatternsTOML(cfg.Gravity.PatternsPath)
		if err != nil {
			return fmt.Errorf("loading risk patterns: %w", err)
		}
		engine = gravity.NewEngineWithMatcher(table)
		logger.Info("loaded risk pattern table", "path", cfg.Gravity.PatternsPath)
	}

	reg := registry.New(s, registry.NewCredentialIssuer(cfg.Auth.Secret), cfg.Pairing.CodeTTL, cfg.Pairing.MaxDevices)
	queue := relay.NewQueue(s, relay.Options{
		MaxPendingPerUser: cfg.Relay.MaxPendingPerUser,
		CommandTTL:        cfg.Relay.CommandTTL,
	})
	tokens := orchestrator.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.ConfirmTokenExpiry)

	orch, err := orchestrator.New(queue, engine, guard.NewRuntime(guard.RealClock{}), jrnl, tokens, orchestrator.Options{
		HeavyDelay:    cfg.Guard.HeavyDelay,
		CriticalDelay: cfg.Guard.CriticalDelay,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	router := server.NewRouter(server.Deps{
		Registry:     reg,
		Queue:        queue,
		Orchestrator: orch,
		Journal:      jrnl,
	})

	go queue.RunSweeper(ctx, cfg.Relay.SweepInterval)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

const starterConfig = `server:
  http_addr: "127.0.0.1:8470"

database:
  path: "wardgate.db"

journal:
  dir: "journal"

auth:
  secret: "${WARDGATE_SECRET}"

pairing:
  code_ttl: "10m"
  max_devices: 5

relay:
  max_pending_per_user: 20
  command_ttl: "10m"
  sweep_interval: "30s"

guard:
  heavy_delay: "30s"
  critical_delay: "180s"

logging:
  level: "info"
  format: "text"
`

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote %s\n", configPath)
	fmt.Println("Set WARDGATE_SECRET before starting the server.")
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runUnlockToken mints a panic unlock token. Holding the server secret
// is the re-authentication: only an operator with config access can
// release the lock.
func runUnlockToken() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: wardgate unlock-token USER_ID")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	issuer := orchestrator.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.ConfirmTokenExpiry)
	token, err := issuer.IssueUnlockToken(os.Args[2])
	if err != nil {
		return fmt.Errorf("minting unlock token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
