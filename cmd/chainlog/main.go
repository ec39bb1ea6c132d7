// Package main is the CLI entry point for chainlog — a tamper-evident,
// append-only audit log for automated trading operations.
//
// Every recorded event carries a content hash over its own fields and a
// chain hash linking it to the previous entry. Editing, inserting,
// removing, or reordering any stored record breaks verification from that
// point forward.
//
// Architecture overview:
//
//	callers --> Append (serialized linker) --> SQLite entry store
//	                                              |
//	            Verifier <------------------------+
//	            |-- content pass (per-entry hash recomputation)
//	            |-- chain walk (linkage + tamper localization)
//	            scheduled auditor --> critical findings --> log + live feed
//
// CLI commands (cobra):
//
//	chainlog            - Interactive first-run setup
//	chainlog serve [-d] - Run the server (dashboard + REST API + auditor)
//	chainlog stop       - Stop a running server
//	chainlog status     - Show server status and chain tail
//	chainlog append     - Record an audit entry from the command line
//	chainlog verify     - Verify integrity (whole log, window, or entity)
//	chainlog tail       - Show recent entries
//	chainlog query      - Query entries with filters
//	chainlog export     - Export the log (jsonl, json, csv)
//	chainlog config     - View/edit configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainlog/chainlog/internal/audit"
	"github.com/chainlog/chainlog/internal/auditor"
	"github.com/chainlog/chainlog/internal/config"
	"github.com/chainlog/chainlog/internal/dashboard"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-30"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.chainlog/ where runtime state
// lives: config.yaml and the SQLite entry store.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".chainlog"
	}
	return filepath.Join(home, ".chainlog")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the chainlog config/state directory.
// Defaults to ~/.chainlog/ but can be overridden for testing or custom setups.
var configDir string

// rootCmd is the top-level cobra command. When run with no subcommand,
// it runs the interactive first-run setup.
var rootCmd = &cobra.Command{
	Use:   "chainlog",
	Short: "chainlog — Tamper-evident audit log",
	Long: `chainlog is a tamper-evident, append-only audit log. Every entry carries
a content hash over its own fields and a chain hash linking it to its
predecessor, so any edit, insertion, removal, or reordering of stored
records is detectable and localizable.

Run 'chainlog serve' to start the server, or run 'chainlog' with no
arguments for first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	// --config-dir: Override the default ~/.chainlog/ directory.
	// This flag is persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to chainlog config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads config.yaml from the config directory and resolves the
// store path relative to it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(configDir, cfg.Store.Path)
	}
	return cfg, nil
}

// openLog opens the entry store named by the config for the direct-access
// CLI commands (append, verify, tail, query, export). These operate on the
// store directly, whether or not a server is running: the append path runs
// in a locking store transaction, so writes from both processes extend the
// same linear chain.
func openLog() (*audit.Log, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := audit.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return log, nil
}

// ============================================================================
// chainlog serve — Run the server
// ============================================================================

// daemonMode controls whether the server runs in the background (-d flag).
var daemonMode bool

// serveCmd runs the chainlog server: the dashboard, the REST API, and the
// scheduled integrity auditor, all on one port.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chainlog server",
	Long: `Run the chainlog server. Serves the web dashboard, the REST API, and
runs the scheduled integrity auditor.

By default runs in the foreground. Use -d for daemon/background mode.

The server binds to the address configured in ~/.chainlog/config.yaml
(default: 127.0.0.1:3800):
  - Dashboard: http://127.0.0.1:3800/dashboard
  - REST API:  http://127.0.0.1:3800/api/`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run server in daemon/background mode")
}

// runServe initializes all subsystems and starts the HTTP server:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.chainlog/config.yaml
//  3. Open the entry store and repair any half-linked tail
//  4. Start the scheduled integrity auditor
//  5. Mount the dashboard + REST API (if enabled in config)
//  6. Start the config watcher for auditor hot-reload
//  7. Write PID file and block until SIGINT/SIGTERM or HTTP shutdown
func runServe(cmd *cobra.Command, args []string) error {
	// When -d is passed and we're NOT the re-exec'd child, spawn a detached
	// child process and exit the parent. CHAINLOG_DAEMONIZED=1 marks the
	// child — Go can't fork() safely because the runtime is multi-threaded,
	// so daemonization is a re-exec.
	if daemonMode && os.Getenv("CHAINLOG_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Opening the log primes the chain tail and repairs a half-linked tail
	// entry left by a crash between create and chain-hash attach.
	auditLog, err := audit.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	// Server lifecycle events go into the chain like everything else.
	startupEntry, err := auditLog.Append(context.Background(), audit.AppendRequest{
		EventType:  audit.EventSystem,
		EntityType: "server",
		EntityID:   "chainlog",
		Metadata: map[string]any{
			"action":  "start",
			"version": version,
			"commit":  commit,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to record startup: %w", err)
	}
	slog.Info("server starting", "version", version, "startup_entry", startupEntry.ID)

	var dash *dashboard.Dashboard
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Options{
			Log:     auditLog,
			Version: version,
		})
	}

	// The auditor escalates findings through the dashboard when it exists,
	// so tamper findings show up on the live feed as well as the log.
	var notifier auditor.Notifier
	if dash != nil {
		notifier = dash
	}
	sched, err := auditor.New(auditLog, notifier, auditor.Options{
		Interval:         cfg.Auditor.IntervalDuration(),
		Window:           cfg.Auditor.WindowDuration(),
		SweepEntityTypes: cfg.Auditor.SweepEntityTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auditor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Auditor.Enabled {
		go func() {
			if runErr := sched.Run(ctx); runErr != nil && runErr != context.Canceled {
				slog.Error("auditor stopped", "error", runErr)
			}
		}()
	}

	mux := http.NewServeMux()

	if dash != nil {
		mux.Handle("/dashboard", dash)
		mux.Handle("/dashboard/", dash)
		mux.Handle("/dashboard/ws", dash.WebSocketHandler())
		mux.Handle("/api/", dash.APIHandler())
	}

	// Health check endpoint — used by `chainlog status` to detect a
	// running server.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	// Shutdown endpoint — used by `chainlog stop` to trigger graceful
	// shutdown cross-platform (Windows has no Unix signals). Only accepts
	// POST from loopback addresses.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
			// Already shutting down.
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pidFile := filepath.Join(configDir, "chainlog.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	// Config watcher: when config.yaml changes, reload the auditor
	// schedule in place. Server address and store path changes still need
	// a restart.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			newCfg, loadErr := loadConfig()
			if loadErr != nil {
				slog.Error("config reload failed", "error", loadErr)
				return
			}
			reloadErr := sched.Reload(auditor.Options{
				Interval:         newCfg.Auditor.IntervalDuration(),
				Window:           newCfg.Auditor.WindowDuration(),
				SweepEntityTypes: newCfg.Auditor.SweepEntityTypes,
			})
			if reloadErr != nil {
				slog.Error("auditor reload failed", "error", reloadErr)
				return
			}
			slog.Info("auditor schedule reloaded",
				"interval", newCfg.Auditor.Interval, "window", newCfg.Auditor.Window)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[chainlog] Listening on http://%s\n", addr)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[chainlog] Dashboard at http://%s/dashboard\n", addr)
		}
		if !daemonMode {
			fmt.Println("[chainlog] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	// Block until shutdown signal, HTTP shutdown request, or server error.
	select {
	case <-ctx.Done():
		fmt.Println("\n[chainlog] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[chainlog] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[chainlog] Shutdown error: %v\n", shutdownErr)
	}

	// Record shutdown in the chain before closing the store.
	if _, appendErr := auditLog.Append(context.Background(), audit.AppendRequest{
		EventType:  audit.EventSystem,
		EntityType: "server",
		EntityID:   "chainlog",
		Metadata:   map[string]any{"action": "stop"},
	}); appendErr != nil {
		fmt.Fprintf(os.Stderr, "[chainlog] Warning: failed to record shutdown: %v\n", appendErr)
	}

	fmt.Println("[chainlog] Stopped")
	return nil
}

// spawnDaemon re-executes the chainlog binary as a detached background
// process. The parent prints the child PID and exits; the child detects
// CHAINLOG_DAEMONIZED=1 and runs the server normally.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "chainlog.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"serve"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "CHAINLOG_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[chainlog] Server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[chainlog] Log file: %s\n", logPath)
	fmt.Println("[chainlog] Use 'chainlog stop' to stop the server")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[chainlog] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

// writePIDFile writes the current process ID to the given file path.
// Used by `chainlog stop` to find the running server process.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// isLoopback checks if a remote address is a loopback address (127.x.x.x
// or ::1). Used to restrict the /shutdown endpoint to local-only access.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// chainlog stop — Stop the server
// ============================================================================

// stopCmd sends a stop signal to a running chainlog server.
//
// Uses two strategies (in order):
//  1. HTTP POST to /shutdown — works cross-platform (Windows + Unix)
//  2. PID file + SIGTERM — Unix fallback if HTTP fails
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running chainlog server",
	Long: `Stop a running chainlog server. Tries HTTP shutdown first
(cross-platform), then falls back to PID file + SIGTERM on Unix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[chainlog] Stop signal sent to server")
			os.Remove(filepath.Join(configDir, "chainlog.pid"))
			return nil
		}
	}

	// HTTP failed — try SIGTERM via the PID file. Unix only.
	if runtime.GOOS == "windows" {
		return fmt.Errorf("server is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "chainlog.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("server is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[chainlog] Sent stop signal to server (PID %d)\n", pid)
	return nil
}

// ============================================================================
// chainlog status — Show server status
// ============================================================================

// statusCmd displays whether the server is running and where the chain
// currently ends. Queries the running server via HTTP to get live
// in-memory state.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and chain tail",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[chainlog] Status: NOT RUNNING")
		fmt.Printf("[chainlog] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[chainlog] Status: RUNNING")
	fmt.Printf("[chainlog] Listening on: %s\n", addr)

	statusResp, err := client.Get(addr + "/api/status")
	if err != nil {
		fmt.Println("[chainlog] Could not query chain status (dashboard API may be disabled)")
		return nil
	}
	defer statusResp.Body.Close()

	var status struct {
		Version     string    `json:"version"`
		Uptime      string    `json:"uptime"`
		ChainTailID string    `json:"chain_tail_id"`
		ChainTailTS time.Time `json:"chain_tail_ts"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		fmt.Println("[chainlog] Could not parse chain status")
		return nil
	}

	fmt.Printf("[chainlog] Version: %s, uptime: %s\n", status.Version, status.Uptime)
	if status.ChainTailID != "" {
		fmt.Printf("[chainlog] Chain tail: %s (at %s)\n",
			status.ChainTailID, status.ChainTailTS.Format(time.RFC3339))
	} else {
		fmt.Println("[chainlog] Chain is empty")
	}
	return nil
}

// ============================================================================
// chainlog append — Record an entry
// ============================================================================

// Append flags.
var (
	appendEventType   string
	appendEntityType  string
	appendEntityID    string
	appendUser        string
	appendCorrelation string
	appendBefore      string
	appendAfter       string
	appendMetadata    string
)

// appendCmd records a single audit entry from the command line, writing
// directly to the entry store.
var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Record an audit entry",
	Long: `Record a single audit entry. State snapshots and metadata are JSON
objects.

Example:
  chainlog append --event strategy_updated --entity-type strategy \
    --entity-id momentum-1 --user alice \
    --before '{"max_position": 100}' --after '{"max_position": 250}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openLog()
		if err != nil {
			return err
		}
		defer log.Close()

		req := audit.AppendRequest{
			EventType:     audit.EventType(appendEventType),
			EntityType:    appendEntityType,
			EntityID:      appendEntityID,
			UserID:        appendUser,
			CorrelationID: appendCorrelation,
		}
		for _, f := range []struct {
			raw  string
			dest *map[string]any
			name string
		}{
			{appendBefore, &req.BeforeState, "--before"},
			{appendAfter, &req.AfterState, "--after"},
			{appendMetadata, &req.Metadata, "--metadata"},
		} {
			if f.raw == "" {
				continue
			}
			if err := json.Unmarshal([]byte(f.raw), f.dest); err != nil {
				return fmt.Errorf("invalid JSON for %s: %w", f.name, err)
			}
		}

		entry, err := log.Append(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}

		fmt.Printf("[chainlog] Recorded %s\n", entry.ID)
		fmt.Printf("  content: %s\n", entry.ContentHash)
		fmt.Printf("  chain:   %s\n", entry.ChainHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendEventType, "event", "", "Event type (required)")
	appendCmd.Flags().StringVar(&appendEntityType, "entity-type", "", "Entity type (required)")
	appendCmd.Flags().StringVar(&appendEntityID, "entity-id", "", "Entity ID (required)")
	appendCmd.Flags().StringVar(&appendUser, "user", "", "Acting user (empty = system)")
	appendCmd.Flags().StringVar(&appendCorrelation, "correlation", "", "Correlation ID (generated if empty)")
	appendCmd.Flags().StringVar(&appendBefore, "before", "", "Before-state snapshot (JSON object)")
	appendCmd.Flags().StringVar(&appendAfter, "after", "", "After-state snapshot (JSON object)")
	appendCmd.Flags().StringVar(&appendMetadata, "metadata", "", "Metadata (JSON object)")
	appendCmd.MarkFlagRequired("event")
	appendCmd.MarkFlagRequired("entity-type")
	appendCmd.MarkFlagRequired("entity-id")
}

// ============================================================================
// chainlog verify — Verify integrity
// ============================================================================

// Verify flags.
var (
	verifyWindow     string
	verifyEntityType string
	verifyEntityID   string
)

// verifyCmd verifies the hash chain and entry contents, reporting where
// tampering was localized. Exits non-zero when any finding exists, so
// it can gate compliance pipelines.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify integrity of the audit log",
	Long: `Verify the audit log. By default verifies the whole history: every
entry's content hash is recomputed and the chain linkage is walked from
the first entry. Tampering is localized to the exact entries affected.

  chainlog verify                  Whole history
  chainlog verify --window 24h     Trailing window only
  chainlog verify --entity-type strategy --entity-id momentum-1
                                   All entries for one entity (content only)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openLog()
		if err != nil {
			return err
		}
		defer log.Close()

		// Entity-scoped verification checks content hashes only — an
		// entity's entries interleave with the rest of the chain, so
		// linkage is covered by the full walk, not this view.
		if verifyEntityType != "" || verifyEntityID != "" {
			if verifyEntityType == "" || verifyEntityID == "" {
				return fmt.Errorf("--entity-type and --entity-id must be used together")
			}
			report, err := log.VerifyEntity(cmd.Context(), verifyEntityType, verifyEntityID)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if len(report.Failed) == 0 {
				fmt.Printf("[chainlog] Entity %s/%s VALID (%d entries verified)\n",
					verifyEntityType, verifyEntityID, report.Verified)
				return nil
			}
			fmt.Printf("[chainlog] Entity %s/%s TAMPERED\n", verifyEntityType, verifyEntityID)
			for _, id := range report.Failed {
				fmt.Printf("  content hash mismatch: %s\n", id)
			}
			return fmt.Errorf("audit integrity violation detected")
		}

		var report audit.FullReport
		if verifyWindow != "" {
			dur, perr := time.ParseDuration(verifyWindow)
			if perr != nil {
				return fmt.Errorf("invalid --window duration: %w", perr)
			}
			end := time.Now().UTC()
			report, err = log.VerifyRange(cmd.Context(), end.Add(-dur), end)
		} else {
			report, err = log.VerifyAll(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if report.Valid {
			fmt.Printf("[chainlog] Audit log VALID (%d entries verified)\n", report.VerifiedEntries)
			return nil
		}

		fmt.Printf("[chainlog] Audit log TAMPERED (%d/%d entries verified)\n",
			report.VerifiedEntries, report.TotalEntries)
		if report.BrokenChainAt != nil {
			fmt.Printf("  chain broken at index %d\n", *report.BrokenChainAt)
		}
		for _, id := range report.TamperedEntries {
			fmt.Printf("  chain linkage failure: %s\n", id)
		}
		for _, id := range report.IntegrityFailures {
			fmt.Printf("  content hash mismatch: %s\n", id)
		}
		return fmt.Errorf("audit integrity violation detected")
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyWindow, "window", "", "Verify only the trailing window (e.g. 24h)")
	verifyCmd.Flags().StringVar(&verifyEntityType, "entity-type", "", "Verify a single entity (with --entity-id)")
	verifyCmd.Flags().StringVar(&verifyEntityID, "entity-id", "", "Verify a single entity (with --entity-type)")
}

// ============================================================================
// chainlog tail — Show recent entries
// ============================================================================

// tailLimit controls how many recent entries to show.
var tailLimit int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openLog()
		if err != nil {
			return err
		}
		defer log.Close()

		entries, err := log.Tail(cmd.Context(), tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}

		for i := range entries {
			printEntry(&entries[i])
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// ============================================================================
// chainlog query — Query entries with filters
// ============================================================================

// Query filter flags.
var (
	queryEntityType  string
	queryEntityID    string
	queryEventType   string
	queryUser        string
	queryCorrelation string
	querySince       string
	queryLimit       int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `Query the audit log with filters. Supports filtering by entity, event
type, user, correlation ID, and time range.

Examples:
  chainlog query --entity-type strategy --entity-id momentum-1
  chainlog query --event risk_breach --since 24h
  chainlog query --correlation 7c9e6679-7425-40de-944b-e07fc1f90ae7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openLog()
		if err != nil {
			return err
		}
		defer log.Close()

		params := audit.QueryParams{
			EntityType:    queryEntityType,
			EntityID:      queryEntityID,
			EventType:     audit.EventType(queryEventType),
			UserID:        queryUser,
			CorrelationID: queryCorrelation,
			Limit:         queryLimit,
		}
		if querySince != "" {
			dur, err := time.ParseDuration(querySince)
			if err != nil {
				return fmt.Errorf("invalid --since duration: %w", err)
			}
			params.Since = time.Now().UTC().Add(-dur)
		}

		entries, err := log.Query(cmd.Context(), params)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No matching audit entries found.")
			return nil
		}

		for i := range entries {
			printEntry(&entries[i])
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryEntityType, "entity-type", "", "Filter by entity type")
	queryCmd.Flags().StringVar(&queryEntityID, "entity-id", "", "Filter by entity ID")
	queryCmd.Flags().StringVar(&queryEventType, "event", "", "Filter by event type")
	queryCmd.Flags().StringVar(&queryUser, "user", "", "Filter by acting user")
	queryCmd.Flags().StringVar(&queryCorrelation, "correlation", "", "Filter by correlation ID")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Show entries since duration (e.g. 1h, 24h)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of entries to return")
}

// printEntry formats and prints a single audit entry to stdout.
func printEntry(e *audit.Entry) {
	user := e.UserID
	if user == "" {
		user = "system"
	}
	linked := "linked"
	if !e.Linked() {
		linked = "UNLINKED"
	}
	fmt.Printf("[%s] %s  %-22s %s/%s  user=%s  %s\n",
		e.Timestamp.Format(time.RFC3339), shortID(e.ID), e.EventType,
		e.EntityType, e.EntityID, user, linked)
}

// shortID abbreviates an entry id for display. IDs are UUIDs in practice,
// but entries decoded from exports may carry shorter ones.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// ============================================================================
// chainlog export — Export the log
// ============================================================================

// exportFormat controls the export output format (csv, json, jsonl).
var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit log",
	Long: `Export the full audit log to stdout in the specified format.
Supported formats: csv, json, jsonl.

Example:
  chainlog export --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openLog()
		if err != nil {
			return err
		}
		defer log.Close()

		return log.Export(cmd.Context(), os.Stdout, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

// ============================================================================
// chainlog config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit configuration",
	Long: `Manage the chainlog configuration. The config file lives at
~/.chainlog/config.yaml and defines the server bind address, the entry
store location, the auditor schedule, and the dashboard toggle.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configGenerateCmd)
}

// configShowCmd prints the current configuration to stdout.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'chainlog' for first-run setup or 'chainlog config generate' for a template.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// configEditCmd opens the config file in the user's preferred editor.
// Uses $EDITOR or $VISUAL env vars, falling back to platform defaults.
var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		fmt.Printf("[chainlog] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

// configGenerateCmd writes a fully-commented default config.yaml.
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s (use 'chainlog config edit')", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[chainlog] Wrote default config to %s\n", configPath)
		return nil
	},
}

// ============================================================================
// First-run setup
// ============================================================================

// runFirstTimeSetup runs when 'chainlog' is invoked with no subcommand.
// It creates the config directory, writes a default config, and opens the
// entry store once so the database exists.
func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== chainlog — First-Time Setup ===")
	fmt.Println()

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Println("Use 'chainlog serve' to start the server.")
		fmt.Println("Use 'chainlog config edit' to modify the configuration.")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	// Open the store once so the database and schema exist up front.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("Initializing entry store: %s\n", cfg.Store.Path)
	log, err := audit.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize entry store: %w", err)
	}
	log.Close()

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Start the server:")
	fmt.Println("     chainlog serve")
	fmt.Println()
	fmt.Println("  2. Record an entry:")
	fmt.Println("     chainlog append --event system --entity-type server \\")
	fmt.Println("       --entity-id chainlog --metadata '{\"note\": \"hello\"}'")
	fmt.Println()
	fmt.Println("  3. Verify integrity:")
	fmt.Println("     chainlog verify")
	fmt.Println()
	fmt.Println("  4. View the dashboard:")
	fmt.Println("     http://127.0.0.1:3800/dashboard")
	fmt.Println()
	return nil
}
