package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/accession/internal/api"
	"github.com/mattjoyce/accession/internal/auth"
	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/blob"
	"github.com/mattjoyce/accession/internal/config"
	"github.com/mattjoyce/accession/internal/ingest"
	"github.com/mattjoyce/accession/internal/lock"
	"github.com/mattjoyce/accession/internal/log"
	"github.com/mattjoyce/accession/internal/metrics"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/repo/sqlitestore"
	"github.com/mattjoyce/accession/internal/storage"
	"github.com/mattjoyce/accession/internal/supervisor"
	"github.com/mattjoyce/accession/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "batch":
		return runBatchNoun(args)
	case "object":
		return runObjectNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: accession version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("accession %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`accession - batch ingest and tree maintenance for a versioned document repository

Usage:
  accession <noun> <action> [flags]

Core Resources (Nouns):
  system    Daemon lifecycle and monitoring
  batch     Batch directory queue
  object    Repository tree mutations
  config    Configuration and integrity

System Commands:
  system start      Run the batch supervisor (and API, if enabled) in the foreground
  system status     Show PID lock state and queue contents
  system pause      Pause the running supervisor (via API)
  system resume     Resume the running supervisor (via API)
  system watch      Real-time monitoring TUI

Batch Commands:
  batch enqueue <dir>   Move a prepared batch directory into the queue
  batch run <dir>       Ingest one batch immediately, bypassing the queue
  batch list            List batches in queued, failed or finished

Object Commands:
  object show <id>                  Show an object's listing and relationships
  object move --to <id> <ids...>    Move children into another container
  object delete <id>                Purge an object and its subtree

Config Commands:
  config check      Validate configuration and integrity
  config show       Print the effective configuration
  config get <path> Print one configuration value
  config lock       Record integrity hashes for config files

General:
  version           Show version information
  help              Show this help message

Use 'accession <noun> help' for action-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "pause", "resume":
		if hasHelpFlag(actionArgs) {
			printSystemControlHelp(action)
			return 0
		}
		return runSystemControl(action, actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: accession system <action>")
	fmt.Fprintln(w, "Actions: start, status, pause, resume, watch")
}

func printSystemStartHelp() {
	fmt.Println("Usage: accession system start [--config PATH]")
	fmt.Println("Run the batch supervisor in the foreground until SIGINT or SIGTERM.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: accession system status [--config PATH] [--json]")
	fmt.Println("Show PID lock state and the batches in each queue area.")
}

func printSystemControlHelp(action string) {
	fmt.Printf("Usage: accession system %s [--config PATH] [--api-url URL] [--api-key KEY]\n", action)
	fmt.Printf("Ask the running daemon to %s batch processing.\n", action)
}

// --- CONFIG HELPERS ---

// resolveConfig loads the configuration at path, or the discovered one when
// path is empty.
func resolveConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, "", err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func pidLockPath(cfg *config.Config) string {
	if cfg.Service.PIDFile != "" {
		return cfg.Service.PIDFile
	}
	return filepath.Join(filepath.Dir(cfg.State.Path), "accession.pid")
}

// services is the set of components shared by the daemon and one-shot commands.
type services struct {
	cfg    *config.Config
	db     *sql.DB
	store  *sqlitestore.Store
	queue  *batchqueue.Queue
	hub    *notify.Hub
	env    ingest.Env
	closer func()
}

// openServices opens the database, blob backend and batch queue. m may be nil.
func openServices(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*services, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	blobs, err := blob.Open(ctx, cfg.Blobs)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open blob backend: %w", err)
	}
	q, err := batchqueue.New(cfg.Queue.Root)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open batch queue: %w", err)
	}

	var mailer notify.Mailer = notify.DiscardMailer{}
	if cfg.Mail.Enabled {
		mailer = notify.NewSMTPMailer(cfg.Mail)
	}

	store := sqlitestore.New(db, blobs)
	hub := notify.NewHub(256)
	return &services{
		cfg:   cfg,
		db:    db,
		store: store,
		queue: q,
		hub:   hub,
		env: ingest.Env{
			Store:      store,
			Queue:      q,
			Principals: auth.NewDirectory(cfg.Principals),
			Notifier:   hub,
			Mailer:     mailer,
			Metrics:    m,
			Options:    ingest.OptionsFromConfig(cfg),
		},
		closer: func() { db.Close() },
	}, nil
}

func (rt *services) Close() {
	if rt.closer != nil {
		rt.closer()
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	var hookCfg webhook.Config
	if cfg.Hooks.Listen != "" {
		if hookCfg, err = webhook.FromGlobalConfig(cfg.Hooks); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid hooks config: %v\n", err)
			return 1
		}
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("accession starting", "version", version, "config", path)

	for _, target := range []struct{ path, setting string }{
		{cfg.State.Path, "state.path"},
		{cfg.Queue.Root, "queue.root"},
	} {
		if err := storage.CheckLocalFilesystem(target.path, target.setting); err != nil {
			logger.Error("unsupported filesystem", "error", err)
			return 1
		}
	}

	lockPath := pidLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := openServices(ctx, cfg, m)
	if err != nil {
		logger.Error("failed to open repository", "error", err)
		return 1
	}
	defer rt.Close()
	logger.Info("repository opened", "state", cfg.State.Path, "queue", cfg.Queue.Root, "blobs", cfg.Blobs.Backend)

	sup := supervisor.New(rt.env, rt.queue, supervisor.OptionsFromConfig(cfg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sup.Start(gctx); err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		<-sup.Done()
		return nil
	})

	if cfg.API.Enabled {
		metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
		server := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey},
			rt.queue, sup, rt.hub, metricsHandler, log.WithComponent("api"))
		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Hooks.Listen != "" {
		hooks := webhook.New(hookCfg, rt.queue, log.WithComponent("hooks"))
		g.Go(func() error {
			if err := hooks.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("hooks: %w", err)
			}
			return nil
		})
		logger.Info("batch hooks enabled", "listen", cfg.Hooks.Listen, "endpoints", len(hookCfg.Endpoints))
	}

	logger.Info("accession running (press Ctrl+C to stop)")
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("accession stopped")
	return 0
}

type systemStatus struct {
	Config  string         `json:"config"`
	PIDLock pidLockStatus  `json:"pid_lock"`
	Areas   map[string]int `json:"areas"`
	Ready   int            `json:"ready"`
}

type pidLockStatus struct {
	Path string `json:"path"`
	Held bool   `json:"held"`
	PID  int    `json:"pid,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWriter("ERROR", os.Stderr)

	status := systemStatus{
		Config:  path,
		PIDLock: pidLockStatus{Path: pidLockPath(cfg)},
		Areas:   make(map[string]int),
	}
	probe, err := lock.AcquirePIDLock(status.PIDLock.Path)
	switch {
	case err == nil:
		_ = probe.Release()
	case errors.Is(err, lock.ErrHeld):
		status.PIDLock.Held = true
		status.PIDLock.PID, _ = lock.HolderPID(status.PIDLock.Path)
	default:
		fmt.Fprintf(os.Stderr, "Failed to probe PID lock: %v\n", err)
		return 1
	}

	q, err := batchqueue.New(cfg.Queue.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open batch queue: %v\n", err)
		return 1
	}
	ctx := context.Background()
	for _, area := range []string{batchqueue.AreaQueued, batchqueue.AreaFailed, batchqueue.AreaFinished} {
		handles, err := q.List(ctx, area)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list %s: %v\n", area, err)
			return 1
		}
		status.Areas[area] = len(handles)
	}
	if status.Ready, err = q.ReadyCount(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to count ready batches: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(status)
	}
	fmt.Print(renderSystemStatus(status))
	return 0
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
