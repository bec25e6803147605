package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/toolgate/toolgate/internal/app"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/lockfile"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("toolgate %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `toolgate

Usage:
  toolgate init [flags]
  toolgate run [flags]
  toolgate version

Commands:
  init        Write a config file with the given settings.
  run         Serve the approval gate using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	rootDir := fs.String("root-dir", "", "Filesystem root dir (default: user home dir)")
	shell := fs.String("shell", "", "Shell command (default: $SHELL or /bin/bash)")
	storeDir := fs.String("store-dir", "", "Invocation journal dir (empty: journal disabled)")
	autoClose := fs.Bool("auto-close-terminal", false, "Close the terminal session once a command finalizes")
	skipAnim := fs.Bool("skip-write-animation", false, "Disable incremental diff preview during file writes")
	autoWrite := fs.Bool("auto-approve-write-only", false, "Auto-approve file writes, still prompt for commands")
	timeoutSec := fs.Int("command-timeout", 0, "Command wait window in seconds (0: built-in default)")
	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	cfg := &config.Config{
		RootDir:               strings.TrimSpace(*rootDir),
		Shell:                 strings.TrimSpace(*shell),
		AutoCloseTerminal:     *autoClose,
		SkipWriteAnimation:    *skipAnim,
		AutoApproveWriteOnly:  *autoWrite,
		CommandTimeoutSeconds: *timeoutSec,
		StoreDir:              strings.TrimSpace(*storeDir),
		LogFormat:             *logFormat,
		LogLevel:              *logLevel,
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	socketPath := fs.String("socket", defaultSocketPath(), "Unix socket path for operator connections")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyConfigDefaults(cfg)

	logger, err := newLogger(strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(*socketPath), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare socket dir: %v\n", err)
		os.Exit(1)
	}
	lock, err := lockfile.Acquire(*socketPath + ".lock")
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			fmt.Fprintf(os.Stderr, "another toolgate instance is already running on %s\n", *socketPath)
		} else {
			fmt.Fprintf(os.Stderr, "failed to acquire lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer lock.Release()

	a, err := app.New(app.Options{
		Config:  cfg,
		Logger:  logger,
		Version: Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	printWelcomeBanner(os.Stdout, welcomeBannerOptions{
		Version:    Version,
		SocketPath: *socketPath,
		RootDir:    cfg.RootDir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := a.ListenAndServe(ctx, *socketPath); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "toolgate exited with error: %v\n", err)
		os.Exit(1)
	}
}

// applyConfigDefaults fills the fields the operator may leave empty.
func applyConfigDefaults(cfg *config.Config) {
	if strings.TrimSpace(cfg.RootDir) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.RootDir = home
		}
	}
}

func defaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "toolgate.sock"
	}
	return filepath.Join(home, ".toolgate", "toolgate.sock")
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
