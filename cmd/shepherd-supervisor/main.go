// Command shepherd-supervisor is the long-lived daemon that drives every
// run's state machine: one tick loop, batched scheduler queries, bounded
// per-run concurrency. Grounded on original_source/shepherd/daemon.py's
// ShepherdDaemon.run/is_daemon_running pid-file dance and
// provider-daemon/cmd/daemon/main.go's signal-handling shape.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/slurm-shepherd/shepherd/internal/blacklist"
	"github.com/slurm-shepherd/shepherd/internal/config"
	"github.com/slurm-shepherd/shepherd/internal/errs"
	"github.com/slurm-shepherd/shepherd/internal/events"
	"github.com/slurm-shepherd/shepherd/internal/shepherdlog"
	"github.com/slurm-shepherd/shepherd/internal/slurmcli"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
	"github.com/slurm-shepherd/shepherd/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to supervisor config YAML (falls back to ~/.slurm_shepherd/config.yaml)")
	flag.Parse()

	path := *configPath
	if path == "" {
		home, _ := os.UserHomeDir()
		path = home + "/.slurm_shepherd/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shepherd-supervisor: load config:", err)
		return 1
	}
	stateDir := cfg.ResolveStateDir()

	logger, err := shepherdlog.New(cfg.LogLevel, cfg.LogDir, "supervisor")
	if err != nil {
		fmt.Fprintln(os.Stderr, "shepherd-supervisor: logger setup:", err)
		return 1
	}
	defer logger.Sync()

	store := statestore.New(stateDir)
	if err := store.EnsureDirs(); err != nil {
		logger.Error("shepherd-supervisor: ensure state dirs", zap.Error(err))
		return 1
	}

	if running, pid := isDaemonRunning(store.DaemonPIDPath()); running {
		fmt.Fprintf(os.Stderr, "shepherd-supervisor: already running (pid %d)\n", pid)
		return 1
	}
	if err := writePIDFile(store.DaemonPIDPath()); err != nil {
		logger.Error("shepherd-supervisor: write pid file", zap.Error(err))
		return 1
	}
	defer removePIDFile(store.DaemonPIDPath())

	pub, err := events.Connect(cfg.Events.NatsURL, cfg.Events.ConnectTimeout, logger)
	if err != nil {
		logger.Warn("shepherd-supervisor: events publisher disabled", zap.Error(err))
		pub = &events.Publisher{}
	}
	defer pub.Close()

	sup := supervisor.New(store, slurmcli.New(), blacklist.New(store), pub, logger, cfg.WorkerPoolSize, cfg.CLITimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("shepherd-supervisor: starting",
		zap.String("state_dir", stateDir), zap.Duration("tick_interval", cfg.TickInterval))

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := sup.Tick(ctx); err != nil {
			if errors.Is(err, errs.ErrFatal) {
				// No sensible local recovery (state root unreadable, disk
				// gone) — retrying next tick would just fail the same way.
				logger.Error("shepherd-supervisor: fatal tick error, shutting down", zap.Error(err))
				return 1
			}
			logger.Error("shepherd-supervisor: tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			logger.Info("shepherd-supervisor: shutting down")
			return 0
		case <-ticker.C:
		}
	}
}

// isDaemonRunning mirrors daemon.py's is_daemon_running: a missing or
// unreadable pid file means not running; a stale pid file (process gone)
// is removed so a fresh start can proceed.
func isDaemonRunning(path string) (bool, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(path)
		return false, 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(path)
		return false, 0
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)
		return false, 0
	}
	return true, pid
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}
