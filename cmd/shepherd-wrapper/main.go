// Command shepherd-wrapper is the compute-node process a batch script
// invokes in place of its workload: it runs the preflight health probes,
// starts the workload as a subprocess, emits heartbeats for the
// supervisor to watch, and records why it exited. Grounded on
// original_source/shepherd/wrapper.py's main().
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/slurm-shepherd/shepherd/internal/config"
	"github.com/slurm-shepherd/shepherd/internal/model"
	"github.com/slurm-shepherd/shepherd/internal/probe"
	"github.com/slurm-shepherd/shepherd/internal/shepherdlog"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
	"github.com/slurm-shepherd/shepherd/internal/sysinfo"
	"github.com/slurm-shepherd/shepherd/internal/wrapperrun"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("shepherd-wrapper", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run identifier (required; falls back to SHEPHERD_RUN_ID)")
	runMode := fs.String("run-mode", "", "run_once or indefinite (falls back to SHEPHERD_RUN_MODE)")
	stateDir := fs.String("state-dir", "", "state root (falls back to SHEPHERD_STATE_DIR, then ~/.slurm_shepherd)")
	heartbeatInterval := fs.Int("heartbeat-interval", 30, "heartbeat write interval in seconds")
	if err := fs.Parse(argv); err != nil {
		fmt.Fprintln(os.Stderr, "shepherd-wrapper:", err)
		return model.ExitWorkloadFailure
	}

	id := *runID
	if id == "" {
		id = os.Getenv("SHEPHERD_RUN_ID")
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "shepherd-wrapper: missing --run-id")
		return model.ExitWorkloadFailure
	}

	mode := *runMode
	if mode == "" {
		mode = os.Getenv("SHEPHERD_RUN_MODE")
	}

	root := *stateDir
	if root == "" {
		root = os.Getenv(config.EnvStateDirOverride)
	}
	if root == "" {
		home, _ := os.UserHomeDir()
		root = home + "/.slurm_shepherd"
	}

	cmd := fs.Args()
	if len(cmd) == 0 {
		fmt.Fprintln(os.Stderr, "shepherd-wrapper: missing workload command")
		return model.ExitWorkloadFailure
	}

	logger, err := shepherdlog.New("info", root+"/logs", "wrapper-"+id)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shepherd-wrapper: logger setup failed:", err)
		logger = zap.NewNop()
	}
	defer logger.Sync()

	store := statestore.New(root)

	ctx := context.Background()

	if err := probe.Run(ctx); err != nil {
		failure, ok := err.(*probe.Failure)
		if !ok {
			failure = &probe.Failure{ExitCode: model.ExitWorkloadFailure, Kind: model.FailureWorkload, Reason: "preflight_error", Detail: err.Error()}
		}
		logger.Warn("shepherd-wrapper: preflight check failed",
			zap.String("run_id", id), zap.String("reason", failure.Reason), zap.Int("exit_code", failure.ExitCode))
		writeFailureWithDiagnostics(ctx, store, id, failure.ExitCode, failure.Kind, failure.Reason, failure.Detail)
		return failure.ExitCode
	}

	hb := wrapperrun.NewHeartbeat(store, id, time.Duration(*heartbeatInterval)*time.Second)
	hb.Start()

	result, waitErr := wrapperrun.RunWorkload(ctx, cmd)
	hb.Stop()

	if waitErr != nil {
		logger.Error("shepherd-wrapper: failed to run workload", zap.String("run_id", id), zap.Error(waitErr))
		writeFailureWithDiagnostics(ctx, store, id, model.ExitWorkloadFailure, model.FailureWorkload, "exec_failed", waitErr.Error())
		return model.ExitWorkloadFailure
	}

	if result.ExitCode != 0 {
		logger.Warn("shepherd-wrapper: workload exited nonzero",
			zap.String("run_id", id), zap.Int("exit_code", result.ExitCode), zap.Bool("signaled", result.Signaled))
		if err := wrapperrun.WriteFailure(store, id, model.ExitWorkloadFailure, model.FailureWorkload, "", map[string]interface{}{
			"exit_code": result.ExitCode,
			"signaled":  result.Signaled,
		}); err != nil {
			logger.Error("shepherd-wrapper: write failure record failed", zap.Error(err))
		}
		return model.ExitWorkloadFailure
	}

	logger.Info("shepherd-wrapper: workload exited cleanly", zap.String("run_id", id))
	if mode == string(model.RunModeOnce) {
		if err := wrapperrun.WriteFinal(store, id); err != nil {
			logger.Error("shepherd-wrapper: write final marker failed", zap.Error(err))
		}
	}
	return 0
}

// writeFailureWithDiagnostics attaches a best-effort host diagnostics
// snapshot to a preflight/exec failure record, since these are exactly
// the failures an operator most wants context for.
func writeFailureWithDiagnostics(ctx context.Context, store *statestore.Store, runID string, exitCode int, kind model.FailureKind, reason, detail string) {
	snap := sysinfo.Collect(ctx, "/")
	d := snap.AsDetail()
	d["reason"] = reason
	d["detail"] = detail
	_ = wrapperrun.WriteFailure(store, runID, exitCode, kind, "", d)
}
