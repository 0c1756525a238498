package wrapperrun

import (
	"os"
	"time"

	"github.com/slurm-shepherd/shepherd/internal/model"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
)

// WriteFailure records a nonzero-exit failure at runs/<run_id>/failure.json,
// the wrapper-side half of the failure-classification contract the
// supervisor reads back on its next tick.
func WriteFailure(store *statestore.Store, runID string, exitCode int, kind model.FailureKind, jobID string, detail map[string]interface{}) error {
	rec := model.FailureRecord{
		ExitCode:  exitCode,
		Kind:      kind,
		Node:      hostname(),
		JobID:     jobID,
		Timestamp: time.Now().Unix(),
		Detail:    detail,
	}
	return statestore.AtomicWriteJSON(store.RunFile(runID, model.FailureFilename), rec)
}

// WriteFinal records a clean, voluntary exit of a run_once run at
// runs/<run_id>/final.json so the supervisor does not resubmit it.
// final.json is an empty sentinel file: the supervisor only ever checks
// for its presence, never its contents.
func WriteFinal(store *statestore.Store, runID string) error {
	return statestore.AtomicWriteText(store.RunFile(runID, model.FinalFilename), "")
}

func hostname() string {
	if v := os.Getenv("SLURMD_NODENAME"); v != "" {
		return v
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
