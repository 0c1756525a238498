// Package runsubmit implements the one control-surface operation that
// spec.md §6 left external but which has to live somewhere once a batch
// script is involved: turning a submission request into a fresh
// runs/<run_id>/meta.json. It seeds the policy from the script's
// "#SHEPHERD" header directives (internal/metainit) before falling back
// to the caller's and the daemon's own defaults, exactly once, at
// creation time — the tick loop never touches this path again.
package runsubmit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slurm-shepherd/shepherd/internal/metainit"
	"github.com/slurm-shepherd/shepherd/internal/model"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
)

// Request describes a new run as an external CLI/TUI would submit it.
// RunID is optional; a fresh one is generated when empty unless the
// script's own "#SHEPHERD --run-id" directive supplies one.
type Request struct {
	RunID      string
	ScriptPath string
	ExtraArgs  []string
	RunMode    model.RunMode

	Partitions        []string
	PartitionFallback *model.PartitionFallback

	// Policy is the daemon's configured default; directive fields found
	// in ScriptPath override it field-by-field, never the reverse.
	Policy model.Policy
}

// CreateRun resolves req against the script's #SHEPHERD directives and
// writes the resulting meta.json atomically. It fails if a run with the
// same id already exists, since resubmission-by-overwrite would silently
// destroy runtime linkage (job id, counters) a live run depends on.
func CreateRun(store *statestore.Store, req Request) (model.RunMeta, error) {
	directives, err := metainit.ParseDirectives(req.ScriptPath)
	if err != nil {
		return model.RunMeta{}, fmt.Errorf("runsubmit: parse directives: %w", err)
	}

	runID := req.RunID
	if directives.Seen("run_id") {
		runID = directives.RunID
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	metaPath := store.RunFile(runID, model.MetaFilename)
	if exists, _ := statestore.ReadJSON(metaPath, &model.RunMeta{}); exists {
		return model.RunMeta{}, fmt.Errorf("runsubmit: run %s already exists", runID)
	}

	runMode := req.RunMode
	if runMode == "" {
		runMode = model.RunModeOnce
	}
	if directives.Seen("run_mode") {
		runMode = directives.RunMode
	}

	partitions := req.Partitions
	if directives.Seen("partitions") {
		partitions = directives.Partitions
	}

	// GPU selection directives (--gpus/--min-vram/--max-vram/--prefer)
	// describe the sbatch request, not the supervisor policy; they have
	// no RunMeta field of their own and are left to the caller's own
	// submission-template rendering.
	policy := directives.ApplyToPolicy(req.Policy)

	meta := model.RunMeta{
		RunID:             runID,
		RunMode:           runMode,
		ScriptPath:        req.ScriptPath,
		ExtraArgs:         req.ExtraArgs,
		Partitions:        partitions,
		PartitionFallback: req.PartitionFallback,
		Policy:            policy,
		State:             model.StateInit,
		CreatedAt:         time.Now().Unix(),
	}

	if err := statestore.AtomicWriteJSON(metaPath, &meta); err != nil {
		return model.RunMeta{}, fmt.Errorf("runsubmit: write meta.json: %w", err)
	}
	return meta, nil
}
