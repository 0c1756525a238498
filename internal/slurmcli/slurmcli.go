// Package slurmcli wraps the batch-scheduler command-line contract
// (sbatch/squeue/sacct/scancel) behind a small typed interface, grounded
// on provider-daemon/internal/gpu/detector.go's exec.CommandContext +
// stdout-parsing pattern and on the exact parsing rules of spec §6 and
// original_source/shepherd/slurm.py.
package slurmcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/slurm-shepherd/shepherd/internal/errs"
	"github.com/slurm-shepherd/shepherd/internal/model"
)

// Client is the interface the supervisor depends on; a fake implementation
// backs supervisor tests without touching a real scheduler.
type Client interface {
	Submit(ctx context.Context, script string, args []string) (jobID string, err error)
	QueueSnapshot(ctx context.Context, jobIDs []string) (map[string]model.JobSnapshot, error)
	Accounting(ctx context.Context, jobID string) (*model.JobSnapshot, error)
	Cancel(ctx context.Context, jobID string) error
}

// CLI is the real Client backed by sbatch/squeue/sacct/scancel, each
// invoked with the caller-provided context's timeout.
type CLI struct {
	SbatchPath string
	SqueuePath string
	SacctPath  string
	ScancelPath string
}

// New returns a CLI using the default PATH-resolved binary names.
func New() *CLI {
	return &CLI{SbatchPath: "sbatch", SqueuePath: "squeue", SacctPath: "sacct", ScancelPath: "scancel"}
}

func run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	return outBuf.String(), errBuf.String(), runErr
}

var jobIDPattern = regexp.MustCompile(`\b(\d+)\b`)

// Submit runs `sbatch [args...] <script-path-or-rendered-script>` and
// parses "Submitted batch job <N>" from stdout per spec §6.
func (c *CLI) Submit(ctx context.Context, script string, args []string) (string, error) {
	full := append([]string{}, args...)
	full = append(full, script)
	stdout, stderr, err := run(ctx, c.SbatchPath, full...)
	if err != nil {
		return "", fmt.Errorf("slurmcli: sbatch failed: %w: %s", err, strings.TrimSpace(stderr))
	}
	jobID, parseErr := ParseSbatchJobID(stdout)
	if parseErr != nil {
		return "", parseErr
	}
	return jobID, nil
}

// ParseSbatchJobID extracts the job id from sbatch's "Submitted batch
// job <N>" stdout line. Exposed standalone so it can be exercised without
// invoking the real sbatch binary.
func ParseSbatchJobID(stdout string) (string, error) {
	idx := strings.Index(stdout, "Submitted batch job")
	if idx < 0 {
		return "", fmt.Errorf("slurmcli: sbatch stdout missing job id: %s", strings.TrimSpace(stdout))
	}
	match := jobIDPattern.FindString(stdout[idx:])
	if match == "" {
		return "", fmt.Errorf("slurmcli: sbatch stdout unparsable: %s", strings.TrimSpace(stdout))
	}
	return match, nil
}

var schedStateMap = map[string]model.SchedulerState{
	"PENDING":     model.SchedPending,
	"CONFIGURING": model.SchedPending,
	"RUNNING":     model.SchedRunning,
	"COMPLETING":  model.SchedRunning,
	"COMPLETED":   model.SchedCompleted,
	"FAILED":      model.SchedFailed,
	"NODE_FAIL":   model.SchedFailed,
	"BOOT_FAIL":   model.SchedFailed,
	"TIMEOUT":     model.SchedTimeout,
	"PREEMPTED":   model.SchedPreempted,
	"CANCELLED":   model.SchedCancelled,
}

// MapState normalizes a raw squeue/sacct state token into the closed
// SchedulerState vocabulary per the table in spec §6.
func MapState(raw string) model.SchedulerState { return mapState(raw) }

func mapState(raw string) model.SchedulerState {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	raw = strings.TrimSuffix(raw, "+") // squeue sometimes suffixes a '+' e.g. CANCELLED+
	if st, ok := schedStateMap[raw]; ok {
		return st
	}
	return model.SchedUnknown
}

// QueueSnapshot runs a single batched
// `squeue --noheader -o "%i|%T|%R|%P|%N" --jobs=<ids>` covering every
// known job id, per spec §5's "one batched query per tick" rule.
func (c *CLI) QueueSnapshot(ctx context.Context, jobIDs []string) (map[string]model.JobSnapshot, error) {
	result := make(map[string]model.JobSnapshot, len(jobIDs))
	if len(jobIDs) == 0 {
		return result, nil
	}
	stdout, stderr, err := run(ctx, c.SqueuePath,
		"--noheader", "-o", "%i|%T|%R|%P|%N", "--jobs="+strings.Join(jobIDs, ","))
	if err != nil {
		return nil, fmt.Errorf("slurmcli: squeue failed: %w: %s: %w", errs.ErrTransient, strings.TrimSpace(stderr), err)
	}
	for jobID, snap := range ParseQueueOutput(stdout) {
		result[jobID] = snap
	}
	return result, nil
}

// ParseQueueOutput parses squeue's pipe-delimited
// "%i|%T|%R|%P|%N" rows into a job-id-keyed snapshot map. Exposed
// standalone so the parsing rules can be exercised without invoking the
// real squeue binary.
func ParseQueueOutput(stdout string) map[string]model.JobSnapshot {
	result := make(map[string]model.JobSnapshot)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			continue
		}
		node := ""
		if len(parts) >= 5 {
			node = parts[4]
		}
		result[parts[0]] = model.JobSnapshot{
			JobID:  parts[0],
			State:  mapState(parts[1]),
			Reason: parts[2],
			Node:   node,
		}
	}
	return result
}

// Accounting runs `sacct -P -n -o JobID,State,ExitCode,NodeList -j <id>`
// for a job id that has disappeared from squeue, to learn its final
// state.
func (c *CLI) Accounting(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	stdout, stderr, err := run(ctx, c.SacctPath,
		"-P", "-n", "-o", "JobID,State,ExitCode,NodeList", "-j", jobID)
	if err != nil {
		return nil, fmt.Errorf("slurmcli: sacct failed: %w: %s: %w", errs.ErrTransient, strings.TrimSpace(stderr), err)
	}
	return ParseAccountingOutput(stdout), nil
}

// ParseAccountingOutput parses sacct's pipe-delimited
// "JobID,State,ExitCode,NodeList" row (exit code formatted "exit:signal")
// into a JobSnapshot, or nil if no row was present.
func ParseAccountingOutput(stdout string) *model.JobSnapshot {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			continue
		}
		exitCode := 0
		if code, _, ok := strings.Cut(parts[2], ":"); ok {
			if n, err := strconv.Atoi(code); err == nil {
				exitCode = n
			}
		}
		return &model.JobSnapshot{
			JobID:    parts[0],
			State:    mapState(parts[1]),
			Node:     parts[3],
			ExitCode: exitCode,
		}
	}
	return nil
}

// Cancel runs `scancel <job_id>`.
func (c *CLI) Cancel(ctx context.Context, jobID string) error {
	_, stderr, err := run(ctx, c.ScancelPath, jobID)
	if err != nil {
		return fmt.Errorf("slurmcli: scancel failed: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// PartitionFailurePatterns are stderr substrings that identify a sbatch
// rejection as partition-related (as opposed to a transient scheduler
// hiccup), taken verbatim from original_source/shepherd/slurm.py.
var PartitionFailurePatterns = []string{
	"Invalid partition name",
	"Requested partition configuration not available",
	"Unable to allocate resources",
	"QOSMaxJobsPerUserLimit",
	"PartitionDown",
	"PartitionNodeLimit",
	"PartitionTimeLimit",
	"ReqNodeNotAvail",
	"QOSMaxGRESPerUser",
	"QOSMaxCpuPerUserLimit",
}

// ClassifySbatchFailure extracts a canonical reason from sbatch failure
// stderr, used to decide whether a failed submit should advance the
// partition-fallback index.
func ClassifySbatchFailure(stderr string) string {
	if stderr == "" {
		return "unknown"
	}
	lower := strings.ToLower(stderr)
	for _, pattern := range PartitionFailurePatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern
		}
	}
	return "unknown"
}

// DefaultCallTimeout is the hard per-CLI-call timeout from spec §5.
const DefaultCallTimeout = 15 * time.Second
