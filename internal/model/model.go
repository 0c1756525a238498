// Package model defines the on-disk data model shared by the supervisor
// and the wrapper: run metadata, heartbeats, progress, failure and terminal
// markers, control signals and the node blacklist.
package model

// RunMode selects whether a run terminates on first clean exit or is kept
// alive across restarts until its window expires or it is stopped.
type RunMode string

const (
	RunModeOnce       RunMode = "run_once"
	RunModeIndefinite RunMode = "indefinite"
)

// SupervisorState is one node of the per-run state machine driven by the
// supervisor tick loop.
type SupervisorState string

const (
	StateInit           SupervisorState = "INIT"
	StateSubmitPending   SupervisorState = "SUBMIT_PENDING"
	StateQueued          SupervisorState = "QUEUED"
	StateRunning         SupervisorState = "RUNNING"
	StateCancelling      SupervisorState = "CANCELLING"
	StateBackoff         SupervisorState = "BACKOFF"
	StateTerminal        SupervisorState = "TERMINAL"
)

// SchedulerState is the normalized state of a job id as reported by the
// batch scheduler, after the raw squeue/sacct vocabulary has been mapped
// per the table in the wire contract.
type SchedulerState string

const (
	SchedPending   SchedulerState = "PENDING"
	SchedRunning   SchedulerState = "RUNNING"
	SchedCompleted SchedulerState = "COMPLETED"
	SchedFailed    SchedulerState = "FAILED"
	SchedCancelled SchedulerState = "CANCELLED"
	SchedTimeout   SchedulerState = "TIMEOUT"
	SchedPreempted SchedulerState = "PREEMPTED"
	SchedUnknown   SchedulerState = "UNKNOWN"
)

// FailureKind classifies why a wrapper exited nonzero. It is the input to
// the supervisor's blacklist decision.
type FailureKind string

const (
	FailureNodeFault  FailureKind = "node_fault"
	FailureTrespasser FailureKind = "trespasser"
	FailureCUDA       FailureKind = "cuda_failure"
	FailureWorkload   FailureKind = "workload_failure"
	FailureUnknown    FailureKind = "unknown"
)

// Wrapper exit code contract (spec §4.1). The supervisor keys restart and
// blacklist decisions off these codes alone; any other nonzero code is
// treated as ExitWorkloadFailure.
const (
	ExitOK              = 0
	ExitNodeFault       = 42
	ExitTrespasser      = 43
	ExitCUDAFailure     = 44
	ExitWorkloadFailure = 50
)

// EndedReason is the closed set of terminal reasons recorded in ended.json.
type EndedReason string

const (
	EndedSuccess       EndedReason = "success"
	EndedMaxRetries    EndedReason = "max_retries"
	EndedWindowExpired EndedReason = "window_expired"
	EndedStoppedManual EndedReason = "stopped_manual"
	EndedFatalError    EndedReason = "fatal_error"
)

// Filenames within a run directory, and the top-level state root layout.
// These are the persisted-contract names from the wire interface section;
// changing any of them breaks compatibility with existing run directories.
const (
	MetaFilename          = "meta.json"
	ControlFilename       = "control.json"
	HeartbeatFilename     = "heartbeat"
	ProgressFilename      = "progress.json"
	FailureFilename       = "failure.json"
	FinalFilename         = "final.json"
	EndedFilename         = "ended.json"
	BadNodeEventsFilename = "badnode_events.log"
	BlacklistFilename     = "blacklist.json"
	DaemonPIDFilename     = "daemon.pid"
	RunsDirname           = "runs"
	LocksDirname          = "locks"
)

// Policy holds the per-run tunable thresholds from spec §3, plus the
// defaults this implementation introduces to resolve the spec's open
// questions (§9): the successful-start uptime bar, per-failure-kind
// blacklist TTLs, and the UNKNOWN give-up bound.
type Policy struct {
	MaxRetries           int   `json:"max_retries" yaml:"max_retries"`
	KeepAliveSec         int64 `json:"keep_alive_sec" yaml:"keep_alive_sec"`
	HeartbeatIntervalSec int64 `json:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec"`
	HeartbeatGraceSec    int64 `json:"heartbeat_grace_sec" yaml:"heartbeat_grace_sec"`
	ProgressStallSec     int64 `json:"progress_stall_sec" yaml:"progress_stall_sec"`
	BackoffBaseSec       int64 `json:"backoff_base_sec" yaml:"backoff_base_sec"`
	BackoffMaxSec        int64 `json:"backoff_max_sec" yaml:"backoff_max_sec"`
	BlacklistTTLSec      int64 `json:"blacklist_ttl_sec" yaml:"blacklist_ttl_sec"`
	BlacklistLimit       int   `json:"blacklist_limit" yaml:"blacklist_limit"`
	BlacklistEnabled     bool  `json:"blacklist_enabled" yaml:"blacklist_enabled"`

	// MinUptimeForResetSec resolves the "successful start" open question:
	// consecutive_failures resets to 0 only once the scheduler reports the
	// job RUNNING with a fresh heartbeat and at least this many seconds
	// have passed since the submission. 0 means "the first fresh
	// heartbeat after submission is enough".
	MinUptimeForResetSec int64 `json:"min_uptime_for_reset_sec" yaml:"min_uptime_for_reset_sec"`

	// Per-kind blacklist TTL overrides, used instead of BlacklistTTLSec
	// when BlacklistTTLSec itself is left at 0 (unset) on a run.
	BlacklistTTLNodeFaultSec   int64 `json:"blacklist_ttl_node_fault_sec" yaml:"blacklist_ttl_node_fault_sec"`
	BlacklistTTLCudaFailureSec int64 `json:"blacklist_ttl_cuda_failure_sec" yaml:"blacklist_ttl_cuda_failure_sec"`
	BlacklistTTLTrespasserSec  int64 `json:"blacklist_ttl_trespasser_sec" yaml:"blacklist_ttl_trespasser_sec"`

	// UnknownLookupTicks bounds how many consecutive UNKNOWN scheduler
	// observations are tolerated before the run is treated as failed.
	UnknownLookupTicks int `json:"unknown_lookup_ticks" yaml:"unknown_lookup_ticks"`
}

// DefaultPolicy returns the policy defaults used when a run's meta.json
// does not specify a value. Values mirror original_source/shepherd's
// constants.py where the original defines one, plus this implementation's
// resolutions of the three open questions.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:                 3,
		KeepAliveSec:               0,
		HeartbeatIntervalSec:       30,
		HeartbeatGraceSec:          90,
		ProgressStallSec:           0,
		BackoffBaseSec:             10,
		BackoffMaxSec:              300,
		BlacklistTTLSec:            0,
		BlacklistLimit:             64,
		BlacklistEnabled:           true,
		MinUptimeForResetSec:       0,
		BlacklistTTLNodeFaultSec:   86400,
		BlacklistTTLCudaFailureSec: 86400,
		BlacklistTTLTrespasserSec:  900,
		UnknownLookupTicks:         10,
	}
}

// BlacklistTTLForKind picks the TTL to apply for a given failure kind: the
// run's explicit BlacklistTTLSec override if set, else the per-kind default.
func (p Policy) BlacklistTTLForKind(kind FailureKind) int64 {
	if p.BlacklistTTLSec > 0 {
		return p.BlacklistTTLSec
	}
	switch kind {
	case FailureNodeFault:
		return p.BlacklistTTLNodeFaultSec
	case FailureCUDA:
		return p.BlacklistTTLCudaFailureSec
	case FailureTrespasser:
		return p.BlacklistTTLTrespasserSec
	default:
		return p.BlacklistTTLNodeFaultSec
	}
}

// PartitionFallback describes an ordered partition preference list and the
// rules for advancing through it and resetting back to the preferred head.
type PartitionFallback struct {
	Partitions          []string `json:"partitions" yaml:"partitions"`
	RetryPerPartition   int      `json:"retry_per_partition" yaml:"retry_per_partition"`
	ResetToPreferredSec int64    `json:"reset_to_preferred_sec" yaml:"reset_to_preferred_sec"`
}

// RunMeta is the persisted per-run record at runs/<run_id>/meta.json. It
// carries both the caller-supplied submission template/policy and the
// supervisor's own runtime linkage fields (job id, partition, counters).
type RunMeta struct {
	RunID      string   `json:"run_id"`
	RunMode    RunMode  `json:"run_mode"`
	ScriptPath string   `json:"script_path"`
	ExtraArgs  []string `json:"extra_args,omitempty"`

	Partitions        []string           `json:"partitions,omitempty"`
	PartitionFallback *PartitionFallback `json:"partition_fallback,omitempty"`

	Policy Policy `json:"policy"`

	// Runtime linkage (spec §3's "Runtime linkage" bullet).
	State                   SupervisorState `json:"state"`
	JobID                   string          `json:"job_id,omitempty"`
	CurrentPartition        string          `json:"current_partition,omitempty"`
	SubmissionCount         int             `json:"submission_count"`
	LastSubmitAt            int64           `json:"last_submit_at,omitempty"`
	ConsecutiveFailures     int             `json:"consecutive_failures"`
	PartitionFailureCounts  map[string]int  `json:"partition_failure_counts,omitempty"`
	PreferredLastTriedAt    int64           `json:"preferred_last_tried_at,omitempty"`
	RunStartedAt            int64           `json:"run_started_at,omitempty"`
	NextSubmitAt            int64           `json:"next_submit_at,omitempty"`
	LastFailureTimestamp    int64           `json:"last_failure_timestamp,omitempty"`

	// Supplemented resumable partition-failover bookkeeping (original
	// daemon.py's current_partition_index/partition_failure_count/
	// last_partition_fallback_at), kept so a restarted supervisor resumes
	// failover exactly where it left off instead of resetting to p0.
	CurrentPartitionIndex  int   `json:"current_partition_index"`
	LastPartitionFallbackAt int64 `json:"last_partition_fallback_at,omitempty"`

	// LastConsumedRestartToken is the most recent requested_restart_token
	// the supervisor has already acted on, so a stale token left sitting
	// in control.json after a restart is not replayed on every tick.
	LastConsumedRestartToken string `json:"last_consumed_restart_token,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// Progress is the optional {epoch, step, note} file a workload may write to
// report liveness beyond the heartbeat. Ignored when absent or when the
// run's ProgressStallSec is 0.
type Progress struct {
	Epoch int64  `json:"epoch"`
	Step  int64  `json:"step"`
	Note  string `json:"note,omitempty"`
}

// FailureRecord is written by the wrapper on any nonzero exit.
type FailureRecord struct {
	ExitCode  int                    `json:"exit_code"`
	Kind      FailureKind            `json:"kind"`
	Node      string                 `json:"node"`
	JobID     string                 `json:"job_id,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// EndedMarker is the terminal record written once by the supervisor. Its
// presence forbids any further state transitions (invariant I3).
type EndedMarker struct {
	Reason  EndedReason `json:"reason"`
	At      int64       `json:"at"`
	RunMode RunMode     `json:"run_mode"`
}

// ControlSignal is written by a user or external CLI/TUI and consumed by
// the supervisor at most once per tick.
type ControlSignal struct {
	Paused                bool   `json:"paused"`
	StopRequested         bool   `json:"stop_requested"`
	RequestedRestartToken string `json:"requested_restart_token,omitempty"`
}

// BlacklistEntry is one node's exclusion record within the global
// blacklist document.
type BlacklistEntry struct {
	Node    string `json:"node"`
	Reason  string `json:"reason"`
	AddedAt int64  `json:"added_at"`
	TTLSec  int64  `json:"ttl_sec"`
	Strikes int    `json:"strikes"`
}

// Blacklist is the single JSON document at <state_root>/blacklist.json.
type Blacklist struct {
	Nodes     map[string]BlacklistEntry `json:"nodes"`
	UpdatedAt int64                     `json:"updated_at,omitempty"`
}

// JobSnapshot is one job id's scheduler-reported row for the current tick,
// the result of the single batched squeue/sacct query.
type JobSnapshot struct {
	JobID    string
	State    SchedulerState
	Reason   string
	Node     string
	ExitCode int
}
