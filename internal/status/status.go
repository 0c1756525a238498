// Package status implements the pure status-normalization function from
// spec §4.4: a closed, priority-ordered set computed from on-disk state
// plus the tick's scheduler snapshot, with no I/O of its own.
package status

import "github.com/slurm-shepherd/shepherd/internal/model"

// Status is one value from the closed, priority-ordered set spec §4.4
// defines.
type Status string

const (
	StoppedManual     Status = "stopped_manual"
	CompletedSuccess  Status = "completed_success"
	EndedExpired      Status = "ended_expired"
	CrashLoop         Status = "crash_loop"
	Unresponsive      Status = "unresponsive"
	Restarting        Status = "restarting"
	RunningDegraded   Status = "running_degraded"
	HealthyRunning    Status = "healthy_running"
	Pending           Status = "pending"
	ErrorUnknown      Status = "error_unknown"
)

// Snapshot assembles everything status.Compute needs: the run's persisted
// meta, its control signals, the presence/contents of its terminal
// markers, and the scheduler+heartbeat observations for this tick.
type Snapshot struct {
	ConsecutiveFailures int
	SupervisorState     model.SupervisorState

	Ended   *model.EndedMarker
	HasFinal bool

	Control model.ControlSignal

	SchedulerState model.SchedulerState // "" if no job_id / no row this tick
	HeartbeatAge   int64                // seconds since last heartbeat
	HeartbeatFresh bool                 // false if heartbeat absent or stale
	ProgressStale  bool                 // false if progress not configured/absent
}

// crashLoopThreshold mirrors spec §4.4's literal "consecutive_failures >= 3".
const crashLoopThreshold = 3

// Compute derives the single normalized status for a run from its
// snapshot, in the exact priority order spec §4.4 specifies.
func Compute(s Snapshot) Status {
	if s.Ended != nil {
		switch s.Ended.Reason {
		case model.EndedStoppedManual:
			return StoppedManual
		case model.EndedSuccess:
			return CompletedSuccess
		case model.EndedWindowExpired:
			return EndedExpired
		default:
			return ErrorUnknown
		}
	}

	if s.SupervisorState == model.StateBackoff && s.ConsecutiveFailures >= crashLoopThreshold {
		return CrashLoop
	}

	if s.SchedulerState == model.SchedRunning {
		if !s.HeartbeatFresh {
			return Unresponsive
		}
		if s.Control.Paused || s.ProgressStale {
			return RunningDegraded
		}
		return HealthyRunning
	}

	if s.SupervisorState == model.StateBackoff {
		return Restarting
	}

	if s.SchedulerState == model.SchedPending {
		return Pending
	}

	return ErrorUnknown
}
