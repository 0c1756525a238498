// Package supervisor implements the per-run state machine driven by the
// tick loop, grounded on original_source/shepherd/daemon.py's
// ShepherdDaemon._tick/_handle_run but restructured around the exact
// ten-transition priority order and the stricter failure-classification
// rules of the distilled specification, which in several places (window
// expiry, partition failover bookkeeping, blacklist TTL selection) is
// more precise than the original script.
package supervisor

import (
	"github.com/slurm-shepherd/shepherd/internal/backoff"
	"github.com/slurm-shepherd/shepherd/internal/model"
)

// TickInput is everything advance needs to decide a run's next step,
// assembled by the caller from the batched scheduler snapshot and the
// run's own files. Keeping it a plain struct (rather than threading the
// statestore and slurmcli types through) is what makes advance a pure,
// table-testable function.
type TickInput struct {
	Now int64

	Control     model.ControlSignal
	Ended       *model.EndedMarker
	FinalExists bool
	Failure     *model.FailureRecord

	HeartbeatAt int64
	HeartbeatOK bool

	Progress   *model.Progress
	ProgressOK bool

	// Scheduler is this run's row from the batched snapshot (or the
	// sacct fallback when it dropped out of squeue). Nil means the
	// scheduler has no record of this job at all this tick.
	Scheduler *model.JobSnapshot

	// UnknownStreak is the number of consecutive prior ticks this run's
	// job has been observed as UNKNOWN, tracked in memory by the
	// supervisor loop (§9 open question: bounded by Policy.UnknownLookupTicks).
	UnknownStreak int
}

// FailureClassification records why a run was judged to have failed, for
// the blacklist and badnode_events.log side effects.
type FailureClassification struct {
	Kind   model.FailureKind
	Node   string
	Reason string
	// ExitCode is the wrapper's exit code when this failure came from a
	// failure.json record; 0 for scheduler-detected failures and stalls,
	// where there is no wrapper exit code to report.
	ExitCode int
	// Blacklist is false for stall-detected and pure workload failures:
	// there is no node-level evidence to justify excluding the node.
	Blacklist bool
	// Timestamp is the failure.json record's own timestamp when one was
	// read, else the tick time; stored on meta so the same failure.json
	// is not reprocessed on a later tick.
	Timestamp int64
}

// Decision is the pure output of advance: the meta record to persist and
// the side effects the caller (Tick) must carry out. NeedsJitter signals
// that NextSubmitAt in Meta is the un-jittered backoff deadline; Tick
// applies jitter before persisting so advance itself stays deterministic.
type Decision struct {
	Meta          model.RunMeta
	UnknownStreak int

	Cancel bool
	Submit bool

	WriteEnded bool

	Failure *FailureClassification

	NeedsJitter bool
}

// Advance evaluates the ten prioritized transitions of the run state
// machine for one tick and returns the next meta state plus any side
// effects the caller must perform. cur must not have ended.json present;
// callers handle the ended/restart-token interaction before calling this.
func Advance(cur model.RunMeta, in TickInput) Decision {
	meta := cur
	d := Decision{Meta: meta, UnknownStreak: in.UnknownStreak}

	// 1. stop_requested.
	if in.Control.StopRequested {
		return decideStop(meta, in)
	}

	// 2. paused.
	if in.Control.Paused {
		return decidePaused(meta, in)
	}

	// Bootstrap: a run that has never been submitted at all (still in
	// INIT) submits immediately rather than waiting on a BACKOFF
	// deadline, which only applies once a submission has actually failed.
	if meta.State == model.StateInit && meta.JobID == "" {
		meta.State = model.StateSubmitPending
		d.Meta = meta
		d.Submit = true
		return d
	}

	// 3. indefinite keep-alive window.
	if meta.RunMode == model.RunModeIndefinite && meta.RunStartedAt > 0 &&
		in.Now-meta.RunStartedAt >= meta.Policy.KeepAliveSec {
		meta.State = model.StateTerminal
		meta.JobID = ""
		d.Meta = meta
		d.Cancel = cur.JobID != ""
		d.WriteEnded = true
		return d
	}

	// 4. run_once retry exhaustion.
	if meta.RunMode == model.RunModeOnce && meta.SubmissionCount > meta.Policy.MaxRetries {
		meta.State = model.StateTerminal
		d.Meta = meta
		d.WriteEnded = true
		return d
	}

	sched := in.Scheduler

	// 5. COMPLETED.
	if sched != nil && sched.State == model.SchedCompleted {
		if meta.RunMode == model.RunModeOnce && in.FinalExists && sched.ExitCode == 0 {
			meta.State = model.StateTerminal
			meta.JobID = ""
			d.Meta = meta
			d.WriteEnded = true
			return d
		}
		return decideFailure(meta, in, classify(in, sched))
	}

	// 6. FAILED/CANCELLED/TIMEOUT/PREEMPTED.
	if sched != nil && isTerminalFailureState(sched.State) {
		return decideFailure(meta, in, classify(in, sched))
	}

	// 7. RUNNING.
	if sched != nil && sched.State == model.SchedRunning {
		return decideRunning(meta, in)
	}

	// 8. PENDING.
	if sched != nil && sched.State == model.SchedPending {
		meta.State = model.StateQueued
		d.Meta = meta
		return d
	}

	// 9. UNKNOWN, bounded lookup window. Only meaningful once a job was
	// actually submitted; a run between a failure and its next
	// resubmission (job_id cleared, waiting in BACKOFF) is not "unknown"
	// to the scheduler, it simply has nothing to ask about yet.
	if meta.JobID != "" && (sched == nil || sched.State == model.SchedUnknown) {
		streak := in.UnknownStreak + 1
		limit := meta.Policy.UnknownLookupTicks
		if limit > 0 && streak >= limit {
			fc := FailureClassification{Kind: model.FailureUnknown, Node: "", Reason: "scheduler_unknown", Blacklist: false, Timestamp: in.Now}
			dec := decideFailure(meta, in, fc)
			dec.UnknownStreak = 0
			return dec
		}
		d.UnknownStreak = streak
		return d
	}

	// 10. BACKOFF deadline.
	if meta.State == model.StateBackoff && in.Now >= meta.NextSubmitAt && !in.Control.Paused {
		d.Submit = true
		return d
	}

	return d
}

func decideStop(meta model.RunMeta, in TickInput) Decision {
	d := Decision{Meta: meta}
	jobLive := meta.JobID != "" && in.Scheduler != nil &&
		(in.Scheduler.State == model.SchedPending || in.Scheduler.State == model.SchedRunning)

	if meta.State != model.StateCancelling && meta.JobID != "" {
		meta.State = model.StateCancelling
		d.Meta = meta
		d.Cancel = true
		return d
	}

	if meta.JobID == "" || !jobLive {
		meta.State = model.StateTerminal
		meta.JobID = ""
		d.Meta = meta
		d.WriteEnded = true
		return d
	}

	meta.State = model.StateCancelling
	d.Meta = meta
	return d
}

func decidePaused(meta model.RunMeta, in TickInput) Decision {
	d := Decision{Meta: meta}
	jobLive := meta.JobID != "" && in.Scheduler != nil &&
		(in.Scheduler.State == model.SchedPending || in.Scheduler.State == model.SchedRunning)
	if jobLive {
		d.Cancel = true
	}
	if meta.JobID != "" {
		// A pause-triggered cancel must never be mistaken for a failure:
		// clear the linkage immediately so that whatever the scheduler
		// later reports for this job id (CANCELLED, then UNKNOWN once it
		// ages out of sacct) is never looked up again once unpaused.
		meta.JobID = ""
	}
	meta.State = model.StateBackoff
	// Refresh NextSubmitAt to "now" every tick while paused so that the
	// instant control.json flips paused back to false, priority 10's
	// now >= next_submit_at gate is already satisfied.
	meta.NextSubmitAt = in.Now
	d.Meta = meta
	return d
}

func decideRunning(meta model.RunMeta, in TickInput) Decision {
	d := Decision{Meta: meta}

	withinStartupGrace := in.Now-meta.LastSubmitAt < meta.Policy.HeartbeatGraceSec
	if withinStartupGrace {
		meta.State = model.StateRunning
		if in.HeartbeatOK && in.HeartbeatAt >= meta.LastSubmitAt &&
			in.Now-meta.LastSubmitAt >= meta.Policy.MinUptimeForResetSec {
			meta.ConsecutiveFailures = 0
		}
		d.Meta = meta
		return d
	}

	heartbeatStale := !in.HeartbeatOK || (in.Now-in.HeartbeatAt > meta.Policy.HeartbeatGraceSec)
	progressStale := in.ProgressOK && meta.Policy.ProgressStallSec > 0 &&
		in.Now-in.Progress.Epoch > meta.Policy.ProgressStallSec

	if heartbeatStale || progressStale {
		fc := FailureClassification{Kind: model.FailureUnknown, Reason: "stall", Blacklist: false, Timestamp: in.Now}
		if in.Scheduler != nil {
			fc.Node = in.Scheduler.Node
		}
		dec := decideFailure(meta, in, fc)
		dec.Cancel = true
		return dec
	}

	meta.State = model.StateRunning
	uptime := in.Now - meta.LastSubmitAt
	if uptime >= meta.Policy.MinUptimeForResetSec {
		meta.ConsecutiveFailures = 0
	}
	d.Meta = meta
	return d
}

func classify(in TickInput, sched *model.JobSnapshot) FailureClassification {
	if in.Failure != nil {
		eligible := in.Failure.Kind == model.FailureNodeFault ||
			in.Failure.Kind == model.FailureCUDA ||
			in.Failure.Kind == model.FailureTrespasser
		return FailureClassification{
			Kind:      in.Failure.Kind,
			Node:      in.Failure.Node,
			Reason:    string(in.Failure.Kind),
			ExitCode:  in.Failure.ExitCode,
			Blacklist: eligible,
			Timestamp: in.Failure.Timestamp,
		}
	}
	node := ""
	reason := "scheduler_reported"
	if sched != nil {
		node = sched.Node
		reason = string(sched.State)
	}
	return FailureClassification{Kind: model.FailureWorkload, Node: node, Reason: reason, Blacklist: false, Timestamp: in.Now}
}

func decideFailure(meta model.RunMeta, in TickInput, fc FailureClassification) Decision {
	meta.JobID = ""
	meta.ConsecutiveFailures++
	meta = AdvanceOnFailure(meta, in.Now)

	base := backoff.Compute(meta.ConsecutiveFailures, meta.Policy.BackoffBaseSec, meta.Policy.BackoffMaxSec)
	meta.NextSubmitAt = in.Now + int64(base.Seconds())
	meta.LastFailureTimestamp = fc.Timestamp
	meta.State = model.StateBackoff

	return Decision{
		Meta:        meta,
		Failure:     &fc,
		NeedsJitter: true,
	}
}

func isTerminalFailureState(s model.SchedulerState) bool {
	switch s {
	case model.SchedFailed, model.SchedCancelled, model.SchedTimeout, model.SchedPreempted:
		return true
	default:
		return false
	}
}

