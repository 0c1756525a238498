package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slurm-shepherd/shepherd/internal/backoff"
	"github.com/slurm-shepherd/shepherd/internal/blacklist"
	"github.com/slurm-shepherd/shepherd/internal/errs"
	"github.com/slurm-shepherd/shepherd/internal/events"
	"github.com/slurm-shepherd/shepherd/internal/model"
	"github.com/slurm-shepherd/shepherd/internal/slurmcli"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
)

// Supervisor owns the tick loop: one pass batches a scheduler query over
// every known run's job id, then fans out a bounded worker pool (via
// errgroup.SetLimit, grounded on how the pack's concurrency-bounded
// fan-outs are built) to advance each run's state machine under its own
// lock.
type Supervisor struct {
	Store      *statestore.Store
	CLI        slurmcli.Client
	Blacklist  *blacklist.Store
	Events     *events.Publisher
	Logger     *zap.Logger
	WorkerPool int
	CLITimeout time.Duration

	mu            sync.Mutex
	unknownStreak map[string]int
}

// New builds a Supervisor. workerPool <= 0 defaults to 8.
func New(store *statestore.Store, cli slurmcli.Client, bl *blacklist.Store, pub *events.Publisher, logger *zap.Logger, workerPool int, cliTimeout time.Duration) *Supervisor {
	if workerPool <= 0 {
		workerPool = 8
	}
	if cliTimeout <= 0 {
		cliTimeout = slurmcli.DefaultCallTimeout
	}
	return &Supervisor{
		Store:         store,
		CLI:           cli,
		Blacklist:     bl,
		Events:        pub,
		Logger:        logger,
		WorkerPool:    workerPool,
		CLITimeout:    cliTimeout,
		unknownStreak: make(map[string]int),
	}
}

// Tick runs exactly one iteration: list runs, issue a single batched
// queue query, then process every run concurrently (bounded) under its
// own per-run lock.
func (s *Supervisor) Tick(ctx context.Context) error {
	tickID := uuid.NewString()
	logger := s.Logger.With(zap.String("tick_id", tickID))

	runIDs, err := s.Store.ListRuns()
	if err != nil {
		// ListRuns failing means the state root itself is unreadable
		// (permissions, disk gone) — there is no local recovery for that,
		// so this is the one Tick error the caller should treat as fatal
		// rather than just logging and trying again next tick.
		return fmt.Errorf("supervisor: list runs: %w: %w", errs.ErrFatal, err)
	}
	if len(runIDs) == 0 {
		return nil
	}
	logger.Debug("supervisor: tick starting", zap.Int("run_count", len(runIDs)))

	metas := make(map[string]model.RunMeta, len(runIDs))
	jobIDs := make([]string, 0, len(runIDs))
	for _, runID := range runIDs {
		var meta model.RunMeta
		ok, err := statestore.ReadJSON(s.Store.RunFile(runID, model.MetaFilename), &meta)
		if err != nil && !errors.Is(err, errs.ErrCorrupt) {
			s.Logger.Warn("supervisor: read meta failed", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		metas[runID] = meta
		if meta.JobID != "" {
			jobIDs = append(jobIDs, meta.JobID)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, s.CLITimeout)
	snapshot, err := s.CLI.QueueSnapshot(cctx, jobIDs)
	cancel()
	if err != nil {
		// A transient squeue failure (timeout, momentary scheduler
		// hiccup) must never by itself move a run to TERMINAL: falling
		// through with an empty snapshot just makes every run look
		// UNKNOWN for this one tick, which priority 9 tolerates within
		// Policy.UnknownLookupTicks. Anything that isn't recognized as
		// transient still gets the same fallback, just logged louder.
		if errors.Is(err, errs.ErrTransient) {
			logger.Warn("supervisor: batched queue query failed (transient), treating all jobs as unknown this tick", zap.Error(err))
		} else {
			logger.Error("supervisor: batched queue query failed, treating all jobs as unknown this tick", zap.Error(err))
		}
		snapshot = make(map[string]model.JobSnapshot)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.WorkerPool)
	for _, runID := range runIDs {
		meta, ok := metas[runID]
		if !ok {
			continue
		}
		runID, meta := runID, meta
		g.Go(func() error {
			if err := s.processRun(gctx, runID, meta, snapshot); err != nil {
				s.Logger.Error("supervisor: run tick failed", zap.String("run_id", runID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) processRun(ctx context.Context, runID string, meta model.RunMeta, snapshot map[string]model.JobSnapshot) error {
	lock, err := s.Store.TryLock(runID)
	if err != nil {
		if errors.Is(err, errs.ErrLockContended) {
			return nil
		}
		return fmt.Errorf("lock: %w", err)
	}
	defer lock.Release()

	now := time.Now().Unix()

	var control model.ControlSignal
	statestore.ReadJSON(s.Store.RunFile(runID, model.ControlFilename), &control)

	var ended *model.EndedMarker
	var endedVal model.EndedMarker
	if ok, _ := statestore.ReadJSON(s.Store.RunFile(runID, model.EndedFilename), &endedVal); ok {
		ended = &endedVal
	}

	if ended != nil {
		if control.RequestedRestartToken != "" && control.RequestedRestartToken != meta.LastConsumedRestartToken {
			meta = s.clearTerminalState(runID, meta, control.RequestedRestartToken)
			ended = nil
		} else {
			return nil
		}
	}

	_, finalExists, _ := statestore.ReadText(s.Store.RunFile(runID, model.FinalFilename))

	var failure *model.FailureRecord
	var failureVal model.FailureRecord
	if ok, _ := statestore.ReadJSON(s.Store.RunFile(runID, model.FailureFilename), &failureVal); ok {
		if failureVal.Timestamp != meta.LastFailureTimestamp {
			failure = &failureVal
		}
	}

	hbAt, hbOK := statestore.ReadHeartbeat(s.Store.RunFile(runID, model.HeartbeatFilename))

	var progress *model.Progress
	var progressVal model.Progress
	progressOK, _ := statestore.ReadJSON(s.Store.RunFile(runID, model.ProgressFilename), &progressVal)
	if progressOK {
		progress = &progressVal
	}

	sched := s.resolveScheduler(ctx, meta.JobID, snapshot)

	in := TickInput{
		Now:           now,
		Control:       control,
		Ended:         ended,
		FinalExists:   finalExists,
		Failure:       failure,
		HeartbeatAt:   hbAt,
		HeartbeatOK:   hbOK,
		Progress:      progress,
		ProgressOK:    progressOK,
		Scheduler:     sched,
		UnknownStreak: s.getUnknownStreak(runID),
	}

	decision := Advance(meta, in)
	s.setUnknownStreak(runID, decision.UnknownStreak)

	if decision.NeedsJitter {
		base := time.Duration(decision.Meta.NextSubmitAt-now) * time.Second
		decision.Meta.NextSubmitAt = now + int64(backoff.WithJitter(base, nil).Seconds())
	}

	if decision.Cancel && meta.JobID != "" {
		cctx, cancel := context.WithTimeout(ctx, s.CLITimeout)
		if err := s.CLI.Cancel(cctx, meta.JobID); err != nil {
			s.Logger.Warn("supervisor: cancel failed", zap.String("run_id", runID), zap.String("job_id", meta.JobID), zap.Error(err))
		}
		cancel()
	}

	if decision.Failure != nil {
		s.Logger.Warn("supervisor: classified failure", zap.String("run_id", runID),
			zap.String("kind", string(decision.Failure.Kind)), zap.String("node", decision.Failure.Node),
			zap.String("reason", decision.Failure.Reason), zap.Bool("blacklist", decision.Failure.Blacklist))
		s.handleFailure(runID, decision.Failure)
	}

	if decision.Submit {
		s.submit(ctx, runID, &decision.Meta, now)
	}

	if decision.WriteEnded {
		reason := model.EndedStoppedManual
		switch {
		case in.Control.StopRequested:
			reason = model.EndedStoppedManual
		case decision.Meta.RunMode == model.RunModeIndefinite && decision.Meta.RunStartedAt > 0 &&
			now-decision.Meta.RunStartedAt >= decision.Meta.Policy.KeepAliveSec:
			reason = model.EndedWindowExpired
		case decision.Meta.RunMode == model.RunModeOnce && decision.Meta.SubmissionCount > decision.Meta.Policy.MaxRetries:
			reason = model.EndedMaxRetries
		case meta.RunMode == model.RunModeOnce && finalExists:
			reason = model.EndedSuccess
		}
		marker := model.EndedMarker{Reason: reason, At: now, RunMode: decision.Meta.RunMode}
		if err := statestore.AtomicWriteJSON(s.Store.RunFile(runID, model.EndedFilename), marker); err != nil {
			return fmt.Errorf("write ended: %w", err)
		}
	}

	if err := statestore.AtomicWriteJSON(s.Store.RunFile(runID, model.MetaFilename), decision.Meta); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if decision.Meta.State != meta.State {
		schedState := ""
		if sched != nil {
			schedState = string(sched.State)
		}
		s.Logger.Info("supervisor: state transition", zap.String("run_id", runID),
			zap.String("from", string(meta.State)), zap.String("to", string(decision.Meta.State)),
			zap.String("scheduler_state", schedState), zap.Int64("heartbeat_age_sec", now-hbAt),
			zap.Bool("heartbeat_ok", hbOK), zap.Bool("paused", control.Paused), zap.Bool("stop_requested", control.StopRequested))
		s.publishTransition(runID, meta.State, decision.Meta.State, decision.Meta)
	}
	return nil
}

// resolveScheduler looks up a run's job id in the batched squeue
// snapshot; a job that dropped out of squeue is looked up individually
// via sacct, since a finished job's final state is only visible there.
func (s *Supervisor) resolveScheduler(ctx context.Context, jobID string, snapshot map[string]model.JobSnapshot) *model.JobSnapshot {
	if jobID == "" {
		return nil
	}
	if snap, ok := snapshot[jobID]; ok {
		return &snap
	}
	cctx, cancel := context.WithTimeout(ctx, s.CLITimeout)
	defer cancel()
	snap, err := s.CLI.Accounting(cctx, jobID)
	if err != nil {
		// Same rule as the batched squeue query: a transient sacct
		// failure just means "no scheduler record this tick", which
		// feeds the bounded UNKNOWN streak (priority 9), not an
		// immediate failure classification.
		if errors.Is(err, errs.ErrTransient) {
			s.Logger.Warn("supervisor: sacct lookup failed (transient)", zap.String("job_id", jobID), zap.Error(err))
		} else {
			s.Logger.Error("supervisor: sacct lookup failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return nil
	}
	return snap
}

func (s *Supervisor) handleFailure(runID string, fc *FailureClassification) {
	if fc.Blacklist && fc.Node != "" && s.Blacklist != nil {
		var meta model.RunMeta
		statestore.ReadJSON(s.Store.RunFile(runID, model.MetaFilename), &meta)
		ttl := meta.Policy.BlacklistTTLForKind(fc.Kind)
		if meta.Policy.BlacklistEnabled {
			if err := s.Blacklist.AddNode(fc.Node, fc.Reason, ttl, time.Now()); err != nil {
				s.Logger.Warn("supervisor: blacklist add failed", zap.String("node", fc.Node), zap.Error(err))
			}
			s.appendBadNodeEvent(runID, fc)
		}
	}
}

func (s *Supervisor) appendBadNodeEvent(runID string, fc *FailureClassification) {
	path := s.Store.RunFile(runID, model.BadNodeEventsFilename)
	existing, _, _ := statestore.ReadText(path)
	line := fmt.Sprintf("%d node=%s exit=%d reason=%s\n", time.Now().Unix(), fc.Node, fc.ExitCode, fc.Reason)
	if err := statestore.AtomicWriteText(path, existing+line); err != nil {
		s.Logger.Warn("supervisor: append badnode event failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (s *Supervisor) submit(ctx context.Context, runID string, meta *model.RunMeta, now int64) {
	partition, updated := ResolvePartitionForSubmit(*meta, now)
	*meta = updated

	args := make([]string, 0, 4)
	if partition != "" {
		args = append(args, "--partition="+partition)
	}

	if s.Blacklist != nil && meta.Policy.BlacklistEnabled {
		bl, err := s.Blacklist.Load()
		if err == nil {
			excl := blacklist.ExcludeList(bl, meta.Policy.BlacklistLimit, time.Now())
			if len(excl) > 0 {
				args = append(args, "--exclude="+joinComma(excl))
			}
		}
	}

	cctx, cancel := context.WithTimeout(ctx, s.CLITimeout)
	jobID, err := s.CLI.Submit(cctx, meta.ScriptPath, append(args, meta.ExtraArgs...))
	cancel()

	meta.SubmissionCount++
	meta.LastSubmitAt = now
	if meta.RunStartedAt == 0 {
		meta.RunStartedAt = now
	}
	if partition != "" {
		meta.CurrentPartition = partition
	}

	if err != nil {
		reason := slurmcli.ClassifySbatchFailure(err.Error())
		partitionSpecific := reason != "unknown"
		s.Logger.Warn("supervisor: sbatch failed", zap.String("run_id", runID),
			zap.String("reason", reason), zap.Error(err))

		updatedMeta := *meta
		if partitionSpecific {
			// Only a partition-specific sbatch rejection (invalid
			// partition, down, node limit, ...) counts against that
			// partition's retry budget and can advance p_i -> p_{i+1}
			// per §4.3; a generic/transient sbatch failure just backs off
			// and retries the same partition.
			updatedMeta = AdvanceOnFailure(updatedMeta, now)
		}
		base := backoff.Compute(meta.ConsecutiveFailures+1, meta.Policy.BackoffBaseSec, meta.Policy.BackoffMaxSec)
		updatedMeta.ConsecutiveFailures++
		updatedMeta.NextSubmitAt = now + int64(backoff.WithJitter(base, nil).Seconds())
		updatedMeta.State = model.StateBackoff
		*meta = updatedMeta
		return
	}

	meta.JobID = jobID
	meta.State = model.StateQueued
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}

func (s *Supervisor) clearTerminalState(runID string, meta model.RunMeta, token string) model.RunMeta {
	for _, filename := range []string{model.EndedFilename, model.FinalFilename, model.FailureFilename} {
		_ = removeFile(s.Store.RunFile(runID, filename))
	}
	meta.JobID = ""
	meta.State = model.StateInit
	meta.NextSubmitAt = 0
	meta.ConsecutiveFailures = 0
	meta.SubmissionCount = 0
	meta.LastConsumedRestartToken = token
	return meta
}

func (s *Supervisor) getUnknownStreak(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unknownStreak[runID]
}

func (s *Supervisor) setUnknownStreak(runID string, v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == 0 {
		delete(s.unknownStreak, runID)
		return
	}
	s.unknownStreak[runID] = v
}

func (s *Supervisor) publishTransition(runID string, from, to model.SupervisorState, meta model.RunMeta) {
	if s.Events == nil {
		return
	}
	s.Events.PublishTransition(events.Transition{
		RunID:     runID,
		FromState: from,
		ToState:   to,
		JobID:     meta.JobID,
		Partition: meta.CurrentPartition,
		At:        time.Now().Unix(),
	})
}
