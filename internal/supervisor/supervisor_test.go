package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slurm-shepherd/shepherd/internal/blacklist"
	"github.com/slurm-shepherd/shepherd/internal/errs"
	"github.com/slurm-shepherd/shepherd/internal/model"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
)

// fakeCLI is a deterministic stand-in for the real scheduler, letting
// supervisor.Tick be exercised end to end without ever shelling out to a
// real sbatch/squeue/sacct/scancel binary.
type fakeCLI struct {
	mu sync.Mutex

	nextJobID   int
	submitted   []string
	snapshots   map[string]model.JobSnapshot
	accounting  map[string]model.JobSnapshot
	cancelled   []string
	submitErr   error
}

func newFakeCLI() *fakeCLI {
	return &fakeCLI{
		nextJobID:  100,
		snapshots:  make(map[string]model.JobSnapshot),
		accounting: make(map[string]model.JobSnapshot),
	}
}

func (f *fakeCLI) Submit(ctx context.Context, script string, args []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextJobID++
	id := intToStr(f.nextJobID)
	f.submitted = append(f.submitted, id)
	return id, nil
}

func (f *fakeCLI) QueueSnapshot(ctx context.Context, jobIDs []string) (map[string]model.JobSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.JobSnapshot)
	for _, id := range jobIDs {
		if snap, ok := f.snapshots[id]; ok {
			out[id] = snap
		}
	}
	return out, nil
}

func (f *fakeCLI) Accounting(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap, ok := f.accounting[jobID]; ok {
		return &snap, nil
	}
	return nil, nil
}

func (f *fakeCLI) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func intToStr(n int) string {
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if len(digits) == 0 {
		return "0"
	}
	return string(digits)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *statestore.Store, *fakeCLI) {
	t.Helper()
	dir := t.TempDir()
	store := statestore.New(dir)
	require.NoError(t, store.EnsureDirs())
	cli := newFakeCLI()
	bl := blacklist.New(store)
	sup := New(store, cli, bl, nil, zap.NewNop(), 4, time.Second)
	return sup, store, cli
}

func writeMeta(t *testing.T, store *statestore.Store, runID string, meta model.RunMeta) {
	t.Helper()
	require.NoError(t, statestore.AtomicWriteJSON(store.RunFile(runID, model.MetaFilename), meta))
}

func readMeta(t *testing.T, store *statestore.Store, runID string) model.RunMeta {
	t.Helper()
	var meta model.RunMeta
	ok, err := statestore.ReadJSON(store.RunFile(runID, model.MetaFilename), &meta)
	require.NoError(t, err)
	require.True(t, ok)
	return meta
}

func TestTickBootstrapsFreshRun(t *testing.T) {
	sup, store, cli := newTestSupervisor(t)
	meta := model.RunMeta{
		RunID:   "run-a",
		RunMode: model.RunModeOnce,
		State:   model.StateInit,
		Policy:  basePolicy(),
	}
	writeMeta(t, store, "run-a", meta)

	require.NoError(t, sup.Tick(context.Background()))

	got := readMeta(t, store, "run-a")
	require.NotEmpty(t, got.JobID)
	require.Equal(t, model.StateQueued, got.State)
	require.Len(t, cli.submitted, 1)
}

func TestTickPartitionSpecificSbatchFailureAdvancesPartition(t *testing.T) {
	sup, store, cli := newTestSupervisor(t)
	cli.submitErr = errors.New("sbatch: error: Invalid partition name specified")
	meta := model.RunMeta{
		RunID:   "run-part",
		RunMode: model.RunModeOnce,
		State:   model.StateInit,
		Policy:  basePolicy(),
		PartitionFallback: &model.PartitionFallback{
			Partitions:        []string{"a", "b"},
			RetryPerPartition: 1,
		},
	}
	writeMeta(t, store, "run-part", meta)

	require.NoError(t, sup.Tick(context.Background()))

	got := readMeta(t, store, "run-part")
	require.Equal(t, model.StateBackoff, got.State)
	require.Equal(t, 1, got.CurrentPartitionIndex) // advanced a -> b
	require.Equal(t, 1, got.ConsecutiveFailures)
}

func TestTickGenericSbatchFailureDoesNotAdvancePartition(t *testing.T) {
	sup, store, cli := newTestSupervisor(t)
	cli.submitErr = errors.New("sbatch: error: slurm_load_partitions: Socket timed out")
	meta := model.RunMeta{
		RunID:   "run-generic",
		RunMode: model.RunModeOnce,
		State:   model.StateInit,
		Policy:  basePolicy(),
		PartitionFallback: &model.PartitionFallback{
			Partitions:        []string{"a", "b"},
			RetryPerPartition: 1,
		},
	}
	writeMeta(t, store, "run-generic", meta)

	require.NoError(t, sup.Tick(context.Background()))

	got := readMeta(t, store, "run-generic")
	require.Equal(t, model.StateBackoff, got.State)
	require.Equal(t, 0, got.CurrentPartitionIndex) // stayed on "a"
	require.Equal(t, 1, got.ConsecutiveFailures)
}

func TestTickRunningToCompletedWritesEndedSuccess(t *testing.T) {
	sup, store, cli := newTestSupervisor(t)
	meta := model.RunMeta{
		RunID:   "run-b",
		RunMode: model.RunModeOnce,
		State:   model.StateRunning,
		JobID:   "500",
		Policy:  basePolicy(),
	}
	writeMeta(t, store, "run-b", meta)
	require.NoError(t, statestore.AtomicWriteText(store.RunFile("run-b", model.FinalFilename), "{}\n"))
	cli.snapshots["500"] = model.JobSnapshot{JobID: "500", State: model.SchedCompleted, ExitCode: 0}

	require.NoError(t, sup.Tick(context.Background()))

	got := readMeta(t, store, "run-b")
	require.Equal(t, model.StateTerminal, got.State)
	var ended model.EndedMarker
	ok, err := statestore.ReadJSON(store.RunFile("run-b", model.EndedFilename), &ended)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.EndedSuccess, ended.Reason)
}

func TestTickFailureBlacklistsNode(t *testing.T) {
	sup, store, cli := newTestSupervisor(t)
	policy := basePolicy()
	policy.BlacklistEnabled = true
	meta := model.RunMeta{
		RunID:   "run-c",
		RunMode: model.RunModeOnce,
		State:   model.StateRunning,
		JobID:   "501",
		Policy:  policy,
	}
	writeMeta(t, store, "run-c", meta)
	require.NoError(t, statestore.AtomicWriteJSON(store.RunFile("run-c", model.FailureFilename), model.FailureRecord{
		Kind: model.FailureNodeFault, Node: "nodeZ", Timestamp: 42, ExitCode: model.ExitNodeFault,
	}))
	cli.snapshots["501"] = model.JobSnapshot{JobID: "501", State: model.SchedFailed, Node: "nodeZ"}

	require.NoError(t, sup.Tick(context.Background()))

	got := readMeta(t, store, "run-c")
	require.Equal(t, model.StateBackoff, got.State)
	require.Empty(t, got.JobID)
	require.Equal(t, int64(42), got.LastFailureTimestamp)

	bl := blacklist.New(store)
	loaded, err := bl.Load()
	require.NoError(t, err)
	_, present := loaded.Nodes["nodeZ"]
	require.True(t, present)

	require.Len(t, cli.cancelled, 0) // already terminal in scheduler, nothing live to cancel

	events, ok, err := statestore.ReadText(store.RunFile("run-c", model.BadNodeEventsFilename))
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, events, "node=nodeZ exit=42 reason=node_fault")
}

func TestTickDoesNotReprocessSameFailureTwice(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)
	policy := basePolicy()
	meta := model.RunMeta{
		RunID:               "run-d",
		RunMode:             model.RunModeOnce,
		State:               model.StateBackoff,
		Policy:              policy,
		ConsecutiveFailures: 1,
		LastFailureTimestamp: 42,
		NextSubmitAt:         99999999999,
	}
	writeMeta(t, store, "run-d", meta)
	require.NoError(t, statestore.AtomicWriteJSON(store.RunFile("run-d", model.FailureFilename), model.FailureRecord{
		Kind: model.FailureNodeFault, Node: "nodeZ", Timestamp: 42,
	}))

	require.NoError(t, sup.Tick(context.Background()))

	got := readMeta(t, store, "run-d")
	// Still 1: the stale failure.json (same timestamp already consumed)
	// must not be double-counted, and NextSubmitAt is far in the future
	// so no bootstrap/backoff submit fires either.
	require.Equal(t, 1, got.ConsecutiveFailures)
}

func TestTickHeartbeatStallCancelsAndBacksOff(t *testing.T) {
	sup, store, cli := newTestSupervisor(t)
	meta := model.RunMeta{
		RunID:        "run-e",
		RunMode:      model.RunModeOnce,
		State:        model.StateRunning,
		JobID:        "502",
		Policy:       basePolicy(),
		LastSubmitAt: 0,
	}
	writeMeta(t, store, "run-e", meta)
	staleAt := time.Now().Unix() - 1000
	require.NoError(t, statestore.WriteHeartbeat(store.RunFile("run-e", model.HeartbeatFilename), staleAt))
	cli.snapshots["502"] = model.JobSnapshot{JobID: "502", State: model.SchedRunning}

	require.NoError(t, sup.Tick(context.Background()))

	got := readMeta(t, store, "run-e")
	require.Equal(t, model.StateBackoff, got.State)
	require.Equal(t, []string{"502"}, cli.cancelled)
}

func TestTickRestartTokenRevivesTerminalRun(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)
	meta := model.RunMeta{
		RunID:   "run-f",
		RunMode: model.RunModeIndefinite,
		State:   model.StateTerminal,
		Policy:  basePolicy(),
	}
	writeMeta(t, store, "run-f", meta)
	require.NoError(t, statestore.AtomicWriteJSON(store.RunFile("run-f", model.EndedFilename), model.EndedMarker{
		Reason: model.EndedStoppedManual, At: 1,
	}))
	require.NoError(t, statestore.AtomicWriteJSON(store.RunFile("run-f", model.ControlFilename), model.ControlSignal{
		RequestedRestartToken: "tok-1",
	}))

	require.NoError(t, sup.Tick(context.Background()))

	got := readMeta(t, store, "run-f")
	require.Equal(t, "tok-1", got.LastConsumedRestartToken)
	require.NotEqual(t, model.StateTerminal, got.State)

	_, stillEnded, err := statestore.ReadText(store.RunFile("run-f", model.EndedFilename))
	require.NoError(t, err)
	require.False(t, stillEnded)
}

func TestTickCorruptMetaIsSkippedNotFatal(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)
	require.NoError(t, statestore.AtomicWriteText(store.RunFile("run-g", model.MetaFilename), "not json"))
	err := sup.Tick(context.Background())
	require.NoError(t, err)
}

func TestTickUnreadableRunsDirIsFatal(t *testing.T) {
	sup, store, _ := newTestSupervisor(t)
	// Replace runs/ with a plain file so ListRuns's os.ReadDir fails with
	// something other than IsNotExist, simulating an unreadable state root.
	require.NoError(t, os.RemoveAll(store.RunsDir()))
	require.NoError(t, os.WriteFile(store.RunsDir(), []byte("not a dir"), 0o644))

	err := sup.Tick(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrFatal))
}
