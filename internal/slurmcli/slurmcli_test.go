package slurmcli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slurm-shepherd/shepherd/internal/model"
)

func TestParseSbatchJobID(t *testing.T) {
	jobID, err := ParseSbatchJobID("Submitted batch job 123456\n")
	require.NoError(t, err)
	require.Equal(t, "123456", jobID)
}

func TestParseSbatchJobIDMalformed(t *testing.T) {
	_, err := ParseSbatchJobID("sbatch: error: invalid partition\n")
	require.Error(t, err)
}

func TestParseQueueOutput(t *testing.T) {
	out := "123|RUNNING|None|gpu|node01\n124|PENDING|Resources|gpu|\n"
	snaps := ParseQueueOutput(out)
	require.Len(t, snaps, 2)
	require.Equal(t, model.SchedRunning, snaps["123"].State)
	require.Equal(t, "node01", snaps["123"].Node)
	require.Equal(t, model.SchedPending, snaps["124"].State)
}

func TestParseQueueOutputIgnoresMalformedLines(t *testing.T) {
	snaps := ParseQueueOutput("garbage\n\n123|RUNNING|None\n")
	// the short line has only 3 fields (>= 4 required) so it is skipped too
	require.Empty(t, snaps)
}

func TestParseAccountingOutput(t *testing.T) {
	snap := ParseAccountingOutput("987|COMPLETED|0:0|node02\n")
	require.NotNil(t, snap)
	require.Equal(t, model.SchedCompleted, snap.State)
	require.Equal(t, 0, snap.ExitCode)
	require.Equal(t, "node02", snap.Node)
}

func TestParseAccountingOutputNonZeroExit(t *testing.T) {
	snap := ParseAccountingOutput("987|FAILED|1:0|node02\n")
	require.NotNil(t, snap)
	require.Equal(t, 1, snap.ExitCode)
}

func TestParseAccountingOutputEmpty(t *testing.T) {
	require.Nil(t, ParseAccountingOutput(""))
}

func TestMapStateTable(t *testing.T) {
	cases := map[string]model.SchedulerState{
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
		"SUSPENDED":   model.SchedUnknown,
	}
	for raw, want := range cases {
		require.Equal(t, want, MapState(raw), raw)
	}
}

func TestClassifySbatchFailure(t *testing.T) {
	require.Equal(t, "Invalid partition name", ClassifySbatchFailure("sbatch: error: Invalid partition name specified: gpu-x"))
	require.Equal(t, "unknown", ClassifySbatchFailure("some transient network error"))
	require.Equal(t, "unknown", ClassifySbatchFailure(""))
}
