package wrapperrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slurm-shepherd/shepherd/internal/model"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
)

func newStore(t *testing.T) *statestore.Store {
	store := statestore.New(t.TempDir())
	require.NoError(t, store.EnsureDirs())
	return store
}

func TestHeartbeatWritesAndStops(t *testing.T) {
	store := newStore(t)
	hb := NewHeartbeat(store, "run-1", 20*time.Millisecond)
	hb.Start()
	time.Sleep(60 * time.Millisecond)
	hb.Stop()

	ts, ok := statestore.ReadHeartbeat(store.RunFile("run-1", model.HeartbeatFilename))
	require.True(t, ok)
	require.NotZero(t, ts)
}

func TestRunWorkloadSuccess(t *testing.T) {
	res, err := RunWorkload(context.Background(), []string{"true"})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
}

func TestRunWorkloadNonZeroExit(t *testing.T) {
	res, err := RunWorkload(context.Background(), []string{"false"})
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
}

func TestWriteFailureAndFinal(t *testing.T) {
	store := newStore(t)
	require.NoError(t, WriteFailure(store, "run-1", model.ExitCUDAFailure, model.FailureCUDA, "42", map[string]interface{}{"x": 1}))
	require.FileExists(t, filepath.Join(store.RunDir("run-1"), model.FailureFilename))

	require.NoError(t, WriteFinal(store, "run-1"))
	finalPath := filepath.Join(store.RunDir("run-1"), model.FinalFilename)
	require.FileExists(t, finalPath)
	data, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	require.Empty(t, data)
}
