package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slurm-shepherd/shepherd/internal/model"
)

func TestAtomicWriteJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	path := store.RunFile("run-1", model.MetaFilename)

	meta := model.RunMeta{RunID: "run-1", RunMode: model.RunModeOnce, ScriptPath: "/x.sh"}
	require.NoError(t, AtomicWriteJSON(path, meta))

	var got model.RunMeta
	ok, err := ReadJSON(path, &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, meta.RunID, got.RunID)
	require.Equal(t, meta.ScriptPath, got.ScriptPath)
}

func TestReadJSONMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	var got model.RunMeta
	ok, err := ReadJSON(filepath.Join(dir, "absent.json"), &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadJSONQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var got model.RunMeta
	ok, err := ReadJSON(path, &got)
	require.Error(t, err)
	require.False(t, ok)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "corrupt file should have been renamed aside")

	matches, _ := filepath.Glob(path + ".corrupt.*")
	require.Len(t, matches, 1)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat")
	require.NoError(t, WriteHeartbeat(path, 1700000000))

	ts, ok := ReadHeartbeat(path)
	require.True(t, ok)
	require.Equal(t, int64(1700000000), ts)
}

func TestReadHeartbeatAbsent(t *testing.T) {
	dir := t.TempDir()
	_, ok := ReadHeartbeat(filepath.Join(dir, "heartbeat"))
	require.False(t, ok)
}

func TestListRunsSortedAndEmpty(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	runs, err := store.ListRuns()
	require.NoError(t, err)
	require.Empty(t, runs)

	require.NoError(t, store.EnsureDirs())
	require.NoError(t, os.MkdirAll(store.RunDir("b-run"), 0o755))
	require.NoError(t, os.MkdirAll(store.RunDir("a-run"), 0o755))

	runs, err = store.ListRuns()
	require.NoError(t, err)
	require.Equal(t, []string{"a-run", "b-run"}, runs)
}

func TestRunLockExcludesSecondAcquire(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	lock1, err := store.TryLock("run-1")
	require.NoError(t, err)
	require.NotNil(t, lock1)

	_, err = store.TryLock("run-1")
	require.Error(t, err)

	require.NoError(t, lock1.Release())

	lock2, err := store.TryLock("run-1")
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}
