package blacklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slurm-shepherd/shepherd/internal/model"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
)

func newStore(t *testing.T) *Store {
	fs := statestore.New(t.TempDir())
	require.NoError(t, fs.EnsureDirs())
	return New(fs)
}

func TestAddNodeThenExcludeList(t *testing.T) {
	store := newStore(t)
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, store.AddNode("nodeA", "node_fault", 86400, now))

	bl, err := store.Load()
	require.NoError(t, err)
	require.Contains(t, bl.Nodes, "nodeA")

	excl := ExcludeList(bl, 64, now)
	require.Equal(t, []string{"nodeA"}, excl)
}

func TestExcludeListPrunesExpired(t *testing.T) {
	store := newStore(t)
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.AddNode("nodeA", "trespasser", 900, now))

	later := now.Add(20 * time.Minute)
	bl, err := store.Load()
	require.NoError(t, err)
	excl := ExcludeList(bl, 64, later)
	require.Empty(t, excl)
}

func TestExcludeListCappedAtLimit(t *testing.T) {
	store := newStore(t)
	now := time.Unix(1_700_000_000, 0)
	for i, node := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.AddNode(node, "node_fault", 86400, now.Add(time.Duration(i)*time.Second)))
	}
	bl, err := store.Load()
	require.NoError(t, err)
	excl := ExcludeList(bl, 2, now.Add(time.Hour))
	require.Len(t, excl, 2)
	// most-recently-added first
	require.Equal(t, []string{"d", "c"}, excl)
}

func TestRemoveNode(t *testing.T) {
	store := newStore(t)
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.AddNode("nodeA", "node_fault", 86400, now))
	require.NoError(t, store.RemoveNode("nodeA", now))

	bl, err := store.Load()
	require.NoError(t, err)
	require.NotContains(t, bl.Nodes, "nodeA")
}

func TestPruneExpiredKeepsZeroTTLForever(t *testing.T) {
	bl := model.Blacklist{Nodes: map[string]model.BlacklistEntry{
		"permanent": {Node: "permanent", AddedAt: 0, TTLSec: 0},
	}}
	PruneExpired(&bl, time.Unix(1_000_000_000, 0))
	require.Contains(t, bl.Nodes, "permanent")
}
