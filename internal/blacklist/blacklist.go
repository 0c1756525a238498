// Package blacklist manages the global, TTL-bounded node exclusion set at
// <state_root>/blacklist.json, grounded line-for-line on
// original_source/shepherd/blacklist.py's read-modify-write-under-lock
// shape.
package blacklist

import (
	"fmt"
	"sort"
	"time"

	"github.com/slurm-shepherd/shepherd/internal/model"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
)

// Store wraps a statestore.Store to manage the single blacklist document.
type Store struct {
	fs *statestore.Store
}

func New(fs *statestore.Store) *Store {
	return &Store{fs: fs}
}

// Load reads the blacklist document, returning an empty one if absent or
// corrupt (corruption is already quarantined by statestore.ReadJSON).
func (s *Store) Load() (model.Blacklist, error) {
	var bl model.Blacklist
	// A corrupt file has already been quarantined by ReadJSON; treat it
	// the same as "absent" here rather than surfacing the parse error.
	ok, _ := statestore.ReadJSON(s.fs.BlacklistPath(), &bl)
	if !ok {
		bl = model.Blacklist{}
	}
	if bl.Nodes == nil {
		bl.Nodes = make(map[string]model.BlacklistEntry)
	}
	return bl, nil
}

func (s *Store) save(bl model.Blacklist, now time.Time) error {
	bl.UpdatedAt = now.Unix()
	return statestore.AtomicWriteJSON(s.fs.BlacklistPath(), bl)
}

// withLock runs fn under the global blacklist lock, retrying a bounded
// number of times on contention since, unlike the per-run lock, skipping
// a blacklist mutation outright would silently drop a forensic event.
func (s *Store) withLock(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		lock, err := s.fs.TryLockBlacklist()
		if err == nil {
			defer lock.Release()
			return fn()
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("blacklist: lock contended after retries: %w", lastErr)
}

// AddNode inserts or refreshes a node's exclusion entry with the given
// TTL and reason, pruning expired entries as part of the same write.
func (s *Store) AddNode(node, reason string, ttlSec int64, now time.Time) error {
	return s.withLock(func() error {
		bl, err := s.Load()
		if err != nil {
			return err
		}
		PruneExpired(&bl, now)
		existing, had := bl.Nodes[node]
		strikes := 1
		if had {
			strikes = existing.Strikes + 1
		}
		bl.Nodes[node] = model.BlacklistEntry{
			Node:    node,
			Reason:  reason,
			AddedAt: now.Unix(),
			TTLSec:  ttlSec,
			Strikes: strikes,
		}
		return s.save(bl, now)
	})
}

// RemoveNode deletes a node's entry if present, pruning expired entries
// as part of the same write.
func (s *Store) RemoveNode(node string, now time.Time) error {
	return s.withLock(func() error {
		bl, err := s.Load()
		if err != nil {
			return err
		}
		PruneExpired(&bl, now)
		delete(bl.Nodes, node)
		return s.save(bl, now)
	})
}

// PruneExpired removes entries whose TTL has elapsed as of now. Entries
// with TTLSec <= 0 never expire.
func PruneExpired(bl *model.Blacklist, now time.Time) {
	for node, entry := range bl.Nodes {
		if entry.TTLSec > 0 && now.Unix()-entry.AddedAt > entry.TTLSec {
			delete(bl.Nodes, node)
		}
	}
}

// ExcludeList returns up to limit node names to pass as --exclude on the
// next submission, most-recently-added first, with expired entries
// already pruned. limit <= 0 means unbounded.
func ExcludeList(bl model.Blacklist, limit int, now time.Time) []string {
	PruneExpired(&bl, now)
	nodes := make([]string, 0, len(bl.Nodes))
	for node := range bl.Nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		ei, ej := bl.Nodes[nodes[i]], bl.Nodes[nodes[j]]
		if ei.AddedAt != ej.AddedAt {
			return ei.AddedAt > ej.AddedAt
		}
		return nodes[i] < nodes[j]
	})
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes
}
