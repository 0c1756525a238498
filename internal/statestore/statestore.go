// Package statestore implements the filesystem layout and the atomic
// write, corruption-tolerant read, and advisory-lock primitives that let
// the supervisor and wrapper cooperate through files alone (spec §4.5).
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/slurm-shepherd/shepherd/internal/errs"
	"github.com/slurm-shepherd/shepherd/internal/model"
)

// Store owns one state root: <state_root>/{runs,locks,blacklist.json,daemon.pid}.
type Store struct {
	Root string
}

// New builds a Store rooted at root. It does not touch the filesystem.
func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) RunsDir() string  { return filepath.Join(s.Root, model.RunsDirname) }
func (s *Store) LocksDir() string { return filepath.Join(s.Root, model.LocksDirname) }

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.RunsDir(), runID)
}

func (s *Store) RunFile(runID, filename string) string {
	return filepath.Join(s.RunDir(runID), filename)
}

func (s *Store) BlacklistPath() string { return filepath.Join(s.Root, model.BlacklistFilename) }
func (s *Store) DaemonPIDPath() string { return filepath.Join(s.Root, model.DaemonPIDFilename) }

// EnsureDirs creates the runs/ and locks/ directories if absent.
func (s *Store) EnsureDirs() error {
	if err := os.MkdirAll(s.RunsDir(), 0o755); err != nil {
		return fmt.Errorf("statestore: create runs dir: %w", err)
	}
	if err := os.MkdirAll(s.LocksDir(), 0o755); err != nil {
		return fmt.Errorf("statestore: create locks dir: %w", err)
	}
	return nil
}

// ListRuns returns the sorted set of run ids currently present under
// runs/, as subdirectory names. Missing runs/ yields an empty list.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.RunsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: list runs: %w", err)
	}
	runs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// AtomicWriteJSON writes v to path as canonical JSON via write-temp,
// fsync, rename (spec I4). The temp file lives alongside path so the
// rename is same-filesystem and therefore atomic.
func AtomicWriteJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", path, err)
	}
	data = append(data, '\n')
	return atomicWrite(path, data)
}

// AtomicWriteText writes text to path atomically, with no trailing
// newline added (callers that want one, like the heartbeat file, include
// it themselves).
func AtomicWriteText(path string, text string) error {
	return atomicWrite(path, []byte(text))
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statestore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("statestore: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: fsync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("statestore: rename into %s: %w", path, err)
	}
	cleanup = false

	if dirHandle, err := os.Open(dir); err == nil {
		dirHandle.Sync()
		dirHandle.Close()
	}
	return nil
}

// ReadJSON loads path into v. A missing file returns (false, nil): the
// caller treats the value as absent. A malformed file is quarantined
// alongside path with a .corrupt.<nanos> suffix and returns (false,
// ErrCorrupt) — it never propagates the file's own parse error upward,
// per spec §7's rule that the supervisor never crashes on bad state.
func ReadJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("statestore: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		quarantine(path)
		return false, errs.ErrCorrupt
	}
	return true, nil
}

// ReadText loads path as a raw string. Semantics mirror ReadJSON, but no
// parsing is attempted beyond the read itself, so ReadText never
// quarantines: a file that exists and is readable is never "corrupt" as
// plain text.
func ReadText(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("statestore: read %s: %w", path, err)
	}
	return string(data), true, nil
}

func quarantine(path string) {
	dest := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
	os.Rename(path, dest)
}

// ReadHeartbeat parses the plain-text heartbeat file (decimal epoch
// seconds + newline). Absence or a malformed value both yield (0, false)
// — the caller decides staleness from absence, not from an error.
func ReadHeartbeat(path string) (int64, bool) {
	text, ok, err := ReadText(path)
	if err != nil || !ok {
		return 0, false
	}
	ts, parseErr := strconv.ParseInt(trimNewline(text), 10, 64)
	if parseErr != nil {
		return 0, false
	}
	return ts, true
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// WriteHeartbeat atomically overwrites the heartbeat file with the given
// epoch-seconds timestamp.
func WriteHeartbeat(path string, at int64) error {
	return AtomicWriteText(path, strconv.FormatInt(at, 10)+"\n")
}

// RunLock is a non-blocking advisory file lock on
// <state_root>/locks/<run_id>.lock, held for one tick's mutations of that
// run. It is the Go analogue of original_source's fcntl.flock use; no
// pack example repo models file locking, so this is grounded directly on
// the original implementation.
type RunLock struct {
	file *os.File
	mu   sync.Mutex
}

// TryLock attempts to acquire the per-run lock without blocking. On
// contention it returns (nil, errs.ErrLockContended); the caller should
// skip this run for the current tick.
func (s *Store) TryLock(runID string) (*RunLock, error) {
	if err := os.MkdirAll(s.LocksDir(), 0o755); err != nil {
		return nil, fmt.Errorf("statestore: mkdir locks: %w", err)
	}
	path := filepath.Join(s.LocksDir(), runID+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("statestore: open lock %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errs.ErrLockContended
	}
	return &RunLock{file: f}, nil
}

// Release unlocks and closes the lock file handle. Safe to call once.
func (l *RunLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// TryLockBlacklist acquires the global blacklist lock at
// <state_root>/locks/blacklist.lock, guarding read-modify-write of
// blacklist.json across concurrent run workers.
func (s *Store) TryLockBlacklist() (*RunLock, error) {
	return s.TryLock("blacklist")
}
