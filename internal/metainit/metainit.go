// Package metainit parses "#SHEPHERD" header directives from a batch
// script to seed a run's meta.json at creation time, supplementing the
// distilled spec with a convenience original_source/shepherd/slurm.py's
// parse_shepherd_directives offers batch-script authors.
package metainit

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/slurm-shepherd/shepherd/internal/model"
)

// Directives holds the subset of a RunMeta/Policy this parser can seed.
// Fields for directives absent from the script stay zero; Seen tells an
// absent directive apart from one explicitly set to the zero value.
type Directives struct {
	Gpus                 int
	MinVRAM              int
	MaxVRAM              int
	Prefer                string
	RunMode               model.RunMode
	Partitions            []string
	MaxRetries            int
	KeepAliveSec          int64
	HeartbeatIntervalSec  int64
	HeartbeatGraceSec     int64
	BackoffBaseSec        int64
	BackoffMaxSec         int64
	BlacklistTTLSec       int64
	RunID                 string

	seen map[string]bool
}

// Seen reports whether directive key was present in the parsed script,
// distinguishing "not set" from "set to the zero value".
func (d *Directives) Seen(key string) bool { return d.seen[key] }

// ParseDirectives scans scriptPath line by line for "#SHEPHERD ..."
// header comments (only #SHEPHERD lines matter; their position within
// the script's header block is not otherwise validated) and returns the
// directive values found. An empty path or a missing file returns a zero
// Directives and no error — run creation falls back to its own defaults;
// any other error opening the file is returned.
func ParseDirectives(scriptPath string) (Directives, error) {
	d := Directives{seen: make(map[string]bool)}
	if scriptPath == "" {
		return d, nil
	}
	f, err := os.Open(scriptPath)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, fmt.Errorf("metainit: open %s: %w", scriptPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#SHEPHERD") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "#SHEPHERD"))
		applyFields(&d, fields)
	}
	return d, scanner.Err()
}

func applyFields(d *Directives, fields []string) {
	for i := 0; i < len(fields); {
		arg := fields[i]
		if i+1 >= len(fields) {
			break
		}
		val := fields[i+1]
		switch arg {
		case "--gpus":
			d.Gpus = atoiOr(val, d.Gpus)
			d.seen["gpus"] = true
		case "--min-vram":
			d.MinVRAM = atoiOr(val, d.MinVRAM)
			d.seen["min_vram"] = true
		case "--max-vram":
			d.MaxVRAM = atoiOr(val, d.MaxVRAM)
			d.seen["max_vram"] = true
		case "--prefer":
			d.Prefer = val
			d.seen["prefer"] = true
		case "--mode", "--run-mode":
			d.RunMode = model.RunMode(val)
			d.seen["run_mode"] = true
		case "--partitions":
			d.Partitions = strings.Split(val, ",")
			d.seen["partitions"] = true
		case "--max-retries":
			d.MaxRetries = atoiOr(val, d.MaxRetries)
			d.seen["max_retries"] = true
		case "--keep-alive":
			d.KeepAliveSec = atoi64Or(val, d.KeepAliveSec)
			d.seen["keep_alive_sec"] = true
		case "--heartbeat-interval":
			d.HeartbeatIntervalSec = atoi64Or(val, d.HeartbeatIntervalSec)
			d.seen["heartbeat_interval_sec"] = true
		case "--heartbeat-grace":
			d.HeartbeatGraceSec = atoi64Or(val, d.HeartbeatGraceSec)
			d.seen["heartbeat_grace_sec"] = true
		case "--backoff-base":
			d.BackoffBaseSec = atoi64Or(val, d.BackoffBaseSec)
			d.seen["backoff_base_sec"] = true
		case "--backoff-max":
			d.BackoffMaxSec = atoi64Or(val, d.BackoffMaxSec)
			d.seen["backoff_max_sec"] = true
		case "--blacklist-ttl":
			d.BlacklistTTLSec = atoi64Or(val, d.BlacklistTTLSec)
			d.seen["blacklist_ttl_sec"] = true
		case "--run-id":
			d.RunID = val
			d.seen["run_id"] = true
		default:
			i++
			continue
		}
		i += 2
	}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func atoi64Or(s string, fallback int64) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// ApplyToPolicy overlays directives found in the script onto an existing
// policy, leaving unspecified fields untouched.
func (d Directives) ApplyToPolicy(p model.Policy) model.Policy {
	if d.Seen("max_retries") {
		p.MaxRetries = d.MaxRetries
	}
	if d.Seen("keep_alive_sec") {
		p.KeepAliveSec = d.KeepAliveSec
	}
	if d.Seen("heartbeat_interval_sec") {
		p.HeartbeatIntervalSec = d.HeartbeatIntervalSec
	}
	if d.Seen("heartbeat_grace_sec") {
		p.HeartbeatGraceSec = d.HeartbeatGraceSec
	}
	if d.Seen("backoff_base_sec") {
		p.BackoffBaseSec = d.BackoffBaseSec
	}
	if d.Seen("backoff_max_sec") {
		p.BackoffMaxSec = d.BackoffMaxSec
	}
	if d.Seen("blacklist_ttl_sec") {
		p.BlacklistTTLSec = d.BlacklistTTLSec
	}
	return p
}
