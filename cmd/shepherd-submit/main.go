// Command shepherd-submit is the thin control-surface entrypoint that
// turns a batch script into a new tracked run: it is the "external
// CLI/TUI" spec.md §6 describes, reduced to the one operation that has
// to exist inside this repo because nothing else can seed meta.json.
// list_runs/get_status/submit_control/blacklist_add/blacklist_remove
// stay out of scope, same as the original caller they describe.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/slurm-shepherd/shepherd/internal/config"
	"github.com/slurm-shepherd/shepherd/internal/model"
	"github.com/slurm-shepherd/shepherd/internal/runsubmit"
	"github.com/slurm-shepherd/shepherd/internal/statestore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("shepherd-submit", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to supervisor config YAML (falls back to ~/.slurm_shepherd/config.yaml)")
	runID := fs.String("run-id", "", "run identifier (default: generated, or the script's own #SHEPHERD --run-id)")
	runMode := fs.String("run-mode", "", "run_once or indefinite (default: run_once, overridable by #SHEPHERD --mode)")
	partitions := fs.String("partitions", "", "comma-separated partition preference list")
	if err := fs.Parse(argv); err != nil {
		fmt.Fprintln(os.Stderr, "shepherd-submit:", err)
		return 1
	}

	script := fs.Arg(0)
	if script == "" {
		fmt.Fprintln(os.Stderr, "shepherd-submit: usage: shepherd-submit [flags] <script-path> [-- extra args...]")
		return 1
	}
	extra := fs.Args()[1:]

	path := *configPath
	if path == "" {
		home, _ := os.UserHomeDir()
		path = home + "/.slurm_shepherd/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shepherd-submit: load config:", err)
		return 1
	}

	store := statestore.New(cfg.ResolveStateDir())
	if err := store.EnsureDirs(); err != nil {
		fmt.Fprintln(os.Stderr, "shepherd-submit: ensure state dirs:", err)
		return 1
	}

	mode := model.RunMode(*runMode)
	var partitionList []string
	if *partitions != "" {
		partitionList = strings.Split(*partitions, ",")
	}

	meta, err := runsubmit.CreateRun(store, runsubmit.Request{
		RunID:      *runID,
		ScriptPath: script,
		ExtraArgs:  extra,
		RunMode:    mode,
		Partitions: partitionList,
		Policy:     cfg.PolicyDefaults,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "shepherd-submit:", err)
		return 1
	}

	fmt.Printf("submitted run %s (mode=%s, state=%s)\n", meta.RunID, meta.RunMode, meta.State)
	return 0
}
