package metainit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slurm-shepherd/shepherd/internal/model"
)

func writeScript(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "submit.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseDirectivesBasic(t *testing.T) {
	path := writeScript(t, "#!/bin/bash\n#SBATCH --time=1:00:00\n#SHEPHERD --gpus 4 --min-vram 40 --prefer min\n#SHEPHERD --mode indefinite --keep-alive 3600\necho hi\n")

	d, err := ParseDirectives(path)
	require.NoError(t, err)
	require.Equal(t, 4, d.Gpus)
	require.Equal(t, 40, d.MinVRAM)
	require.Equal(t, "min", d.Prefer)
	require.Equal(t, model.RunModeIndefinite, d.RunMode)
	require.Equal(t, int64(3600), d.KeepAliveSec)
}

func TestParseDirectivesMissingFileIsNotAnError(t *testing.T) {
	d, err := ParseDirectives(filepath.Join(t.TempDir(), "absent.sh"))
	require.NoError(t, err)
	require.Equal(t, 0, d.Gpus)
}

func TestApplyToPolicyOnlyOverlaysSeenFields(t *testing.T) {
	path := writeScript(t, "#SHEPHERD --max-retries 7\n")
	d, err := ParseDirectives(path)
	require.NoError(t, err)

	base := model.DefaultPolicy()
	merged := d.ApplyToPolicy(base)
	require.Equal(t, 7, merged.MaxRetries)
	require.Equal(t, base.BackoffBaseSec, merged.BackoffBaseSec)
}

func TestParseDirectivesPartitions(t *testing.T) {
	path := writeScript(t, "#SHEPHERD --partitions gpuA,gpuB,gpuC\n")
	d, err := ParseDirectives(path)
	require.NoError(t, err)
	require.Equal(t, []string{"gpuA", "gpuB", "gpuC"}, d.Partitions)
}
