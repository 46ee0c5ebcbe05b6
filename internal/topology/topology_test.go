package topology

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gperrors "github.com/gpusight/gpusight/internal/errors"
)

func TestDiscover(t *testing.T) {
	t.Setenv("SLURM_JOB_ID", "123456")
	t.Setenv("SLURM_PROCID", "3")
	t.Setenv("SLURM_STEP_GPUS", "2,3")

	topo, err := Discover("resnet", "")
	require.NoError(t, err)

	assert.Equal(t, int64(123456), topo.JobID)
	assert.Equal(t, 3, topo.RankID)
	assert.Equal(t, []int{2, 3}, topo.DeviceIDs)
	assert.Equal(t, "resnet", topo.Label)
	assert.Equal(t, "gpusight_job_123456", topo.OutputDir)
	assert.NotEmpty(t, topo.Hostname)
}

func TestDiscover_Defaults(t *testing.T) {
	t.Setenv("SLURM_JOB_ID", "77")
	t.Setenv("SLURM_PROCID", "0")
	t.Setenv("SLURM_STEP_GPUS", "0")

	topo, err := Discover("", "")
	require.NoError(t, err)

	assert.Equal(t, "unlabeled_job_77", topo.Label)
	assert.Equal(t, "gpusight_job_77", topo.OutputDir)
}

func TestDiscover_MissingJobID(t *testing.T) {
	t.Setenv("SLURM_JOB_ID", "")
	t.Setenv("SLURM_PROCID", "0")

	_, err := Discover("", "")
	require.Error(t, err)
	assert.Equal(t, gperrors.ErrConfigInvalid, gperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "SLURM_JOB_ID")
}

func TestDiscover_MissingRankID(t *testing.T) {
	t.Setenv("SLURM_JOB_ID", "1")
	t.Setenv("SLURM_PROCID", "")

	_, err := Discover("", "")
	require.Error(t, err)
	assert.Equal(t, gperrors.ErrConfigInvalid, gperrors.CodeOf(err))
}

func TestDiscover_DeviceFallback(t *testing.T) {
	t.Setenv("SLURM_JOB_ID", "1")
	t.Setenv("SLURM_PROCID", "6")
	t.Setenv("SLURM_STEP_GPUS", "")

	topo, err := Discover("", "")
	require.NoError(t, err)

	// rank 6 mod 4 GPUs per node
	assert.Equal(t, []int{2}, topo.DeviceIDs)
}

func TestDiscover_BadGPUList(t *testing.T) {
	t.Setenv("SLURM_JOB_ID", "1")
	t.Setenv("SLURM_PROCID", "0")
	t.Setenv("SLURM_STEP_GPUS", "0,banana")

	_, err := Discover("", "")
	require.Error(t, err)
	assert.Equal(t, gperrors.ErrConfigInvalid, gperrors.CodeOf(err))
}

func TestRecordPath(t *testing.T) {
	topo := &Topology{Label: "bert", RankID: 2, OutputDir: "out"}

	assert.Equal(t, filepath.Join("out", "bert_rank_2.json"), topo.RecordPath(false))
	assert.Equal(t, filepath.Join("out", "bert_rank_2.json.zst"), topo.RecordPath(true))
}
