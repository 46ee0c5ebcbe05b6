package sampler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpusight/gpusight/internal/consolidate"
	"github.com/gpusight/gpusight/internal/record"
	"github.com/gpusight/gpusight/internal/telemetry"
	"github.com/gpusight/gpusight/internal/topology"
)

// Captures two ranks around a real one-second workload, persists their
// records, merges them, and checks the consolidated store end to end.
func TestCaptureToConsolidatedStore(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a one-second workload per rank")
	}

	dir := t.TempDir()

	for rank := 0; rank < 2; rank++ {
		topo := &topology.Topology{
			JobID:     42,
			RankID:    rank,
			Hostname:  "nid001",
			DeviceIDs: []int{rank},
			Label:     "pipeline",
			OutputDir: dir,
		}
		s := New(&fakeSource{handle: &fakeHandle{}}, topo, 100*time.Millisecond, 0, nil)

		rec, err := s.Run(context.Background(), "sleep 1")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, rec.Metadata.Elapsed, 0.5)
		assert.InDelta(t, 10, rec.Metadata.SampleCount, 3)

		_, err = record.Write(rec, topo.RecordPath(false), record.OverwriteFail)
		require.NoError(t, err)
	}

	records, err := record.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, records, 2)

	ds, err := consolidate.Merge(records)
	require.NoError(t, err)

	storePath := filepath.Join(dir, "job.db")
	require.NoError(t, consolidate.WriteDataset(ds, storePath, false, nil))

	got, err := consolidate.Load(storePath)
	require.NoError(t, err)

	assert.Equal(t, int64(42), got.Job.JobID)
	assert.Equal(t, 2, got.Job.RankCount)
	assert.Equal(t, 2, got.Job.DeviceCount)
	assert.Equal(t, 1, got.Job.HostCount)
	assert.Equal(t, "sleep 1", got.Job.Command)

	// The fake reports the poll index as DEV_GPU_UTIL; consolidation
	// rescales it from a percentage to a 0-1 fraction.
	require.NotEmpty(t, got.Samples)
	for _, row := range got.Samples {
		assert.Less(t, row.Values[telemetry.MetricDevGPUUtil], 1.0)
	}
}
