package record

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gperrors "github.com/gpusight/gpusight/internal/errors"
	"github.com/gpusight/gpusight/pkg/model"
)

func testRecord(rank int) *model.PerRankRecord {
	series := make(model.SampleSeries)
	for i := 0; i < 4; i++ {
		series.Append(0, "DEV_GPU_UTIL", float64(80+i))
		series.Append(0, "SM_ACTIVE", 0.75)
	}
	return &model.PerRankRecord{
		Metadata: model.CaptureMetadata{
			JobID:            1001,
			RankID:           rank,
			Hostname:         "nid001",
			Label:            "test",
			DeviceIDs:        []int{0},
			DeviceCount:      1,
			SamplingInterval: 100,
			StartTime:        1700000000.25,
			EndTime:          1700000001.25,
			Elapsed:          1.0,
			SampleCount:      4,
			Command:          "sleep 1",
		},
		Series: series,
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	for _, ext := range []string{".json", ".json.zst"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test_rank_0"+ext)
			rec := testRecord(0)

			n, err := Write(rec, path, OverwriteFail)
			require.NoError(t, err)
			assert.Positive(t, n)

			got, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, rec.Metadata, got.Metadata)
			assert.Equal(t, rec.Series, got.Series)
		})
	}
}

func TestWrite_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")

	_, err := Write(testRecord(0), path, OverwriteFail)
	require.NoError(t, err)

	_, err = Write(testRecord(1), path, OverwriteFail)
	require.Error(t, err)
	assert.Equal(t, gperrors.ErrAlreadyExists, gperrors.CodeOf(err))

	// The original record is untouched.
	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Metadata.RankID)
}

func TestWrite_ForceOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")

	_, err := Write(testRecord(0), path, OverwriteFail)
	require.NoError(t, err)

	_, err = Write(testRecord(1), path, OverwriteForce)
	require.NoError(t, err)

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Metadata.RankID)
}

func TestWrite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "r.json")

	_, err := Write(testRecord(0), path, OverwriteFail)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.json")

	_, err := Write(testRecord(0), path, OverwriteFail)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r.json", entries[0].Name())
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()

	_, err := Write(testRecord(0), filepath.Join(dir, "test_rank_0.json"), OverwriteFail)
	require.NoError(t, err)
	_, err = Write(testRecord(1), filepath.Join(dir, "test_rank_1.json.zst"), OverwriteFail)
	require.NoError(t, err)

	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	records, err := ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Metadata.RankID)
	assert.Equal(t, 1, records[1].Metadata.RankID)
}
