package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpusight/gpusight/internal/cleanse"
	gperrors "github.com/gpusight/gpusight/internal/errors"
	"github.com/gpusight/gpusight/internal/telemetry"
	"github.com/gpusight/gpusight/pkg/model"
)

// testDataset builds one rank with one device whose utilization idles for
// warmup ticks and then holds steady. SM_ACTIVE mirrors the shape so the
// test can confirm all metrics of a flagged tick are dropped together.
func testDataset(warmup, steady int) *model.ConsolidatedDataset {
	ds := &model.ConsolidatedDataset{
		MetricNames: []string{telemetry.MetricDevGPUUtil, telemetry.MetricSMActive},
		Job:         model.JobRow{JobID: 7, RankCount: 1, DeviceCount: 1},
	}
	n := warmup + steady
	for i := 0; i < n; i++ {
		util, sm := 0.9, 0.8
		if i < warmup {
			util, sm = 0.02, 0.01
		}
		ds.Samples = append(ds.Samples, model.SampleRow{
			JobID:       7,
			RankID:      0,
			DeviceID:    0,
			SampleIndex: i,
			Values: map[string]float64{
				telemetry.MetricDevGPUUtil: util,
				telemetry.MetricSMActive:   sm,
			},
		})
	}
	return ds
}

func TestSummarizeExcludesWarmup(t *testing.T) {
	ds := testDataset(50, 150)

	sum, err := Summarize(ds, cleanse.ModeLeading)
	require.NoError(t, err)

	assert.Equal(t, 200, sum.SamplesTotal)
	assert.Equal(t, 50, sum.SamplesExcluded)

	require.Len(t, sum.Metrics, 2)
	util := sum.Metrics[0]
	assert.Equal(t, telemetry.MetricDevGPUUtil, util.Name)
	assert.Equal(t, 150, util.Samples)
	assert.InDelta(t, 0.9, util.Mean, 1e-9)
	assert.InDelta(t, 0.9, util.Min, 1e-9)

	// The companion metric is masked on the same ticks.
	sm := sum.Metrics[1]
	assert.Equal(t, 150, sm.Samples)
	assert.InDelta(t, 0.8, sm.Mean, 1e-9)
}

func TestSummarizeModeNoneKeepsEverything(t *testing.T) {
	ds := testDataset(50, 150)

	sum, err := Summarize(ds, cleanse.ModeNone)
	require.NoError(t, err)

	assert.Zero(t, sum.SamplesExcluded)
	util := sum.Metrics[0]
	assert.Equal(t, 200, util.Samples)
	assert.InDelta(t, (0.02*50+0.9*150)/200, util.Mean, 1e-9)
	assert.InDelta(t, 0.02, util.Min, 1e-9)
	assert.InDelta(t, 0.9, util.Max, 1e-9)
}

func TestSummarizePerDeviceMasking(t *testing.T) {
	// Device 0 has a warmup ramp, device 1 is steady throughout. Only
	// device 0's ticks may be excluded.
	ds := testDataset(50, 150)
	for i := 0; i < 200; i++ {
		ds.Samples = append(ds.Samples, model.SampleRow{
			JobID:       7,
			RankID:      0,
			DeviceID:    1,
			SampleIndex: i,
			Values: map[string]float64{
				telemetry.MetricDevGPUUtil: 0.85,
				telemetry.MetricSMActive:   0.75,
			},
		})
	}

	sum, err := Summarize(ds, cleanse.ModeLeading)
	require.NoError(t, err)

	assert.Equal(t, 400, sum.SamplesTotal)
	assert.Equal(t, 50, sum.SamplesExcluded)
	assert.Equal(t, 350, sum.Metrics[0].Samples)
}

func TestSummarizeEmptyDataset(t *testing.T) {
	_, err := Summarize(&model.ConsolidatedDataset{}, cleanse.ModeLeading)
	require.Error(t, err)
	assert.Equal(t, gperrors.ErrNoData, gperrors.CodeOf(err))
}
