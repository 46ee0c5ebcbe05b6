// Package analysis computes job-level utilization summaries from a
// consolidated dataset, excluding warmup and cooldown samples flagged by
// the cleanser.
package analysis

import (
	"math"
	"sort"

	"github.com/gpusight/gpusight/internal/cleanse"
	gperrors "github.com/gpusight/gpusight/internal/errors"
	"github.com/gpusight/gpusight/internal/telemetry"
	"github.com/gpusight/gpusight/pkg/model"
)

// MetricSummary aggregates one metric across every kept sample of every
// device in the job.
type MetricSummary struct {
	Name    string  `json:"name"`
	Mean    float64 `json:"mean"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"n_samples"`
}

// Summary is the per-job analysis result.
type Summary struct {
	Job             model.JobRow    `json:"job"`
	Metrics         []MetricSummary `json:"metrics"`
	SamplesTotal    int             `json:"samples_total"`
	SamplesExcluded int             `json:"samples_excluded"`
}

// deviceKey identifies one device's series within the job.
type deviceKey struct {
	rankID   int
	deviceID int
}

// Summarize aggregates the dataset into per-metric statistics. Outliers
// are detected per device on the GPU utilization series and the flagged
// ticks are excluded from every metric of that device, so all metrics of
// a tick are kept or dropped together.
func Summarize(ds *model.ConsolidatedDataset, mode cleanse.Mode) (*Summary, error) {
	if len(ds.Samples) == 0 {
		return nil, gperrors.New(gperrors.ErrNoData, "analysis", "dataset has no samples")
	}

	// Rows arrive ordered by rank, device, tick; group them per device.
	groups := make(map[deviceKey][]model.SampleRow)
	keys := make([]deviceKey, 0)
	for _, row := range ds.Samples {
		k := deviceKey{rankID: row.RankID, deviceID: row.DeviceID}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], row)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].rankID != keys[j].rankID {
			return keys[i].rankID < keys[j].rankID
		}
		return keys[i].deviceID < keys[j].deviceID
	})

	sums := make(map[string]float64, len(ds.MetricNames))
	counts := make(map[string]int, len(ds.MetricNames))
	mins := make(map[string]float64, len(ds.MetricNames))
	maxs := make(map[string]float64, len(ds.MetricNames))
	for _, m := range ds.MetricNames {
		mins[m] = math.Inf(1)
		maxs[m] = math.Inf(-1)
	}

	total, excluded := 0, 0
	for _, k := range keys {
		rows := groups[k]
		util := make([]float64, len(rows))
		for i, row := range rows {
			util[i] = row.Values[telemetry.MetricDevGPUUtil]
		}
		flags := cleanse.Detect(util, mode)

		for i, row := range rows {
			total++
			if flags[i] {
				excluded++
				continue
			}
			for _, m := range ds.MetricNames {
				v, ok := row.Values[m]
				if !ok {
					continue
				}
				sums[m] += v
				counts[m]++
				if v < mins[m] {
					mins[m] = v
				}
				if v > maxs[m] {
					maxs[m] = v
				}
			}
		}
	}

	out := &Summary{
		Job:             ds.Job,
		SamplesTotal:    total,
		SamplesExcluded: excluded,
	}
	for _, m := range ds.MetricNames {
		ms := MetricSummary{Name: m, Samples: counts[m]}
		if counts[m] > 0 {
			ms.Mean = sums[m] / float64(counts[m])
			ms.Min = mins[m]
			ms.Max = maxs[m]
		}
		out.Metrics = append(out.Metrics, ms)
	}
	return out, nil
}
