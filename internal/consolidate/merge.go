package consolidate

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	gperrors "github.com/gpusight/gpusight/internal/errors"
	"github.com/gpusight/gpusight/internal/observability"
	"github.com/gpusight/gpusight/internal/telemetry"
	"github.com/gpusight/gpusight/pkg/model"
)

// Merge consolidates per-rank records from a single job into one dataset.
// It is a pure function: the same input set, in any order, produces the
// same table contents, so retries are safe. Validation fails fast, before
// any row is built.
func Merge(records []*model.PerRankRecord) (*model.ConsolidatedDataset, error) {
	if len(records) == 0 {
		return nil, gperrors.New(gperrors.ErrNoData, "consolidate", "no per-rank records to merge")
	}

	// Input order must not affect output.
	sorted := make([]*model.PerRankRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Metadata.RankID < sorted[j].Metadata.RankID
	})

	base := sorted[0].Metadata
	metricNames := sorted[0].Series.MetricSet()

	for _, rec := range sorted[1:] {
		if rec.Metadata.JobID != base.JobID {
			return nil, gperrors.New(gperrors.ErrJobMismatch, "consolidate",
				"records from different jobs: %d and %d", base.JobID, rec.Metadata.JobID)
		}
		if rec.Metadata.Command != base.Command {
			return nil, gperrors.New(gperrors.ErrJobMismatch, "consolidate",
				"records from job %d ran different commands: %q and %q",
				base.JobID, base.Command, rec.Metadata.Command)
		}
		if got := rec.Series.MetricSet(); !equalStrings(got, metricNames) {
			return nil, gperrors.New(gperrors.ErrSchemaMismatch, "consolidate",
				"rank %d reports metric set %v, expected %v", rec.Metadata.RankID, got, metricNames)
		}
	}

	ds := &model.ConsolidatedDataset{MetricNames: metricNames}
	metas := make([]model.CaptureMetadata, 0, len(sorted))
	for _, rec := range sorted {
		ds.Samples = append(ds.Samples, sampleRows(rec)...)
		ds.Processes = append(ds.Processes, processRow(rec.Metadata))
		metas = append(metas, rec.Metadata)
	}
	ds.Job = jobRow(metas, metricNames)

	return ds, nil
}

// WriteDataset persists a merged dataset to a new SQLite store at path.
// The write is transactional; on failure nothing is left behind.
func WriteDataset(ds *model.ConsolidatedDataset, path string, force bool, metrics *observability.Metrics) error {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return gperrors.New(gperrors.ErrAlreadyExists, "consolidate",
				"store %s already exists; use force overwrite to replace it", path)
		}
		if err := os.Remove(path); err != nil {
			return gperrors.Wrap(gperrors.ErrAlreadyExists, "consolidate", err,
				"cannot remove existing store %s", path)
		}
	}

	st, err := Open(path, 5*time.Second)
	if err != nil {
		return err
	}
	defer st.Close()

	tx, err := st.db.Begin()
	if err != nil {
		os.Remove(path)
		return err
	}

	writeAll := func() error {
		if err := createSchema(tx, ds.MetricNames); err != nil {
			return err
		}
		if err := insertSamples(tx, ds.MetricNames, ds.Samples); err != nil {
			return err
		}
		for _, p := range ds.Processes {
			if err := insertProcess(tx, p); err != nil {
				return err
			}
		}
		return replaceJob(tx, ds.Job)
	}

	if err := writeAll(); err != nil {
		tx.Rollback()
		st.Close()
		os.Remove(path)
		return err
	}
	if err := tx.Commit(); err != nil {
		st.Close()
		os.Remove(path)
		return err
	}

	if metrics != nil {
		metrics.RowsMerged.Add(float64(len(ds.Samples)))
	}
	return nil
}

// sampleRows builds one row per device per tick from a record, devices in
// sorted order. DEV_GPU_UTIL is converted from an integer percentage to a
// 0-1 fraction here; it is the only DCGM metric not already reported as one.
func sampleRows(rec *model.PerRankRecord) []model.SampleRow {
	md := rec.Metadata
	var rows []model.SampleRow

	for _, deviceID := range rec.Series.Devices() {
		dev := rec.Series[deviceID]
		n := 0
		for _, samples := range dev {
			n = len(samples)
			break
		}
		for i := 0; i < n; i++ {
			row := model.SampleRow{
				JobID:       md.JobID,
				RankID:      md.RankID,
				DeviceID:    deviceID,
				SampleIndex: i,
				Values:      make(map[string]float64, len(dev)),
			}
			for metric, samples := range dev {
				v := samples[i]
				if metric == telemetry.MetricDevGPUUtil {
					v /= 100.0
				}
				row.Values[metric] = v
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func processRow(md model.CaptureMetadata) model.ProcessRow {
	ids := make([]string, len(md.DeviceIDs))
	for i, id := range md.DeviceIDs {
		ids[i] = strconv.Itoa(id)
	}
	return model.ProcessRow{
		JobID:       md.JobID,
		RankID:      md.RankID,
		Hostname:    md.Hostname,
		DeviceCount: md.DeviceCount,
		DeviceIDs:   strings.Join(ids, ", "),
		StartTime:   md.StartTime,
		EndTime:     md.EndTime,
		Elapsed:     md.Elapsed,
	}
}

// jobRow derives the single job_metadata row from all ranks' metadata.
// Host and rank counts come from set union; timing fields use the median
// across ranks for robustness to stragglers.
func jobRow(metas []model.CaptureMetadata, metricNames []string) model.JobRow {
	hostSet := make(map[string]struct{})
	deviceCount := 0
	starts := make([]float64, 0, len(metas))
	ends := make([]float64, 0, len(metas))
	elapsed := make([]float64, 0, len(metas))

	for _, md := range metas {
		hostSet[md.Hostname] = struct{}{}
		deviceCount += md.DeviceCount
		starts = append(starts, md.StartTime)
		ends = append(ends, md.EndTime)
		elapsed = append(elapsed, md.Elapsed)
	}

	hostnames := make([]string, 0, len(hostSet))
	for h := range hostSet {
		hostnames = append(hostnames, h)
	}
	sort.Strings(hostnames)

	return model.JobRow{
		JobID:           metas[0].JobID,
		Label:           metas[0].Label,
		HostCount:       len(hostnames),
		Hostnames:       strings.Join(hostnames, ", "),
		RankCount:       len(metas),
		DeviceCount:     deviceCount,
		MedianStartTime: median(starts),
		MedianEndTime:   median(ends),
		MedianElapsed:   median(elapsed),
		MetricNames:     strings.Join(metricNames, ", "),
		Command:         metas[0].Command,
	}
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
