package model

import "sort"

// SampleSeries holds the per-device telemetry captured during one run.
// It maps device id -> metric name -> ordered sample values. Devices and
// metrics are discovered lazily on first sight; at the end of a capture
// Truncate enforces equal series lengths across all devices and metrics.
type SampleSeries map[int]map[string][]float64

// Append adds one sample for the given device and metric, creating the
// per-device map and the per-metric series on first sight.
func (s SampleSeries) Append(deviceID int, metric string, value float64) {
	dev, ok := s[deviceID]
	if !ok {
		dev = make(map[string][]float64)
		s[deviceID] = dev
	}
	dev[metric] = append(dev[metric], value)
}

// Devices returns the device ids present in the series, sorted ascending.
func (s SampleSeries) Devices() []int {
	devices := make([]int, 0, len(s))
	for id := range s {
		devices = append(devices, id)
	}
	sort.Ints(devices)
	return devices
}

// Metrics returns the metric names recorded for the given device, sorted.
func (s SampleSeries) Metrics(deviceID int) []string {
	dev := s[deviceID]
	names := make([]string, 0, len(dev))
	for name := range dev {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MetricSet returns the union of metric names across all devices, sorted.
func (s SampleSeries) MetricSet() []string {
	seen := make(map[string]struct{})
	for _, dev := range s {
		for name := range dev {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Truncate trims every series to the length of the shortest one, dropping
// the oldest samples, and returns the resulting length. Minor tick
// skew across metrics and devices leaves series one or two samples apart;
// trimming from the oldest end keeps the most recent data. Truncating an
// already-truncated series is a no-op.
func (s SampleSeries) Truncate() int {
	n := -1
	for _, dev := range s {
		for _, samples := range dev {
			if n < 0 || len(samples) < n {
				n = len(samples)
			}
		}
	}
	if n <= 0 {
		return 0
	}
	for _, dev := range s {
		for metric, samples := range dev {
			dev[metric] = samples[len(samples)-n:]
		}
	}
	return n
}

// CaptureMetadata describes one rank's sampling session. It is produced
// exactly once per sampler run and is immutable thereafter.
type CaptureMetadata struct {
	JobID            int64   `json:"job_id"`
	RankID           int     `json:"rank_id"`
	Hostname         string  `json:"hostname"`
	Label            string  `json:"label"`
	DeviceIDs        []int   `json:"device_ids"`
	DeviceCount      int     `json:"device_count"`
	SamplingInterval int64   `json:"sampling_interval_ms"`
	StartTime        float64 `json:"start_time"`
	EndTime          float64 `json:"end_time"`
	Elapsed          float64 `json:"elapsed"`
	SampleCount      int     `json:"n_samples"`
	Command          string  `json:"cmd"`
}

// PerRankRecord is the unit of exchange between the sampler and the
// consolidator: one rank's metadata plus its captured series. Persisted
// once, read-only afterward.
type PerRankRecord struct {
	Metadata CaptureMetadata `json:"metadata"`
	Series   SampleSeries    `json:"data"`
}
