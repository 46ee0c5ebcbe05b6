// Package sampler implements the bounded-time sampling loop: it supervises
// an external workload while polling the telemetry source at a fixed
// interval, keeping per-device, per-metric series aligned.
package sampler

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync/atomic"
	"time"

	gperrors "github.com/gpusight/gpusight/internal/errors"
	"github.com/gpusight/gpusight/internal/observability"
	"github.com/gpusight/gpusight/internal/telemetry"
	"github.com/gpusight/gpusight/internal/topology"
	"github.com/gpusight/gpusight/pkg/model"
)

// minSamplingInterval is the safety floor for the polling interval; anything
// lower overloads the telemetry source. Requests below it are clamped with a
// warning, not rejected.
const minSamplingInterval = 20 * time.Millisecond

// Sampler owns one rank's capture session: process supervision, timeout
// enforcement, and series alignment.
type Sampler struct {
	source     telemetry.Source
	topo       *topology.Topology
	interval   time.Duration
	maxRuntime time.Duration
	metricSet  []string
	metrics    *observability.Metrics

	running atomic.Bool
}

// New creates a Sampler. The sampling interval is clamped to the safety
// floor. maxRuntime <= 0 disables timeout enforcement.
func New(source telemetry.Source, topo *topology.Topology, interval, maxRuntime time.Duration, metrics *observability.Metrics) *Sampler {
	if interval < minSamplingInterval {
		slog.Warn("sampling interval too low, clamping",
			"requested", interval,
			"floor", minSamplingInterval,
		)
		interval = minSamplingInterval
	}
	if metrics != nil {
		metrics.SamplingIntervalSec.Set(interval.Seconds())
	}
	return &Sampler{
		source:     source,
		topo:       topo,
		interval:   interval,
		maxRuntime: maxRuntime,
		metricSet:  telemetry.DefaultMetrics,
		metrics:    metrics,
	}
}

// Interval returns the effective (clamped) sampling interval.
func (s *Sampler) Interval() time.Duration { return s.interval }

// IsReady reports whether a capture is currently in progress.
func (s *Sampler) IsReady() bool { return s.running.Load() }

// Status returns a snapshot of the capture session for the debug endpoint.
func (s *Sampler) Status() any {
	return map[string]any{
		"job_id":               s.topo.JobID,
		"rank_id":              s.topo.RankID,
		"hostname":             s.topo.Hostname,
		"device_ids":           s.topo.DeviceIDs,
		"sampling_interval_ms": s.interval.Milliseconds(),
		"sampling":             s.running.Load(),
	}
}

// Run launches the workload command under /bin/sh and samples telemetry
// until the workload exits or maxRuntime elapses. A timeout kills the
// workload but still yields a valid, truncated record; a non-zero workload
// exit fails the capture and no record is produced.
func (s *Sampler) Run(ctx context.Context, command string) (*model.PerRankRecord, error) {
	handle, err := s.source.RegisterDeviceGroup(s.topo.DeviceIDs, s.metricSet, s.interval.Microseconds())
	if err != nil {
		return nil, err
	}
	// The device group must be released on every exit path; a leaked
	// monitoring context destabilizes the host engine.
	defer handle.Release()

	s.running.Store(true)
	defer s.running.Store(false)

	start := time.Now()

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, gperrors.Wrap(gperrors.ErrWorkloadFailed, "sampler", err, "cannot launch workload: %v", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	// The first poll reflects "since last call" semantics and is stale.
	if _, err := handle.PollLatest(ctx); err != nil {
		slog.Debug("discard poll failed", "error", err)
	}

	series := make(model.SampleSeries)
	validated := false
	timedOut := false
	var workloadErr error

sampling:
	for {
		if s.maxRuntime > 0 && time.Since(start) >= s.maxRuntime {
			timedOut = true
			break
		}

		values, err := handle.PollLatest(ctx)
		if err != nil {
			slog.Warn("telemetry poll failed", "error", err)
			s.countPoll("error")
		} else {
			s.countPoll("ok")
			for deviceID, metrics := range values {
				for metric, value := range metrics {
					series.Append(deviceID, metric, value)
					if s.metrics != nil {
						s.metrics.SamplesAppended.Inc()
					}
				}
			}
			if !validated && len(values) > 0 {
				s.validateSchema(values)
				validated = true
			}
		}

		time.Sleep(s.interval)

		select {
		case err := <-waitCh:
			if err != nil {
				workloadErr = err
			}
			break sampling
		default:
		}
	}

	if timedOut {
		// Not fatal: the capture up to this point is still valid.
		_ = cmd.Process.Kill()
		<-waitCh
		slog.Warn("workload killed: max runtime exceeded", "max_runtime", s.maxRuntime)
		s.countExit("killed")
	}

	if workloadErr != nil {
		s.countExit("failure")
		return nil, gperrors.Wrap(gperrors.ErrWorkloadFailed, "sampler", workloadErr,
			"workload returned a non-zero exit code: %v", workloadErr)
	}
	if !timedOut {
		s.countExit("success")
	}

	end := time.Now()
	elapsed := end.Sub(start)

	before := totalSamples(series)
	n := series.Truncate()
	if s.metrics != nil {
		s.metrics.SamplesTruncated.Add(float64(before - totalSamples(series)))
		s.metrics.CaptureDuration.Observe(elapsed.Seconds())
	}

	slog.Info("capture complete",
		"job_id", s.topo.JobID,
		"rank_id", s.topo.RankID,
		"devices", len(series),
		"n_samples", n,
		"elapsed", elapsed,
		"timed_out", timedOut,
	)

	return &model.PerRankRecord{
		Metadata: model.CaptureMetadata{
			JobID:            s.topo.JobID,
			RankID:           s.topo.RankID,
			Hostname:         s.topo.Hostname,
			Label:            s.topo.Label,
			DeviceIDs:        s.topo.DeviceIDs,
			DeviceCount:      len(s.topo.DeviceIDs),
			SamplingInterval: s.interval.Milliseconds(),
			StartTime:        unixSeconds(start),
			EndTime:          unixSeconds(end),
			Elapsed:          elapsed.Seconds(),
			SampleCount:      n,
			Command:          command,
		},
		Series: series,
	}, nil
}

// validateSchema compares the discovered metric names against the
// registered metric set once, instead of trusting the source blindly.
func (s *Sampler) validateSchema(values map[int]map[string]float64) {
	expected := make(map[string]struct{}, len(s.metricSet))
	for _, m := range s.metricSet {
		expected[m] = struct{}{}
	}

	seen := make(map[string]struct{})
	for _, metrics := range values {
		for name := range metrics {
			seen[name] = struct{}{}
		}
	}

	var missing []string
	for name := range expected {
		if _, ok := seen[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		slog.Warn("telemetry source did not report all registered metrics", "missing", missing)
	}
}

func (s *Sampler) countPoll(status string) {
	if s.metrics != nil {
		s.metrics.PollsTotal.WithLabelValues(status).Inc()
	}
}

func (s *Sampler) countExit(outcome string) {
	if s.metrics != nil {
		s.metrics.WorkloadExitsTotal.WithLabelValues(outcome).Inc()
	}
}

func totalSamples(series model.SampleSeries) int {
	total := 0
	for _, dev := range series {
		for _, samples := range dev {
			total += len(samples)
		}
	}
	return total
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
