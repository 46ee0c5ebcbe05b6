// Package telemetry adapts the vendor telemetry source behind a small
// polling interface. The production implementation scrapes dcgm-exporter
// endpoints; tests substitute in-memory sources.
package telemetry

import "context"

// Source registers device groups against the telemetry backend.
type Source interface {
	// RegisterDeviceGroup registers a monitoring group over the given device
	// ids and metric names, polled at updateFreqMicros microseconds. The
	// returned Handle must be released when sampling ends, on every exit path.
	RegisterDeviceGroup(deviceIDs []int, metrics []string, updateFreqMicros int64) (Handle, error)
}

// Handle is a registered device group that can be polled for the latest
// per-device metric values.
type Handle interface {
	// PollLatest returns the most recent scalar value for every registered
	// metric of every registered device: device id -> metric name -> value.
	// The very first poll after registration reflects "since last call"
	// semantics and should be discarded by callers.
	PollLatest(ctx context.Context) (map[int]map[string]float64, error)

	// Release tears down the device group. Idempotent; polling a released
	// handle is an error.
	Release()
}
