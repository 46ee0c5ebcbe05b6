package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	gperrors "github.com/gpusight/gpusight/internal/errors"
	"github.com/gpusight/gpusight/internal/observability"
	"github.com/gpusight/gpusight/pkg/model"
)

// lockRetryInterval is how often a blocked writer re-attempts the advisory
// lock while waiting.
const lockRetryInterval = 250 * time.Millisecond

// SharedWriter appends one rank's capture directly into a shared store,
// racing other ranks. All mutation happens inside an advisory-lock critical
// section; the coordination record persisted next to the store is the
// single source of truth for first-writer-wins decisions.
type SharedWriter struct {
	path        string
	lockTimeout time.Duration
	force       bool
	metrics     *observability.Metrics

	created bool
}

// NewSharedWriter creates a writer for the shared store at path.
// lockTimeout bounds the advisory-lock wait; force authorizes overwriting a
// pre-existing store.
func NewSharedWriter(path string, lockTimeout time.Duration, force bool, metrics *observability.Metrics) *SharedWriter {
	return &SharedWriter{
		path:        path,
		lockTimeout: lockTimeout,
		force:       force,
		metrics:     metrics,
	}
}

// Append writes the record's samples and metadata into the shared store.
// Exactly one writer holds the critical section at a time. A fatal decision
// made by any racer (e.g. the store pre-exists and overwrite was not
// authorized) is persisted in the coordination record so every subsequent
// writer fails identically.
func (w *SharedWriter) Append(ctx context.Context, rec *model.PerRankRecord) error {
	err := w.append(ctx, rec)
	if w.metrics != nil {
		status := "ok"
		if err != nil {
			status = strings.ToLower(string(gperrors.CodeOf(err)))
			if status == "" {
				status = "error"
			}
		}
		w.metrics.StoreAppendsTotal.WithLabelValues(status).Inc()
	}
	return err
}

func (w *SharedWriter) append(ctx context.Context, rec *model.PerRankRecord) error {
	fl := flock.New(w.path + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, w.lockTimeout)
	defer cancel()

	waitStart := time.Now()
	locked, err := fl.TryLockContext(lockCtx, lockRetryInterval)
	if w.metrics != nil {
		w.metrics.LockWaitDuration.Observe(time.Since(waitStart).Seconds())
	}
	if err != nil || !locked {
		if errors.Is(lockCtx.Err(), context.DeadlineExceeded) {
			return gperrors.New(gperrors.ErrLockTimeout, "consolidate",
				"could not acquire shared store lock within %v", w.lockTimeout)
		}
		return gperrors.Wrap(gperrors.ErrLockTimeout, "consolidate", err,
			"acquiring shared store lock: %v", err)
	}
	defer fl.Unlock()

	coord, err := readCoordination(w.coordPath())
	if err != nil {
		return err
	}

	// A racer already made a fatal decision for this store; fail the same way.
	if coord.Error != "" {
		return persistedError(coord)
	}

	storeExists := fileExists(w.path)
	if storeExists && !coord.Exists {
		if !w.force {
			perr := gperrors.New(gperrors.ErrAlreadyExists, "consolidate",
				"shared store %s already exists; use force overwrite to replace it", w.path)
			coord.Error = string(perr.Code) + ": " + perr.Message
			if werr := writeCoordination(w.coordPath(), coord); werr != nil {
				slog.Warn("failed to persist coordination error", "error", werr)
			}
			return perr
		}
		// First writer under authorized overwrite deletes the stale store.
		// Exists is flipped before anyone else enters the critical section,
		// so no racer deletes data a writer just appended.
		if err := os.Remove(w.path); err != nil {
			return gperrors.Wrap(gperrors.ErrAlreadyExists, "consolidate", err,
				"cannot remove pre-existing store %s", w.path)
		}
	}

	if !coord.Exists {
		coord.Exists = true
		w.created = true
		if err := writeCoordination(w.coordPath(), coord); err != nil {
			return err
		}
	}

	st, err := Open(w.path, w.lockTimeout)
	if err != nil {
		return err
	}
	defer st.Close()

	metricNames := rec.Series.MetricSet()
	if existing, err := st.metricColumns(); err != nil {
		return err
	} else if len(existing) > 0 && !equalStrings(existing, metricNames) {
		return gperrors.New(gperrors.ErrSchemaMismatch, "consolidate",
			"rank %d reports metric set %v, store has %v", rec.Metadata.RankID, metricNames, existing)
	}

	tx, err := st.db.Begin()
	if err != nil {
		return err
	}

	writeRank := func() error {
		if err := createSchema(tx, metricNames); err != nil {
			return err
		}
		if err := insertSamples(tx, metricNames, sampleRows(rec)); err != nil {
			return err
		}
		if err := insertProcess(tx, processRow(rec.Metadata)); err != nil {
			return err
		}
		// Re-derive job metadata from every rank appended so far.
		procs, err := queryProcessRows(tx)
		if err != nil {
			return err
		}
		return replaceJob(tx, jobRowFromProcesses(procs, rec.Metadata, metricNames))
	}

	if err := writeRank(); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Cleanup removes the coordination sidecars, but only when this writer
// created the store. Best-effort; correctness never depends on it.
func (w *SharedWriter) Cleanup() {
	if !w.created {
		return
	}
	Finalize(w.path)
}

// Finalize removes the advisory-lock and coordination files next to a
// shared store. Call it once every rank has finished appending; the store
// itself is untouched.
func Finalize(path string) {
	if err := os.Remove(path + ".coord.json"); err != nil && !os.IsNotExist(err) {
		slog.Debug("coordination record cleanup failed", "error", err)
	}
	if err := os.Remove(path + ".lock"); err != nil && !os.IsNotExist(err) {
		slog.Debug("lock file cleanup failed", "error", err)
	}
}

func (w *SharedWriter) coordPath() string {
	return w.path + ".coord.json"
}

// jobRowFromProcesses derives the job row from the process rows already in
// the store. Label, command, and metric names come from the current record;
// ranks sharing one store are expected to agree on them.
func jobRowFromProcesses(procs []model.ProcessRow, md model.CaptureMetadata, metricNames []string) model.JobRow {
	hostSet := make(map[string]struct{})
	deviceCount := 0
	starts := make([]float64, 0, len(procs))
	ends := make([]float64, 0, len(procs))
	elapsed := make([]float64, 0, len(procs))

	for _, p := range procs {
		hostSet[p.Hostname] = struct{}{}
		deviceCount += p.DeviceCount
		starts = append(starts, p.StartTime)
		ends = append(ends, p.EndTime)
		elapsed = append(elapsed, p.Elapsed)
	}

	hostnames := make([]string, 0, len(hostSet))
	for h := range hostSet {
		hostnames = append(hostnames, h)
	}
	sort.Strings(hostnames)

	return model.JobRow{
		JobID:           md.JobID,
		Label:           md.Label,
		HostCount:       len(hostnames),
		Hostnames:       strings.Join(hostnames, ", "),
		RankCount:       len(procs),
		DeviceCount:     deviceCount,
		MedianStartTime: median(starts),
		MedianEndTime:   median(ends),
		MedianElapsed:   median(elapsed),
		MetricNames:     strings.Join(metricNames, ", "),
		Command:         md.Command,
	}
}

// readCoordination loads the coordination record, returning a zero record
// when none exists yet (this writer is then the first).
func readCoordination(path string) (model.CoordinationRecord, error) {
	var coord model.CoordinationRecord

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return coord, nil
	}
	if err != nil {
		return coord, gperrors.Wrap(gperrors.ErrLockTimeout, "consolidate", err,
			"cannot read coordination record %s", path)
	}
	if err := json.Unmarshal(data, &coord); err != nil {
		return coord, gperrors.Wrap(gperrors.ErrLockTimeout, "consolidate", err,
			"corrupt coordination record %s", path)
	}
	return coord, nil
}

func writeCoordination(path string, coord model.CoordinationRecord) error {
	data, err := json.Marshal(coord)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return gperrors.Wrap(gperrors.ErrLockTimeout, "consolidate", err,
			"cannot write coordination record %s", path)
	}
	return nil
}

// persistedError reconstructs the typed error a racer persisted, so every
// writer observes the identical failure.
func persistedError(coord model.CoordinationRecord) error {
	code := gperrors.ErrAlreadyExists
	msg := coord.Error
	if i := strings.Index(coord.Error, ": "); i > 0 {
		code = gperrors.Code(coord.Error[:i])
		msg = coord.Error[i+2:]
	}
	return gperrors.New(code, "consolidate", "%s", msg)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
