// Package topology resolves the distributed-job context of the current
// process from the Slurm environment: job id, rank id, assigned GPUs, and
// the per-rank output location. Failure to resolve the job or rank id is a
// fatal configuration error surfaced before any sampling starts.
package topology

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gperrors "github.com/gpusight/gpusight/internal/errors"
)

// gpusPerNodeFallback is assumed when Slurm does not expose the GPU
// assignment: one GPU per rank, four GPUs per node.
const gpusPerNodeFallback = 4

// Topology describes this rank's place in the distributed job.
type Topology struct {
	JobID     int64
	RankID    int
	Hostname  string
	DeviceIDs []int
	Label     string
	OutputDir string
}

// Discover reads the Slurm environment and resolves the topology.
// label and outputDir override the defaults when non-empty.
func Discover(label, outputDir string) (*Topology, error) {
	jobID, err := requiredInt64Env("SLURM_JOB_ID")
	if err != nil {
		return nil, err
	}

	rankID, err := requiredIntEnv("SLURM_PROCID")
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, gperrors.Wrap(gperrors.ErrConfigInvalid, "topology", err, "cannot resolve hostname")
	}

	deviceIDs, err := discoverDevices(rankID)
	if err != nil {
		return nil, err
	}

	if label == "" {
		label = fmt.Sprintf("unlabeled_job_%d", jobID)
	}
	if outputDir == "" {
		outputDir = fmt.Sprintf("gpusight_job_%d", jobID)
	}

	return &Topology{
		JobID:     jobID,
		RankID:    rankID,
		Hostname:  hostname,
		DeviceIDs: deviceIDs,
		Label:     label,
		OutputDir: outputDir,
	}, nil
}

// RecordPath returns the per-rank record file path for this topology.
func (t *Topology) RecordPath(compressed bool) string {
	name := fmt.Sprintf("%s_rank_%d.json", t.Label, t.RankID)
	if compressed {
		name += ".zst"
	}
	return filepath.Join(t.OutputDir, name)
}

// discoverDevices reads SLURM_STEP_GPUS, falling back to rank mod 4 when
// the assignment is not exposed (e.g. --gpus-per-task not set). The
// fallback assumes one GPU per rank and cannot guarantee the rank is
// matched to the right device.
func discoverDevices(rankID int) ([]int, error) {
	v := os.Getenv("SLURM_STEP_GPUS")
	if v == "" {
		slog.Warn("SLURM_STEP_GPUS not set; try the --gpus-per-task flag",
			"fallback_device", rankID%gpusPerNodeFallback)
		return []int{rankID % gpusPerNodeFallback}, nil
	}

	var ids []int
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.Atoi(s)
		if err != nil {
			return nil, gperrors.Wrap(gperrors.ErrConfigInvalid, "topology", err,
				"SLURM_STEP_GPUS contains a non-numeric GPU id: %q", s)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, gperrors.New(gperrors.ErrConfigInvalid, "topology", "SLURM_STEP_GPUS is set but empty")
	}
	return ids, nil
}

func requiredInt64Env(key string) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, gperrors.New(gperrors.ErrConfigInvalid, "topology",
			"environment variable %s not found; check that gpusight runs inside a Slurm job", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, gperrors.Wrap(gperrors.ErrConfigInvalid, "topology", err, "%s is not numeric: %q", key, v)
	}
	return n, nil
}

func requiredIntEnv(key string) (int, error) {
	n, err := requiredInt64Env(key)
	return int(n), err
}
