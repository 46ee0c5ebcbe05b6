package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/gpusight/gpusight/internal/analysis"
	"github.com/gpusight/gpusight/internal/cleanse"
	"github.com/gpusight/gpusight/internal/config"
	"github.com/gpusight/gpusight/internal/consolidate"
	gperrors "github.com/gpusight/gpusight/internal/errors"
	"github.com/gpusight/gpusight/internal/health"
	"github.com/gpusight/gpusight/internal/observability"
	"github.com/gpusight/gpusight/internal/record"
	"github.com/gpusight/gpusight/internal/sampler"
	"github.com/gpusight/gpusight/internal/telemetry"
	"github.com/gpusight/gpusight/internal/topology"
)

const usage = `usage: gpusight <subcommand> [arguments]

subcommands:
  profile <command...>  run a workload under telemetry sampling
  export                merge per-rank records into a consolidated store
  analyze               summarize a consolidated store

configuration is read from GPUSIGHT_* environment variables.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	// 1. Load and validate config.
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "profile":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: gpusight profile <command...>")
			os.Exit(2)
		}
		err = runProfile(ctx, cfg, strings.Join(os.Args[2:], " "))
	case "export":
		err = runExport(cfg)
	case "analyze":
		err = runAnalyze(cfg)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("gpusight failed", "subcommand", os.Args[1],
			"code", gperrors.CodeOf(err), "error", err)
		os.Exit(exitCode(err))
	}
}

// runProfile samples telemetry around one rank's workload and persists the
// capture, either as a per-rank record file or directly into a shared
// store.
func runProfile(ctx context.Context, cfg config.Config, command string) error {
	topo, err := topology.Discover(cfg.Label, cfg.OutputDir)
	if err != nil {
		return err
	}

	slog.Info("gpusight profiling",
		"job_id", topo.JobID,
		"rank_id", topo.RankID,
		"hostname", topo.Hostname,
		"device_ids", topo.DeviceIDs,
		"label", topo.Label,
		"sampling_interval", cfg.SamplingInterval,
		"max_runtime", cfg.MaxRuntime,
	)

	metrics := observability.NewMetrics()
	source := telemetry.NewExporterSource(&http.Client{Timeout: 10 * time.Second}, cfg.DCGMEndpoints)
	smp := sampler.New(source, topo, cfg.SamplingInterval, cfg.MaxRuntime, metrics)

	if cfg.HealthPort > 0 {
		healthSrv := health.NewServer(cfg.HealthPort, metrics, smp, smp, cfg.DebugEndpoints)
		if err := healthSrv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := healthSrv.Stop(shutdownCtx); err != nil {
				slog.Error("health server shutdown error", "error", err)
			}
		}()
	}

	// Long captures at short intervals accumulate series without bound;
	// nudge the runtime to return memory before GOMEMLIMIT is hit.
	memMon := observability.NewPressureMonitor(0.8, func() { runtime.GC() }, 30*time.Second, nil)
	memMon.Start()
	defer memMon.Stop()

	rec, err := smp.Run(ctx, command)
	if err != nil {
		return err
	}

	if cfg.SharedStore {
		writer := consolidate.NewSharedWriter(cfg.StorePath, cfg.LockTimeout, cfg.ForceOverwrite, metrics)
		if err := writer.Append(ctx, rec); err != nil {
			return err
		}
		slog.Info("capture appended to shared store",
			"store", cfg.StorePath, "rank_id", topo.RankID, "n_samples", rec.Metadata.SampleCount)
		return nil
	}

	path := topo.RecordPath(cfg.CompressRecords)
	policy := record.OverwriteFail
	if cfg.ForceOverwrite {
		policy = record.OverwriteForce
	}
	size, err := record.Write(rec, path, policy)
	if err != nil {
		return err
	}
	metrics.RecordBytesWritten.Observe(float64(size))

	slog.Info("capture recorded",
		"path", path, "bytes", size, "n_samples", rec.Metadata.SampleCount)
	return nil
}

// runExport consolidates completed captures. With a shared store the data
// is already in place and only the coordination sidecars are removed;
// otherwise the per-rank record files are merged into a new store.
func runExport(cfg config.Config) error {
	if cfg.SharedStore {
		consolidate.Finalize(cfg.StorePath)
		slog.Info("shared store finalized", "store", cfg.StorePath)
		return nil
	}

	topo, err := topology.Discover(cfg.Label, cfg.OutputDir)
	if err != nil {
		return err
	}

	records, err := record.ReadDir(topo.OutputDir)
	if err != nil {
		return err
	}
	slog.Info("merging per-rank records", "dir", topo.OutputDir, "n_records", len(records))

	ds, err := consolidate.Merge(records)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	if err := consolidate.WriteDataset(ds, cfg.StorePath, cfg.ForceOverwrite, metrics); err != nil {
		return err
	}

	slog.Info("consolidated store written",
		"store", cfg.StorePath,
		"rank_count", ds.Job.RankCount,
		"device_count", ds.Job.DeviceCount,
		"n_rows", len(ds.Samples),
	)
	return nil
}

// runAnalyze summarizes a consolidated store as JSON on stdout.
func runAnalyze(cfg config.Config) error {
	mode, err := cleanse.ParseMode(cfg.DetectOutliers)
	if err != nil {
		return err
	}

	ds, err := consolidate.Load(cfg.StorePath)
	if err != nil {
		return err
	}

	sum, err := analysis.Summarize(ds, mode)
	if err != nil {
		return err
	}

	slog.Info("analysis complete",
		"store", cfg.StorePath,
		"job_id", sum.Job.JobID,
		"samples_total", sum.SamplesTotal,
		"samples_excluded", sum.SamplesExcluded,
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

// exitCode maps failure classes to distinct exit statuses so batch scripts
// can tell a misconfigured run from a failed workload.
func exitCode(err error) int {
	switch gperrors.CodeOf(err) {
	case gperrors.ErrConfigInvalid:
		return 2
	case gperrors.ErrWorkloadFailed:
		return 3
	default:
		return 1
	}
}
