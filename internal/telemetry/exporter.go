package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gperrors "github.com/gpusight/gpusight/internal/errors"
)

const scrapeTimeout = 5 * time.Second

// ExporterSource implements Source by scraping dcgm-exporter HTTP endpoints.
// One exporter instance per node serves all local GPUs; the handle filters
// scraped samples down to the registered device group.
type ExporterSource struct {
	client    *http.Client
	endpoints []string
}

// NewExporterSource creates a Source that scrapes the given dcgm-exporter
// base URLs (e.g. "http://localhost:9400").
func NewExporterSource(client *http.Client, endpoints []string) *ExporterSource {
	return &ExporterSource{client: client, endpoints: endpoints}
}

// RegisterDeviceGroup registers a monitoring group. The group name is
// generated fresh per registration so concurrent captures on one node
// never collide.
func (s *ExporterSource) RegisterDeviceGroup(deviceIDs []int, metrics []string, updateFreqMicros int64) (Handle, error) {
	if len(deviceIDs) == 0 {
		return nil, gperrors.New(gperrors.ErrTelemetryUnavailable, "telemetry", "device group is empty")
	}
	if len(metrics) == 0 {
		return nil, gperrors.New(gperrors.ErrTelemetryUnavailable, "telemetry", "metric set is empty")
	}

	devices := make(map[int]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		devices[id] = struct{}{}
	}
	wanted := make(map[string]struct{}, len(metrics))
	for _, m := range metrics {
		wanted[m] = struct{}{}
	}

	h := &exporterHandle{
		source:    s,
		groupName: uuid.New().String(),
		devices:   devices,
		metrics:   wanted,
	}

	slog.Debug("registered telemetry device group",
		"group", h.groupName,
		"devices", deviceIDs,
		"metric_count", len(metrics),
		"update_freq_us", updateFreqMicros,
	)
	return h, nil
}

// exporterHandle is a registered device group over ExporterSource.
type exporterHandle struct {
	source    *ExporterSource
	groupName string
	devices   map[int]struct{}
	metrics   map[string]struct{}

	mu       sync.Mutex
	released bool
}

// PollLatest scrapes every configured endpoint and returns the latest value
// of every registered metric for every registered device. Endpoints that
// fail to scrape are skipped with a warning; polling fails only when no
// endpoint yields data.
func (h *exporterHandle) PollLatest(ctx context.Context) (map[int]map[string]float64, error) {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return nil, gperrors.New(gperrors.ErrTelemetryUnavailable, "telemetry",
			"device group %s has been released", h.groupName)
	}

	result := make(map[int]map[string]float64)
	scraped := 0

	for _, endpoint := range h.source.endpoints {
		body, err := scrapeEndpoint(ctx, h.source.client, endpoint)
		if err != nil {
			slog.Warn("failed to scrape dcgm-exporter", "endpoint", endpoint, "error", err)
			continue
		}
		scraped++

		for _, s := range parseExporterText(body) {
			metric, ok := Demangle(s.field)
			if !ok {
				continue
			}
			if _, ok := h.metrics[metric]; !ok {
				continue
			}
			deviceID, err := strconv.Atoi(s.gpu)
			if err != nil {
				continue
			}
			if _, ok := h.devices[deviceID]; !ok {
				continue
			}
			if isSentinel(s.value) {
				continue
			}

			dev, ok := result[deviceID]
			if !ok {
				dev = make(map[string]float64)
				result[deviceID] = dev
			}
			dev[metric] = s.value
		}
	}

	if scraped == 0 {
		return nil, gperrors.New(gperrors.ErrTelemetryUnavailable, "telemetry",
			"no dcgm-exporter endpoint reachable (%d configured)", len(h.source.endpoints))
	}

	return result, nil
}

// Release tears down the device group. Safe to call more than once.
func (h *exporterHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	slog.Debug("released telemetry device group", "group", h.groupName)
}

// scrapeEndpoint fetches raw Prometheus metrics text from a dcgm-exporter
// endpoint. The endpoint is a base URL; "/metrics" is appended.
func scrapeEndpoint(ctx context.Context, client *http.Client, endpoint string) ([]byte, error) {
	url := strings.TrimRight(endpoint, "/") + "/metrics"

	ctx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", url, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scraping %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	return body, nil
}
