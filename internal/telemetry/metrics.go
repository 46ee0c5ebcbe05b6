package telemetry

// Canonical (demangled) metric names recorded by the sampler. These names
// are part of the durable dataset contract: they become column names in the
// consolidated samples table.
const (
	MetricDevGPUUtil           = "DEV_GPU_UTIL"
	MetricSMActive             = "SM_ACTIVE"
	MetricSMOccupancy          = "SM_OCCUPANCY"
	MetricPipeTensorCoreActive = "PIPE_TENSOR_CORE_ACTIVE"
	MetricPipeFP64Active       = "PIPE_FP64_ACTIVE"
	MetricPipeFP32Active       = "PIPE_FP32_ACTIVE"
	MetricPipeFP16Active       = "PIPE_FP16_ACTIVE"
	MetricDRAMActive           = "DRAM_ACTIVE"
	MetricPCIeTxBytes          = "PCIE_TX_BYTES"
	MetricPCIeRxBytes          = "PCIE_RX_BYTES"
)

// DefaultMetrics is the default device-group metric set.
var DefaultMetrics = []string{
	MetricDevGPUUtil,
	MetricSMActive,
	MetricSMOccupancy,
	MetricPipeTensorCoreActive,
	MetricPipeFP64Active,
	MetricPipeFP32Active,
	MetricPipeFP16Active,
	MetricDRAMActive,
	MetricPCIeTxBytes,
	MetricPCIeRxBytes,
}

// fieldToMetric maps DCGM field identifiers, as exposed by dcgm-exporter,
// to canonical metric names.
var fieldToMetric = map[string]string{
	"DCGM_FI_DEV_GPU_UTIL":            MetricDevGPUUtil,
	"DCGM_FI_PROF_SM_ACTIVE":          MetricSMActive,
	"DCGM_FI_PROF_SM_OCCUPANCY":       MetricSMOccupancy,
	"DCGM_FI_PROF_PIPE_TENSOR_ACTIVE": MetricPipeTensorCoreActive,
	"DCGM_FI_PROF_PIPE_FP64_ACTIVE":   MetricPipeFP64Active,
	"DCGM_FI_PROF_PIPE_FP32_ACTIVE":   MetricPipeFP32Active,
	"DCGM_FI_PROF_PIPE_FP16_ACTIVE":   MetricPipeFP16Active,
	"DCGM_FI_PROF_DRAM_ACTIVE":        MetricDRAMActive,
	"DCGM_FI_PROF_PCIE_TX_BYTES":      MetricPCIeTxBytes,
	"DCGM_FI_PROF_PCIE_RX_BYTES":      MetricPCIeRxBytes,
}

// Demangle converts a DCGM field identifier to its canonical metric name.
func Demangle(field string) (string, bool) {
	name, ok := fieldToMetric[field]
	return name, ok
}
