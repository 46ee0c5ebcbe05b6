package telemetry

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// sentinelThreshold is the threshold above which DCGM metric values are
// treated as "blank" sentinel values (~1.8e19) and rejected.
const sentinelThreshold = 1e15

// parsedSample represents a single parsed Prometheus metric sample.
type parsedSample struct {
	field string
	gpu   string
	value float64
}

// parseExporterText parses Prometheus exposition text from dcgm-exporter
// line by line, extracting the DCGM field name, the gpu label, and the value.
func parseExporterText(data []byte) []parsedSample {
	var samples []parsedSample
	scanner := bufio.NewScanner(bytes.NewReader(data))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		s, ok := parseSampleLine(line)
		if !ok {
			continue
		}
		samples = append(samples, s)
	}

	return samples
}

// parseSampleLine parses a single Prometheus metric line:
//
//	metric_name{label1="val1",label2="val2"} value [timestamp]
func parseSampleLine(line string) (parsedSample, bool) {
	var s parsedSample

	braceStart := strings.IndexByte(line, '{')
	if braceStart < 0 {
		// No labels: "name value"
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return s, false
		}
		s.field = parts[0]
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return s, false
		}
		s.value = v
		return s, true
	}

	s.field = line[:braceStart]

	braceEnd := strings.LastIndexByte(line, '}')
	if braceEnd <= braceStart {
		return s, false
	}

	s.gpu = parseGPULabel(line[braceStart+1 : braceEnd])

	valueStr := strings.TrimSpace(line[braceEnd+1:])
	parts := strings.Fields(valueStr)
	if len(parts) == 0 {
		return s, false
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return s, false
	}
	s.value = v

	return s, true
}

// parseGPULabel extracts the "gpu" label from the label portion of a
// Prometheus metric line:
//
//	gpu="0",UUID="GPU-...",modelName="..."
//
// It handles escaped characters within quoted label values.
func parseGPULabel(s string) string {
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := s[:eq]
		s = s[eq+1:]

		if len(s) == 0 || s[0] != '"' {
			break
		}
		s = s[1:]

		// Read value until unescaped closing quote
		var val strings.Builder
		i := 0
		for i < len(s) {
			if s[i] == '\\' && i+1 < len(s) {
				switch s[i+1] {
				case '"':
					val.WriteByte('"')
				case '\\':
					val.WriteByte('\\')
				case 'n':
					val.WriteByte('\n')
				default:
					val.WriteByte('\\')
					val.WriteByte(s[i+1])
				}
				i += 2
				continue
			}
			if s[i] == '"' {
				break
			}
			val.WriteByte(s[i])
			i++
		}

		if i < len(s) {
			s = s[i+1:] // skip closing quote
		} else {
			s = ""
		}

		if len(s) > 0 && s[0] == ',' {
			s = s[1:]
		}

		if key == "gpu" {
			return val.String()
		}
	}
	return ""
}

// isSentinel returns true if the value is a DCGM sentinel ("blank") value.
func isSentinel(v float64) bool {
	return v > sentinelThreshold
}
