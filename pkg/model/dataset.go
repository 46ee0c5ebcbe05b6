package model

// SampleRow is one row of the samples table: one device on one tick.
type SampleRow struct {
	JobID       int64
	RankID      int
	DeviceID    int
	SampleIndex int
	Values      map[string]float64
}

// ProcessRow is one row of the process_metadata table: one rank.
type ProcessRow struct {
	JobID       int64
	RankID      int
	Hostname    string
	DeviceCount int
	DeviceIDs   string
	StartTime   float64
	EndTime     float64
	Elapsed     float64
}

// JobRow is the single row of the job_metadata table, derived by
// aggregating over all ranks' metadata. Timing fields use the median
// across ranks so straggler ranks do not skew the job-level picture.
type JobRow struct {
	JobID           int64
	Label           string
	HostCount       int
	Hostnames       string
	RankCount       int
	DeviceCount     int
	MedianStartTime float64
	MedianEndTime   float64
	MedianElapsed   float64
	MetricNames     string
	Command         string
}

// ConsolidatedDataset is the in-memory form of the three-table dataset
// produced by consolidation and consumed by analysis.
type ConsolidatedDataset struct {
	MetricNames []string
	Samples     []SampleRow
	Processes   []ProcessRow
	Job         JobRow
}
