// Package consolidate merges independently captured per-rank records into
// one queryable SQLite dataset. Two strategies exist: an offline merge over
// a set of record files (the production path) and an online shared-write
// protocol where racing ranks append directly into one store under an
// advisory lock.
package consolidate

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	gperrors "github.com/gpusight/gpusight/internal/errors"
	"github.com/gpusight/gpusight/pkg/model"
)

// Table names are part of the durable contract consumed by reporting tools.
const (
	samplesTable = "samples"
	processTable = "process_metadata"
	jobTable     = "job_metadata"
)

// sampleKeyColumns are the fixed leading columns of the samples table;
// one additional REAL column per discovered metric follows them.
var sampleKeyColumns = []string{"job_id", "rank_id", "device_id", "sample_index"}

var columnNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a consolidated dataset backed by a SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if absent) the SQLite store at path. busyTimeout
// bounds how long SQLite itself waits on a locked database file.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("consolidate: opening store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("consolidate: setting journal mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA busy_timeout=%d;`, busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("consolidate: setting busy timeout: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// createSchema creates the three tables if they do not exist. The samples
// table carries one REAL column per metric; metric names are validated
// before being interpolated as column names.
func createSchema(tx *sql.Tx, metricNames []string) error {
	cols := make([]string, 0, len(sampleKeyColumns)+len(metricNames))
	for _, c := range sampleKeyColumns {
		cols = append(cols, fmt.Sprintf("%s INTEGER NOT NULL", c))
	}
	for _, m := range metricNames {
		if !columnNameRe.MatchString(m) {
			return gperrors.New(gperrors.ErrSchemaMismatch, "consolidate",
				"metric name %q is not a valid column name", m)
		}
		cols = append(cols, fmt.Sprintf("%q REAL", m))
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, samplesTable, strings.Join(cols, ", ")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			job_id INTEGER NOT NULL,
			rank_id INTEGER NOT NULL,
			hostname TEXT NOT NULL,
			device_count INTEGER NOT NULL,
			device_ids TEXT NOT NULL,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL,
			elapsed REAL NOT NULL
		)`, processTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			job_id INTEGER NOT NULL,
			label TEXT NOT NULL,
			host_count INTEGER NOT NULL,
			hostnames TEXT NOT NULL,
			rank_count INTEGER NOT NULL,
			device_count INTEGER NOT NULL,
			median_start_time REAL NOT NULL,
			median_end_time REAL NOT NULL,
			median_elapsed REAL NOT NULL,
			metric_names TEXT NOT NULL,
			command TEXT NOT NULL
		)`, jobTable),
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("consolidate: creating schema: %w", err)
		}
	}
	return nil
}

// metricColumns returns the metric column names of an existing samples
// table, in table order, or nil if the table does not exist yet.
func (s *Store) metricColumns() ([]string, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, samplesTable))
	if err != nil {
		return nil, fmt.Errorf("consolidate: reading table info: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{}, len(sampleKeyColumns))
	for _, c := range sampleKeyColumns {
		keys[c] = struct{}{}
	}

	var metrics []string
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("consolidate: scanning table info: %w", err)
		}
		if _, ok := keys[name]; !ok {
			metrics = append(metrics, name)
		}
	}
	return metrics, rows.Err()
}

// insertSamples writes sample rows using a prepared statement.
func insertSamples(tx *sql.Tx, metricNames []string, samples []model.SampleRow) error {
	cols := make([]string, 0, len(sampleKeyColumns)+len(metricNames))
	cols = append(cols, sampleKeyColumns...)
	for _, m := range metricNames {
		cols = append(cols, fmt.Sprintf("%q", m))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")

	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		samplesTable, strings.Join(cols, ", "), placeholders))
	if err != nil {
		return fmt.Errorf("consolidate: preparing sample insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for _, row := range samples {
		args[0] = row.JobID
		args[1] = row.RankID
		args[2] = row.DeviceID
		args[3] = row.SampleIndex
		for i, m := range metricNames {
			if v, ok := row.Values[m]; ok {
				args[4+i] = v
			} else {
				args[4+i] = nil
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("consolidate: inserting sample row: %w", err)
		}
	}
	return nil
}

func insertProcess(tx *sql.Tx, row model.ProcessRow) error {
	_, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (
		job_id, rank_id, hostname, device_count, device_ids, start_time, end_time, elapsed
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, processTable),
		row.JobID, row.RankID, row.Hostname, row.DeviceCount, row.DeviceIDs,
		row.StartTime, row.EndTime, row.Elapsed)
	if err != nil {
		return fmt.Errorf("consolidate: inserting process row: %w", err)
	}
	return nil
}

// replaceJob replaces the job_metadata row for the given job id. The row is
// fully re-derived on every write, so replacement keeps it consistent as
// ranks append.
func replaceJob(tx *sql.Tx, row model.JobRow) error {
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE job_id = ?`, jobTable), row.JobID); err != nil {
		return fmt.Errorf("consolidate: clearing job row: %w", err)
	}
	_, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (
		job_id, label, host_count, hostnames, rank_count, device_count,
		median_start_time, median_end_time, median_elapsed, metric_names, command
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, jobTable),
		row.JobID, row.Label, row.HostCount, row.Hostnames, row.RankCount, row.DeviceCount,
		row.MedianStartTime, row.MedianEndTime, row.MedianElapsed, row.MetricNames, row.Command)
	if err != nil {
		return fmt.Errorf("consolidate: inserting job row: %w", err)
	}
	return nil
}

// queryProcessRows reads all process_metadata rows inside the transaction.
func queryProcessRows(tx *sql.Tx) ([]model.ProcessRow, error) {
	rows, err := tx.Query(fmt.Sprintf(
		`SELECT job_id, rank_id, hostname, device_count, device_ids, start_time, end_time, elapsed
		 FROM %s ORDER BY rank_id`, processTable))
	if err != nil {
		return nil, fmt.Errorf("consolidate: querying process rows: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessRow
	for rows.Next() {
		var r model.ProcessRow
		if err := rows.Scan(&r.JobID, &r.RankID, &r.Hostname, &r.DeviceCount,
			&r.DeviceIDs, &r.StartTime, &r.EndTime, &r.Elapsed); err != nil {
			return nil, fmt.Errorf("consolidate: scanning process row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Load reads the whole dataset back. Loads never take the advisory lock:
// reads are documented as "after job completion" and only race the brief
// mutation window.
func Load(path string) (*model.ConsolidatedDataset, error) {
	st, err := Open(path, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.load()
}

func (s *Store) load() (*model.ConsolidatedDataset, error) {
	metricNames, err := s.metricColumns()
	if err != nil {
		return nil, err
	}
	if len(metricNames) == 0 {
		return nil, gperrors.New(gperrors.ErrNoData, "consolidate", "store %s has no samples table", s.path)
	}

	ds := &model.ConsolidatedDataset{MetricNames: metricNames}

	cols := make([]string, 0, len(sampleKeyColumns)+len(metricNames))
	cols = append(cols, sampleKeyColumns...)
	for _, m := range metricNames {
		cols = append(cols, fmt.Sprintf("%q", m))
	}
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT %s FROM %s ORDER BY rank_id, device_id, sample_index`,
		strings.Join(cols, ", "), samplesTable))
	if err != nil {
		return nil, fmt.Errorf("consolidate: querying samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row := model.SampleRow{Values: make(map[string]float64, len(metricNames))}
		scanArgs := make([]any, len(cols))
		scanArgs[0] = &row.JobID
		scanArgs[1] = &row.RankID
		scanArgs[2] = &row.DeviceID
		scanArgs[3] = &row.SampleIndex
		vals := make([]sql.NullFloat64, len(metricNames))
		for i := range vals {
			scanArgs[4+i] = &vals[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("consolidate: scanning sample row: %w", err)
		}
		for i, m := range metricNames {
			if vals[i].Valid {
				row.Values[m] = vals[i].Float64
			}
		}
		ds.Samples = append(ds.Samples, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	procRows, err := s.db.Query(fmt.Sprintf(
		`SELECT job_id, rank_id, hostname, device_count, device_ids, start_time, end_time, elapsed
		 FROM %s ORDER BY rank_id`, processTable))
	if err != nil {
		return nil, fmt.Errorf("consolidate: querying process metadata: %w", err)
	}
	defer procRows.Close()
	for procRows.Next() {
		var r model.ProcessRow
		if err := procRows.Scan(&r.JobID, &r.RankID, &r.Hostname, &r.DeviceCount,
			&r.DeviceIDs, &r.StartTime, &r.EndTime, &r.Elapsed); err != nil {
			return nil, fmt.Errorf("consolidate: scanning process metadata: %w", err)
		}
		ds.Processes = append(ds.Processes, r)
	}
	if err := procRows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(fmt.Sprintf(
		`SELECT job_id, label, host_count, hostnames, rank_count, device_count,
		        median_start_time, median_end_time, median_elapsed, metric_names, command
		 FROM %s`, jobTable)).Scan(
		&ds.Job.JobID, &ds.Job.Label, &ds.Job.HostCount, &ds.Job.Hostnames,
		&ds.Job.RankCount, &ds.Job.DeviceCount, &ds.Job.MedianStartTime,
		&ds.Job.MedianEndTime, &ds.Job.MedianElapsed, &ds.Job.MetricNames, &ds.Job.Command)
	if err != nil {
		return nil, fmt.Errorf("consolidate: querying job metadata: %w", err)
	}

	return ds, nil
}
