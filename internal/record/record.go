// Package record persists per-rank records: one self-describing file per
// rank, written atomically, read-only afterward. Records are plain JSON or
// zstd-compressed JSON, selected by the ".zst" file extension.
package record

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	gperrors "github.com/gpusight/gpusight/internal/errors"
	"github.com/gpusight/gpusight/pkg/model"
)

// OverwritePolicy controls behavior when the target record already exists.
type OverwritePolicy int

const (
	// OverwriteFail refuses to clobber an existing record.
	OverwriteFail OverwritePolicy = iota
	// OverwriteForce replaces an existing record.
	OverwriteForce
)

// Write persists a record to path. Writing is all-or-nothing: the record is
// encoded into a temporary file in the target directory and renamed into
// place, so a partially written record is never visible under its final
// name. With OverwriteFail an existing target fails with ALREADY_EXISTS
// before anything is written.
func Write(rec *model.PerRankRecord, path string, policy OverwritePolicy) (int64, error) {
	if policy == OverwriteFail {
		if _, err := os.Stat(path); err == nil {
			return 0, gperrors.New(gperrors.ErrAlreadyExists, "record",
				"record file %s already exists; use force overwrite to replace it", path)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("record: creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".gpusight-record-*")
	if err != nil {
		return 0, fmt.Errorf("record: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := encode(tmp, rec, compressed(path)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("record: encoding %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("record: closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("record: renaming into place: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, nil
	}
	return info.Size(), nil
}

// Read loads a record from path, decompressing by extension. Records
// round-trip losslessly through Write and Read.
func Read(path string) (*model.PerRankRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("record: opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed(path) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("record: zstd reader for %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	var rec model.PerRankRecord
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("record: decoding %s: %w", path, err)
	}
	return &rec, nil
}

// ReadDir loads every record file (*.json, *.json.zst) in dir, sorted by
// file name.
func ReadDir(dir string) ([]*model.PerRankRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("record: reading directory %s: %w", dir, err)
	}

	var records []*model.PerRankRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".json.zst") {
			continue
		}
		rec, err := Read(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func encode(w io.Writer, rec *model.PerRankRecord, compress bool) error {
	if !compress {
		return json.NewEncoder(w).Encode(rec)
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := json.NewEncoder(zw).Encode(rec); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func compressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}
