// Package snapshot is the flat-file store: one immutable CSV per fetch, named
// {dataset}_{yyyyMMdd_HHmmss}.csv. The file name is the only index.
package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"opendata/internal/table"
	"opendata/internal/transformer"
)

// TimeLayout is the timestamp part of a snapshot name. It sorts
// lexicographically in chronological order.
const TimeLayout = "20060102_150405"

var (
	// ErrNoData means no snapshot exists for the dataset. It is a normal
	// outcome for readers, not a failure.
	ErrNoData = errors.New("snapshot: no data available")

	// ErrSnapshotExists is returned instead of overwriting a snapshot.
	ErrSnapshotExists = errors.New("snapshot: file already exists")
)

var stampRe = regexp.MustCompile(`_(\d{8}_\d{6})\.csv$`)

// Result describes a written snapshot.
type Result struct {
	Path  string
	Bytes int64
	Rows  int
	Empty bool // header-only file
}

// FileName returns the snapshot name for datasetID captured at t (UTC).
func FileName(datasetID string, t time.Time) string {
	return datasetID + "_" + t.UTC().Format(TimeLayout) + ".csv"
}

// CapturedAt parses the timestamp out of a snapshot path.
func CapturedAt(path string) (time.Time, bool) {
	m := stampRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimeLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Write persists t under dir. The directory is created if absent. The file is
// written to a temp name in the same directory and renamed into place, so a
// reader never sees a partial snapshot.
//
// Errors:
//   - ErrSnapshotExists if the target name is already taken.
//   - I/O errors from directory creation or the write.
func Write(dir, datasetID string, capturedAt time.Time, t *table.Table) (Result, error) {
	if datasetID == "" {
		return Result{}, errors.New("snapshot: empty dataset id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("snapshot: create dir: %w", err)
	}

	path := filepath.Join(dir, FileName(datasetID, capturedAt))
	if _, err := os.Stat(path); err == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrSnapshotExists, path)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpName := tmp.Name()

	cw := &countingWriter{w: tmp}
	writeErr := tmp.Chmod(0o644)
	if writeErr == nil {
		writeErr = encode(cw, t)
	}
	closeErr := tmp.Close()

	if writeErr != nil {
		_ = os.Remove(tmpName)
		return Result{}, fmt.Errorf("snapshot: write: %w", writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return Result{}, fmt.Errorf("snapshot: close: %w", closeErr)
	}
	if err := publish(tmpName, path); err != nil {
		return Result{}, err
	}

	rows := t.Len()
	return Result{Path: path, Bytes: cw.n, Rows: rows, Empty: rows == 0}, nil
}

// publish moves the finished temp file to path without replacing an existing
// file. os.Link fails when path exists; filesystems without hard links fall
// back to a stat-then-rename.
func publish(tmpName, path string) error {
	defer os.Remove(tmpName)

	err := os.Link(tmpName, path)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrSnapshotExists, path)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrSnapshotExists, path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

func encode(w io.Writer, t *table.Table) error {
	cw := csv.NewWriter(w)
	var cols []string
	if t != nil {
		cols = t.Columns
	}
	if err := cw.Write(cols); err != nil {
		return err
	}
	rec := make([]string, len(cols))
	for _, r := range rowsOf(t) {
		for i := range rec {
			rec[i] = FormatCell(r[i])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func rowsOf(t *table.Table) [][]any {
	if t == nil {
		return nil
	}
	return t.Rows
}

// FormatCell renders a cell for CSV. Missing values are empty.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		if s, ok := transformer.ToText(x).(string); ok {
			return s
		}
		return ""
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// List returns the snapshots of datasetID in dir, oldest first. A missing
// directory yields no snapshots.
func List(dir, datasetID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(datasetID)+"_????????_??????.csv"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: glob: %w", err)
	}
	out := matches[:0]
	for _, m := range matches {
		if isSnapshotOf(filepath.Base(m), datasetID) {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// isSnapshotOf rejects glob matches whose timestamp is not all digits.
func isSnapshotOf(base, datasetID string) bool {
	m := stampRe.FindStringSubmatchIndex(base)
	if m == nil {
		return false
	}
	return base[:m[0]] == datasetID
}

// Latest returns the newest snapshot of datasetID, or ErrNoData.
func Latest(dir, datasetID string) (string, error) {
	all, err := List(dir, datasetID)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", fmt.Errorf("%w for %q in %s", ErrNoData, datasetID, dir)
	}
	return all[len(all)-1], nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
