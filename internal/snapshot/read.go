package snapshot

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"opendata/internal/table"
	"opendata/internal/transformer"
	"opendata/internal/transformer/builtin"
)

// Read loads a snapshot into a Table. Columns whose non-empty cells all parse
// as numbers come back as float64; identifier columns (state, county, NAME
// ...) stay text so codes like "013" keep their leading zeros. Empty cells
// are nil.
func Read(path string) (*table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()

	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return t, nil
}

// Decode parses snapshot CSV from r. See Read.
func Decode(r io.Reader) (*table.Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	line := 1
	hdr, err := cr.Read()
	if err == io.EOF {
		return table.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	header := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if builtin.HasEdgeSpace(h) {
			h = strings.TrimSpace(h)
		}
		header[i] = h
	}

	var rows [][]any
	for {
		rec, err := cr.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, &transformer.ShapeError{Row: line - 1, Got: len(rec), Want: len(header)}
		}
		row := make([]any, len(rec))
		for i, v := range rec {
			if builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row[i] = v
			}
		}
		rows = append(rows, row)
	}

	return transformer.Normalize(
		table.RawBatch{Header: header, Rows: rows},
		transformer.Options{Coerce: transformer.CoerceInferred},
	)
}
