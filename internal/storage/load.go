package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"opendata/internal/table"
	"opendata/internal/transformer/builtin"
)

// Batch is a snapshot table shaped for loading: spec, insert columns and rows
// in matching order.
type Batch struct {
	Spec    TableSpec
	Columns []string
	Rows    [][]any
}

// TableFromSnapshot shapes t for the warehouse table name.
//
// Column names go through NormalizeIdent; collisions (including with the
// bookkeeping columns) get a numeric suffix. A column is TypeDouble when it
// has at least one value and every value is float64, else TypeText.
//
// Every row gets row_hash (SHA-256 over all source cells, see builtin.Hash)
// and snapshot_file (the base name of snapshotPath). row_hash is the unique
// dedupe key, so reloading a snapshot, or a newer snapshot holding the same
// rows, inserts nothing.
func TableFromSnapshot(name string, t *table.Table, snapshotPath string) (Batch, error) {
	if name == "" {
		return Batch{}, fmt.Errorf("storage: empty table name")
	}
	if t == nil || len(t.Columns) == 0 {
		return Batch{}, fmt.Errorf("storage: snapshot has no columns")
	}

	used := map[string]bool{RowHashColumn: true, SnapshotFileColumn: true}
	spec := TableSpec{Name: NormalizeTableName(name), Unique: []string{RowHashColumn}}

	for ix, c := range t.Columns {
		id := NormalizeIdent(c)
		for n := 2; used[id]; n++ {
			id = NormalizeIdent(c) + "_" + strconv.Itoa(n)
		}
		used[id] = true
		spec.Columns = append(spec.Columns, ColumnSpec{Name: id, Type: inferType(t, ix)})
	}
	spec.Columns = append(spec.Columns,
		ColumnSpec{Name: RowHashColumn, Type: TypeHash},
		ColumnSpec{Name: SnapshotFileColumn, Type: TypeText},
	)

	file := filepath.Base(snapshotPath)
	h := builtin.Hash{}
	rows := make([][]any, 0, t.Len())
	for i, r := range t.Rows {
		row := make([]any, 0, len(r)+2)
		row = append(row, r...)
		row = append(row, h.Sum(t, i), file)
		rows = append(rows, row)
	}

	return Batch{Spec: spec, Columns: spec.ColumnNames(), Rows: rows}, nil
}

func inferType(t *table.Table, ix int) ColumnType {
	seen := false
	for _, r := range t.Rows {
		switch r[ix].(type) {
		case nil:
		case float64:
			seen = true
		default:
			return TypeText
		}
	}
	if seen {
		return TypeDouble
	}
	return TypeText
}

// Load ensures the table exists and inserts the batch, deduplicating on the
// spec's unique key. It returns the number of rows actually inserted.
func Load(ctx context.Context, repo Repository, b Batch) (int64, error) {
	if err := repo.EnsureTable(ctx, b.Spec); err != nil {
		return 0, fmt.Errorf("storage: ensure table %s: %w", b.Spec.Name, err)
	}
	n, err := repo.InsertRows(ctx, b.Spec.Name, b.Columns, b.Rows, b.Spec.Unique)
	if err != nil {
		return n, fmt.Errorf("storage: insert into %s: %w", b.Spec.Name, err)
	}
	return n, nil
}

// Chunk splits rows so that no chunk binds more than maxParams parameters.
// Every chunk holds at least one row.
func Chunk(rows [][]any, width, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := len(rows)
	if width > 0 && maxParams > 0 {
		per = maxParams / width
		if per < 1 {
			per = 1
		}
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

// DedupeRows keeps the first row for each key formed by keyColumns, in
// input order. Backends whose insert does not collapse duplicates inside
// one statement use it before inserting.
func DedupeRows(rows [][]any, columns []string, keyColumns []string) ([][]any, error) {
	if len(keyColumns) == 0 {
		return rows, nil
	}
	idx := make([]int, len(keyColumns))
	for i, k := range keyColumns {
		idx[i] = -1
		for j, c := range columns {
			if c == k {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return nil, fmt.Errorf("storage: dedupe column %q not in insert columns", k)
		}
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		key := ""
		for _, j := range idx {
			key += fmt.Sprint(r[j]) + "\x1f"
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}
