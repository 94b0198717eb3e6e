package storage

// ColumnType is a logical column type. Backends map it to their own DDL.
type ColumnType string

const (
	TypeText   ColumnType = "text"
	TypeDouble ColumnType = "double"
	// TypeHash holds a hex SHA-256 digest. It is bounded so SQL Server can
	// index it.
	TypeHash ColumnType = "hash"
)

// Warehouse bookkeeping columns appended to every loaded snapshot.
const (
	RowHashColumn      = "row_hash"
	SnapshotFileColumn = "snapshot_file"
)

// TableSpec describes a warehouse table.
type TableSpec struct {
	Name    string
	Columns []ColumnSpec

	// Unique columns form one UNIQUE constraint, also used as the insert
	// dedupe key.
	Unique []string
}

// ColumnSpec is one column. All loaded columns are nullable.
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// ColumnNames returns the column names in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}
