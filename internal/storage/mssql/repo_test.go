package mssql

import (
	"strings"
	"testing"

	"opendata/internal/storage"
)

func TestBuildInsertNotExistsSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertNotExistsSQL("dbo.income", []string{"a", "row_hash"}, [][]any{{1.0, "h1"}, {2.0, "h2"}}, []string{"row_hash"})
	want := "INSERT INTO [dbo].[income] ([a], [row_hash]) SELECT v.[a], v.[row_hash] FROM (VALUES (@p1, @p2), (@p3, @p4)) AS v([a], [row_hash]) WHERE NOT EXISTS (SELECT 1 FROM [dbo].[income] t WHERE t.[row_hash] = v.[row_hash])"
	if q != want {
		t.Fatalf("sql=\n%s\nwant\n%s", q, want)
	}
	if len(args) != 4 || args[3] != "h2" {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildBulkInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildBulkInsertSQL("income", []string{"a"}, [][]any{{1.0}, {nil}})
	if q != "INSERT INTO [income] ([a]) VALUES (@p1), (@p2)" || len(args) != 2 {
		t.Fatalf("sql=%s args=%v", q, args)
	}
}

func TestBuildEnsureSQL(t *testing.T) {
	t.Parallel()

	stmts, err := buildEnsureSQL(storage.TableSpec{
		Name: "dbo.income",
		Columns: []storage.ColumnSpec{
			{Name: "name", Type: storage.TypeText},
			{Name: "row_hash", Type: storage.TypeHash},
		},
		Unique: []string{"row_hash"},
	})
	if err != nil {
		t.Fatalf("buildEnsureSQL: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("stmts=%q", stmts)
	}
	if !strings.HasPrefix(stmts[0], "IF OBJECT_ID(N'dbo.income', N'U') IS NULL BEGIN CREATE TABLE [dbo].[income] (") ||
		!strings.Contains(stmts[0], "[row_hash] NVARCHAR(64) NULL, UNIQUE ([row_hash])") {
		t.Fatalf("create=%s", stmts[0])
	}
	if stmts[1] != "IF COL_LENGTH(N'dbo.income', N'name') IS NULL ALTER TABLE [dbo].[income] ADD [name] NVARCHAR(MAX) NULL;" {
		t.Fatalf("alter=%s", stmts[1])
	}
}

func TestDedupeRows_StableAndCorrect(t *testing.T) {
	t.Parallel()

	// SQL Server NOT EXISTS does not collapse duplicate keys inside one
	// VALUES list; the backend keeps the first row per key.
	columns := []string{"county", "year", "row_hash"}
	rows := [][]any{
		{"163", 2020.0, "h1"},
		{"163", 2020.0, "h1"},
		{"113", 2020.0, "h2"},
		{"163", 2021.0, "h1"},
		{"013", 2021.0, "h3"},
	}

	got, err := storage.DedupeRows(rows, columns, []string{"row_hash"})
	if err != nil {
		t.Fatalf("DedupeRows: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows after dedupe, got %d", len(got))
	}
	if got[0][1] != 2020.0 || got[1][0] != "113" || got[2][0] != "013" {
		t.Fatalf("unexpected rows: %v", got)
	}

	if _, err := storage.DedupeRows(rows, columns, []string{"missing"}); err == nil {
		t.Fatalf("expected error for missing dedupe column")
	}
}
