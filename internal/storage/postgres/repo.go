package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"opendata/internal/storage"
)

// maxParams is the Postgres bind parameter limit.
const maxParams = 65535

/*
Repo implements storage.Repository for Postgres.

Idempotent inserts use ON CONFLICT (<unique columns>) DO NOTHING. Schema
qualified table names ("staging.income") create the schema on demand.
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a pool for cfg.DSN and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTable creates the schema and table if missing and adds new columns
// with ADD COLUMN IF NOT EXISTS.
func (r *Repo) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	schemaSQL, tableSQL, alters, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", spec.Name, err)
		}
	}
	if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	for _, q := range alters {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("alter table %s: %w", spec.Name, err)
		}
	}
	return nil
}

// InsertRows inserts all chunks in one transaction.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var total int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, chunk := range storage.Chunk(rows, len(columns), maxParams) {
			q, args := buildInsertSQL(table, columns, chunk, dedupeColumns)
			tag, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return err
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func pgIdent(id string) string {
	return pgx.Identifier{id}.Sanitize()
}

func pgTableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgType(t storage.ColumnType) string {
	switch t {
	case storage.TypeDouble:
		return "double precision"
	case storage.TypeHash:
		return "char(64)"
	default:
		return "text"
	}
}

// buildCreateSQL builds:
//   - CREATE SCHEMA IF NOT EXISTS for qualified names (else "")
//   - CREATE TABLE IF NOT EXISTS with the unique constraint
//   - one ALTER TABLE ... ADD COLUMN IF NOT EXISTS per column
func buildCreateSQL(spec storage.TableSpec) (schemaSQL, tableSQL string, alters []string, err error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", "", nil, fmt.Errorf("table name is empty")
	}
	if len(spec.Columns) == 0 {
		return "", "", nil, fmt.Errorf("table %s has no columns", spec.Name)
	}

	schema, table := storage.SplitQualifiedName(spec.Name)
	if schema != "" {
		schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(schema) + ";"
	}
	qualified := pgTableIdent(spec.Name)

	defs := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", "", nil, fmt.Errorf("table %s: column name is empty", spec.Name)
		}
		defs = append(defs, pgIdent(c.Name)+" "+pgType(c.Type))
		alters = append(alters, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s;", qualified, pgIdent(c.Name), pgType(c.Type)))
	}
	if len(spec.Unique) > 0 {
		cols := make([]string, len(spec.Unique))
		for i, c := range spec.Unique {
			cols[i] = pgIdent(c)
		}
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)", pgIdent(table+"_"+strings.Join(spec.Unique, "_")+"_key"), strings.Join(cols, ", ")))
	}

	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", qualified, strings.Join(defs, ", "))
	return schemaSQL, tableSQL, alters, nil
}

// buildInsertSQL constructs one INSERT with numbered placeholders. With
// dedupeColumns it appends ON CONFLICT (...) DO NOTHING, which also
// tolerates duplicate keys inside the same statement.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(dedupeColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range dedupeColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}
