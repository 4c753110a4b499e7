package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// A Query picks rows of a table. Where and OrderBy are SQL without their
// keywords, and Args fill the placeholders of Where. A zero Limit returns
// every row.
type Query struct {
	Where   string
	Args    []any
	OrderBy string
	Limit   int
	Offset  int
}

func (q Query) filter(table string, what string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "SELECT %s FROM %s", what, table)

	if q.Where != "" {
		b.WriteString(" WHERE " + q.Where)
	}

	return b.String()
}

func (q Query) rows(table string, columns []string) string {
	s := q.filter(table, strings.Join(columns, ", "))

	if q.OrderBy != "" {
		s += " ORDER BY " + q.OrderBy
	}

	if q.Limit > 0 {
		s += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	}

	return s
}

// A Reader reads back the database written by a DataRecorder.
type Reader struct {
	db *sql.DB
}

// NewReader opens an existing database file.
func NewReader(file string) (*Reader, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, errors.Wrap(err, "opening trace database")
	}

	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", file)
	}

	return &Reader{db: db}, nil
}

// Tables returns the names of the tables in the database, sorted.
func (r *Reader) Tables(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, errors.Wrap(err, "listing tables")
	}
	defer rows.Close()

	var tables []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		tables = append(tables, name)
	}

	return tables, rows.Err()
}

// Count returns how many rows of the table match q. Limit and Offset are
// ignored.
func (r *Reader) Count(ctx context.Context, table string, q Query) (int, error) {
	var n int

	err := r.db.QueryRowContext(ctx, q.filter(table, "COUNT(*)"), q.Args...).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "counting %s", table)
	}

	return n, nil
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Select reads the rows of the table matching q into entries of type T. The
// columns are matched to the fields of T by name, the way the recorder
// names them.
func Select[T any](ctx context.Context, r *Reader, table string, q Query) ([]T, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("cannot read rows into %s", t))
	}

	columns := make([]string, t.NumField())
	for i := range columns {
		columns[i] = t.Field(i).Name
	}

	rows, err := r.db.QueryContext(ctx, q.rows(table, columns), q.Args...)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", table)
	}
	defer rows.Close()

	var entries []T

	for rows.Next() {
		var entry T

		v := reflect.ValueOf(&entry).Elem()
		fields := make([]any, len(columns))

		for i := range fields {
			fields[i] = v.Field(i).Addr().Interface()
		}

		if err := rows.Scan(fields...); err != nil {
			return nil, errors.Wrapf(err, "reading %s", table)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
