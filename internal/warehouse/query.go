// Package warehouse reads raw search-query performance rows from an
// analytical warehouse. Queries are always parameterized; only validated
// identifiers are interpolated into SQL text.
package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type Dialect int

const (
	// BigQuery uses @name placeholders and UNNEST(@list) for list filters.
	BigQuery Dialect = iota
	// DuckDB uses $name placeholders with one parameter per list element.
	DuckDB
)

func (d Dialect) String() string {
	switch d {
	case BigQuery:
		return "bigquery"
	case DuckDB:
		return "duckdb"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// Param is a named query parameter. Value is a scalar, a []string, or a date
// value understood by the source driver.
type Param struct {
	Name  string
	Value any
}

type Query struct {
	SQL    string
	Params []Param
}

// Source executes a parameterized query and returns ordered records.
type Source interface {
	Dialect() Dialect
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Columns names the source columns used in filters.
type Columns struct {
	Date        string
	ParentASIN  string
	ChildASIN   string
	SearchQuery string
}

// DefaultColumns matches the Brand Analytics export schema.
func DefaultColumns() Columns {
	return Columns{
		Date:        "Date",
		ParentASIN:  "Parent ASIN",
		ChildASIN:   "Child ASIN",
		SearchQuery: "Search Query",
	}
}

var (
	tablePattern  = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	columnPattern = regexp.MustCompile(`^[A-Za-z0-9_ ]+$`)
)

// QueryBuilder assembles the date-bounded extraction query.
type QueryBuilder struct {
	dialect  Dialect
	table    string
	columns  Columns
	start    time.Time
	end      time.Time
	asins    []string
	keywords []string
}

func NewQueryBuilder(dialect Dialect, table string) *QueryBuilder {
	return &QueryBuilder{dialect: dialect, table: table, columns: DefaultColumns()}
}

func (b *QueryBuilder) WithColumns(c Columns) *QueryBuilder {
	b.columns = c
	return b
}

// Window bounds the query to dates in [start, end], inclusive.
func (b *QueryBuilder) Window(start, end time.Time) *QueryBuilder {
	b.start, b.end = start, end
	return b
}

// ASINs matches rows whose parent or child id is in asins.
func (b *QueryBuilder) ASINs(asins ...string) *QueryBuilder {
	b.asins = append(b.asins, asins...)
	return b
}

// Keywords matches search phrases case-insensitively.
func (b *QueryBuilder) Keywords(keywords ...string) *QueryBuilder {
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			b.keywords = append(b.keywords, strings.ToLower(k))
		}
	}
	return b
}

func (b *QueryBuilder) Build() (Query, error) {
	if !tablePattern.MatchString(b.table) {
		return Query{}, fmt.Errorf("invalid table identifier %q", b.table)
	}
	for _, col := range []string{b.columns.Date, b.columns.ParentASIN, b.columns.ChildASIN, b.columns.SearchQuery} {
		if !columnPattern.MatchString(col) {
			return Query{}, fmt.Errorf("invalid column identifier %q", col)
		}
	}
	if b.start.IsZero() || b.end.IsZero() {
		return Query{}, fmt.Errorf("query window is required")
	}
	if b.end.Before(b.start) {
		return Query{}, fmt.Errorf("query window end %s is before start %s", b.end.Format("2006-01-02"), b.start.Format("2006-01-02"))
	}

	var q Query
	dateCol := b.quote(b.columns.Date)
	where := []string{fmt.Sprintf("%s BETWEEN %s AND %s",
		dateCol, b.scalar(&q, "start_date", b.start), b.scalar(&q, "end_date", b.end))}

	if len(b.asins) > 0 {
		list := b.list(&q, "asins", b.asins)
		where = append(where, fmt.Sprintf("(%s IN %s OR %s IN %s)",
			b.quote(b.columns.ParentASIN), list, b.quote(b.columns.ChildASIN), list))
	}
	if len(b.keywords) > 0 {
		where = append(where, fmt.Sprintf("LOWER(%s) IN %s",
			b.quote(b.columns.SearchQuery), b.list(&q, "keywords", b.keywords)))
	}

	q.SQL = fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s, %s, %s, %s",
		b.quoteTable(), strings.Join(where, " AND "), dateCol,
		b.quote(b.columns.ParentASIN), b.quote(b.columns.ChildASIN), b.quote(b.columns.SearchQuery))
	return q, nil
}

func (b *QueryBuilder) quote(ident string) string {
	if b.dialect == BigQuery {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (b *QueryBuilder) quoteTable() string {
	if b.dialect == BigQuery {
		return "`" + b.table + "`"
	}
	parts := strings.Split(b.table, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}

func (b *QueryBuilder) scalar(q *Query, name string, day time.Time) string {
	value := day.Format("2006-01-02")
	if b.dialect == BigQuery {
		q.Params = append(q.Params, Param{Name: name, Value: DateParam(day)})
		return "@" + name
	}
	q.Params = append(q.Params, Param{Name: name, Value: value})
	return fmt.Sprintf("CAST($%s AS DATE)", name)
}

func (b *QueryBuilder) list(q *Query, name string, values []string) string {
	if b.dialect == BigQuery {
		q.Params = append(q.Params, Param{Name: name, Value: append([]string(nil), values...)})
		return "UNNEST(@" + name + ")"
	}
	names := make([]string, len(values))
	for i, v := range values {
		pname := fmt.Sprintf("%s_%d", name, i)
		q.Params = append(q.Params, Param{Name: pname, Value: v})
		names[i] = "$" + pname
	}
	return "(" + strings.Join(names, ", ") + ")"
}
