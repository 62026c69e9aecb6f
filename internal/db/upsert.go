package db

import (
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertOnce is a single-row insert that leaves an existing row with the
// same Key columns untouched.
type InsertOnce struct {
	Table   string // optionally schema-qualified, e.g. "report.jobs"
	Columns []string
	Key     []string
}

// ToSQL renders INSERT ... ON CONFLICT (key) DO NOTHING. Postgres and
// SQLite both accept it; format picks sq.Dollar or sq.Question.
func (ins InsertOnce) ToSQL(format sq.PlaceholderFormat, values ...any) (string, []any, error) {
	switch {
	case len(ins.Columns) == 0:
		return "", nil, eris.Errorf("db: insert into %s: no columns", ins.Table)
	case len(ins.Key) == 0:
		return "", nil, eris.Errorf("db: insert into %s: no key columns", ins.Table)
	case len(values) != len(ins.Columns):
		return "", nil, eris.Errorf("db: insert into %s: %d values for %d columns", ins.Table, len(values), len(ins.Columns))
	}

	query, args, err := sq.Insert(pgx.Identifier(strings.Split(ins.Table, ".")).Sanitize()).
		Columns(quoted(ins.Columns)...).
		Values(values...).
		Suffix("ON CONFLICT (" + strings.Join(quoted(ins.Key), ", ") + ") DO NOTHING").
		PlaceholderFormat(format).
		ToSql()
	return query, args, eris.Wrapf(err, "db: insert into %s", ins.Table)
}

func quoted(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return out
}
