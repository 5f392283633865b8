package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed list of scan funcs.
type rowsStub struct {
	idx   int
	scans []func(dest ...any) error
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	if r.idx >= len(r.scans) {
		return false
	}
	r.idx++
	return true
}
func (r *rowsStub) Scan(dest ...any) error { return r.scans[r.idx-1](dest...) }
func (r *rowsStub) Values() ([]any, error) { return nil, nil }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }

// poolStub implements postgres.PgxPool for tests. Behavior is configured
// through the optional hooks; the last statement and args are always
// captured. Defined in a shared helper so multiple _test.go files can reuse
// it without redefs.
type poolStub struct {
	execFn  func(sql string, args []any) (pgconn.CommandTag, error)
	rowFn   func(sql string, args []any) pgx.Row
	queryFn func(sql string, args []any) (pgx.Rows, error)

	execCalls int
	lastSQL   string
	lastArgs  []any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execCalls++
	p.lastSQL = sql
	p.lastArgs = args
	if p.execFn == nil {
		return pgconn.CommandTag{}, nil
	}
	return p.execFn(sql, args)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.lastSQL = sql
	p.lastArgs = args
	if p.rowFn == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.rowFn(sql, args)
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.lastSQL = sql
	p.lastArgs = args
	if p.queryFn == nil {
		return &rowsStub{}, nil
	}
	return p.queryFn(sql, args)
}
