package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QueryObserver sees the duration and outcome of every statement. The
// performance monitor implements it; nil disables observation.
type QueryObserver func(dur time.Duration, err error)

// NewPool creates a pgx connection pool from the provided DSN. Every
// statement is traced through otelpgx and, when an observer is wired,
// timed for the performance monitor.
func NewPool(ctx context.Context, dsn string, observe QueryObserver) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	tracers := []pgx.QueryTracer{otelpgx.NewTracer()}
	if observe != nil {
		tracers = append(tracers, &observerTracer{observe: observe})
	}
	cfg.ConnConfig.Tracer = multiTracer(tracers)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// multiTracer fans the pgx trace callbacks out to several tracers. pgx
// accepts exactly one tracer per connection config.
type multiTracer []pgx.QueryTracer

func (m multiTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	for _, t := range m {
		ctx = t.TraceQueryStart(ctx, conn, data)
	}
	return ctx
}

func (m multiTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	for _, t := range m {
		t.TraceQueryEnd(ctx, conn, data)
	}
}

type queryStartKey struct{}

type observerTracer struct {
	observe QueryObserver
}

func (o *observerTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, time.Now())
}

func (o *observerTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(time.Time)
	if !ok {
		return
	}
	o.observe(time.Since(start), data.Err)
}
