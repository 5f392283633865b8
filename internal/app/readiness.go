package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a connection capable of Ping. Both the
// pgx pool and the cache service satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the readiness checks for the primary store
// and the cache. The gateway serves traffic only while both answer.
func BuildReadinessChecks(db, cache Pinger) (func(ctx context.Context) error, func(ctx context.Context) error) {
	dbCheck := func(ctx context.Context) error {
		if db == nil { return fmt.Errorf("db not configured") }
		return db.Ping(ctx)
	}
	cacheCheck := func(ctx context.Context) error {
		if cache == nil { return fmt.Errorf("redis not configured") }
		return cache.Ping(ctx)
	}
	return dbCheck, cacheCheck
}
