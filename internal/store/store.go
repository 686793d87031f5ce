// Package store is the tenant-scoped Postgres data layer behind every
// in-scope component's narrow Store interface (internal/sensors,
// internal/rotation, internal/alerts, internal/wsfanout,
// internal/reachability, internal/wgpeer) and the out-of-scope CRUD
// surfaces internal/httpapi exposes directly. The CRUD and listing queries
// filter by owner_id; the adapter lookups keyed by device IP, sensor id or
// profile id, ListAllSensors and UsedWGAddresses do not.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the shared Postgres handle every adapter method in this package
// hangs off of. Narrow per-consumer interfaces (sensors.Store,
// rotation.Store, ...) are satisfied structurally — Pool never names
// those interface types, it just happens to implement their method sets;
// the adapter files import the consumer packages only for their row types.
type Pool struct {
	DB *pgxpool.Pool
}

// Open connects to Postgres using dsn (spec.md §6's DATABASE_URL).
func Open(ctx context.Context, dsn string) (*Pool, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Pool{DB: db}, nil
}

// Close releases the underlying connection pool.
func (p *Pool) Close() {
	p.DB.Close()
}

// ErrNotFound is returned by single-row lookups that match no tenant-owned
// row, distinguished from a query error so callers can map it to HTTP 404.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}
