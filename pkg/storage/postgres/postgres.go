// Package postgres implements the persisted storage backends on PostgreSQL:
// record store, vector index, and graph store share one connection pool.
// Tenant isolation is enforced twice: every query carries an explicit tenant
// predicate, and row-level security policies keyed on the session marker
// app.current_tenant_id backstop any query that forgets one.
package postgres

import (
	"context"
	"database/sql/driver"
	"embed"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/rae-project/rae/pkg/observability"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
	connectAttempts = 5
)

// Store owns the shared pool. The three backend views returned by Records,
// Vectors, and Graph all run their queries through it.
type Store struct {
	db     *sqlx.DB
	logger observability.Logger
}

// Open connects to PostgreSQL and verifies the connection with bounded
// exponential backoff, so a store booting alongside its database does not
// crash-loop on startup ordering.
func Open(dsn string, logger observability.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres pool")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ping := func() error { return db.Ping() }
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectAttempts)); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "database unreachable")
	}
	return &Store{db: db, logger: logger.WithPrefix("postgres")}, nil
}

// NewFromDB wraps an existing pool. Tests hand in a mocked *sqlx.DB here.
func NewFromDB(db *sqlx.DB, logger observability.Logger) *Store {
	return &Store{db: db, logger: logger.WithPrefix("postgres")}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "failed to load migrations")
	}
	drv, err := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to init migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return errors.Wrap(err, "failed to init migrator")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "migration failed")
	}
	return nil
}

// Records returns the record-store view.
func (s *Store) Records() *RecordStore { return &RecordStore{store: s} }

// Vectors returns the vector-index view.
func (s *Store) Vectors() *VectorIndex { return &VectorIndex{store: s} }

// Graph returns the graph-store view.
func (s *Store) Graph() *GraphStore { return &GraphStore{store: s} }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// withTenant runs fn on a single pooled connection with the session tenant
// marker set. The marker is set before any statement and reset before the
// connection returns to the pool; a connection whose reset fails is poisoned
// and dropped rather than reused.
func (s *Store) withTenant(ctx context.Context, tenantID string, fn func(conn *sqlx.Conn) error) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire connection")
	}
	if _, err := conn.ExecContext(ctx, "SELECT set_config('app.current_tenant_id', $1, false)", tenantID); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "failed to set tenant marker")
	}

	fnErr := fn(conn)

	if _, err := conn.ExecContext(context.WithoutCancel(ctx), "RESET app.current_tenant_id"); err != nil {
		s.logger.Warn("tenant marker reset failed, dropping connection", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
		_ = conn.Raw(func(driverConn interface{}) error { return driver.ErrBadConn })
	}
	if err := conn.Close(); err != nil && fnErr == nil {
		fnErr = errors.Wrap(err, "failed to release connection")
	}
	return fnErr
}
