// Package pg implements the entitlement store ports on PostgreSQL via
// database/sql and the pgx stdlib driver. See schema.sql for the
// expected tables; DDL is owned by the surrounding platform.
package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ursly.org/internal/entitlement"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ entitlement.Store = (*Store)(nil)

// Open connects to PostgreSQL with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle (used by tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Permissions() entitlement.PermissionStore   { return s }
func (s *Store) Groups() entitlement.GroupStore             { return s }
func (s *Store) Entitlements() entitlement.EntitlementStore { return s }
func (s *Store) Rules() entitlement.RuleStore               { return s }
func (s *Store) Audit() entitlement.AuditStore              { return s }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
