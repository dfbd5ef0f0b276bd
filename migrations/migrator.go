package migrations

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
)

// Migrator applies the bus's embedded schema migrations with golang-migrate,
// grounded on correlator-io-correlator's Runner.
type Migrator struct {
	db      *sql.DB
	migrate *migrate.Migrate
}

// zerologAdapter satisfies migrate.Logger by forwarding to a zerolog.Logger,
// so migration output joins the rest of the process's structured log stream
// instead of going to the standard logger the way correlator's migrateLogger
// does.
type zerologAdapter struct {
	log zerolog.Logger
}

func (a zerologAdapter) Printf(format string, v ...interface{}) {
	a.log.Info().Msgf(format, v...)
}

func (a zerologAdapter) Verbose() bool { return false }

var _ migrate.Logger = zerologAdapter{}

// New opens dsn with database/sql (golang-migrate drives its own connection,
// separate from the pgxpool.Pool the rest of the bus uses) and validates the
// embedded migration set before returning.
func New(dsn string, log zerolog.Logger) (*Migrator, error) {
	if err := Validate(); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("migrations: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: ping: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: postgres driver: %w", err)
	}

	source, err := iofs.New(FS(), ".")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: new instance: %w", err)
	}
	m.Log = zerologAdapter{log: log.With().Str("component", "migrations").Logger()}

	return &Migrator{db: db, migrate: m}, nil
}

// Up applies every pending migration. A no-change result is not an error.
func (m *Migrator) Up() error {
	err := m.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down() error {
	err := m.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: down: %w", err)
	}
	return nil
}

// Version reports the current schema version and whether it is dirty.
func (m *Migrator) Version() (uint, bool, error) {
	v, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrations: version: %w", err)
	}
	return v, dirty, nil
}

// Close releases the migrator's database connections.
func (m *Migrator) Close() error {
	var errs []error
	if m.migrate != nil {
		sourceErr, dbErr := m.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("migrations: source close: %w", sourceErr))
		}
		if dbErr != nil {
			errs = append(errs, fmt.Errorf("migrations: db close: %w", dbErr))
		}
	}
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("migrations: sql.DB close: %w", err))
		}
	}
	return errors.Join(errs...)
}
