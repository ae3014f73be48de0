package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// advisoryLockID serializes bootstrap runs against the same database.
// Arbitrary but stable; every itemstack process contends on this one id.
const advisoryLockID = 874223

// migration is a single schema change applied exactly once per database.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations lists every schema change in order. Append only; never edit a
// shipped entry, since its version is already recorded in deployed databases.
var migrations = []migration{
	{
		Version:     1,
		Description: "create items table",
		SQL: `
			CREATE TABLE IF NOT EXISTS items (
				id SERIAL PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT
			)`,
	},
}

// envFileContent is what WriteEnvFile materializes. The values match the
// docker-compose Postgres so a fresh checkout works without edits.
const envFileContent = `# Local development settings. The API and bootstrap read these when the
# matching variables are not already exported.
DB_HOST=localhost
DB_PORT=5432
DB_NAME=postgres
DB_USER=postgres
DB_PASSWORD=postgres
`

// LoadEnv reads a .env file when one exists. Variables already present in
// the environment always win; the file only fills in gaps. A missing file is
// not an error. With no arguments the working directory's .env is used.
func LoadEnv(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// WriteEnvFile creates a .env seeded with local defaults. Returns false when
// the file already exists; re-running never clobbers local edits.
func WriteEnvFile(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(envFileContent); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// Runner applies schema migrations to a Postgres database.
type Runner struct {
	pool *pgxpool.Pool
}

// New creates a Runner backed by the given connection pool
func New(pool *pgxpool.Pool) *Runner {
	return &Runner{pool: pool}
}

// NewFromDSN creates a Runner with its own connection pool.
// The pool is owned by the Runner and released by Close.
func NewFromDSN(ctx context.Context, dsn string) (*Runner, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return New(pool), nil
}

// Close releases the underlying connection pool
func (r *Runner) Close() {
	r.pool.Close()
}

// Ping verifies the database is reachable
func (r *Runner) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Run applies any migrations the database has not seen yet. Safe to run
// repeatedly and from several processes at once: an advisory lock serializes
// runners, and the ledger table records what has already been applied.
func (r *Runner) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	// Advisory locks are session scoped, so everything from acquire to
	// release has to happen on this one pinned connection.
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	if !acquired {
		// Another process is mid-migration. Block until it finishes, then
		// return; the ledger it leaves behind covers us too.
		logger.Info().Msg("Another process is applying migrations, waiting for it to finish")
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
			return fmt.Errorf("failed to wait for migration lock: %w", err)
		}
		return releaseLock(ctx, conn)
	}

	applyErr := r.applyAll(ctx, conn)
	if err := releaseLock(ctx, conn); err != nil {
		if applyErr != nil {
			logger.Error().Err(err).Msg("Failed to release migration lock")
			return applyErr
		}
		return err
	}
	return applyErr
}

func (r *Runner) applyAll(ctx context.Context, conn *pgxpool.Conn) error {
	logger := zerolog.Ctx(ctx)

	if err := ensureLedger(ctx, conn); err != nil {
		return err
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := apply(ctx, conn, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		logger.Info().
			Int("version", m.Version).
			Str("description", m.Description).
			Msg("Applied migration")
		count++
	}

	if count == 0 {
		logger.Info().Msg("Database schema is up to date")
	} else {
		logger.Info().Int("applied", count).Msg("Database schema migrations complete")
	}
	return nil
}

func ensureLedger(ctx context.Context, conn *pgxpool.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *pgxpool.Conn) (map[int]bool, error) {
	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	return applied, nil
}

// apply runs one migration and records it in the ledger inside a single
// transaction, so a crash midway leaves no half-applied version behind.
func apply(ctx context.Context, conn *pgxpool.Conn, m migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)
		 ON CONFLICT (version) DO NOTHING`,
		m.Version, m.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func releaseLock(ctx context.Context, conn *pgxpool.Conn) error {
	var released bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockID).Scan(&released); err != nil {
		return fmt.Errorf("failed to release migration lock: %w", err)
	}
	if !released {
		return fmt.Errorf("migration lock was not held by this session")
	}
	return nil
}
