package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/fnplane/fnplane/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	sqliteQueries
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// _txlock=immediate takes the write lock at BEGIN, which serializes
	// lease transactions across connections and processes.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.sqliteQueries = sqliteQueries{db: db}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqliteQueries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LeasePendingOperations claims a batch of operations. The claim runs in an
// immediate transaction, so concurrent lessors queue on the write lock and
// observe each other's claims.
func (s *SQLiteStore) LeasePendingOperations(ctx context.Context, limit int, leaseTTL time.Duration) ([]*engine.PendingOperation, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	cutoff := now.Add(-leaseTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT ` + pendingOperationColumns + `
		FROM pending_operations
		WHERE leased = 0 OR leased_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`

	rows, err := tx.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending operations: %w", err)
	}

	ops := []*engine.PendingOperation{}
	for rows.Next() {
		op, err := scanPendingOperation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	_ = rows.Close()

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_operations SET leased = 1, leased_at = ? WHERE application_id = ?`,
			now, op.ApplicationID,
		); err != nil {
			return nil, fmt.Errorf("failed to lease pending operation: %w", err)
		}
		op.Leased = true
		leasedAt := now
		op.LeasedAt = &leasedAt
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	sort.SliceStable(ops, func(i, j int) bool { return ops[i].UpdatedAt.Before(ops[j].UpdatedAt) })
	return ops, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// sqliteQueries implements Queries on top of a connection or a transaction.
type sqliteQueries struct {
	db dbtx
}

const applicationColumns = `id, name, function_name, state, artifact_bucket, artifact_key,
	invoke_url, error, created_at, updated_at`

const pendingOperationColumns = `application_id, function_name, operation_kind, leased, leased_at,
	attempts, max_attempts, created_at, updated_at`

// GetApplication retrieves an application by name
func (q *sqliteQueries) GetApplication(ctx context.Context, name string) (*engine.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE name = ?`

	app, err := scanApplication(q.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("application %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}

	return app, nil
}

// GetApplicationByID retrieves an application by id
func (q *sqliteQueries) GetApplicationByID(ctx context.Context, id string) (*engine.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = ?`

	app, err := scanApplication(q.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("application id %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}

	return app, nil
}

// CreateApplication creates a new application record
func (q *sqliteQueries) CreateApplication(ctx context.Context, app *engine.Application) error {
	query := `
		INSERT INTO applications (` + applicationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.db.ExecContext(ctx, query,
		app.ID,
		app.Name,
		app.FunctionName,
		app.State,
		app.Artifact.Bucket,
		app.Artifact.Key,
		app.InvokeURL,
		app.Error,
		app.CreatedAt.UTC(),
		app.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return nil
}

// UpdateApplication overwrites the mutable fields of an application
func (q *sqliteQueries) UpdateApplication(ctx context.Context, app *engine.Application) error {
	query := `
		UPDATE applications
		SET state = ?, artifact_bucket = ?, artifact_key = ?, invoke_url = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := q.db.ExecContext(ctx, query,
		app.State,
		app.Artifact.Bucket,
		app.Artifact.Key,
		app.InvokeURL,
		app.Error,
		app.UpdatedAt.UTC(),
		app.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("application %s: %w", app.Name, ErrNotFound)
	}

	return nil
}

// ListApplications lists applications by name with pagination
func (q *sqliteQueries) ListApplications(ctx context.Context, limit, offset int) ([]*engine.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications ORDER BY name ASC LIMIT ? OFFSET ?`

	rows, err := q.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	apps := []*engine.Application{}
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, app)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applications: %w", err)
	}

	return apps, nil
}

// GetPendingOperation retrieves the pending operation of an application
func (q *sqliteQueries) GetPendingOperation(ctx context.Context, applicationID string) (*engine.PendingOperation, error) {
	query := `SELECT ` + pendingOperationColumns + ` FROM pending_operations WHERE application_id = ?`

	op, err := scanPendingOperation(q.db.QueryRowContext(ctx, query, applicationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending operation for %s: %w", applicationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending operation: %w", err)
	}

	return op, nil
}

// CreatePendingOperation creates a new pending operation record
func (q *sqliteQueries) CreatePendingOperation(ctx context.Context, op *engine.PendingOperation) error {
	query := `
		INSERT INTO pending_operations (` + pendingOperationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.db.ExecContext(ctx, query,
		op.ApplicationID,
		op.FunctionName,
		op.Kind,
		op.Leased,
		utcPtr(op.LeasedAt),
		op.Attempts,
		op.MaxAttempts,
		op.CreatedAt.UTC(),
		op.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create pending operation: %w", err)
	}

	return nil
}

// UpdatePendingOperation overwrites the lease and attempt fields of an operation
func (q *sqliteQueries) UpdatePendingOperation(ctx context.Context, op *engine.PendingOperation) error {
	query := `
		UPDATE pending_operations
		SET leased = ?, leased_at = ?, attempts = ?, updated_at = ?
		WHERE application_id = ?
	`

	result, err := q.db.ExecContext(ctx, query,
		op.Leased,
		utcPtr(op.LeasedAt),
		op.Attempts,
		op.UpdatedAt.UTC(),
		op.ApplicationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pending operation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("pending operation for %s: %w", op.ApplicationID, ErrNotFound)
	}

	return nil
}

// DeletePendingOperation deletes the pending operation of an application
func (q *sqliteQueries) DeletePendingOperation(ctx context.Context, applicationID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE application_id = ?`, applicationID); err != nil {
		return fmt.Errorf("failed to delete pending operation: %w", err)
	}
	return nil
}

// ListPendingOperations lists pending operations, oldest first
func (q *sqliteQueries) ListPendingOperations(ctx context.Context, limit, offset int) ([]*engine.PendingOperation, error) {
	query := `SELECT ` + pendingOperationColumns + ` FROM pending_operations ORDER BY updated_at ASC LIMIT ? OFFSET ?`

	rows, err := q.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	ops := []*engine.PendingOperation{}
	for rows.Next() {
		op, err := scanPendingOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}

	return ops, nil
}

func scanApplication(row rowScanner) (*engine.Application, error) {
	app := &engine.Application{}
	err := row.Scan(
		&app.ID,
		&app.Name,
		&app.FunctionName,
		&app.State,
		&app.Artifact.Bucket,
		&app.Artifact.Key,
		&app.InvokeURL,
		&app.Error,
		&app.CreatedAt,
		&app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func scanPendingOperation(row rowScanner) (*engine.PendingOperation, error) {
	op := &engine.PendingOperation{}
	err := row.Scan(
		&op.ApplicationID,
		&op.FunctionName,
		&op.Kind,
		&op.Leased,
		&op.LeasedAt,
		&op.Attempts,
		&op.MaxAttempts,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan pending operation: %w", err)
	}
	return op, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
