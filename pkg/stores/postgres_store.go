package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/fnplane/fnplane/pkg/engine"
)

// PostgresConfig holds PostgreSQL store configuration.
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PostgresStore implements the Store interface using a pgx connection pool.
// Leases use FOR UPDATE SKIP LOCKED, so any number of pollers may share it.
type PostgresStore struct {
	pgQueries
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL store instance.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	return &PostgresStore{cfg: cfg}, nil
}

// Init creates the connection pool and verifies connectivity.
func (s *PostgresStore) Init(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if s.cfg.MaxConns > 0 {
		poolConfig.MaxConns = s.cfg.MaxConns
	}
	poolConfig.MinConns = 2
	if s.cfg.MinConns > 0 {
		poolConfig.MinConns = s.cfg.MinConns
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	if s.cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = s.cfg.MaxConnLifetime
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	if s.cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = s.cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.pool = pool
	s.pgQueries = pgQueries{db: pool}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(_ context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer func() { _ = db.Close() }()

	sourceDriver, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&pgQueries{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LeasePendingOperations claims a batch of operations in one statement. Rows
// locked by a concurrent lessor are skipped rather than waited on.
func (s *PostgresStore) LeasePendingOperations(ctx context.Context, limit int, leaseTTL time.Duration) ([]*engine.PendingOperation, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	query := `
		WITH candidates AS (
			SELECT application_id
			FROM pending_operations
			WHERE leased = FALSE OR leased_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE pending_operations p
		SET leased = TRUE, leased_at = $3
		FROM candidates c
		WHERE p.application_id = c.application_id
		RETURNING p.application_id, p.function_name, p.operation_kind, p.leased, p.leased_at,
			p.attempts, p.max_attempts, p.created_at, p.updated_at
	`

	rows, err := s.pool.Query(ctx, query, now.Add(-leaseTTL), limit, now)
	if err != nil {
		return nil, fmt.Errorf("failed to lease pending operations: %w", err)
	}
	defer rows.Close()

	ops := []*engine.PendingOperation{}
	for rows.Next() {
		op, err := scanPgPendingOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leased operations: %w", err)
	}

	sort.SliceStable(ops, func(i, j int) bool { return ops[i].UpdatedAt.Before(ops[j].UpdatedAt) })
	return ops, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.pool.Ping(ctx)
}

// pgQueries implements Queries on top of the pool or a transaction.
type pgQueries struct {
	db pgxQuerier
}

func (q *pgQueries) GetApplication(ctx context.Context, name string) (*engine.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE name = $1`

	app, err := scanPgApplication(q.db.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("application %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return app, nil
}

func (q *pgQueries) GetApplicationByID(ctx context.Context, id string) (*engine.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`

	app, err := scanPgApplication(q.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("application id %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return app, nil
}

func (q *pgQueries) CreateApplication(ctx context.Context, app *engine.Application) error {
	query := `
		INSERT INTO applications (` + applicationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := q.db.Exec(ctx, query,
		app.ID,
		app.Name,
		app.FunctionName,
		string(app.State),
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

func (q *pgQueries) UpdateApplication(ctx context.Context, app *engine.Application) error {
	query := `
		UPDATE applications
		SET state = $1, artifact_bucket = $2, artifact_key = $3, invoke_url = $4, error = $5, updated_at = $6
		WHERE id = $7
	`

	tag, err := q.db.Exec(ctx, query,
		string(app.State),
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
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("application %s: %w", app.Name, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) ListApplications(ctx context.Context, limit, offset int) ([]*engine.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications ORDER BY name ASC LIMIT $1 OFFSET $2`

	rows, err := q.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	apps := []*engine.Application{}
	for rows.Next() {
		app, err := scanPgApplication(rows)
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

func (q *pgQueries) GetPendingOperation(ctx context.Context, applicationID string) (*engine.PendingOperation, error) {
	query := `SELECT ` + pendingOperationColumns + ` FROM pending_operations WHERE application_id = $1`

	op, err := scanPgPendingOperation(q.db.QueryRow(ctx, query, applicationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending operation for %s: %w", applicationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (q *pgQueries) CreatePendingOperation(ctx context.Context, op *engine.PendingOperation) error {
	query := `
		INSERT INTO pending_operations (` + pendingOperationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := q.db.Exec(ctx, query,
		op.ApplicationID,
		op.FunctionName,
		string(op.Kind),
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

func (q *pgQueries) UpdatePendingOperation(ctx context.Context, op *engine.PendingOperation) error {
	query := `
		UPDATE pending_operations
		SET leased = $1, leased_at = $2, attempts = $3, updated_at = $4
		WHERE application_id = $5
	`

	tag, err := q.db.Exec(ctx, query,
		op.Leased,
		utcPtr(op.LeasedAt),
		op.Attempts,
		op.UpdatedAt.UTC(),
		op.ApplicationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pending operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending operation for %s: %w", op.ApplicationID, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) DeletePendingOperation(ctx context.Context, applicationID string) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM pending_operations WHERE application_id = $1`, applicationID); err != nil {
		return fmt.Errorf("failed to delete pending operation: %w", err)
	}
	return nil
}

func (q *pgQueries) ListPendingOperations(ctx context.Context, limit, offset int) ([]*engine.PendingOperation, error) {
	query := `SELECT ` + pendingOperationColumns + ` FROM pending_operations ORDER BY updated_at ASC LIMIT $1 OFFSET $2`

	rows, err := q.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	ops := []*engine.PendingOperation{}
	for rows.Next() {
		op, err := scanPgPendingOperation(rows)
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

func scanPgApplication(row pgx.Row) (*engine.Application, error) {
	app := &engine.Application{}
	var state string
	err := row.Scan(
		&app.ID,
		&app.Name,
		&app.FunctionName,
		&state,
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
	app.State = engine.State(state)
	return app, nil
}

func scanPgPendingOperation(row pgx.Row) (*engine.PendingOperation, error) {
	op := &engine.PendingOperation{}
	var kind string
	err := row.Scan(
		&op.ApplicationID,
		&op.FunctionName,
		&kind,
		&op.Leased,
		&op.LeasedAt,
		&op.Attempts,
		&op.MaxAttempts,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan pending operation: %w", err)
	}
	op.Kind = engine.OperationKind(kind)
	return op, nil
}
