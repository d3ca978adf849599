package stores

import (
	"context"
	"errors"
	"time"

	"github.com/fnplane/fnplane/pkg/engine"
)

// ErrNotFound is returned (wrapped) when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Queries are the record operations available both on a store and inside a
// transaction.
type Queries interface {
	// Application operations
	GetApplication(ctx context.Context, name string) (*engine.Application, error)
	GetApplicationByID(ctx context.Context, id string) (*engine.Application, error)
	CreateApplication(ctx context.Context, app *engine.Application) error
	UpdateApplication(ctx context.Context, app *engine.Application) error
	ListApplications(ctx context.Context, limit, offset int) ([]*engine.Application, error)

	// PendingOperation operations
	GetPendingOperation(ctx context.Context, applicationID string) (*engine.PendingOperation, error)
	CreatePendingOperation(ctx context.Context, op *engine.PendingOperation) error
	UpdatePendingOperation(ctx context.Context, op *engine.PendingOperation) error
	// DeletePendingOperation removes the operation of an application. It is a
	// no-op when none exists.
	DeletePendingOperation(ctx context.Context, applicationID string) error
	ListPendingOperations(ctx context.Context, limit, offset int) ([]*engine.PendingOperation, error)
}

// Store defines the interface for the persistence layer.
type Store interface {
	Queries

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// WithTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(q Queries) error) error

	// LeasePendingOperations atomically claims up to limit operations that are
	// unleased, or whose lease is older than leaseTTL, oldest updated_at first.
	// Concurrent callers never receive the same operation.
	LeasePendingOperations(ctx context.Context, limit int, leaseTTL time.Duration) ([]*engine.PendingOperation, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
