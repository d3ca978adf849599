// Package stores provides the persistence layer for applications and their
// pending provisioning operations.
//
// Two implementations are available:
//
//   - SQLiteStore uses modernc.org/sqlite with WAL mode and immediate
//     transactions. It suits single-node deployments and tests.
//   - PostgresStore uses a pgx connection pool and leases work with
//     SELECT ... FOR UPDATE SKIP LOCKED, so several poller instances can share
//     one database.
//
// Both embed their schema migrations and apply them with golang-migrate.
//
// Leasing
//
// LeasePendingOperations is the only operation that needs cross-instance
// mutual exclusion. It claims unleased rows (or rows whose lease has outlived
// the TTL) oldest updated_at first and marks them leased in the same atomic
// step. Rescheduling an operation clears the lease and bumps updated_at, which
// moves it to the back of the queue.
package stores
