package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fnplane/fnplane/pkg/engine"
)

// setupPostgresStore connects to the database named by FNPLANE_TEST_POSTGRES_URL
// and truncates both tables. Tests are skipped when the variable is unset.
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	url := os.Getenv("FNPLANE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("FNPLANE_TEST_POSTGRES_URL not set")
	}

	store, err := NewPostgresStore(PostgresConfig{URL: url})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	if _, err := store.pool.Exec(ctx, "TRUNCATE pending_operations, applications"); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}

	return store
}

func TestNewPostgresStoreRequiresURL(t *testing.T) {
	if _, err := NewPostgresStore(PostgresConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestPostgresApplicationRoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	app := engine.NewApplication("foo", time.Now().UTC())
	app.Artifact = engine.ArtifactLocation{Bucket: "b", Key: "k.zip"}
	if err := store.CreateApplication(ctx, app); err != nil {
		t.Fatalf("failed to create application: %v", err)
	}

	err := store.WithTx(ctx, func(q Queries) error {
		a, err := q.GetApplication(ctx, "foo")
		if err != nil {
			return err
		}
		a.State = engine.StateCreating
		a.SetInvokeURL("https://example.test")
		if err := q.UpdateApplication(ctx, a); err != nil {
			return err
		}
		return q.CreatePendingOperation(ctx, engine.NewPendingOperation(a, engine.OperationCreate, 60, time.Now()))
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	got, err := store.GetApplicationByID(ctx, app.ID)
	if err != nil {
		t.Fatalf("failed to get application: %v", err)
	}
	if got.State != engine.StateCreating || got.InvokeURL == nil {
		t.Errorf("unexpected application %+v", got)
	}

	if _, err := store.GetApplication(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresLeaseExclusivity(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	const total = 40
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < total; i++ {
		app := engine.NewApplication(fmt.Sprintf("app-%02d", i), base)
		app.State = engine.StateCreating
		if err := store.CreateApplication(ctx, app); err != nil {
			t.Fatalf("failed to create application: %v", err)
		}
		op := engine.NewPendingOperation(app, engine.OperationCreate, 60, base.Add(time.Duration(i)*time.Millisecond))
		if err := store.CreatePendingOperation(ctx, op); err != nil {
			t.Fatalf("failed to create operation: %v", err)
		}
	}

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ops, err := store.LeasePendingOperations(ctx, 3, time.Hour)
				if err != nil {
					t.Errorf("lease failed: %v", err)
					return
				}
				if len(ops) == 0 {
					return
				}
				mu.Lock()
				for _, op := range ops {
					counts[op.ApplicationID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(counts) != total {
		t.Fatalf("expected %d leased operations, got %d", total, len(counts))
	}
	for id, n := range counts {
		if n != 1 {
			t.Errorf("operation %s leased %d times", id, n)
		}
	}
}
