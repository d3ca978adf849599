package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_LeasePendingOperations demonstrates claiming pending work.
func ExampleSQLiteStore_LeasePendingOperations() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	app := engine.NewApplication("orders", time.Now())
	app.State = engine.StateCreating
	_ = store.CreateApplication(ctx, app)
	_ = store.CreatePendingOperation(ctx, engine.NewPendingOperation(app, engine.OperationCreate, 60, time.Now()))

	ops, err := store.LeasePendingOperations(ctx, 100, 5*time.Minute)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("leased=%d kind=%s attempts=%d\n", len(ops), ops[0].Kind, ops[0].Attempts)
	// Output: leased=1 kind=CREATE attempts=0
}
