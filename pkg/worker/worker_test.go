package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/events"
	"github.com/fnplane/fnplane/pkg/provisioner"
	"github.com/fnplane/fnplane/pkg/stores"
)

func setupTestStore(t *testing.T) stores.Store {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "test.db")})
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
	return store
}

func newTestWorker(t *testing.T, store stores.Store, p provisioner.Provisioner) *Worker {
	t.Helper()
	w, err := New(Config{Store: store, Provisioner: p, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	return w
}

func seedApplication(t *testing.T, store stores.Store, name string, state engine.State) *engine.Application {
	t.Helper()
	now := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	app := engine.NewApplication(name, now)
	app.State = state
	app.Artifact = engine.ArtifactLocation{Bucket: "artifacts", Key: name + ".zip"}
	if err := store.CreateApplication(context.Background(), app); err != nil {
		t.Fatalf("failed to seed application: %v", err)
	}
	return app
}

func getApplication(t *testing.T, store stores.Store, name string) *engine.Application {
	t.Helper()
	app, err := store.GetApplication(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to get application: %v", err)
	}
	return app
}

func hasPendingOperation(t *testing.T, store stores.Store, appID string) bool {
	t.Helper()
	_, err := store.GetPendingOperation(context.Background(), appID)
	if errors.Is(err, stores.ErrNotFound) {
		return false
	}
	if err != nil {
		t.Fatalf("failed to get pending operation: %v", err)
	}
	return true
}

func event(name string, kind engine.EventKind) engine.LifecycleEvent {
	return engine.LifecycleEvent{ApplicationName: name, Kind: kind}
}

func TestNew_Validation(t *testing.T) {
	store := setupTestStore(t)

	if _, err := New(Config{Provisioner: provisioner.NewFake("http://fn", 0)}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := New(Config{Store: store}); err == nil {
		t.Error("expected error without provisioner")
	}

	w, err := New(Config{Store: store, Provisioner: provisioner.NewFake("http://fn", 0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.maxAttempts != DefaultMaxAttempts {
		t.Errorf("expected default max attempts %d, got %d", DefaultMaxAttempts, w.maxAttempts)
	}
}

func TestHandle_CreatePending(t *testing.T) {
	store := setupTestStore(t)
	fake := provisioner.NewFake("http://fn.local", 3)
	w := newTestWorker(t, store, fake)
	ctx := context.Background()

	app := seedApplication(t, store, "orders", engine.StateCreateRequested)

	if err := w.Handle(ctx, event("orders", engine.EventCreateRequested)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got := getApplication(t, store, "orders")
	if got.State != engine.StateCreating {
		t.Errorf("expected CREATING, got %s", got.State)
	}
	if got.InvokeURL == nil || *got.InvokeURL != "http://fn.local/"+app.FunctionName+"/" {
		t.Errorf("unexpected invoke url: %v", got.InvokeURL)
	}

	op, err := store.GetPendingOperation(ctx, app.ID)
	if err != nil {
		t.Fatalf("expected pending operation: %v", err)
	}
	if op.Kind != engine.OperationCreate {
		t.Errorf("expected CREATE operation, got %s", op.Kind)
	}
	if op.Attempts != 0 || op.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("unexpected attempts %d/%d", op.Attempts, op.MaxAttempts)
	}
	if op.Leased {
		t.Error("new operation should not be leased")
	}
	if op.FunctionName != app.FunctionName {
		t.Errorf("expected function name %s, got %s", app.FunctionName, op.FunctionName)
	}
}

func TestHandle_CreateImmediatelyActive(t *testing.T) {
	store := setupTestStore(t)
	fake := provisioner.NewFake("http://fn.local", 0)
	w := newTestWorker(t, store, fake)

	app := seedApplication(t, store, "orders", engine.StateCreateRequested)

	if err := w.Handle(context.Background(), event("orders", engine.EventCreateRequested)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got := getApplication(t, store, "orders")
	if got.State != engine.StateActive {
		t.Errorf("expected ACTIVE, got %s", got.State)
	}
	if got.Error != nil {
		t.Errorf("expected no error, got %q", *got.Error)
	}
	if hasPendingOperation(t, store, app.ID) {
		t.Error("expected no pending operation")
	}
	if !fake.Exists(app.FunctionName) {
		t.Error("expected function to exist")
	}
}

func TestHandle_CreateFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *provisioner.Fake)
		wantError string
	}{
		{
			name: "quota exceeded",
			setup: func(f *provisioner.Fake) {
				f.SetError(provisioner.OpCreate, provisioner.NewError(provisioner.KindQuotaExceeded, "too many functions", nil))
			},
			wantError: "quota exceeded",
		},
		{
			name: "unexpected error",
			setup: func(f *provisioner.Fake) {
				f.SetError(provisioner.OpCreate, errors.New("connection reset"))
			},
			wantError: "connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			fake := provisioner.NewFake("http://fn.local", 0)
			tt.setup(fake)
			w := newTestWorker(t, store, fake)

			app := seedApplication(t, store, "orders", engine.StateCreateRequested)

			if err := w.Handle(context.Background(), event("orders", engine.EventCreateRequested)); err != nil {
				t.Fatalf("provisioning failures must not be returned: %v", err)
			}

			got := getApplication(t, store, "orders")
			if got.State != engine.StateCreateFailed {
				t.Errorf("expected CREATE_FAILED, got %s", got.State)
			}
			if got.Error == nil || !strings.Contains(*got.Error, tt.wantError) {
				t.Errorf("expected error containing %q, got %v", tt.wantError, got.Error)
			}
			if hasPendingOperation(t, store, app.ID) {
				t.Error("expected no pending operation")
			}
		})
	}
}

func TestHandle_UpdatePending(t *testing.T) {
	store := setupTestStore(t)
	fake := provisioner.NewFake("http://fn.local", 0)
	w := newTestWorker(t, store, fake)
	ctx := context.Background()

	app := seedApplication(t, store, "orders", engine.StateUpdateRequested)
	if _, err := fake.Create(ctx, provisioner.Function{Name: app.FunctionName}); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}
	fake.PendingChecks = 2

	if err := w.Handle(ctx, event("orders", engine.EventUpdateRequested)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got := getApplication(t, store, "orders")
	if got.State != engine.StateUpdating {
		t.Errorf("expected UPDATING, got %s", got.State)
	}
	op, err := store.GetPendingOperation(ctx, app.ID)
	if err != nil {
		t.Fatalf("expected pending operation: %v", err)
	}
	if op.Kind != engine.OperationUpdate {
		t.Errorf("expected UPDATE operation, got %s", op.Kind)
	}
}

func TestHandle_UpdateOfMissingFunctionMarksDeleted(t *testing.T) {
	store := setupTestStore(t)
	fake := provisioner.NewFake("http://fn.local", 0)
	w := newTestWorker(t, store, fake)

	seedApplication(t, store, "orders", engine.StateUpdateRequested)

	if err := w.Handle(context.Background(), event("orders", engine.EventUpdateRequested)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got := getApplication(t, store, "orders")
	if got.State != engine.StateDeleted {
		t.Errorf("expected DELETED, got %s", got.State)
	}
	if got.Error != nil {
		t.Errorf("expected no error, got %q", *got.Error)
	}
}

func TestHandle_UpdateFailure(t *testing.T) {
	store := setupTestStore(t)
	fake := provisioner.NewFake("http://fn.local", 0)
	fake.SetError(provisioner.OpUpdate, provisioner.NewError(provisioner.KindServiceUnavailable, "throttled", nil))
	w := newTestWorker(t, store, fake)

	seedApplication(t, store, "orders", engine.StateUpdateRequested)

	if err := w.Handle(context.Background(), event("orders", engine.EventUpdateRequested)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got := getApplication(t, store, "orders")
	if got.State != engine.StateUpdateFailed {
		t.Errorf("expected UPDATE_FAILED, got %s", got.State)
	}
	if got.Error == nil {
		t.Error("expected an error message")
	}
}

func TestHandle_Delete(t *testing.T) {
	tests := []struct {
		name      string
		provision bool
		deleteErr error
		wantState engine.State
	}{
		{name: "existing function", provision: true, wantState: engine.StateDeleted},
		{name: "already gone", provision: false, wantState: engine.StateDeleted},
		{
			name:      "provider error",
			provision: true,
			deleteErr: provisioner.NewError(provisioner.KindServiceUnavailable, "throttled", nil),
			wantState: engine.StateDeleteFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			fake := provisioner.NewFake("http://fn.local", 0)
			w := newTestWorker(t, store, fake)
			ctx := context.Background()

			app := seedApplication(t, store, "orders", engine.StateDeleteRequested)
			if tt.provision {
				if _, err := fake.Create(ctx, provisioner.Function{Name: app.FunctionName}); err != nil {
					t.Fatalf("failed to create function: %v", err)
				}
			}
			fake.SetError(provisioner.OpDelete, tt.deleteErr)

			if err := w.Handle(ctx, event("orders", engine.EventDeleteRequested)); err != nil {
				t.Fatalf("Handle failed: %v", err)
			}

			got := getApplication(t, store, "orders")
			if got.State != tt.wantState {
				t.Errorf("expected %s, got %s", tt.wantState, got.State)
			}
			if tt.wantState == engine.StateDeleteFailed && got.Error == nil {
				t.Error("expected an error message")
			}
			if tt.wantState == engine.StateDeleted && got.Error != nil {
				t.Errorf("expected no error, got %q", *got.Error)
			}
		})
	}
}

func TestHandle_DeleteRemovesPendingOperation(t *testing.T) {
	store := setupTestStore(t)
	fake := provisioner.NewFake("http://fn.local", 0)
	w := newTestWorker(t, store, fake)
	ctx := context.Background()

	app := seedApplication(t, store, "orders", engine.StateDeleteRequested)
	op := engine.NewPendingOperation(app, engine.OperationCreate, 60, app.UpdatedAt)
	if err := store.CreatePendingOperation(ctx, op); err != nil {
		t.Fatalf("failed to create pending operation: %v", err)
	}

	if err := w.Handle(ctx, event("orders", engine.EventDeleteRequested)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if hasPendingOperation(t, store, app.ID) {
		t.Error("expected pending operation to be removed")
	}
	if got := getApplication(t, store, "orders"); got.State != engine.StateDeleted {
		t.Errorf("expected DELETED, got %s", got.State)
	}
}

func TestHandle_SkipsStaleEvents(t *testing.T) {
	tests := []struct {
		name  string
		state engine.State
		kind  engine.EventKind
	}{
		{"create after active", engine.StateActive, engine.EventCreateRequested},
		{"create after delete requested", engine.StateDeleteRequested, engine.EventCreateRequested},
		{"redelivered create", engine.StateCreating, engine.EventCreateRequested},
		{"update after failure", engine.StateUpdateFailed, engine.EventUpdateRequested},
		{"delete after deleted", engine.StateDeleted, engine.EventDeleteRequested},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			fake := provisioner.NewFake("http://fn.local", 0)
			w := newTestWorker(t, store, fake)

			seeded := seedApplication(t, store, "orders", tt.state)

			if err := w.Handle(context.Background(), event("orders", tt.kind)); err != nil {
				t.Fatalf("Handle failed: %v", err)
			}

			if calls := fake.Calls(); len(calls) != 0 {
				t.Errorf("expected no provider calls, got %v", calls)
			}
			got := getApplication(t, store, "orders")
			if got.State != tt.state {
				t.Errorf("expected state %s to be untouched, got %s", tt.state, got.State)
			}
			if !got.UpdatedAt.Equal(seeded.UpdatedAt) {
				t.Errorf("expected updatedAt unchanged")
			}
		})
	}
}

func TestHandle_UnknownApplication(t *testing.T) {
	store := setupTestStore(t)
	fake := provisioner.NewFake("http://fn.local", 0)
	w := newTestWorker(t, store, fake)

	err := w.Handle(context.Background(), event("ghost", engine.EventCreateRequested))
	if !errors.Is(err, stores.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !events.IsPermanent(err) {
		t.Errorf("expected unknown application to be a permanent failure, got %v", err)
	}
	if len(fake.Calls()) != 0 {
		t.Error("expected no provider calls")
	}
}

func TestHandle_InvalidEventKind(t *testing.T) {
	store := setupTestStore(t)
	w := newTestWorker(t, store, provisioner.NewFake("http://fn.local", 0))

	err := w.Handle(context.Background(), event("orders", engine.EventKind("RESTART")))
	if err == nil {
		t.Fatal("expected error for invalid event kind")
	}
	if !events.IsPermanent(err) {
		t.Errorf("expected invalid event kind to be a permanent failure, got %v", err)
	}
}

func TestHandle_StoreErrorIsReturned(t *testing.T) {
	store := setupTestStore(t)
	w := newTestWorker(t, store, provisioner.NewFake("http://fn.local", 0))
	seedApplication(t, store, "orders", engine.StateCreateRequested)

	_ = store.Close()

	err := w.Handle(context.Background(), event("orders", engine.EventCreateRequested))
	if err == nil {
		t.Fatal("expected store error to be returned for redelivery")
	}
	if events.IsPermanent(err) {
		t.Errorf("expected store error to be redelivered, got permanent %v", err)
	}
}

// racingProvisioner moves the application on while a create is in flight.
type racingProvisioner struct {
	*provisioner.Fake
	store stores.Store
	name  string
}

func (r *racingProvisioner) Create(ctx context.Context, fn provisioner.Function) (*provisioner.Result, error) {
	app, err := r.store.GetApplication(ctx, r.name)
	if err != nil {
		return nil, err
	}
	app.State = engine.StateDeleteRequested
	app.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := r.store.UpdateApplication(ctx, app); err != nil {
		return nil, err
	}
	return r.Fake.Create(ctx, fn)
}

func TestHandle_DiscardsOutcomeForSupersededRequest(t *testing.T) {
	store := setupTestStore(t)
	racer := &racingProvisioner{Fake: provisioner.NewFake("http://fn.local", 3), store: store, name: "orders"}
	w := newTestWorker(t, store, racer)

	app := seedApplication(t, store, "orders", engine.StateCreateRequested)

	if err := w.Handle(context.Background(), event("orders", engine.EventCreateRequested)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got := getApplication(t, store, "orders")
	if got.State != engine.StateDeleteRequested {
		t.Errorf("expected DELETE_REQUESTED to win, got %s", got.State)
	}
	if hasPendingOperation(t, store, app.ID) {
		t.Error("expected no pending operation for superseded create")
	}
}
