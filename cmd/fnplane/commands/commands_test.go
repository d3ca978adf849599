package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fnplane/fnplane/pkg/config"
	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/provisioner"
)

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fnplane.db")
	cfgPath := filepath.Join(dir, "fnplane.yaml")
	content := "database:\n  driver: sqlite\n  path: " + dbPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return cfgPath, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCommand("test", "abc123", "today")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateAndStatus(t *testing.T) {
	cfgPath, dbPath := writeTestConfig(t)

	out, err := execute(t, "-c", cfgPath, "migrate")
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("unexpected migrate output: %q", out)
	}

	ctx := context.Background()
	store, err := openStore(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, Path: dbPath}, false)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	app := engine.NewApplication("orders", time.Now())
	app.Artifact = engine.ArtifactLocation{Bucket: "bundles", Key: "orders.zip"}
	if err := store.CreateApplication(ctx, app); err != nil {
		t.Fatalf("failed to create application: %v", err)
	}
	_ = store.Close()

	out, err = execute(t, "-c", cfgPath, "status", "orders")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"NAME", "orders", "NEW", "bundles/orders.zip"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q: %q", want, out)
		}
	}

	out, err = execute(t, "-c", cfgPath, "--json", "status")
	if err != nil {
		t.Fatalf("status --json failed: %v", err)
	}
	var apps []engine.Application
	if err := json.Unmarshal([]byte(out), &apps); err != nil {
		t.Fatalf("invalid json output %q: %v", out, err)
	}
	if len(apps) != 1 || apps[0].Name != "orders" {
		t.Errorf("unexpected applications: %+v", apps)
	}

	if _, err := execute(t, "-c", cfgPath, "status", "missing"); err == nil {
		t.Error("expected an error for an unknown application")
	}
}

func TestUploadWithoutArtifactStore(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	bundle := filepath.Join(t.TempDir(), "fn.zip")
	if err := os.WriteFile(bundle, []byte("zip"), 0o600); err != nil {
		t.Fatalf("failed to write bundle: %v", err)
	}

	_, err := execute(t, "-c", cfgPath, "upload", bundle)
	if err == nil || !strings.Contains(err.Error(), "no artifact store") {
		t.Errorf("expected missing artifact store error, got %v", err)
	}
}

func TestServeRejectsSplitMemoryBus(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	_, err := execute(t, "-c", cfgPath, "serve", "--api=false")
	if err == nil || !strings.Contains(err.Error(), "memory event bus") {
		t.Errorf("expected memory bus error, got %v", err)
	}
}

func TestWriteApplications(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reason := "boom"
	apps := []*engine.Application{
		{Name: "a", FunctionName: "fn-a", State: engine.StateActive, UpdatedAt: now},
		{Name: "b", FunctionName: "fn-b", State: engine.StateCreateFailed, Error: &reason, UpdatedAt: now},
	}

	var buf bytes.Buffer
	if err := writeApplications(&buf, apps, false); err != nil {
		t.Fatalf("writeApplications failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "ACTIVE") || !strings.HasSuffix(lines[1], "-") {
		t.Errorf("unexpected row: %q", lines[1])
	}
	if !strings.Contains(lines[2], "CREATE_FAILED") || !strings.HasSuffix(lines[2], "boom") {
		t.Errorf("unexpected row: %q", lines[2])
	}
	if !strings.Contains(lines[1], "2024-05-01T12:00:00Z") {
		t.Errorf("expected RFC3339 timestamp in %q", lines[1])
	}
}

func TestWritePendingOperations(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ops := []*engine.PendingOperation{
		{FunctionName: "fn-a", Kind: engine.OperationCreate, Attempts: 2, MaxAttempts: 60, UpdatedAt: now},
		{FunctionName: "fn-b", Kind: engine.OperationUpdate, Leased: true, LeasedAt: &now, UpdatedAt: now},
	}

	var buf bytes.Buffer
	if err := writePendingOperations(&buf, ops, false); err != nil {
		t.Fatalf("writePendingOperations failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"FUNCTION", "fn-a", "2/60", "no", "fn-b"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}

	buf.Reset()
	if err := writePendingOperations(&buf, ops, true); err != nil {
		t.Fatalf("writePendingOperations json failed: %v", err)
	}
	var decoded []engine.PendingOperation
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(decoded) != 2 || !decoded[1].Leased {
		t.Errorf("unexpected decoded operations: %+v", decoded)
	}
}

func TestInvokeApplication(t *testing.T) {
	ctx := context.Background()
	store, err := openStore(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "fnplane.db")}, true)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	active := engine.NewApplication("orders", time.Now())
	active.State = engine.StateActive
	pending := engine.NewApplication("billing", time.Now())
	pending.State = engine.StateCreating
	for _, app := range []*engine.Application{active, pending} {
		if err := store.CreateApplication(ctx, app); err != nil {
			t.Fatalf("failed to create application: %v", err)
		}
	}

	fake := provisioner.NewFake("http://fn.local", 0)
	if _, err := fake.Create(ctx, provisioner.Function{Name: active.FunctionName, Application: active.Name}); err != nil {
		t.Fatalf("failed to create function: %v", err)
	}

	res, err := invokeApplication(ctx, store, fake, "orders", []byte(`{"id":42}`))
	if err != nil {
		t.Fatalf("invokeApplication failed: %v", err)
	}
	if res.StatusCode != 200 || string(res.Body) != `{"id":42}` {
		t.Errorf("unexpected result: %d %q", res.StatusCode, res.Body)
	}
	if n := fake.CallCount(provisioner.OpInvoke); n != 1 {
		t.Errorf("expected one invoke call, got %d", n)
	}

	if _, err := invokeApplication(ctx, store, fake, "billing", nil); err == nil || !strings.Contains(err.Error(), "CREATING") {
		t.Errorf("expected not-active error, got %v", err)
	}
	if _, err := invokeApplication(ctx, store, fake, "missing", nil); err == nil {
		t.Error("expected an error for an unknown application")
	}
	if n := fake.CallCount(provisioner.OpInvoke); n != 1 {
		t.Errorf("expected no further invoke calls, got %d", n)
	}
}

func TestWriteInvokeResult(t *testing.T) {
	res := &provisioner.InvokeResult{
		StatusCode: 202,
		Headers:    map[string]string{"X-Trace": "t1", "Content-Type": "text/plain"},
		Body:       []byte("queued"),
	}

	var buf bytes.Buffer
	if err := writeInvokeResult(&buf, res, false); err != nil {
		t.Fatalf("writeInvokeResult failed: %v", err)
	}
	want := "Status: 202\nContent-Type: text/plain\nX-Trace: t1\n\nqueued\n"
	if buf.String() != want {
		t.Errorf("unexpected output:\n%q\nwant\n%q", buf.String(), want)
	}

	buf.Reset()
	if err := writeInvokeResult(&buf, res, true); err != nil {
		t.Fatalf("writeInvokeResult --json failed: %v", err)
	}
	var decoded struct {
		StatusCode int    `json:"statusCode"`
		Body       string `json:"body"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json output %q: %v", buf.String(), err)
	}
	if decoded.StatusCode != 202 || decoded.Body != "queued" {
		t.Errorf("unexpected json result: %+v", decoded)
	}
}
