package provisioner

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake operation names for SetError and CallCount.
const (
	OpCreate    = "create"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpGetStatus = "get_status"
	OpInvoke    = "invoke"
)

// Fake is an in-memory Provisioner. Functions become ACTIVE after
// PendingChecks status checks; a negative value keeps them PENDING forever.
// It backs tests and the "fake" provisioner driver for local runs.
type Fake struct {
	mu sync.Mutex

	// BaseURL prefixes generated invoke URLs.
	BaseURL string
	// PendingChecks is copied into each function on Create and Update.
	PendingChecks int

	functions map[string]*fakeFunction
	errs      map[string]error
	status    map[string]*Result
	calls     []string
}

type fakeFunction struct {
	fn        Function
	remaining int
	url       string
}

// NewFake returns a Fake whose functions are ready after pendingChecks polls.
func NewFake(baseURL string, pendingChecks int) *Fake {
	return &Fake{
		BaseURL:       strings.TrimSuffix(baseURL, "/"),
		PendingChecks: pendingChecks,
		functions:     make(map[string]*fakeFunction),
		errs:          make(map[string]error),
		status:        make(map[string]*Result),
	}
}

// Name implements Provisioner.
func (f *Fake) Name() string {
	return "fake"
}

// SetError makes every call to op fail with err until cleared with nil.
func (f *Fake) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// SetStatus pins the result GetStatus returns for functionName.
func (f *Fake) SetStatus(functionName string, result *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result == nil {
		delete(f.status, functionName)
		return
	}
	f.status[functionName] = result
}

// Exists reports whether functionName is currently provisioned.
func (f *Fake) Exists(functionName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.functions[functionName]
	return ok
}

// Calls returns the recorded operations as "op:function".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times op was called.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+":") {
			n++
		}
	}
	return n
}

func (f *Fake) record(op, name string) error {
	f.calls = append(f.calls, op+":"+name)
	return f.errs[op]
}

func (f *Fake) readiness(remaining int) Status {
	if remaining == 0 {
		return StatusActive
	}
	return StatusPending
}

// Create implements Provisioner.
func (f *Fake) Create(_ context.Context, fn Function) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpCreate, fn.Name); err != nil {
		return nil, err
	}
	if _, ok := f.functions[fn.Name]; ok {
		return nil, NewError(KindResourceAlreadyExists, fmt.Sprintf("Function already exist: %s", fn.Name), nil)
	}

	ff := &fakeFunction{
		fn:        fn,
		remaining: f.PendingChecks,
		url:       fmt.Sprintf("%s/%s/", f.BaseURL, fn.Name),
	}
	f.functions[fn.Name] = ff

	return &Result{Status: f.readiness(ff.remaining), InvokeURL: ff.url}, nil
}

// Update implements Provisioner.
func (f *Fake) Update(_ context.Context, fn Function) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpUpdate, fn.Name); err != nil {
		return nil, err
	}
	ff, ok := f.functions[fn.Name]
	if !ok {
		return nil, NewError(KindResourceNotFound, fmt.Sprintf("Function not found: %s", fn.Name), nil)
	}

	ff.fn.Artifact = fn.Artifact
	ff.remaining = f.PendingChecks
	return &Result{Status: f.readiness(ff.remaining)}, nil
}

// Delete implements Provisioner.
func (f *Fake) Delete(_ context.Context, functionName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpDelete, functionName); err != nil {
		return err
	}
	if _, ok := f.functions[functionName]; !ok {
		return NewError(KindResourceNotFound, fmt.Sprintf("Function not found: %s", functionName), nil)
	}
	delete(f.functions, functionName)
	return nil
}

// GetStatus implements Provisioner. Each call counts down the function's
// remaining pending checks.
func (f *Fake) GetStatus(_ context.Context, functionName string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpGetStatus, functionName); err != nil {
		return nil, err
	}
	if r, ok := f.status[functionName]; ok {
		copied := *r
		return &copied, nil
	}
	ff, ok := f.functions[functionName]
	if !ok {
		return nil, NewError(KindResourceNotFound, fmt.Sprintf("Function not found: %s", functionName), nil)
	}
	if ff.remaining > 0 {
		ff.remaining--
		return &Result{Status: StatusPending}, nil
	}
	return &Result{Status: f.readiness(ff.remaining)}, nil
}

// Invoke implements Provisioner by echoing the payload.
func (f *Fake) Invoke(_ context.Context, functionName string, payload []byte) (*InvokeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpInvoke, functionName); err != nil {
		return nil, err
	}
	if _, ok := f.functions[functionName]; !ok {
		return nil, NewError(KindResourceNotFound, fmt.Sprintf("Function not found: %s", functionName), nil)
	}
	return &InvokeResult{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       append([]byte(nil), payload...),
	}, nil
}
