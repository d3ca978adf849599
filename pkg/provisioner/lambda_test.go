package provisioner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/fnplane/fnplane/pkg/engine"
)

// fakeLambdaAPI records inputs and returns canned outputs.
type fakeLambdaAPI struct {
	mu sync.Mutex

	createOut  *lambda.CreateFunctionOutput
	createErr  error
	permErr    error
	urlErr     error
	updateOut  *lambda.UpdateFunctionCodeOutput
	updateErr  error
	deleteErr  error
	configOut  *lambda.GetFunctionConfigurationOutput
	configErr  error
	invokeOut  *lambda.InvokeOutput
	invokeErr  error
	getOut     *lambda.GetFunctionOutput
	getErr     error
	createIn   *lambda.CreateFunctionInput
	permIn     *lambda.AddPermissionInput
	updateIn   *lambda.UpdateFunctionCodeInput
	urlCreated bool
	// functions and urls hold what exists on the provider side.
	functions map[string]string
	urls      map[string]string
}

func (f *fakeLambdaAPI) CreateFunction(_ context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createIn = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	name := aws.ToString(in.FunctionName)
	if _, ok := f.functions[name]; ok {
		return nil, &types.ResourceConflictException{Message: aws.String("Function already exist: " + name)}
	}
	if f.functions == nil {
		f.functions = map[string]string{}
	}
	f.functions[name] = in.Tags["_custom_id_"]
	return f.createOut, nil
}

func (f *fakeLambdaAPI) GetFunction(_ context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getOut != nil {
		return f.getOut, nil
	}
	app, ok := f.functions[aws.ToString(in.FunctionName)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Function not found")}
	}
	return &lambda.GetFunctionOutput{Tags: map[string]string{"_custom_id_": app}}, nil
}

func (f *fakeLambdaAPI) GetFunctionUrlConfig(_ context.Context, in *lambda.GetFunctionUrlConfigInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionUrlConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url, ok := f.urls[aws.ToString(in.FunctionName)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("The resource you requested does not exist.")}
	}
	return &lambda.GetFunctionUrlConfigOutput{FunctionUrl: aws.String(url), AuthType: types.FunctionUrlAuthTypeNone}, nil
}

func (f *fakeLambdaAPI) CreateFunctionUrlConfig(_ context.Context, in *lambda.CreateFunctionUrlConfigInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionUrlConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.urlErr != nil {
		return nil, f.urlErr
	}
	name := aws.ToString(in.FunctionName)
	if _, ok := f.urls[name]; ok {
		return nil, &types.ResourceConflictException{Message: aws.String("Failed to create function url config for [functionArn = " + name + "]. Error message:  FunctionUrlConfig exists for this Lambda function")}
	}
	if f.urls == nil {
		f.urls = map[string]string{}
	}
	f.urlCreated = true
	f.urls[name] = "https://" + name + ".lambda-url.eu-west-1.on.aws/"
	return &lambda.CreateFunctionUrlConfigOutput{
		FunctionUrl: aws.String(f.urls[name]),
		AuthType:    in.AuthType,
	}, nil
}

func (f *fakeLambdaAPI) AddPermission(_ context.Context, in *lambda.AddPermissionInput, _ ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permIn = in
	if f.permErr != nil {
		return nil, f.permErr
	}
	return &lambda.AddPermissionOutput{}, nil
}

func (f *fakeLambdaAPI) UpdateFunctionCode(_ context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateIn = in
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.updateOut, nil
}

func (f *fakeLambdaAPI) DeleteFunction(_ context.Context, _ *lambda.DeleteFunctionInput, _ ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &lambda.DeleteFunctionOutput{}, nil
}

func (f *fakeLambdaAPI) GetFunctionConfiguration(_ context.Context, _ *lambda.GetFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
	if f.configErr != nil {
		return nil, f.configErr
	}
	return f.configOut, nil
}

func (f *fakeLambdaAPI) Invoke(_ context.Context, _ *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return f.invokeOut, nil
}

func testFunction() Function {
	return Function{
		Name:        "foo-1234",
		Application: "foo",
		Artifact:    engine.ArtifactLocation{Bucket: "b", Key: "k.zip"},
	}
}

func TestLambdaCreate(t *testing.T) {
	api := &fakeLambdaAPI{
		createOut: &lambda.CreateFunctionOutput{State: types.StatePending},
	}
	client := newLambdaClient(api, "arn:aws:iam::123:role/lambda", zerolog.Nop())

	res, err := client.Create(context.Background(), testFunction())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", res.Status)
	}
	if res.InvokeURL != "https://foo-1234.lambda-url.eu-west-1.on.aws/" {
		t.Errorf("unexpected invoke url %q", res.InvokeURL)
	}

	in := api.createIn
	if in.Runtime != types.RuntimeNodejs18x || aws.ToString(in.Handler) != "index.handler" {
		t.Errorf("unexpected runtime/handler %s/%s", in.Runtime, aws.ToString(in.Handler))
	}
	if in.Tags["_custom_id_"] != "foo" {
		t.Errorf("expected application tag, got %v", in.Tags)
	}
	if aws.ToString(in.Code.S3Bucket) != "b" || aws.ToString(in.Code.S3Key) != "k.zip" {
		t.Errorf("unexpected code location %+v", in.Code)
	}
	if aws.ToString(api.permIn.Action) != "lambda:InvokeFunctionUrl" || api.permIn.FunctionUrlAuthType != types.FunctionUrlAuthTypeNone {
		t.Errorf("unexpected permission %+v", api.permIn)
	}
}

func TestLambdaCreateToleratesExistingPermission(t *testing.T) {
	api := &fakeLambdaAPI{
		createOut: &lambda.CreateFunctionOutput{State: types.StateActive},
		permErr:   &types.ResourceConflictException{Message: aws.String("statement exists")},
	}
	client := newLambdaClient(api, "role", zerolog.Nop())

	res, err := client.Create(context.Background(), testFunction())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.Status != StatusActive || !api.urlCreated {
		t.Errorf("expected ACTIVE with url, got %+v", res)
	}
}

func TestLambdaCreateConflict(t *testing.T) {
	api := &fakeLambdaAPI{
		createErr: &smithy.OperationError{
			ServiceID:     "Lambda",
			OperationName: "CreateFunction",
			Err:           &types.ResourceConflictException{Message: aws.String("Function already exist: foo-1234")},
		},
		getOut: &lambda.GetFunctionOutput{Tags: map[string]string{"_custom_id_": "someone-else"}},
	}
	client := newLambdaClient(api, "role", zerolog.Nop())

	_, err := client.Create(context.Background(), testFunction())
	if !errors.Is(err, ErrResourceAlreadyExists) {
		t.Fatalf("expected ResourceAlreadyExists, got %v", err)
	}
	if api.urlCreated {
		t.Error("url config must not be created for a function owned by another application")
	}
	if api.updateIn != nil {
		t.Error("code of a foreign function must not be replaced")
	}
}

func TestLambdaCreateRecoversFromFailedURLConfig(t *testing.T) {
	api := &fakeLambdaAPI{
		createOut: &lambda.CreateFunctionOutput{State: types.StatePending},
		updateOut: &lambda.UpdateFunctionCodeOutput{State: types.StateActive, LastUpdateStatus: types.LastUpdateStatusSuccessful},
		urlErr:    &types.ServiceException{Message: aws.String("internal failure")},
	}
	client := newLambdaClient(api, "role", zerolog.Nop())
	fn := testFunction()

	if _, err := client.Create(context.Background(), fn); KindOf(err) != KindServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable from url config, got %v", err)
	}

	api.mu.Lock()
	api.urlErr = nil
	api.mu.Unlock()

	res, err := client.Create(context.Background(), fn)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if res.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE", res.Status)
	}
	if res.InvokeURL != "https://foo-1234.lambda-url.eu-west-1.on.aws/" {
		t.Errorf("unexpected invoke url %q", res.InvokeURL)
	}
	if api.updateIn == nil || aws.ToString(api.updateIn.S3Key) != "k.zip" {
		t.Errorf("expected adopted function code to be replaced, got %+v", api.updateIn)
	}
}

func TestLambdaCreateReadsExistingURL(t *testing.T) {
	api := &fakeLambdaAPI{
		updateOut: &lambda.UpdateFunctionCodeOutput{State: types.StateActive},
		functions: map[string]string{"foo-1234": "foo"},
		urls:      map[string]string{"foo-1234": "https://existing.lambda-url.eu-west-1.on.aws/"},
	}
	client := newLambdaClient(api, "role", zerolog.Nop())

	res, err := client.Create(context.Background(), testFunction())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.InvokeURL != "https://existing.lambda-url.eu-west-1.on.aws/" {
		t.Errorf("unexpected invoke url %q", res.InvokeURL)
	}
}

func TestLambdaUpdatePublishes(t *testing.T) {
	api := &fakeLambdaAPI{
		updateOut: &lambda.UpdateFunctionCodeOutput{
			State:            types.StateActive,
			LastUpdateStatus: types.LastUpdateStatusInProgress,
		},
	}
	client := newLambdaClient(api, "role", zerolog.Nop())

	res, err := client.Update(context.Background(), testFunction())
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", res.Status)
	}
	if !api.updateIn.Publish {
		t.Error("expected Publish=true")
	}
}

func TestLambdaErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"not found", &types.ResourceNotFoundException{Message: aws.String("no such function")}, KindResourceNotFound},
		{"conflict", &types.ResourceConflictException{Message: aws.String("in progress")}, KindResourceAlreadyExists},
		{"throttled", &types.TooManyRequestsException{Message: aws.String("rate")}, KindQuotaExceeded},
		{"code storage", &types.CodeStorageExceededException{Message: aws.String("full")}, KindQuotaExceeded},
		{"service", &types.ServiceException{Message: aws.String("boom")}, KindServiceUnavailable},
		{"generic api", &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}, KindUnknown},
		{"transport", errors.New("dial tcp: timeout"), KindUnknown},
	}

	client := newLambdaClient(&fakeLambdaAPI{}, "role", zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.classify("test", tt.err)
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf = %s, want %s", got, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Error("classified error must wrap the SDK error")
			}
		})
	}
}

func TestLambdaDeleteNotFound(t *testing.T) {
	api := &fakeLambdaAPI{deleteErr: &types.ResourceNotFoundException{Message: aws.String("Function not found")}}
	client := newLambdaClient(api, "role", zerolog.Nop())

	err := client.Delete(context.Background(), "foo-1234")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err.Error() != "The resource specified in the request does not exist: Function not found" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestMapLambdaState(t *testing.T) {
	tests := []struct {
		name       string
		state      types.State
		update     types.LastUpdateStatus
		wantStatus Status
		wantReason string
	}{
		{"pending", types.StatePending, "", StatusPending, ""},
		{"active", types.StateActive, types.LastUpdateStatusSuccessful, StatusActive, ""},
		{"active no update", types.StateActive, "", StatusActive, ""},
		{"update in progress", types.StateActive, types.LastUpdateStatusInProgress, StatusPending, ""},
		{"update failed", types.StateActive, types.LastUpdateStatusFailed, StatusFailed, "update reason"},
		{"failed", types.StateFailed, "", StatusFailed, "state reason"},
		{"inactive", types.StateInactive, "", StatusFailed, "state reason"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mapLambdaState(tt.state, tt.update, "state reason", "update reason")
			if res.Status != tt.wantStatus || res.Reason != tt.wantReason {
				t.Errorf("got %+v, want %s/%q", res, tt.wantStatus, tt.wantReason)
			}
		})
	}
}

func TestDecodeInvokePayload(t *testing.T) {
	res := decodeInvokePayload(200, []byte(`{"statusCode":201,"headers":{"X-Test":"1"},"body":"created"}`))
	if res.StatusCode != 201 || res.Headers["X-Test"] != "1" || string(res.Body) != "created" {
		t.Errorf("unexpected decoded result %+v", res)
	}

	raw := decodeInvokePayload(200, []byte(`"plain"`))
	if raw.StatusCode != 200 || string(raw.Body) != `"plain"` {
		t.Errorf("unexpected raw result %+v", raw)
	}
}

func TestNewLambdaClientRequiresRole(t *testing.T) {
	if _, err := NewLambdaClient(context.Background(), LambdaConfig{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without role arn")
	}
}
