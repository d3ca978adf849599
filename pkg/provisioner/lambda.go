package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/fnplane/fnplane/pkg/cloud"
)

const (
	lambdaRuntime          = types.RuntimeNodejs18x
	lambdaHandler          = "index.handler"
	applicationTag         = "_custom_id_"
	publicURLStatementID   = "FunctionURLAllowPublicAccess"
	invokeFunctionURLGrant = "lambda:InvokeFunctionUrl"
)

// lambdaAPI is the subset of *lambda.Client used by LambdaClient.
type lambdaAPI interface {
	CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	CreateFunctionUrlConfig(ctx context.Context, in *lambda.CreateFunctionUrlConfigInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionUrlConfigOutput, error)
	GetFunctionUrlConfig(ctx context.Context, in *lambda.GetFunctionUrlConfigInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionUrlConfigOutput, error)
	GetFunction(ctx context.Context, in *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	AddPermission(ctx context.Context, in *lambda.AddPermissionInput, optFns ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error)
	UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	DeleteFunction(ctx context.Context, in *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
	GetFunctionConfiguration(ctx context.Context, in *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaConfig configures the AWS Lambda provisioner.
type LambdaConfig struct {
	AWS     cloud.AWSConfig
	RoleARN string
}

// LambdaClient provisions functions on AWS Lambda with a public function URL.
type LambdaClient struct {
	api     lambdaAPI
	roleARN string
	logger  zerolog.Logger
}

// NewLambdaClient builds a client from AWS configuration.
func NewLambdaClient(ctx context.Context, cfg LambdaConfig, logger zerolog.Logger) (*LambdaClient, error) {
	if cfg.RoleARN == "" {
		return nil, fmt.Errorf("lambda role arn is required")
	}

	awsCfg, err := cloud.LoadAWS(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	api := lambda.NewFromConfig(awsCfg, func(o *lambda.Options) {
		if ep := cfg.AWS.EndpointOption(); ep != nil {
			o.BaseEndpoint = ep
		}
	})

	return newLambdaClient(api, cfg.RoleARN, logger), nil
}

func newLambdaClient(api lambdaAPI, roleARN string, logger zerolog.Logger) *LambdaClient {
	return &LambdaClient{
		api:     api,
		roleARN: roleARN,
		logger:  logger.With().Str("component", "provisioner").Str("provisioner", "lambda").Logger(),
	}
}

// Name implements Provisioner.
func (c *LambdaClient) Name() string {
	return "lambda"
}

// Create creates the function from its S3 artifact and exposes it through a
// public function URL.
//
// A function left behind by an earlier create that failed after
// CreateFunction is adopted when its application tag matches: its code is
// replaced and the missing URL steps are completed. A function owned by
// another application is reported as ResourceAlreadyExists.
func (c *LambdaClient) Create(ctx context.Context, fn Function) (*Result, error) {
	result, err := c.createFunction(ctx, fn)
	if KindOf(err) == KindResourceAlreadyExists {
		result, err = c.adopt(ctx, fn, err)
	}
	if err != nil {
		return nil, err
	}

	if err := c.allowPublicURL(ctx, fn.Name); err != nil {
		return nil, err
	}

	url, err := c.functionURL(ctx, fn.Name)
	if err != nil {
		return nil, err
	}
	result.InvokeURL = url

	c.logger.Info().
		Str("function_name", fn.Name).
		Str("status", string(result.Status)).
		Msg("lambda function created")
	return result, nil
}

func (c *LambdaClient) createFunction(ctx context.Context, fn Function) (*Result, error) {
	out, err := c.api.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(fn.Name),
		Runtime:      lambdaRuntime,
		Role:         aws.String(c.roleARN),
		Handler:      aws.String(lambdaHandler),
		Tags:         map[string]string{applicationTag: fn.Application},
		Code: &types.FunctionCode{
			S3Bucket: aws.String(fn.Artifact.Bucket),
			S3Key:    aws.String(fn.Artifact.Key),
		},
	})
	if err != nil {
		return nil, c.classify("create", err)
	}
	return mapLambdaState(out.State, out.LastUpdateStatus, aws.ToString(out.StateReason), aws.ToString(out.LastUpdateStatusReason)), nil
}

// adopt takes over an existing function of the same application. conflict
// is returned unchanged when the function belongs to someone else.
func (c *LambdaClient) adopt(ctx context.Context, fn Function, conflict error) (*Result, error) {
	out, err := c.api.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(fn.Name)})
	if err != nil {
		return nil, c.classify("get function", err)
	}
	if out.Tags[applicationTag] != fn.Application {
		return nil, conflict
	}

	c.logger.Warn().Str("function_name", fn.Name).Msg("adopting function left by an incomplete create")
	return c.Update(ctx, fn)
}

func (c *LambdaClient) allowPublicURL(ctx context.Context, functionName string) error {
	_, err := c.api.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName:        aws.String(functionName),
		StatementId:         aws.String(publicURLStatementID),
		Action:              aws.String(invokeFunctionURLGrant),
		Principal:           aws.String("*"),
		FunctionUrlAuthType: types.FunctionUrlAuthTypeNone,
	})
	if err == nil {
		return nil
	}
	// The statement survives a delete/recreate of the same name.
	if perr := c.classify("add permission", err); KindOf(perr) != KindResourceAlreadyExists {
		return perr
	}
	return nil
}

// functionURL creates the function URL config, or reads it back when it
// already exists.
func (c *LambdaClient) functionURL(ctx context.Context, functionName string) (string, error) {
	out, err := c.api.CreateFunctionUrlConfig(ctx, &lambda.CreateFunctionUrlConfigInput{
		FunctionName: aws.String(functionName),
		AuthType:     types.FunctionUrlAuthTypeNone,
	})
	if err == nil {
		return aws.ToString(out.FunctionUrl), nil
	}
	if perr := c.classify("create function url", err); KindOf(perr) != KindResourceAlreadyExists {
		return "", perr
	}

	got, err := c.api.GetFunctionUrlConfig(ctx, &lambda.GetFunctionUrlConfigInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		return "", c.classify("get function url", err)
	}
	return aws.ToString(got.FunctionUrl), nil
}

// Update publishes new code from the S3 artifact.
func (c *LambdaClient) Update(ctx context.Context, fn Function) (*Result, error) {
	out, err := c.api.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(fn.Name),
		S3Bucket:     aws.String(fn.Artifact.Bucket),
		S3Key:        aws.String(fn.Artifact.Key),
		Publish:      true,
	})
	if err != nil {
		return nil, c.classify("update", err)
	}

	return mapLambdaState(out.State, out.LastUpdateStatus, aws.ToString(out.StateReason), aws.ToString(out.LastUpdateStatusReason)), nil
}

// Delete removes the function.
func (c *LambdaClient) Delete(ctx context.Context, functionName string) error {
	_, err := c.api.DeleteFunction(ctx, &lambda.DeleteFunctionInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		return c.classify("delete", err)
	}

	c.logger.Info().Str("function_name", functionName).Msg("lambda function deleted")
	return nil
}

// GetStatus reads the function configuration.
func (c *LambdaClient) GetStatus(ctx context.Context, functionName string) (*Result, error) {
	out, err := c.api.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		return nil, c.classify("get status", err)
	}

	return mapLambdaState(out.State, out.LastUpdateStatus, aws.ToString(out.StateReason), aws.ToString(out.LastUpdateStatusReason)), nil
}

// Invoke calls the function synchronously. Payloads shaped like a function
// URL response ({statusCode, headers, body}) are unpacked.
func (c *LambdaClient) Invoke(ctx context.Context, functionName string, payload []byte) (*InvokeResult, error) {
	out, err := c.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(functionName),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return nil, c.classify("invoke", err)
	}

	if out.FunctionError != nil {
		return &InvokeResult{StatusCode: 502, Body: out.Payload}, nil
	}

	return decodeInvokePayload(int(out.StatusCode), out.Payload), nil
}

type functionURLResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

func decodeInvokePayload(statusCode int, payload []byte) *InvokeResult {
	var resp functionURLResponse
	if err := json.Unmarshal(payload, &resp); err == nil && resp.StatusCode != 0 {
		return &InvokeResult{
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers,
			Body:       []byte(resp.Body),
		}
	}
	return &InvokeResult{StatusCode: statusCode, Body: payload}
}

// mapLambdaState folds the function state and the last update status into a
// Status. An update in progress keeps State=Active, so both are consulted.
func mapLambdaState(state types.State, update types.LastUpdateStatus, stateReason, updateReason string) *Result {
	switch state {
	case types.StatePending:
		return &Result{Status: StatusPending}
	case types.StateActive:
		switch update {
		case types.LastUpdateStatusInProgress:
			return &Result{Status: StatusPending}
		case types.LastUpdateStatusFailed:
			return &Result{Status: StatusFailed, Reason: updateReason}
		default:
			return &Result{Status: StatusActive}
		}
	default:
		return &Result{Status: StatusFailed, Reason: stateReason}
	}
}

// classify maps SDK errors onto the closed ErrorKind set.
func (c *LambdaClient) classify(op string, err error) error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	kind := KindUnknown
	reason := err.Error()

	var (
		notFound      *types.ResourceNotFoundException
		conflict      *types.ResourceConflictException
		tooMany       *types.TooManyRequestsException
		storage       *types.CodeStorageExceededException
		serviceFailed *types.ServiceException
		apiErr        smithy.APIError
	)
	switch {
	case errors.As(err, &notFound):
		kind, reason = KindResourceNotFound, notFound.ErrorMessage()
	case errors.As(err, &conflict):
		kind, reason = KindResourceAlreadyExists, conflict.ErrorMessage()
	case errors.As(err, &tooMany):
		kind, reason = KindQuotaExceeded, tooMany.ErrorMessage()
	case errors.As(err, &storage):
		kind, reason = KindQuotaExceeded, storage.ErrorMessage()
	case errors.As(err, &serviceFailed):
		kind, reason = KindServiceUnavailable, serviceFailed.ErrorMessage()
	case errors.As(err, &apiErr):
		reason = apiErr.ErrorMessage()
	}

	c.logger.Error().Err(err).Str("operation", op).Str("kind", string(kind)).Msg("lambda call failed")
	return NewError(kind, reason, err)
}
