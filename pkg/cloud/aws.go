// Package cloud loads shared AWS SDK configuration for the Lambda
// provisioner and the S3 artifact store.
package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// AWSConfig holds the settings needed to build an aws.Config.
type AWSConfig struct {
	Region string
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Timeout bounds each HTTP call to AWS. Zero keeps the SDK default.
	Timeout time.Duration
}

// LoadAWS resolves credentials and region. Static credentials are used when
// both key fields are set; otherwise the default provider chain applies.
func LoadAWS(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	if cfg.Timeout > 0 {
		opts = append(opts, awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(cfg.Timeout)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return awsCfg, nil
}

// EndpointOption returns the BaseEndpoint override, or nil when unset.
func (c AWSConfig) EndpointOption() *string {
	if c.Endpoint == "" {
		return nil
	}
	return aws.String(c.Endpoint)
}
