package config

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/baldanca/backups3/fault"
)

const (
	RoleSessionName     = "BackupProcessingSession"
	RoleSessionDuration = time.Hour
)

// LoadAWS resolves the shared AWS configuration. When AssumeRoleARN is set every
// client built from the result signs with the assumed role's temporary credentials,
// refreshed before they expire.
func LoadAWS(ctx context.Context, c Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fault.New(fault.Configuration, "load aws config", err)
	}

	if c.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
			if c.EndpointURL != "" {
				o.BaseEndpoint = aws.String(c.EndpointURL)
			}
		})
		provider := stscreds.NewAssumeRoleProvider(stsClient, c.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = RoleSessionName
			o.Duration = RoleSessionDuration
		})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return awsCfg, nil
}

func NewSQSClient(awsCfg aws.Config, c Config) *sqs.Client {
	var opts []func(*sqs.Options)
	if c.EndpointURL != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(c.EndpointURL)
		})
	}
	return sqs.NewFromConfig(awsCfg, opts...)
}

func NewS3Client(awsCfg aws.Config, c Config) *s3.Client {
	var opts []func(*s3.Options)
	if c.EndpointURL != "" {
		// For MinIO/LocalStack
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(c.EndpointURL)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, opts...)
}
