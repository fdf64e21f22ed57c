// Package awsclient loads AWS configuration and maps service errors onto the
// pipeline's error kinds.
package awsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
)

// Config holds AWS connection settings
type Config struct {
	Region       string
	Profile      string
	Endpoint     string // overrides service endpoints, e.g. LocalStack
	UsePathStyle bool
}

// Clients bundles the service clients the pipeline uses
type Clients struct {
	S3      *s3.Client
	Glacier *glacier.Client
	SQS     *sqs.Client
}

// Load resolves credentials and builds the service clients
func Load(ctx context.Context, cfg Config, logger *slog.Logger) (*Clients, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var endpoint *string
	if cfg.Endpoint != "" {
		endpoint = aws.String(cfg.Endpoint)
	}

	clients := &Clients{
		S3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = endpoint
			o.UsePathStyle = cfg.UsePathStyle
		}),
		Glacier: glacier.NewFromConfig(awsCfg, func(o *glacier.Options) {
			o.BaseEndpoint = endpoint
		}),
		SQS: sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = endpoint
		}),
	}

	logger.Info("AWS clients initialized",
		slog.String("region", awsCfg.Region),
		slog.String("endpoint", cfg.Endpoint),
	)

	return clients, nil
}

func isNotFound(code string) bool {
	switch code {
	case "NoSuchKey", "NoSuchBucket", "NotFound", "ResourceNotFoundException",
		"AWS.SimpleQueueService.NonExistentQueue":
		return true
	}
	return false
}

func isThrottled(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "ThrottledException",
		"RequestThrottled", "RequestThrottledException", "TooManyRequestsException",
		"SlowDown", "RequestTimeout", "RequestTimeoutException",
		"LimitExceededException", "ServiceUnavailableException", "InternalFailure",
		"AWS.SimpleQueueService.RequestThrottled":
		return true
	}
	return false
}

// Classify wraps an AWS error of op with its domain kind. Missing objects
// become domain.ErrObjectNotFound, exhausted retrieval capacity becomes
// domain.ErrInsufficientCapacity, server faults and throttling are
// transient, other client faults are permanent.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(op, err)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Network and signing failures carry no API code.
		return domain.Transient(op, err)
	}

	code := apiErr.ErrorCode()
	switch {
	case code == "InsufficientCapacityException":
		return domain.Transient(op, fmt.Errorf("%w: %w", domain.ErrInsufficientCapacity, err))
	case isNotFound(code):
		return domain.Permanent(op, fmt.Errorf("%w: %w", domain.ErrObjectNotFound, err))
	case isThrottled(code):
		return domain.Transient(op, err)
	case apiErr.ErrorFault() == smithy.FaultClient:
		return domain.Permanent(op, err)
	default:
		return domain.Transient(op, err)
	}
}
