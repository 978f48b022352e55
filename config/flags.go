package config

import (
	"math"

	"github.com/urfave/cli/v2"
)

const (
	flagQueueURL          = "queue-url"
	flagMaxMessages       = "max-messages"
	flagWaitTime          = "wait-time"
	flagVisibilityTimeout = "visibility-timeout"
	flagMaxRetries        = "max-retries"
	flagBackoffBase       = "backoff-base"
	flagBackoffUnit       = "backoff-unit"
	flagMaxWorkers        = "max-workers"
	flagQueueSize         = "queue-size"
	flagDrainTimeout      = "drain-timeout"
	flagDownloadPath      = "download-path"
	flagMetadataPath      = "metadata-path"
	flagEndpointURL       = "endpoint-url"
	flagAssumeRoleARN     = "assume-role-arn"
	flagRegion            = "region"
	flagMetricsAddr       = "metrics-addr"
	flagLogLevel          = "log-level"
	flagLogFormat         = "log-format"
)

// Flags returns the command-line flags, each also readable from its environment
// variable.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagQueueURL,
			Usage:   "SQS queue URL receiving S3 event notifications",
			EnvVars: []string{"QUEUE_URL"},
		},
		&cli.IntFlag{
			Name:    flagMaxMessages,
			Usage:   "Messages requested per receive (1-10)",
			Value:   int(Default.MaxMessages),
			EnvVars: []string{"MAX_NUMBER_OF_MESSAGES"},
		},
		&cli.IntFlag{
			Name:    flagWaitTime,
			Usage:   "Long-poll wait in seconds (0-20)",
			Value:   int(Default.WaitTimeSeconds),
			EnvVars: []string{"WAIT_TIME_SECONDS"},
		},
		&cli.IntFlag{
			Name:    flagVisibilityTimeout,
			Usage:   "Visibility timeout in seconds for received messages, 0 for the queue default",
			Value:   int(Default.VisibilityTimeout),
			EnvVars: []string{"VISIBILITY_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    flagMaxRetries,
			Usage:   "Attempts per remote operation",
			Value:   Default.MaxRetries,
			EnvVars: []string{"MAX_RETRIES"},
		},
		&cli.Float64Flag{
			Name:    flagBackoffBase,
			Usage:   "Exponential backoff base",
			Value:   Default.BackoffBase,
			EnvVars: []string{"BACKOFF_BASE"},
		},
		&cli.DurationFlag{
			Name:    flagBackoffUnit,
			Usage:   "Backoff unit; the k-th retry waits unit*base^k",
			Value:   Default.BackoffUnit,
			EnvVars: []string{"BACKOFF_UNIT"},
		},
		&cli.IntFlag{
			Name:    flagMaxWorkers,
			Usage:   "Concurrent message workers",
			Value:   Default.MaxWorkers,
			EnvVars: []string{"MAX_WORKERS"},
		},
		&cli.IntFlag{
			Name:    flagQueueSize,
			Usage:   "Messages buffered for workers, 0 for max-workers",
			Value:   Default.QueueSize,
			EnvVars: []string{"QUEUE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    flagDrainTimeout,
			Usage:   "Maximum wait for in-flight messages on shutdown, 0 waits forever",
			Value:   Default.DrainTimeout,
			EnvVars: []string{"DRAIN_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    flagDownloadPath,
			Usage:   "Directory receiving downloaded objects",
			Value:   Default.DownloadPath,
			EnvVars: []string{"DOWNLOAD_PATH"},
		},
		&cli.StringFlag{
			Name:    flagMetadataPath,
			Usage:   "Directory receiving metadata sidecar files",
			Value:   Default.MetadataPath,
			EnvVars: []string{"METADATA_PATH"},
		},
		&cli.StringFlag{
			Name:    flagEndpointURL,
			Usage:   "Custom AWS endpoint (LocalStack, MinIO)",
			EnvVars: []string{"ENDPOINT_URL"},
		},
		&cli.StringFlag{
			Name:    flagAssumeRoleARN,
			Usage:   "IAM role to assume for all AWS calls",
			EnvVars: []string{"ASSUME_ROLE_ARN"},
		},
		&cli.StringFlag{
			Name:    flagRegion,
			Usage:   "AWS region, defaults to the SDK chain",
			EnvVars: []string{"AWS_REGION"},
		},
		&cli.StringFlag{
			Name:    flagMetricsAddr,
			Usage:   "Listen address of the metrics endpoint, empty to disable",
			Value:   Default.MetricsAddr,
			EnvVars: []string{"METRICS_ADDR"},
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			Usage:   "Log level (debug, info, warn, error)",
			Value:   Default.LogLevel,
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    flagLogFormat,
			Usage:   "Log format (console, json)",
			Value:   Default.LogFormat,
			EnvVars: []string{"LOG_FORMAT"},
		},
	}
}

// FromCLI reads a Config from parsed flags. The result is not validated.
func FromCLI(c *cli.Context) Config {
	return Config{
		QueueURL:          c.String(flagQueueURL),
		MaxMessages:       toInt32(c.Int(flagMaxMessages)),
		WaitTimeSeconds:   toInt32(c.Int(flagWaitTime)),
		VisibilityTimeout: toInt32(c.Int(flagVisibilityTimeout)),
		MaxRetries:        c.Int(flagMaxRetries),
		BackoffBase:       c.Float64(flagBackoffBase),
		BackoffUnit:       c.Duration(flagBackoffUnit),
		MaxWorkers:        c.Int(flagMaxWorkers),
		QueueSize:         c.Int(flagQueueSize),
		DrainTimeout:      c.Duration(flagDrainTimeout),
		DownloadPath:      c.String(flagDownloadPath),
		MetadataPath:      c.String(flagMetadataPath),
		EndpointURL:       c.String(flagEndpointURL),
		AssumeRoleARN:     c.String(flagAssumeRoleARN),
		Region:            c.String(flagRegion),
		MetricsAddr:       c.String(flagMetricsAddr),
		LogLevel:          c.String(flagLogLevel),
		LogFormat:         c.String(flagLogFormat),
	}
}

// toInt32 saturates instead of wrapping so out-of-range input still fails Validate.
func toInt32(v int) int32 {
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
