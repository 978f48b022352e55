// Package config holds the process configuration, its command-line and environment
// binding, and the AWS client setup derived from it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/baldanca/backups3/fault"
	"github.com/baldanca/backups3/ingestor"
	"github.com/baldanca/backups3/source"
)

// Config is built once at startup and never mutated afterwards.
type Config struct {
	QueueURL          string
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32 // seconds, 0 keeps the queue default

	MaxRetries  int
	BackoffBase float64
	BackoffUnit time.Duration

	MaxWorkers   int
	QueueSize    int // 0 means MaxWorkers
	DrainTimeout time.Duration

	DownloadPath string
	MetadataPath string

	EndpointURL   string
	AssumeRoleARN string
	Region        string // empty uses the SDK default chain

	MetricsAddr string // empty disables the metrics server
	LogLevel    string
	LogFormat   string
}

var Default = Config{
	MaxMessages:     10,
	WaitTimeSeconds: 20,
	MaxRetries:      3,
	BackoffBase:     2,
	BackoffUnit:     time.Second,
	MaxWorkers:      5,
	DownloadPath:    "/download",
	MetadataPath:    "/metadata",
	MetricsAddr:     ":8000",
	LogLevel:        "info",
	LogFormat:       LogFormatConsole,
}

const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Validate reports every invalid field at once as a fault.Configuration error.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.QueueURL != "", "queue url is required")
	check(c.MaxMessages >= 1 && c.MaxMessages <= 10, "max messages must be between 1 and 10, got %d", c.MaxMessages)
	check(c.WaitTimeSeconds >= 0 && c.WaitTimeSeconds <= 20, "wait time must be between 0 and 20 seconds, got %d", c.WaitTimeSeconds)
	check(c.VisibilityTimeout >= 0 && c.VisibilityTimeout <= 43200, "visibility timeout must be between 0 and 43200 seconds, got %d", c.VisibilityTimeout)
	check(c.MaxRetries >= 1, "max retries must be >= 1, got %d", c.MaxRetries)
	check(c.BackoffBase >= 1, "backoff base must be >= 1, got %g", c.BackoffBase)
	check(c.BackoffUnit > 0, "backoff unit must be positive, got %s", c.BackoffUnit)
	check(c.MaxWorkers >= 1, "max workers must be >= 1, got %d", c.MaxWorkers)
	check(c.QueueSize >= 0, "queue size must be >= 0, got %d", c.QueueSize)
	check(c.DrainTimeout >= 0, "drain timeout must be >= 0, got %s", c.DrainTimeout)
	check(c.DownloadPath != "", "download path is required")
	check(c.MetadataPath != "", "metadata path is required")

	if c.EndpointURL != "" {
		u, err := url.Parse(c.EndpointURL)
		check(err == nil && u.Scheme != "" && u.Host != "", "endpoint url %q must be an absolute URL", c.EndpointURL)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil || c.LogLevel == "" {
		errs = append(errs, fmt.Errorf("log level %q is not valid", c.LogLevel))
	}
	check(c.LogFormat == LogFormatConsole || c.LogFormat == LogFormatJSON,
		"log format must be %q or %q, got %q", LogFormatConsole, LogFormatJSON, c.LogFormat)

	if len(errs) == 0 {
		return nil
	}
	return fault.New(fault.Configuration, "validate config", errors.Join(errs...))
}

func (c Config) SQS() source.SourceSQSConfig {
	return source.SourceSQSConfig{
		WaitTimeSeconds: c.WaitTimeSeconds,
		MaxMessages:     c.MaxMessages,
		VisibilityTO:    c.VisibilityTimeout,
	}
}

func (c Config) Retry() ingestor.ExponentialRetry {
	return ingestor.ExponentialRetry{
		MaxRetries: c.MaxRetries,
		Base:       c.BackoffBase,
		Unit:       c.BackoffUnit,
	}
}

func (c Config) Ingestor() ingestor.Config {
	cfg := ingestor.DefaultConfig
	cfg.Workers = c.MaxWorkers
	cfg.QueueSize = c.QueueSize
	cfg.DrainTimeout = c.DrainTimeout
	return cfg
}
