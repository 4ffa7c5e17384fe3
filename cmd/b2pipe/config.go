package main

import (
	"fmt"
	"time"

	"github.com/docker/go-units"

	"github.com/bitrise-io/b2pipe/s3compat"
	"github.com/bitrise-io/b2pipe/source"
	"github.com/bitrise-io/b2pipe/stepconf"
	"github.com/bitrise-io/b2pipe/upload"
)

const (
	backendB2 = "b2"
	backendS3 = "s3"
)

// Config is read from B2PIPE_* environment variables.
type Config struct {
	Account     string          `env:"B2PIPE_ACCOUNT,required"`
	Key         stepconf.Secret `env:"B2PIPE_KEY,required"`
	Bucket      string          `env:"B2PIPE_BUCKET,required"`
	Path        string          `env:"B2PIPE_PATH,required"`
	ContentType string          `env:"B2PIPE_TYPE"`

	Concurrency int `env:"B2PIPE_CONCURRENCY,range[1..1000]"`
	// ChunkSize accepts plain byte counts and human readable sizes, like 5MB.
	ChunkSize       string `env:"B2PIPE_CHUNK"`
	Attempts        int    `env:"B2PIPE_ATTEMPTS,range[1..1000]"`
	CancelOnFailure bool   `env:"B2PIPE_CANCEL_ON_FAILURE"`

	Silent  bool `env:"B2PIPE_SILENT"`
	Verbose bool `env:"B2PIPE_VERBOSE"`

	Source   string `env:"B2PIPE_SOURCE"`
	Compress int    `env:"B2PIPE_COMPRESS,range[0..22]"`

	Backend      string `env:"B2PIPE_BACKEND,opt[b2,s3]"`
	AuthorizeURL string `env:"B2PIPE_AUTHORIZE_URL"`
	S3Endpoint   string `env:"B2PIPE_S3_ENDPOINT"`
	S3Region     string `env:"B2PIPE_S3_REGION"`
}

func defaultConfig() Config {
	defaults := upload.DefaultConfig()
	return Config{
		ContentType:     upload.ContentTypeAuto,
		Concurrency:     defaults.Concurrency,
		ChunkSize:       fmt.Sprintf("%d", defaults.ChunkSize),
		Attempts:        defaults.MaxAttempts,
		CancelOnFailure: defaults.CancelOnFailure,
		Source:          source.Stdin,
		Backend:         backendB2,
	}
}

func (c Config) uploadConfig() (upload.Config, error) {
	chunkSize, err := units.FromHumanSize(c.ChunkSize)
	if err != nil {
		return upload.Config{}, fmt.Errorf("invalid chunk size %q: %w", c.ChunkSize, err)
	}

	config := upload.DefaultConfig()
	config.Concurrency = c.Concurrency
	config.ChunkSize = chunkSize
	config.MaxAttempts = c.Attempts
	config.RetryBaseDelay = time.Second
	config.CancelOnFailure = c.CancelOnFailure
	return config, config.Validate()
}

func (c Config) target() upload.Target {
	target := upload.Target{
		Path:        c.Path,
		Bucket:      c.Bucket,
		ContentType: c.ContentType,
	}
	if c.Compress > 0 && (target.ContentType == upload.ContentTypeAuto || target.ContentType == "") {
		target.ContentType = source.ContentTypeZstd
	}
	return target
}

// minPartSize is the smallest chunk size the selected backend accepts.
func (c Config) minPartSize() int64 {
	if c.Backend == backendS3 {
		return s3compat.MinPartSize
	}
	return 0
}
