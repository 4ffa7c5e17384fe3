// Command b2pipe streams its standard input (or another source) to a Backblaze B2 bucket.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/bitrise-io/b2pipe/b2"
	"github.com/bitrise-io/b2pipe/s3compat"
	"github.com/bitrise-io/b2pipe/source"
	"github.com/bitrise-io/b2pipe/stepconf"
	"github.com/bitrise-io/b2pipe/upload"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config := defaultConfig()
	if err := stepconf.NewInputParser(env.NewRepository()).Parse(&config); err != nil {
		log.NewLogger().Errorf("Invalid configuration: %s", err)
		os.Exit(1)
	}

	logger := newLogger(config)
	if err := run(ctx, config, source.NewOpener(logger), logger); err != nil {
		logger.Errorf("Upload failed: %s", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, config Config, opener *source.Opener, logger log.Logger) error {
	stepconf.Print(config, logger)
	logger.Println()

	uploadConfig, err := config.uploadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if minSize := config.minPartSize(); uploadConfig.ChunkSize < minSize {
		logger.Warnf("Chunk size %s is below the backend minimum, using %s",
			units.HumanSize(float64(uploadConfig.ChunkSize)), units.HumanSize(float64(minSize)))
		uploadConfig.ChunkSize = minSize
	}

	backend, err := newBackend(ctx, config, logger)
	if err != nil {
		return err
	}

	uploader, err := upload.New(uploadConfig, backend, config.target(), logger)
	if err != nil {
		return err
	}

	input, err := opener.Open(ctx, config.Source)
	if err != nil {
		return err
	}
	defer closeQuietly(input, logger)

	var r io.Reader = input
	if config.Compress > 0 {
		compressed, err := source.Compress(input, config.Compress)
		if err != nil {
			return err
		}
		defer closeQuietly(compressed, logger)
		r = compressed
	}

	result, err := uploader.Upload(ctx, r)
	if err != nil {
		return err
	}

	logger.Donef("Uploaded %s as %s (%s, %d parts, %s)", config.Path, result.ContentType, result.Mode, result.Parts, upload.Summary(result.Bytes, result.Duration))
	if result.FileID != "" {
		logger.Printf("File ID: %s", result.FileID)
	}
	return nil
}

func newBackend(ctx context.Context, config Config, logger log.Logger) (upload.Backend, error) {
	switch config.Backend {
	case backendS3:
		backend, err := s3compat.New(ctx, s3compat.Params{
			Endpoint:        config.S3Endpoint,
			Region:          config.S3Region,
			Bucket:          config.Bucket,
			AccessKeyID:     config.Account,
			SecretAccessKey: string(config.Key),
			HTTPClient:      b2.NewHTTPClient(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		return backend, nil
	default:
		return b2.NewBackend(b2.Params{
			Credentials: b2.Credentials{
				AccountID:      config.Account,
				ApplicationKey: string(config.Key),
			},
			AuthorizeURL: config.AuthorizeURL,
		}, logger), nil
	}
}

func closeQuietly(c io.Closer, logger log.Logger) {
	if err := c.Close(); err != nil {
		logger.Debugf("close input: %s", err)
	}
}
