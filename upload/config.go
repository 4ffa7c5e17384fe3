package upload

import (
	"fmt"
	"time"
)

// Config holds configuration for the streaming uploader.
type Config struct {
	// Concurrency is the maximum number of parts uploaded at the same time.
	// It also bounds the pending queue through backpressure.
	// Default: 20
	Concurrency int

	// ChunkSize is the part size in bytes. The input switches to multipart
	// mode once more than ChunkSize bytes are buffered.
	// Default: 5,000,000
	ChunkSize int64

	// MaxAttempts is the number of attempts for every remote call.
	// Default: 30
	MaxAttempts int

	// RetryBaseDelay is multiplied by the attempt number to get the wait before the next attempt.
	// Default: 1 second
	RetryBaseDelay time.Duration

	// ReadBufferSize is the size of a single read from the input.
	// Default: 64 KiB
	ReadBufferSize int

	// CancelOnFailure cancels a started multipart session when the run fails.
	// Default: true
	CancelOnFailure bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:     20,
		ChunkSize:       5_000_000,
		MaxAttempts:     30,
		RetryBaseDelay:  time.Second,
		ReadBufferSize:  64 * 1024,
		CancelOnFailure: true,
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("retry base delay must not be negative, got %s", c.RetryBaseDelay)
	}
	if c.ReadBufferSize < 1 {
		return fmt.Errorf("read buffer size must be positive, got %d", c.ReadBufferSize)
	}
	return nil
}
