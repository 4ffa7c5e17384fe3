package source

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ContentTypeZstd is the content type of compressed uploads.
const ContentTypeZstd = "application/zstd"

// Compress returns a zstd stream of r. level follows the zstd command line levels (1-22).
// The returned reader fails with the error of r or of the encoder. Closing it stops the encoder.
func Compress(r io.Reader, level int) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	encoder, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	go func() {
		if _, err := io.Copy(encoder, r); err != nil {
			encoder.Close() //nolint:errcheck
			pw.CloseWithError(fmt.Errorf("compress input: %w", err))
			return
		}
		if err := encoder.Close(); err != nil {
			pw.CloseWithError(fmt.Errorf("close zstd writer: %w", err))
			return
		}
		pw.Close() //nolint:errcheck
	}()

	return pr, nil
}
