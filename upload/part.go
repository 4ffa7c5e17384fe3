package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/b2pipe/chunk"
	"github.com/bitrise-io/b2pipe/retry"
)

type partUploader struct {
	backend Backend
	retrier *retry.Engine
	session *Session
	results *completion
	stats   *Stats
	logger  log.Logger
}

// upload hashes, transmits and records one chunk. Every attempt starts over from hashing.
func (p *partUploader) upload(ctx context.Context, account Account, fileID string, c chunk.Chunk) error {
	body := c.Bytes()

	p.stats.started()
	defer p.stats.stopped()

	var result PartResult
	err := p.retrier.Do(ctx, fmt.Sprintf("upload part %d", c.Index), func(ctx context.Context, attempt int) error {
		hash := sha1Hex(body)
		start := time.Now()

		p.logger.Debugf("Uploading part %d (%d bytes, attempt %d/%d)", c.Index, len(body), attempt, p.retrier.MaxAttempts())
		etag, err := p.backend.UploadPart(ctx, account, fileID, Part{
			Index: c.Index,
			Body:  body,
			SHA1:  hash,
		})
		if err != nil {
			return err
		}

		took := time.Since(start)
		p.stats.Update(took, c.Size)
		p.logger.Debugf("Part %d uploaded in %s, sha1: %s", c.Index, took.Round(time.Millisecond), hash)

		result = PartResult{
			Index: c.Index,
			SHA1:  hash,
			Size:  c.Size,
			ETag:  etag,
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.results.add(result)
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
