// Package upload streams an input of unknown size to object storage. Small
// inputs go up in a single request; larger ones are cut into parts that are
// uploaded concurrently and finalized in index order.
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/b2pipe/chunk"
)

// ContentTypeAuto makes the uploader detect the content type from the first bytes of the input.
const ContentTypeAuto = "auto"

// Account is the result of authorization. It is written once, before any upload call reads it.
type Account struct {
	APIURL             string
	AuthorizationToken string
}

// Target identifies the remote object.
type Target struct {
	Path        string
	Bucket      string
	ContentType string
}

// Validate ...
func (t Target) Validate() error {
	if t.Path == "" {
		return fmt.Errorf("target path must not be empty")
	}
	if t.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	return nil
}

// Part is a single transmission: the body of one chunk (or of the simple payload) and its SHA-1.
type Part struct {
	Index int
	Body  []byte
	SHA1  string
}

// PartResult is recorded once per successfully uploaded chunk.
type PartResult struct {
	Index int
	SHA1  string
	Size  int64
	// ETag is set by backends that identify parts by ETag.
	ETag string
}

// Backend performs the remote calls of an upload.
// Every method is a single attempt; retries are done by the caller.
type Backend interface {
	// Authorize returns the account used by every later call.
	Authorize(ctx context.Context) (Account, error)

	// StartMultipart opens a multipart session and returns the remote file ID.
	StartMultipart(ctx context.Context, account Account, target Target) (string, error)

	// UploadPart acquires a fresh upload URL for the part and transmits it.
	// It returns the part's ETag, or an empty string when the backend does not use one.
	UploadPart(ctx context.Context, account Account, fileID string, part Part) (string, error)

	// FinishMultipart completes the session. parts is ordered by index.
	FinishMultipart(ctx context.Context, account Account, fileID string, target Target, parts []PartResult) error

	// CancelMultipart drops a started session.
	CancelMultipart(ctx context.Context, account Account, fileID string, target Target) error

	// UploadSimple stores part.Body as the whole object in one request.
	UploadSimple(ctx context.Context, account Account, target Target, part Part) error
}

// Result describes a finished run.
type Result struct {
	Mode        chunk.Mode
	FileID      string
	ContentType string
	Parts       int
	Bytes       int64
	Duration    time.Duration
}
