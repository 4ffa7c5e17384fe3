package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"

	"github.com/bitrise-io/b2pipe/chunk"
)

// ErrIncompleteParts is returned when the recorded part results do not cover every chunk exactly once.
var ErrIncompleteParts = errors.New("part results are incomplete")

// Session is the remote state of one run.
// account and fileID are written once and published by closing a channel,
// so readers that waited on the channel need no lock.
type Session struct {
	target Target

	mu   sync.Mutex
	mode chunk.Mode

	account    Account
	authorized chan struct{}

	fileID  string
	started chan struct{}
}

func newSession(target Target) *Session {
	return &Session{
		target:     target,
		authorized: make(chan struct{}),
		started:    make(chan struct{}),
	}
}

// Mode ...
func (s *Session) Mode() chunk.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// decide sets the mode if it is still undecided and reports whether it did.
func (s *Session) decide(mode chunk.Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != chunk.Undecided {
		return false
	}
	s.mode = mode
	return true
}

func (s *Session) setAccount(account Account) {
	s.account = account
	close(s.authorized)
}

func (s *Session) waitAuthorized(ctx context.Context) (Account, error) {
	select {
	case <-s.authorized:
		return s.account, nil
	case <-ctx.Done():
		return Account{}, ctx.Err()
	}
}

// setFileID publishes the multipart session. target is the resolved target it was started with.
func (s *Session) setFileID(fileID string, target Target) {
	s.fileID = fileID
	s.target = target
	close(s.started)
}

func (s *Session) waitStarted(ctx context.Context) (string, error) {
	select {
	case <-s.started:
		return s.fileID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// startedFileID returns the remote file ID without blocking.
func (s *Session) startedFileID() (string, bool) {
	select {
	case <-s.started:
		return s.fileID, true
	default:
		return "", false
	}
}

// resolveTarget fills in an automatic content type from a sample of the content.
func resolveTarget(target Target, sample []byte) Target {
	if target.ContentType == ContentTypeAuto || target.ContentType == "" {
		target.ContentType = mimetype.Detect(sample).String()
	}
	return target
}

// completion collects part results as they arrive in any order.
type completion struct {
	mu      sync.Mutex
	results map[int]PartResult
	bytes   int64
}

func newCompletion() *completion {
	return &completion{
		results: map[int]PartResult{},
	}
}

func (c *completion) add(result PartResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.results[result.Index]; ok {
		return fmt.Errorf("duplicate result for part %d", result.Index)
	}
	c.results[result.Index] = result
	c.bytes += result.Size
	return nil
}

func (c *completion) count() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results), c.bytes
}

// ordered returns the results sorted by index, checking they are exactly 1..total.
func (c *completion) ordered(total int) ([]PartResult, error) {
	c.mu.Lock()
	parts := lo.Values(c.results)
	c.mu.Unlock()

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Index < parts[j].Index
	})

	if len(parts) != total {
		return nil, fmt.Errorf("%w: %d results for %d chunks", ErrIncompleteParts, len(parts), total)
	}
	for i, p := range parts {
		if p.Index != i+1 {
			return nil, fmt.Errorf("%w: missing part %d", ErrIncompleteParts, i+1)
		}
	}
	return parts, nil
}
