package upload

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

type fakeBackend struct {
	mu sync.Mutex

	authorizeErr error
	startErr     error
	finishErr    error

	// failPart returns the error for the given part attempt, nil to succeed.
	failPart  func(index, attempt int) error
	partDelay func(index int) time.Duration
	release   chan struct{}

	authorizeCalls int
	startCalls     int
	startTarget    Target
	partAttempts   map[int]int
	parts          map[int][]byte
	active         int
	maxActive      int
	finishCalls    int
	finished       []PartResult
	cancelCalls    int
	simpleCalls    []Part
	simpleTarget   Target
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		partAttempts: map[int]int{},
		parts:        map[int][]byte{},
	}
}

func (f *fakeBackend) Authorize(ctx context.Context) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizeCalls++
	if f.authorizeErr != nil {
		return Account{}, f.authorizeErr
	}
	return Account{APIURL: "https://api.example.com", AuthorizationToken: "token"}, nil
}

func (f *fakeBackend) StartMultipart(ctx context.Context, account Account, target Target) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.startTarget = target
	if f.startErr != nil {
		return "", f.startErr
	}
	if account.AuthorizationToken != "token" {
		return "", errors.New("not authorized")
	}
	return "file-id", nil
}

func (f *fakeBackend) UploadPart(ctx context.Context, account Account, fileID string, part Part) (string, error) {
	f.mu.Lock()
	f.partAttempts[part.Index]++
	attempt := f.partAttempts[part.Index]
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	failPart, partDelay, release := f.failPart, f.partDelay, f.release
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if fileID != "file-id" {
		return "", errors.New("unknown file id")
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if partDelay != nil {
		time.Sleep(partDelay(part.Index))
	}
	if failPart != nil {
		if err := failPart(part.Index, attempt); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	body := make([]byte, len(part.Body))
	copy(body, part.Body)
	f.parts[part.Index] = body
	return "", nil
}

func (f *fakeBackend) FinishMultipart(ctx context.Context, account Account, fileID string, target Target, parts []PartResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishCalls++
	if f.finishErr != nil {
		return f.finishErr
	}
	f.finished = parts
	return nil
}

func (f *fakeBackend) CancelMultipart(ctx context.Context, account Account, fileID string, target Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeBackend) UploadSimple(ctx context.Context, account Account, target Target, part Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simpleCalls = append(f.simpleCalls, part)
	f.simpleTarget = target
	return nil
}

// segmentReader returns data in fixed size reads and counts them.
type segmentReader struct {
	mu      sync.Mutex
	data    []byte
	segment int
	reads   int
	err     error
}

func (r *segmentReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.data) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	r.reads++
	n := r.segment
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func (r *segmentReader) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}
