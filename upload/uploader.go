package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"

	"github.com/bitrise-io/b2pipe/chunk"
	"github.com/bitrise-io/b2pipe/retry"
)

// Uploader streams one input to the backend.
type Uploader struct {
	config  Config
	backend Backend
	target  Target
	retrier *retry.Engine
	logger  log.Logger
}

// New creates an Uploader. Invalid configuration is rejected here, before any remote call.
func New(config Config, backend Backend, target Target, logger log.Logger) (*Uploader, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}

	return &Uploader{
		config:  config,
		backend: backend,
		target:  target,
		retrier: retry.New(retry.Policy{
			MaxAttempts: config.MaxAttempts,
			Delay:       retry.Linear(config.RetryBaseDelay),
		}, logger),
		logger: logger,
	}, nil
}

// run is the state of a single Upload call.
type run struct {
	*Uploader

	session      *Session
	queue        *Queue
	backpressure *Backpressure
	results      *completion
	stats        *Stats
	scheduler    *scheduler
	chunker      *chunk.Chunker

	group    *errgroup.Group
	groupCtx context.Context

	simpleBytes int64
}

// Upload reads r until EOF and stores it as the target object.
// It returns after the object was finalized, or with the first terminal failure.
func (u *Uploader) Upload(ctx context.Context, r io.Reader) (*Result, error) {
	start := time.Now()
	rn := u.newRun()

	rn.group, rn.groupCtx = errgroup.WithContext(ctx)
	rn.group.Go(func() error { return rn.authorize(rn.groupCtx) })
	rn.group.Go(func() error { return rn.pump(rn.groupCtx, r) })
	rn.group.Go(func() error { return rn.scheduler.run(rn.groupCtx) })

	if err := rn.group.Wait(); err != nil {
		rn.abort(ctx)
		return nil, err
	}

	result := &Result{
		Mode:        rn.session.Mode(),
		ContentType: rn.session.target.ContentType,
	}

	if result.Mode == chunk.Multipart {
		if err := rn.finish(ctx); err != nil {
			rn.abort(ctx)
			return nil, err
		}
		result.FileID = rn.session.fileID
		result.Parts, result.Bytes = rn.results.count()
	} else {
		result.Bytes = rn.simpleBytes
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (u *Uploader) newRun() *run {
	rn := &run{
		Uploader: u,
		session:  newSession(u.target),
		queue:    NewQueue(),
		results:  newCompletion(),
		stats:    NewStats(),
	}

	rn.scheduler = &scheduler{
		concurrency: u.config.Concurrency,
		queue:       rn.queue,
		session:     rn.session,
		stats:       rn.stats,
		logger:      u.logger,
		parts: &partUploader{
			backend: u.backend,
			retrier: u.retrier,
			session: rn.session,
			results: rn.results,
			stats:   rn.stats,
			logger:  u.logger,
		},
	}
	rn.backpressure = NewBackpressure(u.config.Concurrency, rn.scheduler.depth)
	rn.scheduler.backpressure = rn.backpressure
	rn.chunker = chunk.New(u.config.ChunkSize, rn.enqueue)

	return rn
}

func (rn *run) authorize(ctx context.Context) error {
	var account Account
	err := rn.retrier.Do(ctx, "authorize", func(ctx context.Context, attempt int) error {
		var err error
		account, err = rn.backend.Authorize(ctx)
		return err
	})
	if err != nil {
		return err
	}

	rn.logger.Debugf("Authorized, api url: %s", account.APIURL)
	rn.session.setAccount(account)
	return nil
}

// segment is the outcome of one read from the input.
type segment struct {
	data []byte
	err  error
}

// pump reads the input under backpressure and feeds the chunker.
// Reads happen on a separate goroutine, one per request, so a blocked read
// never keeps the run from failing.
func (rn *run) pump(ctx context.Context, r io.Reader) error {
	requests := make(chan struct{})
	segments := make(chan segment, 1)
	defer close(requests)
	go readSegments(r, rn.config.ReadBufferSize, requests, segments)

	for {
		if err := rn.backpressure.Wait(ctx); err != nil {
			return err
		}

		select {
		case requests <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		var seg segment
		select {
		case seg = <-segments:
		case <-ctx.Done():
			return ctx.Err()
		}

		if len(seg.data) > 0 {
			if err := rn.chunker.Write(seg.data); err != nil {
				return err
			}
		}

		if errors.Is(seg.err, io.EOF) {
			break
		}
		if seg.err != nil {
			return fmt.Errorf("read input: %w", seg.err)
		}
	}

	payload, mode, err := rn.chunker.Close()
	rn.backpressure.InputEnded()
	rn.queue.Close()
	if err != nil {
		return err
	}

	if mode == chunk.Simple {
		rn.session.decide(chunk.Simple)
		return rn.uploadSimple(ctx, payload)
	}

	rn.logger.Debugf("Input ended after %d parts", rn.chunker.Produced())
	return nil
}

func readSegments(r io.Reader, size int, requests <-chan struct{}, segments chan<- segment) {
	buf := make([]byte, size)
	for range requests {
		n, err := r.Read(buf)
		seg := segment{err: err}
		if n > 0 {
			seg.data = make([]byte, n)
			copy(seg.data, buf[:n])
		}
		segments <- seg
	}
}

// enqueue receives chunks from the chunker.
func (rn *run) enqueue(c chunk.Chunk) error {
	if c.Index == 1 && rn.session.decide(chunk.Multipart) {
		rn.logger.Infof("Upload type: multipart")
		first := c
		rn.group.Go(func() error { return rn.startMultipart(rn.groupCtx, first) })
	}

	rn.queue.Push(c)
	rn.backpressure.AfterEnqueue()
	return nil
}

func (rn *run) startMultipart(ctx context.Context, first chunk.Chunk) error {
	account, err := rn.session.waitAuthorized(ctx)
	if err != nil {
		return err
	}

	target := resolveTarget(rn.target, first.Bytes())

	var fileID string
	err = rn.retrier.Do(ctx, "start multipart upload", func(ctx context.Context, attempt int) error {
		rn.logger.Debugf("Initiating multipart upload of %s (%s)", target.Path, target.ContentType)
		fileID, err = rn.backend.StartMultipart(ctx, account, target)
		return err
	})
	if err != nil {
		return err
	}

	rn.logger.Infof("Multipart upload started, file id: %s", fileID)
	rn.session.setFileID(fileID, target)
	return nil
}

func (rn *run) uploadSimple(ctx context.Context, payload []byte) error {
	rn.logger.Infof("Upload type: simple")

	account, err := rn.session.waitAuthorized(ctx)
	if err != nil {
		return err
	}

	target := resolveTarget(rn.target, payload)
	rn.session.target = target

	err = rn.retrier.Do(ctx, "upload file", func(ctx context.Context, attempt int) error {
		return rn.backend.UploadSimple(ctx, account, target, Part{
			Index: 1,
			Body:  payload,
			SHA1:  sha1Hex(payload),
		})
	})
	if err != nil {
		return err
	}

	rn.simpleBytes = int64(len(payload))
	return nil
}

func (rn *run) finish(ctx context.Context) error {
	parts, err := rn.results.ordered(rn.chunker.Produced())
	if err != nil {
		return err
	}

	account, fileID := rn.session.account, rn.session.fileID
	rn.logger.Infof("Finishing multipart upload of %d parts", len(parts))

	return rn.retrier.Do(ctx, "finish multipart upload", func(ctx context.Context, attempt int) error {
		return rn.backend.FinishMultipart(ctx, account, fileID, rn.session.target, parts)
	})
}

// abort drops a started multipart session. It is a single best-effort call.
func (rn *run) abort(ctx context.Context) {
	if !rn.config.CancelOnFailure {
		return
	}
	fileID, ok := rn.session.startedFileID()
	if !ok {
		return
	}

	rn.logger.Warnf("Cancelling multipart upload %s", fileID)
	if err := rn.backend.CancelMultipart(context.WithoutCancel(ctx), rn.session.account, fileID, rn.session.target); err != nil {
		rn.logger.Warnf("Failed to cancel multipart upload %s: %s", fileID, err)
	}
}
