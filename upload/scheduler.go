package upload

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// scheduler moves chunks from the queue into at most concurrency in-flight part uploads.
type scheduler struct {
	concurrency  int
	queue        *Queue
	backpressure *Backpressure
	session      *Session
	parts        *partUploader
	stats        *Stats
	logger       log.Logger
}

func (s *scheduler) depth() (int, int) {
	return s.queue.Depth()
}

// run returns once the queue is closed and drained and every dispatched part
// finished, or with the first part failure.
func (s *scheduler) run(ctx context.Context) error {
	slots := semaphore.NewWeighted(int64(s.concurrency))
	group, groupCtx := errgroup.WithContext(ctx)

	dispatchErr := s.dispatch(groupCtx, slots, group)
	if err := group.Wait(); err != nil {
		return err
	}
	return dispatchErr
}

func (s *scheduler) dispatch(ctx context.Context, slots *semaphore.Weighted, group *errgroup.Group) error {
	var (
		account Account
		fileID  string
	)

	for {
		// The slot is taken before the pop, so a chunk stays pending until it can fly.
		if err := slots.Acquire(ctx, 1); err != nil {
			return err
		}

		// Pop moves the chunk into flight in the same step it leaves the queue.
		c, ok, err := s.queue.Pop(ctx)
		if err != nil || !ok {
			slots.Release(1)
			return err
		}

		s.backpressure.AfterSlotChange()

		if fileID == "" {
			if fileID, err = s.session.waitStarted(ctx); err != nil {
				s.leave()
				slots.Release(1)
				return err
			}
			if account, err = s.session.waitAuthorized(ctx); err != nil {
				s.leave()
				slots.Release(1)
				return err
			}
		}

		group.Go(func() error {
			defer func() {
				s.leave()
				slots.Release(1)
			}()

			if err := s.parts.upload(ctx, account, fileID, c); err != nil {
				return err
			}
			s.stats.logProgress(s.logger)
			return nil
		})
	}
}

func (s *scheduler) leave() {
	s.queue.Done()
	s.backpressure.AfterSlotChange()
}
