package upload

import (
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Stats tracks part upload progress.
type Stats struct {
	mu            sync.Mutex
	sum           time.Duration
	finishedParts int64
	uploadedBytes int64
	active        int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) started() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active++
}

func (s *Stats) stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
}

// Update records a successful part upload.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedParts++
	s.uploadedBytes += size
}

// Average returns the average upload duration of finished parts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedParts == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedParts)
}

// FinishedCount returns the number of uploaded parts.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedParts
}

// UploadedBytes ...
func (s *Stats) UploadedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadedBytes
}

// Active returns the number of parts in flight.
func (s *Stats) Active() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Stats) logProgress(logger log.Logger) {
	s.mu.Lock()
	finished, active, uploaded := s.finishedParts, s.active, s.uploadedBytes
	s.mu.Unlock()

	logger.Printf("parts uploaded = %d, active = %d, uploaded %s",
		finished, active, units.HumanSizeWithPrecision(float64(uploaded), 3))
}

// Summary formats the outcome of a run as "<size> in <duration>, at <rate>/s".
func Summary(bytes int64, d time.Duration) string {
	rate := 0.0
	if seconds := d.Seconds(); seconds > 0 {
		rate = float64(bytes) / seconds
	}
	return fmt.Sprintf("%s in %s, at %s/s",
		units.HumanSizeWithPrecision(float64(bytes), 3), d.Round(time.Millisecond), units.HumanSizeWithPrecision(rate, 3))
}
