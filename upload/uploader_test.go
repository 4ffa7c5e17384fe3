package upload

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/b2pipe/chunk"
	"github.com/bitrise-io/b2pipe/retry"
)

var testTarget = Target{
	Path:        "backups/db.tar",
	Bucket:      "bucket-id",
	ContentType: "application/x-tar",
}

func testConfig() Config {
	config := DefaultConfig()
	config.RetryBaseDelay = 0
	return config
}

func randomData(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func newTestUploader(t *testing.T, config Config, backend Backend, target Target) *Uploader {
	uploader, err := New(config, backend, target, log.NewLogger())
	require.NoError(t, err)
	return uploader
}

func reassemble(backend *fakeBackend) []byte {
	var buf bytes.Buffer
	for i := 1; i <= len(backend.parts); i++ {
		buf.Write(backend.parts[i])
	}
	return buf.Bytes()
}

func TestUpload_MultipartScenario(t *testing.T) {
	data := randomData(12_000_000)
	backend := newFakeBackend()
	uploader := newTestUploader(t, testConfig(), backend, testTarget)

	result, err := uploader.Upload(context.Background(), &segmentReader{data: data, segment: 65536})
	require.NoError(t, err)

	assert.Equal(t, chunk.Multipart, result.Mode)
	assert.Equal(t, 3, result.Parts)
	assert.Equal(t, int64(12_000_000), result.Bytes)
	assert.Equal(t, "file-id", result.FileID)

	assert.Equal(t, 1, backend.authorizeCalls)
	assert.Equal(t, 1, backend.startCalls)
	assert.Equal(t, 1, backend.finishCalls)
	assert.Empty(t, backend.simpleCalls)

	require.Len(t, backend.finished, 3)
	wantSizes := []int64{5_000_000, 5_000_000, 2_000_000}
	for i, part := range backend.finished {
		assert.Equal(t, i+1, part.Index)
		assert.Equal(t, wantSizes[i], part.Size)
		assert.Equal(t, sha1Hex(backend.parts[i+1]), part.SHA1)
	}
	assert.Equal(t, data, reassemble(backend))
}

func TestUpload_SimpleScenarios(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int64
	}{
		{name: "3MB input", size: 3_000_000, chunkSize: 5_000_000},
		{name: "empty input", size: 0, chunkSize: 5_000_000},
		{name: "input of exactly chunk size", size: 4096, chunkSize: 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := randomData(tt.size)
			backend := newFakeBackend()
			config := testConfig()
			config.ChunkSize = tt.chunkSize
			uploader := newTestUploader(t, config, backend, testTarget)

			result, err := uploader.Upload(context.Background(), &segmentReader{data: data, segment: 1000})
			require.NoError(t, err)

			assert.Equal(t, chunk.Simple, result.Mode)
			assert.Equal(t, int64(tt.size), result.Bytes)
			assert.Equal(t, 0, backend.startCalls)
			assert.Equal(t, 0, backend.finishCalls)
			assert.Empty(t, backend.partAttempts)

			require.Len(t, backend.simpleCalls, 1)
			call := backend.simpleCalls[0]
			assert.Equal(t, data, call.Body)
			assert.NotNil(t, call.Body)
			assert.Equal(t, sha1Hex(data), call.SHA1)
			assert.Equal(t, testTarget, backend.simpleTarget)
		})
	}
}

func TestUpload_OneByteOverChunkSizeIsMultipart(t *testing.T) {
	data := randomData(4097)
	backend := newFakeBackend()
	config := testConfig()
	config.ChunkSize = 4096
	uploader := newTestUploader(t, config, backend, testTarget)

	result, err := uploader.Upload(context.Background(), &segmentReader{data: data, segment: 4097})
	require.NoError(t, err)

	assert.Equal(t, chunk.Multipart, result.Mode)
	require.Len(t, backend.finished, 2)
	assert.Equal(t, int64(4096), backend.finished[0].Size)
	assert.Equal(t, int64(1), backend.finished[1].Size)
	assert.Equal(t, data, reassemble(backend))
}

func TestUpload_PartRetriedUntilSuccess(t *testing.T) {
	data := randomData(3500)
	backend := newFakeBackend()
	backend.failPart = func(index, attempt int) error {
		if index == 2 && attempt <= 2 {
			return errors.New("HTTP 503: service_unavailable")
		}
		return nil
	}
	config := testConfig()
	config.ChunkSize = 1000
	config.MaxAttempts = 3
	uploader := newTestUploader(t, config, backend, testTarget)

	result, err := uploader.Upload(context.Background(), &segmentReader{data: data, segment: 300})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Parts)
	assert.Equal(t, 3, backend.partAttempts[2])
	require.Len(t, backend.finished, 4)
	count := 0
	for _, part := range backend.finished {
		if part.Index == 2 {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, data, reassemble(backend))
}

func TestUpload_PartExhaustsAttempts(t *testing.T) {
	tests := []struct {
		name            string
		cancelOnFailure bool
		wantCancelCalls int
	}{
		{name: "cancels the multipart session", cancelOnFailure: true, wantCancelCalls: 1},
		{name: "leaves the multipart session", cancelOnFailure: false, wantCancelCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.failPart = func(index, attempt int) error {
				return errors.New("connection reset by peer")
			}
			config := testConfig()
			config.ChunkSize = 10
			config.Concurrency = 1
			config.MaxAttempts = 4
			config.CancelOnFailure = tt.cancelOnFailure
			uploader := newTestUploader(t, config, backend, testTarget)

			result, err := uploader.Upload(context.Background(), &segmentReader{data: randomData(25), segment: 5})
			require.Error(t, err)
			assert.Nil(t, result)

			assert.ErrorIs(t, err, retry.ErrExhausted)
			assert.Equal(t, 4, backend.partAttempts[1])
			assert.Equal(t, 0, backend.finishCalls)
			assert.Equal(t, tt.wantCancelCalls, backend.cancelCalls)
		})
	}
}

func TestUpload_FinishFails(t *testing.T) {
	backend := newFakeBackend()
	backend.finishErr = errors.New("HTTP 500: internal_error")
	config := testConfig()
	config.ChunkSize = 10
	config.MaxAttempts = 2
	uploader := newTestUploader(t, config, backend, testTarget)

	_, err := uploader.Upload(context.Background(), &segmentReader{data: randomData(35), segment: 7})
	require.Error(t, err)

	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 2, backend.finishCalls)
	assert.Equal(t, 1, backend.cancelCalls)
}

func TestUpload_AuthorizationFails(t *testing.T) {
	backend := newFakeBackend()
	backend.authorizeErr = retry.Permanent(errors.New("HTTP 401: bad_auth_token"))
	uploader := newTestUploader(t, testConfig(), backend, testTarget)

	_, err := uploader.Upload(context.Background(), &segmentReader{data: randomData(100), segment: 10})
	require.Error(t, err)

	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, 1, backend.authorizeCalls)
	assert.Empty(t, backend.simpleCalls)
	assert.Equal(t, 0, backend.cancelCalls)
}

func TestUpload_StartMultipartFails(t *testing.T) {
	backend := newFakeBackend()
	backend.startErr = errors.New("HTTP 503")
	config := testConfig()
	config.ChunkSize = 10
	config.MaxAttempts = 3
	uploader := newTestUploader(t, config, backend, testTarget)

	_, err := uploader.Upload(context.Background(), &segmentReader{data: randomData(100), segment: 10})
	require.Error(t, err)

	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 3, backend.startCalls)
	assert.Empty(t, backend.partAttempts)
	assert.Equal(t, 0, backend.cancelCalls)
}

func TestUpload_ReadError(t *testing.T) {
	backend := newFakeBackend()
	uploader := newTestUploader(t, testConfig(), backend, testTarget)

	reader := &segmentReader{data: randomData(100), segment: 10, err: errors.New("broken pipe")}
	_, err := uploader.Upload(context.Background(), reader)
	require.Error(t, err)

	assert.Contains(t, err.Error(), "read input")
	assert.Empty(t, backend.simpleCalls)
}

func TestUpload_ConcurrencyBoundAndFinishOrder(t *testing.T) {
	data := randomData(5000)
	backend := newFakeBackend()
	backend.partDelay = func(index int) time.Duration {
		// later parts finish first
		return time.Duration(50-index) * 100 * time.Microsecond
	}
	config := testConfig()
	config.ChunkSize = 100
	config.Concurrency = 3
	uploader := newTestUploader(t, config, backend, testTarget)

	result, err := uploader.Upload(context.Background(), &segmentReader{data: data, segment: 64})
	require.NoError(t, err)

	assert.Equal(t, 50, result.Parts)
	assert.LessOrEqual(t, backend.maxActive, 3)
	assert.GreaterOrEqual(t, backend.maxActive, 1)

	require.Len(t, backend.finished, 50)
	for i, part := range backend.finished {
		assert.Equal(t, i+1, part.Index)
		assert.Equal(t, sha1Hex(backend.parts[i+1]), part.SHA1)
	}
	assert.Equal(t, data, reassemble(backend))
}

func TestUpload_BackpressureStopsReading(t *testing.T) {
	data := randomData(1000)
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	config := testConfig()
	config.ChunkSize = 10
	config.Concurrency = 2
	config.ReadBufferSize = 10
	uploader := newTestUploader(t, config, backend, testTarget)

	reader := &segmentReader{data: data, segment: 10}
	done := make(chan error, 1)
	var result *Result
	go func() {
		var err error
		result, err = uploader.Upload(context.Background(), reader)
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	reads := reader.readCount()
	// 2 parts in flight, 2 pending, one read still in the accumulator
	assert.LessOrEqual(t, reads, 5)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, reads, reader.readCount())

	close(backend.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("upload did not finish after releasing the backend")
	}

	assert.Equal(t, 100, result.Parts)
	assert.Equal(t, 100, reader.readCount())
	assert.LessOrEqual(t, backend.maxActive, 2)
	assert.Equal(t, data, reassemble(backend))
}

func TestUpload_DetectsContentType(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), randomData(2000)...)
	target := testTarget
	target.ContentType = ContentTypeAuto

	t.Run("simple", func(t *testing.T) {
		backend := newFakeBackend()
		uploader := newTestUploader(t, testConfig(), backend, target)

		result, err := uploader.Upload(context.Background(), &segmentReader{data: png, segment: 512})
		require.NoError(t, err)

		assert.Equal(t, "image/png", backend.simpleTarget.ContentType)
		assert.Equal(t, "image/png", result.ContentType)
	})

	t.Run("multipart", func(t *testing.T) {
		backend := newFakeBackend()
		config := testConfig()
		config.ChunkSize = 1000
		uploader := newTestUploader(t, config, backend, target)

		result, err := uploader.Upload(context.Background(), &segmentReader{data: png, segment: 512})
		require.NoError(t, err)

		assert.Equal(t, "image/png", backend.startTarget.ContentType)
		assert.Equal(t, "image/png", result.ContentType)
	})
}

func TestNew_RejectsInvalidInput(t *testing.T) {
	invalidConfig := DefaultConfig()
	invalidConfig.Concurrency = 0

	tests := []struct {
		name    string
		config  Config
		target  Target
		backend Backend
	}{
		{name: "invalid config", config: invalidConfig, target: testTarget, backend: newFakeBackend()},
		{name: "missing path", config: DefaultConfig(), target: Target{Bucket: "b"}, backend: newFakeBackend()},
		{name: "missing bucket", config: DefaultConfig(), target: Target{Path: "p"}, backend: newFakeBackend()},
		{name: "missing backend", config: DefaultConfig(), target: testTarget, backend: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, tt.backend, tt.target, log.NewLogger())
			assert.Error(t, err)
		})
	}
}
