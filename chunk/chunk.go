// Package chunk groups an unbounded byte stream into ordered, size-bounded
// chunks and decides whether the stream goes up in a single request or as a
// multipart upload.
package chunk

import (
	"bytes"
	"errors"
)

// ErrClosed is returned when the chunker is used after Close.
var ErrClosed = errors.New("chunker is closed")

// Mode is the upload mode of a run.
// It is Undecided until the first chunk is cut or the input ends, and never changes afterwards.
type Mode int

const (
	// Undecided ...
	Undecided Mode = iota
	// Simple means the whole input is sent in one request.
	Simple
	// Multipart means the input is sent as indexed parts and finalized.
	Multipart
)

func (m Mode) String() string {
	switch m {
	case Simple:
		return "simple"
	case Multipart:
		return "multipart"
	default:
		return "undecided"
	}
}

// Chunk is a contiguous slice of the input stream.
// Indexes start at 1 and grow by one in production order, so a chunk with
// Index 1 marks the switch to multipart mode.
type Chunk struct {
	Index   int
	Buffers [][]byte
	Size    int64
}

// Bytes returns the chunk content as one slice.
func (c Chunk) Bytes() []byte {
	if len(c.Buffers) == 1 {
		return c.Buffers[0]
	}
	return bytes.Join(c.Buffers, nil)
}

// Chunker accumulates written segments and emits a Chunk each time the
// accumulated size exceeds the threshold.
type Chunker struct {
	threshold int64
	emit      func(Chunk) error

	acc     [][]byte
	accSize int64
	next    int
	mode    Mode
	closed  bool
}

// New creates a Chunker. emit is called synchronously, in index order, for every chunk.
// A threshold below 1 is treated as 1.
func New(threshold int64, emit func(Chunk) error) *Chunker {
	if threshold < 1 {
		threshold = 1
	}
	return &Chunker{
		threshold: threshold,
		emit:      emit,
		next:      1,
	}
}

// Mode returns the mode decided so far.
func (c *Chunker) Mode() Mode {
	return c.mode
}

// Produced returns the number of chunks emitted so far.
func (c *Chunker) Produced() int {
	return c.next - 1
}

// Write appends p to the accumulator.
// p is retained by the chunker, the caller must not reuse it.
func (c *Chunker) Write(p []byte) error {
	if c.closed {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}

	c.acc = append(c.acc, p)
	c.accSize += int64(len(p))

	for c.accSize > c.threshold {
		if err := c.cut(); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the input.
// In multipart mode the remaining bytes are emitted as the final chunk and the returned payload is nil.
// Otherwise the mode becomes Simple and the whole input is returned as the payload.
func (c *Chunker) Close() ([]byte, Mode, error) {
	if c.closed {
		return nil, c.mode, ErrClosed
	}
	c.closed = true

	if c.mode == Multipart {
		if c.accSize == 0 {
			return nil, Multipart, nil
		}
		buffers, size := c.acc, c.accSize
		c.acc, c.accSize = nil, 0
		return nil, Multipart, c.push(buffers, size)
	}

	c.mode = Simple
	payload := make([]byte, 0, c.accSize)
	for _, b := range c.acc {
		payload = append(payload, b...)
	}
	c.acc, c.accSize = nil, 0
	return payload, Simple, nil
}

// cut moves exactly threshold bytes from the front of the accumulator into a new chunk.
func (c *Chunker) cut() error {
	var (
		buffers [][]byte
		size    int64
	)

	for size < c.threshold {
		seg := c.acc[0]
		need := c.threshold - size
		if int64(len(seg)) > need {
			buffers = append(buffers, seg[:need:need])
			c.acc[0] = seg[need:]
			size += need
			break
		}
		buffers = append(buffers, seg)
		c.acc = c.acc[1:]
		size += int64(len(seg))
	}

	c.accSize -= size
	if len(c.acc) == 0 {
		c.acc = nil
	}
	c.mode = Multipart

	return c.push(buffers, size)
}

func (c *Chunker) push(buffers [][]byte, size int64) error {
	ch := Chunk{
		Index:   c.next,
		Buffers: buffers,
		Size:    size,
	}
	c.next++
	return c.emit(ch)
}
