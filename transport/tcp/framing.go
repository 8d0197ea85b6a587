package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// lengthPrefixSize is the size of the big-endian frame length prefix.
	lengthPrefixSize = 4

	// MaxFrameSize bounds a single frame payload.
	MaxFrameSize = 65536
)

var (
	// ErrFrameTooLarge indicates a frame above MaxFrameSize.
	ErrFrameTooLarge = errors.New("tcp: frame too large")
	// ErrFrameEmpty indicates a zero-length frame.
	ErrFrameEmpty = errors.New("tcp: frame is empty")
	// ErrFrameTruncated indicates the stream ended inside a frame.
	ErrFrameTruncated = errors.New("tcp: frame truncated")
)

// framer reads and writes length-prefixed frames. Writes are serialised.
type framer struct {
	r io.Reader
	w io.Writer

	mu        sync.Mutex
	lengthBuf [lengthPrefixSize]byte
}

func newFramer(rw io.ReadWriter) *framer {
	return &framer{r: rw, w: rw}
}

func (f *framer) writeFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), MaxFrameSize)
	}
	frame := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[lengthPrefixSize:], data)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(frame); err != nil {
		return fmt.Errorf("tcp: write frame: %w", err)
	}
	return nil
}

// readFrame must only be called from one goroutine.
func (f *framer) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("tcp: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(f.lengthBuf[:])
	if length == 0 {
		return nil, ErrFrameEmpty
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("tcp: read payload: %w", err)
	}
	return payload, nil
}
