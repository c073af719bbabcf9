package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Log frames interleave stdout and stderr in a single file. Each frame is an
// 8-byte header followed by the chunk: byte 0 is the stream (1 stdout,
// 2 stderr), bytes 1-3 are reserved, bytes 4-7 carry the chunk length as a
// big-endian uint32. Frames are chunk-sized, not line-sized.
const (
	StreamStdout byte = 1
	StreamStderr byte = 2

	frameHeaderLen = 8

	// maxFrameLen bounds a single chunk so a corrupt header cannot force a
	// huge allocation.
	maxFrameLen = 16 << 20
)

// ErrFrameTooLarge reports a header whose length field exceeds the bound.
var ErrFrameTooLarge = errors.New("log frame exceeds maximum length")

// WriteFrame writes one framed chunk to w.
func WriteFrame(w io.Writer, stream byte, data []byte) error {
	var header [frameHeaderLen]byte
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one framed chunk from r. It returns io.EOF cleanly at a
// frame boundary and io.ErrUnexpectedEOF on a truncated frame.
func ReadFrame(r io.Reader) (stream byte, data []byte, err error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	stream = header[0]
	if stream != StreamStdout && stream != StreamStderr {
		return 0, nil, fmt.Errorf("invalid log frame stream %d", stream)
	}
	length := binary.BigEndian.Uint32(header[4:])
	if length > maxFrameLen {
		return 0, nil, ErrFrameTooLarge
	}
	data = make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return stream, data, nil
}

// FrameWriter adapts one stream of a container's stdio to the framed log
// format. Concurrent stdout and stderr writers may share the underlying
// writer; frames are written atomically under the shared lock.
type FrameWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	stream byte
}

// NewFrameWriters returns paired stdout and stderr writers multiplexing
// into w.
func NewFrameWriters(w io.Writer) (stdout, stderr *FrameWriter) {
	mu := &sync.Mutex{}
	return &FrameWriter{mu: mu, w: w, stream: StreamStdout},
		&FrameWriter{mu: mu, w: w, stream: StreamStderr}
}

func (fw *FrameWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := WriteFrame(fw.w, fw.stream, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Demux splits a framed log stream into separate stdout and stderr writers.
// It returns the number of frames copied.
func Demux(r io.Reader, stdout, stderr io.Writer) (int, error) {
	frames := 0
	for {
		stream, data, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, err
		}
		dst := stdout
		if stream == StreamStderr {
			dst = stderr
		}
		if _, err := dst.Write(data); err != nil {
			return frames, err
		}
		frames++
	}
}
