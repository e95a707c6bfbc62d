package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single stdio frame.
const MaxFrameSize = 64 * 1024 * 1024

// FrameWriter writes newline-delimited encoded messages. It is safe for
// concurrent use.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write encodes m and writes it as one frame.
func (fw *FrameWriter) Write(m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader reads newline-delimited frames.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &FrameReader{scanner: sc}
}

// Next returns the next raw frame. Blank lines are skipped. It returns
// io.EOF when the stream ends cleanly.
func (fr *FrameReader) Next() ([]byte, error) {
	for fr.scanner.Scan() {
		line := fr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := fr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("frame exceeds %d bytes: %w", MaxFrameSize, err)
		}
		return nil, err
	}
	return nil, io.EOF
}
