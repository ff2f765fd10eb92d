package supervisor

import (
	"bytes"
	"strings"
	"sync"
)

// lineWriter is an io.Writer that splits its input into lines and hands each
// complete line to fn. It buffers partial lines across writes.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(line string)
}

func newLineWriter(fn func(line string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line != "" {
			w.fn(line)
		}
	}
}

// Flush emits a buffered partial line. Called after the writer's source is
// exhausted, so a final line without a trailing newline is not lost.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	line := strings.TrimRight(string(w.buf), "\r")
	w.buf = nil
	if line != "" {
		w.fn(line)
	}
}
