package process

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// logWriter splits encoder stderr into lines, logs each at debug level and
// keeps the tail for launch diagnostics.
type logWriter struct {
	logger *slog.Logger
	tail   *tailBuffer
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexAny(p, "\r\n")
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		text := string(line)
		w.tail.Add(text)
		if w.logger != nil {
			w.logger.Debug("encoder output", "line", text)
		}
	}
	return total, nil
}

type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.limit; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
