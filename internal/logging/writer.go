package logging

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LineWriter logs every complete line written to it, for attaching child
// process output to the structured log.
type LineWriter struct {
	mu     sync.Mutex
	log    zerolog.Logger
	level  zerolog.Level
	stream string
	buf    bytes.Buffer
}

func NewLineWriter(log zerolog.Logger, level zerolog.Level, stream string) *LineWriter {
	return &LineWriter{log: log, level: level, stream: stream}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.log.WithLevel(w.level).Str("stream", w.stream).Msg(line)
}
