package fork

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// lineWriter emits each complete line written to it as a debug entry.
type lineWriter struct {
	logger *zap.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Partial line; keep it for the next write.
			w.buf.Write(line)
			break
		}
		if text := bytes.TrimRight(line, "\r\n"); len(text) > 0 {
			w.logger.Debug(string(text))
		}
	}
	return len(p), nil
}
