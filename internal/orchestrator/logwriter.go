package orchestrator

import (
	"bytes"
	"context"

	"github.com/alienpimp/apexd/internal/store"
)

// Forwards engine output to a build's persistent log, one line per write.
//
// Partial lines are buffered until their newline arrives; Close flushes any
// trailing fragment. Log persistence deliberately ignores the build's
// context so output produced while a build is being canceled is not lost.
type logWriter struct {
	store   *store.Store
	buildID string
	buf     bytes.Buffer
}

func newLogWriter(st *store.Store, buildID string) *logWriter {
	return &logWriter{store: st, buildID: buildID}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)

	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// No newline yet; keep the fragment for the next write.
			w.buf.WriteString(line)
			break
		}
		if err := w.append(line[:len(line)-1]); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flushes a trailing unterminated line, if any.
func (w *logWriter) Close() error {
	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	return w.append(line)
}

func (w *logWriter) append(line string) error {
	return w.store.AppendBuildLog(context.Background(), w.buildID, line)
}
