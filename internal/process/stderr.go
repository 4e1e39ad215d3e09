package process

import (
	"bytes"
	"context"
	"sync"
)

const (
	stderrTail    = 4 << 10
	stderrMaxLine = 16 << 10
)

type StderrFunc func(ctx context.Context, line string)

// stderrWriter splits worker stderr into lines for fn and remembers the last
// few KiB for diagnostics.
type stderrWriter struct {
	ctx     context.Context
	fn      StderrFunc
	mx      sync.Mutex
	partial []byte
	tail    []byte
}

func newStderrWriter(ctx context.Context, fn StderrFunc) *stderrWriter {
	return &stderrWriter{ctx: ctx, fn: fn}
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()

	w.tail = append(w.tail, p...)
	if over := len(w.tail) - stderrTail; over > 0 {
		w.tail = append(w.tail[:0:0], w.tail[over:]...)
	}

	if w.fn == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > stderrMaxLine {
		w.emit(w.partial)
		w.partial = nil
	}
	return len(p), nil
}

func (w *stderrWriter) emit(line []byte) {
	w.fn(w.ctx, string(bytes.TrimRight(line, "\r")))
}

func (w *stderrWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.fn != nil && len(w.partial) > 0 {
		w.emit(w.partial)
	}
	w.partial = nil
}

func (w *stderrWriter) Tail() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return string(bytes.TrimSpace(w.tail))
}
