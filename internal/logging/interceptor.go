package logging

import (
	"bytes"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// LineInterceptor implements io.Writer and stamps a monotonic sequence
// number and wall-clock timestamp onto every line it forwards. It lets a
// restarting daemon's log file be correlated against wall-clock time even
// when the process recycles and slog's own timestamps reset.
type LineInterceptor struct {
	target io.Writer
	seq    atomic.Uint64
	buf    *bytes.Buffer
}

// NewLineInterceptor wraps target.
func NewLineInterceptor(target io.Writer) *LineInterceptor {
	return &LineInterceptor{target: target, buf: &bytes.Buffer{}}
}

func (li *LineInterceptor) writeLine(line []byte) (int, error) {
	n := li.seq.Add(1)
	prefix := slog.Uint64("line", n).String() + " " + slog.String("time", time.Now().Format(time.RFC3339)).String() + " "
	total := 0
	w, err := io.WriteString(li.target, prefix)
	total += w
	if err != nil {
		return total, err
	}
	w, err = li.target.Write(line)
	total += w
	if err != nil {
		return total, err
	}
	w, err = io.WriteString(li.target, "\n")
	total += w
	return total, err
}

// Write implements io.Writer, buffering partial lines.
func (li *LineInterceptor) Write(p []byte) (int, error) {
	if _, err := li.buf.Write(p); err != nil {
		return 0, err
	}

	for {
		i := bytes.IndexByte(li.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := li.buf.Next(i + 1)
		if _, err := li.writeLine(bytes.TrimSuffix(line[:i], []byte("\r"))); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes any trailing partial line.
func (li *LineInterceptor) Close() error {
	remaining := li.buf.Bytes()
	if len(remaining) > 0 {
		_, err := li.writeLine(remaining)
		li.buf.Reset()
		return err
	}
	return nil
}
