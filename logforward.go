package remotelogger

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/pion/logging"
)

// LogWriter forwards every complete line written to it as a Log frame. Lines
// written while no Connection is ready are discarded.
type LogWriter struct {
	Manager *Manager

	mu  sync.Mutex
	buf []byte
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	var lines []string
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(w.buf[:i], []byte{'\r'})))
		w.buf = w.buf[i+1:]
	}
	w.mu.Unlock()

	for _, line := range lines {
		if err := w.Manager.SendLog(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush forwards a trailing partial line.
func (w *LogWriter) Flush() error {
	w.mu.Lock()
	line := string(w.buf)
	w.buf = nil
	w.mu.Unlock()

	if line == "" {
		return nil
	}
	return w.Manager.SendLog(line)
}

// LoggerFactory creates loggers that write to Writer and also forward each
// line to the connected monitor. It must not be the LoggerFactory of the
// Manager it forwards to.
type LoggerFactory struct {
	Manager *Manager
	// Level defaults to info.
	Level logging.LogLevel
	// Writer receives the local copy of every line. Defaults to stderr.
	Writer io.Writer
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	level := f.Level
	if level == logging.LogLevelDisabled {
		level = logging.LogLevelInfo
	}
	local := f.Writer
	if local == nil {
		local = os.Stderr
	}
	w := io.MultiWriter(local, &forwardWriter{w: &LogWriter{Manager: f.Manager}})
	return logging.NewDefaultLeveledLoggerForScope(scope, level, w)
}

// forwardWriter makes forwarding best effort. The log package drops lines on
// a write error, which must not happen to the local copy.
type forwardWriter struct {
	w *LogWriter
}

func (f *forwardWriter) Write(p []byte) (int, error) {
	_, _ = f.w.Write(p)
	return len(p), nil
}
