package kriptofs

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jacobsa/bazilfuse"
)

// Severity levels beyond the stdlib's Debug/Info/Warn/Error, matching the
// TRACE/WARNING naming gcsfuse's logger exercises. slog.Level is just an
// int: LevelTrace sits below LevelDebug, and LevelWarning has the same
// value as slog.LevelWarn, printed under the name WARNING.
const (
	LevelTrace   = slog.Level(-8)
	LevelWarning = slog.Level(4)
)

// severityString names a level for the "severity" attribute that
// replaceAttr puts in place of slog's default "level", printing
// TRACE/WARNING for the two custom levels above, so text output looks like:
//
//	time=2024-01-02T15:04:05.000Z severity=DEBUG msg="..."
func severityString(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return "TRACE"
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < LevelWarning:
		return "INFO"
	case l < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.LevelKey:
		a.Key = "severity"
		a.Value = slog.StringValue(severityString(a.Value.Any().(slog.Level)))
	case slog.TimeKey:
		a.Key = "time"
	}
	return a
}

func newTextHandler(w *os.File) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       LevelTrace,
		ReplaceAttr: replaceAttr,
	})
}

func newJSONHandler(w *os.File) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       LevelTrace,
		ReplaceAttr: replaceAttr,
	})
}

// defaultLogger is the package-wide structured logger for state-machine
// handler tracing. Handlers log at DEBUG on entry; invariant violations
// panic without writing a log line; the Cryptor never logs. It defaults to the human-readable
// text format; SetFormat switches it to JSON.
var defaultLogger = slog.New(newTextHandler(os.Stderr))

// Logger returns the package-wide structured logger, so that callers
// outside the package (the Mount Driver's CLI) log through the same
// severity-keyed handler as the filesystem state machine rather than the
// stdlib's bare "level" attribute.
func Logger() *slog.Logger {
	return defaultLogger
}

// SetFormat switches the package-wide logger between "text" (the default)
// and "json", matching gcsfuse's configurable log format.
func SetFormat(format string) error {
	switch format {
	case "", "text":
		defaultLogger = slog.New(newTextHandler(os.Stderr))
	case "json":
		defaultLogger = slog.New(newJSONHandler(os.Stderr))
	default:
		return fmt.Errorf("kriptofs: unknown log format %q", format)
	}
	return nil
}

func logHandlerCall(op string, inode uint64, uid uint32) {
	defaultLogger.Debug("handling op", "op", op, "inode", inode, "uid", uid)
}

// logOpenFlags records the raw open(2) flags the kernel attached to a
// create/open call. kriptofs ignores them (every inode is readable and
// writable in memory regardless of how it was opened) but logs them for
// diagnosability.
func logOpenFlags(op string, inode uint64, uid uint32, flags bazilfuse.OpenFlags) {
	defaultLogger.Debug("handling op", "op", op, "inode", inode, "uid", uid, "flags", uint32(flags))
}
