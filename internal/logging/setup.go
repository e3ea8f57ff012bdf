package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Options configures Setup.
type Options struct {
	// LogFile, if non-nil, receives a plain-text handler alongside the
	// tty handler.
	LogFile io.Writer
	Level   slog.Level
}

// Setup builds the daemon's default slog.Logger: a tint handler on
// os.Stdout (colorized when attached to a real terminal) fanned out to an
// optional log file via a sequence-numbered LineInterceptor, and installs
// it as the default logger.
func Setup(opts Options) *slog.Logger {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      opts.Level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	var handler slog.Handler = stdoutHandler
	if opts.LogFile != nil {
		interceptor := NewLineInterceptor(opts.LogFile)
		fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
			Level: opts.Level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
		handler = NewMultiHandler(stdoutHandler, fileHandler)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
