package observability

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a logger based on environment
func NewLogger(environment string, w io.Writer) *slog.Logger {
	var handler slog.Handler

	if environment == "production" {
		// Production: JSON with structured fields
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     slog.LevelInfo,
			AddSource: true,
		})
	} else {
		// Development: Human-readable text
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	return slog.New(handler)
}

// newLogWriter returns stdout, teed into a rotating file when logFile is set.
// The returned closer is nil when no file is used.
func newLogWriter(logFile string) (io.Writer, io.Closer) {
	if logFile == "" {
		return os.Stdout, nil
	}
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotator), rotator
}
