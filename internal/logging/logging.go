// Package logging builds the daemon's slog logger from the [Logging]
// section: stderr and/or a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tracyhatemice/mailbot/internal/config"
)

const megabyte = 1 << 20

// neverRotate is the lumberjack MaxSize, in megabytes, used when no backups
// are kept: the file is appended to forever, as with BackupCount = 0 in a
// Python RotatingFileHandler.
const neverRotate = 1 << 30

// Logger wraps the slog logger together with the rotating file it writes to,
// if any.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// New builds a logger writing to stderr (when cfg.Console) and to cfg.LogFile.
func New(cfg config.Logging) (*Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.Logging, console io.Writer) (*Logger, error) {
	var (
		writers []io.Writer
		file    *lumberjack.Logger
	)
	if cfg.Console {
		writers = append(writers, console)
	}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		// lumberjack reads MaxBackups = 0 as "keep every backup".
		file = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    maxSizeMB(cfg.MaxBytes),
			MaxBackups: cfg.BackupCount,
			LocalTime:  true,
		}
		if cfg.BackupCount == 0 {
			file.MaxSize = neverRotate
		}
		if cfg.RotateOnStartup && cfg.BackupCount > 0 {
			if err := file.Rotate(); err != nil {
				return nil, fmt.Errorf("rotate log file: %w", err)
			}
		}
		writers = append(writers, file)
	}
	if len(writers) == 0 {
		return nil, fmt.Errorf("no log destination configured")
	}

	lvl := slog.LevelInfo
	if cfg.Verbose {
		lvl = slog.LevelDebug
	}
	h := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: lvl})
	return &Logger{Logger: slog.New(h), file: file}, nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// lumberjack rotates on whole megabytes.
func maxSizeMB(maxBytes int64) int {
	mb := (maxBytes + megabyte - 1) / megabyte
	if mb < 1 {
		mb = 1
	}
	return int(mb)
}
