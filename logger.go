package binstore

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/binstore/blobstore"
)

// Logger wraps slog.Logger with binstore-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithStore adds the store name to the logger.
func (l *Logger) WithStore(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("store", name),
	}
}

// LogWrite logs a blob write.
func (l *Logger) LogWrite(ctx context.Context, bc blobstore.BlobContext, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "write failed",
			"id", bc.ID,
			"xpath", bc.XPath,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "write completed",
		"id", bc.ID,
		"key", key,
	)
}

// LogRead logs a read. found is false for absent keys.
func (l *Logger) LogRead(ctx context.Context, op, key string, found bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"key", key,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, op+" completed",
		"key", key,
		"found", found,
	)
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"key", key,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "delete completed",
		"key", key,
	)
}

// LogCopy logs a copy or move between stores.
func (l *Logger) LogCopy(ctx context.Context, key, source, sourceKey string, move, copied bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "copy failed",
			"key", key,
			"source", source,
			"source_key", sourceKey,
			"move", move,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "copy completed",
		"key", key,
		"source", source,
		"source_key", sourceKey,
		"move", move,
		"copied", copied,
	)
}

// LogGC logs the end of a garbage collection run.
func (l *Logger) LogGC(ctx context.Context, status blobstore.BinaryManagerStatus, deleted bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "garbage collection failed",
			"binaries_gc", status.NumBinariesGC,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "garbage collection completed",
		"binaries", status.NumBinaries,
		"binaries_gc", status.NumBinariesGC,
		"bytes_gc", status.SizeBinariesGC,
		"deleted", deleted,
		"duration", status.GCDuration.Round(time.Millisecond),
	)
}

// LogCommit logs the end of a transaction.
func (l *Logger) LogCommit(ctx context.Context, txID string, committed bool, err error) {
	action := "rollback"
	if committed {
		action = "commit"
	}
	if err != nil {
		l.ErrorContext(ctx, "transaction "+action+" failed",
			"tx", txID,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "transaction "+action+" completed",
		"tx", txID,
	)
}
