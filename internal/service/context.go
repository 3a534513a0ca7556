package service

import (
	"context"
	"log/slog"

	"github.com/orgbridge/orgbridge/internal/ctxkey"
)

// loggerFromContext returns the request-enriched logger set by the HTTP
// middleware, or nil.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}
