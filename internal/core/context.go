package core

import (
	"context"

	"github.com/google/uuid"

	"github.com/JonMunkholm/allocsync/internal/logging"
)

type contextKey string

const ctxKeyRunID contextKey = "run_id"

// ContextWithRunID tags ctx with an ingest run id. Loggers derived from the
// returned context carry run_id.
func ContextWithRunID(ctx context.Context, id uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, ctxKeyRunID, id)
	return logging.ContextWith(ctx, "run_id", id.String())
}

// RunIDFromContext extracts the ingest run id from context.
func RunIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKeyRunID).(uuid.UUID)
	return id, ok
}
