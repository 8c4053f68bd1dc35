package moderation

import (
	"context"
	"time"

	"conarchive/api/internal/store"
)

// Change is handed to observers once an approval has committed.
type Change struct {
	Submission store.Submission
	Result     Result
	DecidedBy  int64
	DecidedAt  time.Time
}

// Observer reacts to committed approvals: search indexing, history snapshots.
// A failing observer is logged and never undoes the decision.
type Observer interface {
	AfterApply(ctx context.Context, change Change) error
}
