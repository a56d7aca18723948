package scrape

import (
	"context"

	"github.com/google/uuid"

	"github.com/infomdss/knrb-crawler/internal/clock"
)

// Tracker owns tournament scan state. It is the only component that
// reads or flips the persons-scanned flag, so the resume semantics
// live in one place.
type Tracker struct {
	store    Store
	forceAll bool
	clk      clock.Clock
}

// NewTracker returns a tracker over the given store. With forceAll,
// Pending returns every tournament, scanned or not.
func NewTracker(store Store, forceAll bool) *Tracker {
	return &Tracker{store: store, forceAll: forceAll, clk: clock.System{}}
}

// Pending lists the tournaments this run should expand.
func (t *Tracker) Pending(ctx context.Context) ([]TournamentRef, error) {
	return t.store.PendingTournaments(ctx, t.forceAll)
}

// MarkScanned flips a tournament's flag inside the caller's batch. It
// must only be called after the tournament's matches, races, and
// persons have all been persisted.
func (t *Tracker) MarkScanned(ctx context.Context, b Batch, id uuid.UUID) error {
	return b.MarkScanned(ctx, id, t.clk.Now())
}
