// Package scrape contains the resumable crawl pipeline: stage
// orchestration, person deduplication, tournament scan-state tracking,
// and the run modes that tie them together.
package scrape

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SeasonRecord is a season payload ready for persistence.
type SeasonRecord struct {
	ID   uuid.UUID
	Data json.RawMessage
}

// TournamentRecord is a tournament payload with its parent season.
type TournamentRecord struct {
	ID       uuid.UUID
	SeasonID uuid.UUID
	Data     json.RawMessage
}

// MatchRecord is a match payload with its parent tournament.
type MatchRecord struct {
	ID           uuid.UUID
	TournamentID uuid.UUID
	Data         json.RawMessage
}

// RaceRecord is a race payload with its parent match.
type RaceRecord struct {
	ID      uuid.UUID
	MatchID uuid.UUID
	Data    json.RawMessage
}

// PersonRecord carries whichever person sub-records a run has fetched.
// Nil members leave the stored value untouched.
type PersonRecord struct {
	ID       uuid.UUID
	Basic    json.RawMessage
	Detailed json.RawMessage
	Overview json.RawMessage
}

// TournamentRef identifies a stored tournament that still needs (or is
// being forced through) match expansion.
type TournamentRef struct {
	ID       uuid.UUID
	RemoteID string
	Name     string
}

// PersonSeen is one distinct person occurrence extracted from stored
// race payloads.
type PersonSeen struct {
	ID       uuid.UUID
	RemoteID string
	Data     json.RawMessage
}

// Store is the persistence surface the pipeline writes through. Both
// the Postgres and filesystem implementations satisfy it.
type Store interface {
	// Acquire opens a write batch. Each worker holds its own batch for
	// the duration of one item batch.
	Acquire(ctx context.Context) (Batch, error)
	// PersonIDs lists every stored person ID, used to seed the dedup cache.
	PersonIDs(ctx context.Context) ([]uuid.UUID, error)
	// PendingTournaments lists tournaments awaiting match expansion.
	// With includeScanned, already-expanded tournaments are returned too.
	PendingTournaments(ctx context.Context, includeScanned bool) ([]TournamentRef, error)
	// RacePersons extracts the distinct persons referenced by stored
	// races. With pendingOnly, only races under unscanned tournaments
	// are considered.
	RacePersons(ctx context.Context, pendingOnly bool) ([]PersonSeen, error)
	// Counts reports stored record totals per entity, for run summaries.
	Counts(ctx context.Context) (map[string]int64, error)
	Close()
}

// Batch is a unit of persistence work. Upserts are idempotent: writing
// the same record twice must converge on one stored row. Close without
// Commit discards staged writes where the backend supports it.
type Batch interface {
	UpsertSeason(ctx context.Context, rec SeasonRecord) error
	UpsertTournament(ctx context.Context, rec TournamentRecord) error
	UpsertMatch(ctx context.Context, rec MatchRecord) error
	UpsertRace(ctx context.Context, rec RaceRecord) error
	UpsertPerson(ctx context.Context, rec PersonRecord) error
	// MarkScanned flips a tournament's person-scan flag.
	MarkScanned(ctx context.Context, id uuid.UUID, at time.Time) error
	Commit(ctx context.Context) error
	Close(ctx context.Context) error
}
