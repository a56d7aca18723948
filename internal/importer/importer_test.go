package importer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/scrape"
	"github.com/infomdss/knrb-crawler/internal/store/fsjson"
)

// recorderStore is a minimal scrape.Store capturing imported records.
type recorderStore struct {
	mu          sync.Mutex
	seasons     map[uuid.UUID]scrape.SeasonRecord
	tournaments map[uuid.UUID]scrape.TournamentRecord
	matches     map[uuid.UUID]scrape.MatchRecord
	races       map[uuid.UUID]scrape.RaceRecord
	persons     map[uuid.UUID]scrape.PersonRecord
	scanned     map[uuid.UUID]time.Time
	failPerson  uuid.UUID
}

func newRecorder() *recorderStore {
	return &recorderStore{
		seasons:     make(map[uuid.UUID]scrape.SeasonRecord),
		tournaments: make(map[uuid.UUID]scrape.TournamentRecord),
		matches:     make(map[uuid.UUID]scrape.MatchRecord),
		races:       make(map[uuid.UUID]scrape.RaceRecord),
		persons:     make(map[uuid.UUID]scrape.PersonRecord),
		scanned:     make(map[uuid.UUID]time.Time),
	}
}

func (r *recorderStore) Acquire(context.Context) (scrape.Batch, error) {
	return &recorderBatch{r: r}, nil
}

func (r *recorderStore) PersonIDs(context.Context) ([]uuid.UUID, error) { return nil, nil }
func (r *recorderStore) PendingTournaments(context.Context, bool) ([]scrape.TournamentRef, error) {
	return nil, nil
}
func (r *recorderStore) RacePersons(context.Context, bool) ([]scrape.PersonSeen, error) {
	return nil, nil
}
func (r *recorderStore) Counts(context.Context) (map[string]int64, error) { return nil, nil }
func (r *recorderStore) Close()                                           {}

type recorderBatch struct {
	r *recorderStore
}

func (b *recorderBatch) UpsertSeason(_ context.Context, rec scrape.SeasonRecord) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.r.seasons[rec.ID] = rec
	return nil
}

func (b *recorderBatch) UpsertTournament(_ context.Context, rec scrape.TournamentRecord) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.r.tournaments[rec.ID] = rec
	return nil
}

func (b *recorderBatch) UpsertMatch(_ context.Context, rec scrape.MatchRecord) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.r.matches[rec.ID] = rec
	return nil
}

func (b *recorderBatch) UpsertRace(_ context.Context, rec scrape.RaceRecord) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.r.races[rec.ID] = rec
	return nil
}

func (b *recorderBatch) UpsertPerson(_ context.Context, rec scrape.PersonRecord) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	if rec.ID == b.r.failPerson {
		return errors.New("constraint violation")
	}
	b.r.persons[rec.ID] = rec
	return nil
}

func (b *recorderBatch) MarkScanned(_ context.Context, id uuid.UUID, at time.Time) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.r.scanned[id] = at
	return nil
}

func (b *recorderBatch) Commit(context.Context) error { return nil }
func (b *recorderBatch) Close(context.Context) error  { return nil }

// buildTree writes a small dataset to disk via the fsjson store and
// returns it with the IDs used.
func buildTree(t *testing.T) (*fsjson.Store, map[string]uuid.UUID) {
	t.Helper()
	src, err := fsjson.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	batch, err := src.Acquire(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	ids := map[string]uuid.UUID{
		"season": uuid.New(), "tourScanned": uuid.New(), "tourPending": uuid.New(),
		"match": uuid.New(), "race": uuid.New(), "person": uuid.New(),
	}

	require.NoError(t, batch.UpsertSeason(ctx,
		scrape.SeasonRecord{ID: ids["season"], Data: json.RawMessage(`{"id":"s1"}`)}))
	require.NoError(t, batch.UpsertTournament(ctx,
		scrape.TournamentRecord{ID: ids["tourScanned"], SeasonID: ids["season"], Data: json.RawMessage(`{"id":"t1"}`)}))
	require.NoError(t, batch.MarkScanned(ctx, ids["tourScanned"], time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, batch.UpsertTournament(ctx,
		scrape.TournamentRecord{ID: ids["tourPending"], SeasonID: ids["season"], Data: json.RawMessage(`{"id":"t2"}`)}))
	require.NoError(t, batch.UpsertMatch(ctx,
		scrape.MatchRecord{ID: ids["match"], TournamentID: ids["tourScanned"], Data: json.RawMessage(`{"id":"m1"}`)}))
	require.NoError(t, batch.UpsertRace(ctx,
		scrape.RaceRecord{ID: ids["race"], MatchID: ids["match"], Data: json.RawMessage(`{"id":"r1"}`)}))
	require.NoError(t, batch.UpsertPerson(ctx, scrape.PersonRecord{
		ID:       ids["person"],
		Basic:    json.RawMessage(`{"personId":101}`),
		Detailed: json.RawMessage(`{"personId":101,"club":"KNRB"}`),
	}))
	return src, ids
}

func TestImportCopiesWholeTree(t *testing.T) {
	t.Parallel()

	src, ids := buildTree(t)
	dst := newRecorder()

	imp := New(src, dst, 2, nil, zap.NewNop())
	report, err := imp.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Errored())

	require.Len(t, dst.seasons, 1)
	require.Len(t, dst.tournaments, 2)
	require.Len(t, dst.matches, 1)
	require.Len(t, dst.races, 1)
	require.Len(t, dst.persons, 1)

	require.Equal(t, ids["season"], dst.tournaments[ids["tourScanned"]].SeasonID)
	require.Equal(t, ids["tourScanned"], dst.matches[ids["match"]].TournamentID)
	require.Equal(t, ids["match"], dst.races[ids["race"]].MatchID)

	// Scan state and its timestamp survive the import.
	require.Contains(t, dst.scanned, ids["tourScanned"])
	require.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), dst.scanned[ids["tourScanned"]])
	require.NotContains(t, dst.scanned, ids["tourPending"])

	person := dst.persons[ids["person"]]
	require.NotNil(t, person.Basic)
	require.NotNil(t, person.Detailed)
	require.Nil(t, person.Overview)

	require.EqualValues(t, 2, report.Stages["tournaments"].Succeeded)
	require.EqualValues(t, 1, report.Stages["persons"].Succeeded)
}

func TestImportIsolatesRecordFailures(t *testing.T) {
	t.Parallel()

	src, ids := buildTree(t)
	dst := newRecorder()
	dst.failPerson = ids["person"]

	imp := New(src, dst, 1, nil, zap.NewNop())
	report, err := imp.Run(context.Background())
	require.NoError(t, err, "record failures do not abort the import")
	require.True(t, report.Errored())

	require.EqualValues(t, 1, report.Stages["persons"].Failed)
	require.EqualValues(t, 1, report.Stages["races"].Succeeded, "other stages are unaffected")
}

func TestImportEmptyTree(t *testing.T) {
	t.Parallel()

	src, err := fsjson.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	imp := New(src, newRecorder(), 4, nil, zap.NewNop())
	report, err := imp.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Errored())
	require.EqualValues(t, 0, report.Stages["seasons"].Succeeded)
}
