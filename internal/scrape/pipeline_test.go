package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/foys"
)

// ---- in-memory store ----

type memStore struct {
	mu          sync.Mutex
	seasons     map[uuid.UUID]SeasonRecord
	tournaments map[uuid.UUID]TournamentRecord
	scanned     map[uuid.UUID]bool
	matches     map[uuid.UUID]MatchRecord
	races       map[uuid.UUID]RaceRecord
	persons     map[uuid.UUID]PersonRecord
	flips       int
	acquireErr  error
}

func newMemStore() *memStore {
	return &memStore{
		seasons:     make(map[uuid.UUID]SeasonRecord),
		tournaments: make(map[uuid.UUID]TournamentRecord),
		scanned:     make(map[uuid.UUID]bool),
		matches:     make(map[uuid.UUID]MatchRecord),
		races:       make(map[uuid.UUID]RaceRecord),
		persons:     make(map[uuid.UUID]PersonRecord),
	}
}

func (s *memStore) Acquire(context.Context) (Batch, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return &memBatch{s: s}, nil
}

func (s *memStore) PersonIDs(context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.persons))
	for id := range s.persons {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) PendingTournaments(_ context.Context, includeScanned bool) ([]TournamentRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TournamentRef
	for id, rec := range s.tournaments {
		if !includeScanned && s.scanned[id] {
			continue
		}
		var stub struct {
			ID   any    `json:"id"`
			Name string `json:"name"`
		}
		_ = json.Unmarshal(rec.Data, &stub)
		out = append(out, TournamentRef{ID: id, RemoteID: fmt.Sprint(stub.ID), Name: stub.Name})
	}
	return out, nil
}

func (s *memStore) RacePersons(_ context.Context, pendingOnly bool) ([]PersonSeen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]struct{})
	var out []PersonSeen
	for _, race := range s.races {
		match, ok := s.matches[race.MatchID]
		if !ok {
			continue
		}
		if pendingOnly && s.scanned[match.TournamentID] {
			continue
		}
		refs, err := foys.ExtractPersons(race.Data)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			out = append(out, PersonSeen{ID: ref.ID, RemoteID: ref.RemoteID, Data: ref.Raw})
		}
	}
	return out, nil
}

func (s *memStore) Counts(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{
		"seasons":     int64(len(s.seasons)),
		"tournaments": int64(len(s.tournaments)),
		"matches":     int64(len(s.matches)),
		"races":       int64(len(s.races)),
		"persons":     int64(len(s.persons)),
	}, nil
}

func (s *memStore) Close() {}

type memBatch struct {
	s *memStore
}

func (b *memBatch) UpsertSeason(_ context.Context, rec SeasonRecord) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.seasons[rec.ID] = rec
	return nil
}

func (b *memBatch) UpsertTournament(_ context.Context, rec TournamentRecord) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.tournaments[rec.ID] = rec
	return nil
}

func (b *memBatch) UpsertMatch(_ context.Context, rec MatchRecord) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.matches[rec.ID] = rec
	return nil
}

func (b *memBatch) UpsertRace(_ context.Context, rec RaceRecord) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.races[rec.ID] = rec
	return nil
}

func (b *memBatch) UpsertPerson(_ context.Context, rec PersonRecord) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	cur := b.s.persons[rec.ID]
	cur.ID = rec.ID
	if rec.Basic != nil {
		cur.Basic = rec.Basic
	}
	if rec.Detailed != nil {
		cur.Detailed = rec.Detailed
	}
	if rec.Overview != nil {
		cur.Overview = rec.Overview
	}
	b.s.persons[rec.ID] = cur
	return nil
}

func (b *memBatch) MarkScanned(_ context.Context, id uuid.UUID, _ time.Time) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if !b.s.scanned[id] {
		b.s.flips++
	}
	b.s.scanned[id] = true
	return nil
}

func (b *memBatch) Commit(context.Context) error { return nil }
func (b *memBatch) Close(context.Context) error  { return nil }

// ---- fake remote API ----

type fakeAPI struct {
	mu          sync.Mutex
	seasons     []foys.Season
	tournaments map[string][]foys.Tournament
	matches     map[string][]foys.Match
	matchErr    map[string]error
	details     map[string]json.RawMessage
	overviews   map[string]json.RawMessage
	detailCalls map[string]int
	seasonCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		tournaments: make(map[string][]foys.Tournament),
		matches:     make(map[string][]foys.Match),
		matchErr:    make(map[string]error),
		details:     make(map[string]json.RawMessage),
		overviews:   make(map[string]json.RawMessage),
		detailCalls: make(map[string]int),
	}
}

func (f *fakeAPI) Seasons(context.Context) ([]foys.Season, error) {
	f.mu.Lock()
	f.seasonCalls++
	f.mu.Unlock()
	return f.seasons, nil
}

func (f *fakeAPI) Tournaments(_ context.Context, season foys.Season) ([]foys.Tournament, error) {
	return f.tournaments[season.RemoteID], nil
}

func (f *fakeAPI) Matches(_ context.Context, tournamentRemoteID string) ([]foys.Match, error) {
	if err := f.matchErr[tournamentRemoteID]; err != nil {
		return nil, err
	}
	return f.matches[tournamentRemoteID], nil
}

func (f *fakeAPI) PersonDetail(_ context.Context, remoteID string) (json.RawMessage, bool, error) {
	f.mu.Lock()
	f.detailCalls[remoteID]++
	f.mu.Unlock()
	raw, ok := f.details[remoteID]
	return raw, ok, nil
}

func (f *fakeAPI) PersonOverview(_ context.Context, remoteID string) (json.RawMessage, bool, error) {
	raw, ok := f.overviews[remoteID]
	return raw, ok, nil
}

func (f *fakeAPI) calls(remoteID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls[remoteID]
}

// ---- fixtures ----

func mustID(t *testing.T, v any) uuid.UUID {
	t.Helper()
	id, err := foys.ParseID(v)
	require.NoError(t, err)
	return id
}

func fxSeason(t *testing.T, remote string) foys.Season {
	t.Helper()
	return foys.Season{
		ID:       mustID(t, remote),
		RemoteID: remote,
		Name:     "season " + remote,
		Raw:      json.RawMessage(fmt.Sprintf(`{"id":%q,"name":"season %s"}`, remote, remote)),
	}
}

func fxTournament(t *testing.T, remote string, season foys.Season) foys.Tournament {
	t.Helper()
	return foys.Tournament{
		ID:       mustID(t, remote),
		RemoteID: remote,
		SeasonID: season.ID,
		Name:     "tournament " + remote,
		Raw:      json.RawMessage(fmt.Sprintf(`{"id":%q,"name":"tournament %s"}`, remote, remote)),
	}
}

func fxRace(t *testing.T, remote string, personIDs ...int) foys.Race {
	t.Helper()
	members := make([]string, 0, len(personIDs))
	for _, pid := range personIDs {
		members = append(members, fmt.Sprintf(`{"person":{"personId":%d,"displayName":"rower %d"}}`, pid, pid))
	}
	raw := fmt.Sprintf(`{"id":%q,"raceTeams":[{"teamVersion":{"teamMembers":[%s]}}]}`,
		remote, joinJSON(members))
	return foys.Race{ID: mustID(t, remote), Raw: json.RawMessage(raw)}
}

func joinJSON(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func fxMatch(t *testing.T, remote string, races ...foys.Race) foys.Match {
	t.Helper()
	return foys.Match{
		ID:  mustID(t, remote),
		Raw: json.RawMessage(fmt.Sprintf(`{"id":%q}`, remote)),
		// Race payloads ride along the match response.
		Races: races,
	}
}

func seedTournament(t *testing.T, store *memStore, tour foys.Tournament, scanned bool) {
	t.Helper()
	batch, err := store.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, batch.UpsertTournament(context.Background(),
		TournamentRecord{ID: tour.ID, SeasonID: tour.SeasonID, Data: tour.Raw}))
	if scanned {
		require.NoError(t, batch.MarkScanned(context.Background(), tour.ID, time.Now()))
	}
	require.NoError(t, batch.Commit(context.Background()))
	store.flips = 0
}

// resumeWorld builds the canonical fixture: two seasons, three stored
// tournaments of which one is already scanned, and race payloads that
// reference four persons with plenty of repetition.
func resumeWorld(t *testing.T) (*fakeAPI, *memStore) {
	t.Helper()
	api := newFakeAPI()
	store := newMemStore()

	s1 := fxSeason(t, "fe1ffe1f-0000-0000-0000-000000000001")
	s2 := fxSeason(t, "fe1ffe1f-0000-0000-0000-000000000002")
	api.seasons = []foys.Season{s1, s2}

	t1 := fxTournament(t, "70000000-0000-0000-0000-000000000001", s1)
	t2 := fxTournament(t, "70000000-0000-0000-0000-000000000002", s1)
	t3 := fxTournament(t, "70000000-0000-0000-0000-000000000003", s2)
	api.tournaments[s1.RemoteID] = []foys.Tournament{t1, t2}
	api.tournaments[s2.RemoteID] = []foys.Tournament{t3}

	seedTournament(t, store, t1, true)
	seedTournament(t, store, t2, false)
	seedTournament(t, store, t3, false)

	// t2 expands to 3 matches / 4 races, t3 to 2 matches / 3 races.
	// Persons 101..104 repeat across crews; 104 rows only for t3.
	api.matches[t2.RemoteID] = []foys.Match{
		fxMatch(t, "a0000000-0000-0000-0000-000000000001",
			fxRace(t, "b0000000-0000-0000-0000-000000000001", 101, 102),
			fxRace(t, "b0000000-0000-0000-0000-000000000002", 102, 103),
		),
		fxMatch(t, "a0000000-0000-0000-0000-000000000002",
			fxRace(t, "b0000000-0000-0000-0000-000000000003", 101, 103),
		),
		fxMatch(t, "a0000000-0000-0000-0000-000000000003",
			fxRace(t, "b0000000-0000-0000-0000-000000000004", 103),
		),
	}
	api.matches[t3.RemoteID] = []foys.Match{
		fxMatch(t, "a0000000-0000-0000-0000-000000000004",
			fxRace(t, "b0000000-0000-0000-0000-000000000005", 104, 101),
			fxRace(t, "b0000000-0000-0000-0000-000000000006", 104),
		),
		fxMatch(t, "a0000000-0000-0000-0000-000000000005",
			fxRace(t, "b0000000-0000-0000-0000-000000000007", 102, 104),
		),
	}

	for _, pid := range []string{"101", "102", "103", "104"} {
		api.details[pid] = json.RawMessage(fmt.Sprintf(`{"id":%s,"club":"KNRB"}`, pid))
		api.overviews[pid] = json.RawMessage(fmt.Sprintf(`{"id":%s,"results":[]}`, pid))
	}
	return api, store
}

func newTestPipeline(api API, store Store, opts Options) *Pipeline {
	return New(api, store, opts, nil, zap.NewNop())
}

// ---- tests ----

func TestRunResumeScansOnlyPendingTournaments(t *testing.T) {
	t.Parallel()

	api, store := resumeWorld(t)

	// Person 101 is already stored from an earlier run.
	seeded := mustID(t, 101)
	store.persons[seeded] = PersonRecord{ID: seeded, Basic: json.RawMessage(`{"personId":101}`)}

	p := newTestPipeline(api, store, Options{Workers: 3, Mode: ModeResume})
	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.False(t, summary.Errored())

	require.Len(t, store.matches, 5)
	require.Len(t, store.races, 7)
	require.Len(t, store.persons, 4)

	// The stored person was skipped; the three new ones were fetched once each.
	require.Equal(t, 0, api.calls("101"))
	for _, pid := range []string{"102", "103", "104"} {
		require.Equal(t, 1, api.calls(pid), "person %s", pid)
	}

	// Exactly the two pending tournaments were flipped.
	require.Equal(t, 2, store.flips)
	pendingAfter, err := store.PendingTournaments(context.Background(), false)
	require.NoError(t, err)
	require.Empty(t, pendingAfter)

	require.EqualValues(t, 3, summary.Stages[StagePersons].Succeeded)
	require.EqualValues(t, 2, summary.Stages[StageMatches].Succeeded)
}

func TestRunPersonSubRecordsPersisted(t *testing.T) {
	t.Parallel()

	api, store := resumeWorld(t)
	// Person 104 has no overview record upstream.
	delete(api.overviews, "104")

	p := newTestPipeline(api, store, Options{Workers: 2, Mode: ModeResume})
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	full := store.persons[mustID(t, 102)]
	require.NotNil(t, full.Basic)
	require.NotNil(t, full.Detailed)
	require.NotNil(t, full.Overview)

	partial := store.persons[mustID(t, 104)]
	require.NotNil(t, partial.Basic)
	require.NotNil(t, partial.Detailed)
	require.Nil(t, partial.Overview, "a missing remote record stays empty, not an error")
}

func TestRunFullModeRevisitsScannedTournaments(t *testing.T) {
	t.Parallel()

	api, store := resumeWorld(t)
	t1Remote := "70000000-0000-0000-0000-000000000001"
	api.matches[t1Remote] = []foys.Match{
		fxMatch(t, "a0000000-0000-0000-0000-000000000009",
			fxRace(t, "b0000000-0000-0000-0000-000000000009", 101),
		),
	}

	p := newTestPipeline(api, store, Options{Workers: 2, Mode: ModeFull})
	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.False(t, summary.Errored())

	require.Len(t, store.matches, 6, "the scanned tournament is expanded too")
	require.EqualValues(t, 3, summary.Stages[StageMatches].Succeeded)
}

func TestRunRefetchPersonsBypassesStoredState(t *testing.T) {
	t.Parallel()

	api, store := resumeWorld(t)
	seeded := mustID(t, 101)
	store.persons[seeded] = PersonRecord{ID: seeded, Basic: json.RawMessage(`{"personId":101}`)}

	p := newTestPipeline(api, store, Options{Workers: 2, Mode: ModeRefetchPersons})
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, api.calls("101"), "stored persons are refetched in forced mode")
	require.NotNil(t, store.persons[seeded].Detailed)
}

func TestRunHoldsFlagOnExpansionFailure(t *testing.T) {
	t.Parallel()

	api, store := resumeWorld(t)
	t2Remote := "70000000-0000-0000-0000-000000000002"
	api.matchErr[t2Remote] = fmt.Errorf("upstream 503")

	p := newTestPipeline(api, store, Options{Workers: 2, Mode: ModeResume})
	summary, err := p.Run(context.Background())
	require.NoError(t, err, "item-level failures do not abort the run")
	require.True(t, summary.Errored())

	require.Equal(t, 1, store.flips, "only the cleanly expanded tournament flips")
	require.False(t, store.scanned[mustID(t, t2Remote)])
	require.True(t, store.scanned[mustID(t, "70000000-0000-0000-0000-000000000003")])

	// The next resume run picks the failed tournament back up.
	api.matchErr = map[string]error{}
	p2 := newTestPipeline(api, store, Options{Workers: 2, Mode: ModeResume})
	summary2, err := p2.Run(context.Background())
	require.NoError(t, err)
	require.False(t, summary2.Errored())
	require.True(t, store.scanned[mustID(t, t2Remote)])
	require.Len(t, store.races, 7)
}

func TestRunSingleStage(t *testing.T) {
	t.Parallel()

	api, store := resumeWorld(t)
	p := newTestPipeline(api, store, Options{Workers: 2, Mode: ModeResume, Step: StageSeasons})
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Stages, 1)
	require.Len(t, store.seasons, 2)
	require.Empty(t, store.matches)
	require.Zero(t, store.flips)
}

func TestRunFetchesSeasonsOnce(t *testing.T) {
	t.Parallel()

	api, store := resumeWorld(t)
	p := newTestPipeline(api, store, Options{Workers: 2, Mode: ModeFull})
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, api.seasonCalls, "tournaments stage must reuse the fetched season list")
}

func TestRunSingleStageTournamentsFetchesSeasons(t *testing.T) {
	t.Parallel()

	api, store := resumeWorld(t)
	p := newTestPipeline(api, store, Options{Workers: 2, Mode: ModeFull, Step: StageTournaments})
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, api.seasonCalls)
	require.Len(t, store.tournaments, 3)
}

func TestRunUnknownStage(t *testing.T) {
	t.Parallel()

	api, store := resumeWorld(t)
	p := newTestPipeline(api, store, Options{Workers: 2, Step: "bogus"})
	_, err := p.Run(context.Background())
	require.Error(t, err)
}

func TestRunFailsWithoutSeasons(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	store := newMemStore()
	p := newTestPipeline(api, store, Options{Workers: 1, Mode: ModeResume})
	_, err := p.Run(context.Background())
	require.ErrorContains(t, err, "no seasons")
}

func TestSummaryString(t *testing.T) {
	t.Parallel()

	s := &Summary{Stages: map[string]StageResult{
		"matches": {Succeeded: 5, Failed: 1},
		"seasons": {Succeeded: 2},
	}}
	require.Equal(t, "matches ok=5 err=1, seasons ok=2 err=0", s.String())
}
