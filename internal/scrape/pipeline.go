package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/clock"
	"github.com/infomdss/knrb-crawler/internal/foys"
	"github.com/infomdss/knrb-crawler/internal/progress"
)

// API is the remote catalog surface the pipeline crawls. *foys.Client
// satisfies it.
type API interface {
	Seasons(ctx context.Context) ([]foys.Season, error)
	Tournaments(ctx context.Context, season foys.Season) ([]foys.Tournament, error)
	Matches(ctx context.Context, tournamentRemoteID string) ([]foys.Match, error)
	PersonDetail(ctx context.Context, personRemoteID string) (json.RawMessage, bool, error)
	PersonOverview(ctx context.Context, personRemoteID string) (json.RawMessage, bool, error)
}

// Mode selects how much previously stored work a run redoes.
type Mode int

const (
	// ModeResume expands only unscanned tournaments and skips persons
	// already stored. The default.
	ModeResume Mode = iota
	// ModeFull revisits every tournament but still skips stored persons.
	ModeFull
	// ModeRefetchPersons revisits every tournament and refetches every
	// person's sub-records regardless of what is stored.
	ModeRefetchPersons
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeRefetchPersons:
		return "refetch-persons"
	default:
		return "resume"
	}
}

// Stage names, also used as progress event labels.
const (
	StageSeasons     = "seasons"
	StageTournaments = "tournaments"
	StageMatches     = "matches"
	StagePersons     = "persons"
)

// Options configure one pipeline run.
type Options struct {
	Workers int
	Mode    Mode
	// Step limits the run to a single stage. Empty runs all stages.
	Step string
}

// Summary is what a finished run reports.
type Summary struct {
	RunID   uuid.UUID
	Mode    Mode
	Stages  map[string]StageResult
	Counts  map[string]int64
	Elapsed time.Duration
}

// Errored reports whether any stage had failed or skipped items.
func (s *Summary) Errored() bool {
	for _, res := range s.Stages {
		if res.Errored() {
			return true
		}
	}
	return false
}

// String renders a compact one-line run summary.
func (s *Summary) String() string {
	names := make([]string, 0, len(s.Stages))
	for name := range s.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		res := s.Stages[name]
		part := fmt.Sprintf("%s ok=%d err=%d", name, res.Succeeded, res.Failed)
		if res.Skipped > 0 {
			part += fmt.Sprintf(" skipped=%d", res.Skipped)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

// Pipeline drives the staged crawl: seasons, tournaments, matches with
// their races, then persons, flipping tournament scan flags last.
type Pipeline struct {
	api     API
	store   Store
	cache   *PersonCache
	tracker *Tracker
	opts    Options
	emitter progress.Emitter
	logger  *zap.Logger
	clk     clock.Clock

	runID uuid.UUID

	// Season list carried from the seasons stage so the tournaments
	// stage does not hit the remote again in the same run.
	seasons []foys.Season

	mu           sync.Mutex
	failedExpand map[uuid.UUID]struct{}
}

// New assembles a pipeline. Emitter may be nil when no progress
// reporting is wanted.
func New(api API, store Store, opts Options, emitter progress.Emitter, logger *zap.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Pipeline{
		api:          api,
		store:        store,
		cache:        NewPersonCache(opts.Mode == ModeRefetchPersons),
		tracker:      NewTracker(store, opts.Mode != ModeResume),
		opts:         opts,
		emitter:      emitter,
		logger:       logger,
		clk:          clock.System{},
		failedExpand: make(map[uuid.UUID]struct{}),
	}
}

// Run executes the configured stages and returns a summary. The error
// is non-nil only when the run could not proceed at all; per-item
// failures are reported through the summary instead.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	start := p.clk.Now()
	p.runID = uuid.New()
	summary := &Summary{
		RunID:  p.runID,
		Mode:   p.opts.Mode,
		Stages: make(map[string]StageResult),
	}
	p.logger.Info("starting run",
		zap.String("run", summary.RunID.String()),
		zap.String("mode", p.opts.Mode.String()),
		zap.String("step", p.opts.Step),
		zap.Int("workers", p.opts.Workers),
	)

	runErr := p.runStages(ctx, summary)

	summary.Elapsed = p.clk.Now().Sub(start)
	if counts, err := p.store.Counts(ctx); err != nil {
		p.logger.Warn("could not collect store counts", zap.Error(err))
	} else {
		summary.Counts = counts
	}

	if p.emitter != nil {
		ev := progress.Event{
			RunID: progress.UUIDToBytes(summary.RunID),
			TS:    p.clk.Now(),
			Kind:  progress.KindRunDone,
			Dur:   summary.Elapsed,
			Note:  summary.String(),
		}
		if runErr != nil {
			ev.Kind = progress.KindRunError
			ev.Note = runErr.Error()
		}
		p.emitter.Emit(ev)
	}
	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

func (p *Pipeline) runStages(ctx context.Context, summary *Summary) error {
	type stage struct {
		name string
		run  func(context.Context, *Summary) error
	}
	all := []stage{
		{StageSeasons, p.runSeasons},
		{StageTournaments, p.runTournaments},
		{StageMatches, p.runMatches},
		{StagePersons, p.runPersons},
	}

	var selected []stage
	for _, st := range all {
		if p.opts.Step == "" || p.opts.Step == st.name {
			selected = append(selected, st)
		}
	}
	if len(selected) == 0 {
		return fmt.Errorf("unknown stage %q", p.opts.Step)
	}

	for _, st := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := st.run(ctx, summary); err != nil {
			return fmt.Errorf("stage %s: %w", st.name, err)
		}
	}
	return nil
}

// runSeasons fetches the season catalog and persists it in one batch.
// The season list is the root of the crawl; an empty result aborts the
// run rather than silently doing nothing.
func (p *Pipeline) runSeasons(ctx context.Context, summary *Summary) error {
	seasons, err := p.api.Seasons(ctx)
	if err != nil {
		return fmt.Errorf("fetching seasons: %w", err)
	}
	if len(seasons) == 0 {
		return fmt.Errorf("no seasons returned for federation")
	}
	p.seasons = seasons

	res := RunStage(ctx, p.stageOpts(StageSeasons, len(seasons)), seasons,
		func(ctx context.Context, items []foys.Season) (Outcome, error) {
			batch, err := p.store.Acquire(ctx)
			if err != nil {
				return Outcome{}, err
			}
			defer batch.Close(ctx)
			var out Outcome
			for _, season := range items {
				rec := SeasonRecord{ID: season.ID, Data: season.Raw}
				if err := batch.UpsertSeason(ctx, rec); err != nil {
					p.logger.Warn("season upsert failed",
						zap.String("season", season.RemoteID), zap.Error(err))
					out.Failed++
					continue
				}
				out.Succeeded++
			}
			return out, batch.Commit(ctx)
		})
	summary.Stages[StageSeasons] = res
	return nil
}

// runTournaments lists tournaments per season and persists them. New
// tournaments start unscanned; known ones keep their flag. The season
// list from the seasons stage is reused; a single-stage run fetches it.
func (p *Pipeline) runTournaments(ctx context.Context, summary *Summary) error {
	seasons := p.seasons
	if seasons == nil {
		fetched, err := p.api.Seasons(ctx)
		if err != nil {
			return fmt.Errorf("fetching seasons: %w", err)
		}
		seasons = fetched
	}

	res := RunStage(ctx, p.stageOpts(StageTournaments, len(seasons)), seasons,
		func(ctx context.Context, items []foys.Season) (Outcome, error) {
			batch, err := p.store.Acquire(ctx)
			if err != nil {
				return Outcome{}, err
			}
			defer batch.Close(ctx)
			var out Outcome
			for _, season := range items {
				tournaments, err := p.api.Tournaments(ctx, season)
				if err != nil {
					p.logger.Warn("tournament listing failed",
						zap.String("season", season.Name), zap.Error(err))
					out.Failed++
					continue
				}
				ok := true
				for _, tour := range tournaments {
					rec := TournamentRecord{ID: tour.ID, SeasonID: season.ID, Data: tour.Raw}
					if err := batch.UpsertTournament(ctx, rec); err != nil {
						p.logger.Warn("tournament upsert failed",
							zap.String("tournament", tour.Name), zap.Error(err))
						ok = false
					}
				}
				if ok {
					out.Succeeded++
				} else {
					out.Failed++
				}
			}
			return out, batch.Commit(ctx)
		})
	summary.Stages[StageTournaments] = res
	return nil
}

// runMatches expands pending tournaments into matches and races. A
// tournament whose expansion fails is remembered so its scan flag is
// never flipped this run.
func (p *Pipeline) runMatches(ctx context.Context, summary *Summary) error {
	pending, err := p.tracker.Pending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending tournaments: %w", err)
	}
	p.logger.Info("expanding tournaments", zap.Int("pending", len(pending)))

	res := RunStage(ctx, p.stageOpts(StageMatches, len(pending)), pending,
		func(ctx context.Context, items []TournamentRef) (Outcome, error) {
			batch, err := p.store.Acquire(ctx)
			if err != nil {
				p.noteExpandFailures(items)
				return Outcome{}, err
			}
			defer batch.Close(ctx)
			var out Outcome
			for _, tour := range items {
				if err := p.expandTournament(ctx, batch, tour); err != nil {
					p.logger.Warn("tournament expansion failed",
						zap.String("tournament", tour.Name), zap.Error(err))
					p.noteExpandFailures([]TournamentRef{tour})
					out.Failed++
					continue
				}
				out.Succeeded++
			}
			if err := batch.Commit(ctx); err != nil {
				p.noteExpandFailures(items)
				return out, err
			}
			return out, nil
		})
	summary.Stages[StageMatches] = res
	return nil
}

func (p *Pipeline) expandTournament(ctx context.Context, batch Batch, tour TournamentRef) error {
	matches, err := p.api.Matches(ctx, tour.RemoteID)
	if err != nil {
		return err
	}
	for _, match := range matches {
		if err := batch.UpsertMatch(ctx, MatchRecord{ID: match.ID, TournamentID: tour.ID, Data: match.Raw}); err != nil {
			return err
		}
		for _, race := range match.Races {
			if err := batch.UpsertRace(ctx, RaceRecord{ID: race.ID, MatchID: match.ID, Data: race.Raw}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) noteExpandFailures(items []TournamentRef) {
	p.mu.Lock()
	for _, t := range items {
		p.failedExpand[t.ID] = struct{}{}
	}
	p.mu.Unlock()
}

// runPersons enriches the distinct persons referenced by stored races,
// then flips the scan flag of every cleanly expanded tournament.
func (p *Pipeline) runPersons(ctx context.Context, summary *Summary) error {
	if p.opts.Mode != ModeRefetchPersons {
		ids, err := p.store.PersonIDs(ctx)
		if err != nil {
			return fmt.Errorf("seeding person cache: %w", err)
		}
		p.cache.Seed(ids)
	}

	pendingOnly := p.opts.Mode == ModeResume
	persons, err := p.store.RacePersons(ctx, pendingOnly)
	if err != nil {
		return fmt.Errorf("extracting persons from races: %w", err)
	}

	todo := make([]PersonSeen, 0, len(persons))
	for _, person := range persons {
		if p.cache.Seen(person.ID) {
			continue
		}
		todo = append(todo, person)
	}
	p.logger.Info("enriching persons",
		zap.Int("referenced", len(persons)),
		zap.Int("to_fetch", len(todo)),
		zap.Int("cached", p.cache.Len()),
	)

	res := RunStage(ctx, p.stageOpts(StagePersons, len(todo)), todo,
		func(ctx context.Context, items []PersonSeen) (Outcome, error) {
			batch, err := p.store.Acquire(ctx)
			if err != nil {
				return Outcome{}, err
			}
			defer batch.Close(ctx)
			var out Outcome
			stored := make([]uuid.UUID, 0, len(items))
			for _, person := range items {
				if err := p.enrichPerson(ctx, batch, person); err != nil {
					p.logger.Warn("person enrichment failed",
						zap.String("person", person.RemoteID), zap.Error(err))
					out.Failed++
					continue
				}
				out.Succeeded++
				stored = append(stored, person.ID)
			}
			if err := batch.Commit(ctx); err != nil {
				return out, err
			}
			// Mark only once the writes are durable.
			for _, id := range stored {
				p.cache.Mark(id)
			}
			return out, nil
		})
	summary.Stages[StagePersons] = res

	if err := p.flipScanned(ctx); err != nil {
		return fmt.Errorf("marking tournaments scanned: %w", err)
	}
	return nil
}

// enrichPerson persists the inline payload, then the detailed record,
// then the career overview. Either remote lookup may legitimately be
// absent; absence is not a failure.
func (p *Pipeline) enrichPerson(ctx context.Context, batch Batch, person PersonSeen) error {
	rec := PersonRecord{ID: person.ID, Basic: person.Data}

	detail, found, err := p.api.PersonDetail(ctx, person.RemoteID)
	if err != nil {
		return fmt.Errorf("detail: %w", err)
	}
	if found {
		rec.Detailed = detail
	}

	overview, found, err := p.api.PersonOverview(ctx, person.RemoteID)
	if err != nil {
		return fmt.Errorf("overview: %w", err)
	}
	if found {
		rec.Overview = overview
	}

	return batch.UpsertPerson(ctx, rec)
}

// flipScanned marks every pending tournament whose expansion did not
// fail. Tournaments that were never expanded this run (single-stage
// persons) are flipped too: their stored races were just scanned.
func (p *Pipeline) flipScanned(ctx context.Context) error {
	pending, err := p.tracker.Pending(ctx)
	if err != nil {
		return err
	}
	batch, err := p.store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer batch.Close(ctx)

	flipped := 0
	p.mu.Lock()
	failed := make(map[uuid.UUID]struct{}, len(p.failedExpand))
	for id := range p.failedExpand {
		failed[id] = struct{}{}
	}
	p.mu.Unlock()

	for _, tour := range pending {
		if _, bad := failed[tour.ID]; bad {
			continue
		}
		if err := p.tracker.MarkScanned(ctx, batch, tour.ID); err != nil {
			return err
		}
		flipped++
	}
	if err := batch.Commit(ctx); err != nil {
		return err
	}
	p.logger.Info("tournaments marked scanned",
		zap.Int("flipped", flipped),
		zap.Int("held_back", len(failed)),
	)
	return nil
}

func (p *Pipeline) stageOpts(name string, n int) StageOptions {
	perWorker, floor := 2, 1
	if name == StagePersons {
		perWorker, floor = 4, 10
	}
	return StageOptions{
		Name:        name,
		Concurrency: p.opts.Workers,
		BatchSize:   BatchSize(n, p.opts.Workers, perWorker, floor),
		RunID:       p.runID,
		Emitter:     p.emitter,
	}
}
