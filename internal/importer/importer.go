// Package importer loads a filesystem JSON dataset into another store,
// typically Postgres. It preserves relations, tournament scan state,
// and person sub-records, so a crawl captured to disk can resume
// against a database afterwards.
package importer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/progress"
	"github.com/infomdss/knrb-crawler/internal/scrape"
	"github.com/infomdss/knrb-crawler/internal/store/fsjson"
)

// Importer copies every record from a file tree into a target store.
type Importer struct {
	src     *fsjson.Store
	dst     scrape.Store
	workers int
	emitter progress.Emitter
	logger  *zap.Logger
}

// New assembles an importer. Emitter may be nil.
func New(src *fsjson.Store, dst scrape.Store, workers int, emitter progress.Emitter, logger *zap.Logger) *Importer {
	if workers < 1 {
		workers = 1
	}
	return &Importer{src: src, dst: dst, workers: workers, emitter: emitter, logger: logger}
}

// Report summarizes one import run.
type Report struct {
	RunID   uuid.UUID
	Stages  map[string]scrape.StageResult
	Elapsed time.Duration
}

// Errored reports whether any record failed to import.
func (r *Report) Errored() bool {
	for _, res := range r.Stages {
		if res.Errored() {
			return true
		}
	}
	return false
}

// item is one record staged for import; apply writes it into a batch.
type item struct {
	id    uuid.UUID
	apply func(ctx context.Context, b scrape.Batch) error
}

// Run imports parents before children so the target's relational
// constraints hold at every point.
func (i *Importer) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.New(), Stages: make(map[string]scrape.StageResult)}
	i.logger.Info("starting import",
		zap.String("run", report.RunID.String()),
		zap.String("source", i.src.Root()),
		zap.Int("workers", i.workers),
	)

	stages := []struct {
		name string
		load func() ([]item, error)
	}{
		{"seasons", i.seasonItems},
		{"tournaments", i.tournamentItems},
		{"matches", i.matchItems},
		{"races", i.raceItems},
		{"persons", i.personItems},
	}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		items, err := stage.load()
		if err != nil {
			return report, fmt.Errorf("loading %s: %w", stage.name, err)
		}
		report.Stages[stage.name] = i.runStage(ctx, stage.name, report.RunID, items)
	}

	report.Elapsed = time.Since(start)
	if i.emitter != nil {
		i.emitter.Emit(progress.Event{
			RunID: progress.UUIDToBytes(report.RunID),
			TS:    time.Now().UTC(),
			Kind:  progress.KindRunDone,
			Dur:   report.Elapsed,
			Note:  fmt.Sprintf("imported %d records", i.totalSucceeded(report)),
		})
	}
	return report, nil
}

func (i *Importer) totalSucceeded(report *Report) int64 {
	var n int64
	for _, res := range report.Stages {
		n += res.Succeeded
	}
	return n
}

func (i *Importer) runStage(ctx context.Context, name string, runID uuid.UUID, items []item) scrape.StageResult {
	opts := scrape.StageOptions{
		Name:        name,
		Concurrency: i.workers,
		BatchSize:   scrape.BatchSize(len(items), i.workers, 4, 25),
		RunID:       runID,
		Emitter:     i.emitter,
	}
	return scrape.RunStage(ctx, opts, items, func(ctx context.Context, batch []item) (scrape.Outcome, error) {
		b, err := i.dst.Acquire(ctx)
		if err != nil {
			return scrape.Outcome{}, err
		}
		defer b.Close(ctx)
		var out scrape.Outcome
		for _, it := range batch {
			if err := it.apply(ctx, b); err != nil {
				i.logger.Warn("record import failed",
					zap.String("stage", name),
					zap.String("id", it.id.String()),
					zap.Error(err),
				)
				out.Failed++
				continue
			}
			out.Succeeded++
		}
		return out, b.Commit(ctx)
	})
}

func (i *Importer) seasonItems() ([]item, error) {
	envs, err := i.src.Seasons()
	if err != nil {
		return nil, err
	}
	items := make([]item, 0, len(envs))
	for id, env := range envs {
		rec := scrape.SeasonRecord{ID: id, Data: env.Data}
		items = append(items, item{id: id, apply: func(ctx context.Context, b scrape.Batch) error {
			return b.UpsertSeason(ctx, rec)
		}})
	}
	return sorted(items), nil
}

func (i *Importer) tournamentItems() ([]item, error) {
	envs, err := i.src.Tournaments()
	if err != nil {
		return nil, err
	}
	items := make([]item, 0, len(envs))
	for id, env := range envs {
		seasonID, ok := fsjson.ParentID(env, fsjson.MetaSeasonID)
		if !ok {
			i.logger.Warn("tournament without season relation", zap.String("id", id.String()))
		}
		rec := scrape.TournamentRecord{ID: id, SeasonID: seasonID, Data: env.Data}
		scanned, at := fsjson.TournamentScanState(env)
		items = append(items, item{id: id, apply: func(ctx context.Context, b scrape.Batch) error {
			if err := b.UpsertTournament(ctx, rec); err != nil {
				return err
			}
			if !scanned {
				return nil
			}
			if at.IsZero() {
				at = time.Now().UTC()
			}
			return b.MarkScanned(ctx, rec.ID, at)
		}})
	}
	return sorted(items), nil
}

func (i *Importer) matchItems() ([]item, error) {
	envs, err := i.src.Matches()
	if err != nil {
		return nil, err
	}
	items := make([]item, 0, len(envs))
	for id, env := range envs {
		tournamentID, ok := fsjson.ParentID(env, fsjson.MetaTournament)
		if !ok {
			i.logger.Warn("match without tournament relation", zap.String("id", id.String()))
		}
		rec := scrape.MatchRecord{ID: id, TournamentID: tournamentID, Data: env.Data}
		items = append(items, item{id: id, apply: func(ctx context.Context, b scrape.Batch) error {
			return b.UpsertMatch(ctx, rec)
		}})
	}
	return sorted(items), nil
}

func (i *Importer) raceItems() ([]item, error) {
	envs, err := i.src.Races()
	if err != nil {
		return nil, err
	}
	items := make([]item, 0, len(envs))
	for id, env := range envs {
		matchID, ok := fsjson.ParentID(env, fsjson.MetaMatchID)
		if !ok {
			i.logger.Warn("race without match relation", zap.String("id", id.String()))
		}
		rec := scrape.RaceRecord{ID: id, MatchID: matchID, Data: env.Data}
		items = append(items, item{id: id, apply: func(ctx context.Context, b scrape.Batch) error {
			return b.UpsertRace(ctx, rec)
		}})
	}
	return sorted(items), nil
}

func (i *Importer) personItems() ([]item, error) {
	persons, err := i.src.Persons()
	if err != nil {
		return nil, err
	}
	items := make([]item, 0, len(persons))
	for id, files := range persons {
		rec := scrape.PersonRecord{
			ID:       id,
			Basic:    files.Basic,
			Detailed: files.Detailed,
			Overview: files.Overview,
		}
		items = append(items, item{id: id, apply: func(ctx context.Context, b scrape.Batch) error {
			return b.UpsertPerson(ctx, rec)
		}})
	}
	return sorted(items), nil
}

// sorted gives deterministic batch assignment for map-sourced items.
func sorted(items []item) []item {
	sort.Slice(items, func(a, b int) bool {
		return items[a].id.String() < items[b].id.String()
	})
	return items
}
