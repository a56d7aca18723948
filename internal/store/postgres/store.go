// Package postgres persists the crawl dataset in PostgreSQL. Payloads
// are stored as JSONB keyed by the canonical UUID so replays converge
// on one row per entity.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/foys"
	"github.com/infomdss/knrb-crawler/internal/scrape"
)

// DB is the slice of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements scrape.Store on top of a pgx connection pool.
type Store struct {
	db     DB
	logger *zap.Logger
}

// New connects a pool, verifies connectivity, and ensures the schema.
func New(ctx context.Context, dsn string, poolSize int, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	s := &Store{db: pool, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection source without touching the
// schema. Used by tests.
func NewWithDB(db DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS knrb_seasons (
		id UUID PRIMARY KEY,
		season_data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS knrb_tournaments (
		id UUID PRIMARY KEY,
		season_id UUID NOT NULL,
		tournament_data JSONB NOT NULL,
		scanned_for_persons BOOLEAN NOT NULL DEFAULT FALSE,
		scanned_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS knrb_matches (
		id UUID PRIMARY KEY,
		tournament_id UUID NOT NULL,
		match_data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS knrb_races (
		id UUID PRIMARY KEY,
		match_id UUID NOT NULL,
		race_data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS knrb_persons (
		id UUID PRIMARY KEY,
		person_data JSONB,
		detailed_data JSONB,
		overview_data JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tournaments_season ON knrb_tournaments (season_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tournaments_unscanned ON knrb_tournaments (id) WHERE NOT scanned_for_persons`,
	`CREATE INDEX IF NOT EXISTS idx_matches_tournament ON knrb_matches (tournament_id)`,
	`CREATE INDEX IF NOT EXISTS idx_races_match ON knrb_races (match_id)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// Acquire opens a transaction-scoped batch.
func (s *Store) Acquire(ctx context.Context) (scrape.Batch, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &txBatch{tx: tx}, nil
}

// PersonIDs implements scrape.Store.
func (s *Store) PersonIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM knrb_persons`)
	if err != nil {
		return nil, fmt.Errorf("listing person ids: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const pendingTournamentsSQL = `
	SELECT id,
	       COALESCE(tournament_data->>'id', id::text),
	       COALESCE(tournament_data->>'name', '')
	FROM knrb_tournaments`

// PendingTournaments implements scrape.Store.
func (s *Store) PendingTournaments(ctx context.Context, includeScanned bool) ([]scrape.TournamentRef, error) {
	query := pendingTournamentsSQL
	if !includeScanned {
		query += ` WHERE NOT scanned_for_persons`
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing pending tournaments: %w", err)
	}
	defer rows.Close()

	var out []scrape.TournamentRef
	for rows.Next() {
		var ref scrape.TournamentRef
		if err := rows.Scan(&ref.ID, &ref.RemoteID, &ref.Name); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// racePersonsSQL walks stored race payloads and yields each distinct
// inline person document, keyed by its remote identifier.
const racePersonsSQL = `
	SELECT DISTINCT ON (person.doc->>'personId')
	       person.doc->>'personId',
	       person.doc
	FROM knrb_races r
	JOIN knrb_matches m ON m.id = r.match_id
	JOIN knrb_tournaments t ON t.id = m.tournament_id,
	LATERAL jsonb_path_query(r.race_data, '$.raceTeams[*].teamVersion.teamMembers[*].person') AS person(doc)
	WHERE person.doc->>'personId' IS NOT NULL`

// RacePersons implements scrape.Store.
func (s *Store) RacePersons(ctx context.Context, pendingOnly bool) ([]scrape.PersonSeen, error) {
	query := racePersonsSQL
	if pendingOnly {
		query += ` AND NOT t.scanned_for_persons`
	}

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("extracting race persons: %w", err)
	}
	defer rows.Close()

	var out []scrape.PersonSeen
	for rows.Next() {
		var (
			remote  string
			payload []byte
		)
		if err := rows.Scan(&remote, &payload); err != nil {
			return nil, err
		}
		id, err := foys.ParseID(remote)
		if err != nil {
			s.logger.Warn("skipping person with unusable id", zap.String("remote_id", remote), zap.Error(err))
			continue
		}
		out = append(out, scrape.PersonSeen{ID: id, RemoteID: remote, Data: payload})
	}
	return out, rows.Err()
}

var countTables = map[string]string{
	"seasons":     "knrb_seasons",
	"tournaments": "knrb_tournaments",
	"matches":     "knrb_matches",
	"races":       "knrb_races",
	"persons":     "knrb_persons",
}

// Counts implements scrape.Store.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(countTables))
	for name, table := range countTables {
		var n int64
		if err := s.db.QueryRow(ctx, `SELECT count(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

// txBatch implements scrape.Batch over one pgx transaction.
type txBatch struct {
	tx pgx.Tx
}

func (b *txBatch) UpsertSeason(ctx context.Context, rec scrape.SeasonRecord) error {
	_, err := b.tx.Exec(ctx, `
		INSERT INTO knrb_seasons (id, season_data)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET season_data = EXCLUDED.season_data, updated_at = now()`,
		rec.ID, []byte(rec.Data))
	return err
}

func (b *txBatch) UpsertTournament(ctx context.Context, rec scrape.TournamentRecord) error {
	// The scan flag is deliberately left alone: re-listing a tournament
	// must not reset its resume state.
	_, err := b.tx.Exec(ctx, `
		INSERT INTO knrb_tournaments (id, season_id, tournament_data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET season_id = EXCLUDED.season_id,
		    tournament_data = EXCLUDED.tournament_data,
		    updated_at = now()`,
		rec.ID, rec.SeasonID, []byte(rec.Data))
	return err
}

func (b *txBatch) UpsertMatch(ctx context.Context, rec scrape.MatchRecord) error {
	_, err := b.tx.Exec(ctx, `
		INSERT INTO knrb_matches (id, tournament_id, match_data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET tournament_id = EXCLUDED.tournament_id,
		    match_data = EXCLUDED.match_data,
		    updated_at = now()`,
		rec.ID, rec.TournamentID, []byte(rec.Data))
	return err
}

func (b *txBatch) UpsertRace(ctx context.Context, rec scrape.RaceRecord) error {
	_, err := b.tx.Exec(ctx, `
		INSERT INTO knrb_races (id, match_id, race_data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET match_id = EXCLUDED.match_id,
		    race_data = EXCLUDED.race_data,
		    updated_at = now()`,
		rec.ID, rec.MatchID, []byte(rec.Data))
	return err
}

func (b *txBatch) UpsertPerson(ctx context.Context, rec scrape.PersonRecord) error {
	// COALESCE keeps sub-records a previous run already filled: a nil
	// member never clobbers stored data.
	_, err := b.tx.Exec(ctx, `
		INSERT INTO knrb_persons (id, person_data, detailed_data, overview_data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET person_data   = COALESCE(EXCLUDED.person_data, knrb_persons.person_data),
		    detailed_data = COALESCE(EXCLUDED.detailed_data, knrb_persons.detailed_data),
		    overview_data = COALESCE(EXCLUDED.overview_data, knrb_persons.overview_data),
		    updated_at = now()`,
		rec.ID, []byte(rec.Basic), []byte(rec.Detailed), []byte(rec.Overview))
	return err
}

func (b *txBatch) MarkScanned(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := b.tx.Exec(ctx, `
		UPDATE knrb_tournaments
		SET scanned_for_persons = TRUE, scanned_at = $2, updated_at = now()
		WHERE id = $1`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tournament %s not found", id)
	}
	return nil
}

func (b *txBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

// Close rolls back if the batch was never committed. After a commit
// the rollback is a no-op error we swallow.
func (b *txBatch) Close(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
