// Package fsjson persists the crawl dataset as a tree of JSON files,
// one file per record. It backs ad-hoc runs where no database is
// available and feeds the import command.
package fsjson

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/clock"
	"github.com/infomdss/knrb-crawler/internal/foys"
	"github.com/infomdss/knrb-crawler/internal/scrape"
)

// Subdirectories of the store root, one per entity.
const (
	dirSeasons     = "seasons"
	dirTournaments = "tournaments"
	dirMatches     = "matches"
	dirRaces       = "races"
	dirPersons     = "persons"
)

// Metadata keys used in envelopes.
const (
	metaSeasonID   = "season_id"
	metaTournament = "tournament_id"
	metaMatchID    = "match_id"
	metaScanned    = "scanned_for_persons"
	metaScannedAt  = "scanned_at"
)

// Envelope wraps every stored payload with a write timestamp and
// relational metadata.
type Envelope struct {
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Store implements scrape.Store on a directory tree.
type Store struct {
	root   string
	logger *zap.Logger
	clk    clock.Clock

	// Serializes read-modify-write cycles on tournament files.
	mu sync.Mutex
}

// New creates the directory layout under root if needed.
func New(root string, logger *zap.Logger) (*Store, error) {
	for _, dir := range []string{dirSeasons, dirTournaments, dirMatches, dirRaces, dirPersons} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s dir: %w", dir, err)
		}
	}
	return &Store{root: root, logger: logger, clk: clock.System{}}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string {
	return s.root
}

// Acquire implements scrape.Store. Writes go straight to disk; there
// is no transactional batch on a filesystem.
func (s *Store) Acquire(context.Context) (scrape.Batch, error) {
	return &fileBatch{s: s}, nil
}

// PersonIDs implements scrape.Store.
func (s *Store) PersonIDs(context.Context) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirPersons))
	if err != nil {
		return nil, fmt.Errorf("reading persons dir: %w", err)
	}
	var out []uuid.UUID
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.ContainsRune(name, '_') {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// PendingTournaments implements scrape.Store.
func (s *Store) PendingTournaments(_ context.Context, includeScanned bool) ([]scrape.TournamentRef, error) {
	envs, err := s.readAll(dirTournaments)
	if err != nil {
		return nil, err
	}
	var out []scrape.TournamentRef
	for id, env := range envs {
		if !includeScanned && envScanned(env) {
			continue
		}
		var stub struct {
			ID   any    `json:"id"`
			Name string `json:"name"`
		}
		_ = json.Unmarshal(env.Data, &stub)
		remote := ""
		if stub.ID != nil {
			remote = fmt.Sprint(stub.ID)
		}
		out = append(out, scrape.TournamentRef{ID: id, RemoteID: remote, Name: stub.Name})
	}
	return out, nil
}

// RacePersons implements scrape.Store.
func (s *Store) RacePersons(_ context.Context, pendingOnly bool) ([]scrape.PersonSeen, error) {
	scanned := make(map[string]bool)
	if pendingOnly {
		tours, err := s.readAll(dirTournaments)
		if err != nil {
			return nil, err
		}
		for id, env := range tours {
			scanned[id.String()] = envScanned(env)
		}
	}

	matchTour := make(map[string]string)
	matches, err := s.readAll(dirMatches)
	if err != nil {
		return nil, err
	}
	for id, env := range matches {
		if tourID, ok := env.Metadata[metaTournament].(string); ok {
			matchTour[id.String()] = tourID
		}
	}

	races, err := s.readAll(dirRaces)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{})
	var out []scrape.PersonSeen
	for _, env := range races {
		matchID, _ := env.Metadata[metaMatchID].(string)
		if pendingOnly && scanned[matchTour[matchID]] {
			continue
		}
		refs, err := foys.ExtractPersons(env.Data)
		if err != nil {
			s.logger.Warn("skipping unreadable race payload", zap.Error(err))
			continue
		}
		for _, ref := range refs {
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			out = append(out, scrape.PersonSeen{ID: ref.ID, RemoteID: ref.RemoteID, Data: ref.Raw})
		}
	}
	return out, nil
}

// Counts implements scrape.Store. Person sub-record files are not
// counted separately.
func (s *Store) Counts(context.Context) (map[string]int64, error) {
	out := make(map[string]int64, 5)
	for _, dir := range []string{dirSeasons, dirTournaments, dirMatches, dirRaces, dirPersons} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return nil, fmt.Errorf("reading %s dir: %w", dir, err)
		}
		var n int64
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasSuffix(name, ".json") && !strings.ContainsRune(name, '_') {
				n++
			}
		}
		out[dir] = n
	}
	return out, nil
}

// Close implements scrape.Store.
func (s *Store) Close() {}

// Seasons enumerates every stored season envelope by ID.
func (s *Store) Seasons() (map[uuid.UUID]Envelope, error) {
	return s.readAll(dirSeasons)
}

// Tournaments enumerates every stored tournament envelope by ID.
func (s *Store) Tournaments() (map[uuid.UUID]Envelope, error) {
	return s.readAll(dirTournaments)
}

// Matches enumerates every stored match envelope by ID.
func (s *Store) Matches() (map[uuid.UUID]Envelope, error) {
	return s.readAll(dirMatches)
}

// Races enumerates every stored race envelope by ID.
func (s *Store) Races() (map[uuid.UUID]Envelope, error) {
	return s.readAll(dirRaces)
}

// PersonFiles bundles the sub-record envelopes stored for one person.
// Absent sub-records have nil Data.
type PersonFiles struct {
	Basic    json.RawMessage
	Detailed json.RawMessage
	Overview json.RawMessage
}

// Persons enumerates stored persons with whichever sub-record files
// exist on disk.
func (s *Store) Persons() (map[uuid.UUID]PersonFiles, error) {
	base, err := s.readAll(dirPersons)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]PersonFiles, len(base))
	for id, env := range base {
		pf := PersonFiles{Basic: env.Data}
		if env, err := ReadEnvelope(filepath.Join(s.root, dirPersons, id.String()+"_detailed.json")); err == nil {
			pf.Detailed = env.Data
		}
		if env, err := ReadEnvelope(filepath.Join(s.root, dirPersons, id.String()+"_overview.json")); err == nil {
			pf.Overview = env.Data
		}
		out[id] = pf
	}
	return out, nil
}

// TournamentScanState decodes the resume metadata of one tournament
// envelope.
func TournamentScanState(env Envelope) (scanned bool, at time.Time) {
	if !envScanned(env) {
		return false, time.Time{}
	}
	if raw, ok := env.Metadata[metaScannedAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return true, ts
		}
	}
	return true, time.Time{}
}

// ParentID extracts the named relation from envelope metadata.
func ParentID(env Envelope, key string) (uuid.UUID, bool) {
	raw, ok := env.Metadata[key].(string)
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// Metadata keys exported for the importer.
const (
	MetaSeasonID   = metaSeasonID
	MetaTournament = metaTournament
	MetaMatchID    = metaMatchID
)

// ReadEnvelope loads one stored file. Exported for the importer.
func ReadEnvelope(path string) (Envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return env, nil
}

func (s *Store) readAll(dir string) (map[uuid.UUID]Envelope, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, fmt.Errorf("reading %s dir: %w", dir, err)
	}
	out := make(map[uuid.UUID]Envelope, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.ContainsRune(name, '_') {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		env, err := ReadEnvelope(filepath.Join(s.root, dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable file", zap.String("file", name), zap.Error(err))
			continue
		}
		out[id] = env
	}
	return out, nil
}

func envScanned(env Envelope) bool {
	v, _ := env.Metadata[metaScanned].(bool)
	return v
}

// write persists an envelope atomically: temp file in the same
// directory, then rename.
func (s *Store) write(dir, name string, env Envelope) error {
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	target := filepath.Join(s.root, dir, name)
	tmp, err := os.CreateTemp(filepath.Join(s.root, dir), name+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// fileBatch implements scrape.Batch with write-through semantics.
type fileBatch struct {
	s *Store
}

func (b *fileBatch) UpsertSeason(_ context.Context, rec scrape.SeasonRecord) error {
	return b.s.write(dirSeasons, rec.ID.String()+".json", Envelope{
		Timestamp: b.s.clk.Now(),
		Data:      rec.Data,
	})
}

func (b *fileBatch) UpsertTournament(_ context.Context, rec scrape.TournamentRecord) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	meta := map[string]any{metaSeasonID: rec.SeasonID.String()}
	// Re-listing a tournament keeps its resume state.
	path := filepath.Join(b.s.root, dirTournaments, rec.ID.String()+".json")
	if prev, err := ReadEnvelope(path); err == nil {
		if envScanned(prev) {
			meta[metaScanned] = true
			if at, ok := prev.Metadata[metaScannedAt]; ok {
				meta[metaScannedAt] = at
			}
		}
	}
	return b.s.write(dirTournaments, rec.ID.String()+".json", Envelope{
		Timestamp: b.s.clk.Now(),
		Data:      rec.Data,
		Metadata:  meta,
	})
}

func (b *fileBatch) UpsertMatch(_ context.Context, rec scrape.MatchRecord) error {
	return b.s.write(dirMatches, rec.ID.String()+".json", Envelope{
		Timestamp: b.s.clk.Now(),
		Data:      rec.Data,
		Metadata:  map[string]any{metaTournament: rec.TournamentID.String()},
	})
}

func (b *fileBatch) UpsertRace(_ context.Context, rec scrape.RaceRecord) error {
	return b.s.write(dirRaces, rec.ID.String()+".json", Envelope{
		Timestamp: b.s.clk.Now(),
		Data:      rec.Data,
		Metadata:  map[string]any{metaMatchID: rec.MatchID.String()},
	})
}

func (b *fileBatch) UpsertPerson(_ context.Context, rec scrape.PersonRecord) error {
	base := rec.ID.String()
	if rec.Basic != nil {
		if err := b.s.write(dirPersons, base+".json", Envelope{
			Timestamp: b.s.clk.Now(),
			Data:      rec.Basic,
		}); err != nil {
			return err
		}
	}
	if rec.Detailed != nil {
		if err := b.s.write(dirPersons, base+"_detailed.json", Envelope{
			Timestamp: b.s.clk.Now(),
			Data:      rec.Detailed,
		}); err != nil {
			return err
		}
	}
	if rec.Overview != nil {
		if err := b.s.write(dirPersons, base+"_overview.json", Envelope{
			Timestamp: b.s.clk.Now(),
			Data:      rec.Overview,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *fileBatch) MarkScanned(_ context.Context, id uuid.UUID, at time.Time) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	path := filepath.Join(b.s.root, dirTournaments, id.String()+".json")
	env, err := ReadEnvelope(path)
	if err != nil {
		return fmt.Errorf("tournament %s: %w", id, err)
	}
	if env.Metadata == nil {
		env.Metadata = make(map[string]any)
	}
	env.Metadata[metaScanned] = true
	env.Metadata[metaScannedAt] = at.UTC().Format(time.RFC3339)
	return b.s.write(dirTournaments, id.String()+".json", env)
}

func (b *fileBatch) Commit(context.Context) error { return nil }
func (b *fileBatch) Close(context.Context) error  { return nil }
