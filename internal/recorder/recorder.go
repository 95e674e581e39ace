// Package recorder keeps the leaderboard and hall of fame: bounded best-ever
// and unbounded best-per-cohort collections, each mirrored as record files in
// its own subdirectory so both survive restarts by rescanning.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"epigonos/internal/individual"
)

const (
	leaderboardDir = "leaderboard"
	hallOfFameDir  = "hall_of_fame"
)

// Entry is one mirrored record.
type Entry struct {
	Name      string
	Score     float64
	Ascension uint64
	Path      string
}

// Config describes a recorder rooted at the population directory.
type Config struct {
	// Dir is the population root. Mirrors live in Dir/leaderboard and
	// Dir/hall_of_fame.
	Dir string

	// LeaderboardSize bounds the best-ever set. Zero disables it.
	LeaderboardSize int

	// HallOfFameSize is how many individuals each cohort sends to the hall
	// of fame. Zero disables it.
	HallOfFameSize int

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Recorder mirrors high scorers. Not safe for concurrent use; the driver
// serializes access under its population lock.
type Recorder struct {
	dir             string
	leaderboardSize int
	hallOfFameSize  int
	log             *zap.Logger

	leaders []Entry
	fame    []Entry
	cohort  []*individual.Individual
}

// New prepares the mirror directories and reloads both collections from
// whatever a previous run left behind.
func New(cfg Config) (*Recorder, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recorder directory is required")
	}
	if cfg.LeaderboardSize < 0 {
		return nil, fmt.Errorf("leaderboard size must be >= 0, got %d", cfg.LeaderboardSize)
	}
	if cfg.HallOfFameSize < 0 {
		return nil, fmt.Errorf("hall of fame size must be >= 0, got %d", cfg.HallOfFameSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Recorder{
		dir:             cfg.Dir,
		leaderboardSize: cfg.LeaderboardSize,
		hallOfFameSize:  cfg.HallOfFameSize,
		log:             cfg.Logger,
	}
	if r.leaderboardSize > 0 {
		if err := os.MkdirAll(r.LeaderboardPath(), 0o755); err != nil {
			return nil, fmt.Errorf("create leaderboard directory: %w", err)
		}
		r.leaders = r.readMirrors(r.LeaderboardPath())
		sortLeaders(r.leaders)
	}
	if r.hallOfFameSize > 0 {
		if err := os.MkdirAll(r.HallOfFamePath(), 0o755); err != nil {
			return nil, fmt.Errorf("create hall of fame directory: %w", err)
		}
		r.fame = r.readMirrors(r.HallOfFamePath())
		sort.Slice(r.fame, func(i, j int) bool { return r.fame[i].Ascension < r.fame[j].Ascension })
	}
	return r, nil
}

// LeaderboardPath returns the leaderboard mirror directory.
func (r *Recorder) LeaderboardPath() string {
	return filepath.Join(r.dir, leaderboardDir)
}

// HallOfFamePath returns the hall of fame mirror directory.
func (r *Recorder) HallOfFamePath() string {
	return filepath.Join(r.dir, hallOfFameDir)
}

// Leaderboard returns the best-ever set, best first; equal scores rank the
// older individual first.
func (r *Recorder) Leaderboard() []Entry {
	return append([]Entry(nil), r.leaders...)
}

// HallOfFame returns the permanent collection in chronological order.
func (r *Recorder) HallOfFame() []Entry {
	return append([]Entry(nil), r.fame...)
}

// Best returns the top leaderboard entry. The second return is false when
// the leaderboard is empty or disabled.
func (r *Recorder) Best() (Entry, bool) {
	if len(r.leaders) == 0 {
		return Entry{}, false
	}
	return r.leaders[0], true
}

// MaxAscension reports the highest ascension across both collections. The
// second return is false when both are empty.
func (r *Recorder) MaxAscension() (uint64, bool) {
	var maxAsc uint64
	found := false
	for _, set := range [][]Entry{r.leaders, r.fame} {
		for _, entry := range set {
			if !found || entry.Ascension > maxAsc {
				maxAsc = entry.Ascension
			}
			found = true
		}
	}
	return maxAsc, found
}

// RecordDeath considers a dead individual for the leaderboard and queues it
// as a hall of fame candidate for the current cohort. Individuals without a
// valid score are skipped silently; exclusion is policy, not an error.
func (r *Recorder) RecordDeath(ind *individual.Individual) error {
	if !ind.Dead() || !ind.Eligible() {
		r.log.Debug("skipping recorder-ineligible individual", zap.String("name", ind.Name))
		return nil
	}
	if r.leaderboardSize > 0 {
		if err := r.updateLeaderboard(ind); err != nil {
			return err
		}
	}
	if r.hallOfFameSize > 0 {
		// Pin the payload in memory so the rollover can still mirror the
		// candidate after the store or the leaderboard drops its file.
		if _, err := ind.Payload(); err != nil {
			return fmt.Errorf("pin payload of %s: %w", ind.Name, err)
		}
		r.cohort = append(r.cohort, ind)
	}
	return nil
}

// updateLeaderboard inserts the candidate, re-sorts, and trims the tail.
// Mirror files are deleted as their entries fall off; the candidate's own
// mirror is only written if it survived the trim.
func (r *Recorder) updateLeaderboard(ind *individual.Individual) error {
	candidate := Entry{
		Name:      ind.Name,
		Score:     ind.ScoreValue(),
		Ascension: *ind.Ascension,
	}
	r.leaders = append(r.leaders, candidate)
	sortLeaders(r.leaders)

	keep := true
	for len(r.leaders) > r.leaderboardSize {
		last := r.leaders[len(r.leaders)-1]
		r.leaders = r.leaders[:len(r.leaders)-1]
		if last.Ascension == candidate.Ascension {
			keep = false
			continue
		}
		if err := os.Remove(last.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("drop leaderboard mirror %s: %w", last.Path, err)
		}
		r.log.Debug("dropped from leaderboard",
			zap.Uint64("ascension", last.Ascension),
			zap.Float64("score", last.Score))
	}
	if !keep {
		return nil
	}

	path, err := ind.Save(r.LeaderboardPath())
	if err != nil {
		return fmt.Errorf("mirror %s into leaderboard: %w", ind.Name, err)
	}
	for i := range r.leaders {
		if r.leaders[i].Ascension == candidate.Ascension {
			r.leaders[i].Path = path
		}
	}
	return nil
}

// Rollover closes the cohort: the top scorers enter the hall of fame in
// ascension order. The hall of fame only grows.
func (r *Recorder) Rollover() error {
	if r.hallOfFameSize == 0 || len(r.cohort) == 0 {
		r.cohort = nil
		return nil
	}

	winners := append([]*individual.Individual(nil), r.cohort...)
	sort.SliceStable(winners, func(i, j int) bool {
		if winners[i].ScoreValue() != winners[j].ScoreValue() {
			return winners[i].ScoreValue() > winners[j].ScoreValue()
		}
		return *winners[i].Ascension < *winners[j].Ascension
	})
	if len(winners) > r.hallOfFameSize {
		winners = winners[:r.hallOfFameSize]
	}
	sort.Slice(winners, func(i, j int) bool { return *winners[i].Ascension < *winners[j].Ascension })

	for _, ind := range winners {
		path, err := ind.Save(r.HallOfFamePath())
		if err != nil {
			return fmt.Errorf("mirror %s into hall of fame: %w", ind.Name, err)
		}
		r.fame = append(r.fame, Entry{
			Name:      ind.Name,
			Score:     ind.ScoreValue(),
			Ascension: *ind.Ascension,
			Path:      path,
		})
	}
	r.cohort = nil
	return nil
}

// readMirrors loads a mirror directory, skipping anything unreadable.
func (r *Recorder) readMirrors(dir string) []Entry {
	items, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("cannot read mirror directory", zap.String("dir", dir), zap.Error(err))
		}
		return nil
	}
	var entries []Entry
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), individual.Ext) {
			continue
		}
		path := filepath.Join(dir, item.Name())
		ind, err := individual.Load(path)
		if err != nil {
			r.log.Warn("skipping unreadable mirror", zap.String("path", path), zap.Error(err))
			continue
		}
		if ind.Ascension == nil {
			r.log.Warn("skipping mirror without ascension", zap.String("path", path))
			continue
		}
		entries = append(entries, Entry{
			Name:      ind.Name,
			Score:     ind.ScoreValue(),
			Ascension: *ind.Ascension,
			Path:      path,
		})
	}
	return entries
}

// sortLeaders orders descending by score; the older individual wins ties.
func sortLeaders(leaders []Entry) {
	sort.Slice(leaders, func(i, j int) bool {
		if leaders[i].Score != leaders[j].Score {
			return leaders[i].Score > leaders[j].Score
		}
		return leaders[i].Ascension < leaders[j].Ascension
	})
}
