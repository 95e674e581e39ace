// Package population maintains a directory as the source of truth for the
// set of individuals who are eligible to mate. The in-memory view is a
// cache, re-synchronized only when directory modification times change, so
// a second process may observe the same directory without coordination.
package population

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"epigonos/internal/individual"
)

// Entry is the cached view of one persisted population member.
type Entry struct {
	Name       string
	Species    string
	Score      float64
	Ascension  uint64
	Generation uint64
	Path       string
}

// Config describes a population store.
type Config struct {
	// Dir is the population root directory.
	Dir string

	// Strategy selects the replacement policy. Defaults to generation.
	Strategy Strategy

	// Size is the target population size. Must be positive except under
	// the unbounded strategy.
	Size int

	// Seed primes the eviction randomness. Zero seeds from the clock.
	Seed int64

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Store owns the population directory. It is not safe for concurrent use;
// the evolution driver serializes access under its population lock. A
// read-only Store over the same directory in another process observes
// changes eventually, through modification times.
type Store struct {
	dir      string
	strategy Strategy
	size     int
	rng      *rand.Rand
	log      *zap.Logger

	entries []Entry
	staging int
	current uint64
	mtimes  map[string]time.Time
}

// AddResult reports what an insertion did. Evictions invalidate any parent
// pairs the caller buffered from earlier member listings.
type AddResult struct {
	Added   bool
	Evicted int
}

// New validates the configuration, prepares the directory tree, and syncs
// the initial view.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("population directory is required")
	}
	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	if cfg.Size <= 0 && strategy != StrategyUnbounded {
		return nil, fmt.Errorf("population size must be positive, got %d", cfg.Size)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Store{
		dir:      cfg.Dir,
		strategy: strategy,
		size:     cfg.Size,
		rng:      rand.New(rand.NewSource(seed)),
		log:      cfg.Logger,
		mtimes:   map[string]time.Time{},
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create population root: %w", err)
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the population root.
func (s *Store) Dir() string { return s.dir }

// CurrentIndex returns the index of the current generation directory. Flat
// strategies always report zero.
func (s *Store) CurrentIndex() uint64 { return s.current }

// Members returns the mating pool, ordered by ascension.
func (s *Store) Members() ([]Entry, error) {
	if err := s.scan(); err != nil {
		return nil, err
	}
	return append([]Entry(nil), s.entries...), nil
}

// Len returns the live member count.
func (s *Store) Len() (int, error) {
	if err := s.scan(); err != nil {
		return 0, err
	}
	return len(s.entries), nil
}

// StagingLen returns how many individuals the staging cohort holds. Flat
// strategies always report zero.
func (s *Store) StagingLen() (int, error) {
	if err := s.scan(); err != nil {
		return 0, err
	}
	return s.staging, nil
}

// MaxAscension reports the highest ascension found across all managed
// directories, staging included. The second return is false when no records
// exist.
func (s *Store) MaxAscension() (uint64, bool, error) {
	if err := s.scan(); err != nil {
		return 0, false, err
	}
	var maxAsc uint64
	found := false
	for _, dir := range s.watchSet() {
		for _, entry := range s.readEntries(dir) {
			if !found || entry.Ascension > maxAsc {
				maxAsc = entry.Ascension
			}
			found = true
		}
	}
	return maxAsc, found, nil
}

// Add persists a dead, scored individual and applies the replacement
// policy. Individuals with an invalid score are discarded without error.
// The caller assigns ascension before handing the individual over.
func (s *Store) Add(ind *individual.Individual) (AddResult, error) {
	if ind.Ascension == nil {
		return AddResult{}, fmt.Errorf("individual %s has no ascension", ind.Name)
	}
	if !ind.Eligible() {
		s.log.Debug("discarding individual with invalid score",
			zap.String("name", ind.Name),
			zap.Uint64("ascension", *ind.Ascension))
		return AddResult{}, nil
	}
	if err := s.scan(); err != nil {
		return AddResult{}, err
	}

	switch s.strategy {
	case StrategyGeneration:
		return s.addStaged(ind)
	case StrategyMaximizing:
		return s.addMaximizing(ind)
	case StrategyOverflowing:
		return s.addOverflowing(ind)
	case StrategyContinuous:
		return s.addContinuous(ind)
	default: // unbounded
		if err := s.persist(ind, s.dir); err != nil {
			return AddResult{}, err
		}
		return AddResult{Added: true}, nil
	}
}

func (s *Store) addStaged(ind *individual.Individual) (AddResult, error) {
	if err := s.persistStaged(ind); err != nil {
		return AddResult{}, err
	}
	return AddResult{Added: true}, nil
}

func (s *Store) addContinuous(ind *individual.Individual) (AddResult, error) {
	if err := s.persist(ind, s.dir); err != nil {
		return AddResult{}, err
	}
	evicted := 0
	for len(s.entries) > s.size {
		if err := s.evict(0); err != nil {
			return AddResult{Added: true, Evicted: evicted}, err
		}
		evicted++
	}
	return AddResult{Added: true, Evicted: evicted}, nil
}

func (s *Store) addOverflowing(ind *individual.Individual) (AddResult, error) {
	evicted := 0
	for len(s.entries) >= s.size && len(s.entries) > 0 {
		if err := s.evict(s.rng.Intn(len(s.entries))); err != nil {
			return AddResult{Evicted: evicted}, err
		}
		evicted++
	}
	if err := s.persist(ind, s.dir); err != nil {
		return AddResult{Evicted: evicted}, err
	}
	return AddResult{Added: true, Evicted: evicted}, nil
}

func (s *Store) addMaximizing(ind *individual.Individual) (AddResult, error) {
	if len(s.entries) >= s.size {
		low := s.minIndex()
		if ind.ScoreValue() <= s.entries[low].Score {
			s.log.Debug("rejecting low-scoring individual at capacity",
				zap.String("name", ind.Name),
				zap.Float64("score", ind.ScoreValue()),
				zap.Float64("minimum", s.entries[low].Score))
			return AddResult{}, nil
		}
	}
	if err := s.persist(ind, s.dir); err != nil {
		return AddResult{}, err
	}
	evicted := 0
	for len(s.entries) > s.size {
		if err := s.evict(s.minIndex()); err != nil {
			return AddResult{Added: true, Evicted: evicted}, err
		}
		evicted++
	}
	return AddResult{Added: true, Evicted: evicted}, nil
}

// minIndex finds the lowest-scoring entry; among equals the youngest loses.
func (s *Store) minIndex() int {
	low := 0
	for i, entry := range s.entries {
		if entry.Score < s.entries[low].Score ||
			(entry.Score == s.entries[low].Score && entry.Ascension > s.entries[low].Ascension) {
			low = i
		}
	}
	return low
}

// persist saves into dir and appends to the member cache.
func (s *Store) persist(ind *individual.Individual, dir string) error {
	path, err := ind.Save(dir)
	if err != nil {
		return err
	}
	s.entries = append(s.entries, Entry{
		Name:       ind.Name,
		Species:    ind.Species,
		Score:      ind.ScoreValue(),
		Ascension:  *ind.Ascension,
		Generation: ind.Generation,
		Path:       path,
	})
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].Ascension < s.entries[j].Ascension
	})
	s.remember(dir)
	return nil
}

// persistStaged saves into the staging generation directory.
func (s *Store) persistStaged(ind *individual.Individual) error {
	dir := s.genDir(s.current + 1)
	if _, err := ind.Save(dir); err != nil {
		return err
	}
	s.staging++
	s.remember(s.dir)
	s.remember(dir)
	return nil
}

// evict deletes the backing file first and drops the cache entry second, so
// a crash mid-eviction leaves a dangling cache entry that the next scan
// heals, never a dangling file reference.
func (s *Store) evict(i int) error {
	entry := s.entries[i]
	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("evict %s: %w", entry.Path, err)
	}
	s.log.Debug("evicted individual",
		zap.Uint64("ascension", entry.Ascension),
		zap.Float64("score", entry.Score))
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.remember(filepath.Dir(entry.Path))
	return nil
}

// Rollover promotes the staging cohort into the active slot. The previous
// active directory is deleted, bounding disk usage at two generations. Flat
// strategies roll over logically and leave the directory alone.
func (s *Store) Rollover() error {
	if !s.strategy.generational() {
		return nil
	}
	if err := s.scan(); err != nil {
		return err
	}
	old := s.genDir(s.current)
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("delete expired generation %s: %w", old, err)
	}
	s.current++
	if err := os.MkdirAll(s.genDir(s.current+1), 0o755); err != nil {
		return fmt.Errorf("create staging generation: %w", err)
	}
	s.log.Info("generation rolled over",
		zap.Uint64("generation", s.current),
		zap.Int("members", s.staging))
	return s.rebuild()
}

func (s *Store) genDir(i uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("gen-%06d", i))
}

// discover inventories existing generation directories and heals any state
// a crash mid-rollover left behind.
func (s *Store) discover() error {
	items, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read population root: %w", err)
	}
	var indices []uint64
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		var i uint64
		if _, err := fmt.Sscanf(item.Name(), "gen-%06d", &i); err == nil {
			indices = append(indices, i)
		}
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })

	switch len(indices) {
	case 0:
		s.current = 0
	case 1:
		s.current = indices[0]
	default:
		s.current = indices[len(indices)-1] - 1
		for _, i := range indices[:len(indices)-1] {
			if i >= s.current {
				continue
			}
			stale := s.genDir(i)
			s.log.Warn("removing stale generation directory", zap.String("dir", stale))
			if err := os.RemoveAll(stale); err != nil {
				return fmt.Errorf("remove stale generation %s: %w", stale, err)
			}
		}
	}
	if err := os.MkdirAll(s.genDir(s.current), 0o755); err != nil {
		return fmt.Errorf("create current generation: %w", err)
	}
	if err := os.MkdirAll(s.genDir(s.current+1), 0o755); err != nil {
		return fmt.Errorf("create staging generation: %w", err)
	}
	return nil
}

// scan refreshes the cache when any watched directory changed on disk.
func (s *Store) scan() error {
	if !s.changed() {
		return nil
	}
	if s.strategy.generational() {
		if err := s.discover(); err != nil {
			return err
		}
	}
	return s.rebuild()
}

func (s *Store) changed() bool {
	for _, dir := range s.watchSet() {
		if s.mtimes[dir] != dirMTime(dir) {
			return true
		}
	}
	return false
}

func (s *Store) watchSet() []string {
	if s.strategy.generational() {
		return []string{s.dir, s.genDir(s.current), s.genDir(s.current + 1)}
	}
	return []string{s.dir}
}

// rebuild re-reads the member and staging views from disk.
func (s *Store) rebuild() error {
	if s.strategy.generational() {
		s.entries = s.readEntries(s.genDir(s.current))
		s.staging = len(s.readEntries(s.genDir(s.current + 1)))
	} else {
		s.entries = s.readEntries(s.dir)
		s.staging = 0
	}
	for _, dir := range s.watchSet() {
		s.remember(dir)
	}
	return nil
}

func (s *Store) remember(dir string) {
	s.mtimes[dir] = dirMTime(dir)
}

func dirMTime(dir string) time.Time {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// readEntries loads record metadata from one directory. Unreadable or
// malformed records are expected after a crash; they are skipped and
// logged, never fatal.
func (s *Store) readEntries(dir string) []Entry {
	items, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("cannot read population directory", zap.String("dir", dir), zap.Error(err))
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
			s.log.Warn("skipping unreadable individual", zap.String("path", path), zap.Error(err))
			continue
		}
		if ind.Ascension == nil {
			s.log.Warn("skipping record without ascension", zap.String("path", path))
			continue
		}
		entries = append(entries, Entry{
			Name:       ind.Name,
			Species:    ind.Species,
			Score:      ind.ScoreValue(),
			Ascension:  *ind.Ascension,
			Generation: ind.Generation,
			Path:       path,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ascension < entries[j].Ascension })
	return entries
}
