package evo

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"epigonos/internal/genome"
	"epigonos/internal/individual"
	"epigonos/internal/population"
	"epigonos/internal/recorder"
)

var (
	ErrAlreadyDead       = errors.New("individual already dead")
	ErrUnknownIndividual = errors.New("unknown individual")
)

// DefaultCloneProbability is the chance a mating pair is collapsed into an
// asexual clone of its better half.
const DefaultCloneProbability = 0.25

// SpawnResult is what an external evaluator needs to run one individual:
// the record itself, its phenotype encoding, and the controller invocation.
type SpawnResult struct {
	Individual *individual.Individual
	Parameters []byte
	Controller []string
}

// Observer is notified of lifecycle events. Callbacks run under the
// population lock; implementations should capture what they need and
// return, deferring I/O to their own goroutines.
type Observer interface {
	ObserveDeath(ind *individual.Individual)
	ObserveRollover(generation uint64, species []Species, elites int)
}

// DriverConfig describes an evolution driver.
type DriverConfig struct {
	// Environment and Population name the experiment; both are stamped on
	// every individual spawned.
	Environment string
	Population  string

	// Controller is the command line evaluators use to express a genome.
	Controller []string

	// Dir is the population root directory.
	Dir string

	// Strategy selects the replacement policy. Defaults to generation.
	Strategy population.Strategy

	// PopulationSize is the target mating pool size and the cohort length
	// between rollovers.
	PopulationSize int

	// Codec deserializes stored genome payloads.
	Codec genome.Codec

	// Seed supplies initial genetic material while the mating pool is
	// empty.
	Seed func() genome.Genome

	// Distributor allocates offspring across species. Defaults to
	// proportional.
	Distributor Distributor

	// Selector picks parent pairs within a species. Defaults to
	// ranked_exponential.
	Selector MateSelector

	// CloneProbability biases spawns toward asexual reproduction. Zero
	// means the default; negative disables the bias.
	CloneProbability float64

	// SpeciationDistance is the threshold for a child joining a parent's
	// species. Non-positive inherits the first parent's species always.
	SpeciationDistance float64

	// StagnationLimit and EliteSpeciesSize tune the speciation engine;
	// non-positive values take the defaults.
	StagnationLimit  int
	EliteSpeciesSize int

	// LeaderboardSize and HallOfFameSize enable the recorder; zero
	// disables the respective collection.
	LeaderboardSize int
	HallOfFameSize  int

	// RandSeed primes selection and eviction randomness. Zero seeds from
	// the clock.
	RandSeed int64

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Observers receive death and rollover notifications.
	Observers []Observer
}

// Driver owns the evolutionary loop. A single mutex serializes Spawn,
// Death, and rollover; the ascension counter only moves under it, which is
// what makes death order strict and gap-free.
type Driver struct {
	cfg      DriverConfig
	strategy population.Strategy
	log      *zap.Logger
	rng      *rand.Rand
	store    *population.Store
	rec      *recorder.Recorder
	spec     *Speciation

	mu         sync.Mutex
	ascension  uint64
	generation uint64
	cohort     uint64
	live       map[string]*individual.Individual
	elites     []*individual.Individual
	pairs      [][2]population.Entry
}

// NewDriver validates the configuration, opens the population store and
// recorder, and restores the counters from the checkpoint reconciled
// against the records on disk.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Environment == "" {
		return nil, fmt.Errorf("environment name is required")
	}
	if cfg.Population == "" {
		return nil, fmt.Errorf("population name is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("population directory is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("genome codec is required")
	}
	if cfg.Seed == nil {
		return nil, fmt.Errorf("seed function is required")
	}
	if cfg.CloneProbability > 1 {
		return nil, fmt.Errorf("clone probability must be <= 1, got %g", cfg.CloneProbability)
	}
	strategy, err := population.ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	if cfg.Distributor == nil {
		cfg.Distributor = ProportionalDistributor{}
	}
	if cfg.Selector == nil {
		cfg.Selector = RankedExponentialSelector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RandSeed == 0 {
		cfg.RandSeed = time.Now().UnixNano()
	}

	store, err := population.New(population.Config{
		Dir:      cfg.Dir,
		Strategy: strategy,
		Size:     cfg.PopulationSize,
		Seed:     cfg.RandSeed,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	var rec *recorder.Recorder
	if cfg.LeaderboardSize > 0 || cfg.HallOfFameSize > 0 {
		rec, err = recorder.New(recorder.Config{
			Dir:             cfg.Dir,
			LeaderboardSize: cfg.LeaderboardSize,
			HallOfFameSize:  cfg.HallOfFameSize,
			Logger:          cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	d := &Driver{
		cfg:      cfg,
		strategy: strategy,
		log:      cfg.Logger,
		rng:      rand.New(rand.NewSource(cfg.RandSeed)),
		store:    store,
		rec:      rec,
		spec:     NewSpeciation(cfg.StagnationLimit, cfg.EliteSpeciesSize),
		live:     map[string]*individual.Individual{},
	}
	if err := d.restoreCounters(); err != nil {
		return nil, err
	}

	d.log.Info("evolution driver ready",
		zap.String("population", cfg.Population),
		zap.String("strategy", string(strategy)),
		zap.Uint64("ascension", d.ascension),
		zap.Uint64("generation", d.generation))
	return d, nil
}

// restoreCounters reconciles the checkpoint with the maximum ascension on
// disk. Disk wins upward: a stale checkpoint can delay the counters but
// never roll them back below a persisted record.
func (d *Driver) restoreCounters() error {
	ck, haveCk, err := readCheckpoint(d.cfg.Dir)
	if err != nil {
		return err
	}

	next := uint64(0)
	if maxAsc, found, err := d.store.MaxAscension(); err != nil {
		return err
	} else if found && maxAsc+1 > next {
		next = maxAsc + 1
	}
	if d.rec != nil {
		if maxAsc, found := d.rec.MaxAscension(); found && maxAsc+1 > next {
			next = maxAsc + 1
		}
	}
	if haveCk && ck.Ascension > next {
		next = ck.Ascension
	}

	d.ascension = next
	if haveCk {
		d.generation = ck.Generation
		d.cohort = ck.Cohort + (next - ck.Ascension)
	} else if d.cfg.PopulationSize > 0 {
		size := uint64(d.cfg.PopulationSize)
		d.generation = next / size
		d.cohort = next % size
	}
	return nil
}

// Ascension returns the next ascension to be assigned, which equals the
// number of deaths so far.
func (d *Driver) Ascension() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ascension
}

// Generation returns how many rollovers have completed.
func (d *Driver) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

// Live returns how many spawned individuals have not yet died.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Members returns the current mating pool.
func (d *Driver) Members() ([]population.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Members()
}

// Leaderboard returns the best-ever set, best first. Empty when the
// leaderboard is disabled.
func (d *Driver) Leaderboard() []recorder.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec == nil {
		return nil
	}
	return d.rec.Leaderboard()
}

// HallOfFame returns the permanent best-per-cohort collection in
// chronological order. Empty when the hall of fame is disabled.
func (d *Driver) HallOfFame() []recorder.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec == nil {
		return nil
	}
	return d.rec.HallOfFame()
}

// Best returns the top leaderboard entry.
func (d *Driver) Best() (recorder.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec == nil {
		return recorder.Entry{}, false
	}
	return d.rec.Best()
}

// Spawn produces the next individual to evaluate: a pending elite clone, a
// child of a selected parent pair, or seed material while the pool is
// empty. A full cohort triggers the rollover before anything else.
func (d *Driver) Spawn() (*SpawnResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rolloverDue() {
		if err := d.rollover(); err != nil {
			return nil, err
		}
	}

	for len(d.elites) > 0 {
		parent := d.elites[0]
		d.elites = d.elites[1:]
		child, err := parent.Clone()
		if err != nil {
			d.log.Warn("cannot clone elite", zap.String("name", parent.Name), zap.Error(err))
			continue
		}
		return d.register(child)
	}

	if len(d.pairs) == 0 {
		if err := d.refillPairs(); err != nil {
			return nil, err
		}
	}
	if len(d.pairs) == 0 {
		return d.spawnSeed()
	}

	pair := d.pairs[len(d.pairs)-1]
	d.pairs = d.pairs[:len(d.pairs)-1]
	return d.spawnFromPair(pair)
}

// Death reports an individual's outcome. The ascension assigned here is
// strictly greater than every ascension assigned before it, across all
// callers. An invalid score excludes the individual from reproduction and
// the records, but the death itself succeeds.
func (d *Driver) Death(ind *individual.Individual, score float64, telemetry map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.death(ind, score, telemetry)
}

// DeathByName resolves a live individual by name and reports its death.
// This is the entry point for external evaluators that only know the name
// they were handed at spawn.
func (d *Driver) DeathByName(name string, score float64, telemetry map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ind, ok := d.live[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIndividual, name)
	}
	return d.death(ind, score, telemetry)
}

func (d *Driver) death(ind *individual.Individual, score float64, telemetry map[string]string) error {
	if ind.Dead() {
		return fmt.Errorf("%w: %s", ErrAlreadyDead, ind.Name)
	}
	delete(d.live, ind.Name)

	ind.SetScore(score)
	if len(telemetry) > 0 && ind.Telemetry == nil {
		ind.Telemetry = map[string]string{}
	}
	for k, v := range telemetry {
		ind.Telemetry[k] = v
	}
	asc := d.ascension
	d.ascension++
	ind.Ascension = &asc
	ind.MarkDead()
	d.cohort++

	res, err := d.store.Add(ind)
	if err != nil {
		return err
	}
	// Evictions invalidate the parent pairs buffered from the old pool.
	if res.Evicted > 0 {
		d.pairs = d.pairs[:0]
	}
	if d.rec != nil {
		if err := d.rec.RecordDeath(ind); err != nil {
			return err
		}
	}
	for _, obs := range d.cfg.Observers {
		obs.ObserveDeath(ind)
	}
	d.log.Debug("individual died",
		zap.String("name", ind.Name),
		zap.Uint64("ascension", asc),
		zap.Float64("score", score))

	if d.rolloverDue() {
		return d.rollover()
	}
	return nil
}

// Rollover forces the next generation into place even if the cohort is not
// full. Useful for making seed material available immediately.
func (d *Driver) Rollover() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollover()
}

// Close writes a final counter checkpoint.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return writeCheckpoint(d.cfg.Dir, checkpoint{
		Ascension:  d.ascension,
		Generation: d.generation,
		Cohort:     d.cohort,
	})
}

func (d *Driver) rolloverDue() bool {
	return d.cfg.PopulationSize > 0 && d.cohort >= uint64(d.cfg.PopulationSize)
}

func (d *Driver) rollover() error {
	if err := d.store.Rollover(); err != nil {
		return err
	}
	d.cohort = 0
	d.generation++
	d.pairs = d.pairs[:0]
	d.elites = d.elites[:0]

	if d.rec != nil {
		if err := d.rec.Rollover(); err != nil {
			return err
		}
	}

	members, err := d.store.Members()
	if err != nil {
		return err
	}
	species, eliteEntries, err := d.spec.Rollover(members)
	if err != nil {
		return err
	}
	for _, entry := range eliteEntries {
		ind, err := individual.Load(entry.Path)
		if err != nil {
			d.log.Warn("cannot load elite", zap.String("path", entry.Path), zap.Error(err))
			continue
		}
		// Pin the payload so the elite survives any eviction of its record.
		if _, err := ind.Payload(); err != nil {
			d.log.Warn("cannot pin elite payload", zap.String("name", ind.Name), zap.Error(err))
			continue
		}
		d.elites = append(d.elites, ind)
	}

	if err := writeCheckpoint(d.cfg.Dir, checkpoint{
		Ascension:  d.ascension,
		Generation: d.generation,
		Cohort:     d.cohort,
	}); err != nil {
		return err
	}
	for _, obs := range d.cfg.Observers {
		obs.ObserveRollover(d.generation, species, len(d.elites))
	}
	d.log.Info("generation rolled over",
		zap.Uint64("generation", d.generation),
		zap.Int("species", len(species)),
		zap.Int("elites", len(d.elites)))
	return nil
}

// refillPairs rebuilds the parent-pair buffer: offspring are allocated
// across non-stagnant species, pairs are drawn within each species, and the
// buffer is shuffled so consumption order carries no species bias.
// Generation strategies refill a full cohort at once; the others refill one
// pair at a time.
func (d *Driver) refillPairs() error {
	members, err := d.store.Members()
	if err != nil {
		return err
	}
	eligible := make([]population.Entry, 0, len(members))
	for _, member := range members {
		if !d.spec.Stagnant(member.Species) {
			eligible = append(eligible, member)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	quota := 1
	if d.strategy == population.StrategyGeneration && d.cfg.PopulationSize > 0 {
		quota = d.cfg.PopulationSize
	}

	grouped := groupBySpecies(eligible)
	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	means := make([]float64, len(ids))
	for i, id := range ids {
		means[i] = meanScore(grouped[id])
	}
	counts, err := d.cfg.Distributor.Distribute(d.rng, means, quota)
	if err != nil {
		return fmt.Errorf("distribute offspring: %w", err)
	}
	if len(counts) != len(ids) {
		return fmt.Errorf("distributor %s returned %d counts for %d species",
			d.cfg.Distributor.Name(), len(counts), len(ids))
	}

	for i, id := range ids {
		if counts[i] <= 0 {
			continue
		}
		group := grouped[id]
		scores := make([]float64, len(group))
		for j, member := range group {
			scores[j] = member.Score
		}
		pairs, err := d.cfg.Selector.Pairs(d.rng, scores, counts[i])
		if err != nil {
			return fmt.Errorf("select parents in species %s: %w", id, err)
		}
		for _, p := range pairs {
			d.pairs = append(d.pairs, [2]population.Entry{group[p[0]], group[p[1]]})
		}
	}
	d.rng.Shuffle(len(d.pairs), func(i, j int) {
		d.pairs[i], d.pairs[j] = d.pairs[j], d.pairs[i]
	})
	return nil
}

// spawnFromPair loads the pair and either clones the better parent or
// mates the higher scorer with the lower, a stable convention that keeps
// mating order deterministic under score ties.
func (d *Driver) spawnFromPair(pair [2]population.Entry) (*SpawnResult, error) {
	first, err := individual.Load(pair[0].Path)
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}

	asexual := pair[0].Ascension == pair[1].Ascension
	if !asexual && d.rng.Float64() < d.cloneProbability() {
		asexual = true
	}

	if asexual {
		parent := first
		if pair[1].Score > pair[0].Score {
			if parent, err = individual.Load(pair[1].Path); err != nil {
				return nil, fmt.Errorf("load parent: %w", err)
			}
		}
		child, err := parent.Clone()
		if err != nil {
			return nil, err
		}
		return d.register(child)
	}

	second, err := individual.Load(pair[1].Path)
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}
	hi, lo := first, second
	if second.ScoreValue() > first.ScoreValue() {
		hi, lo = second, first
	}
	if _, err := hi.Genome(d.cfg.Codec); err != nil {
		return nil, err
	}
	if _, err := lo.Genome(d.cfg.Codec); err != nil {
		return nil, err
	}
	child, err := hi.Mate(lo, d.cfg.SpeciationDistance)
	if err != nil {
		return nil, err
	}
	return d.register(child)
}

func (d *Driver) spawnSeed() (*SpawnResult, error) {
	g := d.cfg.Seed()
	if g == nil {
		return nil, fmt.Errorf("seed function returned no genome")
	}
	child := individual.New(d.cfg.Environment, d.cfg.Population, d.cfg.Controller, g)
	return d.register(child)
}

// register forces the child's genome for its phenotype encoding, marks it
// born, and tracks it as live until its death is reported.
func (d *Driver) register(child *individual.Individual) (*SpawnResult, error) {
	g, err := child.Genome(d.cfg.Codec)
	if err != nil {
		return nil, err
	}
	params, err := g.Parameters()
	if err != nil {
		return nil, fmt.Errorf("phenotype parameters of %s: %w", child.Name, err)
	}
	child.MarkBorn()
	d.live[child.Name] = child

	d.log.Debug("spawned individual",
		zap.String("name", child.Name),
		zap.String("species", child.Species),
		zap.Uint64("generation", child.Generation))
	return &SpawnResult{
		Individual: child,
		Parameters: params,
		Controller: append([]string(nil), child.Controller...),
	}, nil
}

func (d *Driver) cloneProbability() float64 {
	switch {
	case d.cfg.CloneProbability < 0:
		return 0
	case d.cfg.CloneProbability == 0:
		return DefaultCloneProbability
	default:
		return d.cfg.CloneProbability
	}
}
