// Package epigonos is the embedding surface for the population manager:
// a Client wraps the hosting service, the archive store and the stats
// artifacts behind one handle with defaulted options.
package epigonos

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"

	"epigonos/internal/evo"
	"epigonos/internal/genome"
	"epigonos/internal/model"
	"epigonos/internal/platform"
	"epigonos/internal/popid"
	"epigonos/internal/population"
	"epigonos/internal/recorder"
	"epigonos/internal/stats"
	"epigonos/internal/storage"
)

const (
	defaultRoot           = "populations"
	defaultDBPath         = "epigonos.db"
	defaultPopulationSize = 50
	defaultMirrorSize     = 10
)

// ErrUnknownPopulation mirrors the service sentinel so embedders can test
// for it without reaching into internal packages.
var ErrUnknownPopulation = platform.ErrUnknownPopulation

type Options struct {
	// Root holds one directory per population. Defaults to "populations".
	Root string

	// StoreKind selects the archive backend: "" or "memory", or "sqlite"
	// in builds carrying the sqlite tag.
	StoreKind string

	// DBPath locates the sqlite archive. Defaults to "epigonos.db".
	DBPath string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

type Client struct {
	root    string
	store   storage.Store
	log     *zap.Logger
	service *platform.Service
}

// PopulationRequest opens a population of raw byte genomes. Zero values
// take defaults; Name, Environment and one of SeedGenome or SeedSource
// are required.
type PopulationRequest struct {
	Name        string
	Environment string
	Controller  []string
	Strategy    string
	Size        int

	// SeedGenome is the genetic material handed out while the mating pool
	// is empty. SeedSource, when set, draws fresh material per seed spawn
	// instead.
	SeedGenome []byte
	SeedSource func() []byte

	CloneProbability   float64
	SpeciationDistance float64
	StagnationLimit    int
	EliteSpeciesSize   int
	LeaderboardSize    int
	HallOfFameSize     int
	RandSeed           int64
}

// SpawnedIndividual is one individual handed out for evaluation.
type SpawnedIndividual struct {
	Name       string
	Species    string
	Generation uint64
	Parents    []string
	Parameters []byte
	Controller []string
}

// PopulationStatus is a point-in-time summary of an open population.
type PopulationStatus struct {
	Name       string
	Generation uint64
	Ascension  uint64
	Live       int
	Members    int
	BestName   string
	BestScore  float64
	HasBest    bool
}

type LineageRequest struct {
	Population string
	Limit      int
}

type DiagnosticsRequest struct {
	Population string
	Limit      int
}

type RunsRequest struct {
	Population string
	Limit      int
}

func New(opts Options) (*Client, error) {
	root := opts.Root
	if root == "" {
		root = defaultRoot
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		root:  root,
		store: store,
		log:   logger,
	}, nil
}

// Init brings up the hosting service and the archive store. Open calls
// it implicitly; standalone archive queries need it first.
func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensureService(ctx)
	return err
}

// Close stops every open population and releases the archive store.
func (c *Client) Close() error {
	if c.service != nil {
		c.service.Stop()
		c.service = nil
	}
	return storage.CloseIfSupported(c.store)
}

// Open starts hosting the requested population under the client root.
func (c *Client) Open(ctx context.Context, req PopulationRequest) error {
	if req.Name == "" {
		return errors.New("population name is required")
	}
	if req.Environment == "" {
		return errors.New("environment name is required")
	}
	if len(req.SeedGenome) == 0 && req.SeedSource == nil {
		return errors.New("seed genome or seed source is required")
	}
	strategy, err := population.ParseStrategy(req.Strategy)
	if err != nil {
		return err
	}
	if req.Size <= 0 {
		req.Size = defaultPopulationSize
	}
	if req.LeaderboardSize <= 0 {
		req.LeaderboardSize = defaultMirrorSize
	}
	if req.HallOfFameSize <= 0 {
		req.HallOfFameSize = defaultMirrorSize
	}

	s, err := c.ensureService(ctx)
	if err != nil {
		return err
	}

	seedFunc := req.SeedSource
	if seedFunc == nil {
		seed := append([]byte(nil), req.SeedGenome...)
		seedFunc = func() []byte { return seed }
	}
	_, err = s.Open(ctx, evo.DriverConfig{
		Environment:        req.Environment,
		Population:         req.Name,
		Controller:         req.Controller,
		Strategy:           strategy,
		PopulationSize:     req.Size,
		Codec:              genome.RawCodec{},
		Seed:               func() genome.Genome { return genome.NewRaw(seedFunc()) },
		CloneProbability:   req.CloneProbability,
		SpeciationDistance: req.SpeciationDistance,
		StagnationLimit:    req.StagnationLimit,
		EliteSpeciesSize:   req.EliteSpeciesSize,
		LeaderboardSize:    req.LeaderboardSize,
		HallOfFameSize:     req.HallOfFameSize,
		RandSeed:           req.RandSeed,
	})
	return err
}

// Spawn draws the next individual from the named population.
func (c *Client) Spawn(_ context.Context, populationName string) (SpawnedIndividual, error) {
	s, err := c.runningService()
	if err != nil {
		return SpawnedIndividual{}, err
	}
	res, err := s.Spawn(populationName)
	if err != nil {
		return SpawnedIndividual{}, err
	}
	return SpawnedIndividual{
		Name:       res.Individual.Name,
		Species:    res.Individual.Species,
		Generation: res.Individual.Generation,
		Parents:    append([]string(nil), res.Individual.Parents...),
		Parameters: res.Parameters,
		Controller: res.Controller,
	}, nil
}

// Death reports an evaluated individual back by name.
func (c *Client) Death(_ context.Context, populationName, name string, score float64, telemetry map[string]string) error {
	s, err := c.runningService()
	if err != nil {
		return err
	}
	return s.Death(populationName, name, score, telemetry)
}

// Leaderboard returns the best-ever entries of the named population.
func (c *Client) Leaderboard(populationName string) ([]recorder.Entry, error) {
	driver, err := c.driver(populationName)
	if err != nil {
		return nil, err
	}
	return driver.Leaderboard(), nil
}

// HallOfFame returns the protected elite entries of the named population.
func (c *Client) HallOfFame(populationName string) ([]recorder.Entry, error) {
	driver, err := c.driver(populationName)
	if err != nil {
		return nil, err
	}
	return driver.HallOfFame(), nil
}

// Status summarizes the named population.
func (c *Client) Status(populationName string) (PopulationStatus, error) {
	driver, err := c.driver(populationName)
	if err != nil {
		return PopulationStatus{}, err
	}
	members, err := driver.Members()
	if err != nil {
		return PopulationStatus{}, err
	}
	status := PopulationStatus{
		Name:       popid.Normalize(populationName),
		Generation: driver.Generation(),
		Ascension:  driver.Ascension(),
		Live:       driver.Live(),
		Members:    len(members),
	}
	if best, ok := driver.Best(); ok {
		status.BestName = best.Name
		status.BestScore = best.Score
		status.HasBest = true
	}
	return status, nil
}

// Populations lists the open populations, sorted by name.
func (c *Client) Populations() []string {
	if c.service == nil {
		return nil
	}
	return c.service.Populations()
}

// ClosePopulation stops hosting the named population. Its records and
// archive rows stay on disk.
func (c *Client) ClosePopulation(populationName string) error {
	s, err := c.runningService()
	if err != nil {
		return err
	}
	return s.ClosePopulation(populationName)
}

// Lineage returns the archived ancestry of the named population in
// ascension order.
func (c *Client) Lineage(ctx context.Context, req LineageRequest) ([]model.LineageRecord, error) {
	if req.Population == "" {
		return nil, errors.New("population name is required")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if _, err := c.ensureService(ctx); err != nil {
		return nil, err
	}
	records, err := c.store.ListLineage(ctx, popid.Normalize(req.Population))
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(records) > req.Limit {
		records = records[:req.Limit]
	}
	return records, nil
}

// Diagnostics returns the archived per-generation snapshots of the named
// population in generation order.
func (c *Client) Diagnostics(ctx context.Context, req DiagnosticsRequest) ([]model.DiagnosticsRecord, error) {
	if req.Population == "" {
		return nil, errors.New("population name is required")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if _, err := c.ensureService(ctx); err != nil {
		return nil, err
	}
	records, err := c.store.ListDiagnostics(ctx, popid.Normalize(req.Population))
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(records) > req.Limit {
		records = records[:req.Limit]
	}
	return records, nil
}

// Runs lists the recorded runs of the named population, newest first.
func (c *Client) Runs(_ context.Context, req RunsRequest) ([]stats.RunIndexEntry, error) {
	if req.Population == "" {
		return nil, errors.New("population name is required")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	entries, err := stats.ListRunIndex(c.populationDir(req.Population))
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

// PopulationDir resolves the on-disk root of the named population.
func (c *Client) PopulationDir(populationName string) string {
	return c.populationDir(populationName)
}

func (c *Client) populationDir(populationName string) string {
	return filepath.Join(c.root, popid.Normalize(populationName))
}

func (c *Client) driver(populationName string) (*evo.Driver, error) {
	s, err := c.runningService()
	if err != nil {
		return nil, err
	}
	return s.Driver(populationName)
}

func (c *Client) runningService() (*platform.Service, error) {
	if c.service == nil {
		return nil, errors.New("client is not initialized")
	}
	return c.service, nil
}

func (c *Client) ensureService(ctx context.Context) (*platform.Service, error) {
	if c.service != nil {
		return c.service, nil
	}
	s := platform.NewService(platform.Config{
		Root:   c.root,
		Store:  c.store,
		Logger: c.log,
	})
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	c.service = s
	return c.service, nil
}
