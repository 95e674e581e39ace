// Package platform hosts named populations behind one process boundary:
// a registry that routes spawn and death calls to drivers, an archive
// pipeline for lineage and diagnostics, and a supervisor that keeps the
// per-population maintenance tasks alive.
package platform

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"epigonos/internal/evo"
	"epigonos/internal/popid"
	"epigonos/internal/stats"
	"epigonos/internal/storage"
)

// ErrUnknownPopulation reports a population name with no open driver.
var ErrUnknownPopulation = errors.New("unknown population")

type Config struct {
	// Root is the directory population directories are created under.
	Root string

	// Store archives lineage and diagnostics records.
	Store storage.Store

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// SupportModules start with the service and stop with it in reverse
	// order.
	SupportModules []SupportModule

	// Supervisor bounds restarts of per-population maintenance tasks.
	Supervisor SupervisorPolicy
}

type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

type populationHandle struct {
	name     string
	driver   *evo.Driver
	archiver *Archiver
	watcher  *Watcher
}

// Service is the process-wide registry of open populations. Evolution
// itself runs inside each driver; the service only routes calls, archives
// events, and supervises the maintenance tasks around them.
type Service struct {
	root  string
	store storage.Store
	log   *zap.Logger
	sup   *Supervisor

	mu             sync.RWMutex
	populations    map[string]*populationHandle
	supportModules map[string]SupportModule
	started        bool
	lastStopReason StopReason

	config Config
}

var (
	defaultServiceMu sync.Mutex
	defaultService   *Service
)

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		root:           cfg.Root,
		store:          cfg.Store,
		log:            logger,
		sup:            NewSupervisor(cfg.Supervisor),
		populations:    make(map[string]*populationHandle),
		supportModules: make(map[string]SupportModule),
		config:         cfg,
		lastStopReason: StopReasonNormal,
	}
}

// StartDefault initializes the process-wide service, reusing a running one.
func StartDefault(ctx context.Context, cfg Config) (*Service, error) {
	defaultServiceMu.Lock()
	defer defaultServiceMu.Unlock()

	if defaultService != nil && defaultService.Started() {
		return defaultService, nil
	}

	s := NewService(cfg)
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	defaultService = s
	return defaultService, nil
}

func Default() (*Service, bool) {
	defaultServiceMu.Lock()
	s := defaultService
	defaultServiceMu.Unlock()

	if s == nil || !s.Started() {
		return nil, false
	}
	return s, true
}

func StopDefault(reason StopReason) error {
	defaultServiceMu.Lock()
	s := defaultService
	defaultServiceMu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.StopWithReason(reason); err != nil {
		return err
	}
	defaultServiceMu.Lock()
	if defaultService == s {
		defaultService = nil
	}
	defaultServiceMu.Unlock()
	return nil
}

func (s *Service) Init(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("store is required")
	}
	if s.root == "" {
		return fmt.Errorf("root directory is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.store.Init(ctx); err != nil {
		return err
	}

	startedModules := make([]SupportModule, 0, len(s.config.SupportModules))
	rollback := func() {
		stopSupportModules(ctx, startedModules)
		s.supportModules = make(map[string]SupportModule)
	}
	for i, module := range s.config.SupportModules {
		if module == nil {
			rollback()
			return fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			rollback()
			return fmt.Errorf("support module name is required at index %d", i)
		}
		if _, exists := s.supportModules[name]; exists {
			rollback()
			return fmt.Errorf("duplicate support module: %s", name)
		}
		if err := module.Start(ctx); err != nil {
			rollback()
			return fmt.Errorf("start support module %s: %w", name, err)
		}
		s.supportModules[name] = module
		startedModules = append(startedModules, module)
	}

	s.started = true
	return nil
}

// Open creates or resumes the named population and starts its archive
// flusher and record watcher under the supervisor. The driver config's
// Population is normalized; Dir defaults to a directory of the same name
// under the service root.
func (s *Service) Open(ctx context.Context, cfg evo.DriverConfig) (*evo.Driver, error) {
	name := popid.Normalize(cfg.Population)
	if name == "" {
		return nil, fmt.Errorf("population name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, fmt.Errorf("service is not initialized")
	}
	if _, exists := s.populations[name]; exists {
		return nil, fmt.Errorf("population already open: %s", name)
	}

	cfg.Population = name
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(s.root, name)
	}
	logger := s.log.Named(name)
	if cfg.Logger == nil {
		cfg.Logger = logger
	}

	archiver := NewArchiver(name, cfg.Dir, s.store, logger)
	cfg.Observers = append(append([]evo.Observer(nil), cfg.Observers...), archiver)

	driver, err := evo.NewDriver(cfg)
	if err != nil {
		return nil, err
	}

	watcher := NewWatcher(cfg.Dir, logger)
	if err := s.sup.StartSpec(TaskSpec{Name: "archive:" + name, Restart: RestartAlways}, archiver.Run); err != nil {
		_ = driver.Close()
		return nil, err
	}
	if err := s.sup.StartSpec(TaskSpec{Name: "watch:" + name, Restart: RestartAlways}, watcher.Run); err != nil {
		s.sup.Stop("archive:" + name)
		_ = driver.Close()
		return nil, err
	}

	if err := stats.AppendRunIndex(cfg.Dir, stats.RunIndexEntry{
		RunID:          uuid.NewString(),
		Population:     name,
		Environment:    cfg.Environment,
		PopulationSize: cfg.PopulationSize,
		StartedAtUTC:   time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		logger.Warn("cannot append run index", zap.Error(err))
	}

	s.populations[name] = &populationHandle{
		name:     name,
		driver:   driver,
		archiver: archiver,
		watcher:  watcher,
	}
	s.log.Info("population opened",
		zap.String("population", name),
		zap.String("dir", cfg.Dir))
	return driver, nil
}

// Spawn draws the next individual from the named population.
func (s *Service) Spawn(population string) (*evo.SpawnResult, error) {
	driver, err := s.Driver(population)
	if err != nil {
		return nil, err
	}
	return driver.Spawn()
}

// Death reports an evaluated individual back by name.
func (s *Service) Death(population, name string, score float64, telemetry map[string]string) error {
	driver, err := s.Driver(population)
	if err != nil {
		return err
	}
	return driver.DeathByName(name, score, telemetry)
}

// Driver resolves the named population's driver.
func (s *Service) Driver(population string) (*evo.Driver, error) {
	name := popid.Normalize(population)

	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.populations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPopulation, population)
	}
	return handle.driver, nil
}

// WatcherStats reports record churn counters for the named population.
func (s *Service) WatcherStats(population string) (WatcherStats, error) {
	name := popid.Normalize(population)

	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.populations[name]
	if !ok {
		return WatcherStats{}, fmt.Errorf("%w: %s", ErrUnknownPopulation, population)
	}
	return handle.watcher.Stats(), nil
}

func (s *Service) Populations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.populations))
	for name := range s.populations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClosePopulation stops the population's maintenance tasks and closes its
// driver. Records and the archive stay on disk.
func (s *Service) ClosePopulation(population string) error {
	name := popid.Normalize(population)

	s.mu.Lock()
	handle, ok := s.populations[name]
	if ok {
		delete(s.populations, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPopulation, population)
	}

	// The watcher goes first, then the driver so no further events are
	// produced, then the archiver so its queue drains.
	s.sup.Stop("watch:" + name)
	err := handle.driver.Close()
	s.sup.Stop("archive:" + name)
	return err
}

func (s *Service) Stop() {
	_ = s.StopWithReason(StopReasonNormal)
}

func (s *Service) Shutdown() {
	_ = s.StopWithReason(StopReasonShutdown)
}

func (s *Service) StopWithReason(reason StopReason) error {
	if reason == "" {
		reason = StopReasonNormal
	}
	if !isValidStopReason(reason) {
		return fmt.Errorf("unsupported stop reason: %s", reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, handle := range s.populations {
		s.sup.Stop("watch:" + handle.name)
		if err := handle.driver.Close(); err != nil {
			s.log.Warn("cannot close population",
				zap.String("population", handle.name),
				zap.Error(err))
		}
		s.sup.Stop("archive:" + handle.name)
	}
	s.sup.StopAll()
	for _, module := range s.supportModules {
		if withReason, ok := module.(reasonAwareSupportModule); ok {
			_ = withReason.StopWithReason(context.Background(), reason)
		} else {
			_ = module.Stop(context.Background())
		}
	}

	s.started = false
	s.lastStopReason = reason
	s.populations = make(map[string]*populationHandle)
	s.supportModules = make(map[string]SupportModule)
	return nil
}

func (s *Service) ActiveSupportModules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.supportModules))
	for name := range s.supportModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks lists the running maintenance tasks, sorted by name.
func (s *Service) Tasks() []string {
	return s.sup.Tasks()
}

// TaskStatuses reports the status of running and failed maintenance tasks.
func (s *Service) TaskStatuses() []TaskStatus {
	return s.sup.Statuses()
}

func (s *Service) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Service) LastStopReason() StopReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStopReason
}

type reasonAwareSupportModule interface {
	SupportModule
	StopWithReason(ctx context.Context, reason StopReason) error
}

func isValidStopReason(reason StopReason) bool {
	switch reason {
	case StopReasonNormal, StopReasonShutdown:
		return true
	default:
		return false
	}
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}
