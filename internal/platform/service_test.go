package platform

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/goleak"

	"epigonos/internal/evo"
	"epigonos/internal/genome"
	"epigonos/internal/population"
	"epigonos/internal/stats"
	"epigonos/internal/storage"
)

type fakeSupportModule struct {
	name     string
	startErr error
	started  bool
	stopped  bool
}

func (m *fakeSupportModule) Name() string { return m.name }

func (m *fakeSupportModule) Start(context.Context) error {
	m.started = true
	return m.startErr
}

func (m *fakeSupportModule) Stop(context.Context) error {
	m.stopped = true
	return nil
}

type reasonRecordingModule struct {
	fakeSupportModule
	reason StopReason
}

func (m *reasonRecordingModule) StopWithReason(_ context.Context, reason StopReason) error {
	m.stopped = true
	m.reason = reason
	return nil
}

func serviceDriverConfig(name string) evo.DriverConfig {
	return evo.DriverConfig{
		Environment:    "cartpole",
		Population:     name,
		Controller:     []string{"./controller", "--balance"},
		Strategy:       population.StrategyGeneration,
		PopulationSize: 3,
		Codec:          genome.RawCodec{},
		Seed:           func() genome.Genome { return genome.NewRaw([]byte("seed genome")) },
		RandSeed:       1,
	}
}

func newStartedService(t *testing.T, store storage.Store) *Service {
	t.Helper()
	s := NewService(Config{Root: t.TempDir(), Store: store})
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init service: %v", err)
	}
	return s
}

func TestServiceInitValidatesConfig(t *testing.T) {
	if err := NewService(Config{Root: t.TempDir()}).Init(context.Background()); err == nil {
		t.Fatal("expected an error without a store")
	}
	if err := NewService(Config{Store: storage.NewMemoryStore()}).Init(context.Background()); err == nil {
		t.Fatal("expected an error without a root directory")
	}
}

func TestServiceInitRollsBackSupportModulesOnFailure(t *testing.T) {
	healthy := &fakeSupportModule{name: "metrics"}
	broken := &fakeSupportModule{name: "broker", startErr: errors.New("boom")}
	s := NewService(Config{
		Root:           t.TempDir(),
		Store:          storage.NewMemoryStore(),
		SupportModules: []SupportModule{healthy, broken},
	})

	if err := s.Init(context.Background()); err == nil {
		t.Fatal("expected init to fail when a support module cannot start")
	}
	if !healthy.started || !healthy.stopped {
		t.Fatalf("healthy module was not rolled back: %+v", healthy)
	}
	if s.Started() {
		t.Fatal("service must not report started after a failed init")
	}
	if got := s.ActiveSupportModules(); len(got) != 0 {
		t.Fatalf("active support modules after failed init: %v", got)
	}
}

func TestServiceInitRejectsDuplicateSupportModules(t *testing.T) {
	first := &fakeSupportModule{name: "metrics"}
	second := &fakeSupportModule{name: "metrics"}
	s := NewService(Config{
		Root:           t.TempDir(),
		Store:          storage.NewMemoryStore(),
		SupportModules: []SupportModule{first, second},
	})

	if err := s.Init(context.Background()); err == nil {
		t.Fatal("expected init to fail on duplicate support module names")
	}
	if !first.stopped {
		t.Fatal("first module was not rolled back")
	}
}

func TestServiceOpenRequiresInit(t *testing.T) {
	s := NewService(Config{Root: t.TempDir(), Store: storage.NewMemoryStore()})
	if _, err := s.Open(context.Background(), serviceDriverConfig("alpha")); err == nil {
		t.Fatal("expected open to fail before init")
	}
}

func TestServiceLifecycleArchivesCohort(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := storage.NewMemoryStore()
	s := newStartedService(t, store)
	defer s.Stop()

	if _, err := s.Open(context.Background(), serviceDriverConfig("alpha")); err != nil {
		t.Fatalf("open population: %v", err)
	}
	if got := s.Populations(); !reflect.DeepEqual(got, []string{"alpha"}) {
		t.Fatalf("populations = %v", got)
	}
	if got := s.Tasks(); !reflect.DeepEqual(got, []string{"archive:alpha", "watch:alpha"}) {
		t.Fatalf("tasks = %v", got)
	}
	dir := filepath.Join(s.root, "alpha")
	runs, err := stats.ListRunIndex(dir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(runs) != 1 || runs[0].Population != "alpha" || runs[0].Environment != "cartpole" {
		t.Fatalf("run index = %+v", runs)
	}
	if runs[0].RunID == "" || runs[0].PopulationSize != 3 {
		t.Fatalf("run index entry incomplete: %+v", runs[0])
	}

	for i := 0; i < 3; i++ {
		res, err := s.Spawn("alpha")
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		if err := s.Death("alpha", res.Individual.Name, float64(i+1), nil); err != nil {
			t.Fatalf("death %d: %v", i, err)
		}
	}

	// The archive flusher runs on its own supervised task.
	deadline := time.Now().Add(2 * time.Second)
	for {
		lineage, err := store.ListLineage(context.Background(), "alpha")
		if err != nil {
			t.Fatalf("list lineage: %v", err)
		}
		diagnostics, err := store.ListDiagnostics(context.Background(), "alpha")
		if err != nil {
			t.Fatalf("list diagnostics: %v", err)
		}
		rows, traced, err := stats.ReadTrace(dir)
		if err != nil {
			t.Fatalf("read trace: %v", err)
		}
		if len(lineage) == 3 && len(diagnostics) == 1 && traced {
			if diagnostics[0].Generation != 0 || diagnostics[0].Deaths != 3 {
				t.Fatalf("diagnostics = %+v", diagnostics[0])
			}
			if diagnostics[0].BestScore != 3 || diagnostics[0].MeanScore != 2 {
				t.Fatalf("diagnostics aggregates = %+v", diagnostics[0])
			}
			if len(rows) != 1 || rows[0].Min != 1 || rows[0].Max != 3 {
				t.Fatalf("trace rows = %+v", rows)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archive did not settle: lineage=%d diagnostics=%d traced=%v",
				len(lineage), len(diagnostics), traced)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.ClosePopulation("alpha"); err != nil {
		t.Fatalf("close population: %v", err)
	}
	if got := s.Populations(); len(got) != 0 {
		t.Fatalf("populations after close = %v", got)
	}
	if got := s.Tasks(); len(got) != 0 {
		t.Fatalf("tasks after close = %v", got)
	}
	if err := s.ClosePopulation("alpha"); !errors.Is(err, ErrUnknownPopulation) {
		t.Fatalf("second close returned %v, want ErrUnknownPopulation", err)
	}
}

func TestServiceRejectsUnknownPopulation(t *testing.T) {
	s := newStartedService(t, storage.NewMemoryStore())
	defer s.Stop()

	if _, err := s.Spawn("ghost"); !errors.Is(err, ErrUnknownPopulation) {
		t.Fatalf("spawn returned %v, want ErrUnknownPopulation", err)
	}
	if err := s.Death("ghost", "n", 1, nil); !errors.Is(err, ErrUnknownPopulation) {
		t.Fatalf("death returned %v, want ErrUnknownPopulation", err)
	}
	if _, err := s.WatcherStats("ghost"); !errors.Is(err, ErrUnknownPopulation) {
		t.Fatalf("watcher stats returned %v, want ErrUnknownPopulation", err)
	}
	if _, err := s.Driver("ghost"); !errors.Is(err, ErrUnknownPopulation) {
		t.Fatalf("driver returned %v, want ErrUnknownPopulation", err)
	}
}

func TestServiceNormalizesPopulationNames(t *testing.T) {
	s := newStartedService(t, storage.NewMemoryStore())
	defer s.Stop()

	if _, err := s.Open(context.Background(), serviceDriverConfig("Alpha Prime")); err != nil {
		t.Fatalf("open population: %v", err)
	}
	if got := s.Populations(); !reflect.DeepEqual(got, []string{"alpha-prime"}) {
		t.Fatalf("populations = %v", got)
	}
	if _, err := s.Spawn("ALPHA_PRIME"); err != nil {
		t.Fatalf("spawn through alias: %v", err)
	}
	if _, err := s.Open(context.Background(), serviceDriverConfig("alpha.prime")); err == nil {
		t.Fatal("expected duplicate open to fail")
	}
}

func TestServiceStopWithReason(t *testing.T) {
	module := &reasonRecordingModule{fakeSupportModule: fakeSupportModule{name: "metrics"}}
	s := NewService(Config{
		Root:           t.TempDir(),
		Store:          storage.NewMemoryStore(),
		SupportModules: []SupportModule{module},
	})
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init service: %v", err)
	}

	if err := s.StopWithReason("sideways"); err == nil {
		t.Fatal("expected an unsupported stop reason to fail")
	}
	if !s.Started() {
		t.Fatal("a rejected stop must leave the service running")
	}

	s.Shutdown()
	if s.Started() {
		t.Fatal("service still started after shutdown")
	}
	if got := s.LastStopReason(); got != StopReasonShutdown {
		t.Fatalf("last stop reason = %q, want %q", got, StopReasonShutdown)
	}
	if !module.stopped || module.reason != StopReasonShutdown {
		t.Fatalf("support module did not receive the stop reason: %+v", module)
	}
}

func TestServiceDefaultLifecycle(t *testing.T) {
	cfg := Config{Root: t.TempDir(), Store: storage.NewMemoryStore()}

	first, err := StartDefault(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start default: %v", err)
	}
	second, err := StartDefault(context.Background(), cfg)
	if err != nil {
		t.Fatalf("restart default: %v", err)
	}
	if first != second {
		t.Fatal("expected the running default service to be reused")
	}
	if s, ok := Default(); !ok || s != first {
		t.Fatalf("default lookup = (%v, %v)", s, ok)
	}

	if err := StopDefault(StopReasonShutdown); err != nil {
		t.Fatalf("stop default: %v", err)
	}
	if _, ok := Default(); ok {
		t.Fatal("default still available after stop")
	}
	if got := first.LastStopReason(); got != StopReasonShutdown {
		t.Fatalf("last stop reason = %q, want %q", got, StopReasonShutdown)
	}
	if err := StopDefault(StopReasonNormal); err != nil {
		t.Fatalf("stop without default: %v", err)
	}
}
