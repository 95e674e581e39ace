package platform

import (
	"context"
	"time"

	"go.uber.org/zap"

	"epigonos/internal/evo"
	"epigonos/internal/individual"
	"epigonos/internal/model"
	"epigonos/internal/stats"
	"epigonos/internal/storage"
)

const archiveQueueDepth = 256

type archiveEvent struct {
	lineage     *model.LineageRecord
	diagnostics *model.DiagnosticsRecord
	trace       *stats.TraceRow
}

// Archiver turns driver lifecycle events into archive records and stats
// rows. The observer callbacks only build records and enqueue them; a
// supervised Run goroutine performs the writes so storage latency never
// extends the population lock. The archive is best effort: when the queue
// is full or a write fails the event is dropped with a warning, and the
// record files remain the source of truth.
type Archiver struct {
	population string
	root       string
	store      storage.Store
	log        *zap.Logger
	queue      chan archiveEvent

	// Cohort accumulators, mutated only from observer callbacks, which the
	// driver serializes under its population lock.
	deaths int
	scores []float64
}

func NewArchiver(population, root string, store storage.Store, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		population: population,
		root:       root,
		store:      store,
		log:        logger,
		queue:      make(chan archiveEvent, archiveQueueDepth),
	}
}

// ObserveDeath records one ancestry edge and folds the death into the
// current cohort's aggregates.
func (a *Archiver) ObserveDeath(ind *individual.Individual) {
	a.deaths++

	record := model.LineageRecord{
		Name:       ind.Name,
		Species:    ind.Species,
		Parents:    append([]string(nil), ind.Parents...),
		Operation:  operationFor(len(ind.Parents)),
		Generation: ind.Generation,
		BornAt:     ind.BirthDate,
	}
	if ind.Ascension != nil {
		record.Ascension = *ind.Ascension
	}
	if ind.Eligible() {
		score := ind.ScoreValue()
		record.Score = &score
		a.scores = append(a.scores, score)
	}
	a.enqueue(archiveEvent{lineage: &record})
}

// ObserveRollover snapshots the cohort that just completed and resets the
// aggregates for the next one.
func (a *Archiver) ObserveRollover(generation uint64, species []evo.Species, elites int) {
	// The driver reports the new generation; the snapshot describes the
	// one that just ended.
	completed := generation
	if completed > 0 {
		completed--
	}

	stagnant := 0
	for _, sp := range species {
		if sp.Stagnation > 0 {
			stagnant++
		}
	}
	summary := stats.Describe(a.scores)

	diagnostics := model.DiagnosticsRecord{
		Generation:    completed,
		Deaths:        a.deaths,
		BestScore:     summary.Max,
		MeanScore:     summary.Mean,
		SpeciesCount:  len(species),
		StagnantCount: stagnant,
		Elites:        elites,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	trace := stats.TraceRow{
		Generation: completed,
		Deaths:     a.deaths,
		Min:        summary.Min,
		Mean:       summary.Mean,
		Median:     summary.Median,
		Max:        summary.Max,
		StdDev:     summary.StdDev,
		Species:    len(species),
	}
	a.deaths = 0
	a.scores = a.scores[:0]
	a.enqueue(archiveEvent{diagnostics: &diagnostics, trace: &trace})
}

func (a *Archiver) enqueue(event archiveEvent) {
	select {
	case a.queue <- event:
	default:
		a.log.Warn("archive queue full, dropping event", zap.String("population", a.population))
	}
}

// Run drains the queue until ctx is cancelled, then flushes whatever is
// already enqueued.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.flushPending()
			return nil
		case event := <-a.queue:
			a.handle(ctx, event)
		}
	}
}

func (a *Archiver) flushPending() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case event := <-a.queue:
			a.handle(ctx, event)
		default:
			return
		}
	}
}

func (a *Archiver) handle(ctx context.Context, event archiveEvent) {
	if event.lineage != nil {
		if err := a.store.SaveLineage(ctx, a.population, *event.lineage); err != nil {
			a.log.Warn("cannot archive lineage",
				zap.String("population", a.population),
				zap.String("name", event.lineage.Name),
				zap.Error(err))
		}
	}
	if event.diagnostics != nil {
		if err := a.store.SaveDiagnostics(ctx, a.population, *event.diagnostics); err != nil {
			a.log.Warn("cannot archive diagnostics",
				zap.String("population", a.population),
				zap.Uint64("generation", event.diagnostics.Generation),
				zap.Error(err))
		}
	}
	if event.trace != nil {
		if err := stats.AppendTrace(a.root, *event.trace); err != nil {
			a.log.Warn("cannot append trace row",
				zap.String("population", a.population),
				zap.Error(err))
		}
	}
}

func operationFor(parents int) string {
	switch parents {
	case 0:
		return model.OperationSeed
	case 1:
		return model.OperationClone
	default:
		return model.OperationMate
	}
}
