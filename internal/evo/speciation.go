// Package evo orchestrates the evolutionary loop: speciation and stagnation
// tracking, offspring allocation, parent selection, and the driver that owns
// the ascension counter.
package evo

import (
	"errors"
	"sort"

	"epigonos/internal/population"
)

// ErrExtinct reports that stagnation pruning left zero species. This is
// fatal: it indicates a misconfigured fitness landscape or stagnation
// parameters, and is never retried automatically.
var ErrExtinct = errors.New("population extinct")

const (
	// DefaultStagnationLimit is how many rollovers a species may go without
	// improving its mean score before it is barred from mating.
	DefaultStagnationLimit = 15

	// DefaultEliteSpeciesSize is the minimum species size that earns the
	// species an elite clone in the next generation.
	DefaultEliteSpeciesSize = 5
)

// Species is one cluster of the population sharing a species identifier.
// Species are ephemeral: recomputed from the member records at every
// rollover. Best and Stagnation carry over between rollovers through the
// engine's history.
type Species struct {
	ID         string
	Members    []population.Entry
	Mean       float64
	Best       float64
	Stagnation int
}

type speciesRecord struct {
	best       float64
	stagnation int
}

// Speciation partitions populations by species identifier and tracks
// per-species stagnation across rollovers.
type Speciation struct {
	StagnationLimit  int
	EliteSpeciesSize int

	history map[string]*speciesRecord
}

// NewSpeciation applies defaults for non-positive limits.
func NewSpeciation(stagnationLimit, eliteSpeciesSize int) *Speciation {
	if stagnationLimit <= 0 {
		stagnationLimit = DefaultStagnationLimit
	}
	if eliteSpeciesSize <= 0 {
		eliteSpeciesSize = DefaultEliteSpeciesSize
	}
	return &Speciation{
		StagnationLimit:  stagnationLimit,
		EliteSpeciesSize: eliteSpeciesSize,
		history:          map[string]*speciesRecord{},
	}
}

// Rollover partitions members by species identifier, updates stagnation
// history against each species' best mean score, and returns the surviving
// species plus the elite member of every large enough survivor. Stagnant
// species keep their members on disk as population history but stop mating.
// Pruning that leaves zero species returns ErrExtinct.
func (s *Speciation) Rollover(members []population.Entry) ([]Species, []population.Entry, error) {
	grouped := groupBySpecies(members)
	if len(grouped) == 0 {
		s.history = map[string]*speciesRecord{}
		return nil, nil, nil
	}

	// Species absent from the population are gone for good; their history
	// would otherwise grow without bound.
	for id := range s.history {
		if _, ok := grouped[id]; !ok {
			delete(s.history, id)
		}
	}

	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var survivors []Species
	var elites []population.Entry
	for _, id := range ids {
		group := grouped[id]
		mean := meanScore(group)

		rec := s.history[id]
		if rec == nil {
			rec = &speciesRecord{best: mean}
			s.history[id] = rec
		} else if mean > rec.best {
			rec.best = mean
			rec.stagnation = 0
		} else {
			rec.stagnation++
		}
		if rec.stagnation >= s.StagnationLimit {
			continue
		}

		survivors = append(survivors, Species{
			ID:         id,
			Members:    group,
			Mean:       mean,
			Best:       rec.best,
			Stagnation: rec.stagnation,
		})
		if len(group) >= s.EliteSpeciesSize {
			elites = append(elites, bestMember(group))
		}
	}

	if len(survivors) == 0 {
		return nil, nil, ErrExtinct
	}
	return survivors, elites, nil
}

// Stagnant reports whether a species has been barred from mating. Species
// without history, including ones founded since the last rollover, are not
// stagnant.
func (s *Speciation) Stagnant(id string) bool {
	rec := s.history[id]
	return rec != nil && rec.stagnation >= s.StagnationLimit
}

func groupBySpecies(members []population.Entry) map[string][]population.Entry {
	grouped := map[string][]population.Entry{}
	for _, member := range members {
		grouped[member.Species] = append(grouped[member.Species], member)
	}
	return grouped
}

func meanScore(members []population.Entry) float64 {
	total := 0.0
	for _, member := range members {
		total += member.Score
	}
	return total / float64(len(members))
}

// bestMember picks the highest score; the older individual wins ties.
func bestMember(members []population.Entry) population.Entry {
	best := members[0]
	for _, member := range members[1:] {
		if member.Score > best.Score ||
			(member.Score == best.Score && member.Ascension < best.Ascension) {
			best = member
		}
	}
	return best
}
