package evo

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Distributor allocates a target offspring count across species. The input
// is one mean score per species; the output is one non-negative count per
// species summing to target.
type Distributor interface {
	Name() string
	Distribute(rng *rand.Rand, means []float64, target int) ([]int, error)
}

// MateSelector chooses parent pairs within one species. Returned pairs
// index into the scores slice and may repeat one index twice to request
// asexual reproduction.
type MateSelector interface {
	Name() string
	Pairs(rng *rand.Rand, scores []float64, quota int) ([][2]int, error)
}

// ProportionalDistributor hands out offspring proportional to each species'
// mean score, shifted so the weakest species still weighs positive, with
// floored shares and largest-remainder rounding.
type ProportionalDistributor struct{}

func (ProportionalDistributor) Name() string {
	return "proportional"
}

func (ProportionalDistributor) Distribute(rng *rand.Rand, means []float64, target int) ([]int, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if len(means) == 0 {
		return nil, fmt.Errorf("no species to distribute over")
	}
	if target < 0 {
		return nil, fmt.Errorf("offspring target must be >= 0, got %d", target)
	}
	counts := make([]int, len(means))
	if target == 0 {
		return counts, nil
	}

	shifted := make([]float64, len(means))
	minMean := means[0]
	for _, mean := range means {
		if mean < minMean {
			minMean = mean
		}
	}
	shift := 0.0
	if minMean <= 0 {
		shift = -minMean + 1e-9
	}
	total := 0.0
	for i, mean := range means {
		shifted[i] = mean + shift
		total += shifted[i]
	}
	if total <= 0 {
		for i := range shifted {
			shifted[i] = 1.0
		}
		total = float64(len(shifted))
	}

	type alloc struct {
		index     int
		remainder float64
	}
	allocs := make([]alloc, 0, len(means))
	assigned := 0
	for i := range means {
		share := shifted[i] / total * float64(target)
		base := int(math.Floor(share))
		counts[i] = base
		assigned += base
		allocs = append(allocs, alloc{index: i, remainder: share - float64(base)})
	}
	sort.SliceStable(allocs, func(i, j int) bool {
		return allocs[i].remainder > allocs[j].remainder
	})
	left := target - assigned
	for i := 0; i < left; i++ {
		counts[allocs[i%len(allocs)].index]++
	}
	return counts, nil
}

// RankedExponentialSelector ranks candidates by score and samples ranks
// from an exponential distribution, so the best few candidates dominate
// while everyone keeps a tail chance. Median is the rank at which half the
// probability mass has been spent; non-positive means a tenth of the
// candidate count.
type RankedExponentialSelector struct {
	Median int
}

func (RankedExponentialSelector) Name() string {
	return "ranked_exponential"
}

func (s RankedExponentialSelector) Pairs(rng *rand.Rand, scores []float64, quota int) ([][2]int, error) {
	ranked, err := rankDescending(rng, scores, quota)
	if err != nil || ranked == nil {
		return nil, err
	}

	median := s.Median
	if median <= 0 {
		median = int(math.Round(float64(len(scores)) * 0.1))
	}
	if median < 1 {
		median = 1
	}
	lambda := float64(median) / math.Ln2

	draw := func() int {
		rank := int(math.Floor(-lambda * math.Log(1-rng.Float64())))
		if rank >= len(ranked) {
			rank = len(ranked) - 1
		}
		return ranked[rank]
	}

	pairs := make([][2]int, 0, quota)
	for i := 0; i < quota; i++ {
		pairs = append(pairs, [2]int{draw(), draw()})
	}
	return pairs, nil
}

// PercentileSelector mates uniformly within the top tail of the score
// distribution. Fraction 0.8 restricts parenthood to the best fifth;
// out-of-range fractions fall back to 0.8.
type PercentileSelector struct {
	Fraction float64
}

func (PercentileSelector) Name() string {
	return "percentile"
}

func (s PercentileSelector) Pairs(rng *rand.Rand, scores []float64, quota int) ([][2]int, error) {
	ranked, err := rankDescending(rng, scores, quota)
	if err != nil || ranked == nil {
		return nil, err
	}

	fraction := s.Fraction
	if fraction <= 0 || fraction >= 1 {
		fraction = 0.8
	}
	cut := len(scores) - int(math.Floor(fraction*float64(len(scores))))
	if cut < 1 {
		cut = 1
	}
	pool := ranked[:cut]

	pairs := make([][2]int, 0, quota)
	for i := 0; i < quota; i++ {
		pairs = append(pairs, [2]int{pool[rng.Intn(len(pool))], pool[rng.Intn(len(pool))]})
	}
	return pairs, nil
}

// TournamentSelector runs two independent tournaments per pair: sample
// Size candidates uniformly and keep the best. Non-positive Size means 3.
type TournamentSelector struct {
	Size int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) Pairs(rng *rand.Rand, scores []float64, quota int) ([][2]int, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if quota < 0 {
		return nil, fmt.Errorf("pair quota must be >= 0, got %d", quota)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("no candidates to select from")
	}

	size := s.Size
	if size <= 0 {
		size = 3
	}
	if size > len(scores) {
		size = len(scores)
	}

	run := func() int {
		best := rng.Intn(len(scores))
		for i := 1; i < size; i++ {
			candidate := rng.Intn(len(scores))
			if scores[candidate] > scores[best] {
				best = candidate
			}
		}
		return best
	}

	pairs := make([][2]int, 0, quota)
	for i := 0; i < quota; i++ {
		pairs = append(pairs, [2]int{run(), run()})
	}
	return pairs, nil
}

// rankDescending validates the shared selector arguments and returns
// candidate indices ordered best first. Ties keep the earlier index, so a
// caller passing ascension-ordered scores favors the older individual. A
// nil, nil return means the quota was zero.
func rankDescending(rng *rand.Rand, scores []float64, quota int) ([]int, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if quota < 0 {
		return nil, fmt.Errorf("pair quota must be >= 0, got %d", quota)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("no candidates to select from")
	}
	if quota == 0 {
		return nil, nil
	}
	ranked := make([]int, len(scores))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return scores[ranked[a]] > scores[ranked[b]]
	})
	return ranked, nil
}
