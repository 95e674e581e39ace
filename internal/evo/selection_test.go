package evo

import (
	"math/rand"
	"testing"
)

func TestProportionalDistributorSumsToTarget(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := []struct {
		name   string
		means  []float64
		target int
	}{
		{name: "positive means", means: []float64{1, 3, 6}, target: 10},
		{name: "negative means", means: []float64{-5, -1, 2}, target: 7},
		{name: "uniform zeros", means: []float64{0, 0, 0, 0}, target: 9},
		{name: "single species", means: []float64{4.2}, target: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			counts, err := ProportionalDistributor{}.Distribute(rng, tc.means, tc.target)
			if err != nil {
				t.Fatalf("distribute: %v", err)
			}
			if len(counts) != len(tc.means) {
				t.Fatalf("counts = %d entries, want %d", len(counts), len(tc.means))
			}
			sum := 0
			for _, c := range counts {
				if c < 0 {
					t.Fatalf("negative allocation: %v", counts)
				}
				sum += c
			}
			if sum != tc.target {
				t.Fatalf("allocated %d offspring, want %d", sum, tc.target)
			}
		})
	}
}

func TestProportionalDistributorFavorsFitterSpecies(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	counts, err := ProportionalDistributor{}.Distribute(rng, []float64{1, 9}, 100)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if counts[1] <= counts[0] {
		t.Fatalf("fitter species got %d offspring vs %d", counts[1], counts[0])
	}
}

func TestProportionalDistributorValidates(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, err := ProportionalDistributor{}.Distribute(nil, []float64{1}, 1); err == nil {
		t.Fatalf("expected error for nil random source")
	}
	if _, err := ProportionalDistributor{}.Distribute(rng, nil, 1); err == nil {
		t.Fatalf("expected error for empty means")
	}
	if _, err := ProportionalDistributor{}.Distribute(rng, []float64{1}, -1); err == nil {
		t.Fatalf("expected error for negative target")
	}
}

func TestRankedExponentialFavorsTopScores(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	scores := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	pairs, err := RankedExponentialSelector{}.Pairs(rng, scores, 500)
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	picks := make([]int, len(scores))
	for _, p := range pairs {
		picks[p[0]]++
		picks[p[1]]++
	}
	// Index 9 holds the best score, index 0 the worst.
	if picks[9] <= picks[0] {
		t.Fatalf("best index picked %d times, worst %d", picks[9], picks[0])
	}
	if picks[9] < 100 {
		t.Fatalf("best index picked only %d of 1000 draws", picks[9])
	}
}

func TestPercentileSelectorRestrictsToTopFraction(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	scores := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	pairs, err := PercentileSelector{Fraction: 0.8}.Pairs(rng, scores, 200)
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	for _, p := range pairs {
		for _, idx := range []int{p[0], p[1]} {
			if scores[idx] < 9 {
				t.Fatalf("index %d (score %g) outside the top fifth", idx, scores[idx])
			}
		}
	}
}

func TestPercentileSelectorSingleCandidateMatesItself(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pairs, err := PercentileSelector{}.Pairs(rng, []float64{5}, 4)
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	for _, p := range pairs {
		if p[0] != 0 || p[1] != 0 {
			t.Fatalf("single candidate produced pair %v", p)
		}
	}
}

func TestTournamentSelectorStaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	scores := []float64{3, 1, 2}
	pairs, err := TournamentSelector{Size: 2}.Pairs(rng, scores, 50)
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	if len(pairs) != 50 {
		t.Fatalf("got %d pairs, want 50", len(pairs))
	}
	for _, p := range pairs {
		if p[0] < 0 || p[0] >= len(scores) || p[1] < 0 || p[1] >= len(scores) {
			t.Fatalf("pair out of range: %v", p)
		}
	}
}

func TestSelectorsValidateArguments(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	selectors := []MateSelector{
		RankedExponentialSelector{},
		PercentileSelector{},
		TournamentSelector{},
	}
	for _, s := range selectors {
		if _, err := s.Pairs(nil, []float64{1}, 1); err == nil {
			t.Fatalf("%s accepted a nil random source", s.Name())
		}
		if _, err := s.Pairs(rng, nil, 1); err == nil {
			t.Fatalf("%s accepted empty scores", s.Name())
		}
		if _, err := s.Pairs(rng, []float64{1}, -1); err == nil {
			t.Fatalf("%s accepted a negative quota", s.Name())
		}
	}
}
