package population

import "fmt"

// Strategy decides what happens when the store reaches its configured
// capacity.
type Strategy string

const (
	// StrategyGeneration manages the population in batches: two generation
	// directories exist at once, the current mating pool and the staging
	// cohort; a rollover promotes staging and deletes the old pool.
	StrategyGeneration Strategy = "generation"

	// StrategyContinuous replaces the oldest member once the population
	// exceeds its target size.
	StrategyContinuous Strategy = "continuous"

	// StrategyOverflowing evicts a uniformly random member whenever an
	// insertion would exceed the target size.
	StrategyOverflowing Strategy = "overflowing"

	// StrategyMaximizing keeps the highest-scoring members: at capacity a
	// candidate must beat the current minimum to displace it.
	StrategyMaximizing Strategy = "maximizing"

	// StrategyUnbounded never evicts.
	StrategyUnbounded Strategy = "unbounded"
)

// ParseStrategy maps a configuration string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyGeneration, StrategyContinuous, StrategyOverflowing,
		StrategyMaximizing, StrategyUnbounded:
		return Strategy(s), nil
	case "":
		return StrategyGeneration, nil
	default:
		return "", fmt.Errorf("unrecognized population strategy %q", s)
	}
}

func (s Strategy) generational() bool { return s == StrategyGeneration }
