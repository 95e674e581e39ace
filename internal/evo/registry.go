package evo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSelectorExists      = errors.New("mate selector already registered")
	ErrSelectorNotFound    = errors.New("mate selector not found")
	ErrDistributorExists   = errors.New("distributor already registered")
	ErrDistributorNotFound = errors.New("distributor not found")
)

var selectorRegistry = struct {
	mu sync.RWMutex
	m  map[string]MateSelector
}{
	m: make(map[string]MateSelector),
}

var distributorRegistry = struct {
	mu sync.RWMutex
	m  map[string]Distributor
}{
	m: make(map[string]Distributor),
}

// RegisterSelector makes a mate selector resolvable by name.
func RegisterSelector(selector MateSelector) error {
	if selector == nil {
		return errors.New("mate selector is required")
	}
	name := selector.Name()
	if name == "" {
		return errors.New("mate selector name is required")
	}

	selectorRegistry.mu.Lock()
	defer selectorRegistry.mu.Unlock()

	if _, exists := selectorRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrSelectorExists, name)
	}
	selectorRegistry.m[name] = selector
	return nil
}

// ResolveSelector looks up a registered mate selector.
func ResolveSelector(name string) (MateSelector, error) {
	selectorRegistry.mu.RLock()
	defer selectorRegistry.mu.RUnlock()

	selector, ok := selectorRegistry.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSelectorNotFound, name)
	}
	return selector, nil
}

// ListSelectors returns the registered selector names sorted.
func ListSelectors() []string {
	selectorRegistry.mu.RLock()
	defer selectorRegistry.mu.RUnlock()

	names := make([]string, 0, len(selectorRegistry.m))
	for name := range selectorRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterDistributor makes a species distributor resolvable by name.
func RegisterDistributor(distributor Distributor) error {
	if distributor == nil {
		return errors.New("distributor is required")
	}
	name := distributor.Name()
	if name == "" {
		return errors.New("distributor name is required")
	}

	distributorRegistry.mu.Lock()
	defer distributorRegistry.mu.Unlock()

	if _, exists := distributorRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrDistributorExists, name)
	}
	distributorRegistry.m[name] = distributor
	return nil
}

// ResolveDistributor looks up a registered distributor.
func ResolveDistributor(name string) (Distributor, error) {
	distributorRegistry.mu.RLock()
	defer distributorRegistry.mu.RUnlock()

	distributor, ok := distributorRegistry.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDistributorNotFound, name)
	}
	return distributor, nil
}

// ListDistributors returns the registered distributor names sorted.
func ListDistributors() []string {
	distributorRegistry.mu.RLock()
	defer distributorRegistry.mu.RUnlock()

	names := make([]string, 0, len(distributorRegistry.m))
	for name := range distributorRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	initializeBuiltInSelection()
}

func initializeBuiltInSelection() {
	mustRegisterSelector(RankedExponentialSelector{})
	mustRegisterSelector(PercentileSelector{})
	mustRegisterSelector(TournamentSelector{})
	mustRegisterDistributor(ProportionalDistributor{})
}

func mustRegisterSelector(selector MateSelector) {
	if err := RegisterSelector(selector); err != nil {
		panic(fmt.Sprintf("register mate selector: %v", err))
	}
}

func mustRegisterDistributor(distributor Distributor) {
	if err := RegisterDistributor(distributor); err != nil {
		panic(fmt.Sprintf("register distributor: %v", err))
	}
}

func resetSelectionRegistriesForTests() {
	selectorRegistry.mu.Lock()
	selectorRegistry.m = make(map[string]MateSelector)
	selectorRegistry.mu.Unlock()

	distributorRegistry.mu.Lock()
	distributorRegistry.m = make(map[string]Distributor)
	distributorRegistry.mu.Unlock()
}
