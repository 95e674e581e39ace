// Package individual holds the life-form record: one genome plus the
// identity, lineage, score, and bookkeeping metadata the evolution engine
// tracks for it, and the crash-safe on-disk format that persists it.
package individual

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"epigonos/internal/genome"
)

// Ext is the file extension of persisted individual records.
const Ext = ".indiv"

var (
	// ErrFormat reports a persisted record whose metadata cannot be parsed
	// or whose metadata/payload delimiter is missing.
	ErrFormat = errors.New("malformed individual record")

	// ErrNoGenome reports an operation that needs genetic material on an
	// individual whose genome is neither resident nor backed by a file.
	ErrNoGenome = errors.New("genome not available")
)

// Individual is one distinct life-form and all of its associated data.
//
// The genome is immutable after creation: new genetic material only comes
// into existence through Clone or Mate, which produce new individuals.
type Individual struct {
	// Name is a universally unique identifier, assigned at creation. Dead
	// individuals are addressed by ascension instead.
	Name string

	// Ascension counts how many individuals died before this one. Nil while
	// the individual is alive; assigned exactly once at death.
	Ascension *uint64

	// Environment and Population name where this individual lives.
	Environment string
	Population  string

	// Species identifier, a UUID shared with genetically close relatives.
	Species string

	// Controller is the command line invocation of the program that
	// expresses this individual's phenotype.
	Controller []string

	// Telemetry carries measurements reported by the environment.
	Telemetry map[string]string

	// Epigenome carries non-heritable modifiers applied at
	// phenotype-expression time. Children never inherit it.
	Epigenome map[string]string

	// Score is the reproductive fitness as assessed by the environment,
	// kept in its textual form. Nil means unscored.
	Score *string

	// Generation index: founders are generation zero, children are one past
	// their eldest parent.
	Generation uint64

	// Parents and Children are name lists, never object references.
	Parents  []string
	Children []string

	// BirthDate and DeathDate are UTC timestamps, empty until the event.
	BirthDate string
	DeathDate string

	// Extra preserves unknown record fields across load and save.
	Extra map[string]json.RawMessage

	genome  genome.Genome
	payload []byte
	path    string
}

// New creates a founder individual with a fresh name and a freshly founded
// species.
func New(environment, population string, controller []string, g genome.Genome) *Individual {
	ind := &Individual{
		Name:        newID(),
		Environment: environment,
		Population:  population,
		Species:     newID(),
		Controller:  append([]string(nil), controller...),
		Telemetry:   map[string]string{},
		Epigenome:   map[string]string{},
	}
	ind.genome = g
	return ind
}

// newID generates a 32-hex-character unique identifier.
func newID() string {
	u := uuid.New()
	return fmt.Sprintf("%X", u[:])
}

// Path returns the file this individual was loaded from or saved to, or an
// empty string if it has never touched disk.
func (ind *Individual) Path() string { return ind.path }

// Dead reports whether the individual has died and been assigned an
// ascension number.
func (ind *Individual) Dead() bool { return ind.Ascension != nil }

/// FileName is the base name the record persists under: the ascension number
// once dead, the individual's name while alive.
func (ind *Individual) FileName() string {
	if ind.Ascension != nil {
		return strconv.FormatUint(*ind.Ascension, 10) + Ext
	}
	return ind.Name + Ext
}

// ScoreValue parses the score. Unscored or unparsable records yield NaN.
func (ind *Individual) ScoreValue() float64 {
	if ind.Score == nil {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(*ind.Score, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// SetScore records the score in its canonical textual form.
func (ind *Individual) SetScore(score float64) {
	s := strconv.FormatFloat(score, 'g', -1, 64)
	ind.Score = &s
}

// Eligible reports whether the individual may reproduce. NaN and unscored
// individuals are excluded from the mating pool and from the records.
func (ind *Individual) Eligible() bool {
	return !math.IsNaN(ind.ScoreValue())
}

// MarkBorn stamps the birth date if it is not already set.
func (ind *Individual) MarkBorn() {
	if ind.BirthDate == "" {
		ind.BirthDate = nowUTC()
	}
}

// MarkDead stamps the death date if it is not already set.
func (ind *Individual) MarkDead() {
	if ind.DeathDate == "" {
		ind.DeathDate = nowUTC()
	}
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Clone asexually reproduces the individual: the child carries a deep copy
// of the genome, one generation later, with this individual as its only
// parent. Works on unforced genomes by copying the raw payload.
func (ind *Individual) Clone() (*Individual, error) {
	var childGenome genome.Genome
	var childPayload []byte
	if ind.genome != nil {
		childGenome = ind.genome.Clone()
	} else {
		payload, err := ind.payloadBytes()
		if err != nil {
			return nil, err
		}
		childPayload = append([]byte(nil), payload...)
	}

	child := ind.offspring()
	child.Species = ind.Species
	child.Generation = ind.Generation + 1
	child.Parents = []string{ind.Name}
	child.genome = childGenome
	child.payload = childPayload
	ind.Children = append(ind.Children, child.Name)
	return child, nil
}

// Mate sexually reproduces two individuals through the genome capability.
// Both genomes must be resident (see Genome).
//
// The child's species is decided by speciationDistance: when the threshold
// is not positive the child inherits the first parent's species; otherwise
// it joins the first parent within the threshold of the child, checked in
// order, or founds a new species when neither qualifies.
func (ind *Individual) Mate(other *Individual, speciationDistance float64) (*Individual, error) {
	if ind.genome == nil || other.genome == nil {
		return nil, fmt.Errorf("%w: mate requires both genomes resident", ErrNoGenome)
	}
	childGenome, err := ind.genome.Mate(other.genome)
	if err != nil {
		return nil, fmt.Errorf("mate %s with %s: %w", ind.Name, other.Name, err)
	}

	child := ind.offspring()
	child.Generation = max(ind.Generation, other.Generation) + 1
	child.Parents = []string{ind.Name, other.Name}
	child.genome = childGenome

	switch {
	case speciationDistance <= 0:
		child.Species = ind.Species
	case childGenome.Distance(ind.genome) <= speciationDistance:
		child.Species = ind.Species
	case childGenome.Distance(other.genome) <= speciationDistance:
		child.Species = other.Species
	default:
		child.Species = newID()
	}

	ind.Children = append(ind.Children, child.Name)
	other.Children = append(other.Children, child.Name)
	return child, nil
}

// offspring builds the blank child record shared by Clone and Mate.
func (ind *Individual) offspring() *Individual {
	return &Individual{
		Name:        newID(),
		Environment: ind.Environment,
		Population:  ind.Population,
		Controller:  append([]string(nil), ind.Controller...),
		Telemetry:   map[string]string{},
		Epigenome:   map[string]string{},
	}
}
