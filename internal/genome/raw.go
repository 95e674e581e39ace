package genome

import (
	"errors"
	"fmt"
	"math"
)

// RawName is the registry name of the built-in opaque-bytes codec.
const RawName = "raw"

var ErrKindMismatch = errors.New("genome kind mismatch")

// Raw treats genetic material as opaque bytes. It is the fallback encoding
// for experiments that manage genome structure entirely on the controller
// side, and the encoding the test harness and demo runner use.
type Raw struct {
	data []byte
}

// NewRaw copies data into an immutable raw genome.
func NewRaw(data []byte) *Raw {
	return &Raw{data: append([]byte(nil), data...)}
}

func (g *Raw) Clone() Genome {
	return NewRaw(g.data)
}

// Mate splices the two byte strings at the midpoint of the shorter one.
// Deterministic so that repeated matings of the same parents yield the
// same child.
func (g *Raw) Mate(other Genome) (Genome, error) {
	o, ok := other.(*Raw)
	if !ok {
		return nil, fmt.Errorf("%w: raw cannot mate %T", ErrKindMismatch, other)
	}
	n := len(g.data)
	if len(o.data) < n {
		n = len(o.data)
	}
	cut := n / 2
	child := make([]byte, 0, cut+len(o.data)-cut)
	child = append(child, g.data[:cut]...)
	child = append(child, o.data[cut:]...)
	return &Raw{data: child}, nil
}

// Distance is the fraction of differing byte positions over the longer
// length; positions past the shorter genome count as differing. Foreign
// genome kinds are infinitely distant.
func (g *Raw) Distance(other Genome) float64 {
	o, ok := other.(*Raw)
	if !ok {
		return math.Inf(1)
	}
	longer := len(g.data)
	if len(o.data) > longer {
		longer = len(o.data)
	}
	if longer == 0 {
		return 0
	}
	shorter := len(g.data) + len(o.data) - longer
	diff := longer - shorter
	for i := 0; i < shorter; i++ {
		if g.data[i] != o.data[i] {
			diff++
		}
	}
	return float64(diff) / float64(longer)
}

func (g *Raw) Parameters() ([]byte, error) {
	return append([]byte(nil), g.data...), nil
}

func (g *Raw) Serialize() ([]byte, error) {
	return append([]byte(nil), g.data...), nil
}

// RawCodec deserializes raw genomes.
type RawCodec struct{}

func (RawCodec) Name() string { return RawName }

func (RawCodec) Deserialize(data []byte) (Genome, error) {
	return NewRaw(data), nil
}

func init() {
	initializeBuiltInCodecs()
}

func initializeBuiltInCodecs() {
	if err := Register(RawCodec{}); err != nil {
		panic(fmt.Errorf("register raw codec: %w", err))
	}
}
