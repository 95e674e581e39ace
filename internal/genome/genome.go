// Package genome defines the heritable-payload capability consumed by the
// evolution engine. The engine never inspects genetic material itself; it
// clones, mates, measures, and serializes genomes exclusively through this
// interface, so experiments plug in arbitrary encodings.
package genome

// Genome is an opaque heritable payload. Implementations must be immutable:
// Clone and Mate return new values and never modify their receivers.
type Genome interface {
	// Clone returns a deep copy of the genome.
	Clone() Genome

	// Mate combines this genome with another of the same kind and returns
	// the child. Implementations decide the recombination semantics.
	Mate(other Genome) (Genome, error)

	// Distance reports the genetic distance to another genome. Speciation
	// compares it against a configured threshold. Implementations should
	// return +Inf for genomes of a foreign kind.
	Distance(other Genome) float64

	// Parameters returns the phenotype encoding handed to the controller
	// process that expresses this genome.
	Parameters() ([]byte, error)

	// Serialize returns the persistent byte form of the genome, the payload
	// section of an individual's on-disk record.
	Serialize() ([]byte, error)
}

// Codec reconstructs genomes from their serialized form. Deserialization
// lives here rather than on Genome because records are loaded lazily: the
// bytes exist before any genome instance does.
type Codec interface {
	Name() string
	Deserialize(data []byte) (Genome, error)
}
