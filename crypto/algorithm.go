package crypto

import (
	"fmt"
	"sort"
	"strings"
)

// Algorithm identifies a key-encapsulation mechanism a device can perform.
type Algorithm string

// Supported KEM identifiers. The string forms are stable and persisted.
const (
	AlgorithmRSAOAEP4096 Algorithm = "RSA-OAEP-4096"
	AlgorithmMLKEM512    Algorithm = "ML-KEM-512"
	AlgorithmMLKEM768    Algorithm = "ML-KEM-768"
	AlgorithmMLKEM1024   Algorithm = "ML-KEM-1024"
	AlgorithmHybrid      Algorithm = "Hybrid-RSA4096-MLKEM768"
)

// Family groups algorithms by the kind of protection they offer.
type Family uint8

const (
	// FamilyUnknown is returned for unrecognized algorithms.
	FamilyUnknown Family = iota
	// FamilyClassical covers RSA-OAEP.
	FamilyClassical
	// FamilyPostQuantum covers every ML-KEM parameter set.
	FamilyPostQuantum
	// FamilyHybrid covers the RSA+ML-KEM combination.
	FamilyHybrid
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilyClassical:
		return "classical"
	case FamilyPostQuantum:
		return "post-quantum"
	case FamilyHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// algorithmRanks is the fixed total order used for negotiation (higher is stronger).
var algorithmRanks = map[Algorithm]int{
	AlgorithmHybrid:      5,
	AlgorithmMLKEM1024:   4,
	AlgorithmMLKEM768:    3,
	AlgorithmMLKEM512:    2,
	AlgorithmRSAOAEP4096: 1,
}

// AllAlgorithms lists every known algorithm, strongest first.
var AllAlgorithms = []Algorithm{
	AlgorithmHybrid,
	AlgorithmMLKEM1024,
	AlgorithmMLKEM768,
	AlgorithmMLKEM512,
	AlgorithmRSAOAEP4096,
}

// Rank returns the negotiation rank of the algorithm, or 0 when unknown.
func (a Algorithm) Rank() int {
	return algorithmRanks[a]
}

// Known reports whether the identifier names a supported algorithm.
func (a Algorithm) Known() bool {
	return a.Rank() > 0
}

// Family returns the protection family of the algorithm.
func (a Algorithm) Family() Family {
	switch a {
	case AlgorithmRSAOAEP4096:
		return FamilyClassical
	case AlgorithmMLKEM512, AlgorithmMLKEM768, AlgorithmMLKEM1024:
		return FamilyPostQuantum
	case AlgorithmHybrid:
		return FamilyHybrid
	default:
		return FamilyUnknown
	}
}

// Classical reports whether the algorithm offers no post-quantum protection.
func (a Algorithm) Classical() bool {
	return a.Family() == FamilyClassical
}

// Components returns the primitives a hybrid algorithm is built from.
// Non-hybrid algorithms return nil.
func (a Algorithm) Components() []Algorithm {
	if a == AlgorithmHybrid {
		return []Algorithm{AlgorithmRSAOAEP4096, AlgorithmMLKEM768}
	}
	return nil
}

// String returns the identifier.
func (a Algorithm) String() string {
	return string(a)
}

// ParseAlgorithm resolves an identifier, ignoring case.
func ParseAlgorithm(name string) (Algorithm, error) {
	for _, alg := range AllAlgorithms {
		if strings.EqualFold(string(alg), strings.TrimSpace(name)) {
			return alg, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

// SortByRank orders algorithms strongest first and drops duplicates and
// unknown identifiers. The input slice is not modified.
func SortByRank(algs []Algorithm) []Algorithm {
	seen := make(map[Algorithm]struct{}, len(algs))
	out := make([]Algorithm, 0, len(algs))
	for _, a := range algs {
		if !a.Known() {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() > out[j].Rank() })
	return out
}

// Strongest returns the highest ranked known algorithm in the list.
func Strongest(algs []Algorithm) (Algorithm, bool) {
	sorted := SortByRank(algs)
	if len(sorted) == 0 {
		return "", false
	}
	return sorted[0], true
}

// ContainsAlgorithm checks if an algorithm is in the list.
func ContainsAlgorithm(algs []Algorithm, target Algorithm) bool {
	for _, a := range algs {
		if a == target {
			return true
		}
	}
	return false
}
