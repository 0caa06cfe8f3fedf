package core

import "hash/fnv"

// HashVersion selects the bucketing hash. Versions are never changed once
// released so that historical assignments can be replayed.
type HashVersion int

const (
	// HashVersionLegacy is (fnv1a32(value+seed) mod 1000) / 1000.
	HashVersionLegacy HashVersion = 1
	// HashVersionCurrent is fnv1a32(seed+value) / 2^32.
	HashVersionCurrent HashVersion = 2

	DefaultHashVersion = HashVersionCurrent
)

// Valid reports whether v names a known hash algorithm.
func (v HashVersion) Valid() bool {
	return v == HashVersionLegacy || v == HashVersionCurrent
}

// Hash maps (seed, value) to a stable number in [0, 1). ok is false for an
// unknown version.
func Hash(seed string, value string, version HashVersion) (float64, bool) {
	switch version {
	case HashVersionLegacy:
		return float64(fnv1a32(value, seed)%1000) / 1000, true
	case HashVersionCurrent:
		return float64(fnv1a32(seed, value)) / (1 << 32), true
	default:
		return 0, false
	}
}

func fnv1a32(parts ...string) uint32 {
	h := fnv.New32a()
	for _, part := range parts {
		_, _ = h.Write([]byte(part))
	}
	return h.Sum32()
}

// Namespace partitions a shared [0, 1) hash space between rules. Users whose
// namespace hash falls outside [Start, End) are excluded.
type Namespace struct {
	ID    string
	Start float64
	End   float64
}

func (n Namespace) validate() error {
	if n.ID == "" {
		return configErrorf("namespace id is required")
	}
	if !(n.Start >= 0 && n.Start <= n.End && n.End <= 1) {
		return configErrorf("namespace %q range [%v, %v) is invalid", n.ID, n.Start, n.End)
	}
	return nil
}

// InNamespace reports whether userHash lies in the namespace range.
func InNamespace(namespace Namespace, userHash float64) bool {
	return userHash >= namespace.Start && userHash < namespace.End
}

// SelectVariation picks a bucket for userHash. Users at or above coverage are
// not included; the rest are rescaled into [0, 1) and placed by cumulative
// weight with half-open boundaries, so a value equal to a boundary belongs
// to the next bucket. Values beyond the weight total are not included.
func SelectVariation(weights []float64, coverage float64, userHash float64) (int, bool) {
	if !(userHash < coverage) {
		return 0, false
	}

	scaled := userHash / coverage
	cumulative := 0.0
	for idx, weight := range weights {
		cumulative += weight
		if scaled < cumulative {
			return idx, true
		}
	}

	return 0, false
}

// EqualWeights splits traffic evenly between n variations.
func EqualWeights(n int) []float64 {
	if n <= 0 {
		return nil
	}
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1 / float64(n)
	}
	return weights
}
