package registry

import (
	"math/rand/v2"
	"strconv"
)

// NamingMode controls how converters name target layers.
type NamingMode int

// Naming modes.
const (
	// NamingUnique appends a random float to the weight-name prefix.
	NamingUnique NamingMode = iota
	// NamingShort uses an op-specific short prefix plus a random suffix.
	NamingShort
	// NamingKeep reuses the weight-name prefix verbatim. The caller must
	// guarantee prefixes are unique across the model.
	NamingKeep
)

// ParseNamingMode maps "short" and "keep" to their modes; any other value
// selects NamingUnique.
func ParseNamingMode(s string) NamingMode {
	switch s {
	case "short":
		return NamingShort
	case "keep":
		return NamingKeep
	default:
		return NamingUnique
	}
}

func (m NamingMode) String() string {
	switch m {
	case NamingShort:
		return "short"
	case NamingKeep:
		return "keep"
	default:
		return "unique"
	}
}

// LayerName returns the name of a layer converted from a node whose weight
// prefix is prefix. short and suffixLen are the op's short-name prefix and
// random suffix length.
func (m NamingMode) LayerName(rng *rand.Rand, prefix, short string, suffixLen int) string {
	switch m {
	case NamingShort:
		return shortName(rng, short, suffixLen)
	case NamingKeep:
		return keepName(prefix)
	default:
		return uniqueName(rng, prefix)
	}
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func shortName(rng *rand.Rand, short string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[rng.IntN(len(alphanumeric))]
	}
	return short + string(b)
}

func keepName(prefix string) string { return prefix }

func uniqueName(rng *rand.Rand, prefix string) string {
	return prefix + formatRandom(rng.Float64())
}

// formatRandom prints f in shortest form, switching to exponent notation
// below 1e-4, e.g. "0.5" and "1.23e-05".
func formatRandom(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
