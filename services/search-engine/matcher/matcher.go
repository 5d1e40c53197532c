// Package matcher locates every, possibly overlapping, occurrence of a bit
// pattern inside a bit sequence. Offsets are bit positions, so matches may
// start anywhere inside a byte.
package matcher

import (
	"fmt"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
)

// Strategy names a matching implementation.
type Strategy string

const (
	StrategyKMP       Strategy = "kmp"
	StrategyNaive     Strategy = "naive"
	StrategyAutomaton Strategy = "automaton"
)

// Strategies lists the accepted strategy names.
var Strategies = []Strategy{StrategyKMP, StrategyNaive, StrategyAutomaton}

// ParseStrategy validates a configured strategy name; "" means kmp.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyKMP, nil
	}
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown match strategy %q", s)
}

// unpack expands a sequence to one byte (0 or 1) per bit.
func unpack(s *bits.Sequence) []byte {
	out := make([]byte, s.Len())
	for i := range out {
		out[i] = s.At(i)
	}
	return out
}

// FindAll returns every start offset i where haystack[i:i+len(needle)] equals
// needle, ascending and including overlaps. An empty needle never matches.
// It runs Knuth-Morris-Pratt over the unpacked bits.
func FindAll(haystack, needle *bits.Sequence) []int {
	m := needle.Len()
	if m == 0 || m > haystack.Len() {
		return nil
	}
	return kmp(unpack(haystack), unpack(needle))
}

func kmp(h, p []byte) []int {
	fail := make([]int, len(p))
	for i, k := 1, 0; i < len(p); i++ {
		for k > 0 && p[i] != p[k] {
			k = fail[k-1]
		}
		if p[i] == p[k] {
			k++
		}
		fail[i] = k
	}
	var out []int
	for i, k := 0, 0; i < len(h); i++ {
		for k > 0 && h[i] != p[k] {
			k = fail[k-1]
		}
		if h[i] == p[k] {
			k++
		}
		if k == len(p) {
			out = append(out, i-len(p)+1)
			k = fail[k-1]
		}
	}
	return out
}

// Naive is the direct O(n*m) scan; kept as the reference implementation.
func Naive(haystack, needle *bits.Sequence) []int {
	m := needle.Len()
	if m == 0 || m > haystack.Len() {
		return nil
	}
	h, p := unpack(haystack), unpack(needle)
	var out []int
	for i := 0; i+m <= len(h); i++ {
		j := 0
		for j < m && h[i+j] == p[j] {
			j++
		}
		if j == m {
			out = append(out, i)
		}
	}
	return out
}

// Func is the single-needle matcher signature shared by FindAll and Naive.
type Func func(haystack, needle *bits.Sequence) []int

// ForStrategy returns the single-needle matcher for s. The automaton strategy
// falls back to FindAll when only one needle is searched at a time.
func ForStrategy(s Strategy) Func {
	if s == StrategyNaive {
		return Naive
	}
	return FindAll
}
