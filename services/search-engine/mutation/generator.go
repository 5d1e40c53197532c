// Package mutation expands a reference value into every bit-level encoding
// worth searching for.
package mutation

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
	"github.com/swarmguard/bitsearch/services/search-engine/value"
)

// Mutation is one alternate encoding of a reference value.
type Mutation struct {
	Label string
	Bits  *bits.Sequence
}

// EncodingUnavailableError explains why one label could not be produced for a
// value. It never leaves the generator except through Expansion.Skipped.
type EncodingUnavailableError struct {
	Label string
	Kind  value.Kind
	Err   error
}

func (e *EncodingUnavailableError) Error() string {
	return fmt.Sprintf("encoding %q unavailable for %s value: %v", e.Label, e.Kind, e.Err)
}

func (e *EncodingUnavailableError) Unwrap() error { return e.Err }

// Expansion is the ordered outcome of one Expand call.
type Expansion struct {
	Mutations []Mutation
	Skipped   []*EncodingUnavailableError
}

// Lookup returns the mutation registered under label.
func (x Expansion) Lookup(label string) (Mutation, bool) {
	for _, m := range x.Mutations {
		if m.Label == label {
			return m, true
		}
	}
	return Mutation{}, false
}

// Labels lists the produced labels in generation order.
func (x Expansion) Labels() []string {
	out := make([]string, len(x.Mutations))
	for i, m := range x.Mutations {
		out[i] = m.Label
	}
	return out
}

// Config selects which catalogue labels are generated. An empty set enables
// the whole catalogue.
type Config struct {
	EnabledEncodings []string `yaml:"enabled_encodings" json:"enabled_encodings"`
}

// Generator is stateless after construction and safe for concurrent use.
type Generator struct {
	enabled map[string]struct{}
	logger  *slog.Logger
}

// NewGenerator validates cfg against the catalogue.
func NewGenerator(cfg Config, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{logger: logger.With("component", "mutation")}
	if len(cfg.EnabledEncodings) == 0 {
		return g, nil
	}
	g.enabled = make(map[string]struct{}, len(cfg.EnabledEncodings))
	var unknown []string
	for _, l := range cfg.EnabledEncodings {
		if !IsKnownLabel(l) {
			unknown = append(unknown, l)
			continue
		}
		g.enabled[l] = struct{}{}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown encodings: %s", strings.Join(unknown, ", "))
	}
	return g, nil
}

// Enabled reports whether label is generated by this generator.
func (g *Generator) Enabled(label string) bool {
	if g.enabled == nil {
		return true
	}
	_, ok := g.enabled[label]
	return ok
}

// Expand produces every enabled encoding of v in catalogue order. A label whose
// transform fails is skipped and recorded; it never aborts the expansion.
func (g *Generator) Expand(v value.ReferenceValue) (Expansion, error) {
	if v.Kind() == 0 {
		return Expansion{}, &value.InvalidInputError{Reason: "value is absent"}
	}
	var out Expansion
	for _, e := range catalogue(v.Kind()) {
		if !g.Enabled(e.label) {
			continue
		}
		seq, err := e.encode(v)
		if err == nil && seq.Len() == 0 {
			err = fmt.Errorf("empty encoding")
		}
		if err != nil {
			skip := &EncodingUnavailableError{Label: e.label, Kind: v.Kind(), Err: err}
			out.Skipped = append(out.Skipped, skip)
			g.logger.Debug("mutation skipped", "label", e.label, "kind", v.Kind().String(), "error", err)
			continue
		}
		out.Mutations = append(out.Mutations, Mutation{Label: e.label, Bits: seq})
	}
	return out, nil
}
