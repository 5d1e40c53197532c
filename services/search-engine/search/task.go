// Package search binds generated mutations to the bit matcher and aggregates
// non-empty outcomes into ordered results.
package search

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
	"github.com/swarmguard/bitsearch/services/search-engine/mutation"
)

// Task binds one mutation to a search. Immutable.
type Task struct {
	Mutation mutation.Mutation
}

// NewTasks builds one task per mutation, preserving order.
func NewTasks(muts []mutation.Mutation) []Task {
	out := make([]Task, len(muts))
	for i, m := range muts {
		out[i] = Task{Mutation: m}
	}
	return out
}

// Label is the encoding label of the task's mutation.
func (t Task) Label() string { return t.Mutation.Label }

// MatchRange is a half-open bit interval [Start, End) in the target.
type MatchRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len is End-Start, the mutation length in bits.
func (r MatchRange) Len() int { return r.End - r.Start }

// Result is the non-empty outcome of one task against one target.
type Result struct {
	Target *bits.Sequence
	Task   Task
	Ranges []MatchRange

	task int // position of Task in the searched slice
}

// Label is shorthand for r.Task.Label().
func (r Result) Label() string { return r.Task.Label() }

// Fingerprint hashes (label, ranges) with murmur3; equal pairs hash equal.
func (r Result) Fingerprint() uint64 {
	h := murmur3.New64()
	h.Write([]byte(r.Label()))
	h.Write([]byte{0})
	var buf [16]byte
	for _, rg := range r.Ranges {
		binary.BigEndian.PutUint64(buf[:8], uint64(rg.Start))
		binary.BigEndian.PutUint64(buf[8:], uint64(rg.End))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// Results is ordered by mutation generation order.
type Results []Result

// TotalRanges counts match ranges across all results.
func (rs Results) TotalRanges() int {
	n := 0
	for _, r := range rs {
		n += len(r.Ranges)
	}
	return n
}

// Labels lists result labels in order.
func (rs Results) Labels() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Label()
	}
	return out
}

// ByLabel returns the first result for label.
func (rs Results) ByLabel(label string) (Result, bool) {
	for _, r := range rs {
		if r.Label() == label {
			return r, true
		}
	}
	return Result{}, false
}

// Fingerprint folds every result fingerprint in order; identical result sets
// produce identical values.
func (rs Results) Fingerprint() uint64 {
	h := murmur3.New64()
	var buf [8]byte
	for _, r := range rs {
		binary.BigEndian.PutUint64(buf[:], r.Fingerprint())
		h.Write(buf[:])
	}
	return h.Sum64()
}

func (rs Results) String() string {
	return fmt.Sprintf("%d occurence(s) found.", rs.TotalRanges())
}

// InvalidInputError rejects a whole search before any task runs.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return "invalid search input: " + e.Reason }

// TaskError reports a single task that could not run; other tasks still do.
type TaskError struct {
	Index int
	Label string
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %d (%s): %v", e.Index, e.Label, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func validateTask(i int, t Task) error {
	if err := t.Mutation.Bits.Validate(); err != nil {
		return &TaskError{Index: i, Label: t.Label(), Err: err}
	}
	return nil
}
