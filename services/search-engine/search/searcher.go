package search

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/swarmguard/bitsearch/services/search-engine/bits"
	"github.com/swarmguard/bitsearch/services/search-engine/matcher"
)

// Options configures a Searcher.
type Options struct {
	// Workers bounds concurrent tasks; <1 means GOMAXPROCS.
	Workers int
	// Strategy selects the bit matcher; "" means kmp.
	Strategy matcher.Strategy
	Logger   *slog.Logger
}

// Searcher runs tasks against a target. It holds no per-search state and is
// safe for concurrent use; targets are only read.
type Searcher struct {
	workers  int
	strategy matcher.Strategy
	match    matcher.Func
	logger   *slog.Logger
}

// NewSearcher applies defaults to opts.
func NewSearcher(opts Options) *Searcher {
	if opts.Workers < 1 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Strategy == "" {
		opts.Strategy = matcher.StrategyKMP
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Searcher{
		workers:  opts.Workers,
		strategy: opts.Strategy,
		match:    matcher.ForStrategy(opts.Strategy),
		logger:   opts.Logger.With("component", "search"),
	}
}

// Strategy reports the configured matcher.
func (s *Searcher) Strategy() matcher.Strategy { return s.strategy }

type outcome struct {
	ranges []MatchRange
	err    error
}

// Search runs every task against target and returns one Result per task that
// matched at least once, in task order. A nil target fails the whole call with
// *InvalidInputError. Malformed tasks are reported as joined *TaskError values
// next to the results of the tasks that did run.
func (s *Searcher) Search(ctx context.Context, target *bits.Sequence, tasks []Task) (Results, error) {
	if target == nil {
		return nil, &InvalidInputError{Reason: "target is absent"}
	}
	if err := target.Validate(); err != nil {
		return nil, &InvalidInputError{Reason: err.Error()}
	}

	outcomes := make([]outcome, len(tasks))
	for i, t := range tasks {
		outcomes[i].err = validateTask(i, t)
	}

	var err error
	if s.strategy == matcher.StrategyAutomaton {
		err = s.scanAutomaton(ctx, target, tasks, outcomes)
	} else {
		err = s.scanParallel(ctx, target, tasks, outcomes)
	}
	if err != nil {
		return nil, err
	}
	return s.assemble(target, tasks, outcomes)
}

func (s *Searcher) scanParallel(ctx context.Context, target *bits.Sequence, tasks []Task, outcomes []outcome) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, t := range tasks {
		if outcomes[i].err != nil {
			continue
		}
		i, needle := i, t.Mutation.Bits
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			outcomes[i].ranges = toRanges(s.match(target, needle), needle.Len())
			return nil
		})
	}
	return g.Wait()
}

func (s *Searcher) scanAutomaton(ctx context.Context, target *bits.Sequence, tasks []Task, outcomes []outcome) error {
	needles := make([]*bits.Sequence, len(tasks))
	for i, t := range tasks {
		if outcomes[i].err == nil {
			needles[i] = t.Mutation.Bits
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	scanned := matcher.BuildAutomaton(needles).Scan(target)
	for i, offsets := range scanned {
		outcomes[i].ranges = toRanges(offsets, needles[i].Len())
	}
	return nil
}

func toRanges(offsets []int, n int) []MatchRange {
	if len(offsets) == 0 {
		return nil
	}
	out := make([]MatchRange, len(offsets))
	for i, o := range offsets {
		out[i] = MatchRange{Start: o, End: o + n}
	}
	return out
}

// containsResult compares candidates sharing a fingerprint field by field, so a
// hash collision never drops a distinct result.
func containsResult(results Results, candidates []int, r Result) bool {
	for _, i := range candidates {
		if sameResult(results[i], r) {
			return true
		}
	}
	return false
}

func sameResult(a, b Result) bool {
	if a.Label() != b.Label() || len(a.Ranges) != len(b.Ranges) {
		return false
	}
	for i := range a.Ranges {
		if a.Ranges[i] != b.Ranges[i] {
			return false
		}
	}
	return true
}

func (s *Searcher) assemble(target *bits.Sequence, tasks []Task, outcomes []outcome) (Results, error) {
	var (
		results Results
		errs    []error
		seen    = make(map[uint64][]int) // fingerprint -> indexes into results
	)
	for i, o := range outcomes {
		if o.err != nil {
			s.logger.Warn("search task failed", "index", i, "label", tasks[i].Label(), "error", o.err)
			errs = append(errs, o.err)
			continue
		}
		if len(o.ranges) == 0 {
			continue
		}
		r := Result{Target: target, Task: tasks[i], Ranges: o.ranges, task: i}
		fp := r.Fingerprint()
		if containsResult(results, seen[fp], r) {
			s.logger.Debug("duplicate result dropped", "label", r.Label())
			continue
		}
		seen[fp] = append(seen[fp], len(results))
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}
