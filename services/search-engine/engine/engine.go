// Package engine composes value normalization, mutation expansion, bit
// search and optional annotation into a single call per message.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/swarmguard/bitsearch/libs/go/core/otelinit"

	"github.com/swarmguard/bitsearch/services/search-engine/message"
	"github.com/swarmguard/bitsearch/services/search-engine/mutation"
	"github.com/swarmguard/bitsearch/services/search-engine/search"
	"github.com/swarmguard/bitsearch/services/search-engine/value"
)

// ErrInvalidInput matches every whole-call input rejection, next to the
// package-specific typed error it wraps.
var ErrInvalidInput = errors.New("invalid input")

const tracerName = "search-engine"

// AnnotationError reports a highlight the message refused. The results it
// belongs to are still returned.
type AnnotationError struct {
	Label string
	Range search.MatchRange
	Err   error
}

func (e *AnnotationError) Error() string {
	return fmt.Sprintf("annotate %s [%d, %d): %v", e.Label, e.Range.Start, e.Range.End, e.Err)
}

func (e *AnnotationError) Unwrap() error { return e.Err }

// Report is the full outcome of one search call.
type Report struct {
	Value     value.ReferenceValue
	Expansion mutation.Expansion
	Results   search.Results
	Duration  time.Duration
}

// Engine is safe for concurrent use; it keeps no per-call state.
type Engine struct {
	gen     *mutation.Generator
	runner  search.Runner
	workers int
	logger  *slog.Logger

	searches  metric.Int64Counter
	matches   metric.Int64Counter
	skipped   metric.Int64Counter
	annotFail metric.Int64Counter
	latency   metric.Float64Histogram
}

// New wires gen and runner. Instruments come from the global otel providers.
func New(gen *mutation.Generator, runner search.Runner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("search-engine")
	searches, _ := meter.Int64Counter("search_engine_searches_total")
	matches, _ := meter.Int64Counter("search_engine_match_ranges_total")
	skipped, _ := meter.Int64Counter("search_engine_mutations_skipped_total")
	annotFail, _ := meter.Int64Counter("search_engine_annotation_failures_total")
	latency, _ := meter.Float64Histogram("search_engine_search_latency_ms")
	return &Engine{
		gen:       gen,
		runner:    runner,
		workers:   runtime.GOMAXPROCS(0),
		logger:    logger.With("component", "engine"),
		searches:  searches,
		matches:   matches,
		skipped:   skipped,
		annotFail: annotFail,
		latency:   latency,
	}
}

// WithGenerator returns a copy of e that expands values with gen.
func (e *Engine) WithGenerator(gen *mutation.Generator) *Engine {
	cp := *e
	cp.gen = gen
	return &cp
}

// Expand normalizes raw and expands it into search tasks without matching.
func (e *Engine) Expand(raw any) (value.ReferenceValue, mutation.Expansion, error) {
	v, err := value.Normalize(raw)
	if err != nil {
		return value.ReferenceValue{}, mutation.Expansion{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	x, err := e.gen.Expand(v)
	if err != nil {
		return value.ReferenceValue{}, mutation.Expansion{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return v, x, nil
}

// SearchInMessage searches msg for every enabled encoding of raw. With
// annotate set, each match range is appended to msg as a highlight once the
// full result set exists.
func (e *Engine) SearchInMessage(ctx context.Context, raw any, msg message.Message, annotate bool) (search.Results, error) {
	rep, err := e.Run(ctx, raw, msg, annotate)
	return rep.Results, err
}

// Run is SearchInMessage returning the expansion and timing too.
func (e *Engine) Run(ctx context.Context, raw any, msg message.Message, annotate bool) (Report, error) {
	ctx, span := otelinit.WithSpan(ctx, tracerName, "engine.search")
	defer span.End()
	start := time.Now()

	rep, err := e.run(ctx, raw, msg, annotate)
	rep.Duration = time.Since(start)

	kind := rep.Value.Kind().String()
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	e.searches.Add(ctx, 1, attrs)
	e.matches.Add(ctx, int64(rep.Results.TotalRanges()), attrs)
	e.skipped.Add(ctx, int64(len(rep.Expansion.Skipped)), attrs)
	e.latency.Record(ctx, float64(rep.Duration.Microseconds())/1000.0, attrs)
	span.SetAttributes(
		attribute.String("value.kind", kind),
		attribute.Int("mutations", len(rep.Expansion.Mutations)),
		attribute.Int("results", len(rep.Results)),
		attribute.Bool("annotate", annotate),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.logger.Debug("search complete",
		"kind", kind,
		"mutations", len(rep.Expansion.Mutations),
		"skipped", len(rep.Expansion.Skipped),
		"results", len(rep.Results),
		"ranges", rep.Results.TotalRanges(),
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return rep, err
}

func (e *Engine) run(ctx context.Context, raw any, msg message.Message, annotate bool) (Report, error) {
	if raw == nil {
		return Report{}, fmt.Errorf("%w: %w", ErrInvalidInput, &value.InvalidInputError{Reason: "value is absent"})
	}
	if msg == nil {
		return Report{}, fmt.Errorf("%w: %w", ErrInvalidInput, &search.InvalidInputError{Reason: "message is absent"})
	}
	v, x, err := e.Expand(raw)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Value: v, Expansion: x}

	res, err := e.runner.Search(ctx, msg.Bits(), search.NewTasks(x.Mutations))
	var (
		iie *search.InvalidInputError
		te  *search.TaskError
	)
	switch {
	case errors.As(err, &iie):
		return rep, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.As(err, &te):
		// malformed task bits are an input problem; the other tasks' results stay
		err = fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err != nil && res == nil {
		return rep, err
	}
	rep.Results = res
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if annotate {
		errs = append(errs, e.annotate(ctx, msg, res)...)
	}
	return rep, errors.Join(errs...)
}

// annotate runs after aggregation so a refused highlight never affects results.
func (e *Engine) annotate(ctx context.Context, msg message.Message, res search.Results) []error {
	var errs []error
	for _, r := range res {
		for _, rg := range r.Ranges {
			if err := msg.AppendHighlight(rg.Start, rg.End); err != nil {
				e.annotFail.Add(ctx, 1)
				e.logger.Warn("annotation failed", "label", r.Label(), "start", rg.Start, "end", rg.End, "error", err)
				errs = append(errs, &AnnotationError{Label: r.Label(), Range: rg, Err: err})
			}
		}
	}
	return errs
}

// MessageError ties a failure to the message it happened on.
type MessageError struct {
	Index int
	Err   error
}

func (e *MessageError) Error() string { return fmt.Sprintf("message %d: %v", e.Index, e.Err) }

func (e *MessageError) Unwrap() error { return e.Err }

// SearchInMessages runs SearchInMessage over msgs concurrently. The returned
// slice is index-aligned with msgs; per-message failures are joined as
// *MessageError and do not stop the other messages. A nil raw value fails the
// whole call.
func (e *Engine) SearchInMessages(ctx context.Context, raw any, msgs []message.Message, annotate bool) ([]search.Results, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, &value.InvalidInputError{Reason: "value is absent"})
	}
	ctx, span := otelinit.WithSpan(ctx, tracerName, "engine.search_messages")
	span.SetAttributes(attribute.Int("messages", len(msgs)))
	defer span.End()

	out := make([]search.Results, len(msgs))
	errs := make([]error, len(msgs))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, m := range msgs {
		i, m := i, m
		g.Go(func() error {
			res, err := e.SearchInMessage(ctx, raw, m, annotate)
			out[i] = res
			if err != nil {
				errs[i] = &MessageError{Index: i, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}
