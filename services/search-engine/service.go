package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/bitsearch/libs/go/core/resilience"
	"github.com/swarmguard/bitsearch/services/search-engine/config"
	"github.com/swarmguard/bitsearch/services/search-engine/engine"
	"github.com/swarmguard/bitsearch/services/search-engine/message"
	"github.com/swarmguard/bitsearch/services/search-engine/mutation"
	"github.com/swarmguard/bitsearch/services/search-engine/search"
	"github.com/swarmguard/bitsearch/services/search-engine/store"
	"github.com/swarmguard/bitsearch/services/search-engine/value"
)

// SearchRequest is the JSON body accepted by POST /v1/search and the NATS
// request subject.
type SearchRequest struct {
	Kind       string   `json:"kind"`
	Value      string   `json:"value"`
	PayloadHex string   `json:"payload_hex,omitempty"`
	PayloadB64 string   `json:"payload_b64,omitempty"`
	Annotate   bool     `json:"annotate"`
	Encodings  []string `json:"encodings,omitempty"`
}

type ResultDTO struct {
	Label  string              `json:"label"`
	Ranges []search.MatchRange `json:"ranges"`
}

type SkippedDTO struct {
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

type SearchResponse struct {
	RunID      string              `json:"run_id,omitempty"`
	MessageID  string              `json:"message_id,omitempty"`
	Kind       string              `json:"kind"`
	Value      string              `json:"value"`
	Summary    string              `json:"summary"`
	Results    []ResultDTO         `json:"results"`
	Skipped    []SkippedDTO        `json:"skipped,omitempty"`
	Highlights []message.Highlight `json:"highlights,omitempty"`
	Rendered   string              `json:"rendered,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
	DurationMs float64             `json:"duration_ms"`
}

// errBadRequest marks caller mistakes that never reach the engine.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// isClientError reports whether err should map to a 4xx / error reply.
func isClientError(err error) bool {
	var vie *value.InvalidInputError
	return errors.Is(err, errBadRequest) || errors.Is(err, engine.ErrInvalidInput) || errors.As(err, &vie)
}

// runtimeState is swapped as a whole on config reload.
type runtimeState struct {
	cfg    config.Config
	engine *engine.Engine
	stream *search.StreamSearcher
}

type service struct {
	state   atomic.Pointer[runtimeState]
	stats   *search.MetricsCollector
	history *store.Store
	breaker *resilience.CircuitBreaker
	publish publishFunc // nil until NATS is connected
	logger  *slog.Logger
}

func newService(history *store.Store, logger *slog.Logger) *service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		stats:   search.NewMetricsCollector(),
		history: history,
		breaker: resilience.NewCircuitBreaker("history", 5, 30*time.Second, 1),
		logger:  logger,
	}
}

// apply builds a new engine for cfg and swaps it in. In-flight searches keep
// the engine they started with.
func (s *service) apply(cfg config.Config) error {
	gen, err := mutation.NewGenerator(cfg.GeneratorConfig(), s.logger)
	if err != nil {
		return err
	}
	searcher := search.NewSearcher(search.Options{
		Workers:  cfg.Search.Workers,
		Strategy: cfg.MatchStrategy(),
		Logger:   s.logger,
	})
	st := &runtimeState{
		cfg:    cfg,
		engine: engine.New(gen, search.NewInstrumentedSearcher(searcher, s.stats), s.logger),
		stream: search.NewStreamSearcher(searcher, cfg.Search.StreamBufferBytes),
	}
	if prev := s.state.Swap(st); prev != nil {
		if prev.cfg.HTTP != cfg.HTTP || prev.cfg.NATS != cfg.NATS || prev.cfg.Store != cfg.Store {
			s.logger.Warn("transport or store settings changed; restart to apply them")
		}
	}
	s.logger.Info("search engine configured",
		"strategy", cfg.MatchStrategy(),
		"workers", cfg.Search.Workers,
		"encodings", len(cfg.Search.EnabledEncodings))
	return nil
}

func (s *service) current() *runtimeState { return s.state.Load() }

func decodePayload(req SearchRequest) ([]byte, error) {
	switch {
	case req.PayloadHex != "" && req.PayloadB64 != "":
		return nil, badRequest("payload_hex and payload_b64 are exclusive")
	case req.PayloadHex != "":
		b, err := hex.DecodeString(strings.Join(strings.Fields(req.PayloadHex), ""))
		if err != nil {
			return nil, badRequest("payload_hex: %v", err)
		}
		return b, nil
	case req.PayloadB64 != "":
		b, err := base64.StdEncoding.DecodeString(req.PayloadB64)
		if err != nil {
			return nil, badRequest("payload_b64: %v", err)
		}
		return b, nil
	}
	return nil, badRequest("payload_hex or payload_b64 is required")
}

// engineFor narrows the configured engine to the requested encodings.
func (s *service) engineFor(st *runtimeState, encodings []string) (*engine.Engine, error) {
	if len(encodings) == 0 {
		return st.engine, nil
	}
	gen, err := mutation.NewGenerator(mutation.Config{EnabledEncodings: encodings}, s.logger)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return st.engine.WithGenerator(gen), nil
}

// search runs one request end to end and records it in history.
func (s *service) search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	payload, err := decodePayload(req)
	if err != nil {
		return SearchResponse{}, err
	}
	return s.searchPayload(ctx, req, payload)
}

// searchPayload is search with the payload already decoded; the request's
// payload fields are ignored.
func (s *service) searchPayload(ctx context.Context, req SearchRequest, payload []byte) (SearchResponse, error) {
	st := s.current()
	v, err := value.Parse(req.Kind, req.Value)
	if err != nil {
		return SearchResponse{}, err
	}
	eng, err := s.engineFor(st, req.Encodings)
	if err != nil {
		return SearchResponse{}, err
	}
	msg := message.NewRawMessage(payload)
	rep, err := eng.Run(ctx, v, msg, req.Annotate)

	var warnings []string
	var ae *engine.AnnotationError
	switch {
	case err == nil:
	case errors.As(err, &ae):
		// results are complete; the message refused some highlights
		warnings = append(warnings, err.Error())
	default:
		return SearchResponse{}, err
	}

	resp := SearchResponse{
		MessageID:  msg.ID.String(),
		Kind:       v.Kind().String(),
		Value:      v.Literal(),
		Summary:    rep.Results.String(),
		Results:    toResultDTOs(rep.Results),
		Warnings:   warnings,
		DurationMs: float64(rep.Duration.Microseconds()) / 1000.0,
	}
	for _, sk := range rep.Expansion.Skipped {
		resp.Skipped = append(resp.Skipped, SkippedDTO{Label: sk.Label, Reason: sk.Err.Error()})
	}
	if req.Annotate {
		resp.Highlights = msg.Highlights()
		resp.Rendered = msg.Render()
	}
	if run := s.record(ctx, v, msg.ID, payload, rep); run != nil {
		resp.RunID = run.ID.String()
	}
	s.announce(ctx, st.cfg.NATS.ResultsSubject, resp)
	return resp, nil
}

// searchStream matches a value against a payload read from r in chunks. No
// message is materialized, so there is no annotation and no history entry.
func (s *service) searchStream(ctx context.Context, kind, literal string, encodings []string, r io.Reader) (SearchResponse, error) {
	st := s.current()
	v, err := value.Parse(kind, literal)
	if err != nil {
		return SearchResponse{}, err
	}
	eng, err := s.engineFor(st, encodings)
	if err != nil {
		return SearchResponse{}, err
	}
	_, x, err := eng.Expand(v)
	if err != nil {
		return SearchResponse{}, err
	}
	start := time.Now()
	res, err := st.stream.ScanStream(ctx, r, search.NewTasks(x.Mutations))
	if err != nil {
		return SearchResponse{}, err
	}
	resp := SearchResponse{
		Kind:       v.Kind().String(),
		Value:      v.Literal(),
		Summary:    res.String(),
		Results:    toResultDTOs(res),
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
	for _, sk := range x.Skipped {
		resp.Skipped = append(resp.Skipped, SkippedDTO{Label: sk.Label, Reason: sk.Err.Error()})
	}
	return resp, nil
}

func toResultDTOs(rs search.Results) []ResultDTO {
	out := make([]ResultDTO, 0, len(rs))
	for _, r := range rs {
		out = append(out, ResultDTO{Label: r.Label(), Ranges: r.Ranges})
	}
	return out
}

// record persists a run unless history is disabled or the breaker is open.
func (s *service) record(ctx context.Context, v value.ReferenceValue, msgID uuid.UUID, payload []byte, rep engine.Report) *store.Run {
	if s.history == nil {
		return nil
	}
	if !s.breaker.Allow() {
		s.logger.Debug("history breaker open; run not recorded")
		return nil
	}
	run := store.NewRun(v.Kind().String(), v.Literal(), msgID, payload, rep.Results)
	for _, sk := range rep.Expansion.Skipped {
		run.Skipped = append(run.Skipped, sk.Label)
	}
	err := s.history.SaveRun(ctx, run)
	s.breaker.RecordResult(err == nil)
	if err != nil {
		s.logger.Warn("history save failed", "error", err)
		return nil
	}
	return run
}

// maintain prunes history and evicts idle rate limiters until ctx ends.
func (s *service) maintain(ctx context.Context, every time.Duration, limiter *resilience.KeyedLimiter) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if limiter != nil {
				if n := limiter.Sweep(); n > 0 {
					s.logger.Debug("idle rate limiters evicted", "count", n)
				}
			}
			if s.history == nil {
				continue
			}
			n, err := s.history.Prune(ctx, s.current().cfg.Store.Retain)
			if err != nil {
				s.logger.Warn("history prune failed", "error", err)
			} else if n > 0 {
				s.logger.Info("history pruned", "deleted", n)
			}
		}
	}
}
