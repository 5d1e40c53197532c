package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/bitsearch/libs/go/core/otelinit"
	"github.com/swarmguard/bitsearch/libs/go/core/resilience"
	"github.com/swarmguard/bitsearch/services/search-engine/config"
	"github.com/swarmguard/bitsearch/services/search-engine/mutation"
	"github.com/swarmguard/bitsearch/services/search-engine/store"
	"github.com/swarmguard/bitsearch/services/search-engine/value"
)

type api struct {
	svc     *service
	limiter *resilience.KeyedLimiter
	watcher *config.Watcher // nil when running on defaults
	metrics otelinit.Metrics
	prom    http.Handler
}

func newAPI(svc *service, limiter *resilience.KeyedLimiter, watcher *config.Watcher, prom http.Handler, m otelinit.Metrics) *api {
	if m.Requests == nil || m.RateLimited == nil || m.Errors == nil {
		meter := otel.Meter("search-engine")
		m.Requests, _ = meter.Int64Counter("swarm_requests_total")
		m.RateLimited, _ = meter.Int64Counter("swarm_rate_limited_total")
		m.Errors, _ = meter.Int64Counter("swarm_request_errors_total")
	}
	return &api{svc: svc, limiter: limiter, watcher: watcher, metrics: m, prom: prom}
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/search", a.limited("search", a.handleSearch))
	mux.HandleFunc("/v1/search/stream", a.limited("search_stream", a.handleStream))
	mux.HandleFunc("/v1/encodings", a.handleEncodings)
	mux.HandleFunc("/v1/runs", a.handleRuns)
	mux.HandleFunc("/v1/runs/", a.handleRun)
	mux.HandleFunc("/v1/config", a.handleConfig)
	mux.HandleFunc("/v1/config/reload", a.handleReload)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"search":     a.svc.stats.Snapshot(),
			"goroutines": runtime.NumGoroutine(),
			"breaker":    a.svc.breaker.State(),
		})
	})
	if a.prom != nil {
		mux.Handle("/metrics", a.prom)
	}
	return mux
}

// limited counts the request and enforces the per-client rate limit.
func (a *api) limited(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attrs := metric.WithAttributes(attribute.String("route", route))
		a.metrics.Requests.Add(r.Context(), 1, attrs)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if a.limiter != nil {
			key := clientKey(r)
			if !a.limiter.Allow(key) {
				a.metrics.RateLimited.Add(r.Context(), 1, attrs)
				wait := a.limiter.RetryAfter(key)
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
				writeError(w, http.StatusTooManyRequests, errors.New("rate limited"))
				return
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if rec.status >= 400 {
			a.metrics.Errors.Add(r.Context(), 1, metric.WithAttributes(
				attribute.String("route", route), attribute.Int("status", rec.status)))
		}
	}
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.svc.current().cfg.HTTP.MaxBodyBytes)
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.svc.search(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream scans the raw request body in chunks; the value comes from the
// query string so the body can be arbitrarily large.
func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var encodings []string
	if e := q.Get("encodings"); e != "" {
		encodings = strings.Split(e, ",")
	}
	resp, err := a.svc.searchStream(r.Context(), q.Get("kind"), q.Get("value"), encodings, r.Body)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleEncodings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := value.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": kind.String(), "labels": mutation.Labels(kind)})
		return
	}
	out := make(map[string][]string, len(value.Kinds))
	for _, k := range value.Kinds {
		out[k.String()] = mutation.Labels(k)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kinds":   out,
		"enabled": a.svc.current().cfg.Search.EnabledEncodings,
	})
}

func (a *api) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.svc.history == nil {
		writeError(w, http.StatusNotFound, errors.New("history disabled"))
		return
	}
	n := 20
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("n must be a positive integer"))
			return
		}
		n = v
	}
	runs, err := a.svc.history.Latest(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total, _ := a.svc.history.Count(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": total})
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.svc.history == nil {
		writeError(w, http.StatusNotFound, errors.New("history disabled"))
		return
	}
	id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/v1/runs/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := a.svc.history.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := a.svc.current().cfg
	out := map[string]any{
		"strategy":  cfg.Search.Strategy,
		"workers":   cfg.Search.Workers,
		"encodings": cfg.Search.EnabledEncodings,
	}
	if a.watcher != nil {
		out["reload"] = a.watcher.Metadata()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.watcher == nil {
		writeError(w, http.StatusConflict, errors.New("no config file to reload"))
		return
	}
	if err := a.watcher.ForceReload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reload": a.watcher.Metadata()})
}

func statusFor(err error) int {
	switch {
	case isClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// clientKey prefers the first X-Forwarded-For hop over the socket address.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
