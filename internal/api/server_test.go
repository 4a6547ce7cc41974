package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/catalog"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/dispatcher"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/runner"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/source/fake"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/storage/memory"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/telemetry"
)

type fakeTriggerer struct {
	mu       sync.Mutex
	busy     map[string]bool
	started  []string
	summary  crawler.Summary
	err      error
	startErr error
}

func (f *fakeTriggerer) Trigger(_ context.Context, source, runID string) (crawler.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[source] {
		return crawler.Summary{}, fmt.Errorf("%w: %s", dispatcher.ErrRunInProgress, source)
	}
	s := f.summary
	s.Source = source
	if runID != "" {
		s.RunID = runID
	}
	return s, f.err
}

func (f *fakeTriggerer) Start(source, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.busy[source] {
		return fmt.Errorf("%w: %s", dispatcher.ErrRunInProgress, source)
	}
	f.started = append(f.started, source+"/"+runID)
	return nil
}

func (f *fakeTriggerer) InFlight(source string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[source]
}

type harness struct {
	server   *Server
	trig     *fakeTriggerer
	progress *memory.ProgressStore
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	cat, err := catalog.New(
		catalog.Entry{
			Key:      "de",
			Language: "German",
			Cadence:  time.Hour,
			Budget:   runner.Budget{BatchSize: 10, Calls: 40, ItemDelay: time.Second},
			Source:   fake.New("de", crawler.Capabilities{HasNearestRedirect: true}),
		},
		catalog.Entry{Key: "ru", Language: "Russian", Source: fake.New("ru", crawler.Capabilities{HasChangeFeed: true})},
	)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewHTTPMetrics(reg)
	require.NoError(t, err)
	h := &harness{
		trig:     &fakeTriggerer{busy: map[string]bool{}, summary: crawler.Summary{RunID: "run-1", Success: true}},
		progress: memory.NewProgressStore(),
	}
	h.server = NewServer(Deps{
		Catalog:    cat,
		Progress:   h.progress,
		Dispatcher: h.trig,
		Gatherer:   reg,
		Metrics:    metrics,
	}, cfg)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestProbes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "").Code)

	down := newHarness(t, Config{Ready: func(context.Context) error { return errors.New("db down") }})
	require.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.do(t, http.MethodGet, "/healthz", "")
	rec := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `l10n_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestListSources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.trig.busy["ru"] = true
	rec := h.do(t, http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sources []sourceView `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 2)
	require.Equal(t, "de", body.Sources[0].Key)
	require.Equal(t, "1h0m0s", body.Sources[0].Cadence)
	require.Equal(t, "1s", body.Sources[0].Budget.ItemDelay)
	require.True(t, body.Sources[0].Capabilities.HasNearestRedirect)
	require.False(t, body.Sources[0].InFlight)
	require.True(t, body.Sources[1].InFlight)
	require.Empty(t, body.Sources[1].Cadence)
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/sources/xx/progress", "").Code)

	rec := h.do(t, http.MethodGet, "/v1/sources/de/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, false, body["stored"])
	require.InDelta(t, 1, body["progress"].(map[string]any)["backfill_cursor"], 0)

	p := crawler.NewProgress("de")
	p.Revision = 1
	p.BackfillCursor = 42
	require.NoError(t, h.progress.Put(context.Background(), "de", p))

	body = decode(t, h.do(t, http.MethodGet, "/v1/sources/de/progress", ""))
	require.Equal(t, true, body["stored"])
	require.InDelta(t, 42, body["progress"].(map[string]any)["backfill_cursor"], 0)
}

func TestTriggerRunAsync(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/v1/sources/de/runs", `{"run_id":"abc"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"de/abc"}, h.trig.started)

	h.trig.startErr = fmt.Errorf("%w: %q", catalog.ErrUnknownSource, "xx")
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/sources/xx/runs", "").Code)
	h.trig.startErr = dispatcher.ErrClosed
	require.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodPost, "/v1/sources/de/runs", "").Code)
	h.trig.startErr = nil

	h.trig.busy["de"] = true
	rec = h.do(t, http.MethodPost, "/v1/sources/de/runs", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "run already in progress", decode(t, rec)["error"])

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/sources/ru/runs", "{").Code)
}

func TestTriggerRunWait(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/v1/sources/de/runs?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode(t, rec)["summary"].(map[string]any)
	require.Equal(t, "run-1", summary["run_id"])
	require.Equal(t, "de", summary["source"])

	h.trig.err = errors.New("execute: boom")
	h.trig.summary.Success = false
	rec = h.do(t, http.MethodPost, "/v1/sources/de/runs", `{"wait":true}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "execute: boom", body["error"])
	require.Equal(t, false, body["summary"].(map[string]any)["success"])

	h.trig.err = fmt.Errorf("commit: %w", crawler.ErrConcurrency)
	rec = h.do(t, http.MethodPost, "/v1/sources/de/runs?wait=true", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{APIKey: "sekret"})
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/v1/sources", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/sources", "", "X-API-Key", "sekret").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/sources?api_key=sekret", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "").Code, "probes stay open")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.server.router.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := h.do(t, http.MethodGet, "/panic", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
