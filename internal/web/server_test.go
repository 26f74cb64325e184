package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/allocsync/internal/config"
	"github.com/JonMunkholm/allocsync/internal/core"
	_ "github.com/JonMunkholm/allocsync/internal/core/parsers"
	"github.com/JonMunkholm/allocsync/internal/memstore"
)

type fixture struct {
	server *Server
	region core.Region
}

func testConfig() *config.Config {
	return &config.Config{
		Fetch: config.FetchConfig{MaxBodyBytes: 1 << 16},
	}
}

func newFixture(t *testing.T, cfg *config.Config) fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	resolver := core.NewResolver(store, nil)
	reconciler := core.NewReconciler(store)

	j, err := resolver.EnsureJurisdiction(ctx, "Ogun", "OG")
	require.NoError(t, err)
	region, err := resolver.Resolve(ctx, j.ID, "Ifo", map[string]any{"senatorial_district": "Ogun Central"})
	require.NoError(t, err)
	sourceID, err := core.NewSourceRegistry(store).GetOrRegister(ctx, core.SourceDescriptor{
		URL:  "https://ogunstate.gov.ng/allocations",
		Name: "Ogun portal",
	})
	require.NoError(t, err)

	for _, row := range []struct{ period, amount string }{
		{"January 2024", "100.00"},
		{"February 2024", "250.50"},
	} {
		period, err := core.ParsePeriod(row.period)
		require.NoError(t, err)
		amount, err := core.ParseAmount(row.amount)
		require.NoError(t, err)
		_, _, err = reconciler.Reconcile(ctx, region.ID, sourceID, period, amount, []string{row.period, row.amount, "Ifo"})
		require.NoError(t, err)
	}

	require.NoError(t, store.RecordRun(ctx, core.IngestRun{
		ID:         uuid.New(),
		SourceName: "Ogun portal",
		SourceURL:  "https://ogunstate.gov.ng/allocations",
		Outcome:    core.OutcomeCompleted,
		Inserted:   2,
	}))

	srv := NewServer(core.NewService(store), cfg, prometheus.NewRegistry())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return fixture{server: srv, region: region}
}

func (f fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	f := newFixture(t, testConfig())

	rec := f.do(t, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.JSONEq(t, `{"status":"ok","previews":{"active":0,"available":4,"maxConcurrent":4}}`, rec.Body.String())
}

func TestListJurisdictionsAndRegions(t *testing.T) {
	f := newFixture(t, testConfig())

	rec := f.do(t, http.MethodGet, "/api/jurisdictions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Jurisdictions []JurisdictionDTO `json:"jurisdictions"`
	}](t, rec)
	require.Len(t, list.Jurisdictions, 1)
	assert.Equal(t, "OG", list.Jurisdictions[0].Code)

	rec = f.do(t, http.MethodGet, "/api/jurisdictions/og/regions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	regions := decode[struct {
		Jurisdiction JurisdictionDTO `json:"jurisdiction"`
		Regions      []RegionDTO     `json:"regions"`
	}](t, rec)
	assert.Equal(t, "Ogun", regions.Jurisdiction.Name)
	require.Len(t, regions.Regions, 1)
	assert.Equal(t, "Ifo", regions.Regions[0].Name)
	assert.Equal(t, "Ogun Central", regions.Regions[0].Metadata["senatorial_district"])

	rec = f.do(t, http.MethodGet, "/api/jurisdictions/LA/regions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "DB002", decode[ErrorResponse](t, rec).Code)
}

func TestRegionAllocations(t *testing.T) {
	f := newFixture(t, testConfig())
	base := "/api/regions/" + f.region.ID.String()

	rec := f.do(t, http.MethodGet, base+"/allocations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Region      RegionDTO       `json:"region"`
		Allocations []AllocationDTO `json:"allocations"`
	}](t, rec)
	assert.Equal(t, "Ogun", body.Region.Jurisdiction)
	require.Len(t, body.Allocations, 2)
	assert.Equal(t, "2024-02-01", body.Allocations[0].Period)
	assert.Equal(t, "250.50", body.Allocations[0].Amount)
	assert.Equal(t, 1, body.Allocations[0].Revision)

	rec = f.do(t, http.MethodGet, base+"/allocations?from=2024-01-01&to=2024-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"amount":"100.00"`)
	assert.NotContains(t, rec.Body.String(), "250.50")

	rec = f.do(t, http.MethodGet, base+"/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[SummaryDTO](t, rec)
	assert.Equal(t, 2, sum.Count)
	assert.Equal(t, "350.50", sum.Total)
	assert.Equal(t, "2024-02-01", sum.LatestPeriod)
}

func TestRegionAllocations_Errors(t *testing.T) {
	f := newFixture(t, testConfig())
	base := "/api/regions/" + f.region.ID.String()

	tests := []struct {
		name     string
		target   string
		wantCode int
		wantErr  string
	}{
		{"malformed id", "/api/regions/not-a-uuid/allocations", http.StatusBadRequest, "API001"},
		{"unknown region", "/api/regions/" + uuid.NewString() + "/summary", http.StatusNotFound, "DB002"},
		{"bad period", base + "/allocations?from=someday", http.StatusBadRequest, "API001"},
		{"inverted range", base + "/allocations?from=2024-03-01&to=2024-01-01", http.StatusBadRequest, "API001"},
		{"bad limit", base + "/allocations?limit=-1", http.StatusBadRequest, "API001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantErr, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestListRuns(t *testing.T) {
	f := newFixture(t, testConfig())

	rec := f.do(t, http.MethodGet, "/api/runs?limit=5", "")

	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []RunDTO `json:"runs"`
	}](t, rec)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, "completed", runs.Runs[0].Outcome)
	assert.Equal(t, 2, runs.Runs[0].Inserted)
}

const previewPage = `<html><body><table class="allocations">
<tr><th>Period</th><th>Amount</th><th>LGA</th></tr>
<tr><td>January 2024</td><td>1,000.00</td><td>Ifo</td></tr>
<tr><td>sometime</td><td>2,000.00</td><td>Ewekoro</td></tr>
</table></body></html>`

func TestPreview(t *testing.T) {
	f := newFixture(t, testConfig())

	rec := f.do(t, http.MethodPost, "/api/preview/ogun_allocations_v1", previewPage)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[core.PreviewResponse](t, rec)
	assert.Equal(t, 1, resp.Summary.Tables)
	assert.Equal(t, 2, resp.Summary.TotalRows)
	assert.Equal(t, 1, resp.Summary.Candidates)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "1000.00", resp.Candidates[0].Amount)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, core.SkipInvalidPeriod, resp.Errors[0].Reason)
}

func TestPreview_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Fetch.MaxBodyBytes = 64
	f := newFixture(t, cfg)

	rec := f.do(t, http.MethodPost, "/api/preview/no_such_parser", "<table></table>")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SRC004", decode[ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/preview/ogun_allocations_v1", previewPage)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "API003", decode[ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/preview/ogun_allocations_v1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListParsers(t *testing.T) {
	f := newFixture(t, testConfig())

	rec := f.do(t, http.MethodGet, "/api/parsers", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key":"ogun_allocations_v1"`)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "allocsync_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := NewServer(core.NewService(memstore.New()), testConfig(), reg)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "allocsync_test_total 1")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	f := newFixture(t, cfg)

	for i := range 2 {
		rec := f.do(t, http.MethodGet, "/healthz", "")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "API002", decode[ErrorResponse](t, rec).Code)

	// A different client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	other := httptest.NewRecorder()
	f.server.Router().ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestPreviewLimiter(t *testing.T) {
	l := newPreviewLimiter(1, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.acquire(ctx))
	assert.Equal(t, previewStatus{Active: 1, Available: 0, MaxConcurrent: 1}, l.status())

	assert.ErrorIs(t, l.acquire(ctx), errTooManyPreviews)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, l.acquire(cancelled), context.Canceled)

	drained := make(chan error, 1)
	go func() { drained <- l.drain(ctx) }()
	l.release()
	require.NoError(t, <-drained)
	assert.Equal(t, 1, l.status().Available)
}

func TestPreview_Busy(t *testing.T) {
	f := newFixture(t, testConfig())
	f.server.previews = newPreviewLimiter(1, 10*time.Millisecond)
	require.NoError(t, f.server.previews.acquire(context.Background()))
	defer f.server.previews.release()

	rec := f.do(t, http.MethodPost, "/api/preview/ogun_allocations_v1", previewPage)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "API004", decode[ErrorResponse](t, rec).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", core.ErrInvalidQuery), http.StatusBadRequest},
		{core.ErrUnknownParser, http.StatusBadRequest},
		{fmt.Errorf("region: %w", core.ErrNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
