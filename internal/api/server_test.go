package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/metrics"
	"tao-dividends/internal/service"
)

type stubQuerier struct {
	lastQuery domain.DividendQuery
	lastOpts  service.HandleOptions
	result    service.Result
	err       error
}

func (s *stubQuerier) Handle(_ context.Context, query domain.DividendQuery, opts service.HandleOptions) (service.Result, error) {
	s.lastQuery = query
	s.lastOpts = opts
	return s.result, s.err
}

const testSecret = "0123456789abcdef0123"

func newTestServer(t *testing.T, q *stubQuerier, mutate func(*Options)) http.Handler {
	t.Helper()
	opts := Options{
		Auth:          AuthOptions{APIKeys: []string{"secret-key"}, JWTSecret: testSecret},
		DefaultNetuid: 18,
		DefaultHotkey: "5DefaultHotkey",
		Metrics:       metrics.New(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(q, HealthChecks{}, opts, zerolog.Nop())
	require.NoError(t, err)
	return srv.Handler()
}

func get(t *testing.T, h http.Handler, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var withKey = map[string]string{apiKeyHeader: "secret-key"}

func TestDividendsSinglePair(t *testing.T) {
	q := &stubQuerier{result: service.Result{
		Values:         []domain.DividendValue{{SubnetID: 18, AccountKey: "5Hk", Amount: 1_500_000_000}},
		Cached:         true,
		TradeTriggered: true,
		RequestID:      "req-1",
	}}
	h := newTestServer(t, q, nil)

	rec := get(t, h, "/api/v1/tao_dividends?netuid=18&hotkey=5Hk&trade=true", withKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body dividendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint16(18), body.Netuid)
	assert.Equal(t, "5Hk", body.Hotkey)
	assert.Equal(t, uint64(1_500_000_000), body.Dividend)
	assert.Equal(t, "1.5", body.DividendTao)
	assert.True(t, body.Cached)
	assert.True(t, body.StakeTxTriggered)
	assert.Equal(t, "req-1", body.RequestID)

	assert.True(t, q.lastOpts.Trade)
	assert.True(t, strings.HasPrefix(q.lastOpts.Caller, "apikey:"))
}

func TestDividendsPartialQueryReturnsItems(t *testing.T) {
	q := &stubQuerier{result: service.Result{Values: []domain.DividendValue{
		{SubnetID: 3, AccountKey: "a", Amount: 1},
		{SubnetID: 3, AccountKey: "b", Amount: 2},
	}}}
	h := newTestServer(t, q, nil)

	rec := get(t, h, "/api/v1/tao_dividends?netuid=3", withKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var body listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Items, 2)
	require.NotNil(t, q.lastQuery.SubnetID)
	assert.Nil(t, q.lastQuery.AccountKey)
}

func TestDividendsDefaults(t *testing.T) {
	q := &stubQuerier{}
	h := newTestServer(t, q, nil)
	rec := get(t, h, "/api/v1/tao_dividends", withKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, q.lastQuery.IsGlobal(), "defaults apply only when enabled")

	h = newTestServer(t, q, func(o *Options) { o.ApplyDefaults = true })
	rec = get(t, h, "/api/v1/tao_dividends", withKey)
	require.Equal(t, http.StatusOK, rec.Code)
	key, single := q.lastQuery.Key()
	require.True(t, single)
	assert.Equal(t, domain.Key{SubnetID: 18, AccountKey: "5DefaultHotkey"}, key)

	rec = get(t, h, "/api/v1/tao_dividends?netuid=7", withKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, q.lastQuery.AccountKey, "a partial query is not completed with defaults")
}

func TestDividendsBadParameters(t *testing.T) {
	h := newTestServer(t, &stubQuerier{}, nil)

	for _, target := range []string{
		"/api/v1/tao_dividends?netuid=abc",
		"/api/v1/tao_dividends?netuid=70000",
		"/api/v1/tao_dividends?netuid=-1",
		"/api/v1/tao_dividends?netuid=1&hotkey=x&trade=maybe",
	} {
		rec := get(t, h, target, withKey)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestDividendsErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", domain.ErrInvalidQuery, http.StatusBadRequest},
		{"not found", &domain.CacheFetchError{Err: &domain.UpstreamError{Op: "q", Kind: domain.KindNotFound}}, http.StatusNotFound},
		{"terminal", &domain.UpstreamError{Op: "q", Kind: domain.KindRejected, Err: errors.New("bad")}, http.StatusBadGateway},
		{"transient", &domain.CacheFetchError{Err: &domain.UpstreamError{Op: "q", Kind: domain.KindConnection, Transient: true}}, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t, &stubQuerier{err: tc.err}, nil)
			rec := get(t, h, "/api/v1/tao_dividends?netuid=1&hotkey=x", withKey)
			assert.Equal(t, tc.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestAuth(t *testing.T) {
	q := &stubQuerier{}
	h := newTestServer(t, q, nil)

	rec := get(t, h, "/api/v1/tao_dividends", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, h, "/api/v1/tao_dividends", map[string]string{apiKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dashboard",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	rec = get(t, h, "/api/v1/tao_dividends", map[string]string{"Authorization": "Bearer " + signed})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dashboard", q.lastOpts.Caller)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dashboard",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	rec = get(t, h, "/api/v1/tao_dividends", map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("another-secret-of-length"))
	require.NoError(t, err)
	rec = get(t, h, "/api/v1/tao_dividends", map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthDisabledIsAnonymous(t *testing.T) {
	q := &stubQuerier{}
	h := newTestServer(t, q, func(o *Options) { o.Auth = AuthOptions{} })

	rec := get(t, h, "/api/v1/tao_dividends", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", q.lastOpts.Caller)
}

func TestShortJWTSecretRejected(t *testing.T) {
	_, err := NewServer(&stubQuerier{}, HealthChecks{}, Options{Auth: AuthOptions{JWTSecret: "short"}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv, err := NewServer(&stubQuerier{}, HealthChecks{
		Redis:    func(context.Context) error { return nil },
		Database: func(context.Context) error { return errors.New("connection refused") },
	}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	rec := get(t, srv.Handler(), "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, map[string]string{
		"redis":    "healthy",
		"database": "unhealthy",
		"ledger":   "not_configured",
	}, body.Checks)

	srv, err = NewServer(&stubQuerier{}, HealthChecks{Ledger: func(context.Context) error { return nil }}, Options{}, zerolog.Nop())
	require.NoError(t, err)
	rec = get(t, srv.Handler(), "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, &stubQuerier{}, nil)
	get(t, h, "/api/v1/tao_dividends?netuid=1&hotkey=x", withKey)

	rec := get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/api/v1/tao_dividends"`)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, &stubQuerier{}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tao_dividends", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", apiKeyHeader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
