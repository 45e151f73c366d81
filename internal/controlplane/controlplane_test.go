package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/capability"
	"github.com/sawpanic/marketfeed/internal/fanout"
	"github.com/sawpanic/marketfeed/internal/health"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

type fakeSymbolLister struct {
	bySymbol map[model.Market][]model.SymbolMeta
}

func (f *fakeSymbolLister) SymbolsFor(market model.Market) []model.SymbolMeta {
	return f.bySymbol[market]
}

func newTestServer(validate capability.Validator) *Server {
	if validate == nil {
		validate = func(ctx context.Context, creds capability.Credentials) error { return nil }
	}
	policy := capability.New(capability.Credentials{},
		validate,
		func(ctx context.Context, p capability.Profile) error { return nil },
		func(ctx context.Context, p capability.Profile) error { return nil },
	)
	lister := &fakeSymbolLister{bySymbol: map[model.Market][]model.SymbolMeta{
		model.MarketSpot: {{Symbol: "BTCUSDT", Market: model.MarketSpot}},
	}}
	broker := fanout.New(25, 50)
	super := health.New(map[string]health.Prober{}, func() []ratelimit.Stats { return nil }, time.Minute)
	return New(policy, lister, broker, super, nil)
}

func TestMetricsEndpointAbsentWithoutRegistry(t *testing.T) {
	s := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointServesPrometheusFormatWhenWired(t *testing.T) {
	policy := capability.New(capability.Credentials{},
		func(ctx context.Context, creds capability.Credentials) error { return nil },
		func(ctx context.Context, p capability.Profile) error { return nil },
		func(ctx context.Context, p capability.Profile) error { return nil },
	)
	broker := fanout.New(25, 50)
	super := health.New(map[string]health.Prober{}, func() []ratelimit.Stats { return nil }, time.Minute)
	_, promReg := metrics.NewRegistry()
	s := New(policy, &fakeSymbolLister{}, broker, super, promReg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "marketfeed_fanout_clients")
}

func TestLimitsReturnsPublicProfileByDefault(t *testing.T) {
	s := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/user/limits", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var profile capability.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, capability.TierPublic, profile.Tier)
}

func TestSetCredentialsRejectsInvalidBody(t *testing.T) {
	s := newTestServer(nil)
	req := httptest.NewRequest(http.MethodPost, "/user/set_bitget_api", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetCredentialsSurfacesValidationFailure(t *testing.T) {
	s := newTestServer(func(ctx context.Context, creds capability.Credentials) error {
		return assert.AnError
	})
	body, _ := json.Marshal(credentialsRequest{APIKey: "abcdefghij", SecretKey: "abcdefghij", Passphrase: "abc"})
	req := httptest.NewRequest(http.MethodPost, "/user/set_bitget_api", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSetCredentialsRejectsShortFields(t *testing.T) {
	s := newTestServer(nil)
	body, _ := json.Marshal(credentialsRequest{APIKey: "abcdefghij", SecretKey: "s", Passphrase: "p"})
	req := httptest.NewRequest(http.MethodPost, "/user/set_bitget_api", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSymbolInfoNotFound(t *testing.T) {
	s := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/symbols/DOGEUSDT/info", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSymbolsAllListsConfiguredMarkets(t *testing.T) {
	s := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/symbols/all", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BTCUSDT")
}
