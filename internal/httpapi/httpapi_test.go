package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navfolio/portfolio-server/internal/authn"
	"github.com/navfolio/portfolio-server/internal/catalog"
	"github.com/navfolio/portfolio-server/internal/coordination"
	"github.com/navfolio/portfolio-server/internal/engine"
	"github.com/navfolio/portfolio-server/internal/model"
	"github.com/navfolio/portfolio-server/internal/navstore"
	"github.com/navfolio/portfolio-server/internal/quotes"
	"github.com/navfolio/portfolio-server/internal/refresh"
	"github.com/navfolio/portfolio-server/internal/store"
	"github.com/navfolio/portfolio-server/internal/valuation"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *store.Store, string) {
	t.Helper()
	db, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	qc := quotes.New(quotes.Config{BaseURL: "http://127.0.0.1:0", Timeout: time.Millisecond, MaxRetries: 1})
	navStore := navstore.New(db, qc, 30)
	cat := catalog.New(db, qc)
	locks := coordination.NewPortfolioLocks()
	eng := engine.New(db, locks)
	val := valuation.New(db, navStore, cat)
	sentinel := &coordination.RefreshSentinel{}
	refreshEngine, err := refresh.New(db, navStore, sentinel, refresh.Config{Schedule: "@yearly"})
	require.NoError(t, err)
	verifier := authn.New(testSecret)

	s := New(eng, val, cat, refreshEngine, navStore, db, verifier)

	claims := authn.Claims{
		UserID: "u1",
		Role:   model.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s, db, signed
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// seedNav writes a LatestNav row directly through the store, standing in
// for the refresh engine's normal provider-backed population.
func seedNav(t *testing.T, db *store.Store, schemeCode int, nav string) {
	t.Helper()
	navValue, err := decimal.NewFromString(nav)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.UpsertLatestNav(context.Background(), db.DB(), model.LatestNav{
		SchemeCode: schemeCode,
		Nav:        navValue,
		AsOfDate:   now,
		UpdatedAt:  now,
	}, 30))
}

type buyEnvelope struct {
	Success bool           `json:"success"`
	Data    model.Position `json:"data"`
}

func TestHandleBuy_ResolvesNavServerSide(t *testing.T) {
	s, db, token := newTestServer(t)
	mux := s.Mux()
	seedNav(t, db, 100, "20")

	rec := doRequest(t, mux, http.MethodPost, "/api/portfolio/add", token, map[string]any{
		"schemeCode": 100,
		"units":      "10",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var env buyEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
	assert.True(t, env.Data.AvgNav.Equal(decimal.RequireFromString("20")), "the recorded NAV must come from the server-side NAV store, not the request body")
}

func TestHandleBuy_IgnoresClientSuppliedNav(t *testing.T) {
	s, db, token := newTestServer(t)
	mux := s.Mux()
	seedNav(t, db, 100, "20")

	rec := doRequest(t, mux, http.MethodPost, "/api/portfolio/add", token, map[string]any{
		"schemeCode": 100,
		"units":      "10",
		"nav":        "999",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var env buyEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Data.AvgNav.Equal(decimal.RequireFromString("20")), "a client-supplied nav field must have no effect; the wire body has no such field")
}

func TestHandleBuy_RejectsMissingToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := s.Mux()

	req := httptest.NewRequest(http.MethodPost, "/api/portfolio/add", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleSell_OversellReturns422(t *testing.T) {
	s, db, token := newTestServer(t)
	mux := s.Mux()
	seedNav(t, db, 100, "20")

	rec := doRequest(t, mux, http.MethodPost, "/api/portfolio/add", token, map[string]any{
		"schemeCode": 100, "units": "10",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, mux, http.MethodPost, "/api/portfolio/sell", token, map[string]any{
		"schemeCode": 100, "units": "11",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
}

func TestHandleTransactions_RequiresSchemeCode(t *testing.T) {
	s, _, token := newTestServer(t)
	mux := s.Mux()

	rec := doRequest(t, mux, http.MethodGet, "/api/transactions", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTriggerRefresh_RequiresAdmin(t *testing.T) {
	s, _, token := newTestServer(t)
	mux := s.Mux()

	rec := doRequest(t, mux, http.MethodPost, "/api/admin/cron/run-nav-update", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthEndpointsAreUnauthenticated(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := s.Mux()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
