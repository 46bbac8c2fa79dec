package quotes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navfolio/portfolio-server/internal/model"
)

func mockProvider(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second, MaxRetries: 2, BackoffBase: time.Millisecond})
	return c, srv
}

func TestFetchLatest_ParsesDDMMYYYY(t *testing.T) {
	c, _ := mockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"meta": map[string]any{
				"scheme_code": 152075,
				"scheme_name": "Example Growth Fund",
				"fund_house":  "Example AMC",
				"scheme_type": "Open Ended",
				"scheme_category": "Equity",
			},
			"data": []map[string]string{
				{"date": "07-01-2024", "nav": "45.6789"},
				{"date": "06-01-2024", "nav": "45.1234"},
			},
		})
	})

	nav, scheme, err := c.FetchLatest(t.Context(), 152075)
	require.NoError(t, err)
	want, err := decimal.NewFromString("45.6789")
	require.NoError(t, err)
	assert.True(t, nav.Nav.Equal(want))
	assert.Equal(t, time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), nav.AsOfDate)
	assert.Equal(t, "Example Growth Fund", scheme.SchemeName)
}

func TestFetchLatest_RetriesOn500(t *testing.T) {
	attempts := 0
	c, _ := mockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"meta": map[string]any{"scheme_code": 100, "scheme_name": "Retry Fund"},
			"data": []map[string]string{{"date": "01-01-2024", "nav": "10"}},
		})
	})

	_, _, err := c.FetchLatest(t.Context(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestFetchLatest_RateLimitedStatus(t *testing.T) {
	c, _ := mockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, _, err := c.FetchLatest(t.Context(), 100)
	require.Error(t, err)
	assert.Equal(t, "RateLimited", model.KindOf(err))
}

func TestFetchLatest_EmptySeriesIsNavUnavailable(t *testing.T) {
	c, _ := mockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"meta": map[string]any{"scheme_code": 100},
			"data": []map[string]string{},
		})
	})

	_, _, err := c.FetchLatest(t.Context(), 100)
	require.Error(t, err)
	assert.Equal(t, "NavUnavailable", model.KindOf(err))
}

func TestParseProviderDate(t *testing.T) {
	got, err := parseProviderDate("31-12-2023")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), got)

	_, err = parseProviderDate("2023-12-31")
	require.Error(t, err, "the provider's dates are DD-MM-YYYY, not ISO")
}
