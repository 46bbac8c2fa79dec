package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navfolio/portfolio-server/internal/coordination"
	"github.com/navfolio/portfolio-server/internal/model"
	"github.com/navfolio/portfolio-server/internal/navstore"
	"github.com/navfolio/portfolio-server/internal/quotes"
	"github.com/navfolio/portfolio-server/internal/store"
)

// Scenario D — a refresh run discovers schemes A, B, C; B's provider fetch
// fails permanently, A and C succeed. LatestNav updates for A and C only;
// the run summary reports B in failures.
func TestRun_PartialFailureScenario(t *testing.T) {
	failingScheme := 200

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, fmt.Sprintf("/%d/", failingScheme)) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"meta": map[string]any{"scheme_code": 100, "scheme_name": "Fund"},
			"data": []map[string]string{{"date": "01-01-2024", "nav": "10"}},
		})
	}))
	defer srv.Close()

	db, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	defer db.Close()

	qc := quotes.New(quotes.Config{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 1})
	nav := navstore.New(db, qc, 30)
	sentinel := &coordination.RefreshSentinel{}

	ctx := context.Background()
	for _, code := range []int{100, failingScheme, 300} {
		require.NoError(t, store.PutPosition(ctx, db.DB(), model.Position{
			PortfolioID: fmt.Sprintf("p%d", code), SchemeCode: code,
		}))
	}

	eng, err := New(db, nav, sentinel, Config{
		Schedule:    "@yearly",
		BatchSize:   10,
		Concurrency: 3,
		ReqDelay:    0,
		BatchDelay:  0,
		RetryMax:    1,
	})
	require.NoError(t, err)

	summary, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.ElementsMatch(t, []int{100, 300}, summary.Successes)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, failingScheme, summary.Failures[0].SchemeCode)

	_, ok, err := store.GetLatestNav(ctx, db.DB(), 100)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.GetLatestNav(ctx, db.DB(), failingScheme)
	require.NoError(t, err)
	assert.False(t, ok, "the failing scheme's LatestNav must remain unset")
}

func TestRun_RejectsConcurrentInvocation(t *testing.T) {
	db, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	defer db.Close()

	qc := quotes.New(quotes.Config{BaseURL: "http://127.0.0.1:0", Timeout: time.Millisecond, MaxRetries: 1})
	nav := navstore.New(db, qc, 30)
	sentinel := &coordination.RefreshSentinel{}
	require.True(t, sentinel.TryAcquire())
	defer sentinel.Release()

	eng, err := New(db, nav, sentinel, Config{Schedule: "@yearly"})
	require.NoError(t, err)

	_, err = eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Validation", model.KindOf(err))
}
