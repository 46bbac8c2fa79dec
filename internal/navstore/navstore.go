// Package navstore provides the read-through NAV cache: LatestNav and
// NavHistory backed by internal/store, falling through to the quote
// client on a cache miss.
package navstore

import (
	"context"
	"time"

	"github.com/navfolio/portfolio-server/internal/model"
	"github.com/navfolio/portfolio-server/internal/observ"
	"github.com/navfolio/portfolio-server/internal/quotes"
	"github.com/navfolio/portfolio-server/internal/store"
)

type NavStore struct {
	db         *store.Store
	quotes     *quotes.Client
	historyCap int
}

func New(db *store.Store, qc *quotes.Client, historyCap int) *NavStore {
	return &NavStore{db: db, quotes: qc, historyCap: historyCap}
}

// GetLatest returns the cached LatestNav if present; otherwise it calls
// the quote client, upserts both tiers of the cache, and returns the
// freshly fetched value.
func (n *NavStore) GetLatest(ctx context.Context, schemeCode int) (model.LatestNav, error) {
	if cached, ok, err := store.GetLatestNav(ctx, n.db.DB(), schemeCode); err != nil {
		return model.LatestNav{}, err
	} else if ok {
		observ.IncCounter("nav_cache_hits_total", nil)
		return cached, nil
	}
	observ.IncCounter("nav_cache_misses_total", nil)

	nav, scheme, err := n.quotes.FetchLatest(ctx, schemeCode)
	if err != nil {
		return model.LatestNav{}, model.ErrNavUnavailable(schemeCode, err)
	}
	if err := store.UpsertLatestNav(ctx, n.db.DB(), nav, n.historyCap); err != nil {
		return model.LatestNav{}, err
	}
	if err := store.PutScheme(ctx, n.db.DB(), scheme); err != nil {
		observ.LogErr("scheme_upsert_failed", err, map[string]any{"schemeCode": schemeCode})
	}
	return nav, nil
}

// RefreshOne fetches and writes the latest NAV for a single scheme,
// unconditionally (used by the refresh engine, which always wants a fresh
// provider read rather than the cached value).
func (n *NavStore) RefreshOne(ctx context.Context, schemeCode int) error {
	nav, _, err := n.quotes.FetchLatest(ctx, schemeCode)
	if err != nil {
		return err
	}
	return store.UpsertLatestNav(ctx, n.db.DB(), nav, n.historyCap)
}

// HistoryOnOrBefore returns the latest NavHistory entry for schemeCode
// dated on or before asOf, used by the valuation service's historical
// series.
func (n *NavStore) HistoryOnOrBefore(ctx context.Context, schemeCode int, asOf time.Time) (model.NavHistoryEntry, bool, error) {
	return store.NavOnOrBefore(ctx, n.db.DB(), schemeCode, asOf)
}
