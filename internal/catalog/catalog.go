// Package catalog is the read-mostly scheme metadata store: schemeName,
// fundHouse, category. It lazily populates entries from the quote
// provider the first time a schemeCode is referenced, since seeding is
// out of the core's scope but schemes must still resolve to names for
// response shaping.
package catalog

import (
	"context"

	"github.com/navfolio/portfolio-server/internal/model"
	"github.com/navfolio/portfolio-server/internal/observ"
	"github.com/navfolio/portfolio-server/internal/quotes"
	"github.com/navfolio/portfolio-server/internal/store"
)

type Catalog struct {
	db     *store.Store
	quotes *quotes.Client
}

func New(db *store.Store, qc *quotes.Client) *Catalog {
	return &Catalog{db: db, quotes: qc}
}

// Get returns the catalog entry for schemeCode, fetching and upserting it
// from the provider on a cache miss.
func (c *Catalog) Get(ctx context.Context, schemeCode int) (model.Scheme, error) {
	if s, ok, err := store.GetScheme(ctx, c.db.DB(), schemeCode); err != nil {
		return model.Scheme{}, err
	} else if ok {
		return s, nil
	}

	_, scheme, err := c.quotes.FetchLatest(ctx, schemeCode)
	if err != nil {
		return model.Scheme{}, model.ErrSchemeNotFound(schemeCode)
	}
	if err := store.PutScheme(ctx, c.db.DB(), scheme); err != nil {
		observ.LogErr("catalog_upsert_failed", err, map[string]any{"schemeCode": schemeCode})
	}
	return scheme, nil
}

// List returns every scheme currently known to the local catalog.
func (c *Catalog) List(ctx context.Context) ([]model.Scheme, error) {
	return store.ListSchemes(ctx, c.db.DB())
}

// Sync pulls the provider's full fund list and upserts it into the local
// catalog. No HTTP endpoint calls it.
func (c *Catalog) Sync(ctx context.Context) (int, error) {
	schemes, err := c.quotes.ListFunds(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range schemes {
		if err := store.PutScheme(ctx, c.db.DB(), s); err != nil {
			return 0, err
		}
	}
	observ.Log("catalog_synced", map[string]any{"count": len(schemes)})
	return len(schemes), nil
}
