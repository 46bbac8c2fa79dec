// Package valuation joins open positions with the NAV store to produce
// current value, unrealized P/L, and historical portfolio-value series.
package valuation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/navfolio/portfolio-server/internal/catalog"
	"github.com/navfolio/portfolio-server/internal/engine"
	"github.com/navfolio/portfolio-server/internal/model"
	"github.com/navfolio/portfolio-server/internal/navstore"
	"github.com/navfolio/portfolio-server/internal/store"
)

type Valuation struct {
	db      *store.Store
	nav     *navstore.NavStore
	catalog *catalog.Catalog
}

func New(db *store.Store, nav *navstore.NavStore, cat *catalog.Catalog) *Valuation {
	return &Valuation{db: db, nav: nav, catalog: cat}
}

// PositionValue is one scheme's current valuation within a portfolio.
type PositionValue struct {
	PortfolioID   string          `json:"portfolioId"`
	SchemeCode    int             `json:"schemeCode"`
	SchemeName    string          `json:"schemeName"`
	Units         decimal.Decimal `json:"units"`
	AvgNav        decimal.Decimal `json:"avgNav"`
	CurrentNav    decimal.Decimal `json:"currentNav"`
	InvestedValue decimal.Decimal `json:"investedValue"`
	CurrentValue  decimal.Decimal `json:"currentValue"`
	UnrealizedPL  decimal.Decimal `json:"unrealizedPL"`
	NavMissing    bool            `json:"navMissing"`
}

// PortfolioValueReport is the response shape for GET /api/portfolio/value.
type PortfolioValueReport struct {
	Positions        []PositionValue `json:"positions"`
	TotalInvested    decimal.Decimal `json:"totalInvested"`
	TotalCurrentValue decimal.Decimal `json:"totalCurrentValue"`
	TotalUnrealizedPL decimal.Decimal `json:"totalUnrealizedPL"`
	AsOfDate         time.Time       `json:"asOfDate"`
}

// PortfolioValue computes the current valuation for every open position a
// user holds. A scheme with no NAV available degrades to avgNav with
// navMissing=true rather than failing the whole report.
func (v *Valuation) PortfolioValue(ctx context.Context, userID string) (PortfolioValueReport, error) {
	positions, err := store.PositionsForUser(ctx, v.db.DB(), userID)
	if err != nil {
		return PortfolioValueReport{}, err
	}

	report := PortfolioValueReport{
		TotalInvested:     decimal.Zero,
		TotalCurrentValue: decimal.Zero,
		TotalUnrealizedPL: decimal.Zero,
		AsOfDate:          time.Now().UTC(),
	}

	for _, pos := range positions {
		scheme, _ := v.catalog.Get(ctx, pos.SchemeCode)

		currentNav := pos.AvgNav
		navMissing := false
		if latest, err := v.nav.GetLatest(ctx, pos.SchemeCode); err == nil {
			currentNav = latest.Nav
		} else {
			navMissing = true
		}

		currentValue := pos.TotalUnits.Mul(currentNav)
		pv := PositionValue{
			PortfolioID:   pos.PortfolioID,
			SchemeCode:    pos.SchemeCode,
			SchemeName:    scheme.SchemeName,
			Units:         pos.TotalUnits,
			AvgNav:        pos.AvgNav,
			CurrentNav:    currentNav,
			InvestedValue: pos.InvestedValue,
			CurrentValue:  currentValue,
			UnrealizedPL:  currentValue.Sub(pos.InvestedValue),
			NavMissing:    navMissing,
		}
		report.Positions = append(report.Positions, pv)
		report.TotalInvested = report.TotalInvested.Add(pv.InvestedValue)
		report.TotalCurrentValue = report.TotalCurrentValue.Add(pv.CurrentValue)
		report.TotalUnrealizedPL = report.TotalUnrealizedPL.Add(pv.UnrealizedPL)
	}

	return report, nil
}

// HistoryPoint is one calendar date's aggregate portfolio value.
type HistoryPoint struct {
	Date         time.Time       `json:"date"`
	TotalValue   decimal.Decimal `json:"totalValue"`
	UnrealizedPL decimal.Decimal `json:"unrealizedPL"`
}

const maxHistoryDays = 365

// PortfolioHistory computes a date series of total portfolio value over
// the trailing `days` days (capped at 365). Holdings can change within the
// window, so each date's position is derived by replaying that portfolio's
// transaction log truncated to transactions at or before that date, rather
// than reusing today's cached aggregate — a unit count bought partway
// through the window must not be valued retroactively on earlier dates.
// Each date's NAV comes from the history entry on or before that date,
// falling back to the replayed avgNav when no history exists yet.
func (v *Valuation) PortfolioHistory(ctx context.Context, userID string, days int) ([]HistoryPoint, error) {
	if days <= 0 {
		days = 30
	}
	if days > maxHistoryDays {
		days = maxHistoryDays
	}

	portfolios, err := store.ListPortfoliosForUser(ctx, v.db.DB(), userID)
	if err != nil {
		return nil, err
	}

	txsByPortfolio := make(map[string][]model.Transaction, len(portfolios))
	for _, pf := range portfolios {
		txs, err := store.TransactionsForPortfolio(ctx, v.db.DB(), pf.PortfolioID)
		if err != nil {
			return nil, err
		}
		txsByPortfolio[pf.PortfolioID] = txs
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -(days - 1))

	points := make([]HistoryPoint, 0, days)
	for d := start; !d.After(today); d = d.AddDate(0, 0, 1) {
		point := HistoryPoint{Date: d, TotalValue: decimal.Zero, UnrealizedPL: decimal.Zero}
		cutoff := d.AddDate(0, 0, 1)

		for _, pf := range portfolios {
			if pf.OpenedAt.Truncate(24 * time.Hour).After(d) {
				continue
			}

			var asOfDate []model.Transaction
			for _, t := range txsByPortfolio[pf.PortfolioID] {
				if t.Time.Before(cutoff) {
					asOfDate = append(asOfDate, t)
				}
			}
			pos := engine.ReplayPosition(pf.PortfolioID, pf.SchemeCode, asOfDate)
			if pos.TotalUnits.LessThanOrEqual(decimal.Zero) {
				continue
			}

			nav := pos.AvgNav
			if entry, found, err := v.nav.HistoryOnOrBefore(ctx, pf.SchemeCode, d); err == nil && found {
				nav = entry.Nav
			}

			value := pos.TotalUnits.Mul(nav)
			point.TotalValue = point.TotalValue.Add(value)
			point.UnrealizedPL = point.UnrealizedPL.Add(value.Sub(pos.InvestedValue))
		}

		points = append(points, point)
	}

	return points, nil
}
