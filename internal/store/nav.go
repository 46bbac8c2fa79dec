package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/navfolio/portfolio-server/internal/model"
)

const navDateLayout = "2006-01-02"

// GetLatestNav returns the cached most-recent NAV for a scheme.
func GetLatestNav(ctx context.Context, ex Executor, schemeCode int) (model.LatestNav, bool, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT scheme_code, nav, as_of_date, updated_at FROM latest_nav WHERE scheme_code = ?`, schemeCode)

	var (
		n                  model.LatestNav
		nav                string
		asOfDate, updated  string
	)
	err := row.Scan(&n.SchemeCode, &nav, &asOfDate, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LatestNav{}, false, nil
	}
	if err != nil {
		return model.LatestNav{}, false, fmt.Errorf("scan latest nav: %w", err)
	}
	if n.Nav, err = decimal.NewFromString(nav); err != nil {
		return model.LatestNav{}, false, fmt.Errorf("parse nav: %w", err)
	}
	if n.AsOfDate, err = time.Parse(navDateLayout, asOfDate); err != nil {
		return model.LatestNav{}, false, fmt.Errorf("parse asOfDate: %w", err)
	}
	if n.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return model.LatestNav{}, false, fmt.Errorf("parse updatedAt: %w", err)
	}
	return n, true, nil
}

// UpsertLatestNav writes a freshly fetched NAV into the latest-value cache
// and appends it to the bounded history, trimming history to historyCap
// entries. The cache is monotone by asOfDate; a same-date re-fetch still
// overwrites when its updatedAt is newer, so a same-day correction isn't
// silently dropped.
func UpsertLatestNav(ctx context.Context, ex Executor, n model.LatestNav, historyCap int) error {
	existing, ok, err := GetLatestNav(ctx, ex, n.SchemeCode)
	if err != nil {
		return err
	}
	newer := n.AsOfDate.After(existing.AsOfDate) ||
		(n.AsOfDate.Equal(existing.AsOfDate) && n.UpdatedAt.After(existing.UpdatedAt))
	if !ok || newer {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO latest_nav (scheme_code, nav, as_of_date, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(scheme_code) DO UPDATE SET
				nav = excluded.nav,
				as_of_date = excluded.as_of_date,
				updated_at = excluded.updated_at`,
			n.SchemeCode, n.Nav.String(), n.AsOfDate.Format(navDateLayout), n.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("upsert latest nav: %w", err)
		}
	}

	if _, err := ex.ExecContext(ctx, `
		INSERT INTO nav_history (scheme_code, date, nav) VALUES (?, ?, ?)
		ON CONFLICT(scheme_code, date) DO UPDATE SET nav = excluded.nav`,
		n.SchemeCode, n.AsOfDate.Format(navDateLayout), n.Nav.String(),
	); err != nil {
		return fmt.Errorf("insert nav history: %w", err)
	}

	return evictNavHistory(ctx, ex, n.SchemeCode, historyCap)
}

// evictNavHistory keeps only the historyCap newest dated entries for a
// scheme.
func evictNavHistory(ctx context.Context, ex Executor, schemeCode, historyCap int) error {
	if historyCap <= 0 {
		return nil
	}
	_, err := ex.ExecContext(ctx, `
		DELETE FROM nav_history
		WHERE scheme_code = ? AND date NOT IN (
			SELECT date FROM nav_history WHERE scheme_code = ? ORDER BY date DESC LIMIT ?
		)`, schemeCode, schemeCode, historyCap)
	if err != nil {
		return fmt.Errorf("evict nav history: %w", err)
	}
	return nil
}

// NavHistoryLastN returns up to n newest-first dated NAV points for a scheme.
func NavHistoryLastN(ctx context.Context, ex Executor, schemeCode, n int) ([]model.NavHistoryEntry, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT scheme_code, date, nav FROM nav_history
		WHERE scheme_code = ? ORDER BY date DESC LIMIT ?`, schemeCode, n)
	if err != nil {
		return nil, fmt.Errorf("query nav history: %w", err)
	}
	defer rows.Close()
	return scanNavHistory(rows)
}

// NavOnOrBefore returns the latest history entry whose date is <= asOf,
// the lookup the valuation module uses to reconstruct historical value
// when LatestNav alone can't answer a backdated query.
func NavOnOrBefore(ctx context.Context, ex Executor, schemeCode int, asOf time.Time) (model.NavHistoryEntry, bool, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT scheme_code, date, nav FROM nav_history
		WHERE scheme_code = ? AND date <= ?
		ORDER BY date DESC LIMIT 1`, schemeCode, asOf.Format(navDateLayout))

	var (
		e        model.NavHistoryEntry
		date, nv string
	)
	err := row.Scan(&e.SchemeCode, &date, &nv)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NavHistoryEntry{}, false, nil
	}
	if err != nil {
		return model.NavHistoryEntry{}, false, fmt.Errorf("scan nav history: %w", err)
	}
	if e.Date, err = time.Parse(navDateLayout, date); err != nil {
		return model.NavHistoryEntry{}, false, fmt.Errorf("parse date: %w", err)
	}
	if e.Nav, err = decimal.NewFromString(nv); err != nil {
		return model.NavHistoryEntry{}, false, fmt.Errorf("parse nav: %w", err)
	}
	return e, true, nil
}

func scanNavHistory(rows *sql.Rows) ([]model.NavHistoryEntry, error) {
	var out []model.NavHistoryEntry
	for rows.Next() {
		var (
			e        model.NavHistoryEntry
			date, nv string
		)
		if err := rows.Scan(&e.SchemeCode, &date, &nv); err != nil {
			return nil, fmt.Errorf("scan nav history: %w", err)
		}
		var err error
		if e.Date, err = time.Parse(navDateLayout, date); err != nil {
			return nil, fmt.Errorf("parse date: %w", err)
		}
		if e.Nav, err = decimal.NewFromString(nv); err != nil {
			return nil, fmt.Errorf("parse nav: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
