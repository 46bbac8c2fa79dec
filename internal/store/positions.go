package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/navfolio/portfolio-server/internal/model"
)

// GetPosition loads the cached Position aggregate for a portfolio. The
// second return is false when no position row exists yet (pre-first-BUY,
// or after a REMOVE).
func GetPosition(ctx context.Context, ex Executor, portfolioID string) (model.Position, bool, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT portfolio_id, scheme_code, total_units, invested_value, avg_nav
		FROM positions WHERE portfolio_id = ?`, portfolioID)

	var (
		p                         model.Position
		totalUnits, invested, avg string
	)
	err := row.Scan(&p.PortfolioID, &p.SchemeCode, &totalUnits, &invested, &avg)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, fmt.Errorf("scan position: %w", err)
	}
	if p.TotalUnits, err = decimal.NewFromString(totalUnits); err != nil {
		return model.Position{}, false, fmt.Errorf("parse totalUnits: %w", err)
	}
	if p.InvestedValue, err = decimal.NewFromString(invested); err != nil {
		return model.Position{}, false, fmt.Errorf("parse investedValue: %w", err)
	}
	if p.AvgNav, err = decimal.NewFromString(avg); err != nil {
		return model.Position{}, false, fmt.Errorf("parse avgNav: %w", err)
	}
	return p, true, nil
}

// PutPosition upserts the cached Position aggregate. The engine calls this
// after every applied BUY/SELL, inside the same transaction as the
// AppendTx call, so the log and the cache never diverge.
func PutPosition(ctx context.Context, ex Executor, p model.Position) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO positions (portfolio_id, scheme_code, total_units, invested_value, avg_nav)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(portfolio_id) DO UPDATE SET
			total_units = excluded.total_units,
			invested_value = excluded.invested_value,
			avg_nav = excluded.avg_nav`,
		p.PortfolioID, p.SchemeCode, p.TotalUnits.String(), p.InvestedValue.String(), p.AvgNav.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// DeletePosition removes the cached aggregate for a portfolio whose total
// units have been fully liquidated by a SELL (or found to be zero on
// reconciliation). The portfolio row and its transactions remain.
func DeletePosition(ctx context.Context, ex Executor, portfolioID string) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM positions WHERE portfolio_id = ?`, portfolioID)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// PositionsForUser loads every open Position belonging to a user's
// portfolios, keyed by portfolio id, for the list/valuation endpoints.
func PositionsForUser(ctx context.Context, ex Executor, userID string) (map[string]model.Position, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT p.portfolio_id, p.scheme_code, p.total_units, p.invested_value, p.avg_nav
		FROM positions p
		JOIN portfolios pf ON pf.portfolio_id = p.portfolio_id
		WHERE pf.user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query positions for user: %w", err)
	}
	defer rows.Close()

	out := map[string]model.Position{}
	for rows.Next() {
		var (
			p                         model.Position
			totalUnits, invested, avg string
		)
		if err := rows.Scan(&p.PortfolioID, &p.SchemeCode, &totalUnits, &invested, &avg); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.TotalUnits, err = decimal.NewFromString(totalUnits); err != nil {
			return nil, fmt.Errorf("parse totalUnits: %w", err)
		}
		if p.InvestedValue, err = decimal.NewFromString(invested); err != nil {
			return nil, fmt.Errorf("parse investedValue: %w", err)
		}
		if p.AvgNav, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("parse avgNav: %w", err)
		}
		out[p.PortfolioID] = p
	}
	return out, rows.Err()
}
