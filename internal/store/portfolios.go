package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/navfolio/portfolio-server/internal/model"
)

// GetPortfolio looks up a Portfolio by its generated id.
func GetPortfolio(ctx context.Context, ex Executor, portfolioID string) (model.Portfolio, bool, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT portfolio_id, user_id, scheme_code, opened_at, opening_nav
		FROM portfolios WHERE portfolio_id = ?`, portfolioID)
	return scanPortfolio(row)
}

// GetPortfolioByUserScheme looks up the (userId, schemeCode) portfolio,
// the uniqueness key enforced by the portfolios table's UNIQUE constraint.
func GetPortfolioByUserScheme(ctx context.Context, ex Executor, userID string, schemeCode int) (model.Portfolio, bool, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT portfolio_id, user_id, scheme_code, opened_at, opening_nav
		FROM portfolios WHERE user_id = ? AND scheme_code = ?`, userID, schemeCode)
	return scanPortfolio(row)
}

func scanPortfolio(row *sql.Row) (model.Portfolio, bool, error) {
	var (
		p          model.Portfolio
		openedAt   string
		openingNav string
	)
	err := row.Scan(&p.PortfolioID, &p.UserID, &p.SchemeCode, &openedAt, &openingNav)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Portfolio{}, false, nil
	}
	if err != nil {
		return model.Portfolio{}, false, fmt.Errorf("scan portfolio: %w", err)
	}
	p.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt)
	if err != nil {
		return model.Portfolio{}, false, fmt.Errorf("parse openedAt: %w", err)
	}
	p.OpeningNav, err = decimal.NewFromString(openingNav)
	if err != nil {
		return model.Portfolio{}, false, fmt.Errorf("parse openingNav: %w", err)
	}
	return p, true, nil
}

// GetOrCreatePortfolio resolves the (userId, schemeCode) portfolio, creating
// it on first BUY. On a uniqueness-constraint race, the losing side reloads
// the row the winner created.
func GetOrCreatePortfolio(ctx context.Context, ex Executor, userID string, schemeCode int, openingNav decimal.Decimal, at time.Time) (model.Portfolio, error) {
	if p, ok, err := GetPortfolioByUserScheme(ctx, ex, userID, schemeCode); err != nil {
		return model.Portfolio{}, err
	} else if ok {
		return p, nil
	}

	p := model.Portfolio{
		PortfolioID: uuid.NewString(),
		UserID:      userID,
		SchemeCode:  schemeCode,
		OpenedAt:    at.UTC(),
		OpeningNav:  openingNav,
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO portfolios (portfolio_id, user_id, scheme_code, opened_at, opening_nav)
		VALUES (?, ?, ?, ?, ?)`,
		p.PortfolioID, p.UserID, p.SchemeCode, p.OpenedAt.Format(time.RFC3339Nano), p.OpeningNav.String(),
	)
	if err == nil {
		return p, nil
	}

	// Concurrent creation: the loser reloads what the winner committed.
	if isUniqueConstraintErr(err) {
		existing, ok, lookupErr := GetPortfolioByUserScheme(ctx, ex, userID, schemeCode)
		if lookupErr != nil {
			return model.Portfolio{}, lookupErr
		}
		if ok {
			return existing, nil
		}
	}
	return model.Portfolio{}, fmt.Errorf("create portfolio: %w", err)
}

// RemovePortfolio deletes a Portfolio iff it has no Position row and no
// Transactions. The two checks plus the delete are
// expected to run inside a caller-managed transaction for atomicity.
func RemovePortfolio(ctx context.Context, ex Executor, portfolioID string) error {
	var posCount, txCount int
	if err := ex.QueryRowContext(ctx, `SELECT COUNT(1) FROM positions WHERE portfolio_id = ?`, portfolioID).Scan(&posCount); err != nil {
		return fmt.Errorf("count positions: %w", err)
	}
	if err := ex.QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions WHERE portfolio_id = ?`, portfolioID).Scan(&txCount); err != nil {
		return fmt.Errorf("count transactions: %w", err)
	}
	if posCount > 0 || txCount > 0 {
		return model.ErrHasTransactions(portfolioID)
	}
	_, err := ex.ExecContext(ctx, `DELETE FROM portfolios WHERE portfolio_id = ?`, portfolioID)
	if err != nil {
		return fmt.Errorf("delete portfolio: %w", err)
	}
	return nil
}

// ListPortfoliosForUser returns every portfolio the user has ever opened.
func ListPortfoliosForUser(ctx context.Context, ex Executor, userID string) ([]model.Portfolio, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT portfolio_id, user_id, scheme_code, opened_at, opening_nav
		FROM portfolios WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		var (
			p          model.Portfolio
			openedAt   string
			openingNav string
		)
		if err := rows.Scan(&p.PortfolioID, &p.UserID, &p.SchemeCode, &openedAt, &openingNav); err != nil {
			return nil, fmt.Errorf("scan portfolio: %w", err)
		}
		if p.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt); err != nil {
			return nil, fmt.Errorf("parse openedAt: %w", err)
		}
		if p.OpeningNav, err = decimal.NewFromString(openingNav); err != nil {
			return nil, fmt.Errorf("parse openingNav: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DistinctSchemesWithOpenPositions enumerates the scheme codes referenced
// by any non-empty Position — the NAV refresh engine's workload discovery.
func DistinctSchemesWithOpenPositions(ctx context.Context, ex Executor) ([]int, error) {
	rows, err := ex.QueryContext(ctx, `SELECT DISTINCT scheme_code FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("distinct schemes: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var code int
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan scheme code: %w", err)
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
