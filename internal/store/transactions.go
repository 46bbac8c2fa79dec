package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/navfolio/portfolio-server/internal/model"
)

// AppendTx inserts a Transaction. The log is append-only: no other function
// in this package ever issues UPDATE or DELETE against this table.
func AppendTx(ctx context.Context, ex Executor, tx model.Transaction) error {
	var realized sql.NullString
	if tx.RealizedPL.Valid {
		realized = sql.NullString{String: tx.RealizedPL.Decimal.String(), Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO transactions (tx_id, portfolio_id, type, units, nav, amount, time, realized_pl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TxID, tx.PortfolioID, string(tx.Type), tx.Units.String(), tx.Nav.String(),
		tx.Amount.String(), tx.Time.UTC().Format(time.RFC3339Nano), realized,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// TransactionsForPortfolio returns the full log for a portfolio in ascending
// (time, insertion order). The FIFO and replay code in internal/engine
// re-sorts its input by (time, txId) before use.
func TransactionsForPortfolio(ctx context.Context, ex Executor, portfolioID string) ([]model.Transaction, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT tx_id, portfolio_id, type, units, nav, amount, time, realized_pl
		FROM transactions
		WHERE portfolio_id = ?
		ORDER BY time ASC, rowid ASC`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransactionsPage returns a paginated, optionally-filtered slice of a
// portfolio's log, newest first, for the GET /api/transactions endpoint.
func TransactionsPage(ctx context.Context, ex Executor, portfolioID string, txType string, page, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := `SELECT tx_id, portfolio_id, type, units, nav, amount, time, realized_pl
		FROM transactions WHERE portfolio_id = ?`
	args := []any{portfolioID}
	if txType != "" {
		query += ` AND type = ?`
		args = append(args, txType)
	}
	query += ` ORDER BY time DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions page: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTx(rows *sql.Rows) (model.Transaction, error) {
	var (
		t                            model.Transaction
		typ                          string
		units, nav, amount           string
		tstr                         string
		realized                     sql.NullString
	)
	if err := rows.Scan(&t.TxID, &t.PortfolioID, &typ, &units, &nav, &amount, &tstr, &realized); err != nil {
		return t, fmt.Errorf("scan transaction: %w", err)
	}
	t.Type = model.TxType(typ)
	var err error
	if t.Units, err = decimal.NewFromString(units); err != nil {
		return t, fmt.Errorf("parse units: %w", err)
	}
	if t.Nav, err = decimal.NewFromString(nav); err != nil {
		return t, fmt.Errorf("parse nav: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("parse amount: %w", err)
	}
	if t.Time, err = time.Parse(time.RFC3339Nano, tstr); err != nil {
		return t, fmt.Errorf("parse time: %w", err)
	}
	if realized.Valid {
		d, err := decimal.NewFromString(realized.String)
		if err != nil {
			return t, fmt.Errorf("parse realizedPL: %w", err)
		}
		t.RealizedPL = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return t, nil
}
