package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/navfolio/portfolio-server/internal/coordination"
	"github.com/navfolio/portfolio-server/internal/model"
	"github.com/navfolio/portfolio-server/internal/observ"
	"github.com/navfolio/portfolio-server/internal/store"
)

// Engine is the portfolio accounting state machine: BUY, SELL, REMOVE, and
// reconciliation-on-read. Every mutation runs under the per-(user,scheme)
// lock from coordination.PortfolioLocks and inside a single SQLite
// transaction so the transaction-log append and the position upsert commit
// atomically.
type Engine struct {
	db    *store.Store
	locks *coordination.PortfolioLocks
}

func New(db *store.Store, locks *coordination.PortfolioLocks) *Engine {
	return &Engine{db: db, locks: locks}
}

func lockKey(userID string, schemeCode int) string {
	return fmt.Sprintf("%s:%d", userID, schemeCode)
}

// Buy records a BUY against the (userId, schemeCode) portfolio, creating
// it on first use.
func (e *Engine) Buy(ctx context.Context, userID string, schemeCode int, units, nav decimal.Decimal, at time.Time) (model.Position, error) {
	if units.LessThanOrEqual(decimal.Zero) {
		return model.Position{}, model.ErrValidation("units must be > 0")
	}
	if nav.LessThanOrEqual(decimal.Zero) {
		return model.Position{}, model.ErrValidation("nav must be > 0")
	}

	var result model.Position
	err := e.locks.WithLock(lockKey(userID, schemeCode), func() error {
		return e.db.WithTx(ctx, func(tx *sql.Tx) error {
			pf, err := store.GetOrCreatePortfolio(ctx, tx, userID, schemeCode, nav, at)
			if err != nil {
				return err
			}

			txID := uuid.NewString()
			if err := store.AppendTx(ctx, tx, model.Transaction{
				TxID:        txID,
				PortfolioID: pf.PortfolioID,
				Type:        model.TxBuy,
				Units:       units,
				Nav:         nav,
				Amount:      units.Mul(nav),
				Time:        at,
			}); err != nil {
				return err
			}

			existing, hasExisting, err := store.GetPosition(ctx, tx, pf.PortfolioID)
			if err != nil {
				return err
			}

			var updated model.Position
			if !hasExisting {
				updated = model.Position{
					PortfolioID:   pf.PortfolioID,
					SchemeCode:    schemeCode,
					TotalUnits:    units,
					InvestedValue: units.Mul(nav),
					AvgNav:        nav,
				}
			} else {
				totalUnits := existing.TotalUnits.Add(units)
				investedValue := existing.InvestedValue.Add(units.Mul(nav))
				updated = model.Position{
					PortfolioID:   pf.PortfolioID,
					SchemeCode:    schemeCode,
					TotalUnits:    totalUnits,
					InvestedValue: investedValue,
					AvgNav:        investedValue.Div(totalUnits),
				}
			}

			if err := store.PutPosition(ctx, tx, updated); err != nil {
				return err
			}
			result = updated
			return nil
		})
	})
	if err != nil {
		observ.LogErr("buy_failed", err, map[string]any{"userId": userID, "schemeCode": schemeCode})
		return model.Position{}, err
	}
	observ.Log("buy_applied", map[string]any{"userId": userID, "schemeCode": schemeCode, "units": units.String()})
	return result, nil
}

// SellResult reports the outcome of a SELL: the updated (or removed)
// position and the realized P/L crystallized by this sale.
type SellResult struct {
	Position    model.Position
	RealizedPL  decimal.Decimal
	PositionGone bool
}

// Sell records a SELL against an existing position, computing realized P/L
// via the FIFO replay algorithm.
func (e *Engine) Sell(ctx context.Context, userID string, schemeCode int, unitsToSell, currentNav decimal.Decimal, at time.Time) (SellResult, error) {
	if unitsToSell.LessThanOrEqual(decimal.Zero) {
		return SellResult{}, model.ErrValidation("units must be > 0")
	}
	if currentNav.LessThanOrEqual(decimal.Zero) {
		return SellResult{}, model.ErrValidation("nav must be > 0")
	}

	var result SellResult
	err := e.locks.WithLock(lockKey(userID, schemeCode), func() error {
		return e.db.WithTx(ctx, func(tx *sql.Tx) error {
			pf, ok, err := store.GetPortfolioByUserScheme(ctx, tx, userID, schemeCode)
			if err != nil {
				return err
			}
			if !ok {
				return model.ErrNoPosition(fmt.Sprintf("%s:%d", userID, schemeCode))
			}

			position, err := e.reconciledPosition(ctx, tx, pf.PortfolioID, schemeCode)
			if err != nil {
				return err
			}

			if position.TotalUnits.Sub(unitsToSell).LessThan(epsilon.Neg()) {
				return model.ErrInsufficientUnits(position.TotalUnits.String(), unitsToSell.String())
			}

			txs, err := store.TransactionsForPortfolio(ctx, tx, pf.PortfolioID)
			if err != nil {
				return err
			}
			lots := openLotQueue(txs)
			realizedPL := fifoRealizedPL(lots, unitsToSell, currentNav)

			txID := uuid.NewString()
			if err := store.AppendTx(ctx, tx, model.Transaction{
				TxID:        txID,
				PortfolioID: pf.PortfolioID,
				Type:        model.TxSell,
				Units:       unitsToSell,
				Nav:         currentNav,
				Amount:      unitsToSell.Mul(currentNav),
				Time:        at,
				RealizedPL:  decimal.NewNullDecimal(realizedPL),
			}); err != nil {
				return err
			}

			totalUnits := position.TotalUnits.Sub(unitsToSell)
			if totalUnits.LessThanOrEqual(epsilon) {
				if err := store.DeletePosition(ctx, tx, pf.PortfolioID); err != nil {
					return err
				}
				result = SellResult{RealizedPL: realizedPL, PositionGone: true}
				return nil
			}

			updated := model.Position{
				PortfolioID:   pf.PortfolioID,
				SchemeCode:    schemeCode,
				TotalUnits:    totalUnits,
				InvestedValue: totalUnits.Mul(position.AvgNav),
				AvgNav:        position.AvgNav,
			}
			if err := store.PutPosition(ctx, tx, updated); err != nil {
				return err
			}
			result = SellResult{Position: updated, RealizedPL: realizedPL}
			return nil
		})
	})
	if err != nil {
		observ.LogErr("sell_failed", err, map[string]any{"userId": userID, "schemeCode": schemeCode})
		return SellResult{}, err
	}
	observ.Log("sell_applied", map[string]any{"userId": userID, "schemeCode": schemeCode, "realizedPL": result.RealizedPL.String()})
	return result, nil
}

// Remove deletes the (userId, schemeCode) portfolio iff it holds no units
// and its transaction log is empty.
func (e *Engine) Remove(ctx context.Context, userID string, schemeCode int) error {
	err := e.locks.WithLock(lockKey(userID, schemeCode), func() error {
		return e.db.WithTx(ctx, func(tx *sql.Tx) error {
			pf, ok, err := store.GetPortfolioByUserScheme(ctx, tx, userID, schemeCode)
			if err != nil {
				return err
			}
			if !ok {
				return model.ErrNoPosition(fmt.Sprintf("%s:%d", userID, schemeCode))
			}
			return store.RemovePortfolio(ctx, tx, pf.PortfolioID)
		})
	})
	if err != nil {
		return err
	}
	observ.Log("portfolio_removed", map[string]any{"userId": userID, "schemeCode": schemeCode})
	return nil
}

// reconciledPosition returns the cached Position if it agrees with a full
// replay of the transaction log within epsilon; otherwise it rebuilds and
// persists the corrected cache.
func (e *Engine) reconciledPosition(ctx context.Context, ex store.Executor, portfolioID string, schemeCode int) (model.Position, error) {
	cached, hasCached, err := store.GetPosition(ctx, ex, portfolioID)
	if err != nil {
		return model.Position{}, err
	}

	txs, err := store.TransactionsForPortfolio(ctx, ex, portfolioID)
	if err != nil {
		return model.Position{}, err
	}
	replayed := ReplayPosition(portfolioID, schemeCode, txs)

	if hasCached &&
		withinEpsilon(cached.TotalUnits, replayed.TotalUnits) &&
		withinEpsilon(cached.InvestedValue, replayed.InvestedValue) &&
		withinEpsilon(cached.AvgNav, replayed.AvgNav) {
		return cached, nil
	}

	observ.Log("position_reconciled", map[string]any{"portfolioId": portfolioID, "hadCache": hasCached})

	if replayed.TotalUnits.LessThanOrEqual(epsilon) {
		if err := store.DeletePosition(ctx, ex, portfolioID); err != nil {
			return model.Position{}, err
		}
		return model.Position{PortfolioID: portfolioID, SchemeCode: schemeCode}, nil
	}
	if err := store.PutPosition(ctx, ex, replayed); err != nil {
		return model.Position{}, err
	}
	return replayed, nil
}

// GetPosition returns the reconciled Position for a (userId, schemeCode)
// pair, or model.ErrNoPosition if the portfolio doesn't exist.
func (e *Engine) GetPosition(ctx context.Context, userID string, schemeCode int) (model.Position, error) {
	pf, ok, err := store.GetPortfolioByUserScheme(ctx, e.db.DB(), userID, schemeCode)
	if err != nil {
		return model.Position{}, err
	}
	if !ok {
		return model.Position{}, model.ErrNoPosition(fmt.Sprintf("%s:%d", userID, schemeCode))
	}
	return e.reconciledPosition(ctx, e.db.DB(), pf.PortfolioID, schemeCode)
}
