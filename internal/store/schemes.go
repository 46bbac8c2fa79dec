package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/navfolio/portfolio-server/internal/model"
)

// GetScheme looks up a catalog entry by code.
func GetScheme(ctx context.Context, ex Executor, schemeCode int) (model.Scheme, bool, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT scheme_code, scheme_name, fund_house, category, type
		FROM schemes WHERE scheme_code = ?`, schemeCode)

	var s model.Scheme
	err := row.Scan(&s.SchemeCode, &s.SchemeName, &s.FundHouse, &s.Category, &s.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Scheme{}, false, nil
	}
	if err != nil {
		return model.Scheme{}, false, fmt.Errorf("scan scheme: %w", err)
	}
	return s, true, nil
}

// PutScheme upserts a catalog entry, used to lazily populate the catalog
// from quote-provider metadata the first time a scheme is referenced.
func PutScheme(ctx context.Context, ex Executor, s model.Scheme) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO schemes (scheme_code, scheme_name, fund_house, category, type)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scheme_code) DO UPDATE SET
			scheme_name = excluded.scheme_name,
			fund_house = excluded.fund_house,
			category = excluded.category,
			type = excluded.type`,
		s.SchemeCode, s.SchemeName, s.FundHouse, s.Category, s.Type,
	)
	if err != nil {
		return fmt.Errorf("upsert scheme: %w", err)
	}
	return nil
}

// ListSchemes returns the full catalog ordered by scheme name (called by
// catalog.List).
func ListSchemes(ctx context.Context, ex Executor) ([]model.Scheme, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT scheme_code, scheme_name, fund_house, category, type FROM schemes ORDER BY scheme_name`)
	if err != nil {
		return nil, fmt.Errorf("list schemes: %w", err)
	}
	defer rows.Close()

	var out []model.Scheme
	for rows.Next() {
		var s model.Scheme
		if err := rows.Scan(&s.SchemeCode, &s.SchemeName, &s.FundHouse, &s.Category, &s.Type); err != nil {
			return nil, fmt.Errorf("scan scheme: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
