// Package model defines the typed domain records shared across the
// portfolio accounting engine: users, schemes, portfolios, positions,
// transactions, NAV snapshots, and refresh run summaries.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role distinguishes a user's access level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the identity that owns Portfolios.
type User struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}

// Scheme is a mutual fund scheme in the provider's namespace.
type Scheme struct {
	SchemeCode int    `json:"schemeCode"`
	SchemeName string `json:"schemeName"`
	FundHouse  string `json:"fundHouse"`
	Category   string `json:"category"`
	Type       string `json:"type"`
}

// Portfolio is the logical handle for a (user, scheme) pair.
type Portfolio struct {
	PortfolioID string          `json:"portfolioId"`
	UserID      string          `json:"userId"`
	SchemeCode  int             `json:"schemeCode"`
	OpenedAt    time.Time       `json:"openedAt"`
	OpeningNav  decimal.Decimal `json:"openingNav"`
}

// Position is the cached aggregate over a Portfolio's open lots.
type Position struct {
	PortfolioID   string          `json:"portfolioId"`
	SchemeCode    int             `json:"schemeCode"`
	TotalUnits    decimal.Decimal `json:"totalUnits"`
	InvestedValue decimal.Decimal `json:"investedValue"`
	AvgNav        decimal.Decimal `json:"avgNav"`
}

// TxType enumerates the two transaction kinds the log ever records.
type TxType string

const (
	TxBuy  TxType = "BUY"
	TxSell TxType = "SELL"
)

// Transaction is one append-only entry in a portfolio's log.
type Transaction struct {
	TxID        string          `json:"txId"`
	PortfolioID string          `json:"portfolioId"`
	Type        TxType          `json:"type"`
	Units       decimal.Decimal `json:"units"`
	Nav         decimal.Decimal `json:"nav"`
	Amount      decimal.Decimal `json:"amount"`
	Time        time.Time       `json:"time"`
	RealizedPL  decimal.NullDecimal `json:"realizedPL,omitempty"`
}

// LatestNav is the most recently observed authoritative NAV for a scheme.
type LatestNav struct {
	SchemeCode int             `json:"schemeCode"`
	Nav        decimal.Decimal `json:"nav"`
	AsOfDate   time.Time       `json:"asOfDate"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NavHistoryEntry is one dated point in a scheme's bounded NAV series.
type NavHistoryEntry struct {
	SchemeCode int             `json:"schemeCode"`
	Date       time.Time       `json:"date"`
	Nav        decimal.Decimal `json:"nav"`
}

// RunSummary reports the outcome of one NAV refresh run.
type RunSummary struct {
	RunID       string            `json:"runId"`
	Total       int               `json:"total"`
	Successes   []int             `json:"successes"`
	Failures    []RefreshFailure  `json:"failures"`
	DurationMs  int64             `json:"durationMs"`
	StartedAt   time.Time         `json:"startedAt"`
}

// RefreshFailure records one scheme's failed fetch during a refresh run.
type RefreshFailure struct {
	SchemeCode int    `json:"schemeCode"`
	Error      string `json:"error"`
}

// OpenLot is the derived FIFO view of a BUY's remaining, unsold units.
type OpenLot struct {
	RemainingUnits decimal.Decimal
	Nav            decimal.Decimal
	Time           time.Time
	TxID           string
}
