// Package httpapi wires the core's endpoints onto a plain net/http.ServeMux.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/navfolio/portfolio-server/internal/authn"
	"github.com/navfolio/portfolio-server/internal/catalog"
	"github.com/navfolio/portfolio-server/internal/engine"
	"github.com/navfolio/portfolio-server/internal/model"
	"github.com/navfolio/portfolio-server/internal/navstore"
	"github.com/navfolio/portfolio-server/internal/observ"
	"github.com/navfolio/portfolio-server/internal/refresh"
	"github.com/navfolio/portfolio-server/internal/store"
	"github.com/navfolio/portfolio-server/internal/valuation"
)

type Server struct {
	engine    *engine.Engine
	valuation *valuation.Valuation
	catalog   *catalog.Catalog
	refresh   *refresh.Engine
	nav       *navstore.NavStore
	db        *store.Store
	auth      *authn.Verifier
}

func New(e *engine.Engine, v *valuation.Valuation, c *catalog.Catalog, r *refresh.Engine, nav *navstore.NavStore, db *store.Store, auth *authn.Verifier) *Server {
	return &Server{engine: e, valuation: v, catalog: c, refresh: r, nav: nav, db: db, auth: auth}
}

// Mux builds the full ServeMux: authenticated endpoints wrapped by the JWT
// middleware, observability endpoints left open.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	api.HandleFunc("POST /api/portfolio/add", s.handleBuy)
	api.HandleFunc("POST /api/portfolio/sell", s.handleSell)
	api.HandleFunc("DELETE /api/portfolio/remove/{schemeCode}", s.handleRemove)
	api.HandleFunc("GET /api/portfolio/value", s.handleValue)
	api.HandleFunc("GET /api/portfolio/list", s.handleList)
	api.HandleFunc("GET /api/portfolio/history", s.handleHistory)
	api.HandleFunc("GET /api/transactions", s.handleTransactions)
	api.HandleFunc("POST /api/admin/cron/run-nav-update", authn.RequireAdmin(s.handleTriggerRefresh))

	mux.Handle("/api/", s.auth.Middleware(api))
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.Health())
	mux.Handle("/healthz", observ.HealthHandler())
	return mux
}

type envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, err error) {
	observ.LogErr("request_failed", err, nil)
	writeJSON(w, model.CodeOf(err), envelope{Success: false, Message: err.Error()})
}

type buyRequest struct {
	SchemeCode int    `json:"schemeCode"`
	Units      string `json:"units"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, model.ErrValidation("malformed request body"))
		return
	}
	units, err := decimal.NewFromString(req.Units)
	if err != nil {
		writeErr(w, model.ErrValidation("units must be numeric"))
		return
	}

	nav, err := s.resolveNav(r.Context(), req.SchemeCode)
	if err != nil {
		writeErr(w, err)
		return
	}

	pos, err := s.engine.Buy(r.Context(), authn.UserIDFrom(r.Context()), req.SchemeCode, units, nav, time.Now().UTC())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, pos)
}

type sellRequest struct {
	SchemeCode int    `json:"schemeCode"`
	Units      string `json:"units"`
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, model.ErrValidation("malformed request body"))
		return
	}
	units, err := decimal.NewFromString(req.Units)
	if err != nil {
		writeErr(w, model.ErrValidation("units must be numeric"))
		return
	}

	nav, err := s.resolveNav(r.Context(), req.SchemeCode)
	if err != nil {
		writeErr(w, err)
		return
	}

	result, err := s.engine.Sell(r.Context(), authn.UserIDFrom(r.Context()), req.SchemeCode, units, nav, time.Now().UTC())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"realizedPL":     result.RealizedPL,
		"position":       result.Position,
		"positionClosed": result.PositionGone,
	})
}

// resolveNav reads the current NAV from the live NAV store. BUY and SELL
// always record at server-resolved NAV; the client never supplies one.
func (s *Server) resolveNav(ctx context.Context, schemeCode int) (decimal.Decimal, error) {
	latest, err := s.valuationNav(ctx, schemeCode)
	if err != nil {
		return decimal.Decimal{}, model.ErrNavUnavailable(schemeCode, err)
	}
	return latest, nil
}

func (s *Server) valuationNav(ctx context.Context, schemeCode int) (decimal.Decimal, error) {
	nav, err := s.nav.GetLatest(ctx, schemeCode)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return nav.Nav, nil
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	schemeCode, err := strconv.Atoi(r.PathValue("schemeCode"))
	if err != nil {
		writeErr(w, model.ErrValidation("schemeCode must be numeric"))
		return
	}
	if err := s.engine.Remove(r.Context(), authn.UserIDFrom(r.Context()), schemeCode); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"removed": true})
}

func (s *Server) handleValue(w http.ResponseWriter, r *http.Request) {
	report, err := s.valuation.PortfolioValue(r.Context(), authn.UserIDFrom(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, report)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	positions, err := store.PositionsForUser(r.Context(), s.db.DB(), authn.UserIDFrom(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, positions)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			days = n
		}
	}
	points, err := s.valuation.PortfolioHistory(r.Context(), authn.UserIDFrom(r.Context()), days)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, points)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	txType := strings.ToUpper(q.Get("type"))

	userID := authn.UserIDFrom(r.Context())
	var portfolioID string
	if raw := q.Get("schemeCode"); raw != "" {
		schemeCode, err := strconv.Atoi(raw)
		if err != nil {
			writeErr(w, model.ErrValidation("schemeCode must be numeric"))
			return
		}
		pf, ok, err := store.GetPortfolioByUserScheme(r.Context(), s.db.DB(), userID, schemeCode)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !ok {
			writeOK(w, []model.Transaction{})
			return
		}
		portfolioID = pf.PortfolioID
	}

	if portfolioID == "" {
		writeErr(w, model.ErrValidation("schemeCode is required"))
		return
	}

	txs, err := store.TransactionsPage(r.Context(), s.db.DB(), portfolioID, txType, page, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, txs)
}

func (s *Server) handleTriggerRefresh(w http.ResponseWriter, r *http.Request) {
	go func() {
		if _, err := s.refresh.Run(context.Background()); err != nil {
			observ.LogErr("manual_refresh_failed", err, nil)
		}
	}()
	writeJSON(w, http.StatusAccepted, envelope{Success: true, Message: "refresh triggered"})
}
