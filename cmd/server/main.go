package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/navfolio/portfolio-server/internal/authn"
	"github.com/navfolio/portfolio-server/internal/catalog"
	"github.com/navfolio/portfolio-server/internal/config"
	"github.com/navfolio/portfolio-server/internal/coordination"
	"github.com/navfolio/portfolio-server/internal/engine"
	"github.com/navfolio/portfolio-server/internal/httpapi"
	"github.com/navfolio/portfolio-server/internal/navstore"
	"github.com/navfolio/portfolio-server/internal/observ"
	"github.com/navfolio/portfolio-server/internal/quotes"
	"github.com/navfolio/portfolio-server/internal/refresh"
	"github.com/navfolio/portfolio-server/internal/store"
	"github.com/navfolio/portfolio-server/internal/valuation"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observ.LogErr("config_load_failed", err, nil)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		observ.LogErr("store_open_failed", err, nil)
		os.Exit(1)
	}
	defer db.Close()

	quoteClient := quotes.New(quotes.Config{
		BaseURL:     cfg.Provider.BaseURL,
		Timeout:     time.Duration(cfg.Provider.TimeoutMs) * time.Millisecond,
		MaxRetries:  cfg.NAV.RetryMax,
		BackoffBase: time.Second,
	})

	navStore := navstore.New(db, quoteClient, cfg.NAV.HistoryCap)
	cat := catalog.New(db, quoteClient)
	locks := coordination.NewPortfolioLocks()
	eng := engine.New(db, locks)
	val := valuation.New(db, navStore, cat)

	sentinel := &coordination.RefreshSentinel{}
	refreshEngine, err := refresh.New(db, navStore, sentinel, refresh.Config{
		Schedule:    cfg.Cron.Schedule,
		Timezone:    cfg.Cron.Timezone,
		BatchSize:   cfg.NAV.BatchSize,
		Concurrency: cfg.NAV.Concurrency,
		ReqDelay:    time.Duration(cfg.NAV.ReqDelayMs) * time.Millisecond,
		BatchDelay:  time.Duration(cfg.NAV.BatchDelayMs) * time.Millisecond,
		RetryMax:    cfg.NAV.RetryMax,
	})
	if err != nil {
		observ.LogErr("refresh_init_failed", err, nil)
		os.Exit(1)
	}
	refreshEngine.Start()

	verifier := authn.New(cfg.Auth.TokenSecret)
	api := httpapi.New(eng, val, cat, refreshEngine, navStore, db, verifier)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.Mux(),
	}

	observ.Log("server_starting", map[string]any{"addr": cfg.Server.Addr})
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.LogErr("server_listen_failed", err, nil)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	observ.Log("server_shutting_down", nil)
	grace := time.Duration(cfg.Server.ShutdownGraceMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	refreshEngine.Stop(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		observ.LogErr("server_shutdown_exceeded_deadline", err, nil)
		os.Exit(1)
	}
}
