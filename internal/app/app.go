// Package app wires configuration, the database and the services shared by
// the HTTP server and the command line tool.
package app

import (
	"fmt"

	"cmc-scraper/internal/config"
	"cmc-scraper/internal/database"
	"cmc-scraper/internal/metrics"
	"cmc-scraper/internal/services/backfill"
	"cmc-scraper/internal/services/cmc"
	"cmc-scraper/internal/services/ingest"
	"cmc-scraper/internal/services/proxy"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config    *config.Config
	Log       *zap.Logger
	DB        *gorm.DB
	Store     *database.Store
	Metrics   *metrics.Metrics
	Populator *backfill.Populator
}

// New connects to the database and builds the populator. The schema is not
// touched; run Migrate for that.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	db, err := database.Initialize(cfg, log)
	if err != nil {
		return nil, err
	}
	return NewWithDB(cfg, log, db), nil
}

// NewWithDB builds the services on top of an already opened database.
func NewWithDB(cfg *config.Config, log *zap.Logger, db *gorm.DB) *App {
	store := database.NewStore(db)
	m := metrics.New()

	newFetcher := func(proxyURL string) backfill.Fetcher {
		client := cmc.NewClient(cfg.CMCServer,
			cmc.WithTimeout(cfg.HTTPTimeout),
			cmc.WithProxy(proxyURL),
			cmc.WithLogger(log))
		return cmc.NewFetcher(client, cfg.PageSize, cfg.Cooldown, cmc.WithMetrics(m))
	}

	var proxies backfill.ProxyLister
	if cfg.UseProxy {
		proxies = proxy.NewScraper(cfg.ProxyListURL, cfg.HTTPTimeout)
	}

	populator := backfill.New(backfill.Deps{
		NewFetcher: newFetcher,
		Ingester:   ingest.New(store, log, m),
		Runs:       store,
		Proxies:    proxies,
		Convert:    cfg.Convert,
		Logger:     log,
		Metrics:    m,
	})

	return &App{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Store:     store,
		Metrics:   m,
		Populator: populator,
	}
}

func (a *App) Migrate() error {
	if err := database.Migrate(a.DB); err != nil {
		return err
	}
	a.Log.Info("Tables ready")
	return nil
}

func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
