package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cmc-scraper/internal/app"
	"cmc-scraper/internal/config"
	"cmc-scraper/internal/database"
	"cmc-scraper/internal/logging"
	"cmc-scraper/internal/services/backfill"
	"cmc-scraper/internal/services/export"
	"cmc-scraper/internal/services/proxy"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const usage = `usage: cmc-ingest <command> [flags]

commands:
  init-db            create the database if needed and its tables
  populate           ingest one date            (-date YYYY-MM-DD)
  populate-latest    ingest today's listings
  populate-history   ingest every step from a date through today
                     (-from YYYY-MM-DD, -step N, -resume)
  export             write one date as XLSX     (-date, -out)
  proxies            print the scraped proxy list
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "init-db":
		err = initDB(cfg, logger)
	case "populate":
		err = populate(ctx, cfg, logger, args)
	case "populate-latest":
		err = withApp(cfg, logger, func(a *app.App) error {
			_, err := a.Populator.PopulateLatest(ctx)
			return err
		})
	case "populate-history":
		err = populateHistory(ctx, cfg, logger, args)
	case "export":
		err = exportDate(ctx, cfg, logger, args)
	case "proxies":
		err = listProxies(ctx, cfg)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func withApp(cfg *config.Config, logger *zap.Logger, fn func(a *app.App) error) error {
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func initDB(cfg *config.Config, logger *zap.Logger) error {
	if err := database.EnsureDatabase(cfg, logger); err != nil {
		return err
	}
	return withApp(cfg, logger, func(a *app.App) error {
		return a.Migrate()
	})
}

func populate(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("populate", flag.ExitOnError)
	dateStr := fs.String("date", "", "listings date (YYYY-MM-DD, YYYY/MM/DD, DD-MM-YYYY or DD/MM/YYYY)")
	_ = fs.Parse(args)

	date, err := backfill.ParseDate(*dateStr)
	if err != nil {
		return err
	}
	if _, err := backfill.ValidateDate(date, time.Now()); err != nil {
		return err
	}

	return withApp(cfg, logger, func(a *app.App) error {
		run, err := a.Populator.Populate(ctx, date)
		if run != nil {
			fmt.Printf("%s %s fetched=%d committed=%d failed=%d\n",
				run.Date.Format(time.DateOnly), run.Status, run.Fetched, run.Committed, run.Failed)
		}
		return err
	})
}

func populateHistory(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("populate-history", flag.ExitOnError)
	fromStr := fs.String("from", "", "first date, defaults to "+backfill.Epoch.Format(time.DateOnly))
	step := fs.Int("step", cfg.BackfillStepDays, "days between two populated dates")
	resume := fs.Bool("resume", false, "continue after the latest successful run")
	_ = fs.Parse(args)

	from := backfill.Epoch
	if *fromStr != "" {
		d, err := backfill.ParseDate(*fromStr)
		if err != nil {
			return err
		}
		from = d
	}

	return withApp(cfg, logger, func(a *app.App) error {
		if *resume && *fromStr == "" {
			d, err := a.Populator.ResumeFrom(ctx, *step)
			if err != nil {
				return err
			}
			from = d
			if from.After(time.Now()) {
				logger.Info("Nothing to resume, history is up to date")
				return nil
			}
		}

		result, err := a.Populator.PopulateHistory(ctx, from, *step, func(p backfill.Progress) {
			logger.Info("Backfill progress",
				zap.String("date", p.Date.Format(time.DateOnly)),
				zap.Int("done", p.Done),
				zap.Int("total", p.Total),
				zap.Int("failed", p.Failed))
		})
		if errors.Is(err, context.Canceled) {
			logger.Warn("Backfill interrupted", zap.Int("done", result.Dates))
			return nil
		}
		return err
	})
}

func exportDate(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dateStr := fs.String("date", "", "observation date")
	out := fs.String("out", "", "output file, defaults to cmc-<date>.xlsx")
	_ = fs.Parse(args)

	date, err := backfill.ParseDate(*dateStr)
	if err != nil {
		return err
	}
	if *out == "" {
		*out = fmt.Sprintf("cmc-%s.xlsx", date.Format(time.DateOnly))
	}

	return withApp(cfg, logger, func(a *app.App) error {
		rows, err := a.Store.Snapshot(ctx, date)
		if err != nil {
			return err
		}
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		if err := export.WriteWorkbook(f, rows); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		logger.Info("Export written", zap.String("file", *out), zap.Int("coins", len(rows)))
		return nil
	})
}

func listProxies(ctx context.Context, cfg *config.Config) error {
	list, err := proxy.NewScraper(cfg.ProxyListURL, cfg.HTTPTimeout).List(ctx)
	if err != nil {
		return err
	}
	for _, p := range list {
		fmt.Println(p.URL())
	}
	return nil
}
