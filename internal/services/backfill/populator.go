// Package backfill drives fetch and ingestion over one date, the latest date,
// or a whole history of dates, and records every per-date run.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"cmc-scraper/internal/metrics"
	"cmc-scraper/internal/models"
	"cmc-scraper/internal/services/cmc"
	"cmc-scraper/internal/services/ingest"
	"cmc-scraper/internal/services/proxy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Fetcher interface {
	FetchAll(ctx context.Context, params cmc.ListingParams) ([]json.RawMessage, error)
}

type Ingester interface {
	Ingest(ctx context.Context, observedOn time.Time, records []json.RawMessage) (*ingest.Report, error)
}

type RunStore interface {
	SaveRun(ctx context.Context, run *models.IngestionRun) error
	LatestSuccessfulRun(ctx context.Context) (*models.IngestionRun, error)
}

type ProxyLister interface {
	List(ctx context.Context) ([]proxy.Proxy, error)
}

// Deps wires a Populator. NewFetcher builds a fetcher going through proxyURL,
// or direct when it is empty. Proxies may be nil to disable proxying.
type Deps struct {
	NewFetcher func(proxyURL string) Fetcher
	Ingester   Ingester
	Runs       RunStore
	Proxies    ProxyLister
	Convert    []string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type Populator struct {
	Deps

	now   func() time.Time
	rndMu sync.Mutex
	rnd   *rand.Rand
}

func New(d Deps) *Populator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Populator{
		Deps: d,
		now:  time.Now,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Progress is reported after every date of a history run.
type Progress struct {
	Date      time.Time            `json:"date"`
	Done      int                  `json:"done"`
	Total     int                  `json:"total"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Run       *models.IngestionRun `json:"run,omitempty"`
}

type HistoryResult struct {
	Dates     int  `json:"dates"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Stopped   bool `json:"stopped"`
}

// Populate fetches and ingests the listings of one date. The date is checked
// before any request is made.
func (p *Populator) Populate(ctx context.Context, date time.Time) (*models.IngestionRun, error) {
	day, err := ValidateDate(date, p.now())
	if err != nil {
		return nil, err
	}
	return p.populate(ctx, day, p.listProxies(ctx))
}

// PopulateLatest populates the current UTC date.
func (p *Populator) PopulateLatest(ctx context.Context) (*models.IngestionRun, error) {
	return p.Populate(ctx, p.now())
}

// PopulateHistory populates from, from+step, ... through today. A failing date
// is logged and skipped. Each date runs to completion; cancelling ctx stops
// the loop before the next date.
func (p *Populator) PopulateHistory(ctx context.Context, from time.Time, stepDays int, progress func(Progress)) (*HistoryResult, error) {
	start, err := ValidateDate(from, p.now())
	if err != nil {
		return nil, err
	}
	if stepDays <= 0 {
		return nil, fmt.Errorf("step must be a positive number of days, got %d", stepDays)
	}

	dates := HistoryDates(start, p.now(), stepDays)
	proxies := p.listProxies(ctx)
	result := &HistoryResult{}

	p.Logger.Info("Starting history backfill",
		zap.String("from", start.Format(time.DateOnly)),
		zap.Int("step_days", stepDays),
		zap.Int("dates", len(dates)),
		zap.Int("proxies", len(proxies)))

	for _, d := range dates {
		if ctx.Err() != nil {
			result.Stopped = true
			break
		}

		run, err := p.populate(context.WithoutCancel(ctx), d, proxies)
		result.Dates++
		if err != nil || run.Status == models.RunStatusFailure {
			result.Failed++
		} else {
			result.Succeeded++
		}

		if progress != nil {
			progress(Progress{
				Date:      d,
				Done:      result.Dates,
				Total:     len(dates),
				Succeeded: result.Succeeded,
				Failed:    result.Failed,
				Run:       run,
			})
		}
	}

	p.Logger.Info("History backfill finished",
		zap.Int("dates", result.Dates),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Bool("stopped", result.Stopped))
	if result.Stopped {
		return result, ctx.Err()
	}
	return result, nil
}

// ResumeFrom returns the date following the latest successful run, or Epoch
// when nothing has been populated yet.
func (p *Populator) ResumeFrom(ctx context.Context, stepDays int) (time.Time, error) {
	latest, err := p.Runs.LatestSuccessfulRun(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if latest == nil {
		return Epoch, nil
	}
	return models.Day(latest.Date).AddDate(0, 0, stepDays), nil
}

func (p *Populator) listProxies(ctx context.Context) []proxy.Proxy {
	if p.Proxies == nil {
		return nil
	}
	list, err := p.Proxies.List(ctx)
	if err != nil {
		p.Logger.Warn("Proxy list unavailable, requesting directly", zap.Error(err))
		return nil
	}
	return list
}

func (p *Populator) pickProxy(list []proxy.Proxy) string {
	p.rndMu.Lock()
	picked := proxy.Pick(list, p.rnd)
	p.rndMu.Unlock()
	if picked == nil {
		return ""
	}
	return picked.URL()
}

func (p *Populator) populate(ctx context.Context, day time.Time, proxies []proxy.Proxy) (*models.IngestionRun, error) {
	run := &models.IngestionRun{
		ID:        uuid.NewString(),
		Date:      day,
		Proxy:     p.pickProxy(proxies),
		StartedAt: p.now().UTC(),
	}
	fields := []zap.Field{
		zap.String("date", day.Format(time.DateOnly)),
		zap.String("run_id", run.ID),
		zap.String("proxy", run.Proxy),
	}

	records, err := p.NewFetcher(run.Proxy).FetchAll(ctx, cmc.ListingParams{Convert: p.Convert, Date: day})
	if err != nil {
		run.Status = models.RunStatusFailure
		run.Error = err.Error()
		p.finish(ctx, run)
		p.Logger.Warn("Fetch failed, skipping date", append(fields, zap.Error(err))...)
		return run, fmt.Errorf("fetching %s: %w", day.Format(time.DateOnly), err)
	}
	run.Fetched = len(records)

	report, ingestErr := p.Ingester.Ingest(ctx, day, records)
	if report != nil {
		run.Committed = report.Committed
		run.Failed = report.Failed
	}
	switch {
	case report == nil || (report.Total > 0 && report.Committed == 0):
		run.Status = models.RunStatusFailure
	case report.Failed > 0 || ingestErr != nil:
		run.Status = models.RunStatusPartial
	default:
		run.Status = models.RunStatusSuccess
	}
	if ingestErr != nil {
		run.Error = ingestErr.Error()
	}

	saveErr := p.finish(ctx, run)
	p.Logger.Info("Ingestion finished", append(fields,
		zap.String("status", run.Status),
		zap.Int("fetched", run.Fetched),
		zap.Int("committed", run.Committed),
		zap.Int("failed", run.Failed),
		zap.Duration("took", run.FinishedAt.Sub(run.StartedAt)))...)

	return run, errors.Join(ingestErr, saveErr)
}

// finish stamps and stores the run. A store failure is logged and returned,
// it never changes the run outcome.
func (p *Populator) finish(ctx context.Context, run *models.IngestionRun) error {
	run.FinishedAt = p.now().UTC()
	p.Metrics.RecordRun(run.Status, run.Date, run.FinishedAt.Sub(run.StartedAt))
	if p.Runs == nil {
		return nil
	}
	if err := p.Runs.SaveRun(ctx, run); err != nil {
		p.Logger.Error("Failed to record run", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}
	return nil
}
