package cmc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"cmc-scraper/internal/metrics"
)

// Pager returns one page of records for the given query.
type Pager interface {
	Page(ctx context.Context, params url.Values) ([]json.RawMessage, error)
}

// Fetcher walks every page of a listings query.
type Fetcher struct {
	pager    Pager
	pageSize int
	cooldown time.Duration
	metrics  *metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

type FetcherOption func(*Fetcher)

func WithMetrics(m *metrics.Metrics) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

func NewFetcher(pager Pager, pageSize int, cooldown time.Duration, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		pager:    pager,
		pageSize: pageSize,
		cooldown: cooldown,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll requests pages starting at params.Start (1 when unset) and
// concatenates them in order. Another page is requested only while the last
// batch is a positive multiple of the page size. Any page error aborts the
// whole fetch.
func (f *Fetcher) FetchAll(ctx context.Context, params ListingParams) ([]json.RawMessage, error) {
	if f.pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", f.pageSize)
	}

	start := params.Start
	if start <= 0 {
		start = 1
	}

	var records []json.RawMessage
	for {
		params.Start = start
		params.Limit = f.pageSize

		batch, err := f.pager.Page(ctx, params.Values())
		if err != nil {
			f.metrics.RecordPage(false, 0)
			return nil, fmt.Errorf("fetching page at start %d: %w", start, err)
		}
		f.metrics.RecordPage(true, len(batch))

		if len(batch) > 0 {
			records = append(records, batch...)
		}
		if len(batch) == 0 || len(batch)%f.pageSize != 0 {
			return records, nil
		}

		if err := f.sleep(ctx, f.cooldown); err != nil {
			return nil, err
		}
		start += f.pageSize
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
