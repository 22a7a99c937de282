// Package ingest normalizes listing records into coin, market_stats, platform,
// tag, tag_ref and quote rows. Each record is written in its own transaction
// so one bad record never affects the others.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cmc-scraper/internal/metrics"
	"cmc-scraper/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrInvalidRecord marks a record with a missing or malformed field.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrConflict marks a record that would break a uniqueness rule, such as
	// a slug already owned by another coin.
	ErrConflict = errors.New("conflicting record")
)

// Tx is the set of writes available to one record.
type Tx interface {
	// EnsureCoin inserts the coin if its id is unknown and reports whether it
	// did. It returns ErrConflict when the slug belongs to another coin.
	EnsureCoin(coin *models.Coin) (bool, error)
	EnsurePlatform(platform *models.Platform) (bool, error)
	// EnsureTagReference returns the vocabulary entry for name, creating it
	// when absent.
	EnsureTagReference(name string) (*models.TagReference, error)
	LinkTag(coinID int64, tagID uint) error
	CreateMarket(market *models.Market) error
	CreateQuotes(quotes []models.Quote) error
}

// Store runs fn in a transaction that commits when fn returns nil and rolls
// back otherwise.
type Store interface {
	WithinTransaction(ctx context.Context, fn func(tx Tx) error) error
}

type Kind string

const (
	KindCommitted Kind = "committed"
	KindInvalid   Kind = "invalid"
	KindConflict  Kind = "conflict"
	KindInternal  Kind = "internal"
)

// Outcome is the result of one record. CoinID is zero when the record could
// not be decoded far enough to know it.
type Outcome struct {
	Index  int   `json:"index"`
	CoinID int64 `json:"coin_id"`
	Err    error `json:"-"`
}

func (o Outcome) Kind() Kind {
	switch {
	case o.Err == nil:
		return KindCommitted
	case errors.Is(o.Err, ErrInvalidRecord):
		return KindInvalid
	case errors.Is(o.Err, ErrConflict):
		return KindConflict
	}
	return KindInternal
}

type Report struct {
	Total     int       `json:"total"`
	Committed int       `json:"committed"`
	Failed    int       `json:"failed"`
	Outcomes  []Outcome `json:"-"`
}

// Failures returns the outcomes of records that were not committed.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

type Ingestor struct {
	store   Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(store Store, log *zap.Logger, m *metrics.Metrics) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{store: store, log: log, metrics: m}
}

// Ingest writes records in order. Invalid and conflicting records are logged
// and reported; the batch always runs to the end. Failures of any other kind
// are also returned, joined, once the batch is done.
func (i *Ingestor) Ingest(ctx context.Context, observedOn time.Time, records []json.RawMessage) (*Report, error) {
	observedOn = models.Day(observedOn)
	report := &Report{Total: len(records), Outcomes: make([]Outcome, 0, len(records))}

	var internal []error
	for idx, raw := range records {
		out := i.ingestOne(ctx, observedOn, idx, raw)
		report.Outcomes = append(report.Outcomes, out)

		kind := out.Kind()
		i.metrics.RecordIngested(string(kind))
		if out.Err == nil {
			report.Committed++
			continue
		}

		report.Failed++
		i.log.Warn("Record failed ingestion",
			zap.Int("index", idx),
			zap.Int64("coin_id", out.CoinID),
			zap.String("kind", string(kind)),
			zap.ByteString("record", raw),
			zap.Error(out.Err))
		if kind == KindInternal {
			internal = append(internal, fmt.Errorf("record %d: %w", idx, out.Err))
		}
	}

	return report, errors.Join(internal...)
}

func (i *Ingestor) ingestOne(ctx context.Context, observedOn time.Time, idx int, raw json.RawMessage) Outcome {
	out := Outcome{Index: idx}

	rec, err := decodeListing(raw)
	if err != nil {
		var probe struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(raw, &probe)
		out.CoinID = probe.ID
		out.Err = err
		return out
	}
	out.CoinID = rec.coin.ID

	out.Err = i.store.WithinTransaction(ctx, func(tx Tx) error {
		return write(tx, observedOn, rec)
	})
	return out
}

// write stores the closure of one record. Parents are always ensured before
// the rows that reference them.
func write(tx Tx, observedOn time.Time, rec *record) error {
	if _, err := tx.EnsureCoin(&rec.coin); err != nil {
		return err
	}

	if rec.platform != nil {
		if _, err := tx.EnsureCoin(rec.platformCoin); err != nil {
			return fmt.Errorf("platform coin: %w", err)
		}
		if _, err := tx.EnsurePlatform(rec.platform); err != nil {
			return err
		}
	}

	rec.market.ObservedOn = observedOn
	if err := tx.CreateMarket(&rec.market); err != nil {
		return err
	}

	for _, name := range rec.tags {
		ref, err := tx.EnsureTagReference(name)
		if err != nil {
			return err
		}
		if err := tx.LinkTag(rec.coin.ID, ref.ID); err != nil {
			return err
		}
	}

	for j := range rec.quotes {
		rec.quotes[j].ObservedOn = observedOn
	}
	return tx.CreateQuotes(rec.quotes)
}
