// Package export writes the stored snapshot of one observation date as an
// XLSX workbook.
package export

import (
	"fmt"
	"io"
	"time"

	"cmc-scraper/internal/database"

	"github.com/xuri/excelize/v2"
)

const (
	SnapshotSheet = "snapshots"
	QuoteSheet    = "quotes"
)

var snapshotHeader = []interface{}{
	"coin_id", "name", "symbol", "slug", "cmc_rank", "num_market_pairs",
	"circulating_supply", "total_supply", "max_supply", "date_added", "last_updated",
}

var quoteHeader = []interface{}{
	"coin_id", "symbol", "currency", "price", "vol_24", "pct_change_1h", "pct_change_24h",
	"pct_change_7d", "market_cap", "fully_diluted_mc", "last_updated",
}

// WriteWorkbook writes rows as two sheets, one line per coin and one line per
// quote, and streams the workbook to w.
func WriteWorkbook(w io.Writer, rows []database.SnapshotRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SnapshotSheet); err != nil {
		return fmt.Errorf("renaming sheet: %w", err)
	}
	if _, err := f.NewSheet(QuoteSheet); err != nil {
		return fmt.Errorf("creating sheet: %w", err)
	}

	if err := setRow(f, SnapshotSheet, 1, snapshotHeader); err != nil {
		return err
	}
	if err := setRow(f, QuoteSheet, 1, quoteHeader); err != nil {
		return err
	}

	quoteLine := 2
	for i, r := range rows {
		c, m := r.Coin, r.Market
		line := []interface{}{
			c.ID, c.Name, c.Symbol, c.Slug, intOrEmpty(m.CMCRank), intOrEmpty(m.NumMarketPairs),
			floatOrEmpty(m.CirculatingSupply), floatOrEmpty(m.TotalSupply), intOrEmpty(c.MaxSupply),
			timeOrEmpty(c.DateAdded), m.LastUpdated.UTC().Format(time.RFC3339),
		}
		if err := setRow(f, SnapshotSheet, i+2, line); err != nil {
			return err
		}

		for _, q := range r.Quotes {
			line := []interface{}{
				c.ID, c.Symbol, q.Currency, q.Price, floatOrEmpty(q.Vol24), floatOrEmpty(q.PctChange1h),
				floatOrEmpty(q.PctChange24h), floatOrEmpty(q.PctChange7d), floatOrEmpty(q.MarketCap),
				floatOrEmpty(q.FullyDilutedMC), q.LastUpdated.UTC().Format(time.RFC3339),
			}
			if err := setRow(f, QuoteSheet, quoteLine, line); err != nil {
				return err
			}
			quoteLine++
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("writing %s row %d: %w", sheet, row, err)
	}
	return nil
}

func intOrEmpty(v *int64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func floatOrEmpty(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func timeOrEmpty(v *time.Time) interface{} {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
