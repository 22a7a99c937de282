package models

import "time"

// Market is one market-stats observation of a coin. Rows are appended on
// every ingestion and never deduplicated.
type Market struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	CoinID            int64     `json:"coin_id" gorm:"index;not null"`
	ObservedOn        time.Time `json:"observed_on" gorm:"type:date;index;not null"` // requested listings date
	NumMarketPairs    *int64    `json:"num_market_pairs"`
	CirculatingSupply *float64  `json:"circulating_supply"`
	TotalSupply       *float64  `json:"total_supply"`
	CMCRank           *int64    `json:"cmc_rank" gorm:"column:cmc_rank"`
	LastUpdated       time.Time `json:"last_updated" gorm:"not null"`
}

func (Market) TableName() string {
	return "market_stats"
}

// Quote is a price observation of a coin in one settlement currency.
type Quote struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	CoinID         int64     `json:"coin_id" gorm:"index;not null"`
	ObservedOn     time.Time `json:"observed_on" gorm:"type:date;index;not null"`
	Currency       string    `json:"currency" gorm:"size:10;not null"`
	Price          float64   `json:"price" gorm:"not null"`
	Vol24          *float64  `json:"vol_24" gorm:"column:vol_24"`
	PctChange1h    *float64  `json:"pct_change_1h" gorm:"column:pct_change_1h"`
	PctChange24h   *float64  `json:"pct_change_24h" gorm:"column:pct_change_24h"`
	PctChange7d    *float64  `json:"pct_change_7d" gorm:"column:pct_change_7d"`
	MarketCap      *float64  `json:"market_cap"`
	FullyDilutedMC *float64  `json:"fully_diluted_mc" gorm:"column:fully_diluted_mc"`
	LastUpdated    time.Time `json:"last_updated" gorm:"not null"`
}

func (Quote) TableName() string {
	return "quote"
}

// Day truncates t to midnight UTC, the form observation dates are stored in.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
