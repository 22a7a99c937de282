package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"cmc-scraper/internal/models"
)

// Column limits of the coin, tag_ref and quote tables.
const (
	maxNameLen     = 255
	maxSymbolLen   = 25
	maxSlugLen     = 50
	maxTagLen      = 100
	maxCurrencyLen = 10
)

// listing is one record of the historical listings endpoint as sent upstream.
type listing struct {
	ID                *int64                 `json:"id"`
	Name              *string                `json:"name"`
	Symbol            *string                `json:"symbol"`
	Slug              *string                `json:"slug"`
	NumMarketPairs    *int64                 `json:"num_market_pairs"`
	DateAdded         *string                `json:"date_added"`
	Tags              []string               `json:"tags"`
	MaxSupply         *float64               `json:"max_supply"`
	CirculatingSupply *float64               `json:"circulating_supply"`
	TotalSupply       *float64               `json:"total_supply"`
	Platform          *platformRef           `json:"platform"`
	CMCRank           *int64                 `json:"cmc_rank"`
	LastUpdated       *string                `json:"last_updated"`
	Quote             map[string]*quoteEntry `json:"quote"`
}

type platformRef struct {
	ID           *int64  `json:"id"`
	Name         *string `json:"name"`
	Symbol       *string `json:"symbol"`
	Slug         *string `json:"slug"`
	TokenAddress *string `json:"token_address"`
}

type quoteEntry struct {
	Price                 *float64 `json:"price"`
	Volume24h             *float64 `json:"volume_24h"`
	PercentChange1h       *float64 `json:"percent_change_1h"`
	PercentChange24h      *float64 `json:"percent_change_24h"`
	PercentChange7d       *float64 `json:"percent_change_7d"`
	MarketCap             *float64 `json:"market_cap"`
	FullyDilutedMarketCap *float64 `json:"fully_diluted_market_cap"`
	LastUpdated           *string  `json:"last_updated"`
}

// record is a validated listing, normalized into the rows it produces.
type record struct {
	coin         models.Coin
	market       models.Market
	platformCoin *models.Coin
	platform     *models.Platform
	tags         []string
	quotes       []models.Quote
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// decodeListing parses and validates raw completely before anything is
// written, so a bad record never leaves partial rows behind.
func decodeListing(raw json.RawMessage) (*record, error) {
	var l listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, invalid("malformed JSON: %v", err)
	}

	coin, err := decodeCoin(l.ID, l.Name, l.Symbol, l.Slug)
	if err != nil {
		return nil, err
	}
	rec := &record{coin: *coin}

	if l.MaxSupply != nil {
		if math.IsNaN(*l.MaxSupply) || *l.MaxSupply < 0 || *l.MaxSupply >= math.MaxInt64 {
			return nil, invalid("max_supply %v out of range", *l.MaxSupply)
		}
		v := int64(*l.MaxSupply)
		rec.coin.MaxSupply = &v
	}
	if l.DateAdded != nil {
		t, err := parseTimestamp("date_added", *l.DateAdded)
		if err != nil {
			return nil, err
		}
		rec.coin.DateAdded = &t
	}

	if l.LastUpdated == nil {
		return nil, invalid("missing last_updated")
	}
	lastUpdated, err := parseTimestamp("last_updated", *l.LastUpdated)
	if err != nil {
		return nil, err
	}
	rec.market = models.Market{
		CoinID:            coin.ID,
		NumMarketPairs:    l.NumMarketPairs,
		CirculatingSupply: l.CirculatingSupply,
		TotalSupply:       l.TotalSupply,
		CMCRank:           l.CMCRank,
		LastUpdated:       lastUpdated,
	}

	if p := l.Platform; p != nil {
		chain, err := decodeCoin(p.ID, p.Name, p.Symbol, p.Slug)
		if err != nil {
			return nil, fmt.Errorf("platform: %w", err)
		}
		if p.TokenAddress == nil || strings.TrimSpace(*p.TokenAddress) == "" {
			return nil, invalid("platform: missing token_address")
		}
		rec.platformCoin = chain
		rec.platform = &models.Platform{
			ID:           coin.ID,
			PlatformID:   chain.ID,
			TokenAddress: []byte(strings.TrimSpace(*p.TokenAddress)),
		}
	}

	seen := make(map[string]bool, len(l.Tags))
	for _, tag := range l.Tags {
		name := normalize(tag)
		if name == "" || seen[name] {
			continue
		}
		if len(name) > maxTagLen {
			return nil, invalid("tag %q longer than %d", name, maxTagLen)
		}
		seen[name] = true
		rec.tags = append(rec.tags, name)
	}

	currencies := make([]string, 0, len(l.Quote))
	for k := range l.Quote {
		currencies = append(currencies, k)
	}
	sort.Strings(currencies)
	for _, key := range currencies {
		q, err := decodeQuote(key, l.Quote[key])
		if err != nil {
			return nil, err
		}
		q.CoinID = coin.ID
		rec.quotes = append(rec.quotes, *q)
	}

	return rec, nil
}

func decodeCoin(id *int64, name, symbol, slug *string) (*models.Coin, error) {
	switch {
	case id == nil:
		return nil, invalid("missing id")
	case name == nil || normalize(*name) == "":
		return nil, invalid("missing name")
	case symbol == nil || normalize(*symbol) == "":
		return nil, invalid("missing symbol")
	case slug == nil || normalize(*slug) == "":
		return nil, invalid("missing slug")
	}

	coin := &models.Coin{
		ID:     *id,
		Name:   normalize(*name),
		Symbol: normalize(*symbol),
		Slug:   normalize(*slug),
	}
	if len(coin.Name) > maxNameLen {
		return nil, invalid("name longer than %d", maxNameLen)
	}
	if len(coin.Symbol) > maxSymbolLen {
		return nil, invalid("symbol %q longer than %d", coin.Symbol, maxSymbolLen)
	}
	if len(coin.Slug) > maxSlugLen {
		return nil, invalid("slug %q longer than %d", coin.Slug, maxSlugLen)
	}
	return coin, nil
}

func decodeQuote(key string, q *quoteEntry) (*models.Quote, error) {
	currency := strings.ToUpper(strings.TrimSpace(key))
	switch {
	case currency == "":
		return nil, invalid("quote with empty currency")
	case len(currency) > maxCurrencyLen:
		return nil, invalid("currency %q longer than %d", currency, maxCurrencyLen)
	case q == nil:
		return nil, invalid("quote %s is null", currency)
	case q.Price == nil:
		return nil, invalid("quote %s: missing price", currency)
	case q.LastUpdated == nil:
		return nil, invalid("quote %s: missing last_updated", currency)
	}
	lastUpdated, err := parseTimestamp("quote "+currency+" last_updated", *q.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &models.Quote{
		Currency:       currency,
		Price:          *q.Price,
		Vol24:          q.Volume24h,
		PctChange1h:    q.PercentChange1h,
		PctChange24h:   q.PercentChange24h,
		PctChange7d:    q.PercentChange7d,
		MarketCap:      q.MarketCap,
		FullyDilutedMC: q.FullyDilutedMarketCap,
		LastUpdated:    lastUpdated,
	}, nil
}

func parseTimestamp(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, invalid("%s %q is not a timestamp", field, value)
	}
	return t.UTC(), nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
