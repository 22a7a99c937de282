package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"cmc-scraper/internal/metrics"
	"cmc-scraper/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memState is the committed content of memStore.
type memState struct {
	coins     map[int64]models.Coin
	platforms map[int64]models.Platform
	refs      map[string]uint
	links     map[[2]int64]bool
	markets   []models.Market
	quotes    []models.Quote
}

func (s memState) clone() memState {
	c := memState{
		coins:     map[int64]models.Coin{},
		platforms: map[int64]models.Platform{},
		refs:      map[string]uint{},
		links:     map[[2]int64]bool{},
		markets:   append([]models.Market(nil), s.markets...),
		quotes:    append([]models.Quote(nil), s.quotes...),
	}
	for k, v := range s.coins {
		c.coins[k] = v
	}
	for k, v := range s.platforms {
		c.platforms[k] = v
	}
	for k, v := range s.refs {
		c.refs[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	return c
}

// memStore keeps rows in maps; a transaction works on a copy that replaces
// the committed state only when fn succeeds.
type memStore struct {
	state   memState
	failOn  int64 // coin id whose market insert fails with an internal error
	nextRef uint
}

func newMemStore() *memStore {
	return &memStore{state: memState{}.clone()}
}

func (m *memStore) WithinTransaction(_ context.Context, fn func(tx Tx) error) error {
	tx := &memTx{store: m, state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

type memTx struct {
	store *memStore
	state memState
}

func (t *memTx) EnsureCoin(coin *models.Coin) (bool, error) {
	for id, c := range t.state.coins {
		if c.Slug == coin.Slug && id != coin.ID {
			return false, ErrConflict
		}
	}
	if _, ok := t.state.coins[coin.ID]; ok {
		return false, nil
	}
	t.state.coins[coin.ID] = *coin
	return true, nil
}

func (t *memTx) EnsurePlatform(p *models.Platform) (bool, error) {
	if _, ok := t.state.platforms[p.ID]; ok {
		return false, nil
	}
	t.state.platforms[p.ID] = *p
	return true, nil
}

func (t *memTx) EnsureTagReference(name string) (*models.TagReference, error) {
	if id, ok := t.state.refs[name]; ok {
		return &models.TagReference{ID: id, Name: name}, nil
	}
	t.store.nextRef++
	t.state.refs[name] = t.store.nextRef
	return &models.TagReference{ID: t.store.nextRef, Name: name}, nil
}

func (t *memTx) LinkTag(coinID int64, tagID uint) error {
	t.state.links[[2]int64{coinID, int64(tagID)}] = true
	return nil
}

func (t *memTx) CreateMarket(m *models.Market) error {
	if t.store.failOn != 0 && m.CoinID == t.store.failOn {
		return errors.New("connection reset")
	}
	t.state.markets = append(t.state.markets, *m)
	return nil
}

func (t *memTx) CreateQuotes(q []models.Quote) error {
	t.state.quotes = append(t.state.quotes, q...)
	return nil
}

func loadFixture(t *testing.T) []json.RawMessage {
	t.Helper()
	raw, err := os.ReadFile("testdata/listings.json")
	require.NoError(t, err)
	var page struct {
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &page))
	return page.Data
}

var observed = time.Date(2020, 1, 5, 15, 30, 0, 0, time.UTC)

func TestIngestIsolatesInvalidRecord(t *testing.T) {
	store := newMemStore()
	m := metrics.New()
	ing := New(store, nil, m)

	report, err := ing.Ingest(context.Background(), observed, loadFixture(t))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Committed)
	assert.Equal(t, 1, report.Failed)

	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Index)
	assert.Equal(t, int64(825), failures[0].CoinID)
	assert.Equal(t, KindInvalid, failures[0].Kind())
	assert.ErrorIs(t, failures[0].Err, ErrInvalidRecord)

	assert.Contains(t, store.state.coins, int64(1))
	assert.Contains(t, store.state.coins, int64(1027))
	assert.NotContains(t, store.state.coins, int64(825))
	assert.NotContains(t, store.state.coins, int64(83), "rolled back with its record")
	assert.Empty(t, store.state.platforms)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Records.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues("invalid")))
}

func TestIngestNormalizesAndStampsObservationDate(t *testing.T) {
	store := newMemStore()
	_, err := New(store, nil, nil).Ingest(context.Background(), observed, loadFixture(t))
	require.NoError(t, err)

	btc := store.state.coins[1]
	assert.Equal(t, "bitcoin", btc.Name)
	assert.Equal(t, "btc", btc.Symbol)
	assert.Equal(t, "bitcoin", btc.Slug)
	require.NotNil(t, btc.MaxSupply)
	assert.Equal(t, int64(21000000), *btc.MaxSupply)
	require.NotNil(t, btc.DateAdded)
	assert.Equal(t, time.Date(2013, 4, 28, 0, 0, 0, 0, time.UTC), *btc.DateAdded)
	assert.Nil(t, store.state.coins[1027].MaxSupply)

	day := time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC)
	require.Len(t, store.state.markets, 2)
	for _, m := range store.state.markets {
		assert.Equal(t, day, m.ObservedOn)
	}

	require.Len(t, store.state.quotes, 3)
	assert.Equal(t, "BTC", store.state.quotes[0].Currency, "currencies are written in sorted order")
	assert.Equal(t, "USD", store.state.quotes[1].Currency)
	for _, q := range store.state.quotes {
		assert.Equal(t, day, q.ObservedOn)
	}
	assert.Nil(t, store.state.quotes[1].FullyDilutedMC)
	require.NotNil(t, store.state.quotes[2].FullyDilutedMC)

	assert.Len(t, store.state.refs, 3, "mineable, pow, sha-256")
	assert.Contains(t, store.state.refs, "pow")
	assert.Len(t, store.state.links, 4)
}

func TestIngestSurfacesInternalErrorsAfterBatch(t *testing.T) {
	store := newMemStore()
	store.failOn = 1

	report, err := New(store, nil, nil).Ingest(context.Background(), observed, loadFixture(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 0")
	assert.Contains(t, err.Error(), "connection reset")

	assert.Equal(t, 1, report.Committed, "batch kept going after the internal error")
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, KindInternal, report.Outcomes[0].Kind())
	assert.Equal(t, KindCommitted, report.Outcomes[2].Kind())
}

func TestIngestReportsConflicts(t *testing.T) {
	store := newMemStore()
	ing := New(store, nil, nil)

	batch := []json.RawMessage{
		json.RawMessage(`{"id":1,"name":"Bitcoin","symbol":"BTC","slug":"bitcoin","last_updated":"2020-01-05T00:00:00Z"}`),
		json.RawMessage(`{"id":99,"name":"Fake","symbol":"FAKE","slug":"BITCOIN","last_updated":"2020-01-05T00:00:00Z"}`),
	}
	report, err := ing.Ingest(context.Background(), observed, batch)
	require.NoError(t, err)
	assert.Equal(t, KindConflict, report.Outcomes[1].Kind())
	assert.Len(t, store.state.markets, 1)
}

func TestDecodeListingValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"id":`},
		{"missing id", `{"name":"a","symbol":"a","slug":"a","last_updated":"2020-01-05T00:00:00Z"}`},
		{"blank name", `{"id":1,"name":"  ","symbol":"a","slug":"a","last_updated":"2020-01-05T00:00:00Z"}`},
		{"missing slug", `{"id":1,"name":"a","symbol":"a","last_updated":"2020-01-05T00:00:00Z"}`},
		{"missing last_updated", `{"id":1,"name":"a","symbol":"a","slug":"a"}`},
		{"bad last_updated", `{"id":1,"name":"a","symbol":"a","slug":"a","last_updated":"yesterday"}`},
		{"bad date_added", `{"id":1,"name":"a","symbol":"a","slug":"a","date_added":"x","last_updated":"2020-01-05T00:00:00Z"}`},
		{"negative max_supply", `{"id":1,"name":"a","symbol":"a","slug":"a","max_supply":-1,"last_updated":"2020-01-05T00:00:00Z"}`},
		{"max_supply past int64", `{"id":1,"name":"a","symbol":"a","slug":"a","max_supply":9223372036854775807,"last_updated":"2020-01-05T00:00:00Z"}`},
		{"string id", `{"id":"1","name":"a","symbol":"a","slug":"a","last_updated":"2020-01-05T00:00:00Z"}`},
		{"platform without token address", `{"id":1,"name":"a","symbol":"a","slug":"a","last_updated":"2020-01-05T00:00:00Z","platform":{"id":2,"name":"b","symbol":"b","slug":"b"}}`},
		{"platform without slug", `{"id":1,"name":"a","symbol":"a","slug":"a","last_updated":"2020-01-05T00:00:00Z","platform":{"id":2,"name":"b","symbol":"b","token_address":"0x1"}}`},
		{"quote without price", `{"id":1,"name":"a","symbol":"a","slug":"a","last_updated":"2020-01-05T00:00:00Z","quote":{"USD":{"last_updated":"2020-01-05T00:00:00Z"}}}`},
		{"quote without last_updated", `{"id":1,"name":"a","symbol":"a","slug":"a","last_updated":"2020-01-05T00:00:00Z","quote":{"USD":{"price":1}}}`},
		{"null quote", `{"id":1,"name":"a","symbol":"a","slug":"a","last_updated":"2020-01-05T00:00:00Z","quote":{"USD":null}}`},
		{"long currency", `{"id":1,"name":"a","symbol":"a","slug":"a","last_updated":"2020-01-05T00:00:00Z","quote":{"ABCDEFGHIJK":{"price":1,"last_updated":"2020-01-05T00:00:00Z"}}}`},
		{"long slug", `{"id":1,"name":"a","symbol":"a","slug":"` + strings.Repeat("a", 51) + `","last_updated":"2020-01-05T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeListing(json.RawMessage(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestDecodeListingOptionalFields(t *testing.T) {
	rec, err := decodeListing(json.RawMessage(`{
		"id": 5, "name": " Some Coin ", "symbol": "SC", "slug": "some-coin",
		"num_market_pairs": null, "max_supply": null, "tags": null, "platform": null,
		"last_updated": "2013-04-28T23:55:01.000Z",
		"quote": {"usd": {"price": 0.5, "volume_24h": null, "last_updated": "2013-04-28T23:55:01.000Z"}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "some coin", rec.coin.Name)
	assert.Nil(t, rec.market.NumMarketPairs)
	assert.Nil(t, rec.platform)
	assert.Empty(t, rec.tags)
	require.Len(t, rec.quotes, 1)
	assert.Equal(t, "USD", rec.quotes[0].Currency)
	assert.Nil(t, rec.quotes[0].Vol24)
	assert.Equal(t, time.Date(2013, 4, 28, 23, 55, 1, 0, time.UTC), rec.market.LastUpdated)
}

func TestDecodeListingPlatform(t *testing.T) {
	rec, err := decodeListing(json.RawMessage(`{
		"id": 3408, "name": "USD Coin", "symbol": "USDC", "slug": "usd-coin",
		"last_updated": "2020-01-05T00:00:00Z", "tags": ["Stablecoin", "stablecoin", ""],
		"platform": {"id": 1027, "name": "Ethereum", "symbol": "ETH", "slug": "ethereum",
			"token_address": "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"}
	}`))
	require.NoError(t, err)

	require.NotNil(t, rec.platform)
	assert.Equal(t, int64(3408), rec.platform.ID)
	assert.Equal(t, int64(1027), rec.platform.PlatformID)
	assert.Equal(t, []byte("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"), rec.platform.TokenAddress)
	assert.Equal(t, "ethereum", rec.platformCoin.Slug)
	assert.Equal(t, []string{"stablecoin"}, rec.tags)
}
