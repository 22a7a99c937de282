package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cmc-scraper/internal/models"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")

// CoinDetail is a coin together with its tag names and, for tokens, the
// platform row describing where it is issued.
type CoinDetail struct {
	models.Coin
	TagNames []string         `json:"tag_names"`
	Platform *models.Platform `json:"platform,omitempty"`
}

// SnapshotRow is everything stored for one coin on one observation date.
type SnapshotRow struct {
	Coin   models.Coin
	Market models.Market
	Quotes []models.Quote
}

func searchCoins(search string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if search == "" {
			return db
		}
		like := "%" + strings.ToLower(search) + "%"
		return db.Where("name LIKE ? OR symbol LIKE ? OR slug LIKE ?", like, like, like)
	}
}

// ListCoins returns one page of coins ordered by id, and the total match count.
func (s *Store) ListCoins(ctx context.Context, search string, page, pageSize int) ([]models.Coin, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Coin{}).Scopes(searchCoins(search)).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed counting coins: %w", err)
	}

	var coins []models.Coin
	err := s.db.WithContext(ctx).Scopes(searchCoins(search)).
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&coins).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed listing coins: %w", err)
	}
	return coins, total, nil
}

func (s *Store) GetCoin(ctx context.Context, id int64) (*CoinDetail, error) {
	db := s.db.WithContext(ctx)

	var detail CoinDetail
	if err := db.Take(&detail.Coin, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("coin %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed reading coin %d: %w", id, err)
	}

	err := db.Model(&models.TagReference{}).
		Joins("JOIN tag ON tag.tag_id = tag_ref.id").
		Where("tag.coin_id = ?", id).
		Order("tag_ref.name ASC").
		Pluck("tag_ref.name", &detail.TagNames).Error
	if err != nil {
		return nil, fmt.Errorf("failed reading tags of coin %d: %w", id, err)
	}

	var platform models.Platform
	err = db.Take(&platform, "id = ?", id).Error
	switch {
	case err == nil:
		detail.Platform = &platform
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed reading platform of coin %d: %w", id, err)
	}
	return &detail, nil
}

// ListQuotes returns the most recent quotes of a coin, newest first. An empty
// currency matches every currency.
func (s *Store) ListQuotes(ctx context.Context, coinID int64, currency string, limit int) ([]models.Quote, error) {
	q := s.db.WithContext(ctx).Where("coin_id = ?", coinID)
	if currency != "" {
		q = q.Where("currency = ?", strings.ToUpper(currency))
	}
	var quotes []models.Quote
	if err := q.Order("observed_on DESC, id DESC").Limit(limit).Find(&quotes).Error; err != nil {
		return nil, fmt.Errorf("failed listing quotes of coin %d: %w", coinID, err)
	}
	return quotes, nil
}

func (s *Store) ListMarkets(ctx context.Context, coinID int64, limit int) ([]models.Market, error) {
	var markets []models.Market
	err := s.db.WithContext(ctx).
		Where("coin_id = ?", coinID).
		Order("observed_on DESC, id DESC").
		Limit(limit).
		Find(&markets).Error
	if err != nil {
		return nil, fmt.Errorf("failed listing market stats of coin %d: %w", coinID, err)
	}
	return markets, nil
}

// Snapshot collects the stored state of every coin observed on date. When a
// date was ingested more than once the latest rows win.
func (s *Store) Snapshot(ctx context.Context, date time.Time) ([]SnapshotRow, error) {
	db := s.db.WithContext(ctx)
	date = models.Day(date)

	var markets []models.Market
	if err := db.Where("observed_on = ?", date).Order("id ASC").Find(&markets).Error; err != nil {
		return nil, fmt.Errorf("failed reading market stats for %s: %w", date.Format(time.DateOnly), err)
	}
	if len(markets) == 0 {
		return nil, nil
	}

	latest := make(map[int64]models.Market, len(markets))
	ids := make([]int64, 0, len(markets))
	for _, m := range markets {
		if _, seen := latest[m.CoinID]; !seen {
			ids = append(ids, m.CoinID)
		}
		latest[m.CoinID] = m
	}

	var coins []models.Coin
	if err := db.Where("id IN ?", ids).Order("id ASC").Find(&coins).Error; err != nil {
		return nil, fmt.Errorf("failed reading coins: %w", err)
	}

	var quotes []models.Quote
	if err := db.Where("observed_on = ? AND coin_id IN ?", date, ids).Order("id ASC").Find(&quotes).Error; err != nil {
		return nil, fmt.Errorf("failed reading quotes: %w", err)
	}
	byCoin := make(map[int64]map[string]models.Quote)
	for _, q := range quotes {
		if byCoin[q.CoinID] == nil {
			byCoin[q.CoinID] = make(map[string]models.Quote)
		}
		byCoin[q.CoinID][q.Currency] = q
	}

	rows := make([]SnapshotRow, 0, len(coins))
	for _, c := range coins {
		row := SnapshotRow{Coin: c, Market: latest[c.ID]}
		for _, q := range byCoin[c.ID] {
			row.Quotes = append(row.Quotes, q)
		}
		sort.Slice(row.Quotes, func(i, j int) bool { return row.Quotes[i].Currency < row.Quotes[j].Currency })
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Store) SaveRun(ctx context.Context, run *models.IngestionRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed recording run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	var runs []models.IngestionRun
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed listing runs: %w", err)
	}
	return runs, nil
}

// LatestSuccessfulRun returns the run with the greatest date among runs that
// fetched and stored their date, partial ones included, or nil when there is
// none.
func (s *Store) LatestSuccessfulRun(ctx context.Context) (*models.IngestionRun, error) {
	var run models.IngestionRun
	err := s.db.WithContext(ctx).
		Where("status <> ?", models.RunStatusFailure).
		Order("date DESC").
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed reading latest run: %w", err)
	}
	return &run, nil
}
