package database

import (
	"context"
	"errors"
	"fmt"

	"cmc-scraper/internal/models"
	"cmc-scraper/internal/services/ingest"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the gorm implementation of ingest.Store. One Store is shared by a
// whole ingestion batch; every record gets its own transaction.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) WithinTransaction(ctx context.Context, fn func(tx ingest.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&storeTx{db: tx})
	})
}

type storeTx struct {
	db *gorm.DB
}

func onConflictDoNothing(columns ...string) clause.OnConflict {
	cols := make([]clause.Column, len(columns))
	for i, c := range columns {
		cols[i] = clause.Column{Name: c}
	}
	return clause.OnConflict{Columns: cols, DoNothing: true}
}

// EnsureCoin inserts coin unless a row with its id exists. A slug held by a
// different coin is refused before the insert is attempted.
func (t *storeTx) EnsureCoin(coin *models.Coin) (bool, error) {
	var owner models.Coin
	err := t.db.Select("id").Where("slug = ? AND id <> ?", coin.Slug, coin.ID).Take(&owner).Error
	if err == nil {
		return false, fmt.Errorf("%w: slug %q already belongs to coin %d", ingest.ErrConflict, coin.Slug, owner.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("failed checking slug %q: %w", coin.Slug, err)
	}

	res := t.db.Clauses(onConflictDoNothing("id")).Create(coin)
	if res.Error != nil {
		return false, translate(res.Error, "coin %d", coin.ID)
	}
	return res.RowsAffected > 0, nil
}

// EnsurePlatform inserts platform unless a row with its id exists. A token
// address held by a different platform is refused.
func (t *storeTx) EnsurePlatform(platform *models.Platform) (bool, error) {
	var owner models.Platform
	err := t.db.Select("id").Where("token_address = ? AND id <> ?", platform.TokenAddress, platform.ID).Take(&owner).Error
	if err == nil {
		return false, fmt.Errorf("%w: token address %q already belongs to platform %d", ingest.ErrConflict, platform.TokenAddress, owner.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("failed checking token address: %w", err)
	}

	res := t.db.Clauses(onConflictDoNothing("id")).Create(platform)
	if res.Error != nil {
		return false, translate(res.Error, "platform %d", platform.ID)
	}
	return res.RowsAffected > 0, nil
}

func (t *storeTx) EnsureTagReference(name string) (*models.TagReference, error) {
	ref := &models.TagReference{Name: name}
	res := t.db.Clauses(onConflictDoNothing("name")).Create(ref)
	if res.Error != nil {
		return nil, translate(res.Error, "tag %q", name)
	}
	if res.RowsAffected > 0 && ref.ID != 0 {
		return ref, nil
	}

	var existing models.TagReference
	if err := t.db.Where("name = ?", name).Take(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed reading tag %q: %w", name, err)
	}
	return &existing, nil
}

func (t *storeTx) LinkTag(coinID int64, tagID uint) error {
	err := t.db.Clauses(onConflictDoNothing("coin_id", "tag_id")).
		Create(&models.Tag{CoinID: coinID, TagID: tagID}).Error
	if err != nil {
		return translate(err, "tag link %d/%d", coinID, tagID)
	}
	return nil
}

func (t *storeTx) CreateMarket(market *models.Market) error {
	if err := t.db.Create(market).Error; err != nil {
		return translate(err, "market for coin %d", market.CoinID)
	}
	return nil
}

func (t *storeTx) CreateQuotes(quotes []models.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	if err := t.db.Create(&quotes).Error; err != nil {
		return translate(err, "quotes for coin %d", quotes[0].CoinID)
	}
	return nil
}

// translate maps a unique-constraint violation that slipped past the
// precondition checks onto ingest.ErrConflict.
func translate(err error, format string, args ...interface{}) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s: %v", ingest.ErrConflict, what, err)
	}
	return fmt.Errorf("failed writing %s: %w", what, err)
}
